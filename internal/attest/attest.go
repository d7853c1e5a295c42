// Package attest is a witness-quorum timestamping service. A hash is attested
// when at least Threshold distinct known witnesses have signed it together
// with the attested time.
package attest

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"trustgossip/internal/crypto"
	"trustgossip/internal/proto"
)

var ErrNoQuorum = errors.New("not enough witnesses to reach quorum")

// Witness is a signing key held by this process.
type Witness struct {
	PubKey  []byte
	PrivKey []byte
}

func NewWitness() (Witness, error) {
	pub, priv, err := crypto.GenSigningKeypair()
	if err != nil {
		return Witness{}, err
	}
	return Witness{PubKey: pub, PrivKey: priv}, nil
}

func (w Witness) ID() string {
	return hex.EncodeToString(w.PubKey)
}

type Config struct {
	// Signers are the witnesses this process can sign with.
	Signers []Witness
	// Known lists the hex public keys accepted during verification. Signers
	// are always known.
	Known     []string
	Threshold int
	Scheme    crypto.SignatureScheme
	Now       func() time.Time
}

type Quorum struct {
	signers   []Witness
	known     map[string]struct{}
	threshold int
	scheme    crypto.SignatureScheme
	now       func() time.Time
}

func NewQuorum(cfg Config) (*Quorum, error) {
	if cfg.Threshold < 1 {
		cfg.Threshold = 1
	}
	if cfg.Scheme == nil {
		cfg.Scheme = crypto.Ed25519{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	known := make(map[string]struct{}, len(cfg.Known)+len(cfg.Signers))
	for _, k := range cfg.Known {
		if _, err := hex.DecodeString(k); err != nil || k == "" {
			return nil, fmt.Errorf("bad witness key %q", k)
		}
		known[k] = struct{}{}
	}
	for _, w := range cfg.Signers {
		known[w.ID()] = struct{}{}
	}
	if len(known) < cfg.Threshold {
		return nil, fmt.Errorf("threshold %d exceeds %d known witnesses", cfg.Threshold, len(known))
	}
	return &Quorum{
		signers:   cfg.Signers,
		known:     known,
		threshold: cfg.Threshold,
		scheme:    cfg.Scheme,
		now:       cfg.Now,
	}, nil
}

func (q *Quorum) Threshold() int {
	return q.threshold
}

// Timestamp attests hash at the current time with every local signer.
func (q *Quorum) Timestamp(ctx context.Context, hash string) (proto.Attestation, error) {
	if hash == "" {
		return proto.Attestation{}, errors.New("empty hash")
	}
	if len(q.signers) < q.threshold {
		return proto.Attestation{}, ErrNoQuorum
	}
	att := proto.Attestation{Hash: hash, Timestamp: q.now().UnixMilli()}
	msg := proto.AttestationSignBytes(att.Hash, att.Timestamp)
	for _, w := range q.signers {
		if err := ctx.Err(); err != nil {
			return proto.Attestation{}, err
		}
		sig, err := q.scheme.Sign(msg, w.PrivKey)
		if err != nil {
			return proto.Attestation{}, fmt.Errorf("witness %s: %w", w.ID(), err)
		}
		att.Signatures = append(att.Signatures, hex.EncodeToString(sig))
		att.WitnessIDs = append(att.WitnessIDs, w.ID())
	}
	return att, nil
}

// Verify counts distinct known witnesses with a valid signature. Unknown
// witnesses and bad signatures are skipped rather than failing the proof.
func (q *Quorum) Verify(ctx context.Context, att proto.Attestation) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if att.Hash == "" || len(att.Signatures) != len(att.WitnessIDs) {
		return false, nil
	}
	msg := proto.AttestationSignBytes(att.Hash, att.Timestamp)
	distinct := make(map[string]struct{}, len(att.WitnessIDs))
	for i, id := range att.WitnessIDs {
		if _, seen := distinct[id]; seen {
			continue
		}
		if _, ok := q.known[id]; !ok {
			continue
		}
		if !crypto.VerifyHex(q.scheme, msg, att.Signatures[i], id) {
			continue
		}
		distinct[id] = struct{}{}
		if len(distinct) >= q.threshold {
			return true, nil
		}
	}
	return false, nil
}
