package node

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"trustgossip/internal/crypto"
	"trustgossip/internal/proto"
)

const (
	DefaultSignatureExpiry = 5 * time.Minute
	DefaultMaxSeenMessages = 10000
)

var (
	ErrUnsigned     = errors.New("unsigned message")
	ErrBadSignature = errors.New("bad envelope signature")
	ErrExpired      = errors.New("envelope outside expiry window")
	ErrReplay       = errors.New("envelope replayed")
)

type SignerConfig struct {
	// Identity is optional; without it Sign passes messages through.
	Identity          *Identity
	Scheme            crypto.SignatureScheme
	RequireSignatures bool
	Expiry            time.Duration
	MaxSeen           int
	Now               func() time.Time
}

// Signer wraps outgoing messages in signed envelopes and unwraps incoming ones,
// rejecting replays of an envelope id inside the expiry window.
type Signer struct {
	identity *Identity
	scheme   crypto.SignatureScheme
	require  bool
	expiry   time.Duration
	now      func() time.Time
	nonce    atomic.Uint64
	seen     *replayCache
}

func NewSigner(cfg SignerConfig) *Signer {
	if cfg.Scheme == nil {
		cfg.Scheme = crypto.Ed25519{}
	}
	if cfg.Expiry <= 0 {
		cfg.Expiry = DefaultSignatureExpiry
	}
	if cfg.MaxSeen <= 0 {
		cfg.MaxSeen = DefaultMaxSeenMessages
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	s := &Signer{
		identity: cfg.Identity,
		scheme:   cfg.Scheme,
		require:  cfg.RequireSignatures,
		expiry:   cfg.Expiry,
		now:      cfg.Now,
		seen:     newReplayCache(cfg.Expiry, cfg.MaxSeen),
	}
	// Seed from the clock so nonces stay monotonic across restarts.
	s.nonce.Store(uint64(cfg.Now().UnixNano()))
	return s
}

func (s *Signer) CanSign() bool {
	return s != nil && s.identity != nil && len(s.identity.PrivKey) > 0
}

func (s *Signer) Sign(msg proto.Message) (proto.SignedEnvelope, error) {
	env := proto.SignedEnvelope{Version: proto.ProtoVersion, Message: msg}
	if !s.CanSign() {
		if err := msg.Validate(); err != nil {
			return proto.SignedEnvelope{}, err
		}
		return env, nil
	}
	body, err := proto.CanonicalBytes(msg)
	if err != nil {
		return proto.SignedEnvelope{}, err
	}
	env.SignerPublicKey = s.identity.PublicKey()
	env.IssuedAt = s.now().UnixMilli()
	env.Nonce = s.nonce.Add(1)
	sig, err := s.scheme.Sign(proto.EnvelopeSignBytes(body, env.SignerPublicKey, env.IssuedAt, env.Nonce), s.identity.PrivKey)
	if err != nil {
		return proto.SignedEnvelope{}, fmt.Errorf("sign envelope: %w", err)
	}
	env.Signature = hex.EncodeToString(sig)
	return env, nil
}

func (s *Signer) Verify(env proto.SignedEnvelope) (proto.Message, error) {
	if err := env.Message.Validate(); err != nil {
		return proto.Message{}, err
	}
	if !env.Signed() {
		if s.require {
			return proto.Message{}, ErrUnsigned
		}
		return env.Message, nil
	}
	body, err := proto.CanonicalBytes(env.Message)
	if err != nil {
		return proto.Message{}, err
	}
	signBytes := proto.EnvelopeSignBytes(body, env.SignerPublicKey, env.IssuedAt, env.Nonce)
	if !crypto.VerifyHex(s.scheme, signBytes, env.Signature, env.SignerPublicKey) {
		return proto.Message{}, ErrBadSignature
	}
	now := s.now()
	issued := time.UnixMilli(env.IssuedAt)
	if now.Sub(issued) > s.expiry || issued.Sub(now) > s.expiry {
		return proto.Message{}, ErrExpired
	}
	var id [32]byte
	copy(id[:], crypto.SHA3_256(signBytes))
	if !s.seen.checkAndAdd(id, now, issued) {
		return proto.Message{}, ErrReplay
	}
	return env.Message, nil
}

func (s *Signer) CleanupExpiredMessages() {
	s.seen.prune(s.now())
}

func (s *Signer) SeenMessageCount() int {
	return s.seen.len()
}
