package node

import (
	"encoding/hex"
	"errors"
	"os"

	"trustgossip/internal/crypto"
	"trustgossip/internal/proto"
)

const (
	signKeyName = "sign"
	boxKeyName  = "box"
)

// Identity is the local node: an ed25519 signing key whose hex public key is
// the node's identity everywhere in the protocol, and an X25519 box key used
// to receive encrypted trust signals and slides.
type Identity struct {
	PubKey  []byte
	PrivKey []byte
	BoxPub  []byte
	BoxPriv []byte
}

// LoadOrCreate reads both keypairs from home, generating and persisting any
// that are missing.
func LoadOrCreate(home string) (*Identity, error) {
	if err := os.MkdirAll(home, 0700); err != nil {
		return nil, err
	}
	pub, priv, err := loadOrGen(home, signKeyName, crypto.GenSigningKeypair)
	if err != nil {
		return nil, err
	}
	boxPub, boxPriv, err := loadOrGen(home, boxKeyName, crypto.GenBoxKeypair)
	if err != nil {
		return nil, err
	}
	return &Identity{PubKey: pub, PrivKey: priv, BoxPub: boxPub, BoxPriv: boxPriv}, nil
}

// NewEphemeral returns an in-memory identity.
func NewEphemeral() (*Identity, error) {
	pub, priv, err := crypto.GenSigningKeypair()
	if err != nil {
		return nil, err
	}
	boxPub, boxPriv, err := crypto.GenBoxKeypair()
	if err != nil {
		return nil, err
	}
	return &Identity{PubKey: pub, PrivKey: priv, BoxPub: boxPub, BoxPriv: boxPriv}, nil
}

func loadOrGen(home, name string, gen func() ([]byte, []byte, error)) ([]byte, []byte, error) {
	pub, priv, err := crypto.LoadKeypair(home, name)
	if err == nil {
		return pub, priv, nil
	}
	if !os.IsNotExist(err) {
		return nil, nil, err
	}
	pub, priv, err = gen()
	if err != nil {
		return nil, nil, err
	}
	if err := crypto.SaveKeypair(home, name, pub, priv); err != nil {
		return nil, nil, err
	}
	return pub, priv, nil
}

func (id *Identity) PublicKey() string {
	if id == nil {
		return ""
	}
	return hex.EncodeToString(id.PubKey)
}

func (id *Identity) BoxPublicKey() string {
	if id == nil {
		return ""
	}
	return hex.EncodeToString(id.BoxPub)
}

func (id *Identity) SelfPublicKey() string {
	return id.PublicKey()
}

// DecryptTrustee opens the sealed trustee of an encrypted trust signal.
func (id *Identity) DecryptTrustee(s proto.EncryptedTrustSignal) (string, error) {
	if id == nil || len(id.BoxPriv) == 0 {
		return "", errors.New("no box key")
	}
	return proto.OpenTrustee(s, id.BoxPriv, id.BoxPub)
}
