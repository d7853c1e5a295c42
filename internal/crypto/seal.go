package crypto

import (
	"errors"
)

const labelSealKey = "trustgossip:seal:v1"

// Sealed is an anonymous box: only the holder of the recipient X25519 private
// key can open it, and the sender stays unauthenticated.
type Sealed struct {
	EphemeralPub []byte
	Nonce        []byte
	Ciphertext   []byte
}

func SealTo(recipientPub, plaintext, aad []byte) (Sealed, error) {
	if len(recipientPub) == 0 {
		return Sealed{}, errors.New("missing recipient key")
	}
	ephPub, ephPriv, err := GenBoxKeypair()
	if err != nil {
		return Sealed{}, err
	}
	defer zero(ephPriv)
	shared, err := X25519Shared(ephPriv, recipientPub)
	if err != nil {
		return Sealed{}, err
	}
	key := KDF(labelSealKey, shared, ephPub, recipientPub)
	defer zero(key)
	nonce, ct, err := XSeal(key, plaintext, aad)
	if err != nil {
		return Sealed{}, err
	}
	return Sealed{EphemeralPub: ephPub, Nonce: nonce, Ciphertext: ct}, nil
}

func OpenSealed(recipientPriv, recipientPub []byte, box Sealed, aad []byte) ([]byte, error) {
	if len(recipientPriv) == 0 || len(recipientPub) == 0 {
		return nil, errors.New("missing recipient key")
	}
	shared, err := X25519Shared(recipientPriv, box.EphemeralPub)
	if err != nil {
		return nil, err
	}
	key := KDF(labelSealKey, shared, box.EphemeralPub, recipientPub)
	defer zero(key)
	return XOpen(key, box.Nonce, box.Ciphertext, aad)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
