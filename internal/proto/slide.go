package proto

import (
	"encoding/hex"
	"errors"

	"trustgossip/internal/crypto"
)

// SlidePackage is an end-to-end encrypted direct message. The gossip layer
// never opens Ciphertext.
type SlidePackage struct {
	ID                 string      `json:"id"`
	Sender             string      `json:"sender"`
	Recipient          string      `json:"recipient"`
	EphemeralPublicKey string      `json:"ephemeral_public_key"`
	Ciphertext         string      `json:"ciphertext"`
	Signature          string      `json:"signature"`
	Proof              Attestation `json:"proof"`
}

func SlideID(sender, recipient, ephemeralPub, ciphertext string) string {
	s := newSignBuf(prefixSlideID, len(sender)+len(recipient)+len(ephemeralPub)+len(ciphertext)+16)
	s.str(sender).str(recipient).str(ephemeralPub).str(ciphertext)
	return crypto.SHA3Hex(s.out())
}

// SealSlide encrypts body to the recipient's box key and signs the slide id.
func SealSlide(recipient string, recipientBoxPub, body []byte, scheme crypto.SignatureScheme, pub, priv []byte) (SlidePackage, error) {
	if scheme == nil {
		return SlidePackage{}, errors.New("missing signature scheme")
	}
	sender := hex.EncodeToString(pub)
	box, err := crypto.SealTo(recipientBoxPub, body, crypto.BuildAAD("trustgossip:v1:slide-body", []byte(sender), []byte(recipient)))
	if err != nil {
		return SlidePackage{}, err
	}
	ct := make([]byte, 0, len(box.Nonce)+len(box.Ciphertext))
	ct = append(ct, box.Nonce...)
	ct = append(ct, box.Ciphertext...)
	out := SlidePackage{
		Sender:             sender,
		Recipient:          recipient,
		EphemeralPublicKey: hex.EncodeToString(box.EphemeralPub),
		Ciphertext:         hex.EncodeToString(ct),
	}
	out.ID = SlideID(out.Sender, out.Recipient, out.EphemeralPublicKey, out.Ciphertext)
	sig, err := scheme.Sign([]byte(out.ID), priv)
	if err != nil {
		return SlidePackage{}, err
	}
	out.Signature = hex.EncodeToString(sig)
	return out, nil
}

// OpenSlide is the recipient-side inverse of SealSlide.
func OpenSlide(s SlidePackage, boxPriv, boxPub []byte) ([]byte, error) {
	eph, err := hex.DecodeString(s.EphemeralPublicKey)
	if err != nil {
		return nil, errors.New("bad ephemeral key hex")
	}
	ct, err := hex.DecodeString(s.Ciphertext)
	if err != nil {
		return nil, errors.New("bad ciphertext hex")
	}
	if len(ct) < crypto.XNonceSize {
		return nil, errors.New("ciphertext too short")
	}
	box := crypto.Sealed{EphemeralPub: eph, Nonce: ct[:crypto.XNonceSize], Ciphertext: ct[crypto.XNonceSize:]}
	return crypto.OpenSealed(boxPriv, boxPub, box, crypto.BuildAAD("trustgossip:v1:slide-body", []byte(s.Sender), []byte(s.Recipient)))
}
