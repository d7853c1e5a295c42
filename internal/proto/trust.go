package proto

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"trustgossip/internal/crypto"
)

type TrustSignal struct {
	Truster   string      `json:"truster"`
	Trustee   string      `json:"trustee"`
	Weight    float64     `json:"weight"`
	Timestamp int64       `json:"timestamp"`
	Revoked   bool        `json:"revoked,omitempty"`
	Signature string      `json:"signature"`
	Proof     Attestation `json:"proof"`
}

// Active reports whether the signal contributes an edge.
func (s TrustSignal) Active() bool {
	return !s.Revoked && s.Weight > 0
}

func TrustSignalDigest(s TrustSignal) []byte {
	buf := newSignBuf(prefixTrustSignal, len(s.Truster)+len(s.Trustee)+32)
	buf.str(s.Truster).str(s.Trustee).f64(s.Weight).i64(s.Timestamp).flag(s.Revoked)
	return crypto.SHA3_256(buf.out())
}

func TrustSignalHash(s TrustSignal) string {
	return hex.EncodeToString(TrustSignalDigest(s))
}

// ValidateTrustShape enforces the weight range and the revoked/weight pairing.
func ValidateTrustShape(weight float64, revoked bool) error {
	if weight < 0 || weight > 1 || math.IsNaN(weight) {
		return fmt.Errorf("weight out of range: %v", weight)
	}
	if revoked && weight != 0 {
		return errors.New("revoked signal with non-zero weight")
	}
	if !revoked && weight == 0 {
		return errors.New("zero weight without revocation")
	}
	return nil
}

func SignTrustSignal(s TrustSignal, scheme crypto.SignatureScheme, pub, priv []byte) (TrustSignal, error) {
	if scheme == nil {
		return TrustSignal{}, errors.New("missing signature scheme")
	}
	s.Truster = hex.EncodeToString(pub)
	if err := ValidateTrustShape(s.Weight, s.Revoked); err != nil {
		return TrustSignal{}, err
	}
	sig, err := scheme.Sign(TrustSignalDigest(s), priv)
	if err != nil {
		return TrustSignal{}, err
	}
	s.Signature = hex.EncodeToString(sig)
	return s, nil
}

// SealedBox is the hex wire form of crypto.Sealed.
type SealedBox struct {
	EphemeralPublicKey string `json:"ephemeral_public_key"`
	Nonce              string `json:"nonce"`
	Ciphertext         string `json:"ciphertext"`
}

func SealedBoxFrom(s crypto.Sealed) SealedBox {
	return SealedBox{
		EphemeralPublicKey: hex.EncodeToString(s.EphemeralPub),
		Nonce:              hex.EncodeToString(s.Nonce),
		Ciphertext:         hex.EncodeToString(s.Ciphertext),
	}
}

func (b SealedBox) Decode() (crypto.Sealed, error) {
	eph, err := hex.DecodeString(b.EphemeralPublicKey)
	if err != nil {
		return crypto.Sealed{}, errors.New("bad ephemeral key hex")
	}
	nonce, err := hex.DecodeString(b.Nonce)
	if err != nil {
		return crypto.Sealed{}, errors.New("bad nonce hex")
	}
	ct, err := hex.DecodeString(b.Ciphertext)
	if err != nil {
		return crypto.Sealed{}, errors.New("bad ciphertext hex")
	}
	return crypto.Sealed{EphemeralPub: eph, Nonce: nonce, Ciphertext: ct}, nil
}

// EncryptedTrustSignal hides the trustee from everyone but the trustee. Any
// observer can still check the truster's signature over the commitment. A
// weight of zero is a revocation.
type EncryptedTrustSignal struct {
	Truster           string      `json:"truster"`
	TrusteeCommitment string      `json:"trustee_commitment"`
	EncryptedTrustee  SealedBox   `json:"encrypted_trustee"`
	Weight            float64     `json:"weight"`
	Timestamp         int64       `json:"timestamp"`
	Signature         string      `json:"signature"`
	Proof             Attestation `json:"proof"`
}

// TrusteePlaintext is what the sealed box carries.
type TrusteePlaintext struct {
	Trustee string `json:"trustee"`
	Salt    string `json:"salt"`
}

func TrusteeCommitment(trustee string, salt []byte) string {
	return crypto.SHA3Hex(newSignBuf(prefixCommitment, len(trustee)+len(salt)+8).str(trustee).bytes(salt).out())
}

func EncryptedTrustSignBytes(commitment string, weight float64, timestamp int64) []byte {
	return newSignBuf(prefixEncryptedTrust, len(commitment)+20).str(commitment).f64(weight).i64(timestamp).out()
}

func TrusteeAAD(truster, commitment string) []byte {
	return crypto.BuildAAD("trustgossip:v1:trustee", []byte(truster), []byte(commitment))
}

// SealTrustSignal builds the encrypted form of a trust edge towards trustee,
// whose X25519 box key is trusteeBoxPub. Proof is left empty.
func SealTrustSignal(trustee string, trusteeBoxPub []byte, weight float64, timestamp int64, scheme crypto.SignatureScheme, pub, priv []byte) (EncryptedTrustSignal, error) {
	if scheme == nil {
		return EncryptedTrustSignal{}, errors.New("missing signature scheme")
	}
	if weight < 0 || weight > 1 {
		return EncryptedTrustSignal{}, fmt.Errorf("weight out of range: %v", weight)
	}
	salt, err := randomSalt()
	if err != nil {
		return EncryptedTrustSignal{}, err
	}
	truster := hex.EncodeToString(pub)
	commitment := TrusteeCommitment(trustee, salt)
	plain, err := json.Marshal(TrusteePlaintext{Trustee: trustee, Salt: hex.EncodeToString(salt)})
	if err != nil {
		return EncryptedTrustSignal{}, err
	}
	box, err := crypto.SealTo(trusteeBoxPub, plain, TrusteeAAD(truster, commitment))
	if err != nil {
		return EncryptedTrustSignal{}, err
	}
	sig, err := scheme.Sign(EncryptedTrustSignBytes(commitment, weight, timestamp), priv)
	if err != nil {
		return EncryptedTrustSignal{}, err
	}
	return EncryptedTrustSignal{
		Truster:           truster,
		TrusteeCommitment: commitment,
		EncryptedTrustee:  SealedBoxFrom(box),
		Weight:            weight,
		Timestamp:         timestamp,
		Signature:         hex.EncodeToString(sig),
	}, nil
}

// OpenTrustee decrypts the trustee and checks it against the commitment.
func OpenTrustee(s EncryptedTrustSignal, boxPriv, boxPub []byte) (string, error) {
	box, err := s.EncryptedTrustee.Decode()
	if err != nil {
		return "", err
	}
	plain, err := crypto.OpenSealed(boxPriv, boxPub, box, TrusteeAAD(s.Truster, s.TrusteeCommitment))
	if err != nil {
		return "", err
	}
	var tp TrusteePlaintext
	if err := json.Unmarshal(plain, &tp); err != nil {
		return "", err
	}
	salt, err := hex.DecodeString(tp.Salt)
	if err != nil {
		return "", errors.New("bad salt hex")
	}
	if TrusteeCommitment(tp.Trustee, salt) != s.TrusteeCommitment {
		return "", errors.New("commitment mismatch")
	}
	return tp.Trustee, nil
}
