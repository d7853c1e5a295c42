package proto

import (
	"encoding/json"
	"errors"
	"fmt"
)

type Kind string

const (
	KindPost           Kind = "post"
	KindTrust          Kind = "trust"
	KindEncryptedTrust Kind = "trust-encrypted"
	KindSlide          Kind = "slide"
	KindStateSync      Kind = "state-sync"
	KindStateRequest   Kind = "state-request"
)

// Message is the gossip union. Exactly one payload pointer is set and it must
// match Type; Validate enforces that.
type Message struct {
	Type           Kind                  `json:"type"`
	Timestamp      int64                 `json:"timestamp"`
	Post           *PostPackage          `json:"post,omitempty"`
	Trust          *TrustSignal          `json:"trust,omitempty"`
	EncryptedTrust *EncryptedTrustSignal `json:"encrypted_trust,omitempty"`
	Slide          *SlidePackage         `json:"slide,omitempty"`
	StateSync      *StateSync            `json:"state_sync,omitempty"`
	StateRequest   *StateRequest         `json:"state_request,omitempty"`
}

var ErrPayloadMismatch = errors.New("payload does not match message type")

func (m Message) Validate() error {
	populated := 0
	var match bool
	if m.Post != nil {
		populated++
		match = m.Type == KindPost
	}
	if m.Trust != nil {
		populated++
		match = m.Type == KindTrust
	}
	if m.EncryptedTrust != nil {
		populated++
		match = m.Type == KindEncryptedTrust
	}
	if m.Slide != nil {
		populated++
		match = m.Type == KindSlide
	}
	if m.StateSync != nil {
		populated++
		match = m.Type == KindStateSync
	}
	if m.StateRequest != nil {
		populated++
		match = m.Type == KindStateRequest
	}
	switch m.Type {
	case KindPost, KindTrust, KindEncryptedTrust, KindSlide, KindStateSync, KindStateRequest:
	default:
		return fmt.Errorf("unknown message type: %q", m.Type)
	}
	if populated != 1 || !match {
		return ErrPayloadMismatch
	}
	return nil
}

func NewPostMessage(p PostPackage, ts int64) Message {
	return Message{Type: KindPost, Timestamp: ts, Post: &p}
}

func NewTrustMessage(s TrustSignal, ts int64) Message {
	return Message{Type: KindTrust, Timestamp: ts, Trust: &s}
}

func NewEncryptedTrustMessage(s EncryptedTrustSignal, ts int64) Message {
	return Message{Type: KindEncryptedTrust, Timestamp: ts, EncryptedTrust: &s}
}

func NewSlideMessage(s SlidePackage, ts int64) Message {
	return Message{Type: KindSlide, Timestamp: ts, Slide: &s}
}

func NewStateSyncMessage(s StateSync, ts int64) Message {
	return Message{Type: KindStateSync, Timestamp: ts, StateSync: &s}
}

func NewStateRequestMessage(r StateRequest, ts int64) Message {
	return Message{Type: KindStateRequest, Timestamp: ts, StateRequest: &r}
}

// CanonicalBytes is the serialization signatures are computed over. Struct
// field order is fixed, so encoding/json output is stable.
func CanonicalBytes(m Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

// SignedEnvelope wraps a Message for the wire. The signer fields are empty
// when the sending node has no signing identity.
type SignedEnvelope struct {
	Version         string  `json:"v"`
	Message         Message `json:"message"`
	SignerPublicKey string  `json:"signer_public_key,omitempty"`
	Signature       string  `json:"signature,omitempty"`
	IssuedAt        int64   `json:"issued_at,omitempty"`
	Nonce           uint64  `json:"nonce,omitempty"`
}

func (e SignedEnvelope) Signed() bool {
	return e.Signature != "" || e.SignerPublicKey != ""
}

func EnvelopeSignBytes(msgBytes []byte, signer string, issuedAt int64, nonce uint64) []byte {
	return newSignBuf(prefixEnvelope, len(msgBytes)+len(signer)+24).
		bytes(msgBytes).str(signer).i64(issuedAt).i64(int64(nonce)).out()
}

func EncodeEnvelope(e SignedEnvelope) ([]byte, error) {
	if e.Version == "" {
		e.Version = ProtoVersion
	}
	if err := e.Message.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

func DecodeEnvelope(data []byte) (SignedEnvelope, error) {
	var e SignedEnvelope
	if err := json.Unmarshal(data, &e); err != nil {
		return SignedEnvelope{}, err
	}
	if e.Version != "" && e.Version != ProtoVersion {
		return SignedEnvelope{}, fmt.Errorf("unsupported version: %s", e.Version)
	}
	if err := e.Message.Validate(); err != nil {
		return SignedEnvelope{}, err
	}
	return e, nil
}
