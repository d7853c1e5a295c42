package proto

import (
	"encoding/binary"
	"math"
)

const (
	ProtoVersion = "1"

	prefixPostSign       = "trustgossip:v1:post|"
	prefixPostPayload    = "trustgossip:v1:post-payload|"
	prefixTrustSignal    = "trustgossip:v1:trust|"
	prefixEncryptedTrust = "trustgossip:v1:trust-enc|"
	prefixCommitment     = "trustgossip:v1:commit|"
	prefixSlideID        = "trustgossip:v1:slide|"
	prefixStateRequest   = "trustgossip:v1:state-req|"
	prefixEnvelope       = "trustgossip:v1:env|"
	prefixAttestation    = "trustgossip:v1:attest|"
)

// signBuf builds canonical byte strings. Variable-length fields carry a
// 4-byte big-endian length so adjacent fields cannot bleed into each other.
type signBuf struct {
	b []byte
}

func newSignBuf(prefix string, hint int) *signBuf {
	b := make([]byte, 0, len(prefix)+hint)
	b = append(b, prefix...)
	return &signBuf{b: b}
}

func (s *signBuf) bytes(v []byte) *signBuf {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(len(v)))
	s.b = append(s.b, tmp[:]...)
	s.b = append(s.b, v...)
	return s
}

func (s *signBuf) str(v string) *signBuf {
	return s.bytes([]byte(v))
}

func (s *signBuf) i64(v int64) *signBuf {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], uint64(v))
	s.b = append(s.b, tmp[:]...)
	return s
}

func (s *signBuf) f64(v float64) *signBuf {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], math.Float64bits(v))
	s.b = append(s.b, tmp[:]...)
	return s
}

func (s *signBuf) flag(v bool) *signBuf {
	if v {
		s.b = append(s.b, 1)
	} else {
		s.b = append(s.b, 0)
	}
	return s
}

func (s *signBuf) out() []byte {
	return s.b
}
