package proto

import "trustgossip/internal/crypto"

// StateSync carries an opaque CRDT state blob for PublicKey.
type StateSync struct {
	PublicKey string `json:"public_key"`
	Version   int64  `json:"version"`
	State     []byte `json:"state"`
}

type StateRequest struct {
	PublicKey    string `json:"public_key"`
	SinceVersion int64  `json:"since_version"`
}

// StateRequestKey identifies one request instance for flood suppression.
func StateRequestKey(r StateRequest, issued int64) [32]byte {
	var out [32]byte
	b := newSignBuf(prefixStateRequest, len(r.PublicKey)+20).str(r.PublicKey).i64(r.SinceVersion).i64(issued).out()
	copy(out[:], crypto.SHA3_256(b))
	return out
}
