package proto

// Attestation is a quorum-signed statement that Hash existed at Timestamp
// (unix milliseconds). Signatures[i] belongs to WitnessIDs[i].
type Attestation struct {
	Hash       string   `json:"hash"`
	Timestamp  int64    `json:"timestamp"`
	Signatures []string `json:"signatures"`
	WitnessIDs []string `json:"witness_ids"`
}

func AttestationSignBytes(hash string, timestamp int64) []byte {
	return newSignBuf(prefixAttestation, 4+len(hash)+8).str(hash).i64(timestamp).out()
}
