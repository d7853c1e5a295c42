package crypto

import (
	"bytes"
	"testing"
)

func TestKDFDeterminismAndContext(t *testing.T) {
	a1 := KDF("trustgossip:a", []byte("ikm"))
	a2 := KDF("trustgossip:a", []byte("ikm"))
	if !bytes.Equal(a1, a2) {
		t.Fatalf("KDF not deterministic")
	}
	b := KDF("trustgossip:b", []byte("ikm"))
	if bytes.Equal(a1, b) {
		t.Fatalf("expected different keys for different labels")
	}
}

func TestBuildAADLengthPrefixed(t *testing.T) {
	x := BuildAAD("l", []byte("ab"), []byte("c"))
	y := BuildAAD("l", []byte("a"), []byte("bc"))
	if bytes.Equal(x, y) {
		t.Fatalf("expected distinct aad for shifted boundaries")
	}
}

func TestEd25519SignVerify(t *testing.T) {
	pub, priv, err := GenSigningKeypair()
	if err != nil {
		t.Fatalf("gen keypair failed: %v", err)
	}
	var s Ed25519
	sig, err := s.Sign([]byte("msg"), priv)
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	if !s.Verify([]byte("msg"), sig, pub) {
		t.Fatalf("expected signature to verify")
	}
	if s.Verify([]byte("msh"), sig, pub) {
		t.Fatalf("expected tampered message to fail")
	}
	if s.Verify([]byte("msg"), sig[:10], pub) {
		t.Fatalf("expected short signature to fail")
	}
}

func TestSealOpenRoundTrip(t *testing.T) {
	pub, priv, err := GenBoxKeypair()
	if err != nil {
		t.Fatalf("gen box keypair failed: %v", err)
	}
	aad := BuildAAD("ctx", []byte("commitment"))
	box, err := SealTo(pub, []byte("payload"), aad)
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	out, err := OpenSealed(priv, pub, box, aad)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if string(out) != "payload" {
		t.Fatalf("payload mismatch: %q", out)
	}
	if _, err := OpenSealed(priv, pub, box, BuildAAD("ctx", []byte("other"))); err == nil {
		t.Fatalf("expected aad mismatch to fail")
	}
}

func TestOpenSealedWrongKeyFails(t *testing.T) {
	pub, _, err := GenBoxKeypair()
	if err != nil {
		t.Fatalf("gen box keypair failed: %v", err)
	}
	otherPub, otherPriv, err := GenBoxKeypair()
	if err != nil {
		t.Fatalf("gen box keypair failed: %v", err)
	}
	box, err := SealTo(pub, []byte("secret"), nil)
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	if _, err := OpenSealed(otherPriv, otherPub, box, nil); err == nil {
		t.Fatalf("expected open with foreign key to fail")
	}
}

func TestKeypairSaveLoad(t *testing.T) {
	dir := t.TempDir()
	pub, priv, err := GenSigningKeypair()
	if err != nil {
		t.Fatalf("gen keypair failed: %v", err)
	}
	if err := SaveKeypair(dir, "sign", pub, priv); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	gotPub, gotPriv, err := LoadKeypair(dir, "sign")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if !bytes.Equal(gotPub, pub) || !bytes.Equal(gotPriv, priv) {
		t.Fatalf("keypair mismatch after reload")
	}
}
