package proto

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte(`{"v":"1","message":{"type":"post"}}`)
	var buf bytes.Buffer
	if err := WriteFrame(&buf, payload); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if !bytes.Equal(payload, got) {
		t.Fatalf("payload mismatch")
	}
}

func TestFrameRejectsOversize(t *testing.T) {
	if _, err := EncodeFrame(make([]byte, MaxFrameSize+1)); err == nil {
		t.Fatalf("expected oversize payload to fail")
	}
	if _, err := ReadFrame(bytes.NewReader([]byte{0, 0, 0, 0})); err == nil {
		t.Fatalf("expected zero-length frame to fail")
	}
}

func TestMessageValidateTagMismatch(t *testing.T) {
	m := Message{Type: KindTrust, Post: &PostPackage{Content: "x"}}
	if err := m.Validate(); !errors.Is(err, ErrPayloadMismatch) {
		t.Fatalf("expected payload mismatch, got %v", err)
	}
	m = Message{Type: KindPost, Post: &PostPackage{}, Slide: &SlidePackage{}}
	if err := m.Validate(); !errors.Is(err, ErrPayloadMismatch) {
		t.Fatalf("expected two payloads to fail, got %v", err)
	}
	m = Message{Type: KindPost}
	if err := m.Validate(); !errors.Is(err, ErrPayloadMismatch) {
		t.Fatalf("expected empty payload to fail, got %v", err)
	}
	m = Message{Type: "gossip", Post: &PostPackage{}}
	if err := m.Validate(); err == nil {
		t.Fatalf("expected unknown type to fail")
	}
}

func TestEnvelopeEncodeDecode(t *testing.T) {
	env := SignedEnvelope{Message: NewStateRequestMessage(StateRequest{PublicKey: "ab", SinceVersion: 3}, 10)}
	data, err := EncodeEnvelope(env)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	got, err := DecodeEnvelope(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if got.Version != ProtoVersion || got.Message.StateRequest == nil || got.Message.StateRequest.SinceVersion != 3 {
		t.Fatalf("unexpected decoded envelope: %+v", got)
	}
	if _, err := DecodeEnvelope([]byte(`{"v":"1","message":{"type":"slide","post":{}}}`)); err == nil {
		t.Fatalf("expected mismatched payload to be rejected")
	}
	if _, err := DecodeEnvelope([]byte(`{"v":"9","message":{"type":"slide","slide":{}}}`)); err == nil {
		t.Fatalf("expected unknown version to be rejected")
	}
}

func frameOf(t *testing.T, payload []byte) *bytes.Reader {
	t.Helper()
	frame, err := EncodeFrame(payload)
	if err != nil {
		t.Fatalf("EncodeFrame failed: %v", err)
	}
	return bytes.NewReader(frame)
}

func TestSniffKind(t *testing.T) {
	env := SignedEnvelope{Message: NewStateSyncMessage(StateSync{PublicKey: "ab", Version: 1, State: []byte("x")}, 1)}
	data, err := EncodeEnvelope(env)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if kind, ok := SniffKind(data[:40]); !ok || kind != KindStateSync {
		t.Fatalf("expected state-sync from prefix, got %q ok=%v", kind, ok)
	}
	nested := []byte(`{"v":"1","x":{"type":"state-sync"},"message":{"type":"post","post":{}}}`)
	if kind, ok := SniffKind(nested); !ok || kind != KindPost {
		t.Fatalf("expected nested type to be ignored, got %q ok=%v", kind, ok)
	}
	if _, ok := SniffKind([]byte(`{"v":"1","message":{"post":`)); ok {
		t.Fatalf("expected truncated header without type to fail")
	}
	if _, ok := SniffKind([]byte(`["message"]`)); ok {
		t.Fatalf("expected non-object to fail")
	}
}

func TestReadFrameWithKindCap(t *testing.T) {
	small := []byte(`{"v":"1","message":{"type":"post","post":{}}}`)
	got, kind, err := ReadFrameWithKindCap(frameOf(t, small))
	if err != nil || kind != "" || !bytes.Equal(got, small) {
		t.Fatalf("small frame: kind=%q err=%v", kind, err)
	}

	big := func(kind string, size int) []byte {
		head := `{"v":"1","message":{"type":"` + kind + `","pad":"`
		tail := `"}}`
		return []byte(head + strings.Repeat("a", size-len(head)-len(tail)) + tail)
	}

	state := big("state-sync", 512<<10)
	got, kind, err = ReadFrameWithKindCap(frameOf(t, state))
	if err != nil || kind != KindStateSync || len(got) != len(state) {
		t.Fatalf("large state-sync frame: kind=%q err=%v", kind, err)
	}

	if _, kind, err := ReadFrameWithKindCap(frameOf(t, big("post", 128<<10))); !errors.Is(err, ErrFrameTooBig) || kind != KindPost {
		t.Fatalf("expected oversized post to be rejected, got kind=%q err=%v", kind, err)
	}
	if _, _, err := ReadFrameWithKindCap(frameOf(t, big("trust", 32<<10))); !errors.Is(err, ErrFrameTooBig) {
		t.Fatalf("expected oversized trust frame to be rejected, got %v", err)
	}
	if _, _, err := ReadFrameWithKindCap(frameOf(t, big("slide", 128<<10))); err != nil {
		t.Fatalf("expected slide under its cap to pass: %v", err)
	}

	untyped := []byte(`{"v":"1","pad":"` + strings.Repeat("a", 20<<10) + `"}`)
	if _, _, err := ReadFrameWithKindCap(frameOf(t, untyped)); !errors.Is(err, ErrFrameKind) {
		t.Fatalf("expected large frame without a kind to be rejected, got %v", err)
	}
}
