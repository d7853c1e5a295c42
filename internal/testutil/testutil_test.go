package testutil

import (
	"sync/atomic"
	"testing"
)

func TestCapBytes(t *testing.T) {
	b := []byte("abcdef")
	if got := CapBytes(b, 3); string(got) != "abc" {
		t.Fatalf("unexpected cap: %q", got)
	}
	if got := CapBytes(b, 0); string(got) != "abcdef" {
		t.Fatalf("expected no cap for zero limit")
	}
	if got := CapBytes(b, 10); string(got) != "abcdef" {
		t.Fatalf("expected input unchanged under limit")
	}
}

func TestEventually(t *testing.T) {
	var n atomic.Int32
	Eventually(t, "counter", func() bool { return n.Add(1) >= 3 })
	if n.Load() < 3 {
		t.Fatalf("condition checked %d times", n.Load())
	}
}

func TestWithTimeoutRuns(t *testing.T) {
	ran := false
	WithTimeout(t, 0, func() { ran = true })
	if !ran {
		t.Fatalf("expected fn to run")
	}
}
