package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"trustgossip/internal/daemon"
	"trustgossip/internal/metrics"
)

func runCLI(t *testing.T, args ...string) (string, string, int) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(args, &stdout, &stderr)
	return stdout.String(), stderr.String(), code
}

func TestIDIsStable(t *testing.T) {
	home := t.TempDir()
	out1, errOut, code := runCLI(t, "--home", home, "id")
	if code != 0 {
		t.Fatalf("id failed: %s", errOut)
	}
	if !strings.HasPrefix(out1, "id: ") || !strings.Contains(out1, "box: ") {
		t.Fatalf("unexpected output: %q", out1)
	}
	out2, _, _ := runCLI(t, "--home", home, "id")
	if out1 != out2 {
		t.Fatalf("id changed between runs")
	}
}

func TestStatusWithoutSnapshot(t *testing.T) {
	_, errOut, code := runCLI(t, "--home", t.TempDir(), "status")
	if code == 0 {
		t.Fatalf("expected failure without a snapshot")
	}
	if !strings.Contains(errOut, "no snapshot") {
		t.Fatalf("unexpected error output: %q", errOut)
	}
}

func TestStatusPrintsSnapshot(t *testing.T) {
	home := t.TempDir()
	m := metrics.New()
	m.IncPublished()
	m.IncAccepted("post", "abc", "peer")
	m.IncDropByReason("untrusted")
	if err := m.WriteSnapshot(filepath.Join(home, daemon.SnapshotFile)); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}
	out, errOut, code := runCLI(t, "--home", home, "status")
	if code != 0 {
		t.Fatalf("status failed: %s", errOut)
	}
	for _, want := range []string{"published: 1", "accepted: post=1", "dropped: untrusted=1"} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in output:\n%s", want, out)
		}
	}
}

func TestConfigWriteAndPrint(t *testing.T) {
	home := t.TempDir()
	out, errOut, code := runCLI(t, "--home", home, "config", "--write")
	if code != 0 {
		t.Fatalf("config --write failed: %s", errOut)
	}
	if !strings.Contains(out, "config.yaml") {
		t.Fatalf("unexpected output: %q", out)
	}
	if _, err := os.Stat(filepath.Join(home, "config.yaml")); err != nil {
		t.Fatalf("config not written: %v", err)
	}
	out, _, code = runCLI(t, "--home", home, "config")
	if code != 0 || !strings.Contains(out, "max_hops:") {
		t.Fatalf("unexpected config output: %q", out)
	}
}

func TestCAWritesPEM(t *testing.T) {
	home := t.TempDir()
	_, errOut, code := runCLI(t, "--home", home, "ca")
	if code != 0 {
		t.Fatalf("ca failed: %s", errOut)
	}
	data, err := os.ReadFile(filepath.Join(home, "devtls_ca.pem"))
	if err != nil {
		t.Fatalf("read ca: %v", err)
	}
	if !strings.Contains(string(data), "BEGIN CERTIFICATE") {
		t.Fatalf("expected PEM certificate")
	}
}

func TestUnknownCommand(t *testing.T) {
	_, errOut, code := runCLI(t, "bogus")
	if code == 0 {
		t.Fatalf("expected failure for unknown command")
	}
	if !strings.Contains(errOut, "unknown command") {
		t.Fatalf("unexpected error output: %q", errOut)
	}
}

func TestPrintStatusSortsCounts(t *testing.T) {
	var buf bytes.Buffer
	printStatus(&buf, metrics.Snapshot{
		GeneratedAt:  time.Unix(0, 0).UTC(),
		DropByReason: map[string]uint64{"rate": 2, "expired": 1},
	})
	if !strings.Contains(buf.String(), "dropped: expired=1 rate=2") {
		t.Fatalf("unexpected output:\n%s", buf.String())
	}
}
