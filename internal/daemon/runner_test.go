package daemon

import (
	"context"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"trustgossip/internal/config"
	"trustgossip/internal/metrics"
	"trustgossip/internal/node"
	"trustgossip/internal/proto"
	"trustgossip/internal/store"
	"trustgossip/internal/testutil"
)

func newTestRunner(t *testing.T, self *node.Identity, mutate func(*config.Config)) *Runner {
	t.Helper()
	cfg := config.Default()
	cfg.Home = t.TempDir()
	cfg.Network.Listen = "127.0.0.1:0"
	if mutate != nil {
		mutate(&cfg)
	}
	st, err := store.Open("")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	r, err := NewRunner(cfg, Options{Identity: self, Store: st})
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func mustIdentity(t *testing.T) *node.Identity {
	t.Helper()
	id, err := node.NewEphemeral()
	if err != nil {
		t.Fatalf("identity: %v", err)
	}
	return id
}

// connectedPair returns a receiver that trusts and accepts attestations from
// the sender, with the sender dialed into the receiver.
func connectedPair(t *testing.T) (*Runner, *Runner) {
	t.Helper()
	sendID := mustIdentity(t)
	recv := newTestRunner(t, mustIdentity(t), func(c *config.Config) {
		c.DirectTrust = []string{sendID.PublicKey()}
		c.Attestation.Witnesses = []string{sendID.PublicKey()}
	})
	send := newTestRunner(t, sendID, nil)

	addr, err := recv.Transport.Listen("127.0.0.1:0")
	if err != nil {
		t.Skipf("udp listen unavailable: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := send.Connect(ctx, addr.String()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	testutil.Eventually(t, "receiver to register the peer", func() bool { return len(recv.Engine.Peers()) == 1 })
	return recv, send
}

func TestNewRunnerRequiresHome(t *testing.T) {
	if _, err := NewRunner(config.Config{}, Options{}); err == nil {
		t.Fatalf("expected error without home")
	}
}

func TestNewRunnerPersistsIdentity(t *testing.T) {
	cfg := config.Default()
	cfg.Home = t.TempDir()
	cfg.StateDir = filepath.Join(cfg.Home, "state")
	r, err := NewRunner(cfg, Options{})
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	first := r.Self.PublicKey()
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	r, err = NewRunner(cfg, Options{})
	if err != nil {
		t.Fatalf("reopen runner: %v", err)
	}
	defer r.Close()
	if r.Self.PublicKey() != first {
		t.Fatalf("identity changed across restarts")
	}
}

func TestRunnerPostReachesTrustingPeer(t *testing.T) {
	recv, send := connectedPair(t)
	p, err := send.PublishPost(context.Background(), "hello over quic", "")
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	testutil.Eventually(t, "post delivery", func() bool {
		_, ok := recv.Engine.Post(p.ID)
		return ok
	})
	rec, _ := recv.Engine.Post(p.ID)
	if rec.HopDistance != 1 {
		t.Fatalf("expected hop distance 1, got %d", rec.HopDistance)
	}
}

func TestRunnerStateReachesStore(t *testing.T) {
	recv, send := connectedPair(t)
	if err := send.PublishState(context.Background(), []byte("crdt-blob")); err != nil {
		t.Fatalf("publish state: %v", err)
	}
	pub := send.Self.PublicKey()
	testutil.Eventually(t, "state persistence", func() bool {
		_, _, found, err := recv.Store.Get(pub)
		return err == nil && found
	})
	_, blob, _, _ := recv.Store.Get(pub)
	if string(blob) != "crdt-blob" {
		t.Fatalf("unexpected blob %q", blob)
	}
	if _, _, found, _ := send.Store.Get(pub); !found {
		t.Fatalf("expected sender to keep its own state")
	}
}

func TestRunnerTrustUpdatesGraph(t *testing.T) {
	r := newTestRunner(t, mustIdentity(t), nil)
	other := mustIdentity(t)
	if _, err := r.PublishTrust(context.Background(), other.PublicKey(), 0.8); err != nil {
		t.Fatalf("publish trust: %v", err)
	}
	if !r.Engine.Trust().IsWithinMaxHops(other.PublicKey()) {
		t.Fatalf("expected trustee to become reachable")
	}
}

func TestRunnerSlideReachesRecipient(t *testing.T) {
	recv, send := connectedPair(t)
	to := recv.Self.PublicKey()
	s, err := send.PublishSlide(context.Background(), to, recv.Self.BoxPub, []byte("sealed note"))
	if err != nil {
		t.Fatalf("publish slide: %v", err)
	}
	testutil.Eventually(t, "slide delivery", func() bool { return len(recv.Engine.SlidesFor(to)) == 1 })
	got := recv.Engine.SlidesFor(to)[0].Slide
	if got.ID != s.ID {
		t.Fatalf("unexpected slide id %s, want %s", got.ID, s.ID)
	}
	body, err := proto.OpenSlide(got, recv.Self.BoxPriv, recv.Self.BoxPub)
	if err != nil {
		t.Fatalf("open slide: %v", err)
	}
	if string(body) != "sealed note" {
		t.Fatalf("unexpected body %q", body)
	}
}

func TestRunnerEncryptedTrustReachesPeer(t *testing.T) {
	recv, send := connectedPair(t)
	s, err := send.PublishEncryptedTrust(context.Background(), recv.Self.PublicKey(), recv.Self.BoxPub, 0.6)
	if err != nil {
		t.Fatalf("publish encrypted trust: %v", err)
	}
	if s.TrusteeCommitment == "" || s.Proof.Hash != s.TrusteeCommitment {
		t.Fatalf("expected commitment and proof on sealed signal")
	}
	if n := send.Engine.Stats().EncryptedTrust; n != 1 {
		t.Fatalf("expected sender to keep its signal, have %d", n)
	}
	testutil.Eventually(t, "encrypted trust delivery", func() bool { return recv.Engine.Stats().EncryptedTrust == 1 })
	if n := recv.Engine.Stats().AppliedEncrypted; n != 1 {
		t.Fatalf("expected trustee to apply the sealed edge, have %d", n)
	}
}

func TestSnapshotWriter(t *testing.T) {
	r := newTestRunner(t, mustIdentity(t), nil)
	r.Metrics.IncPublished()
	r.StartSnapshotWriter(10 * time.Millisecond)
	path := filepath.Join(r.Root, SnapshotFile)
	testutil.Eventually(t, "snapshot file", func() bool {
		snap, err := metrics.ReadSnapshot(path)
		return err == nil && snap.Gossip.Published == 1
	})
	r.StopSnapshotWriter()
	r.StopSnapshotWriter()
}

func TestServeMetrics(t *testing.T) {
	r := newTestRunner(t, mustIdentity(t), nil)
	r.Metrics.IncPublished()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("tcp listen unavailable: %v", err)
	}
	srv := r.serveMetrics(ln)
	defer srv.Close()

	resp, err := http.Get("http://" + ln.Addr().String() + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "trustgossip_published_total 1") {
		t.Fatalf("expected published counter in output:\n%s", body)
	}

	resp, err = http.Get("http://" + ln.Addr().String() + "/stats")
	if err != nil {
		t.Fatalf("get stats: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
}

func TestRunWithContextStops(t *testing.T) {
	r := newTestRunner(t, mustIdentity(t), nil)
	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan string, 1)
	errCh := make(chan error, 1)
	go func() { errCh <- r.RunWithContext(ctx, ready) }()

	select {
	case addr := <-ready:
		if addr == "" || r.ListenAddr() != addr {
			t.Fatalf("unexpected listen addr %q", addr)
		}
	case err := <-errCh:
		t.Skipf("run failed before ready: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatalf("runner never became ready")
	}
	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("runner did not stop")
	}
}

func TestServeMetricsWithPprof(t *testing.T) {
	t.Setenv("TGOSSIP_PPROF", "1")
	r := newTestRunner(t, mustIdentity(t), nil)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("tcp listen unavailable: %v", err)
	}
	srv := r.serveMetrics(ln)
	defer srv.Close()
	resp, err := http.Get("http://" + ln.Addr().String() + "/debug/pprof/")
	if err != nil {
		t.Fatalf("get pprof: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
}

func TestRunRefusesPublicPprof(t *testing.T) {
	t.Setenv("TGOSSIP_PPROF", "1")
	t.Setenv("TGOSSIP_PPROF_ALLOW_PUBLIC", "")
	r := newTestRunner(t, mustIdentity(t), func(c *config.Config) {
		c.MetricsAddr = "0.0.0.0:0"
	})
	if err := r.RunWithContext(context.Background(), nil); err == nil {
		t.Fatalf("expected refusal to expose pprof publicly")
	}
}
