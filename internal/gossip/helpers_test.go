package gossip

import (
	"context"
	"encoding/hex"
	"errors"
	"sync"
	"testing"
	"time"

	"trustgossip/internal/attest"
	"trustgossip/internal/crypto"
	"trustgossip/internal/metrics"
	"trustgossip/internal/node"
	"trustgossip/internal/proto"
)

var scheme = crypto.Ed25519{}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock(ms int64) *fakeClock {
	return &fakeClock{t: time.UnixMilli(ms)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(ms int64) {
	c.mu.Lock()
	c.t = time.UnixMilli(ms)
	c.mu.Unlock()
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// memPeer records what the engine sends to it.
type memPeer struct {
	id        string
	pub       string
	mu        sync.Mutex
	sent      []proto.SignedEnvelope
	fail      bool
	down      bool
	handler   func(context.Context, proto.SignedEnvelope)
	discCalls int
}

func (p *memPeer) ID() string        { return p.id }
func (p *memPeer) PublicKey() string { return p.pub }

func (p *memPeer) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.down
}

func (p *memPeer) Send(ctx context.Context, env proto.SignedEnvelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("link down")
	}
	p.sent = append(p.sent, env)
	return nil
}

func (p *memPeer) SetMessageHandler(h func(context.Context, proto.SignedEnvelope)) {
	p.mu.Lock()
	p.handler = h
	p.mu.Unlock()
}

func (p *memPeer) Disconnect() error {
	p.mu.Lock()
	p.discCalls++
	p.down = true
	p.mu.Unlock()
	return nil
}

func (p *memPeer) deliver(ctx context.Context, env proto.SignedEnvelope) {
	p.mu.Lock()
	h := p.handler
	p.mu.Unlock()
	if h != nil {
		h(ctx, env)
	}
}

func (p *memPeer) Sent() []proto.SignedEnvelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]proto.SignedEnvelope, len(p.sent))
	copy(out, p.sent)
	return out
}

// linkPeer delivers straight into another engine.
type linkPeer struct {
	id     string
	fromID string
	to     *Engine
}

func (p *linkPeer) ID() string        { return p.id }
func (p *linkPeer) PublicKey() string { return "" }
func (p *linkPeer) IsConnected() bool { return true }

func (p *linkPeer) Send(ctx context.Context, env proto.SignedEnvelope) error {
	p.to.OnReceive(ctx, env, p.fromID)
	return nil
}

type fixture struct {
	t      *testing.T
	clock  *fakeClock
	quorum *attest.Quorum
}

func newFixture(t *testing.T, ms int64) *fixture {
	t.Helper()
	w, err := attest.NewWitness()
	if err != nil {
		t.Fatalf("witness: %v", err)
	}
	clock := newClock(ms)
	q, err := attest.NewQuorum(attest.Config{Signers: []attest.Witness{w}, Threshold: 1, Now: clock.Now})
	if err != nil {
		t.Fatalf("quorum: %v", err)
	}
	return &fixture{t: t, clock: clock, quorum: q}
}

func (f *fixture) identity() *node.Identity {
	f.t.Helper()
	id, err := node.NewEphemeral()
	if err != nil {
		f.t.Fatalf("identity: %v", err)
	}
	return id
}

func (f *fixture) engine(id *node.Identity, direct []string, mutate func(*Config)) *Engine {
	f.t.Helper()
	cfg := Config{
		DirectTrust:   direct,
		MaxHops:       2,
		Identity:      id,
		Attestor:      f.quorum,
		Metrics:       metrics.New(),
		Now:           f.clock.Now,
		PruneInterval: time.Hour,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	e := New(cfg)
	f.t.Cleanup(e.Close)
	return e
}

func (f *fixture) attest(hash string) proto.Attestation {
	f.t.Helper()
	att, err := f.quorum.Timestamp(context.Background(), hash)
	if err != nil {
		f.t.Fatalf("attest: %v", err)
	}
	return att
}

func (f *fixture) post(author *node.Identity, content string) proto.PostPackage {
	f.t.Helper()
	p, err := proto.SignPost(proto.PostPackage{Content: content, Timestamp: f.clock.Now().UnixMilli()}, scheme, author.PubKey, author.PrivKey)
	if err != nil {
		f.t.Fatalf("sign post: %v", err)
	}
	p.Proof = f.attest(proto.PostPayloadHash(p))
	return p
}

func (f *fixture) trustSignal(truster *node.Identity, trustee string, weight float64, ts int64) proto.TrustSignal {
	f.t.Helper()
	s, err := proto.SignTrustSignal(proto.TrustSignal{Trustee: trustee, Weight: weight, Timestamp: ts, Revoked: weight == 0}, scheme, truster.PubKey, truster.PrivKey)
	if err != nil {
		f.t.Fatalf("sign trust: %v", err)
	}
	s.Proof = f.attest(proto.TrustSignalHash(s))
	return s
}

func (f *fixture) encryptedTrust(truster, trustee *node.Identity, weight float64, ts int64) proto.EncryptedTrustSignal {
	f.t.Helper()
	s, err := proto.SealTrustSignal(trustee.PublicKey(), trustee.BoxPub, weight, ts, scheme, truster.PubKey, truster.PrivKey)
	if err != nil {
		f.t.Fatalf("seal trust: %v", err)
	}
	s.Proof = f.attest(s.TrusteeCommitment)
	return s
}

func (f *fixture) slide(sender, recipient *node.Identity, body string) proto.SlidePackage {
	f.t.Helper()
	s, err := proto.SealSlide(recipient.PublicKey(), recipient.BoxPub, []byte(body), scheme, sender.PubKey, sender.PrivKey)
	if err != nil {
		f.t.Fatalf("seal slide: %v", err)
	}
	s.Proof = f.attest(s.ID)
	return s
}

func (f *fixture) now() int64 {
	return f.clock.Now().UnixMilli()
}

func unsigned(msg proto.Message) proto.SignedEnvelope {
	return proto.SignedEnvelope{Version: proto.ProtoVersion, Message: msg}
}

type recorder struct {
	mu   sync.Mutex
	msgs []proto.Message
	from []string
}

func (r *recorder) handle(msg proto.Message, from string) {
	r.mu.Lock()
	r.msgs = append(r.msgs, msg)
	r.from = append(r.from, from)
	r.mu.Unlock()
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func hexString(b []byte) string {
	return hex.EncodeToString(b)
}
