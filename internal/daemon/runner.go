// Package daemon wires identity, attestation, the gossip engine, the QUIC
// transport and state persistence into one node process.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"trustgossip/internal/attest"
	"trustgossip/internal/config"
	"trustgossip/internal/crypto"
	"trustgossip/internal/debuglog"
	"trustgossip/internal/gossip"
	"trustgossip/internal/metrics"
	"trustgossip/internal/network"
	"trustgossip/internal/node"
	"trustgossip/internal/pprofutil"
	"trustgossip/internal/proto"
	"trustgossip/internal/store"
)

const SnapshotFile = "metrics.json"

type Options struct {
	Identity *node.Identity
	Store    *store.StateStore
	Metrics  *metrics.Metrics
	SnapPath string
	Logger   *zap.Logger
}

type Runner struct {
	Root      string
	Config    config.Config
	Self      *node.Identity
	Engine    *gossip.Engine
	Transport *network.Transport
	Store     *store.StateStore
	Quorum    *attest.Quorum
	Metrics   *metrics.Metrics

	log        *zap.Logger
	snapPath   string
	stopSnap   chan struct{}
	snapOnce   sync.Once
	closeOnce  sync.Once
	listenMu   sync.RWMutex
	listenAddr string
}

func NewRunner(cfg config.Config, opts Options) (*Runner, error) {
	if cfg.Home == "" {
		return nil, fmt.Errorf("missing home")
	}
	if err := os.MkdirAll(cfg.Home, 0700); err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = debuglog.L()
	}
	self := opts.Identity
	if self == nil {
		var err error
		if self, err = node.LoadOrCreate(cfg.Home); err != nil {
			return nil, fmt.Errorf("load identity: %w", err)
		}
	}
	quorum, err := attest.NewQuorum(attest.Config{
		Signers:   []attest.Witness{{PubKey: self.PubKey, PrivKey: self.PrivKey}},
		Known:     cfg.Attestation.Witnesses,
		Threshold: cfg.Attestation.Threshold,
	})
	if err != nil {
		return nil, err
	}
	st := opts.Store
	if st == nil {
		dir := cfg.StateDir
		if dir == "" {
			dir = filepath.Join(cfg.Home, "state")
		}
		if st, err = store.Open(dir); err != nil {
			return nil, err
		}
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	snapPath := opts.SnapPath
	if snapPath == "" {
		snapPath = filepath.Join(cfg.Home, SnapshotFile)
	}

	gcfg := cfg.GossipConfig()
	gcfg.Identity = self
	gcfg.Attestor = quorum
	gcfg.Metrics = m
	gcfg.Logger = log
	engine := gossip.New(gcfg)
	engine.SetStateSyncHandler(st.OnStateSync)
	engine.SetStateRequestHandler(st.OnStateRequest)

	tr := network.NewTransport(engine, network.Options{
		MaxConnsPerIP:   cfg.Network.MaxConnsPerIP,
		MaxStreamsPerIP: cfg.Network.MaxStreamsPerIP,
		Insecure:        cfg.Network.Insecure,
		CAPath:          cfg.Network.CAPath,
		Metrics:         m,
		Logger:          log,
		OnConnect:       func(c *network.Conn) { engine.AddPeer(c) },
		OnDisconnect:    func(c *network.Conn) { engine.RemovePeer(c.ID()) },
	})

	return &Runner{
		Root:      cfg.Home,
		Config:    cfg,
		Self:      self,
		Engine:    engine,
		Transport: tr,
		Store:     st,
		Quorum:    quorum,
		Metrics:   m,
		log:       log.Named("daemon"),
		snapPath:  snapPath,
		stopSnap:  make(chan struct{}),
	}, nil
}

func (r *Runner) StartSnapshotWriter(interval time.Duration) {
	if r == nil || r.Metrics == nil || r.snapPath == "" {
		return
	}
	if interval <= 0 {
		interval = time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := r.Metrics.WriteSnapshot(r.snapPath); err != nil {
					debuglog.RateLimitedf("snapshot", time.Minute, "daemon: write snapshot: %v", err)
				}
			case <-r.stopSnap:
				_ = r.Metrics.WriteSnapshot(r.snapPath)
				return
			}
		}
	}()
}

func (r *Runner) StopSnapshotWriter() {
	if r == nil {
		return
	}
	r.snapOnce.Do(func() { close(r.stopSnap) })
}

// RunWithContext listens, dials the configured peers and blocks until ctx is
// done. The bound address is sent on ready when it is non-nil.
func (r *Runner) RunWithContext(ctx context.Context, ready chan<- string) error {
	if r == nil {
		return fmt.Errorf("missing runner")
	}
	defer r.Close()
	addr, err := r.Transport.Listen(r.Config.Network.Listen)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	r.setListenAddr(addr.String())
	r.StartSnapshotWriter(r.Config.SnapshotInterval)

	var srv *http.Server
	if r.Config.MetricsAddr != "" {
		if pprofutil.Enabled() {
			if err := pprofutil.CheckBind(r.Config.MetricsAddr); err != nil {
				return err
			}
		}
		ln, err := net.Listen("tcp", r.Config.MetricsAddr)
		if err != nil {
			return fmt.Errorf("metrics listen: %w", err)
		}
		srv = r.serveMetrics(ln)
	}
	d := newDialer(r.Transport, r.Config.Network.Peers)
	go d.run(ctx)

	r.log.Info("node running",
		zap.String("id", r.Self.PublicKey()),
		zap.String("listen", addr.String()),
		zap.Int("direct_trust", len(r.Config.DirectTrust)))
	if ready != nil {
		select {
		case ready <- addr.String():
		default:
		}
	}
	<-ctx.Done()
	if srv != nil {
		shutCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(shutCtx)
		cancel()
	}
	return nil
}

// serveMetrics exposes prometheus collectors on /metrics, engine stats on
// /stats and, when enabled, pprof.
func (r *Runner) serveMetrics(ln net.Listener) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Metrics.Handler())
	mux.HandleFunc("/stats", func(w http.ResponseWriter, _ *http.Request) {
		data, err := r.Engine.MarshalStats()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(data)
	})
	if pprofutil.Enabled() {
		pprofutil.Register(mux)
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.log.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	r.log.Info("metrics listening", zap.String("addr", ln.Addr().String()))
	return srv
}

// Close shuts down the transport, the engine and the store in that order.
func (r *Runner) Close() error {
	var err error
	r.closeOnce.Do(func() {
		r.StopSnapshotWriter()
		err = errors.Join(err, r.Transport.Close())
		r.Engine.Close()
		err = errors.Join(err, r.Store.Close())
		debuglog.Sync()
	})
	return err
}

func (r *Runner) ListenAddr() string {
	r.listenMu.RLock()
	defer r.listenMu.RUnlock()
	return r.listenAddr
}

func (r *Runner) setListenAddr(addr string) {
	r.listenMu.Lock()
	r.listenAddr = addr
	r.listenMu.Unlock()
}

// Connect dials addr and registers the connection with the engine.
func (r *Runner) Connect(ctx context.Context, addr string) (*network.Conn, error) {
	return r.Transport.Dial(ctx, addr)
}

// PublishPost signs, attests and publishes content authored by this node.
func (r *Runner) PublishPost(ctx context.Context, content, replyTo string) (proto.PostPackage, error) {
	p, err := proto.SignPost(proto.PostPackage{
		Content:   content,
		Timestamp: time.Now().UnixMilli(),
		ReplyTo:   replyTo,
	}, crypto.Ed25519{}, r.Self.PubKey, r.Self.PrivKey)
	if err != nil {
		return proto.PostPackage{}, err
	}
	if p.Proof, err = r.Quorum.Timestamp(ctx, proto.PostPayloadHash(p)); err != nil {
		return proto.PostPackage{}, err
	}
	msg := proto.NewPostMessage(p, time.Now().UnixMilli())
	return p, r.Engine.Publish(ctx, msg)
}

// PublishTrust issues a plaintext trust signal. A weight of zero revokes.
func (r *Runner) PublishTrust(ctx context.Context, trustee string, weight float64) (proto.TrustSignal, error) {
	s, err := proto.SignTrustSignal(proto.TrustSignal{
		Trustee:   trustee,
		Weight:    weight,
		Timestamp: time.Now().UnixMilli(),
		Revoked:   weight == 0,
	}, crypto.Ed25519{}, r.Self.PubKey, r.Self.PrivKey)
	if err != nil {
		return proto.TrustSignal{}, err
	}
	if s.Proof, err = r.Quorum.Timestamp(ctx, proto.TrustSignalHash(s)); err != nil {
		return proto.TrustSignal{}, err
	}
	return s, r.Engine.Publish(ctx, proto.NewTrustMessage(s, time.Now().UnixMilli()))
}

// PublishEncryptedTrust seals a trust signal to the trustee's box key so
// relays see only the commitment.
func (r *Runner) PublishEncryptedTrust(ctx context.Context, trustee string, trusteeBoxPub []byte, weight float64) (proto.EncryptedTrustSignal, error) {
	s, err := proto.SealTrustSignal(trustee, trusteeBoxPub, weight, time.Now().UnixMilli(), crypto.Ed25519{}, r.Self.PubKey, r.Self.PrivKey)
	if err != nil {
		return proto.EncryptedTrustSignal{}, err
	}
	if s.Proof, err = r.Quorum.Timestamp(ctx, s.TrusteeCommitment); err != nil {
		return proto.EncryptedTrustSignal{}, err
	}
	return s, r.Engine.Publish(ctx, proto.NewEncryptedTrustMessage(s, time.Now().UnixMilli()))
}

// PublishSlide seals body for recipient and hands it to the mesh.
func (r *Runner) PublishSlide(ctx context.Context, recipient string, recipientBoxPub, body []byte) (proto.SlidePackage, error) {
	s, err := proto.SealSlide(recipient, recipientBoxPub, body, crypto.Ed25519{}, r.Self.PubKey, r.Self.PrivKey)
	if err != nil {
		return proto.SlidePackage{}, err
	}
	if s.Proof, err = r.Quorum.Timestamp(ctx, s.ID); err != nil {
		return proto.SlidePackage{}, err
	}
	return s, r.Engine.Publish(ctx, proto.NewSlideMessage(s, time.Now().UnixMilli()))
}

// PublishState stores the local CRDT blob and broadcasts it.
func (r *Runner) PublishState(ctx context.Context, state []byte) error {
	if _, err := r.Store.Put(r.Self.PublicKey(), time.Now().UnixMilli(), state); err != nil {
		return err
	}
	return r.Engine.BroadcastState(ctx, r.Self.PublicKey(), state)
}
