package gossip

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"trustgossip/internal/metrics"
	"trustgossip/internal/node"
	"trustgossip/internal/peer"
	"trustgossip/internal/proto"
	"trustgossip/internal/trust"
)

type encryptedKey struct {
	Truster    string
	Commitment string
}

// appliedEdge is the newest decrypted edge towards us per truster.
type appliedEdge struct {
	Timestamp int64
	Active    bool
}

type Engine struct {
	cfg     Config
	self    string
	trust   *trust.Cache
	limiter *peer.RateLimiter
	signer  *node.Signer
	states  *peer.StateTable
	metrics *metrics.Metrics
	log     *zap.Logger

	// mu guards the seen stores for the length of one pipeline run.
	mu        sync.Mutex
	closed    bool
	posts     map[string]*PostRecord
	trusts    map[trust.Edge]*TrustRecord
	encrypted map[encryptedKey]*EncryptedTrustRecord
	applied   map[trust.Edge]appliedEdge
	slides    map[string]*SlideRecord
	requests  *requestCache

	peersMu sync.RWMutex
	peers   map[string]PeerConnection

	handlersMu     sync.RWMutex
	onMessage      ReceiveHandler
	onStateSync    StateSyncHandler
	onStateRequest StateRequestHandler

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds an engine and starts its maintenance loop. Close stops it.
func New(cfg Config) *Engine {
	cfg.applyDefaults()
	e := &Engine{
		cfg:     cfg,
		self:    cfg.Self,
		trust:   trust.NewCache(cfg.Self, cfg.DirectTrust, cfg.MaxHops),
		limiter: peer.NewRateLimiter(cfg.RateLimit),
		signer: node.NewSigner(node.SignerConfig{
			Identity:          cfg.Identity,
			Scheme:            cfg.Scheme,
			RequireSignatures: cfg.RequireSignatures,
			Expiry:            cfg.SignatureExpiry,
			MaxSeen:           cfg.MaxSeenMessages,
			Now:               cfg.Now,
		}),
		states:    peer.NewStateTable(cfg.MaxPeerStates),
		metrics:   cfg.Metrics,
		log:       cfg.Logger.Named("gossip"),
		posts:     make(map[string]*PostRecord),
		trusts:    make(map[trust.Edge]*TrustRecord),
		encrypted: make(map[encryptedKey]*EncryptedTrustRecord),
		applied:   make(map[trust.Edge]appliedEdge),
		slides:    make(map[string]*SlideRecord),
		requests:  newRequestCache(cfg.MaxStateRequests, cfg.StateRequestTTL),
		peers:     make(map[string]PeerConnection),
		stop:      make(chan struct{}),
	}
	e.wg.Add(1)
	go e.maintenanceLoop()
	return e
}

func (e *Engine) Self() string {
	return e.self
}

func (e *Engine) Trust() *trust.Cache {
	return e.trust
}

func (e *Engine) SetReceiveHandler(h ReceiveHandler) {
	e.handlersMu.Lock()
	e.onMessage = h
	e.handlersMu.Unlock()
}

func (e *Engine) SetStateSyncHandler(h StateSyncHandler) {
	e.handlersMu.Lock()
	e.onStateSync = h
	e.handlersMu.Unlock()
}

func (e *Engine) SetStateRequestHandler(h StateRequestHandler) {
	e.handlersMu.Lock()
	e.onStateRequest = h
	e.handlersMu.Unlock()
}

func (e *Engine) handlers() (ReceiveHandler, StateSyncHandler, StateRequestHandler) {
	e.handlersMu.RLock()
	defer e.handlersMu.RUnlock()
	return e.onMessage, e.onStateSync, e.onStateRequest
}

// AddPeer registers conn, replacing any peer with the same id.
func (e *Engine) AddPeer(conn PeerConnection) {
	if conn == nil || conn.ID() == "" {
		return
	}
	id := conn.ID()
	if src, ok := conn.(MessageSource); ok {
		src.SetMessageHandler(func(ctx context.Context, env proto.SignedEnvelope) {
			e.OnReceive(ctx, env, id)
		})
	}
	e.peersMu.Lock()
	e.peers[id] = conn
	n := len(e.peers)
	e.peersMu.Unlock()
	e.metrics.SetCurrentPeers(int64(n))
	e.log.Debug("peer added", zap.String("peer", id), zap.String("pub", conn.PublicKey()))
}

func (e *Engine) RemovePeer(id string) {
	e.peersMu.Lock()
	conn, ok := e.peers[id]
	delete(e.peers, id)
	n := len(e.peers)
	e.peersMu.Unlock()
	if !ok {
		return
	}
	e.metrics.SetCurrentPeers(int64(n))
	if d, ok := conn.(Disconnecter); ok {
		if err := d.Disconnect(); err != nil {
			e.log.Debug("peer disconnect failed", zap.String("peer", id), zap.Error(err))
		}
	}
}

func (e *Engine) Peers() []PeerConnection {
	e.peersMu.RLock()
	defer e.peersMu.RUnlock()
	out := make([]PeerConnection, 0, len(e.peers))
	for _, p := range e.peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// HandleRaw is the transport entry point: the rate limit is applied before
// the frame is decoded.
func (e *Engine) HandleRaw(ctx context.Context, data []byte, peerID string) {
	e.HandleRawFrom(ctx, data, peerID, peerID)
}

// HandleRawFrom is HandleRaw with the rate limit and ban charged to limitKey
// instead of peerID. Transports pass the remote host so that reconnecting
// from a new port does not reset a ban.
func (e *Engine) HandleRawFrom(ctx context.Context, data []byte, peerID, limitKey string) {
	if e.stopped() {
		return
	}
	if !e.limiter.CheckLimit(limitKey) {
		e.dropped("", peerID, "rate", nil)
		return
	}
	env, err := proto.DecodeEnvelope(data)
	if err != nil {
		e.dropped("", peerID, "decode", err)
		return
	}
	e.receive(ctx, env, peerID)
}

// OnReceive runs a remote envelope through admission. Nothing is reported
// back; rejected messages are dropped.
func (e *Engine) OnReceive(ctx context.Context, env proto.SignedEnvelope, peerID string) {
	if e.stopped() {
		return
	}
	if !e.limiter.CheckLimit(peerID) {
		e.dropped(env.Message.Type, peerID, "rate", nil)
		return
	}
	e.receive(ctx, env, peerID)
}

func (e *Engine) stopped() bool {
	select {
	case <-e.stop:
		return true
	default:
		return false
	}
}

func (e *Engine) receive(ctx context.Context, env proto.SignedEnvelope, from string) {
	if e.stopped() {
		return
	}
	msg, err := e.signer.Verify(env)
	if err != nil {
		e.dropped(env.Message.Type, from, signerDropReason(err), err)
		return
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	res := e.admitLocked(ctx, msg)
	e.mu.Unlock()
	if res.reason != "" {
		e.dropped(msg.Type, from, res.reason, res.err)
		return
	}
	e.metrics.IncAccepted(string(msg.Type), res.id, from)
	e.deliver(ctx, msg, from)
}

// deliver notifies local handlers and floods msg. Runs without e.mu.
func (e *Engine) deliver(ctx context.Context, msg proto.Message, from string) {
	onMessage, onStateSync, onStateRequest := e.handlers()
	switch msg.Type {
	case proto.KindStateSync:
		if onStateSync != nil {
			s := msg.StateSync
			onStateSync(s.PublicKey, s.Version, s.State)
		}
	case proto.KindStateRequest:
		if onStateRequest != nil {
			r := msg.StateRequest
			blob, err := onStateRequest(r.PublicKey, r.SinceVersion)
			if err != nil {
				e.log.Debug("state request handler failed", zap.String("pub", r.PublicKey), zap.Error(err))
			} else if blob != nil {
				if err := e.BroadcastState(ctx, r.PublicKey, blob); err != nil {
					e.log.Debug("state answer failed", zap.String("pub", r.PublicKey), zap.Error(err))
				}
			}
		}
	default:
		if onMessage != nil {
			onMessage(msg, from)
		}
	}
	e.broadcast(ctx, msg, from)
}

// Publish stores a locally authored message without running the receive
// pipeline and floods it. Publishing a message that is already stored is a
// no-op.
func (e *Engine) Publish(ctx context.Context, msg proto.Message) error {
	if msg.Timestamp == 0 {
		msg.Timestamp = e.cfg.Now().UnixMilli()
	}
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidLocal, err)
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	fresh, err := e.storeLocalLocked(msg)
	e.mu.Unlock()
	if err != nil {
		return err
	}
	if !fresh {
		return nil
	}
	e.metrics.IncPublished()
	onMessage, _, _ := e.handlers()
	if onMessage != nil && msg.Type != proto.KindStateSync && msg.Type != proto.KindStateRequest {
		onMessage(msg, "")
	}
	e.broadcast(ctx, msg, "")
	return nil
}

// BroadcastState publishes our current CRDT state for publicKey, versioned by
// the current time.
func (e *Engine) BroadcastState(ctx context.Context, publicKey string, state []byte) error {
	now := e.cfg.Now().UnixMilli()
	return e.Publish(ctx, proto.NewStateSyncMessage(proto.StateSync{
		PublicKey: publicKey,
		Version:   now,
		State:     state,
	}, now))
}

func (e *Engine) RequestState(ctx context.Context, publicKey string, sinceVersion int64) error {
	now := e.cfg.Now().UnixMilli()
	return e.Publish(ctx, proto.NewStateRequestMessage(proto.StateRequest{
		PublicKey:    publicKey,
		SinceVersion: sinceVersion,
	}, now))
}

// UpdateTrustGraph swaps the direct trust set and re-evaluates every retained
// active trust edge against it.
func (e *Engine) UpdateTrustGraph(keys []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.trust.UpdateDirectTrustGraph(keys); err != nil {
		return err
	}
	e.rebuildTrustLocked()
	return nil
}

func (e *Engine) IsPeerBanned(peerID string) bool {
	return e.limiter.IsPeerBanned(peerID)
}

func (e *Engine) UnbanPeer(peerID string) error {
	return e.limiter.UnbanPeer(peerID)
}

// Close stops maintenance. The engine ignores input afterwards.
func (e *Engine) Close() {
	e.stopOnce.Do(func() {
		close(e.stop)
		e.wg.Wait()
		e.mu.Lock()
		e.closed = true
		e.mu.Unlock()
	})
}

func (e *Engine) dropped(kind proto.Kind, from, reason string, err error) {
	e.metrics.IncDropByReason(reason)
	if ce := e.log.Check(zap.DebugLevel, "drop"); ce != nil {
		ce.Write(zap.String("reason", reason), zap.String("type", string(kind)), zap.String("from", from), zap.Error(err))
	}
}

func signerDropReason(err error) string {
	switch {
	case errors.Is(err, node.ErrUnsigned):
		return "unsigned"
	case errors.Is(err, node.ErrBadSignature):
		return "envelope_sig"
	case errors.Is(err, node.ErrExpired):
		return "expired"
	case errors.Is(err, node.ErrReplay):
		return "replay"
	default:
		return "invalid"
	}
}

// rebuildTrustLocked projects plaintext active signals and applied encrypted
// edges into the trust cache.
func (e *Engine) rebuildTrustLocked() {
	edges := make([]trust.Edge, 0, len(e.trusts)+len(e.applied))
	for edge, rec := range e.trusts {
		if rec.Signal.Active() {
			edges = append(edges, edge)
		}
	}
	for edge, a := range e.applied {
		if a.Active {
			edges = append(edges, edge)
		}
	}
	e.trust.RebuildFromSignals(edges)
}

// MarshalStats is Stats as indented JSON.
func (e *Engine) MarshalStats() ([]byte, error) {
	return json.MarshalIndent(e.Stats(), "", "  ")
}
