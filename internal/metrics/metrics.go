package metrics

import (
	"encoding/json"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Header is a short record of an accepted message kept for status output.
type Header struct {
	Kind string    `json:"kind"`
	ID   string    `json:"id"`
	From string    `json:"from,omitempty"`
	At   time.Time `json:"at"`
}

type Snapshot struct {
	GeneratedAt    time.Time         `json:"generated_at"`
	Gossip         GossipMetrics     `json:"gossip"`
	AcceptedByKind map[string]uint64 `json:"accepted_by_kind"`
	DropByReason   map[string]uint64 `json:"drop_by_reason"`
	CurrentPeers   int64             `json:"current_peers"`
	CurrentConns   int64             `json:"current_conns"`
	Recent         []Header          `json:"recent"`
}

type GossipMetrics struct {
	Accepted     uint64 `json:"accepted"`
	Published    uint64 `json:"published"`
	Relayed      uint64 `json:"relayed"`
	SendFailures uint64 `json:"send_failures"`
	Dropped      uint64 `json:"dropped"`
}

type Metrics struct {
	accepted     atomic.Uint64
	published    atomic.Uint64
	relayed      atomic.Uint64
	sendFailures atomic.Uint64
	dropped      atomic.Uint64
	currentPeers atomic.Int64
	currentConns atomic.Int64

	mu       sync.Mutex
	byKind   map[string]uint64
	byReason map[string]uint64
	recent   *Recent

	registry     *prometheus.Registry
	acceptedVec  *prometheus.CounterVec
	droppedVec   *prometheus.CounterVec
	publishedCtr prometheus.Counter
	relayedCtr   prometheus.Counter
	sendFailCtr  prometheus.Counter
	peersGauge   prometheus.Gauge
	connsGauge   prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		byKind:   make(map[string]uint64),
		byReason: make(map[string]uint64),
		recent:   NewRecent(64),
		registry: prometheus.NewRegistry(),
		acceptedVec: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trustgossip",
			Name:      "accepted_total",
			Help:      "Messages accepted from peers, by kind.",
		}, []string{"kind"}),
		droppedVec: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trustgossip",
			Name:      "dropped_total",
			Help:      "Messages dropped by the admission pipeline, by reason.",
		}, []string{"reason"}),
		publishedCtr: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "trustgossip",
			Name:      "published_total",
			Help:      "Messages published locally.",
		}),
		relayedCtr: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "trustgossip",
			Name:      "relayed_total",
			Help:      "Successful per-peer sends.",
		}),
		sendFailCtr: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "trustgossip",
			Name:      "send_failures_total",
			Help:      "Failed per-peer sends.",
		}),
		peersGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "trustgossip",
			Name:      "peers",
			Help:      "Peers registered with the gossip engine.",
		}),
		connsGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "trustgossip",
			Name:      "transport_conns",
			Help:      "Open transport connections.",
		}),
	}
	m.registry.MustRegister(m.acceptedVec, m.droppedVec, m.publishedCtr, m.relayedCtr, m.sendFailCtr, m.peersGauge, m.connsGauge)
	return m
}

func (m *Metrics) Recent() *Recent {
	return m.recent
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the prometheus exposition of this Metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) IncAccepted(kind, id, from string) {
	if m == nil {
		return
	}
	m.accepted.Add(1)
	m.acceptedVec.WithLabelValues(kind).Inc()
	m.mu.Lock()
	m.byKind[kind]++
	m.mu.Unlock()
	m.recent.Add(Header{Kind: kind, ID: id, From: from, At: time.Now().UTC()})
}

func (m *Metrics) IncDropByReason(reason string) {
	if m == nil || reason == "" {
		return
	}
	m.dropped.Add(1)
	m.droppedVec.WithLabelValues(reason).Inc()
	m.mu.Lock()
	m.byReason[reason]++
	m.mu.Unlock()
}

func (m *Metrics) IncPublished() {
	if m == nil {
		return
	}
	m.published.Add(1)
	m.publishedCtr.Inc()
}

func (m *Metrics) IncRelayed() {
	if m == nil {
		return
	}
	m.relayed.Add(1)
	m.relayedCtr.Inc()
}

func (m *Metrics) IncSendFailure() {
	if m == nil {
		return
	}
	m.sendFailures.Add(1)
	m.sendFailCtr.Inc()
}

func (m *Metrics) SetCurrentPeers(n int64) {
	if m == nil {
		return
	}
	m.currentPeers.Store(n)
	m.peersGauge.Set(float64(n))
}

func (m *Metrics) IncCurrentConns() {
	if m == nil {
		return
	}
	m.connsGauge.Set(float64(m.currentConns.Add(1)))
}

func (m *Metrics) DecCurrentConns() {
	if m == nil {
		return
	}
	m.connsGauge.Set(float64(m.currentConns.Add(-1)))
}

func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	byKind := make(map[string]uint64, len(m.byKind))
	for k, v := range m.byKind {
		byKind[k] = v
	}
	byReason := make(map[string]uint64, len(m.byReason))
	for k, v := range m.byReason {
		byReason[k] = v
	}
	m.mu.Unlock()
	recent := []Header{}
	if m.recent != nil {
		recent = m.recent.List()
	}
	return Snapshot{
		GeneratedAt: time.Now().UTC(),
		Gossip: GossipMetrics{
			Accepted:     m.accepted.Load(),
			Published:    m.published.Load(),
			Relayed:      m.relayed.Load(),
			SendFailures: m.sendFailures.Load(),
			Dropped:      m.dropped.Load(),
		},
		AcceptedByKind: byKind,
		DropByReason:   byReason,
		CurrentPeers:   m.currentPeers.Load(),
		CurrentConns:   m.currentConns.Load(),
		Recent:         recent,
	}
}

func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	snap := m.Snapshot()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// ReadSnapshot loads a snapshot written by WriteSnapshot.
func ReadSnapshot(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

type Recent struct {
	mu   sync.Mutex
	cap  int
	list []Header
}

func NewRecent(capacity int) *Recent {
	if capacity <= 0 {
		capacity = 64
	}
	return &Recent{cap: capacity}
}

func (r *Recent) Add(h Header) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.list) >= r.cap {
		copy(r.list, r.list[1:])
		r.list[len(r.list)-1] = h
		return
	}
	r.list = append(r.list, h)
}

func (r *Recent) List() []Header {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Header, len(r.list))
	copy(out, r.list)
	return out
}
