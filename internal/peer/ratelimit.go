package peer

import (
	"errors"
	"sync"
	"time"
)

const (
	DefaultMaxMessages = 100
	DefaultRateWindow  = time.Minute
	DefaultBanDuration = 5 * time.Minute
)

var ErrNotBanned = errors.New("peer is not banned")

type RateLimitConfig struct {
	MaxMessages int
	Window      time.Duration
	BanDuration time.Duration
	// Now overrides the clock in tests.
	Now func() time.Time
}

// RateLimiter counts messages per peer over a sliding window. A peer that goes
// over MaxMessages is banned for BanDuration; calls during a ban are refused
// without being counted.
type RateLimiter struct {
	mu          sync.Mutex
	maxMessages int
	window      time.Duration
	banDuration time.Duration
	now         func() time.Time
	windows     map[string][]time.Time
	bans        map[string]time.Time
}

type RateStats struct {
	Banned  int `json:"banned"`
	Tracked int `json:"tracked"`
}

func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = DefaultMaxMessages
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultRateWindow
	}
	if cfg.BanDuration <= 0 {
		cfg.BanDuration = DefaultBanDuration
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &RateLimiter{
		maxMessages: cfg.MaxMessages,
		window:      cfg.Window,
		banDuration: cfg.BanDuration,
		now:         cfg.Now,
		windows:     make(map[string][]time.Time),
		bans:        make(map[string]time.Time),
	}
}

func (r *RateLimiter) CheckLimit(peerID string) bool {
	if r == nil || peerID == "" {
		return true
	}
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	if until, ok := r.bans[peerID]; ok {
		if now.Before(until) {
			return false
		}
		delete(r.bans, peerID)
		delete(r.windows, peerID)
	}
	hits := trimWindow(r.windows[peerID], now.Add(-r.window))
	hits = append(hits, now)
	if len(hits) > r.maxMessages {
		r.bans[peerID] = now.Add(r.banDuration)
		delete(r.windows, peerID)
		return false
	}
	r.windows[peerID] = hits
	return true
}

func (r *RateLimiter) IsPeerBanned(peerID string) bool {
	if r == nil {
		return false
	}
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	until, ok := r.bans[peerID]
	return ok && now.Before(until)
}

// UnbanPeer lifts a ban and clears the peer's window.
func (r *RateLimiter) UnbanPeer(peerID string) error {
	if r == nil {
		return ErrNotBanned
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.bans[peerID]; !ok {
		return ErrNotBanned
	}
	delete(r.bans, peerID)
	delete(r.windows, peerID)
	return nil
}

// Cleanup forgets expired bans and peers with no hits inside the window.
func (r *RateLimiter) Cleanup() {
	if r == nil {
		return
	}
	now := r.now()
	cutoff := now.Add(-r.window)
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, until := range r.bans {
		if !now.Before(until) {
			delete(r.bans, id)
		}
	}
	for id, hits := range r.windows {
		hits = trimWindow(hits, cutoff)
		if len(hits) == 0 {
			delete(r.windows, id)
			continue
		}
		r.windows[id] = hits
	}
}

func (r *RateLimiter) Stats() RateStats {
	if r == nil {
		return RateStats{}
	}
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	banned := 0
	for _, until := range r.bans {
		if now.Before(until) {
			banned++
		}
	}
	return RateStats{Banned: banned, Tracked: len(r.windows)}
}

func trimWindow(hits []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return hits
	}
	out := make([]time.Time, len(hits)-i)
	copy(out, hits[i:])
	return out
}
