package gossip

import (
	"slices"
	"time"
)

func (e *Engine) maintenanceLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.Prune()
		case <-e.stop:
			return
		}
	}
}

// Prune drops aged posts and slides, enforces store caps and runs the rate
// limiter and replay cache cleanups. The maintenance loop calls it on every
// tick.
func (e *Engine) Prune() {
	now := e.cfg.Now()
	cutoff := now.Add(-e.cfg.MaxPostAge)
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	for id, rec := range e.posts {
		if rec.FirstSeen.Before(cutoff) {
			delete(e.posts, id)
		}
	}
	for id, rec := range e.slides {
		if rec.FirstSeen.Before(cutoff) {
			delete(e.slides, id)
		}
	}
	evictOldest(e.posts, e.cfg.MaxPosts, func(r *PostRecord) time.Time { return r.FirstSeen })
	evictOldest(e.slides, e.cfg.MaxSlides, func(r *SlideRecord) time.Time { return r.FirstSeen })
	trustEvicted := evictOldest(e.trusts, e.cfg.MaxTrustSignals, func(r *TrustRecord) time.Time { return r.FirstSeen })
	evictOldest(e.encrypted, e.cfg.MaxEncryptedTrust, func(r *EncryptedTrustRecord) time.Time { return r.FirstSeen })
	if trustEvicted > 0 {
		e.rebuildTrustLocked()
	}
	e.requests.prune(now)
	e.mu.Unlock()

	e.limiter.Cleanup()
	e.signer.CleanupExpiredMessages()
}

// evictOldest removes entries with the oldest first-seen time until m holds
// at most limit entries and returns how many it removed.
func evictOldest[K comparable, V any](m map[K]V, limit int, firstSeen func(V) time.Time) int {
	over := len(m) - limit
	if limit <= 0 || over <= 0 {
		return 0
	}
	type aged struct {
		key K
		at  time.Time
	}
	all := make([]aged, 0, len(m))
	for k, v := range m {
		all = append(all, aged{key: k, at: firstSeen(v)})
	}
	slices.SortFunc(all, func(a, b aged) int { return a.at.Compare(b.at) })
	for _, a := range all[:over] {
		delete(m, a.key)
	}
	return over
}
