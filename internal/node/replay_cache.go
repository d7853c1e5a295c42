package node

import (
	"container/list"
	"sync"
	"time"
)

type replayEntry struct {
	id      [32]byte
	expires time.Time
}

// replayCache remembers envelope ids until they expire, dropping the oldest
// once it holds maxSize entries. An id must outlive the window in which its
// envelope would still verify, so expiry is counted from the later of the
// receive time and the issue time.
type replayCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	maxSize int
	items   map[[32]byte]*list.Element
	order   *list.List
}

func newReplayCache(ttl time.Duration, maxSize int) *replayCache {
	return &replayCache{
		ttl:     ttl,
		maxSize: maxSize,
		items:   make(map[[32]byte]*list.Element),
		order:   list.New(),
	}
}

// checkAndAdd reports false when id was already present, otherwise records it.
func (c *replayCache) checkAndAdd(id [32]byte, now, issued time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneExpiredLocked(now)
	if _, ok := c.items[id]; ok {
		return false
	}
	start := now
	if issued.After(start) {
		start = issued
	}
	c.items[id] = c.order.PushFront(&replayEntry{id: id, expires: start.Add(c.ttl)})
	for c.maxSize > 0 && c.order.Len() > c.maxSize {
		back := c.order.Back()
		if back == nil {
			break
		}
		old := back.Value.(*replayEntry)
		delete(c.items, old.id)
		c.order.Remove(back)
	}
	return true
}

func (c *replayCache) prune(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneExpiredLocked(now)
}

func (c *replayCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *replayCache) pruneExpiredLocked(now time.Time) {
	if c.ttl <= 0 {
		return
	}
	for e := c.order.Back(); e != nil; {
		prev := e.Prev()
		ent := e.Value.(*replayEntry)
		if !now.Before(ent.expires) {
			delete(c.items, ent.id)
			c.order.Remove(e)
		}
		e = prev
	}
}
