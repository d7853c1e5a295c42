package gossip

import (
	"container/list"
	"time"
)

// requestCache remembers recently handled state requests so a request that
// loops back through the mesh is not answered or forwarded twice.
type requestCache struct {
	cap     int
	ttl     time.Duration
	entries map[[32]byte]*list.Element
	order   *list.List
}

type requestEntry struct {
	key     [32]byte
	expires time.Time
}

func newRequestCache(capacity int, ttl time.Duration) *requestCache {
	if capacity <= 0 {
		capacity = DefaultMaxStateRequests
	}
	if ttl <= 0 {
		ttl = DefaultStateRequestTTL
	}
	return &requestCache{
		cap:     capacity,
		ttl:     ttl,
		entries: make(map[[32]byte]*list.Element),
		order:   list.New(),
	}
}

// add records key and reports whether it was new.
func (c *requestCache) add(key [32]byte, now time.Time) bool {
	c.prune(now)
	if el, ok := c.entries[key]; ok {
		c.order.MoveToFront(el)
		return false
	}
	c.entries[key] = c.order.PushFront(&requestEntry{key: key, expires: now.Add(c.ttl)})
	for len(c.entries) > c.cap {
		back := c.order.Back()
		if back == nil {
			break
		}
		old := back.Value.(*requestEntry)
		delete(c.entries, old.key)
		c.order.Remove(back)
	}
	return true
}

func (c *requestCache) prune(now time.Time) {
	for el := c.order.Back(); el != nil; {
		prev := el.Prev()
		ent := el.Value.(*requestEntry)
		if ent.expires.After(now) {
			el = prev
			continue
		}
		delete(c.entries, ent.key)
		c.order.Remove(el)
		el = prev
	}
}

func (c *requestCache) len() int {
	return len(c.entries)
}
