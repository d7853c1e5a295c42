// Package trust keeps the local view of the trust graph: who we trust
// directly, which accepted edges exist between other identities, and how many
// hops away any public key sits from us.
package trust

import (
	"errors"
	"math"
	"sync"
)

// Unreachable is returned for keys farther than MaxHops or not connected.
const Unreachable = math.MaxInt32

const DefaultMaxHops = 3

var ErrEmptyTrustSet = errors.New("direct trust set is empty")

// Edge is a directed trust relation.
type Edge struct {
	Truster string
	Trustee string
}

// Cache memoises hop distances. Any structural change drops the whole memo.
type Cache struct {
	mu        sync.Mutex
	self      string
	maxHops   int
	direct    map[string]struct{}
	adjacency map[string]map[string]struct{}
	distances map[string]int
}

func NewCache(self string, direct []string, maxHops int) *Cache {
	if maxHops <= 0 {
		maxHops = DefaultMaxHops
	}
	c := &Cache{
		self:      self,
		maxHops:   maxHops,
		direct:    make(map[string]struct{}, len(direct)),
		adjacency: make(map[string]map[string]struct{}),
		distances: make(map[string]int),
	}
	for _, k := range direct {
		if k != "" {
			c.direct[k] = struct{}{}
		}
	}
	return c
}

func (c *Cache) MaxHops() int {
	return c.maxHops
}

// HopDistance is 0 for self, 1 for direct trust, the BFS depth through the
// adjacency list otherwise, and Unreachable past MaxHops.
func (c *Cache) HopDistance(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hopDistanceLocked(key)
}

func (c *Cache) IsWithinMaxHops(key string) bool {
	return c.HopDistance(key) <= c.maxHops
}

func (c *Cache) hopDistanceLocked(key string) int {
	if key == "" {
		return Unreachable
	}
	if d, ok := c.distances[key]; ok {
		return d
	}
	d := c.bfsLocked(key)
	c.distances[key] = d
	return d
}

func (c *Cache) bfsLocked(target string) int {
	if target == c.self {
		return 0
	}
	visited := map[string]struct{}{c.self: {}}
	frontier := make([]string, 0, len(c.direct))
	for k := range c.direct {
		if _, ok := visited[k]; ok {
			continue
		}
		visited[k] = struct{}{}
		frontier = append(frontier, k)
	}
	for k := range c.adjacency[c.self] {
		if _, ok := visited[k]; ok {
			continue
		}
		visited[k] = struct{}{}
		frontier = append(frontier, k)
	}
	for depth := 1; depth <= c.maxHops && len(frontier) > 0; depth++ {
		next := make([]string, 0)
		for _, k := range frontier {
			if k == target {
				return depth
			}
			for n := range c.adjacency[k] {
				if _, ok := visited[n]; ok {
					continue
				}
				visited[n] = struct{}{}
				next = append(next, n)
			}
		}
		frontier = next
	}
	return Unreachable
}

// AddEdge records an active edge.
func (c *Cache) AddEdge(truster, trustee string) {
	if truster == "" || trustee == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.adjacency[truster]
	if !ok {
		set = make(map[string]struct{})
		c.adjacency[truster] = set
	}
	if _, ok := set[trustee]; ok {
		return
	}
	set[trustee] = struct{}{}
	c.invalidateLocked()
}

func (c *Cache) RemoveEdge(truster, trustee string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.adjacency[truster]
	if !ok {
		return
	}
	if _, ok := set[trustee]; !ok {
		return
	}
	delete(set, trustee)
	if len(set) == 0 {
		delete(c.adjacency, truster)
	}
	c.invalidateLocked()
}

func (c *Cache) HasEdge(truster, trustee string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.adjacency[truster][trustee]
	return ok
}

// RebuildFromSignals replaces the adjacency list with edges.
func (c *Cache) RebuildFromSignals(edges []Edge) {
	adj := make(map[string]map[string]struct{})
	for _, e := range edges {
		if e.Truster == "" || e.Trustee == "" {
			continue
		}
		set, ok := adj[e.Truster]
		if !ok {
			set = make(map[string]struct{})
			adj[e.Truster] = set
		}
		set[e.Trustee] = struct{}{}
	}
	c.mu.Lock()
	c.adjacency = adj
	c.invalidateLocked()
	c.mu.Unlock()
}

// UpdateDirectTrustGraph swaps the root trust set.
func (c *Cache) UpdateDirectTrustGraph(keys []string) error {
	direct := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if k != "" {
			direct[k] = struct{}{}
		}
	}
	if len(direct) == 0 {
		return ErrEmptyTrustSet
	}
	c.mu.Lock()
	c.direct = direct
	c.invalidateLocked()
	c.mu.Unlock()
	return nil
}

func (c *Cache) DirectTrust() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.direct))
	for k := range c.direct {
		out = append(out, k)
	}
	return out
}

func (c *Cache) IsDirect(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.direct[key]
	return ok
}

// ReachableCount is the number of keys other than self within MaxHops.
func (c *Cache) ReachableCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	visited := map[string]struct{}{c.self: {}}
	frontier := make([]string, 0, len(c.direct))
	for k := range c.direct {
		if _, ok := visited[k]; !ok {
			visited[k] = struct{}{}
			frontier = append(frontier, k)
		}
	}
	for k := range c.adjacency[c.self] {
		if _, ok := visited[k]; !ok {
			visited[k] = struct{}{}
			frontier = append(frontier, k)
		}
	}
	for depth := 1; depth < c.maxHops && len(frontier) > 0; depth++ {
		var next []string
		for _, k := range frontier {
			for n := range c.adjacency[k] {
				if _, ok := visited[n]; ok {
					continue
				}
				visited[n] = struct{}{}
				next = append(next, n)
			}
		}
		frontier = next
	}
	return len(visited) - 1
}

// EdgeCount is the number of active edges in the adjacency list.
func (c *Cache) EdgeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, set := range c.adjacency {
		n += len(set)
	}
	return n
}

func (c *Cache) invalidateLocked() {
	if len(c.distances) == 0 {
		return
	}
	c.distances = make(map[string]int)
}
