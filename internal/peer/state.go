package peer

import (
	"container/list"
	"sync"
	"time"
)

const DefaultStateTableCap = 4096

// StateRecord tracks the newest CRDT state version merged for an identity.
type StateRecord struct {
	PublicKey string
	Version   int64
	LastSync  time.Time
}

// StateTable is an LRU of StateRecord keyed by public key.
type StateTable struct {
	mu    sync.Mutex
	cap   int
	hot   map[string]*list.Element
	order *list.List
}

func NewStateTable(capacity int) *StateTable {
	if capacity <= 0 {
		capacity = DefaultStateTableCap
	}
	return &StateTable{
		cap:   capacity,
		hot:   make(map[string]*list.Element),
		order: list.New(),
	}
}

// Advance records version for key when it is strictly newer than what is
// known and reports whether it did.
func (s *StateTable) Advance(key string, version int64, now time.Time) bool {
	if key == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.hot[key]; ok {
		rec := el.Value.(*StateRecord)
		if version <= rec.Version {
			return false
		}
		rec.Version = version
		rec.LastSync = now
		s.order.MoveToFront(el)
		return true
	}
	rec := &StateRecord{PublicKey: key, Version: version, LastSync: now}
	s.hot[key] = s.order.PushFront(rec)
	for s.cap > 0 && s.order.Len() > s.cap {
		back := s.order.Back()
		if back == nil {
			break
		}
		old := back.Value.(*StateRecord)
		delete(s.hot, old.PublicKey)
		s.order.Remove(back)
	}
	return true
}

func (s *StateTable) Get(key string) (StateRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.hot[key]
	if !ok {
		return StateRecord{}, false
	}
	return *el.Value.(*StateRecord), true
}

func (s *StateTable) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.hot)
}
