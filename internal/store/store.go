// Package store persists the newest CRDT state blob per peer in badger.
package store

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"trustgossip/internal/debuglog"
)

const statePrefix = "state/"

var ErrEmptyKey = errors.New("empty public key")

// StateStore keeps one versioned blob per public key. Writes with a version
// not greater than the stored one are ignored.
type StateStore struct {
	db  *badger.DB
	log *zap.Logger
}

// Open opens a store rooted at dir. An empty dir keeps everything in memory.
func Open(dir string) (*StateStore, error) {
	opts := badger.DefaultOptions(dir).WithLoggingLevel(badger.ERROR)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	return New(db), nil
}

func New(db *badger.DB) *StateStore {
	return &StateStore{db: db, log: debuglog.L().Named("store")}
}

func (s *StateStore) Close() error {
	return s.db.Close()
}

func stateKey(pub string) []byte {
	return []byte(statePrefix + pub)
}

func encodeValue(version int64, blob []byte) []byte {
	out := make([]byte, 8+len(blob))
	binary.BigEndian.PutUint64(out[:8], uint64(version))
	copy(out[8:], blob)
	return out
}

func decodeValue(val []byte) (int64, []byte, error) {
	if len(val) < 8 {
		return 0, nil, errors.New("corrupt state record")
	}
	blob := make([]byte, len(val)-8)
	copy(blob, val[8:])
	return int64(binary.BigEndian.Uint64(val[:8])), blob, nil
}

func readVersion(txn *badger.Txn, pub string) (int64, bool, error) {
	item, err := txn.Get(stateKey(pub))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	var version int64
	err = item.Value(func(val []byte) error {
		v, _, err := decodeValue(val)
		version = v
		return err
	})
	return version, true, err
}

// Put stores blob when version is newer than what is held for pub. It
// reports whether the write happened.
func (s *StateStore) Put(pub string, version int64, blob []byte) (bool, error) {
	if pub == "" {
		return false, ErrEmptyKey
	}
	written := false
	err := s.db.Update(func(txn *badger.Txn) error {
		cur, ok, err := readVersion(txn, pub)
		if err != nil {
			return err
		}
		if ok && version <= cur {
			return nil
		}
		written = true
		return txn.Set(stateKey(pub), encodeValue(version, blob))
	})
	if err != nil {
		return false, err
	}
	return written, nil
}

// Get returns the stored version and blob for pub.
func (s *StateStore) Get(pub string) (int64, []byte, bool, error) {
	var (
		version int64
		blob    []byte
		found   bool
	)
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(stateKey(pub))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			var err error
			version, blob, err = decodeValue(val)
			return err
		})
	})
	return version, blob, found, err
}

// Since returns the blob for pub when it is newer than sinceVersion, and nil
// otherwise.
func (s *StateStore) Since(pub string, sinceVersion int64) ([]byte, error) {
	version, blob, found, err := s.Get(pub)
	if err != nil || !found || version <= sinceVersion {
		return nil, err
	}
	return blob, nil
}

func (s *StateStore) Delete(pub string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(stateKey(pub))
	})
}

// Keys lists every public key with a stored blob.
func (s *StateStore) Keys() ([]string, error) {
	var out []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(statePrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			out = append(out, string(it.Item().Key()[len(statePrefix):]))
		}
		return nil
	})
	return out, err
}

// OnStateSync has the shape of the engine's state-sync handler.
func (s *StateStore) OnStateSync(pub string, version int64, state []byte) {
	if _, err := s.Put(pub, version, state); err != nil {
		s.log.Warn("persist state failed", zap.String("pub", pub), zap.Int64("version", version), zap.Error(err))
	}
}

// OnStateRequest has the shape of the engine's state-request handler.
func (s *StateStore) OnStateRequest(pub string, sinceVersion int64) ([]byte, error) {
	return s.Since(pub, sinceVersion)
}
