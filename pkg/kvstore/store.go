// Package kvstore is a generic TTL-aware key/value engine backed by
// cometbft-db. It is the single authoritative store shared by pkg/lock
// (mutual exclusion) and pkg/idempotency (request dedup), each through their
// own key namespace.
package kvstore

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	dbm "github.com/cometbft/cometbft-db"
)

// entry is the durable envelope stored for every key: a value plus an
// absolute expiry. A zero ExpiresAt means the entry never expires.
type entry struct {
	Value     []byte    `json:"value"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Store is a durable KV engine with per-key TTL and in-process atomic
// compare-and-set, sufficient for a single-coordinator deployment.
type Store struct {
	db dbm.DB
	mu sync.Mutex
}

// Open opens (or creates) a goleveldb-backed store rooted at dir.
func Open(name, dir string) (*Store, error) {
	db, err := dbm.NewDB(name, dbm.GoLevelDBBackend, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open kvstore %q: %w", name, err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the value for key, or ok=false if absent or expired. An
// expired entry is lazily removed.
func (s *Store) Get(key []byte) (value []byte, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(key)
}

func (s *Store) getLocked(key []byte) ([]byte, bool, error) {
	raw, err := s.db.Get(key)
	if err != nil {
		return nil, false, fmt.Errorf("kvstore get: %w", err)
	}
	if raw == nil {
		return nil, false, nil
	}
	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, false, fmt.Errorf("kvstore decode: %w", err)
	}
	if !e.ExpiresAt.IsZero() && time.Now().After(e.ExpiresAt) {
		_ = s.db.Delete(key)
		return nil, false, nil
	}
	return e.Value, true, nil
}

// Set writes key=value with the given TTL. ttl<=0 means no expiry.
func (s *Store) Set(key, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setLocked(key, value, ttl)
}

func (s *Store) setLocked(key, value []byte, ttl time.Duration) error {
	e := entry{Value: value}
	if ttl > 0 {
		e.ExpiresAt = time.Now().Add(ttl)
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("kvstore encode: %w", err)
	}
	if err := s.db.SetSync(key, raw); err != nil {
		return fmt.Errorf("kvstore set: %w", err)
	}
	return nil
}

// Delete removes key unconditionally.
func (s *Store) Delete(key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.Delete(key); err != nil {
		return fmt.Errorf("kvstore delete: %w", err)
	}
	return nil
}

// ErrConditionFailed is returned by CompareAndRenew/CompareAndDelete when the
// stored value does not match the expected holder.
var ErrConditionFailed = fmt.Errorf("kvstore: condition failed")

// SetIfAbsentOrExpired atomically writes key=value with ttl only if the key
// is absent or its existing entry has expired. This is the acquire
// primitive for pkg/lock.
func (s *Store) SetIfAbsentOrExpired(key, value []byte, ttl time.Duration) (acquired bool, current []byte, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok, err := s.getLocked(key)
	if err != nil {
		return false, nil, err
	}
	if ok {
		return false, existing, nil
	}
	if err := s.setLocked(key, value, ttl); err != nil {
		return false, nil, err
	}
	return true, value, nil
}

// CompareAndDelete removes key only if its current value equals expected,
// used by pkg/lock's release (holder-checked).
func (s *Store) CompareAndDelete(key, expected []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok, err := s.getLocked(key)
	if err != nil {
		return err
	}
	if !ok {
		return nil // already gone; release is idempotent
	}
	if string(existing) != string(expected) {
		return ErrConditionFailed
	}
	if err := s.db.Delete(key); err != nil {
		return fmt.Errorf("kvstore delete: %w", err)
	}
	return nil
}

// CompareAndRenew extends a key's TTL only if its current value equals
// expected, used by pkg/lock's renew.
func (s *Store) CompareAndRenew(key, expected []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok, err := s.getLocked(key)
	if err != nil {
		return err
	}
	if !ok || string(existing) != string(expected) {
		return ErrConditionFailed
	}
	return s.setLocked(key, expected, ttl)
}
