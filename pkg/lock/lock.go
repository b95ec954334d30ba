// Package lock implements the coordinator's distributed mutual-exclusion
// primitive: expiring locks keyed by artifact checksum so at most one worker
// compiles a given artifact at a time. Built on pkg/kvstore's
// compare-and-set TTL primitives; locks are advisory and release on expiry
// without renewal.
package lock

import (
	"errors"
	"fmt"
	"log"

	"github.com/near-outlayer/outlayer-go/pkg/kvstore"

	"time"
)

// ErrHeldByOther is returned by Acquire when the key is currently held by a
// different holder and has not yet expired.
var ErrHeldByOther = errors.New("lock held by another holder")

// ErrNotHolder is returned by Release/Renew when the caller is not (or is no
// longer) the current holder.
var ErrNotHolder = errors.New("caller does not hold this lock")

// Manager provides acquire/release/renew over a shared KV store namespace.
type Manager struct {
	store  *kvstore.Store
	logger *log.Logger
}

// New creates a lock manager backed by store.
func New(store *kvstore.Store) *Manager {
	return &Manager{
		store:  store,
		logger: log.New(log.Writer(), "[Lock] ", log.LstdFlags),
	}
}

func lockKey(key string) []byte {
	return []byte("lock:" + key)
}

// Acquire attempts to take key for holder with the given ttl. If the key is
// already held by someone else and has not expired, returns ErrHeldByOther.
// Acquiring your own already-held key renews it (idempotent re-acquire).
func (m *Manager) Acquire(key, holder string, ttl time.Duration) error {
	acquired, current, err := m.store.SetIfAbsentOrExpired(lockKey(key), []byte(holder), ttl)
	if err != nil {
		return fmt.Errorf("lock acquire %q: %w", key, err)
	}
	if acquired {
		return nil
	}
	if string(current) == holder {
		return m.Renew(key, holder, ttl)
	}
	return ErrHeldByOther
}

// Release relinquishes key if holder currently owns it. Release is
// idempotent: releasing an already-released or expired key succeeds.
func (m *Manager) Release(key, holder string) error {
	if err := m.store.CompareAndDelete(lockKey(key), []byte(holder)); err != nil {
		if errors.Is(err, kvstore.ErrConditionFailed) {
			return ErrNotHolder
		}
		return fmt.Errorf("lock release %q: %w", key, err)
	}
	return nil
}

// Renew extends key's TTL if holder currently owns it.
func (m *Manager) Renew(key, holder string, ttl time.Duration) error {
	if err := m.store.CompareAndRenew(lockKey(key), []byte(holder), ttl); err != nil {
		if errors.Is(err, kvstore.ErrConditionFailed) {
			return ErrNotHolder
		}
		return fmt.Errorf("lock renew %q: %w", key, err)
	}
	return nil
}

// Holder reports the current holder of key, if any.
func (m *Manager) Holder(key string) (holder string, ok bool, err error) {
	value, ok, err := m.store.Get(lockKey(key))
	if err != nil {
		return "", false, fmt.Errorf("lock holder lookup %q: %w", key, err)
	}
	if !ok {
		return "", false, nil
	}
	return string(value), true, nil
}
