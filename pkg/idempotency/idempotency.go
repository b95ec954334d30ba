// Package idempotency implements the per-key request dedup window applied
// to mutating coordinator endpoints. A client supplying an Idempotency-Key
// header on a mutating request gets its response cached and replayed
// bit-exact on retry; a different request fingerprint under the same key is
// a conflict. In-flight requests under a key serialize so the second caller
// waits for the first and then replays.
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/near-outlayer/outlayer-go/pkg/kvstore"
)

// ErrFingerprintConflict is returned when a key is replayed with a request
// that does not match the fingerprint recorded on first use.
var ErrFingerprintConflict = errors.New("idempotency key reused with a different request")

// Record is the cached outcome of the first successful request for a key.
type Record struct {
	Fingerprint string    `json:"fingerprint"`
	Status      int       `json:"status"`
	Body        []byte    `json:"body"`
	CreatedAt   time.Time `json:"created_at"`
}

// Layer coordinates dedup across concurrent and retried requests.
type Layer struct {
	store  *kvstore.Store
	ttl    time.Duration
	logger *log.Logger

	mu      sync.Mutex
	inFlightClear map[string]chan struct{}
}

// New creates an idempotency layer backed by store with the given TTL
// (spec default 10 minutes).
func New(store *kvstore.Store, ttl time.Duration) *Layer {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Layer{
		store:         store,
		ttl:           ttl,
		logger:        log.New(log.Writer(), "[Idempotency] ", log.LstdFlags),
		inFlightClear: make(map[string]chan struct{}),
	}
}

// Fingerprint computes the request fingerprint: method, path, and a sha256
// of the body, matching spec.md §4.4's "method + path + body hash".
func Fingerprint(method, path string, body []byte) string {
	sum := sha256.Sum256(body)
	return method + "|" + path + "|" + hex.EncodeToString(sum[:])
}

func recordKey(key string) []byte {
	return []byte("idem:" + key)
}

// Begin looks up key. If a completed record already exists, it is returned
// with replay=true (after validating the fingerprint matches). If another
// request is currently in flight for the same key, Begin blocks until it
// completes and then behaves as above. If no record exists, Begin registers
// this caller as the in-flight holder and returns replay=false; the caller
// must call Finish with the outcome.
func (l *Layer) Begin(key, fingerprint string) (record *Record, replay bool, err error) {
	for {
		l.mu.Lock()
		if done, ok := l.inFlightClear[key]; ok {
			l.mu.Unlock()
			<-done
			continue
		}

		raw, ok, gerr := l.store.Get(recordKey(key))
		if gerr != nil {
			l.mu.Unlock()
			return nil, false, fmt.Errorf("idempotency lookup %q: %w", key, gerr)
		}
		if ok {
			l.mu.Unlock()
			var rec Record
			if err := json.Unmarshal(raw, &rec); err != nil {
				return nil, false, fmt.Errorf("idempotency decode %q: %w", key, err)
			}
			if rec.Fingerprint != fingerprint {
				return nil, false, ErrFingerprintConflict
			}
			return &rec, true, nil
		}

		l.inFlightClear[key] = make(chan struct{})
		l.mu.Unlock()
		return nil, false, nil
	}
}

// Finish records the response for key and releases any callers blocked in
// Begin for the same key.
func (l *Layer) Finish(key, fingerprint string, status int, body []byte) error {
	rec := Record{
		Fingerprint: fingerprint,
		Status:      status,
		Body:        body,
		CreatedAt:   time.Now(),
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("idempotency encode %q: %w", key, err)
	}
	if err := l.store.Set(recordKey(key), raw, l.ttl); err != nil {
		return fmt.Errorf("idempotency store %q: %w", key, err)
	}

	l.mu.Lock()
	if done, ok := l.inFlightClear[key]; ok {
		close(done)
		delete(l.inFlightClear, key)
	}
	l.mu.Unlock()
	return nil
}

// Abort releases the in-flight slot for key without recording a response,
// used when the first caller's request fails before producing a result that
// should be cached (e.g. it errored transiently and should be retried fresh).
func (l *Layer) Abort(key string) {
	l.mu.Lock()
	if done, ok := l.inFlightClear[key]; ok {
		close(done)
		delete(l.inFlightClear, key)
	}
	l.mu.Unlock()
}
