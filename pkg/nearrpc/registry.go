package nearrpc

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// RegistryCache resolves a NEAR account id to its registered ed25519 public
// key by calling a view method on the on-chain worker registry, caching the
// result so every signed-mode request doesn't round-trip to the chain. The
// exact view-method name and response shape belong to the out-of-scope
// contract; this type treats them as opaque and configurable.
type RegistryCache struct {
	client     *Client
	contractID string
	viewMethod string
	ttl        time.Duration

	mu    sync.RWMutex
	cache map[string]cachedKey
}

type cachedKey struct {
	key       ed25519.PublicKey
	fetchedAt time.Time
}

// registeredKeyView is the expected shape of the registry's view response:
// a hex-encoded ed25519 public key for the queried account.
type registeredKeyView struct {
	PublicKeyHex string `json:"public_key_hex"`
}

// NewRegistryCache creates a cache over contractID's worker-key registry.
func NewRegistryCache(client *Client, contractID string, ttl time.Duration) *RegistryCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RegistryCache{
		client:     client,
		contractID: contractID,
		viewMethod: "get_worker_key",
		ttl:        ttl,
		cache:      make(map[string]cachedKey),
	}
}

// PublicKeyFor implements pkg/auth.AccountKeyLookup.
func (r *RegistryCache) PublicKeyFor(ctx context.Context, account string) (ed25519.PublicKey, error) {
	r.mu.RLock()
	entry, ok := r.cache[account]
	r.mu.RUnlock()
	if ok && time.Since(entry.fetchedAt) < r.ttl {
		return entry.key, nil
	}

	var view registeredKeyView
	if err := r.client.ViewFunction(ctx, r.contractID, r.viewMethod, map[string]string{"account_id": account}, &view); err != nil {
		return nil, fmt.Errorf("failed to resolve registered key for %s: %w", account, err)
	}
	key, err := hex.DecodeString(view.PublicKeyHex)
	if err != nil || len(key) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("registry returned malformed public key for %s", account)
	}

	r.mu.Lock()
	r.cache[account] = cachedKey{key: ed25519.PublicKey(key), fetchedAt: time.Now()}
	r.mu.Unlock()
	return ed25519.PublicKey(key), nil
}

// Invalidate drops any cached key for account, forcing the next lookup to
// refetch (used after a registration or re-key event).
func (r *RegistryCache) Invalidate(account string) {
	r.mu.Lock()
	delete(r.cache, account)
	r.mu.Unlock()
}
