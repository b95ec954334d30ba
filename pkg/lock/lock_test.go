package lock

import (
	"errors"
	"testing"
	"time"

	"github.com/near-outlayer/outlayer-go/pkg/kvstore"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	store, err := kvstore.Open("locks-test", t.TempDir())
	if err != nil {
		t.Fatalf("open kvstore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return New(store)
}

func TestAcquireIsExclusive(t *testing.T) {
	m := testManager(t)

	if err := m.Acquire("artifact-abc", "worker-1", time.Minute); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if err := m.Acquire("artifact-abc", "worker-2", time.Minute); !errors.Is(err, ErrHeldByOther) {
		t.Fatalf("expected ErrHeldByOther, got %v", err)
	}

	// Re-acquiring your own key renews rather than conflicts.
	if err := m.Acquire("artifact-abc", "worker-1", time.Minute); err != nil {
		t.Fatalf("re-acquire by holder: %v", err)
	}

	holder, ok, err := m.Holder("artifact-abc")
	if err != nil || !ok || holder != "worker-1" {
		t.Fatalf("Holder = %q/%v/%v", holder, ok, err)
	}
}

func TestReleaseIsHolderCheckedAndIdempotent(t *testing.T) {
	m := testManager(t)

	if err := m.Acquire("k", "worker-1", time.Minute); err != nil {
		t.Fatal(err)
	}
	if err := m.Release("k", "worker-2"); !errors.Is(err, ErrNotHolder) {
		t.Fatalf("expected ErrNotHolder, got %v", err)
	}
	if err := m.Release("k", "worker-1"); err != nil {
		t.Fatalf("release by holder: %v", err)
	}
	// Releasing an already-released key succeeds.
	if err := m.Release("k", "worker-1"); err != nil {
		t.Fatalf("repeat release: %v", err)
	}

	if err := m.Acquire("k", "worker-2", time.Minute); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestExpiryMakesKeyAcquirable(t *testing.T) {
	m := testManager(t)

	if err := m.Acquire("k", "worker-1", 30*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	time.Sleep(60 * time.Millisecond)

	if err := m.Acquire("k", "worker-2", time.Minute); err != nil {
		t.Fatalf("acquire after expiry: %v", err)
	}
}

func TestRenewExtendsOnlyForHolder(t *testing.T) {
	m := testManager(t)

	if err := m.Acquire("k", "worker-1", 80*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if err := m.Renew("k", "worker-2", time.Minute); !errors.Is(err, ErrNotHolder) {
		t.Fatalf("expected ErrNotHolder, got %v", err)
	}
	if err := m.Renew("k", "worker-1", time.Minute); err != nil {
		t.Fatalf("renew by holder: %v", err)
	}

	time.Sleep(120 * time.Millisecond)
	// Renewal outlived the original TTL.
	if err := m.Acquire("k", "worker-2", time.Minute); !errors.Is(err, ErrHeldByOther) {
		t.Fatalf("expected lock still held after renew, got %v", err)
	}
}
