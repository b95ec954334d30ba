package idempotency

import (
	"bytes"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/near-outlayer/outlayer-go/pkg/kvstore"
)

func testLayer(t *testing.T, ttl time.Duration) *Layer {
	t.Helper()
	store, err := kvstore.Open("idem-test", t.TempDir())
	if err != nil {
		t.Fatalf("open kvstore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return New(store, ttl)
}

func TestReplayIsByteExact(t *testing.T) {
	l := testLayer(t, time.Minute)
	fp := Fingerprint("POST", "/jobs/claim", []byte(`{"kinds":["compile"]}`))

	if _, replay, err := l.Begin("key-1", fp); err != nil || replay {
		t.Fatalf("first Begin: replay=%v err=%v", replay, err)
	}
	body := []byte(`{"jobs":[{"id":"j1"}]}`)
	if err := l.Finish("key-1", fp, 200, body); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	rec, replay, err := l.Begin("key-1", fp)
	if err != nil {
		t.Fatalf("replay Begin: %v", err)
	}
	if !replay {
		t.Fatal("expected replay")
	}
	if rec.Status != 200 || !bytes.Equal(rec.Body, body) {
		t.Fatalf("replayed response differs: %d %q", rec.Status, rec.Body)
	}
}

func TestFingerprintConflict(t *testing.T) {
	l := testLayer(t, time.Minute)
	fp := Fingerprint("POST", "/jobs/claim", []byte("a"))

	if _, _, err := l.Begin("key-1", fp); err != nil {
		t.Fatal(err)
	}
	if err := l.Finish("key-1", fp, 200, []byte("ok")); err != nil {
		t.Fatal(err)
	}

	other := Fingerprint("POST", "/jobs/claim", []byte("b"))
	if _, _, err := l.Begin("key-1", other); !errors.Is(err, ErrFingerprintConflict) {
		t.Fatalf("expected ErrFingerprintConflict, got %v", err)
	}
}

func TestConcurrentRequestsSerializeToOneExecution(t *testing.T) {
	l := testLayer(t, time.Minute)
	fp := Fingerprint("POST", "/jobs/claim", []byte("body"))

	var executions int32
	var replays int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, replay, err := l.Begin("shared-key", fp)
			if err != nil {
				t.Errorf("Begin: %v", err)
				return
			}
			if replay {
				atomic.AddInt32(&replays, 1)
				if string(rec.Body) != "result" {
					t.Errorf("replayed body %q", rec.Body)
				}
				return
			}
			atomic.AddInt32(&executions, 1)
			time.Sleep(20 * time.Millisecond) // hold the in-flight slot
			if err := l.Finish("shared-key", fp, 200, []byte("result")); err != nil {
				t.Errorf("Finish: %v", err)
			}
		}()
	}
	wg.Wait()

	if executions != 1 {
		t.Fatalf("expected exactly one execution, got %d", executions)
	}
	if replays != 9 {
		t.Fatalf("expected nine replays, got %d", replays)
	}
}

func TestRecordExpiresAfterTTL(t *testing.T) {
	l := testLayer(t, 30*time.Millisecond)
	fp := Fingerprint("POST", "/x", nil)

	if _, _, err := l.Begin("k", fp); err != nil {
		t.Fatal(err)
	}
	if err := l.Finish("k", fp, 200, []byte("v")); err != nil {
		t.Fatal(err)
	}
	time.Sleep(60 * time.Millisecond)

	_, replay, err := l.Begin("k", fp)
	if err != nil {
		t.Fatal(err)
	}
	if replay {
		t.Fatal("record should have expired")
	}
	l.Abort("k")
}

func TestAbortReleasesWaiters(t *testing.T) {
	l := testLayer(t, time.Minute)
	fp := Fingerprint("POST", "/x", nil)

	if _, _, err := l.Begin("k", fp); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, replay, err := l.Begin("k", fp)
		if err != nil {
			t.Errorf("waiter Begin: %v", err)
		}
		if replay {
			t.Error("waiter should execute fresh after abort")
		}
		l.Abort("k")
	}()

	time.Sleep(10 * time.Millisecond)
	l.Abort("k")

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waiter never released after Abort")
	}
}
