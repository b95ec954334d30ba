package workerclient

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/near-outlayer/outlayer-go/pkg/auth"
	"github.com/near-outlayer/outlayer-go/pkg/identity"
)

type keyDirectory map[string]ed25519.PublicKey

func (d keyDirectory) PublicKeyFor(ctx context.Context, account string) (ed25519.PublicKey, error) {
	if k, ok := d[account]; ok {
		return k, nil
	}
	return nil, errors.New("unknown account")
}

// TestSignedModeHeadersVerify drives a signed-mode request end to end: the
// client signs method|path|sha256(body)|timestamp, the server-side
// authenticator verifies it against the account's registered key.
func TestSignedModeHeadersVerify(t *testing.T) {
	key, err := identity.Generate()
	if err != nil {
		t.Fatal(err)
	}
	authenticator := auth.New(nil, keyDirectory{"worker.near": key.PublicKey})

	var verified bool
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		timestamp, _ := strconv.ParseInt(r.Header.Get("X-Near-Timestamp"), 10, 64)
		caller, err := authenticator.AuthenticateSigned(r.Context(), auth.SignedRequest{
			Account:   r.Header.Get("X-Near-Account"),
			Method:    r.Method,
			Path:      r.URL.Path,
			Body:      body,
			Signature: r.Header.Get("X-Near-Signature"),
			Timestamp: timestamp,
		}, time.Now())
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		verified = caller.Account == "worker.near"
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"jobs":[{"id":"j-1","request_id":3,"data_id":"d-3","job_type":"execute","status":"in_progress"}]}`))
	}))
	defer ts.Close()

	client := NewSigned(ts.URL, "worker.near", key)
	job, err := client.Claim(context.Background(), []string{"execute"}, 0)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if !verified {
		t.Fatal("server never verified the signature")
	}
	if job == nil || job.DataID != "d-3" || job.JobType != "execute" {
		t.Fatalf("unexpected job %+v", job)
	}
}

func TestAcquireLockMapsConflict(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"acquired":false,"held_by":"other-worker"}`))
	}))
	defer ts.Close()

	client := NewBearer(ts.URL, "tok")
	if err := client.AcquireLock(context.Background(), "k", time.Minute); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("expected ErrLockHeld, got %v", err)
	}
}

func TestDownloadWasmVerifiesChecksum(t *testing.T) {
	data := []byte("\x00asm-bytes")
	sum := sha256.Sum256(data)
	good := hex.EncodeToString(sum[:])

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(data)
	}))
	defer ts.Close()

	client := NewBearer(ts.URL, "tok")
	got, err := client.DownloadWasm(context.Background(), good)
	if err != nil {
		t.Fatalf("DownloadWasm: %v", err)
	}
	if string(got) != string(data) {
		t.Fatal("downloaded bytes differ")
	}

	// A server returning bytes that don't hash to the requested checksum is
	// rejected before the runtime ever sees them.
	otherSum := sha256.Sum256([]byte("different-module"))
	if _, err := client.DownloadWasm(context.Background(), hex.EncodeToString(otherSum[:])); err == nil {
		t.Fatal("corrupted artifact accepted")
	}
}

func TestClaimEmptyListMeansNoJob(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"jobs":[]}`))
	}))
	defer ts.Close()

	client := NewBearer(ts.URL, "tok")
	job, err := client.Claim(context.Background(), []string{"compile", "execute"}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if job != nil {
		t.Fatalf("expected nil job, got %+v", job)
	}
}
