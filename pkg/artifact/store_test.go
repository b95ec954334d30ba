package artifact

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/near-outlayer/outlayer-go/pkg/database"
)

// memIndex is an in-memory Index for exercising the store without Postgres.
type memIndex struct {
	mu      sync.Mutex
	entries map[string]*database.Artifact
}

func newMemIndex() *memIndex {
	return &memIndex{entries: make(map[string]*database.Artifact)}
}

func (m *memIndex) Insert(ctx context.Context, a *database.Artifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[a.Checksum]; !ok {
		copied := *a
		m.entries[a.Checksum] = &copied
	}
	return nil
}

func (m *memIndex) Get(ctx context.Context, checksum string) (*database.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.entries[checksum]; ok {
		copied := *a
		return &copied, nil
	}
	return nil, database.ErrArtifactNotFound
}

func (m *memIndex) Lookup(ctx context.Context, repoURL, commitHash, buildTarget string) (*database.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.entries {
		if a.RepoURL.String == repoURL && a.CommitHash.String == commitHash && a.BuildTarget.String == buildTarget {
			copied := *a
			return &copied, nil
		}
	}
	return nil, database.ErrArtifactNotFound
}

func (m *memIndex) TouchAccess(ctx context.Context, checksum string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.entries[checksum]; ok {
		a.LastAccess = time.Now()
	}
	return nil
}

func (m *memIndex) TotalSize(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total int64
	for _, a := range m.entries {
		total += a.SizeBytes
	}
	return total, nil
}

func (m *memIndex) LeastRecentlyUsed(ctx context.Context, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := make([]*database.Artifact, 0, len(m.entries))
	for _, a := range m.entries {
		all = append(all, a)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].LastAccess.Before(all[j].LastAccess) })
	var out []string
	for i := 0; i < len(all) && i < limit; i++ {
		out = append(out, all[i].Checksum)
	}
	return out, nil
}

func (m *memIndex) Delete(ctx context.Context, checksum string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, checksum)
	return nil
}

func checksumOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func TestUploadDownloadRoundTrip(t *testing.T) {
	store, err := Open(t.TempDir(), newMemIndex(), 0)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	data := []byte("\x00asm fake module bytes")
	checksum := checksumOf(data)
	prov := Provenance{RepoURL: "https://github.com/ex/rng", CommitHash: "abc123", BuildTarget: "wasm32-wasip1"}

	if err := store.Upload(ctx, checksum, prov, data); err != nil {
		t.Fatalf("Upload: %v", err)
	}

	reader, size, err := store.Download(ctx, checksum)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	defer reader.Close()
	got, err := io.ReadAll(reader)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) || size != int64(len(data)) {
		t.Fatalf("round trip mismatch: %d bytes", len(got))
	}

	info, err := store.Info(ctx, prov)
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if info.Checksum != checksum {
		t.Fatalf("Info checksum = %s", info.Checksum)
	}
}

func TestUploadIsIdempotentAndIntegrityChecked(t *testing.T) {
	store, err := Open(t.TempDir(), newMemIndex(), 0)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	data := []byte("module-bytes")
	checksum := checksumOf(data)

	if err := store.Upload(ctx, checksum, Provenance{}, data); err != nil {
		t.Fatal(err)
	}
	// Re-uploading the same checksum succeeds without rewriting.
	if err := store.Upload(ctx, checksum, Provenance{}, data); err != nil {
		t.Fatalf("idempotent re-upload: %v", err)
	}

	if err := store.Upload(ctx, checksum, Provenance{}, []byte("different-bytes")); !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("expected ErrChecksumMismatch, got %v", err)
	}
}

func TestDownloadUnknownChecksum(t *testing.T) {
	store, err := Open(t.TempDir(), newMemIndex(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := store.Download(context.Background(), "deadbeef"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestEvictionSkipsLeasedArtifacts(t *testing.T) {
	idx := newMemIndex()
	// Budget of 10 bytes forces eviction once two 8-byte artifacts land.
	store, err := Open(t.TempDir(), idx, 10)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	oldData := []byte("old-data")
	newData := []byte("new-data")
	oldSum, newSum := checksumOf(oldData), checksumOf(newData)

	if err := store.Upload(ctx, oldSum, Provenance{}, oldData); err != nil {
		t.Fatal(err)
	}

	// Hold a read lease on the old artifact, then push the store over
	// budget: eviction must skip the leased entry.
	reader, _, err := store.Download(ctx, oldSum)
	if err != nil {
		t.Fatal(err)
	}

	if err := store.Upload(ctx, newSum, Provenance{}, newData); err != nil {
		t.Fatal(err)
	}
	if err := store.EvictIfOverBudget(ctx); err != nil {
		t.Fatal(err)
	}

	if _, err := idx.Get(ctx, oldSum); err != nil {
		t.Fatal("leased artifact was evicted")
	}
	// The unleased entry was the next candidate and went instead.
	if _, err := idx.Get(ctx, newSum); err == nil {
		t.Fatal("expected the unleased artifact to be evicted")
	}

	// The in-flight read still completes against its stable handle.
	got, err := io.ReadAll(reader)
	if err != nil || !bytes.Equal(got, oldData) {
		t.Fatalf("leased read failed after eviction pass: %v", err)
	}
	reader.Close()
}
