// Package artifact implements the content-addressed WASM cache: a
// filesystem directory keyed by checksum, with a transactional Postgres
// index (pkg/database.ArtifactRepository) recording size, provenance, and
// last-access for LRU eviction. Upload is idempotent by checksum; download
// streams from a stable file handle so eviction of other entries never
// disturbs an in-flight read.
package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/near-outlayer/outlayer-go/pkg/database"
)

// Index is the transactional metadata store behind the filesystem cache,
// satisfied by *database.ArtifactRepository.
type Index interface {
	Insert(ctx context.Context, a *database.Artifact) error
	Get(ctx context.Context, checksum string) (*database.Artifact, error)
	Lookup(ctx context.Context, repoURL, commitHash, buildTarget string) (*database.Artifact, error)
	TouchAccess(ctx context.Context, checksum string) error
	TotalSize(ctx context.Context) (int64, error)
	LeastRecentlyUsed(ctx context.Context, limit int) ([]string, error)
	Delete(ctx context.Context, checksum string) error
}

// Provenance is the `(repo, commit, build_target)` lookup helper recorded
// alongside a checksum; the checksum remains authoritative.
type Provenance struct {
	RepoURL     string
	CommitHash  string
	BuildTarget string
}

// Store is the content-addressed artifact cache.
type Store struct {
	root     string
	index    Index
	maxBytes int64
	logger   *log.Logger

	mu      sync.Mutex
	leases  map[string]int // open-read-lease counts per checksum, blocks eviction
}

// Open creates a Store rooted at dir (created if absent), backed by index,
// with eviction triggered once total size exceeds maxBytes.
func Open(dir string, index Index, maxBytes int64) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact store directory %q: %w", dir, err)
	}
	return &Store{
		root:     dir,
		index:    index,
		maxBytes: maxBytes,
		logger:   log.New(log.Writer(), "[Artifact] ", log.LstdFlags),
		leases:   make(map[string]int),
	}, nil
}

func (s *Store) path(checksum string) string {
	// Two-level fan-out keeps any single directory from holding every
	// artifact flat, matching the content-addressed-cache convention.
	if len(checksum) < 4 {
		return filepath.Join(s.root, checksum)
	}
	return filepath.Join(s.root, checksum[:2], checksum[2:4], checksum)
}

// Upload writes bytes under checksum if not already cached. Idempotent: if
// the checksum already exists, succeeds without rewriting. The store
// recomputes the hash and rejects a disagreement with the declared
// checksum (integrity, spec.md §4.2).
func (s *Store) Upload(ctx context.Context, checksum string, prov Provenance, data []byte) error {
	sum := sha256.Sum256(data)
	actual := hex.EncodeToString(sum[:])
	if actual != checksum {
		return fmt.Errorf("%w: declared %s, computed %s", ErrChecksumMismatch, checksum, actual)
	}

	if _, err := s.index.Get(ctx, checksum); err == nil {
		return nil // already cached; idempotent no-op
	}

	dest := s.path(checksum)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("failed to create artifact directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), "upload-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write artifact bytes: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to flush artifact bytes: %w", err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to finalize artifact file: %w", err)
	}

	now := time.Now()
	rec := &database.Artifact{
		Checksum:    checksum,
		SizeBytes:   int64(len(data)),
		CreatedAt:   now,
		LastAccess:  now,
	}
	setNullable(rec, prov)
	if err := s.index.Insert(ctx, rec); err != nil {
		return fmt.Errorf("failed to index artifact: %w", err)
	}

	go s.evictIfOverBudget(context.Background())
	return nil
}

// Download streams the bytes for checksum. The returned ReadCloser must be
// closed by the caller, which releases this download's eviction-blocking
// lease.
func (s *Store) Download(ctx context.Context, checksum string) (io.ReadCloser, int64, error) {
	rec, err := s.index.Get(ctx, checksum)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrNotFound, err)
	}

	s.mu.Lock()
	s.leases[checksum]++
	s.mu.Unlock()

	f, err := os.Open(s.path(checksum))
	if err != nil {
		s.mu.Lock()
		s.leases[checksum]--
		s.mu.Unlock()
		return nil, 0, fmt.Errorf("%w: %v", ErrNotFound, err)
	}

	_ = s.index.TouchAccess(ctx, checksum)
	return &leasedReader{ReadCloser: f, store: s, checksum: checksum}, rec.SizeBytes, nil
}

type leasedReader struct {
	io.ReadCloser
	store    *Store
	checksum string
	once     sync.Once
}

func (r *leasedReader) Close() error {
	err := r.ReadCloser.Close()
	r.once.Do(func() {
		r.store.mu.Lock()
		r.store.leases[r.checksum]--
		if r.store.leases[r.checksum] <= 0 {
			delete(r.store.leases, r.checksum)
		}
		r.store.mu.Unlock()
	})
	return err
}

// Info returns artifact metadata by provenance triple, for the public
// /public/wasm/info endpoint and compile-skip checks.
func (s *Store) Info(ctx context.Context, prov Provenance) (*database.Artifact, error) {
	a, err := s.index.Lookup(ctx, prov.RepoURL, prov.CommitHash, prov.BuildTarget)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return a, nil
}

// EvictIfOverBudget evicts least-recently-used artifacts until total size is
// back under maxBytes. Leased (in-flight download) checksums are skipped;
// eviction resumes with the next-oldest candidate. Exported so the
// coordinator can drive eviction from a periodic sweep in addition to the
// post-upload trigger.
func (s *Store) EvictIfOverBudget(ctx context.Context) error {
	return s.evictIfOverBudget(ctx)
}

func (s *Store) evictIfOverBudget(ctx context.Context) error {
	if s.maxBytes <= 0 {
		return nil
	}
	total, err := s.index.TotalSize(ctx)
	if err != nil {
		return fmt.Errorf("failed to compute artifact store size: %w", err)
	}
	if total <= s.maxBytes {
		return nil
	}

	softTarget := s.maxBytes * 9 / 10
	candidates, err := s.index.LeastRecentlyUsed(ctx, 256)
	if err != nil {
		return fmt.Errorf("failed to list LRU candidates: %w", err)
	}

	for _, checksum := range candidates {
		if total <= softTarget {
			break
		}
		s.mu.Lock()
		leased := s.leases[checksum] > 0
		s.mu.Unlock()
		if leased {
			continue // in-flight download holds a stable handle; skip
		}

		rec, err := s.index.Get(ctx, checksum)
		if err != nil {
			continue
		}
		if err := os.Remove(s.path(checksum)); err != nil && !os.IsNotExist(err) {
			s.logger.Printf("failed to remove evicted artifact %s: %v", checksum, err)
			continue
		}
		if err := s.index.Delete(ctx, checksum); err != nil {
			s.logger.Printf("failed to delete artifact index row %s: %v", checksum, err)
			continue
		}
		total -= rec.SizeBytes
		s.logger.Printf("evicted artifact %s (%d bytes)", checksum, rec.SizeBytes)
	}
	return nil
}

func setNullable(rec *database.Artifact, prov Provenance) {
	if prov.RepoURL != "" {
		rec.RepoURL.String, rec.RepoURL.Valid = prov.RepoURL, true
	}
	if prov.CommitHash != "" {
		rec.CommitHash.String, rec.CommitHash.Valid = prov.CommitHash, true
	}
	if prov.BuildTarget != "" {
		rec.BuildTarget.String, rec.BuildTarget.Valid = prov.BuildTarget, true
	}
}
