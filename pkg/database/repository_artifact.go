// Artifact Repository - the transactional index over the content-addressed
// WASM cache. The bytes themselves live on the filesystem (pkg/artifact);
// this table is the source of truth for size accounting and LRU eviction.

package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ArtifactRepository handles artifact index operations.
type ArtifactRepository struct {
	client *Client
}

// NewArtifactRepository creates a new artifact repository.
func NewArtifactRepository(client *Client) *ArtifactRepository {
	return &ArtifactRepository{client: client}
}

// Insert records a new artifact. Idempotent: if the checksum already
// exists, this is a no-op (the caller treats this as upload success).
func (r *ArtifactRepository) Insert(ctx context.Context, a *Artifact) error {
	_, err := r.client.ExecContext(ctx, `
		INSERT INTO artifacts (checksum, repo_url, commit_hash, build_target, size_bytes, created_at, last_access)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (checksum) DO NOTHING`,
		a.Checksum, a.RepoURL, a.CommitHash, a.BuildTarget, a.SizeBytes, a.CreatedAt, a.LastAccess,
	)
	if err != nil {
		return fmt.Errorf("failed to insert artifact: %w", err)
	}
	return nil
}

// Get retrieves an artifact row by checksum.
func (r *ArtifactRepository) Get(ctx context.Context, checksum string) (*Artifact, error) {
	a := &Artifact{}
	err := r.client.QueryRowContext(ctx, `
		SELECT checksum, repo_url, commit_hash, build_target, size_bytes, created_at, last_access
		FROM artifacts WHERE checksum = $1`, checksum).Scan(
		&a.Checksum, &a.RepoURL, &a.CommitHash, &a.BuildTarget, &a.SizeBytes, &a.CreatedAt, &a.LastAccess,
	)
	if err == sql.ErrNoRows {
		return nil, ErrArtifactNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get artifact: %w", err)
	}
	return a, nil
}

// Lookup finds a cached artifact by its provenance triple, used to decide
// whether a compile job can be skipped.
func (r *ArtifactRepository) Lookup(ctx context.Context, repoURL, commitHash, buildTarget string) (*Artifact, error) {
	a := &Artifact{}
	err := r.client.QueryRowContext(ctx, `
		SELECT checksum, repo_url, commit_hash, build_target, size_bytes, created_at, last_access
		FROM artifacts WHERE repo_url = $1 AND commit_hash = $2 AND build_target = $3
		LIMIT 1`, repoURL, commitHash, buildTarget).Scan(
		&a.Checksum, &a.RepoURL, &a.CommitHash, &a.BuildTarget, &a.SizeBytes, &a.CreatedAt, &a.LastAccess,
	)
	if err == sql.ErrNoRows {
		return nil, ErrArtifactNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up artifact: %w", err)
	}
	return a, nil
}

// TouchAccess bumps last_access for LRU tracking on download.
func (r *ArtifactRepository) TouchAccess(ctx context.Context, checksum string) error {
	_, err := r.client.ExecContext(ctx, `
		UPDATE artifacts SET last_access = $1 WHERE checksum = $2`, time.Now(), checksum)
	if err != nil {
		return fmt.Errorf("failed to touch artifact access: %w", err)
	}
	return nil
}

// TotalSize returns the sum of all cached artifact sizes.
func (r *ArtifactRepository) TotalSize(ctx context.Context) (int64, error) {
	var total sql.NullInt64
	err := r.client.QueryRowContext(ctx, `SELECT SUM(size_bytes) FROM artifacts`).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum artifact sizes: %w", err)
	}
	return total.Int64, nil
}

// LeastRecentlyUsed returns up to limit checksums ordered oldest-access-first,
// the eviction candidate set for pkg/artifact's LRU sweep.
func (r *ArtifactRepository) LeastRecentlyUsed(ctx context.Context, limit int) ([]string, error) {
	rows, err := r.client.QueryContext(ctx, `
		SELECT checksum FROM artifacts ORDER BY last_access ASC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query LRU candidates: %w", err)
	}
	defer rows.Close()

	var checksums []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("failed to scan checksum: %w", err)
		}
		checksums = append(checksums, c)
	}
	return checksums, rows.Err()
}

// Delete removes an artifact's index row. The artifact store's eviction
// removes the backing file first and calls Delete once the file is gone.
func (r *ArtifactRepository) Delete(ctx context.Context, checksum string) error {
	_, err := r.client.ExecContext(ctx, `DELETE FROM artifacts WHERE checksum = $1`, checksum)
	if err != nil {
		return fmt.Errorf("failed to delete artifact: %w", err)
	}
	return nil
}
