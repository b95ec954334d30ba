// Worker Repository - the worker registry: bearer token hashes, last
// attestation measurement, heartbeat-derived liveness.

package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// WorkerRepository handles worker registry operations.
type WorkerRepository struct {
	client *Client
}

// NewWorkerRepository creates a new worker repository.
func NewWorkerRepository(client *Client) *WorkerRepository {
	return &WorkerRepository{client: client}
}

// Upsert creates or updates a worker's registry row by worker ID.
func (r *WorkerRepository) Upsert(ctx context.Context, w *Worker) error {
	_, err := r.client.ExecContext(ctx, `
		INSERT INTO worker_status (worker_id, name, token_hash, last_measurement_digest, last_attested_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (worker_id) DO UPDATE SET
			name = EXCLUDED.name,
			token_hash = COALESCE(EXCLUDED.token_hash, worker_status.token_hash),
			last_measurement_digest = EXCLUDED.last_measurement_digest,
			last_attested_at = EXCLUDED.last_attested_at`,
		w.WorkerID, w.Name, w.TokenHash, w.LastMeasurementDigest, w.LastAttestedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert worker: %w", err)
	}
	return nil
}

// Heartbeat updates the last-heartbeat timestamp for a worker.
func (r *WorkerRepository) Heartbeat(ctx context.Context, workerID string) error {
	_, err := r.client.ExecContext(ctx, `
		UPDATE worker_status SET last_heartbeat = $1 WHERE worker_id = $2`,
		time.Now(), workerID)
	if err != nil {
		return fmt.Errorf("failed to record heartbeat: %w", err)
	}
	return nil
}

// IncrementCounters bumps the lifetime task counters on job completion.
func (r *WorkerRepository) IncrementCounters(ctx context.Context, workerID string, completed, failed bool) error {
	delta := 0
	col := "tasks_completed"
	if completed {
		delta = 1
	}
	if failed {
		col = "tasks_failed"
		delta = 1
	}
	_, err := r.client.ExecContext(ctx, fmt.Sprintf(`
		UPDATE worker_status SET %s = %s + $1 WHERE worker_id = $2`, col, col),
		delta, workerID)
	if err != nil {
		return fmt.Errorf("failed to update worker counters: %w", err)
	}
	return nil
}

// Get retrieves a worker row by ID.
func (r *WorkerRepository) Get(ctx context.Context, workerID string) (*Worker, error) {
	w := &Worker{}
	err := r.client.QueryRowContext(ctx, `
		SELECT worker_id, name, token_hash, last_measurement_digest, last_attested_at,
			last_heartbeat, tasks_completed, tasks_failed
		FROM worker_status WHERE worker_id = $1`, workerID).Scan(
		&w.WorkerID, &w.Name, &w.TokenHash, &w.LastMeasurementDigest, &w.LastAttestedAt,
		&w.LastHeartbeat, &w.TasksCompleted, &w.TasksFailed,
	)
	if err == sql.ErrNoRows {
		return nil, ErrWorkerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get worker: %w", err)
	}
	return w, nil
}

// List returns all known workers for the public /public/workers endpoint.
func (r *WorkerRepository) List(ctx context.Context) ([]*Worker, error) {
	rows, err := r.client.QueryContext(ctx, `
		SELECT worker_id, name, token_hash, last_measurement_digest, last_attested_at,
			last_heartbeat, tasks_completed, tasks_failed
		FROM worker_status ORDER BY worker_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}
	defer rows.Close()

	var workers []*Worker
	for rows.Next() {
		w := &Worker{}
		if err := rows.Scan(
			&w.WorkerID, &w.Name, &w.TokenHash, &w.LastMeasurementDigest, &w.LastAttestedAt,
			&w.LastHeartbeat, &w.TasksCompleted, &w.TasksFailed,
		); err != nil {
			return nil, fmt.Errorf("failed to scan worker: %w", err)
		}
		workers = append(workers, w)
	}
	return workers, rows.Err()
}

// Status derives the worker's liveness classification from heartbeat age.
func Status(w *Worker, now time.Time) WorkerStatusKind {
	if !w.LastHeartbeat.Valid {
		return WorkerOffline
	}
	age := now.Sub(w.LastHeartbeat.Time)
	switch {
	case age < 30*time.Second:
		return WorkerOnline
	case age < 2*time.Minute:
		return WorkerBusy
	case age < 10*time.Minute:
		return WorkerStale
	default:
		return WorkerOffline
	}
}

// Delete removes a worker and its auth tokens, for the admin-scoped worker
// deletion operation.
func (r *WorkerRepository) Delete(ctx context.Context, workerID string) error {
	tx, err := r.client.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM worker_auth_tokens WHERE worker_id = $1`, workerID); err != nil {
		return fmt.Errorf("failed to delete worker tokens: %w", err)
	}
	result, err := tx.ExecContext(ctx,
		`DELETE FROM worker_status WHERE worker_id = $1`, workerID)
	if err != nil {
		return fmt.Errorf("failed to delete worker: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrWorkerNotFound
	}
	return tx.Commit()
}

// LookupActiveToken checks whether a hashed bearer token is registered and
// active, returning the owning worker ID.
func (r *WorkerRepository) LookupActiveToken(ctx context.Context, tokenHash string) (string, error) {
	var workerID string
	err := r.client.QueryRowContext(ctx, `
		SELECT worker_id FROM worker_auth_tokens WHERE token_hash = $1 AND is_active = true`,
		tokenHash).Scan(&workerID)
	if err == sql.ErrNoRows {
		return "", ErrWorkerNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up token: %w", err)
	}
	_, _ = r.client.ExecContext(ctx, `
		UPDATE worker_auth_tokens SET last_used_at = $1 WHERE token_hash = $2`,
		time.Now(), tokenHash)
	return workerID, nil
}
