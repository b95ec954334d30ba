// Job Repository - the authoritative job ledger.
//
// Claim races are resolved at the row level: claim_next runs inside a
// transaction using SELECT ... FOR UPDATE SKIP LOCKED over pending rows so
// two concurrent claimants never observe the same candidate row.

package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// JobRepository handles job ledger operations.
type JobRepository struct {
	client *Client
}

// NewJobRepository creates a new job repository.
func NewJobRepository(client *Client) *JobRepository {
	return &JobRepository{client: client}
}

const jobColumns = `id, request_id, data_id, job_type, status, worker_id, wasm_checksum, created_at, claimed_at, completed_at, error`

func scanJob(row interface{ Scan(...interface{}) error }) (*Job, error) {
	j := &Job{}
	err := row.Scan(
		&j.ID, &j.RequestID, &j.DataID, &j.JobType, &j.Status, &j.WorkerID,
		&j.WasmChecksum, &j.CreatedAt, &j.ClaimedAt, &j.CompletedAt, &j.Error,
	)
	if err != nil {
		return nil, err
	}
	return j, nil
}

// CreateJobs inserts one job per requested job type for (requestID, dataID).
// Duplicate creation (same request_id/data_id/job_type triple) is treated as
// success: the unique constraint absorbs reorg/restart-induced repeats.
func (r *JobRepository) CreateJobs(ctx context.Context, requestID int64, dataID string, kinds []JobType) ([]*Job, error) {
	tx, err := r.client.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var jobs []*Job
	for _, kind := range kinds {
		id := uuid.New()
		row := tx.QueryRowContext(ctx, `
			INSERT INTO jobs (id, request_id, data_id, job_type, status, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (request_id, data_id, job_type) DO NOTHING
			RETURNING `+jobColumns,
			id, requestID, dataID, kind, JobStatusPending, time.Now(),
		)
		job, err := scanJob(row)
		if err == sql.ErrNoRows {
			// Already exists; fetch the existing row for the caller.
			existing, ferr := r.getByKeyTx(ctx, tx, requestID, dataID, kind)
			if ferr != nil {
				return nil, ferr
			}
			jobs = append(jobs, existing)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to insert job: %w", err)
		}
		jobs = append(jobs, job)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit job creation: %w", err)
	}
	return jobs, nil
}

func (r *JobRepository) getByKeyTx(ctx context.Context, tx *sql.Tx, requestID int64, dataID string, kind JobType) (*Job, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE request_id = $1 AND data_id = $2 AND job_type = $3`,
		requestID, dataID, kind)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch job: %w", err)
	}
	return job, nil
}

// ClaimNext atomically claims the oldest pending job whose type is in kinds,
// stamping workerID as claimant and transitioning it to in_progress. Returns
// ErrNoJobAvailable if nothing is pending.
func (r *JobRepository) ClaimNext(ctx context.Context, workerID string, kinds []JobType) (*Job, error) {
	if len(kinds) == 0 {
		return nil, fmt.Errorf("claim_next requires at least one job type")
	}

	tx, err := r.client.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = $1 AND job_type = ANY($2)
		ORDER BY created_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT 1`,
		JobStatusPending, pq.Array(jobTypesToStrings(kinds)))

	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, ErrNoJobAvailable
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select candidate job: %w", err)
	}

	now := time.Now()
	_, err = tx.ExecContext(ctx, `
		UPDATE jobs SET status = $1, worker_id = $2, claimed_at = $3
		WHERE id = $4`,
		JobStatusInProgress, workerID, now, job.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}

	job.Status = JobStatusInProgress
	job.WorkerID = sql.NullString{String: workerID, Valid: true}
	job.ClaimedAt = sql.NullTime{Time: now, Valid: true}
	return job, nil
}

// Complete transitions a job from in_progress to completed and records the
// artifact checksum if one was produced (compile jobs).
func (r *JobRepository) Complete(ctx context.Context, jobID uuid.UUID, checksum string) error {
	now := time.Now()
	var result sql.Result
	var err error
	if checksum != "" {
		result, err = r.client.ExecContext(ctx, `
			UPDATE jobs SET status = $1, wasm_checksum = $2, completed_at = $3
			WHERE id = $4 AND status = $5`,
			JobStatusCompleted, checksum, now, jobID, JobStatusInProgress)
	} else {
		result, err = r.client.ExecContext(ctx, `
			UPDATE jobs SET status = $1, completed_at = $2
			WHERE id = $3 AND status = $4`,
			JobStatusCompleted, now, jobID, JobStatusInProgress)
	}
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrJobAlreadyTerminal
	}
	return nil
}

// Fail transitions a job from in_progress to failed with a terminal error
// description.
func (r *JobRepository) Fail(ctx context.Context, jobID uuid.UUID, errDesc string) error {
	result, err := r.client.ExecContext(ctx, `
		UPDATE jobs SET status = $1, error = $2, completed_at = $3
		WHERE id = $4 AND status = $5`,
		JobStatusFailed, errDesc, time.Now(), jobID, JobStatusInProgress)
	if err != nil {
		return fmt.Errorf("failed to fail job: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrJobAlreadyTerminal
	}
	return nil
}

// Get retrieves a job by its ID.
func (r *JobRepository) Get(ctx context.Context, jobID uuid.UUID) (*Job, error) {
	row := r.client.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// HistoryFor returns all jobs associated with a request, in creation order.
func (r *JobRepository) HistoryFor(ctx context.Context, requestID int64) ([]*Job, error) {
	rows, err := r.client.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE request_id = $1 ORDER BY created_at ASC`, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// List returns a page of jobs, most recent first, for the public read API.
func (r *JobRepository) List(ctx context.Context, limit, offset int) ([]*Job, error) {
	rows, err := r.client.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// SweepStaleClaims returns in_progress jobs claimed before the cutoff back
// to pending, so a crashed worker's job becomes claimable again. Returns the
// number of rows recovered.
func (r *JobRepository) SweepStaleClaims(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	result, err := r.client.ExecContext(ctx, `
		UPDATE jobs SET status = $1, worker_id = NULL, claimed_at = NULL
		WHERE status = $2 AND claimed_at < $3`,
		JobStatusPending, JobStatusInProgress, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep stale claims: %w", err)
	}
	rows, _ := result.RowsAffected()
	return rows, nil
}

// CountByStatus returns job counts keyed by status, for the public stats
// endpoint.
func (r *JobRepository) CountByStatus(ctx context.Context) (map[JobStatus]int64, error) {
	rows, err := r.client.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[JobStatus]int64)
	for rows.Next() {
		var status JobStatus
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan job count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func jobTypesToStrings(kinds []JobType) []string {
	out := make([]string, len(kinds))
	for i, k := range kinds {
		out[i] = string(k)
	}
	return out
}
