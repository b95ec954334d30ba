// Package ledger is the coordinator's Job Ledger: the authoritative
// lifecycle state machine over pkg/database's Postgres-backed job rows. It
// adds the behavior the raw repository doesn't own: long-polled claiming,
// the stale-claim sweeper, and duplicate-creation-as-success idempotency
// (spec.md §4.1).
package ledger

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/near-outlayer/outlayer-go/pkg/database"
)

// Re-exported so callers depend only on pkg/ledger for job-ledger types.
type (
	Job               = database.Job
	JobType           = database.JobType
	JobStatus         = database.JobStatus
	ExecutionHistory  = database.ExecutionHistory
	ErrorClassification = database.ErrorClassification
)

const (
	JobTypeCompile = database.JobTypeCompile
	JobTypeExecute = database.JobTypeExecute
)

// ErrNoJobAvailable is returned by ClaimNext when nothing is pending within
// the wait budget.
var ErrNoJobAvailable = database.ErrNoJobAvailable

// pollInterval governs how aggressively ClaimNext re-polls the database
// while long-polling within its wait budget.
const pollInterval = 250 * time.Millisecond

// Ledger composes the job and history repositories into the spec's Job
// Ledger contract.
type Ledger struct {
	jobs    *database.JobRepository
	history *database.ExecutionHistoryRepository
	logger  *log.Logger
}

// New creates a Ledger over the given database client's repositories.
func New(jobs *database.JobRepository, history *database.ExecutionHistoryRepository) *Ledger {
	return &Ledger{
		jobs:    jobs,
		history: history,
		logger:  log.New(log.Writer(), "[Ledger] ", log.LstdFlags),
	}
}

// CreateJobs inserts one job per requested job type for (requestID,
// dataID), atomically. Duplicate creation for an already-existing
// (request_id, data_id, job_type) triple is treated as success: the unique
// constraint on the jobs table absorbs reorg/restart-induced repeats.
func (l *Ledger) CreateJobs(ctx context.Context, requestID int64, dataID string, kinds []JobType) ([]*Job, error) {
	return l.jobs.CreateJobs(ctx, requestID, dataID, kinds)
}

// ClaimNext returns one pending job of an acceptable kind, atomically
// transitioned to in_progress and stamped with workerID. It long-polls,
// re-checking every pollInterval, until waitBudget elapses or ctx is
// cancelled; it returns ErrNoJobAvailable if nothing appears in time.
func (l *Ledger) ClaimNext(ctx context.Context, workerID string, kinds []JobType, waitBudget time.Duration) (*Job, error) {
	deadline := time.Now().Add(waitBudget)
	for {
		job, err := l.jobs.ClaimNext(ctx, workerID, kinds)
		if err == nil {
			return job, nil
		}
		if !errors.Is(err, database.ErrNoJobAvailable) {
			return nil, err
		}
		if waitBudget <= 0 || time.Now().After(deadline) {
			return nil, ErrNoJobAvailable
		}

		timer := time.NewTimer(pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// Complete transitions a job from in_progress to completed.
func (l *Ledger) Complete(ctx context.Context, jobID uuid.UUID, checksum string) error {
	return l.jobs.Complete(ctx, jobID, checksum)
}

// Fail transitions a job from in_progress to failed with a terminal error
// description.
func (l *Ledger) Fail(ctx context.Context, jobID uuid.UUID, errDesc string) error {
	return l.jobs.Fail(ctx, jobID, errDesc)
}

// RecordHistory stores the execution metrics and outcome for a job.
func (l *Ledger) RecordHistory(ctx context.Context, h *ExecutionHistory) error {
	return l.history.Record(ctx, h)
}

// HistoryFor returns every job associated with a request, in creation order.
func (l *Ledger) HistoryFor(ctx context.Context, requestID int64) ([]*Job, error) {
	return l.jobs.HistoryFor(ctx, requestID)
}

// List returns a page of jobs, most recent first, for the public read API.
func (l *Ledger) List(ctx context.Context, limit, offset int) ([]*Job, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return l.jobs.List(ctx, limit, offset)
}

// Stats returns job counts keyed by status, for the public stats endpoint.
func (l *Ledger) Stats(ctx context.Context) (map[JobStatus]int64, error) {
	return l.jobs.CountByStatus(ctx)
}

// Get retrieves a single job by ID.
func (l *Ledger) Get(ctx context.Context, jobID uuid.UUID) (*Job, error) {
	return l.jobs.Get(ctx, jobID)
}

// RunStaleClaimSweeper periodically returns in_progress jobs abandoned
// beyond staleThreshold back to pending, so a crashed worker's claim becomes
// reclaimable. It runs until ctx is cancelled.
func (l *Ledger) RunStaleClaimSweeper(ctx context.Context, interval, staleThreshold time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := l.jobs.SweepStaleClaims(ctx, staleThreshold)
			if err != nil {
				l.logger.Printf("stale-claim sweep failed: %v", err)
				continue
			}
			if n > 0 {
				l.logger.Printf("recovered %d stale in_progress job(s) to pending", n)
			}
		}
	}
}
