// Execution History Repository - records the metrics and outcome of each
// completed or failed job, one row per job.

package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ExecutionHistoryRepository handles execution history operations.
type ExecutionHistoryRepository struct {
	client *Client
}

// NewExecutionHistoryRepository creates a new execution history repository.
func NewExecutionHistoryRepository(client *Client) *ExecutionHistoryRepository {
	return &ExecutionHistoryRepository{client: client}
}

// Record inserts one execution history row for a job.
func (r *ExecutionHistoryRepository) Record(ctx context.Context, h *ExecutionHistory) error {
	h.ID = uuid.New()
	h.CreatedAt = time.Now()

	_, err := r.client.ExecContext(ctx, `
		INSERT INTO execution_history (
			id, job_id, fuel_consumed, wall_millis, compile_millis,
			cost_smallest_unit, output, error_class, attestation_quote,
			measurement_digest, settlement_tx_ref, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		h.ID, h.JobID, h.FuelConsumed, h.WallMillis, h.CompileMillis,
		h.CostSmallestUnit, h.Output, h.ErrorClass, h.AttestationQuote,
		h.MeasurementDigest, h.SettlementTxRef, h.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record execution history: %w", err)
	}
	return nil
}

// ForJob returns the execution history row for a job, if any.
func (r *ExecutionHistoryRepository) ForJob(ctx context.Context, jobID uuid.UUID) (*ExecutionHistory, error) {
	h := &ExecutionHistory{}
	err := r.client.QueryRowContext(ctx, `
		SELECT id, job_id, fuel_consumed, wall_millis, compile_millis,
			cost_smallest_unit, output, error_class, attestation_quote,
			measurement_digest, settlement_tx_ref, created_at
		FROM execution_history WHERE job_id = $1`, jobID).Scan(
		&h.ID, &h.JobID, &h.FuelConsumed, &h.WallMillis, &h.CompileMillis,
		&h.CostSmallestUnit, &h.Output, &h.ErrorClass, &h.AttestationQuote,
		&h.MeasurementDigest, &h.SettlementTxRef, &h.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrExecutionHistoryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch execution history: %w", err)
	}
	return h, nil
}

// SetSettlementRef records the on-chain transaction reference once the
// result has been submitted to resolve_execution.
func (r *ExecutionHistoryRepository) SetSettlementRef(ctx context.Context, jobID uuid.UUID, txRef string) error {
	_, err := r.client.ExecContext(ctx, `
		UPDATE execution_history SET settlement_tx_ref = $1 WHERE job_id = $2`,
		txRef, jobID)
	if err != nil {
		return fmt.Errorf("failed to set settlement reference: %w", err)
	}
	return nil
}
