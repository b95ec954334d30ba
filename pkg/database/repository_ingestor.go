// Ingestor State Repository - the event ingestor's persisted scan cursor.
// A single row records the last block height fully processed so the ingestor
// resumes after a restart without missing or duplicating events.

package database

import (
	"context"
	"database/sql"
	"fmt"
)

// IngestorStateRepository persists the block-scan cursor.
type IngestorStateRepository struct {
	client *Client
}

// NewIngestorStateRepository creates a new ingestor state repository.
func NewIngestorStateRepository(client *Client) *IngestorStateRepository {
	return &IngestorStateRepository{client: client}
}

// LastProcessedBlock returns the persisted cursor, or 0 if the ingestor has
// never run against this database.
func (r *IngestorStateRepository) LastProcessedBlock(ctx context.Context) (uint64, error) {
	var height int64
	err := r.client.QueryRowContext(ctx,
		`SELECT last_processed_block FROM ingestor_state WHERE singleton = true`).Scan(&height)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read ingestor state: %w", err)
	}
	return uint64(height), nil
}

// SetLastProcessedBlock advances the persisted cursor. The cursor only moves
// forward; a concurrent writer with a lower height loses.
func (r *IngestorStateRepository) SetLastProcessedBlock(ctx context.Context, height uint64) error {
	_, err := r.client.ExecContext(ctx, `
		INSERT INTO ingestor_state (singleton, last_processed_block)
		VALUES (true, $1)
		ON CONFLICT (singleton) DO UPDATE SET
			last_processed_block = GREATEST(ingestor_state.last_processed_block, EXCLUDED.last_processed_block)`,
		int64(height))
	if err != nil {
		return fmt.Errorf("failed to persist ingestor state: %w", err)
	}
	return nil
}
