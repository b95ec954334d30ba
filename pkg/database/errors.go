// Package database provides sentinel errors for repository operations.
// Explicit errors instead of nil, nil returns.

package database

import "errors"

// Sentinel errors for database operations
var (
	// ErrNotFound is returned when a requested entity is not found in the database
	ErrNotFound = errors.New("entity not found")

	// ErrJobNotFound is returned when a job is not found
	ErrJobNotFound = errors.New("job not found")

	// ErrJobAlreadyTerminal is returned when a transition is attempted on a
	// job that is already completed or failed.
	ErrJobAlreadyTerminal = errors.New("job already in a terminal state")

	// ErrNoJobAvailable is returned when claim_next finds nothing pending.
	ErrNoJobAvailable = errors.New("no job available")

	// ErrExecutionHistoryNotFound is returned when a history record is missing
	ErrExecutionHistoryNotFound = errors.New("execution history not found")

	// ErrArtifactNotFound is returned when an artifact index row is missing
	ErrArtifactNotFound = errors.New("artifact not found")

	// ErrArtifactChecksumMismatch is returned when uploaded bytes disagree
	// with the declared checksum.
	ErrArtifactChecksumMismatch = errors.New("artifact checksum mismatch")

	// ErrWorkerNotFound is returned when a worker row is missing
	ErrWorkerNotFound = errors.New("worker not found")
)
