package database

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// JobType distinguishes the two stages a request can fan out into.
type JobType string

const (
	JobTypeCompile JobType = "compile"
	JobTypeExecute JobType = "execute"
)

// JobStatus is the monotonic lifecycle state of a job row.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusInProgress JobStatus = "in_progress"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Job is a unit of work in the ledger: either compiling an artifact or
// executing one. UNIQUE(request_id, data_id, job_type) is enforced by the
// schema, not by this type.
type Job struct {
	ID          uuid.UUID
	RequestID   int64
	DataID      string
	JobType     JobType
	Status      JobStatus
	WorkerID    sql.NullString
	WasmChecksum sql.NullString
	CreatedAt   time.Time
	ClaimedAt   sql.NullTime
	CompletedAt sql.NullTime
	Error       sql.NullString
}

// ErrorClassification is the permanent, user-facing failure category
// recorded on a completed ExecutionHistory row.
type ErrorClassification string

const (
	ErrClassNone               ErrorClassification = ""
	ErrClassAccessDenied       ErrorClassification = "access_denied"
	ErrClassCompilationFailed  ErrorClassification = "compilation_failed"
	ErrClassExecutionFailed    ErrorClassification = "execution_failed"
	ErrClassInsufficientPayment ErrorClassification = "insufficient_payment"
	ErrClassInfrastructure     ErrorClassification = "infrastructure_error"
	ErrClassCustom             ErrorClassification = "custom"
)

// ExecutionHistory records the outcome and metrics of one job.
type ExecutionHistory struct {
	ID              uuid.UUID
	JobID           uuid.UUID
	FuelConsumed    uint64
	WallMillis      int64
	CompileMillis   int64
	CostSmallestUnit int64
	Output          []byte
	ErrorClass      ErrorClassification
	AttestationQuote []byte
	MeasurementDigest string
	SettlementTxRef  sql.NullString
	CreatedAt       time.Time
}

// Artifact is the content-addressed index row for one cached WASM module.
type Artifact struct {
	Checksum    string
	RepoURL     sql.NullString
	CommitHash  sql.NullString
	BuildTarget sql.NullString
	SizeBytes   int64
	CreatedAt   time.Time
	LastAccess  time.Time
}

// WorkerStatusKind is the derived liveness classification of a worker.
type WorkerStatusKind string

const (
	WorkerOnline  WorkerStatusKind = "online"
	WorkerBusy    WorkerStatusKind = "busy"
	WorkerStale   WorkerStatusKind = "stale"
	WorkerOffline WorkerStatusKind = "offline"
)

// Worker is the registry row for one worker process.
type Worker struct {
	WorkerID              string
	Name                  string
	TokenHash             sql.NullString
	LastMeasurementDigest sql.NullString
	LastAttestedAt        sql.NullTime
	LastHeartbeat         sql.NullTime
	TasksCompleted        int64
	TasksFailed           int64
}
