// Package server is the coordinator's HTTP surface: it authenticates and
// authorizes callers, applies the idempotency layer to mutating endpoints,
// routes to the job ledger, artifact store, and lock manager, enforces
// request-size and rate limits, and emits structured JSON errors.
package server

import (
	"context"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/near-outlayer/outlayer-go/pkg/artifact"
	"github.com/near-outlayer/outlayer-go/pkg/auth"
	"github.com/near-outlayer/outlayer-go/pkg/database"
	"github.com/near-outlayer/outlayer-go/pkg/health"
	"github.com/near-outlayer/outlayer-go/pkg/idempotency"
	"github.com/near-outlayer/outlayer-go/pkg/ledger"
	"github.com/near-outlayer/outlayer-go/pkg/policy"
)

// JobLedger is the ledger surface the API routes to, satisfied by
// *ledger.Ledger.
type JobLedger interface {
	CreateJobs(ctx context.Context, requestID int64, dataID string, kinds []ledger.JobType) ([]*ledger.Job, error)
	ClaimNext(ctx context.Context, workerID string, kinds []ledger.JobType, waitBudget time.Duration) (*ledger.Job, error)
	Complete(ctx context.Context, jobID uuid.UUID, checksum string) error
	Fail(ctx context.Context, jobID uuid.UUID, errDesc string) error
	RecordHistory(ctx context.Context, h *ledger.ExecutionHistory) error
	HistoryFor(ctx context.Context, requestID int64) ([]*ledger.Job, error)
	List(ctx context.Context, limit, offset int) ([]*ledger.Job, error)
	Stats(ctx context.Context) (map[ledger.JobStatus]int64, error)
}

// ArtifactStore is the content-addressed cache surface, satisfied by
// *artifact.Store.
type ArtifactStore interface {
	Upload(ctx context.Context, checksum string, prov artifact.Provenance, data []byte) error
	Download(ctx context.Context, checksum string) (io.ReadCloser, int64, error)
	Info(ctx context.Context, prov artifact.Provenance) (*database.Artifact, error)
}

// LockManager is the distributed-lock surface, satisfied by *lock.Manager.
type LockManager interface {
	Acquire(key, holder string, ttl time.Duration) error
	Release(key, holder string) error
	Holder(key string) (holder string, ok bool, err error)
}

// WorkerRegistry is the worker-registry surface, satisfied by
// *database.WorkerRepository.
type WorkerRegistry interface {
	Upsert(ctx context.Context, w *database.Worker) error
	Heartbeat(ctx context.Context, workerID string) error
	IncrementCounters(ctx context.Context, workerID string, completed, failed bool) error
	List(ctx context.Context) ([]*database.Worker, error)
	Delete(ctx context.Context, workerID string) error
}

// Config bounds request sizes, rates, and claim long-polling.
type Config struct {
	MaxJSONBody     int64
	MaxUploadBody   int64
	MaxClaimWait    time.Duration
	DefaultLockTTL  time.Duration
	RatePerSecond   float64
	RateBurst       int
}

// DefaultConfig caps JSON bodies at 1 MiB, uploads at 100 MiB, claim
// long-polls at 30 seconds, and mutating traffic at 200 req/s.
func DefaultConfig() Config {
	return Config{
		MaxJSONBody:    1 << 20,
		MaxUploadBody:  100 << 20,
		MaxClaimWait:   30 * time.Second,
		DefaultLockTTL: 2 * time.Minute,
		RatePerSecond:  200,
		RateBurst:      400,
	}
}

// Server composes the coordinator API.
type Server struct {
	ledger    JobLedger
	artifacts ArtifactStore
	locks     LockManager
	workers   WorkerRegistry
	auth      *auth.Authenticator
	admin     *auth.AdminTokens
	idem      *idempotency.Layer
	collector *health.Collector
	buildHosts *policy.BuildHostAllowlist
	metrics   *Metrics
	cfg       Config
	logger    *log.Logger
}

// New creates a Server. collector and metrics may be nil: with no collector
// the detailed health endpoint reports no subsystems, and with no metrics
// requests are not instrumented.
func New(
	jobLedger JobLedger,
	artifacts ArtifactStore,
	locks LockManager,
	workers WorkerRegistry,
	authenticator *auth.Authenticator,
	admin *auth.AdminTokens,
	idem *idempotency.Layer,
	collector *health.Collector,
	buildHosts *policy.BuildHostAllowlist,
	metrics *Metrics,
	cfg Config,
) *Server {
	if buildHosts == nil {
		buildHosts = policy.DefaultBuildHostAllowlist()
	}
	return &Server{
		ledger:     jobLedger,
		artifacts:  artifacts,
		locks:      locks,
		workers:    workers,
		auth:       authenticator,
		admin:      admin,
		idem:       idem,
		collector:  collector,
		buildHosts: buildHosts,
		metrics:    metrics,
		cfg:        cfg,
		logger:     log.New(log.Writer(), "[Server] ", log.LstdFlags),
	}
}

// Routes builds the coordinator's request mux. Worker endpoints require
// bearer or signed authentication, and the mutating ones pass through the
// idempotency layer;
// public reads bypass both; administrative operations require the distinct
// admin token.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	authed := func(h http.HandlerFunc) http.Handler {
		return s.withAuth(s.withIdempotency(h))
	}

	mux.Handle("POST /jobs/claim", authed(s.handleClaim))
	mux.Handle("POST /wasm/upload", authed(s.handleWasmUpload))
	mux.Handle("GET /wasm/{checksum}", s.withAuth(http.HandlerFunc(s.handleWasmDownload)))
	mux.Handle("POST /results/submit", authed(s.handleResultsSubmit))
	mux.Handle("POST /locks/acquire", authed(s.handleLockAcquire))
	mux.Handle("DELETE /locks/release/{key}", authed(s.handleLockRelease))
	mux.Handle("POST /workers/heartbeat", authed(s.handleHeartbeat))
	mux.Handle("POST /tasks/create", authed(s.handleTasksCreate))

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /health/detailed", s.handleHealthDetailed)
	mux.HandleFunc("GET /public/workers", s.handlePublicWorkers)
	mux.HandleFunc("GET /public/jobs", s.handlePublicJobs)
	mux.HandleFunc("GET /public/stats", s.handlePublicStats)
	mux.HandleFunc("GET /public/wasm/info", s.handleWasmInfo)

	mux.Handle("DELETE /admin/workers/{id}", s.withAdminAuth(s.withIdempotency(s.handleAdminWorkerDelete)))

	var handler http.Handler = mux
	handler = s.withRateLimit(handler)
	if s.metrics != nil {
		handler = s.metrics.Instrument(handler)
	}
	return handler
}
