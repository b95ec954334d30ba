// The coordinator: job ledger, artifact cache, lock manager, idempotent
// public/worker API, event ingestor, and health collector, in one process.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/near-outlayer/outlayer-go/pkg/artifact"
	"github.com/near-outlayer/outlayer-go/pkg/auth"
	"github.com/near-outlayer/outlayer-go/pkg/config"
	"github.com/near-outlayer/outlayer-go/pkg/database"
	"github.com/near-outlayer/outlayer-go/pkg/firestore"
	"github.com/near-outlayer/outlayer-go/pkg/health"
	"github.com/near-outlayer/outlayer-go/pkg/idempotency"
	"github.com/near-outlayer/outlayer-go/pkg/ingestor"
	"github.com/near-outlayer/outlayer-go/pkg/kvstore"
	"github.com/near-outlayer/outlayer-go/pkg/ledger"
	"github.com/near-outlayer/outlayer-go/pkg/lock"
	"github.com/near-outlayer/outlayer-go/pkg/nearrpc"
	"github.com/near-outlayer/outlayer-go/pkg/policy"
	"github.com/near-outlayer/outlayer-go/pkg/server"
)

// sweepInterval is how often the stale-claim sweeper scans for abandoned
// in_progress jobs.
const sweepInterval = time.Minute

func main() {
	logger := log.New(os.Stdout, "[Coordinator] ", log.LstdFlags)

	cfg := config.LoadCoordinator()
	if os.Getenv("ENVIRONMENT") == "development" {
		if err := cfg.ValidateForDevelopment(); err != nil {
			logger.Fatalf("configuration error: %v", err)
		}
	} else if err := cfg.Validate(); err != nil {
		logger.Fatalf("configuration error: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	db, err := database.NewClient(cfg.DatabaseURL)
	if err != nil {
		logger.Fatalf("database: %v", err)
	}
	defer db.Close()
	if err := db.MigrateUp(ctx); err != nil {
		logger.Fatalf("migrations: %v", err)
	}
	repos := database.NewRepositories(db)

	jobLedger := ledger.New(repos.Jobs, repos.ExecutionHistory)

	store, err := artifact.Open(cfg.ArtifactPath, repos.Artifacts, cfg.ArtifactMaxBytes)
	if err != nil {
		logger.Fatalf("artifact store: %v", err)
	}

	lockKV, err := kvstore.Open("locks", cfg.LockKVPath)
	if err != nil {
		logger.Fatalf("lock store: %v", err)
	}
	defer lockKV.Close()
	idemKV, err := kvstore.Open("idempotency", cfg.IdempotencyPath)
	if err != nil {
		logger.Fatalf("idempotency store: %v", err)
	}
	defer idemKV.Close()

	locks := lock.New(lockKV)
	idem := idempotency.New(idemKV, cfg.IdempotencyTTL)

	nearClient, err := nearrpc.Dial(ctx, cfg.NearRPCURL)
	if err != nil {
		logger.Fatalf("NEAR RPC: %v", err)
	}
	defer nearClient.Close()
	registry := nearrpc.NewRegistryCache(nearClient, cfg.NearContractID, 5*time.Minute)

	authenticator := auth.New(repos.Workers, registry)
	adminTokens := auth.NewAdminTokens(cfg.AdminTokenSecret)

	buildHosts, err := policy.LoadBuildHostAllowlist(cfg.BuildAllowlistPath)
	if err != nil {
		logger.Printf("build host allowlist: %v (using defaults)", err)
		buildHosts = policy.DefaultBuildHostAllowlist()
	}

	collector := health.NewCollector(health.DefaultConfig(),
		probeFunc{"database", func(ctx context.Context) (bool, string, error) {
			if err := db.Ping(ctx); err != nil {
				return false, "", err
			}
			return true, "", nil
		}},
		probeFunc{"near_rpc", func(ctx context.Context) (bool, string, error) {
			if _, err := nearClient.LatestBlockHeight(ctx); err != nil {
				return false, "", err
			}
			return true, "", nil
		}},
	)

	mirror, err := firestore.NewClient(ctx, firestore.ClientConfig{ProjectID: cfg.FirestoreProjectID})
	if err != nil {
		logger.Printf("firestore mirror unavailable: %v", err)
	} else {
		defer mirror.Close()
		if mirror.IsEnabled() {
			collector.OnTransition(mirror.TransitionHook())
		}
	}
	go collector.Run(ctx)

	go jobLedger.RunStaleClaimSweeper(ctx, sweepInterval, cfg.JobClaimTimeout)

	ing := ingestor.New(nearClient, jobLedger, repos.Artifacts, repos.IngestorState,
		ingestor.DefaultConfig(cfg.NearContractID))
	go ing.Run(ctx)

	reg := prometheus.NewRegistry()
	metrics := server.NewMetrics(reg)
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		if err := http.ListenAndServe(cfg.MetricsListenAddr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("metrics listener: %v", err)
		}
	}()

	api := server.New(jobLedger, store, locks, repos.Workers, authenticator, adminTokens,
		idem, collector, buildHosts, metrics, server.DefaultConfig())

	httpServer := &http.Server{
		Addr:              cfg.HTTPListenAddr,
		Handler:           api.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	logger.Printf("listening on %s (contract %s)", cfg.HTTPListenAddr, cfg.NearContractID)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatalf("http server: %v", err)
	}
	logger.Println("shutdown complete")
}

// probeFunc adapts a closure to health.Probe.
type probeFunc struct {
	name  string
	check func(ctx context.Context) (bool, string, error)
}

func (p probeFunc) Name() string { return p.name }
func (p probeFunc) Check(ctx context.Context) (bool, string, error) {
	return p.check(ctx)
}
