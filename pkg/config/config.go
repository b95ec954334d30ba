// Package config loads coordinator and worker configuration from the
// environment. Variable names are fixed by SPEC_FULL.md §A.1; renaming any
// of them here is a breaking change for every deployment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Coordinator holds the configuration for the coordinator process.
type Coordinator struct {
	DatabaseURL           string
	HTTPListenAddr        string
	JobClaimTimeout       time.Duration
	ArtifactPath          string
	ArtifactMaxBytes      int64
	LockKVPath            string
	IdempotencyPath       string
	IdempotencyTTL        time.Duration
	AdminTokenSecret      string
	NearRPCURL            string
	NearContractID        string
	AttestationPolicyPath string
	BuildAllowlistPath    string
	MetricsListenAddr     string
	FirestoreProjectID    string
}

// Worker holds the configuration for the worker process.
type Worker struct {
	CoordinatorURL         string
	AuthToken              string
	NearAccount            string
	NearRPCURL             string
	NearContractID         string
	TEEMode                string // "none" | "tdx"
	CompilationEnabled     bool
	ExecutionEnabled       bool
	CompilationMode        string // "docker" | "native"
	KeystoreURL            string
	MaxInstructionsDefault uint64
	MaxMemoryMBDefault     int
	MaxWallSecondsDefault  int
	ReattestationInterval  time.Duration
	HeartbeatInterval      time.Duration
	CollateralRef          string
	CollateralExpiry       time.Time
	SandboxWorkspace       string
}

// LoadCoordinator reads coordinator configuration from the environment,
// applying defaults for anything not explicitly set.
func LoadCoordinator() *Coordinator {
	return &Coordinator{
		DatabaseURL:           getEnv("DATABASE_URL", ""),
		HTTPListenAddr:        getEnv("HTTP_LISTEN_ADDR", ":8080"),
		JobClaimTimeout:       getEnvDuration("JOB_CLAIM_TIMEOUT", 10*time.Minute),
		ArtifactPath:          getEnv("ARTIFACT_STORE_PATH", "./data/artifacts"),
		ArtifactMaxBytes:      getEnvInt64("ARTIFACT_STORE_MAX_BYTES", 10<<30),
		LockKVPath:            getEnv("LOCK_KV_PATH", "./data/locks"),
		IdempotencyPath:       getEnv("IDEMPOTENCY_KV_PATH", "./data/idempotency"),
		IdempotencyTTL:        getEnvDuration("IDEMPOTENCY_TTL", 10*time.Minute),
		AdminTokenSecret:      getEnv("ADMIN_TOKEN_SECRET", ""),
		NearRPCURL:            getEnv("NEAR_RPC_URL", "https://rpc.mainnet.near.org"),
		NearContractID:        getEnv("NEAR_CONTRACT_ID", ""),
		AttestationPolicyPath: getEnv("ATTESTATION_POLICY_PATH", "./config/attestation_allowlist.yaml"),
		BuildAllowlistPath:    getEnv("BUILD_HOST_ALLOWLIST_PATH", "./config/build_host_allowlist.yaml"),
		MetricsListenAddr:     getEnv("METRICS_LISTEN_ADDR", ":9090"),
		FirestoreProjectID:    getEnv("FIRESTORE_PROJECT_ID", ""),
	}
}

// LoadWorker reads worker configuration from the environment.
func LoadWorker() *Worker {
	return &Worker{
		CoordinatorURL:         getEnv("COORDINATOR_URL", ""),
		AuthToken:              getEnv("WORKER_AUTH_TOKEN", ""),
		NearAccount:            getEnv("WORKER_NEAR_ACCOUNT", ""),
		NearRPCURL:             getEnv("NEAR_RPC_URL", "https://rpc.mainnet.near.org"),
		NearContractID:         getEnv("NEAR_CONTRACT_ID", ""),
		TEEMode:                getEnv("TEE_MODE", "none"),
		CompilationEnabled:     getEnvBool("COMPILATION_ENABLED", true),
		ExecutionEnabled:       getEnvBool("EXECUTION_ENABLED", true),
		CompilationMode:        getEnv("COMPILATION_MODE", "native"),
		KeystoreURL:            getEnv("KEYSTORE_URL", ""),
		MaxInstructionsDefault: uint64(getEnvInt64("MAX_INSTRUCTIONS_DEFAULT", 50_000_000)),
		MaxMemoryMBDefault:     getEnvInt("MAX_MEMORY_MB_DEFAULT", 256),
		MaxWallSecondsDefault:  getEnvInt("MAX_WALL_SECONDS_DEFAULT", 30),
		ReattestationInterval:  getEnvDuration("REATTESTATION_INTERVAL", time.Hour),
		HeartbeatInterval:      getEnvDuration("HEARTBEAT_INTERVAL", 15*time.Second),
		CollateralRef:          getEnv("ATTESTATION_COLLATERAL_REF", ""),
		CollateralExpiry:       getEnvTime("ATTESTATION_COLLATERAL_EXPIRY"),
		SandboxWorkspace:       getEnv("SANDBOX_WORKSPACE", os.TempDir()),
	}
}

// Validate enforces the required fields and rejects weak secrets. Use this
// in production; ValidateForDevelopment relaxes the same checks for local
// iteration.
func (c *Coordinator) Validate() error {
	var errs []string
	if c.DatabaseURL == "" {
		errs = append(errs, "DATABASE_URL is required")
	}
	if c.NearContractID == "" {
		errs = append(errs, "NEAR_CONTRACT_ID is required")
	}
	if len(c.AdminTokenSecret) < 32 {
		errs = append(errs, "ADMIN_TOKEN_SECRET must be at least 32 bytes")
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid coordinator configuration: %s", strings.Join(errs, "; "))
	}
	return nil
}

// ValidateForDevelopment relaxes Validate's secret-strength and
// required-field checks so the coordinator can run against a local
// Postgres without provisioning production secrets.
func (c *Coordinator) ValidateForDevelopment() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("invalid coordinator configuration: DATABASE_URL is required")
	}
	return nil
}

func (w *Worker) Validate() error {
	var errs []string
	if w.CoordinatorURL == "" {
		errs = append(errs, "COORDINATOR_URL is required")
	}
	if w.AuthToken == "" && w.NearAccount == "" {
		errs = append(errs, "either WORKER_AUTH_TOKEN or WORKER_NEAR_ACCOUNT must be set")
	}
	if w.CompilationMode != "docker" && w.CompilationMode != "native" {
		errs = append(errs, "COMPILATION_MODE must be docker or native")
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid worker configuration: %s", strings.Join(errs, "; "))
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

// getEnvTime parses an RFC 3339 timestamp; absent or malformed values yield
// the zero time (callers treat zero as "not configured").
func getEnvTime(key string) time.Time {
	v := os.Getenv(key)
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
