package workerclient

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/near-outlayer/outlayer-go/pkg/attestation"
	"github.com/near-outlayer/outlayer-go/pkg/keystore"
	"github.com/near-outlayer/outlayer-go/pkg/nearrpc"
	"github.com/near-outlayer/outlayer-go/pkg/policy"
	"github.com/near-outlayer/outlayer-go/pkg/runtime"
	"github.com/near-outlayer/outlayer-go/pkg/sandbox"
	"github.com/near-outlayer/outlayer-go/pkg/submission"
)

// Reserved environment variable keys conveying execution context to the
// module. User-provided secrets are injected as additional keys.
const (
	EnvExecutionType = "OUTLAYER_EXECUTION_TYPE"
	EnvCallID        = "OUTLAYER_CALL_ID"
	EnvRequester     = "OUTLAYER_REQUESTER"
	EnvEscrowYocto   = "OUTLAYER_ESCROW_YOCTO"
)

// RequestFetcher resolves a request id to its full on-chain detail,
// satisfied by *nearrpc.Client.
type RequestFetcher interface {
	GetRequest(ctx context.Context, contractID string, requestID uint64) (*nearrpc.RequestDetail, error)
}

// ResultSubmitter settles an execute job on-chain, satisfied by
// *submission.Submitter.
type ResultSubmitter interface {
	Submit(ctx context.Context, result submission.Result) (txHash string, err error)
}

// Config bounds the worker loop.
type Config struct {
	Name               string
	ContractID         string
	CompilationEnabled bool
	ExecutionEnabled   bool
	ClaimWait          time.Duration
	LockTTL            time.Duration
	HeartbeatInterval  time.Duration
	CompileWaitTimeout time.Duration // how long an execute job waits for a sibling compile
	DefaultLimits      runtime.Limits
	Prices             PriceSchedule
}

// Worker claims jobs from the coordinator and drives them to a terminal
// state: compile jobs through the sandbox and artifact upload, execute jobs
// through the runtime pool and on-chain settlement.
type Worker struct {
	client    *Client
	compiler  *sandbox.Compiler
	pool      *runtime.Pool
	secrets   runtime.SecretsResolver
	submitter ResultSubmitter
	requests  RequestFetcher
	attestor  *attestation.Generator
	hosts     *policy.BuildHostAllowlist
	cfg       Config
	logger    *log.Logger
}

// New creates a Worker. secrets and submitter may be nil when the keystore
// or chain is not configured (results are then reported to the coordinator
// only).
func New(
	client *Client,
	compiler *sandbox.Compiler,
	pool *runtime.Pool,
	secrets runtime.SecretsResolver,
	submitter ResultSubmitter,
	requests RequestFetcher,
	attestor *attestation.Generator,
	hosts *policy.BuildHostAllowlist,
	cfg Config,
) *Worker {
	if cfg.ClaimWait <= 0 {
		cfg.ClaimWait = 20 * time.Second
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 2 * time.Minute
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	if cfg.CompileWaitTimeout <= 0 {
		cfg.CompileWaitTimeout = 5 * time.Minute
	}
	if hosts == nil {
		hosts = policy.DefaultBuildHostAllowlist()
	}
	return &Worker{
		client:    client,
		compiler:  compiler,
		pool:      pool,
		secrets:   secrets,
		submitter: submitter,
		requests:  requests,
		attestor:  attestor,
		hosts:     hosts,
		cfg:       cfg,
		logger:    log.New(log.Writer(), "[Worker] ", log.LstdFlags),
	}
}

// kinds returns the job types this worker accepts, per its mode toggles.
func (w *Worker) kinds() []string {
	var kinds []string
	if w.cfg.CompilationEnabled {
		kinds = append(kinds, "compile")
	}
	if w.cfg.ExecutionEnabled {
		kinds = append(kinds, "execute")
	}
	return kinds
}

// Run claims and processes jobs until ctx is cancelled. Claim failures back
// off with jitter so a fleet reconnecting after a coordinator restart
// doesn't stampede.
func (w *Worker) Run(ctx context.Context) error {
	kinds := w.kinds()
	if len(kinds) == 0 {
		return errors.New("worker has neither compilation nor execution enabled")
	}

	go w.heartbeatLoop(ctx)

	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		job, err := w.client.Claim(ctx, kinds, w.cfg.ClaimWait)
		if err != nil {
			var apiErr *APIError
			if errors.As(err, &apiErr) && apiErr.IsClientError() {
				return fmt.Errorf("claim rejected, not retrying: %w", err)
			}
			w.logger.Printf("claim failed: %v (retrying in ~%v)", err, backoff)
			if !sleepCtx(ctx, jitter(backoff)) {
				return ctx.Err()
			}
			backoff *= 2
			if backoff > time.Minute {
				backoff = time.Minute
			}
			continue
		}
		backoff = time.Second
		if job == nil {
			continue // long-poll expired with nothing pending
		}

		w.logger.Printf("claimed %s job %s (request %d, data_id %s)", job.JobType, job.ID, job.RequestID, job.DataID)
		if err := w.process(ctx, job); err != nil {
			w.logger.Printf("job %s: %v", job.ID, err)
		}
	}
}

func (w *Worker) heartbeatLoop(ctx context.Context) {
	digest := ""
	if w.attestor != nil {
		if q, err := w.attestor.Generate([]byte("heartbeat")); err == nil {
			digest = q.Digest()
		}
	}

	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		if err := w.client.Heartbeat(ctx, w.cfg.Name, digest); err != nil {
			w.logger.Printf("heartbeat failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *Worker) process(ctx context.Context, job *Job) error {
	detail, err := w.requests.GetRequest(ctx, w.cfg.ContractID, uint64(job.RequestID))
	if err != nil {
		return w.reportFailure(ctx, job, runtime.ErrClassInfrastructure, fmt.Sprintf("failed to fetch request detail: %v", err))
	}

	switch job.JobType {
	case "compile":
		return w.runCompile(ctx, job, detail)
	case "execute":
		return w.runExecute(ctx, job, detail)
	default:
		return w.reportFailure(ctx, job, runtime.ErrClassInfrastructure, "unknown job type "+job.JobType)
	}
}

// runCompile builds the request's source to WASM under the compile lock and
// uploads the artifact. If another worker holds the lock, this one waits for
// the artifact to appear in the cache instead of duplicating the build.
func (w *Worker) runCompile(ctx context.Context, job *Job, detail *nearrpc.RequestDetail) error {
	canonical, err := sandbox.CanonicalizeRepoURL(detail.RepoURL, w.hosts)
	if err != nil {
		return w.reportFailure(ctx, job, runtime.ErrClassCompilationFail, err.Error())
	}
	buildPath, err := sandbox.ValidateBuildPath(detail.BuildPath)
	if err != nil {
		return w.reportFailure(ctx, job, runtime.ErrClassCompilationFail, err.Error())
	}

	prov := Provenance{RepoURL: canonical, CommitHash: detail.CommitHash, BuildTarget: detail.BuildTarget}
	lockKey := fmt.Sprintf("%s@%s#%s", canonical, detail.CommitHash, detail.BuildTarget)

	if checksum, cached, _ := w.client.WasmInfo(ctx, prov); cached {
		w.logger.Printf("job %s: artifact already cached (%s)", job.ID, checksum)
		return w.reportCompileSuccess(ctx, job, checksum, 0)
	}

	if err := w.client.AcquireLock(ctx, lockKey, w.cfg.LockTTL); err != nil {
		if errors.Is(err, ErrLockHeld) {
			// Another worker is compiling this artifact; wait for its upload.
			checksum, err := w.awaitArtifact(ctx, prov)
			if err != nil {
				return w.reportFailure(ctx, job, runtime.ErrClassInfrastructure, err.Error())
			}
			return w.reportCompileSuccess(ctx, job, checksum, 0)
		}
		return w.reportFailure(ctx, job, runtime.ErrClassInfrastructure, err.Error())
	}
	defer func() {
		if err := w.client.ReleaseLock(context.WithoutCancel(ctx), lockKey); err != nil {
			w.logger.Printf("failed to release compile lock %q: %v", lockKey, err)
		}
	}()

	start := time.Now()
	result, err := w.compiler.Compile(ctx, sandbox.Request{
		RepoURL:     canonical,
		CommitHash:  detail.CommitHash,
		BuildTarget: detail.BuildTarget,
		BuildPath:   buildPath,
	})
	compileMillis := time.Since(start).Milliseconds()
	if err != nil {
		return w.reportFailure(ctx, job, runtime.ErrClassCompilationFail, err.Error())
	}

	if err := w.client.UploadWasm(ctx, result.Checksum, prov, result.Wasm); err != nil {
		return w.reportFailure(ctx, job, runtime.ErrClassInfrastructure, fmt.Sprintf("artifact upload failed: %v", err))
	}
	return w.reportCompileSuccess(ctx, job, result.Checksum, compileMillis)
}

// awaitArtifact polls the cache until the artifact a competing worker is
// building appears, bounded by CompileWaitTimeout.
func (w *Worker) awaitArtifact(ctx context.Context, prov Provenance) (string, error) {
	deadline := time.Now().Add(w.cfg.CompileWaitTimeout)
	for time.Now().Before(deadline) {
		checksum, cached, err := w.client.WasmInfo(ctx, prov)
		if err != nil {
			return "", err
		}
		if cached {
			return checksum, nil
		}
		if !sleepCtx(ctx, 2*time.Second) {
			return "", ctx.Err()
		}
	}
	return "", fmt.Errorf("timed out waiting for %s@%s to be compiled by the lock holder", prov.RepoURL, prov.CommitHash)
}

// runExecute resolves the module bytes, injects input/env/secrets, runs the
// module under fuel and wall-clock limits, settles on-chain, and reports the
// terminal state to the coordinator.
func (w *Worker) runExecute(ctx context.Context, job *Job, detail *nearrpc.RequestDetail) error {
	if err := w.cfg.Prices.CheckEscrow(detail.EscrowYocto); err != nil {
		w.settle(ctx, job, detail, nil, runtime.ErrClassInsufficientPay, err.Error(), 0)
		return w.reportFailure(ctx, job, runtime.ErrClassInsufficientPay, err.Error())
	}

	wasm, checksum, err := w.resolveModule(ctx, job, detail)
	if err != nil {
		class := runtime.ErrClassInfrastructure
		w.settle(ctx, job, detail, nil, class, err.Error(), 0)
		return w.reportFailure(ctx, job, class, err.Error())
	}

	abi, err := ABIForTarget(detail.BuildTarget)
	if err != nil {
		w.settle(ctx, job, detail, nil, runtime.ErrClassExecutionFailed, err.Error(), 0)
		return w.reportFailure(ctx, job, runtime.ErrClassExecutionFailed, err.Error())
	}

	env := map[string]string{
		EnvExecutionType: job.JobType,
		EnvCallID:        job.DataID,
		EnvRequester:     detail.RequesterAccount,
		EnvEscrowYocto:   detail.EscrowYocto,
	}
	var secretsRef *keystore.Reference
	if detail.Secrets != nil {
		if w.secrets == nil {
			diag := "request references secrets but this worker has no keystore configured"
			w.settle(ctx, job, detail, nil, runtime.ErrClassInfrastructure, diag, 0)
			return w.reportFailure(ctx, job, runtime.ErrClassInfrastructure, diag)
		}
		secretsRef = &keystore.Reference{OwnerAccount: detail.Secrets.OwnerAccount, ProfileID: detail.Secrets.ProfileID}
	}
	env, err = runtime.ResolveEnv(ctx, w.secrets, env, secretsRef)
	if err != nil {
		class := runtime.ErrClassInfrastructure
		if errors.Is(err, keystore.ErrAccessDenied) {
			class = runtime.ErrClassAccessDenied
		}
		w.settle(ctx, job, detail, nil, class, err.Error(), 0)
		return w.reportFailure(ctx, job, class, err.Error())
	}

	limits := w.cfg.DefaultLimits
	if detail.Limits.MaxInstructions > 0 {
		limits.MaxInstructions = detail.Limits.MaxInstructions
	}
	if detail.Limits.MaxMemoryMB > 0 {
		limits.MaxMemoryBytes = int64(detail.Limits.MaxMemoryMB) << 20
	}
	if detail.Limits.MaxWallSeconds > 0 {
		limits.MaxWallSeconds = detail.Limits.MaxWallSeconds
	}

	input, err := base64.StdEncoding.DecodeString(detail.InputBase64)
	if err != nil {
		w.settle(ctx, job, detail, nil, runtime.ErrClassExecutionFailed, "malformed input blob", 0)
		return w.reportFailure(ctx, job, runtime.ErrClassExecutionFailed, "malformed input blob")
	}

	// The only entropy a module sees is derived from its own input, keeping
	// repeated executions of the same request byte-identical.
	seed := runtime.DeterminismSeed(sha256.Sum256(input))

	result, err := w.pool.Execute(abi, runtime.Request{Wasm: wasm, Input: input, Env: env, Limits: limits, Seed: seed})
	if err != nil {
		w.settle(ctx, job, detail, nil, runtime.ErrClassInfrastructure, err.Error(), 0)
		return w.reportFailure(ctx, job, runtime.ErrClassInfrastructure, err.Error())
	}

	cost, err := w.cfg.Prices.Cost(result.FuelConsumed, 0)
	if err != nil {
		w.settle(ctx, job, detail, result, runtime.ErrClassInfrastructure, err.Error(), 0)
		return w.reportFailure(ctx, job, runtime.ErrClassInfrastructure, err.Error())
	}

	txHash := w.settle(ctx, job, detail, result, result.ErrorClass, result.Diagnostic, cost)

	report := ResultReport{
		JobID:            job.ID,
		Success:          result.Success,
		OutputBase64:     base64.StdEncoding.EncodeToString(result.Stdout),
		ErrorClass:       string(result.ErrorClass),
		Error:            result.Diagnostic,
		WasmChecksum:     checksum,
		FuelConsumed:     result.FuelConsumed,
		WallMillis:       result.ElapsedMillis,
		CostSmallestUnit: cost,
		SettlementTx:     txHash,
	}
	w.attachAttestation(&report, result.Stdout)
	if err := w.client.SubmitResult(ctx, report); err != nil {
		return fmt.Errorf("failed to report result: %w", err)
	}
	return nil
}

// resolveModule produces the WASM bytes for an execute job: a direct module
// checksum downloads straight from the cache; a repo source waits for the
// sibling compile job's upload when necessary.
func (w *Worker) resolveModule(ctx context.Context, job *Job, detail *nearrpc.RequestDetail) ([]byte, string, error) {
	checksum := job.WasmChecksum
	if checksum == "" && detail.ModuleChecksum != "" {
		checksum = detail.ModuleChecksum
	}
	if checksum == "" {
		canonical, err := sandbox.CanonicalizeRepoURL(detail.RepoURL, w.hosts)
		if err != nil {
			return nil, "", err
		}
		prov := Provenance{RepoURL: canonical, CommitHash: detail.CommitHash, BuildTarget: detail.BuildTarget}
		checksum, err = w.awaitArtifact(ctx, prov)
		if err != nil {
			return nil, "", err
		}
	}

	wasm, err := w.client.DownloadWasm(ctx, checksum)
	if err != nil {
		return nil, "", err
	}
	return wasm, checksum, nil
}

// settle submits resolve_execution through the TEE-resident key. A nil
// submitter (chain not configured) or a permanent rejection returns an empty
// transaction reference; the coordinator-side record still lands.
func (w *Worker) settle(ctx context.Context, job *Job, detail *nearrpc.RequestDetail, result *runtime.Result, class runtime.ErrorClass, diagnostic string, cost int64) string {
	if w.submitter == nil {
		return ""
	}

	sub := submission.Result{
		DataID:     job.DataID,
		ErrorClass: string(class),
	}
	if result != nil {
		sub.Success = result.Success
		sub.Output = result.Stdout
		sub.FuelConsumed = result.FuelConsumed
		sub.WallMillis = result.ElapsedMillis
		if !result.Success {
			sub.PartialRefundHint = RefundHint(result.FuelConsumed, detail.Limits.MaxInstructions)
		}
	}
	if !sub.Success && diagnostic != "" {
		sub.CompilationNote = diagnostic
	}

	txHash, err := w.submitter.Submit(ctx, sub)
	if err != nil {
		w.logger.Printf("settlement for data_id=%s failed: %v", job.DataID, err)
		return ""
	}
	return txHash
}

// attachAttestation binds the output digest to the platform's measurements
// so the contract can verify what code produced what bytes.
func (w *Worker) attachAttestation(report *ResultReport, output []byte) {
	if w.attestor == nil {
		return
	}
	digest := sha256.Sum256(output)
	quote, err := w.attestor.Generate([]byte(hex.EncodeToString(digest[:])))
	if err != nil {
		w.logger.Printf("failed to generate result attestation: %v", err)
		return
	}
	report.AttestationBase64 = base64.StdEncoding.EncodeToString(quote.Signature)
	report.MeasurementDigest = quote.Digest()
}

// reportCompileSuccess declares a compile job completed with its artifact
// checksum.
func (w *Worker) reportCompileSuccess(ctx context.Context, job *Job, checksum string, compileMillis int64) error {
	cost, err := w.cfg.Prices.Cost(0, compileMillis)
	if err != nil {
		return w.reportFailure(ctx, job, runtime.ErrClassInfrastructure, err.Error())
	}
	return w.client.SubmitResult(ctx, ResultReport{
		JobID:            job.ID,
		Success:          true,
		WasmChecksum:     checksum,
		CompileMillis:    compileMillis,
		CostSmallestUnit: cost,
	})
}

func (w *Worker) reportFailure(ctx context.Context, job *Job, class runtime.ErrorClass, diagnostic string) error {
	report := ResultReport{
		JobID:      job.ID,
		Success:    false,
		ErrorClass: string(class),
		Error:      diagnostic,
	}
	if err := w.client.SubmitResult(ctx, report); err != nil {
		return fmt.Errorf("failed to report failure (%s): %w", diagnostic, err)
	}
	return fmt.Errorf("job failed: %s: %s", class, diagnostic)
}

// jitter spreads d by up to 20% so a reconnecting fleet doesn't claim in
// lockstep.
func jitter(d time.Duration) time.Duration {
	spread := float64(d) * 0.2
	return d + time.Duration(rand.Float64()*spread)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
