// The worker: generates its TEE-resident identity key, registers it
// on-chain bound to an attestation quote, then claims compile and execute
// jobs from the coordinator until terminated.
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/near-outlayer/outlayer-go/pkg/attestation"
	"github.com/near-outlayer/outlayer-go/pkg/config"
	"github.com/near-outlayer/outlayer-go/pkg/identity"
	"github.com/near-outlayer/outlayer-go/pkg/keystore"
	"github.com/near-outlayer/outlayer-go/pkg/nearrpc"
	"github.com/near-outlayer/outlayer-go/pkg/policy"
	"github.com/near-outlayer/outlayer-go/pkg/runtime"
	"github.com/near-outlayer/outlayer-go/pkg/sandbox"
	"github.com/near-outlayer/outlayer-go/pkg/submission"
	"github.com/near-outlayer/outlayer-go/pkg/workerclient"
)

func main() {
	logger := log.New(os.Stdout, "[WorkerMain] ", log.LstdFlags)

	cfg := config.LoadWorker()
	if err := cfg.Validate(); err != nil {
		logger.Printf("configuration error: %v", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	key, err := identity.Generate()
	if err != nil {
		logger.Printf("identity: %v", err)
		os.Exit(1)
	}
	logger.Printf("worker identity %s (TEE mode %s)", key.PublicKeyHex(), cfg.TEEMode)

	attestor, err := attestation.NewGenerator(attestation.Mode(cfg.TEEMode), devMeasurements())
	if err != nil {
		logger.Printf("attestation: %v", err)
		os.Exit(1)
	}

	nearClient, err := nearrpc.Dial(ctx, cfg.NearRPCURL)
	if err != nil {
		logger.Printf("NEAR RPC: %v", err)
		os.Exit(1)
	}
	defer nearClient.Close()

	var fatalReattestation <-chan error
	if cfg.NearAccount != "" {
		collateral := identity.Collateral{Reference: cfg.CollateralRef, ExpiresAt: cfg.CollateralExpiry}
		registrar := identity.NewRegistrar(attestor, registerOnChain(nearClient, key, cfg))
		if err := registrar.Register(ctx, key, collateral); err != nil {
			// Attestation rejection is fatal: an unlisted measurement tuple
			// must never operate (spec scenario: worker exits loudly).
			logger.Printf("registration failed: %v", err)
			os.Exit(1)
		}
		fatalReattestation = registrar.RunReattestation(ctx, key, collateral, cfg.ReattestationInterval)
	}

	var client *workerclient.Client
	if cfg.AuthToken != "" {
		client = workerclient.NewBearer(cfg.CoordinatorURL, cfg.AuthToken)
	} else {
		client = workerclient.NewSigned(cfg.CoordinatorURL, cfg.NearAccount, key)
	}

	compiler := sandbox.New(
		sandbox.Mode(cfg.CompilationMode),
		sandbox.Limits{
			WallClock:  10 * time.Minute,
			MemoryMB:   2048,
			CPUSeconds: 600,
			MaxProcs:   256,
		},
		sandbox.DefaultResolver(sandbox.Mode(cfg.CompilationMode)),
		cfg.SandboxWorkspace,
	)

	pool, err := runtime.NewPool(ctx)
	if err != nil {
		logger.Printf("runtime: %v", err)
		os.Exit(1)
	}
	defer pool.Close()

	var secrets runtime.SecretsResolver
	if cfg.KeystoreURL != "" {
		secrets = keystore.New(cfg.KeystoreURL)
	}

	var submitter workerclient.ResultSubmitter
	if cfg.NearAccount != "" && cfg.NearContractID != "" {
		submitter = submission.New(nearClient, key, cfg.NearContractID,
			resolveExecutionBuilder(nearClient, cfg.NearAccount),
			submission.DefaultConfig())
	}

	hostname, _ := os.Hostname()
	worker := workerclient.New(client, compiler, pool, secrets, submitter, nearClient, attestor, policy.DefaultBuildHostAllowlist(), workerclient.Config{
		Name:               hostname,
		ContractID:         cfg.NearContractID,
		CompilationEnabled: cfg.CompilationEnabled,
		ExecutionEnabled:   cfg.ExecutionEnabled,
		HeartbeatInterval:  cfg.HeartbeatInterval,
		DefaultLimits: runtime.Limits{
			MaxInstructions: cfg.MaxInstructionsDefault,
			MaxMemoryBytes:  int64(cfg.MaxMemoryMBDefault) << 20,
			MaxWallSeconds:  cfg.MaxWallSecondsDefault,
		},
		Prices: workerclient.DefaultPriceSchedule(),
	})

	errCh := make(chan error, 1)
	go func() { errCh <- worker.Run(ctx) }()

	select {
	case err := <-fatalChan(fatalReattestation):
		logger.Printf("fatal: %v", err)
		os.Exit(1)
	case err := <-errCh:
		if err != nil && ctx.Err() == nil {
			logger.Printf("worker loop failed: %v", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		<-errCh
	}
	logger.Println("shutdown complete")
}

// registerOnChain builds the register_worker call submitted during
// (re-)attestation, signed by the TEE-resident key.
func registerOnChain(client *nearrpc.Client, key *identity.Key, cfg *config.Worker) identity.RegisterFunc {
	return func(ctx context.Context, publicKeyHex string, quote *attestation.Quote, collateralRef string) error {
		args, err := json.Marshal(map[string]interface{}{
			"public_key_hex":     publicKeyHex,
			"quote_base64":       base64.StdEncoding.EncodeToString(quote.Signature),
			"measurement_digest": quote.Digest(),
			"collateral_ref":     collateralRef,
		})
		if err != nil {
			return err
		}
		signed, err := client.BuildFunctionCallTransaction(ctx, key, nearrpc.FunctionCall{
			SignerID:   cfg.NearAccount,
			ReceiverID: cfg.NearContractID,
			Method:     "register_worker",
			ArgsJSON:   args,
		})
		if err != nil {
			return err
		}
		_, err = client.BroadcastTransaction(ctx, signed)
		return err
	}
}

// resolveExecutionBuilder encodes the contract's resolve_execution call for
// pkg/submission.
func resolveExecutionBuilder(client *nearrpc.Client, signerID string) submission.TransactionBuilder {
	return func(ctx context.Context, key *identity.Key, contractID string, result submission.Result) (nearrpc.SignedCall, error) {
		args, err := json.Marshal(map[string]interface{}{
			"data_id":             result.DataID,
			"success":             result.Success,
			"output_base64":       base64.StdEncoding.EncodeToString(result.Output),
			"error_class":         result.ErrorClass,
			"fuel_consumed":       result.FuelConsumed,
			"wall_ms":             result.WallMillis,
			"compile_ms":          result.CompileMillis,
			"compilation_note":    result.CompilationNote,
			"partial_refund_hint": result.PartialRefundHint,
		})
		if err != nil {
			return nearrpc.SignedCall{}, err
		}
		return client.BuildFunctionCallTransaction(ctx, key, nearrpc.FunctionCall{
			SignerID:   signerID,
			ReceiverID: contractID,
			Method:     "resolve_execution",
			ArgsJSON:   args,
		})
	}
}

// devMeasurements is the simulated measurement tuple reported in
// TEE_MODE=none, matching the dev entry shipped in the attestation
// allow-list.
func devMeasurements() policy.MeasurementTuple {
	return policy.MeasurementTuple{
		MRTD:  "dev-mrtd",
		RTMR0: "dev-rtmr0",
		RTMR1: "dev-rtmr1",
		RTMR2: "dev-rtmr2",
		RTMR3: "dev-rtmr3",
	}
}

// fatalChan normalizes a possibly-nil channel for select.
func fatalChan(ch <-chan error) <-chan error {
	if ch == nil {
		return make(chan error)
	}
	return ch
}
