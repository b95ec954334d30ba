// Package submission signs and submits execution results to the contract's
// resolve_execution method using the TEE-resident identity key (spec.md
// §4.11), retrying transient RPC errors with exponential backoff and
// surfacing permanent errors immediately.
package submission

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"strings"
	"time"

	"github.com/near-outlayer/outlayer-go/pkg/identity"
	"github.com/near-outlayer/outlayer-go/pkg/nearrpc"
)

// permanentErrorMarkers are contract-level rejections that retrying cannot
// fix; the caller surfaces them for human attention rather than retrying.
var permanentErrorMarkers = []string{"InvalidNonce", "InvalidSignature", "NotAuthorized"}

// ErrPermanent wraps a contract rejection classified as non-retryable.
type ErrPermanent struct {
	Underlying error
}

func (e *ErrPermanent) Error() string { return e.Underlying.Error() }
func (e *ErrPermanent) Unwrap() error { return e.Underlying }

// Result is the outcome one execute job reports upstream, matching
// spec.md §3's ExecutionHistory error classification.
type Result struct {
	DataID          string
	Success         bool
	Output          []byte
	ErrorClass      string
	FuelConsumed    uint64
	WallMillis      int64
	CompileMillis   int64
	CompilationNote string

	// PartialRefundHint is the advisory unconsumed share of the fuel budget
	// on a failed execution; the contract applies its own refund policy.
	PartialRefundHint float64
}

// TransactionBuilder encodes and signs a call to the contract's
// resolve_execution method, returning a broadcast-ready payload. It is
// injected by the caller; cmd/worker supplies one built on
// nearrpc.Client.BuildFunctionCallTransaction (access-key nonce lookup,
// Borsh encoding, signing).
type TransactionBuilder func(ctx context.Context, key *identity.Key, contractID string, result Result) (nearrpc.SignedCall, error)

// Config bounds the retry loop.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultConfig mirrors the teacher submitter's three-attempt, five-second
// base delay defaults.
func DefaultConfig() Config {
	return Config{MaxAttempts: 3, BaseDelay: 5 * time.Second, MaxDelay: 2 * time.Minute}
}

// Broadcaster is the subset of *nearrpc.Client that Submitter depends on,
// narrowed to an interface so tests can substitute a fake RPC endpoint.
type Broadcaster interface {
	BroadcastTransaction(ctx context.Context, signed nearrpc.SignedCall) (*nearrpc.BroadcastResult, error)
}

// Submitter submits results to the contract and records the settlement
// transaction reference on success.
type Submitter struct {
	rpc        Broadcaster
	key        *identity.Key
	contractID string
	build      TransactionBuilder
	cfg        Config
	logger     *log.Logger
}

// New creates a Submitter. build is the caller-supplied transaction
// encoder described on TransactionBuilder.
func New(rpcClient Broadcaster, key *identity.Key, contractID string, build TransactionBuilder, cfg Config) *Submitter {
	return &Submitter{
		rpc:        rpcClient,
		key:        key,
		contractID: contractID,
		build:      build,
		cfg:        cfg,
		logger:     log.New(log.Writer(), "[Submission] ", log.LstdFlags),
	}
}

// Submit signs and broadcasts result, retrying transient RPC failures with
// exponential backoff up to cfg.MaxAttempts. It returns the settlement
// transaction hash on success.
func (s *Submitter) Submit(ctx context.Context, result Result) (string, error) {
	var lastErr error
	delay := s.cfg.BaseDelay

	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		signed, err := s.build(ctx, s.key, s.contractID, result)
		if err != nil {
			return "", fmt.Errorf("submission: failed to build transaction: %w", err)
		}

		broadcast, err := s.rpc.BroadcastTransaction(ctx, signed)
		if err == nil {
			s.logger.Printf("settled data_id=%s tx=%s", result.DataID, broadcast.TransactionHash)
			return broadcast.TransactionHash, nil
		}

		if isPermanent(err) {
			return "", &ErrPermanent{Underlying: fmt.Errorf("submission: contract rejected result for data_id=%s: %w", result.DataID, err)}
		}

		lastErr = err
		s.logger.Printf("transient submission error for data_id=%s (attempt %d/%d): %v", result.DataID, attempt, s.cfg.MaxAttempts, err)

		if attempt == s.cfg.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(jitter(delay)):
		}
		delay *= 2
		if delay > s.cfg.MaxDelay {
			delay = s.cfg.MaxDelay
		}
	}

	return "", fmt.Errorf("submission: exhausted %d attempts for data_id=%s: %w", s.cfg.MaxAttempts, result.DataID, lastErr)
}

// isPermanent reports whether err's message names one of the contract's
// non-retryable rejection codes.
func isPermanent(err error) bool {
	var perm *ErrPermanent
	if errors.As(err, &perm) {
		return true
	}
	msg := err.Error()
	for _, marker := range permanentErrorMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// jitter adds up to 20% random variance to d so many workers retrying
// simultaneously don't all re-submit in lockstep.
func jitter(d time.Duration) time.Duration {
	spread := float64(d) * 0.2
	return d + time.Duration(rand.Float64()*spread)
}
