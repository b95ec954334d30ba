// Package runtime implements the Execution Runtime (spec.md §4.10): loads a
// WASM module, wires deterministic stdin/stdout, injects environment
// variables, and enforces fuel and wall-clock limits across two WASM/WASI
// ABI generations — wasmtime-go (native fuel metering; no clock or entropy
// hooks, so modules see the host clocks and host entropy) and wazero (pure
// Go, fuel approximated by counting function calls, wazero's built-in fake
// clocks, entropy from Request.Seed).
package runtime

import (
	"errors"
	"time"
)

// ErrorClass classifies a failed or non-success execution, matching
// spec.md §4.10's taxonomy.
type ErrorClass string

const (
	ErrClassNone             ErrorClass = ""
	ErrClassAccessDenied     ErrorClass = "access_denied"
	ErrClassCompilationFail  ErrorClass = "compilation_failed"
	ErrClassExecutionFailed  ErrorClass = "execution_failed"
	ErrClassInsufficientPay  ErrorClass = "insufficient_payment"
	ErrClassInfrastructure   ErrorClass = "infrastructure_error"
	ErrClassCustom           ErrorClass = "custom"
)

// ErrOutOfFuel is the recoverable trap reported when an invocation exhausts
// its fuel ceiling mid-execution.
var ErrOutOfFuel = errors.New("runtime: out of fuel")

// ErrDeadlineExceeded is reported when the epoch/interrupt mechanism fires
// before the module returns.
var ErrDeadlineExceeded = errors.New("runtime: wall-clock deadline exceeded")

// DeterminismSeed seeds the entropy source the wazero (generation 2) engine
// exposes to a module. The wasmtime (generation 1) engine does not use it.
type DeterminismSeed [32]byte

// FixedClock is a recognizable non-zero sentinel time (2020-01-01 UTC).
// Neither engine installs it: wazero modules read wazero's built-in fake
// clocks and wasmtime modules read the host clocks.
var FixedClock = time.Date(2020, time.January, 1, 0, 0, 0, 0, time.UTC)

// Limits bounds one invocation.
type Limits struct {
	MaxInstructions uint64
	MaxMemoryBytes  int64
	MaxWallSeconds  int
}

// Request is one execution invocation.
type Request struct {
	Wasm   []byte
	Input  []byte            // delivered on the module's stdin
	Env    map[string]string // injected as WASI environment variables
	Limits Limits
	Seed   DeterminismSeed
}

// Result is the outcome of one invocation.
type Result struct {
	Success       bool
	Stdout        []byte
	FuelConsumed  uint64
	ElapsedMillis int64
	ExitCode      int
	ErrorClass    ErrorClass
	Diagnostic    string
}

// ABI selects which WASM engine generation executes a Request.
type ABI int

const (
	// ABIGen1 uses wasmtime-go with native per-instruction fuel metering
	// and epoch-interruption wall-clock deadlines.
	ABIGen1 ABI = 1
	// ABIGen2 uses wazero, a pure-Go engine with fuel approximated by a
	// function listener that counts function calls.
	ABIGen2 ABI = 2
)

// Engine runs WASM modules under the Contract described in spec.md §4.10.
// Engine.Execute must be safe for concurrent use by multiple goroutines,
// each invocation using its own isolated store/module instance.
type Engine interface {
	ABI() ABI
	Execute(req Request) (*Result, error)
	Close() error
}
