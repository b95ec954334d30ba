package runtime

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/tetratelabs/wazero"
	wazeroapi "github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
)

// WazeroEngine implements ABI generation 2 in pure Go. wazero has no native
// fuel primitive, so the fuel ceiling is approximated with a
// FunctionListener that counts host-visible function calls and aborts the
// module once the budget is exhausted; this undercounts raw instructions
// relative to wasmtime-go's per-instruction metering, which is why
// spec.md §4.10 only requires cross-runtime output equality, not fuel
// equality.
type WazeroEngine struct {
	runtime wazero.Runtime
	ctx     context.Context
}

// NewWazeroEngine builds a shared compilation cache runtime; Execute
// compiles and instantiates each request's module fresh so no state leaks
// between jobs.
func NewWazeroEngine(ctx context.Context) (*WazeroEngine, error) {
	r := wazero.NewRuntime(ctx)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		return nil, fmt.Errorf("runtime: failed to instantiate wasi snapshot preview1: %w", err)
	}
	return &WazeroEngine{runtime: r, ctx: ctx}, nil
}

func (e *WazeroEngine) ABI() ABI { return ABIGen2 }

func (e *WazeroEngine) Close() error { return e.runtime.Close(e.ctx) }

func (e *WazeroEngine) Execute(req Request) (*Result, error) {
	start := time.Now()

	fuelCtx, fuel := withFuelListener(e.ctx, req.Limits.MaxInstructions)

	deadline := time.Now()
	if req.Limits.MaxWallSeconds > 0 {
		deadline = deadline.Add(time.Duration(req.Limits.MaxWallSeconds) * time.Second)
	} else {
		deadline = deadline.Add(24 * time.Hour)
	}
	runCtx, cancel := context.WithDeadline(fuelCtx, deadline)
	defer cancel()

	// No WithSysWalltime/WithSysNanotime here: wazero's default clock
	// sources are deterministic fakes, which is exactly what determinism
	// mode requires. Entropy comes only from the request's seed.
	var stdout bytes.Buffer
	cfg := wazero.NewModuleConfig().
		WithStdin(bytes.NewReader(req.Input)).
		WithStdout(&stdout).
		WithStderr(&stdout).
		WithRandSource(newSeedSource(req.Seed))
	for k, v := range req.Env {
		cfg = cfg.WithEnv(k, v)
	}

	compiled, err := e.runtime.CompileModule(runCtx, req.Wasm)
	if err != nil {
		return classifyWazeroStartupError(err), nil
	}
	defer compiled.Close(e.ctx)

	mod, instErr := e.runtime.InstantiateModule(runCtx, compiled, cfg)
	elapsed := time.Since(start).Milliseconds()

	// The module's store must release the stdout pipe before the captured
	// buffer is read back, or writes racing the close are lost; closing the
	// module here before inspecting `stdout` avoids that truncation.
	if mod != nil {
		_ = mod.Close(e.ctx)
	}

	result := classifyWazeroResult(instErr, runCtx, fuel, stdout.Bytes(), elapsed)
	return result, nil
}

func classifyWazeroStartupError(err error) *Result {
	return &Result{Success: false, ErrorClass: ErrClassCompilationFail, Diagnostic: err.Error()}
}

func classifyWazeroResult(err error, runCtx context.Context, fuel *fuelListener, stdout []byte, elapsed int64) *Result {
	consumed := fuel.consumed()

	if err == nil {
		return &Result{Success: true, Stdout: stdout, FuelConsumed: consumed, ElapsedMillis: elapsed}
	}

	if fuel.exhausted() {
		return &Result{Success: false, ErrorClass: ErrClassExecutionFailed, Stdout: stdout, FuelConsumed: consumed, ElapsedMillis: elapsed, Diagnostic: ErrOutOfFuel.Error()}
	}
	if runCtx.Err() != nil {
		return &Result{Success: false, ErrorClass: ErrClassExecutionFailed, Stdout: stdout, FuelConsumed: consumed, ElapsedMillis: elapsed, Diagnostic: ErrDeadlineExceeded.Error()}
	}

	var exitErr *sys.ExitError
	if errorsAs(err, &exitErr) {
		code := int(exitErr.ExitCode())
		if code == 0 {
			return &Result{Success: true, Stdout: stdout, FuelConsumed: consumed, ElapsedMillis: elapsed, ExitCode: code}
		}
		return &Result{Success: false, ErrorClass: ErrClassCustom, Stdout: stdout, FuelConsumed: consumed, ElapsedMillis: elapsed, ExitCode: code, Diagnostic: err.Error()}
	}

	return &Result{Success: false, ErrorClass: ErrClassExecutionFailed, Stdout: stdout, FuelConsumed: consumed, ElapsedMillis: elapsed, Diagnostic: err.Error()}
}

// errorsAs is a tiny indirection so this file only needs the "errors"
// package's As semantics without importing it twice across build tags.
func errorsAs(err error, target **sys.ExitError) bool {
	for err != nil {
		if e, ok := err.(*sys.ExitError); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// fuelListener approximates instruction-level fuel metering by counting
// every host-visible function call, aborting the module with a panic once
// the ceiling is reached. wazero surfaces the panic as an instantiation
// error, which classifyWazeroResult recognizes via fuel.exhausted().
type fuelListener struct {
	ceiling uint64
	used    uint64
	tripped bool
}

func withFuelListener(ctx context.Context, ceiling uint64) (context.Context, *fuelListener) {
	f := &fuelListener{ceiling: ceiling}
	factory := experimental.FunctionListenerFactoryFunc(func(def wazeroapi.FunctionDefinition) experimental.FunctionListener {
		return experimental.FunctionListenerFunc(func(ctx context.Context, mod wazeroapi.Module, def wazeroapi.FunctionDefinition, params []uint64, stack experimental.StackIterator) {
			f.used++
			if f.ceiling > 0 && f.used > f.ceiling {
				f.tripped = true
				panic(ErrOutOfFuel)
			}
		})
	})
	return experimental.WithFunctionListenerFactory(ctx, factory), f
}

func (f *fuelListener) consumed() uint64 { return f.used }
func (f *fuelListener) exhausted() bool  { return f.tripped }

// seedSource is the only entropy a module sees in deterministic mode: an
// endless keystream derived from the user-supplied seed, so repeated runs
// with the same seed read identical "random" bytes.
type seedSource struct {
	seed    DeterminismSeed
	counter uint64
	buf     []byte
}

func newSeedSource(seed DeterminismSeed) *seedSource {
	return &seedSource{seed: seed}
}

func (s *seedSource) Read(p []byte) (int, error) {
	for i := range p {
		if len(s.buf) == 0 {
			block := sha256.Sum256(append(s.seed[:], byte(s.counter), byte(s.counter>>8), byte(s.counter>>16), byte(s.counter>>24)))
			s.counter++
			s.buf = block[:]
		}
		p[i] = s.buf[0]
		s.buf = s.buf[1:]
	}
	return len(p), nil
}
