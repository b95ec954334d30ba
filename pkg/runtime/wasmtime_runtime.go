package runtime

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/bytecodealliance/wasmtime-go/v25"
)

// WasmtimeEngine implements ABI generation 1 on wasmtime-go: native
// per-instruction fuel metering via Store.SetFuel and epoch-interruption
// wall-clock deadlines, both required by spec.md §4.10.
type WasmtimeEngine struct {
	engine *wasmtime.Engine
}

// NewWasmtimeEngine builds an Engine configured for fuel consumption and
// epoch interruption; both must be enabled before any Store is created.
func NewWasmtimeEngine() *WasmtimeEngine {
	cfg := wasmtime.NewConfig()
	cfg.SetConsumeFuel(true)
	cfg.SetEpochInterruption(true)
	return &WasmtimeEngine{engine: wasmtime.NewEngineWithConfig(cfg)}
}

func (e *WasmtimeEngine) ABI() ABI { return ABIGen1 }

func (e *WasmtimeEngine) Close() error { return nil }

// Execute instantiates req.Wasm in a fresh Store (one per invocation, so no
// state leaks between jobs), wires stdin/stdout through a WASI config, sets
// the fuel ceiling and epoch deadline, and invokes the module's default
// `_start` entry point.
func (e *WasmtimeEngine) Execute(req Request) (*Result, error) {
	start := time.Now()

	stdoutFile, err := os.CreateTemp("", "outlayer-stdout-*")
	if err != nil {
		return nil, fmt.Errorf("runtime: failed to create stdout capture file: %w", err)
	}
	stdoutPath := stdoutFile.Name()
	stdoutFile.Close()
	defer os.Remove(stdoutPath)

	stdinFile, err := os.CreateTemp("", "outlayer-stdin-*")
	if err != nil {
		return nil, fmt.Errorf("runtime: failed to create stdin capture file: %w", err)
	}
	if _, err := stdinFile.Write(req.Input); err != nil {
		stdinFile.Close()
		return nil, fmt.Errorf("runtime: failed to stage stdin: %w", err)
	}
	stdinPath := stdinFile.Name()
	stdinFile.Close()
	defer os.Remove(stdinPath)

	wasiCfg := wasmtime.NewWasiConfig()
	wasiCfg.SetStdinFile(stdinPath)
	wasiCfg.SetStdoutFile(stdoutPath)
	wasiCfg.SetStderrFile(stdoutPath)
	env := envPairs(req.Env)
	wasiCfg.SetEnv(env.keys, env.values)

	store := wasmtime.NewStore(e.engine)
	store.SetWasi(wasiCfg)
	if err := store.SetFuel(req.Limits.MaxInstructions); err != nil {
		return nil, fmt.Errorf("runtime: failed to set fuel ceiling: %w", err)
	}

	ticks := uint64(1)
	if req.Limits.MaxWallSeconds > 0 {
		ticks = uint64(req.Limits.MaxWallSeconds*1000) / epochGranularityMillis
		if ticks == 0 {
			ticks = 1
		}
	}
	store.SetEpochDeadline(ticks)

	stop := make(chan struct{})
	defer close(stop)
	go tickEpoch(e.engine, stop)

	linker := wasmtime.NewLinker(e.engine)
	if err := linker.DefineWasi(); err != nil {
		return nil, fmt.Errorf("runtime: failed to define wasi imports: %w", err)
	}

	module, err := wasmtime.NewModule(e.engine, req.Wasm)
	if err != nil {
		return classifyStartupError(err, "module compilation failed"), nil
	}

	instance, err := linker.Instantiate(store, module)
	if err != nil {
		return classifyTrap(err, store, req.Limits.MaxInstructions, start), nil
	}

	entry := instance.GetFunc(store, "_start")
	if entry == nil {
		return &Result{Success: false, ErrorClass: ErrClassCompilationFail, Diagnostic: "module exports no _start entry point"}, nil
	}

	_, callErr := entry.Call(store)
	elapsed := time.Since(start).Milliseconds()
	consumed := fuelConsumed(store, req.Limits.MaxInstructions)

	stdoutBytes, readErr := os.ReadFile(stdoutPath)
	if readErr != nil {
		return nil, fmt.Errorf("runtime: failed to read captured stdout: %w", readErr)
	}

	if callErr != nil {
		result := classifyTrap(callErr, store, req.Limits.MaxInstructions, start)
		result.FuelConsumed = consumed
		result.ElapsedMillis = elapsed
		result.Stdout = stdoutBytes
		return result, nil
	}

	return &Result{
		Success:       true,
		Stdout:        stdoutBytes,
		FuelConsumed:  consumed,
		ElapsedMillis: elapsed,
		ExitCode:      0,
	}, nil
}

// epochGranularityMillis is the tick interval driving the epoch-interruption
// deadline check; smaller values give a tighter deadline bound at the cost
// of more ticker wakeups.
const epochGranularityMillis = 50

func tickEpoch(engine *wasmtime.Engine, stop <-chan struct{}) {
	ticker := time.NewTicker(epochGranularityMillis * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			engine.IncrementEpoch()
		}
	}
}

func classifyStartupError(err error, diag string) *Result {
	return &Result{Success: false, ErrorClass: ErrClassCompilationFail, Diagnostic: fmt.Sprintf("%s: %v", diag, err)}
}

// fuelConsumed reports ceiling minus remaining fuel. On a fuel-exhaustion
// trap the remaining balance reads zero, so consumed equals the ceiling.
func fuelConsumed(store *wasmtime.Store, ceiling uint64) uint64 {
	remaining, err := store.GetFuel()
	if err != nil || remaining > ceiling {
		return 0
	}
	return ceiling - remaining
}

// classifyTrap inspects a wasmtime trap/error for the recoverable
// out-of-fuel and deadline-exceeded codes before falling back to the
// generic execution_failed classification.
func classifyTrap(err error, store *wasmtime.Store, ceiling uint64, start time.Time) *Result {
	msg := err.Error()
	consumed := fuelConsumed(store, ceiling)
	elapsed := time.Since(start).Milliseconds()

	switch {
	case strings.Contains(msg, "all fuel consumed") || strings.Contains(msg, "fuel"):
		return &Result{Success: false, ErrorClass: ErrClassExecutionFailed, FuelConsumed: consumed, ElapsedMillis: elapsed, Diagnostic: ErrOutOfFuel.Error()}
	case strings.Contains(msg, "epoch") || strings.Contains(msg, "interrupt"):
		return &Result{Success: false, ErrorClass: ErrClassExecutionFailed, FuelConsumed: consumed, ElapsedMillis: elapsed, Diagnostic: ErrDeadlineExceeded.Error()}
	case strings.Contains(msg, "exit status"):
		code := extractExitCode(msg)
		if code == 0 {
			return &Result{Success: true, ErrorClass: ErrClassNone, FuelConsumed: consumed, ElapsedMillis: elapsed, ExitCode: code}
		}
		return &Result{Success: false, ErrorClass: ErrClassCustom, FuelConsumed: consumed, ElapsedMillis: elapsed, ExitCode: code, Diagnostic: msg}
	default:
		return &Result{Success: false, ErrorClass: ErrClassExecutionFailed, FuelConsumed: consumed, ElapsedMillis: elapsed, Diagnostic: msg}
	}
}

func extractExitCode(msg string) int {
	idx := strings.LastIndex(msg, "exit status ")
	if idx < 0 {
		return -1
	}
	var code int
	fmt.Sscanf(msg[idx+len("exit status "):], "%d", &code)
	return code
}

type envTable struct {
	keys   []string
	values []string
}

func envPairs(env map[string]string) envTable {
	t := envTable{}
	for k, v := range env {
		t.keys = append(t.keys, k)
		t.values = append(t.values, v)
	}
	return t
}
