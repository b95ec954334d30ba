package runtime

import (
	"context"
	"fmt"
)

// Pool owns one long-lived Engine per ABI generation and routes an
// execution request to the generation the compiled artifact targets.
// wasmtime-go's Engine and wazero's Runtime are both safe to reuse across
// many Store/Module instantiations, so a worker process builds one Pool at
// startup rather than one Engine per job.
type Pool struct {
	gen1 *WasmtimeEngine
	gen2 *WazeroEngine
}

// NewPool builds both engine generations.
func NewPool(ctx context.Context) (*Pool, error) {
	gen2, err := NewWazeroEngine(ctx)
	if err != nil {
		return nil, fmt.Errorf("runtime: failed to build wazero engine: %w", err)
	}
	return &Pool{
		gen1: NewWasmtimeEngine(),
		gen2: gen2,
	}, nil
}

// Execute dispatches req to the engine matching abi.
func (p *Pool) Execute(abi ABI, req Request) (*Result, error) {
	switch abi {
	case ABIGen1:
		return p.gen1.Execute(req)
	case ABIGen2:
		return p.gen2.Execute(req)
	default:
		return nil, fmt.Errorf("runtime: unsupported ABI generation %d", abi)
	}
}

// Close releases both engines' resources.
func (p *Pool) Close() error {
	if err := p.gen1.Close(); err != nil {
		return err
	}
	return p.gen2.Close()
}
