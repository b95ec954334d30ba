package workerclient

import (
	"fmt"

	"github.com/near-outlayer/outlayer-go/pkg/runtime"
)

// Build-target tags, one per supported WASM/WASI ABI generation. The tag is
// recorded on the job and selects both the toolchain target and the
// execution engine.
const (
	TargetWasip1Legacy = "wasm32-wasi"   // generation 1
	TargetWasip1       = "wasm32-wasip1" // generation 2
)

// ABIForTarget maps a job's canonical build-target tag to the engine
// generation that executes it.
func ABIForTarget(target string) (runtime.ABI, error) {
	switch target {
	case TargetWasip1Legacy:
		return runtime.ABIGen1, nil
	case TargetWasip1:
		return runtime.ABIGen2, nil
	default:
		return 0, fmt.Errorf("unsupported build target %q", target)
	}
}
