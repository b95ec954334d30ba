package workerclient

import (
	"errors"
	"math"
	"math/big"
)

// ErrCostOverflow is returned when a cost calculation would wrap. Costs are
// settled on-chain in the token's smallest unit; silent wraparound here
// would corrupt settlement, so overflow is an error, never a modulo.
var ErrCostOverflow = errors.New("cost calculation overflow")

// ErrInsufficientEscrow is the pre-check failure reported as the
// insufficient_payment error classification.
var ErrInsufficientEscrow = errors.New("escrowed payment below the job's minimum cost")

// PriceSchedule converts consumed resources to cost in the token's smallest
// unit.
type PriceSchedule struct {
	PerMillionInstructions int64
	PerCompileSecond       int64
	BaseFee                int64
}

// DefaultPriceSchedule is the schedule applied when the operator configures
// none.
func DefaultPriceSchedule() PriceSchedule {
	return PriceSchedule{PerMillionInstructions: 100, PerCompileSecond: 1_000, BaseFee: 10_000}
}

// Cost computes the settlement cost for a job's consumed resources,
// erroring on overflow rather than wrapping.
func (p PriceSchedule) Cost(fuelConsumed uint64, compileMillis int64) (int64, error) {
	if fuelConsumed > math.MaxInt64 {
		return 0, ErrCostOverflow
	}

	fuelCost, ok := mulCheck(int64(fuelConsumed/1_000_000)+1, p.PerMillionInstructions)
	if !ok {
		return 0, ErrCostOverflow
	}
	compileCost, ok := mulCheck((compileMillis/1000)+1, p.PerCompileSecond)
	if !ok {
		return 0, ErrCostOverflow
	}
	if compileMillis == 0 {
		compileCost = 0
	}

	total, ok := addCheck(p.BaseFee, fuelCost)
	if !ok {
		return 0, ErrCostOverflow
	}
	total, ok = addCheck(total, compileCost)
	if !ok {
		return 0, ErrCostOverflow
	}
	return total, nil
}

// CheckEscrow pre-checks the request's escrowed amount (a decimal string in
// the token's smallest unit) against the schedule's minimum charge. Runs
// before execution so an underfunded request never consumes worker
// resources.
func (p PriceSchedule) CheckEscrow(escrow string) error {
	amount, ok := new(big.Int).SetString(escrow, 10)
	if !ok || amount.Sign() < 0 {
		return ErrInsufficientEscrow
	}
	if amount.Cmp(big.NewInt(p.BaseFee)) < 0 {
		return ErrInsufficientEscrow
	}
	return nil
}

// RefundHint computes the proportional-refund hint carried on failed
// executions: the share of the fuel budget left unconsumed when the module
// trapped. The contract applies its own refund policy; this is advisory.
func RefundHint(fuelConsumed, fuelCeiling uint64) float64 {
	if fuelCeiling == 0 || fuelConsumed >= fuelCeiling {
		return 0
	}
	return float64(fuelCeiling-fuelConsumed) / float64(fuelCeiling)
}

func mulCheck(a, b int64) (int64, bool) {
	if a == 0 || b == 0 {
		return 0, true
	}
	result := a * b
	if result/b != a {
		return 0, false
	}
	return result, true
}

func addCheck(a, b int64) (int64, bool) {
	result := a + b
	if (b > 0 && result < a) || (b < 0 && result > a) {
		return 0, false
	}
	return result, true
}
