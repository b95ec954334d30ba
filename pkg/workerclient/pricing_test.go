package workerclient

import (
	"errors"
	"math"
	"testing"
)

func TestCostScalesWithFuelAndCompileTime(t *testing.T) {
	p := DefaultPriceSchedule()

	base, err := p.Cost(0, 0)
	if err != nil {
		t.Fatal(err)
	}
	fuelHeavy, err := p.Cost(500_000_000, 0)
	if err != nil {
		t.Fatal(err)
	}
	if fuelHeavy <= base {
		t.Fatalf("fuel-heavy cost %d not above base %d", fuelHeavy, base)
	}

	withCompile, err := p.Cost(0, 45_000)
	if err != nil {
		t.Fatal(err)
	}
	if withCompile <= base {
		t.Fatalf("compile cost %d not above base %d", withCompile, base)
	}
}

func TestCostNeverSilentlyWraps(t *testing.T) {
	p := PriceSchedule{PerMillionInstructions: math.MaxInt64, PerCompileSecond: 1, BaseFee: 1}
	if _, err := p.Cost(10_000_000, 0); !errors.Is(err, ErrCostOverflow) {
		t.Fatalf("expected ErrCostOverflow, got %v", err)
	}

	p = PriceSchedule{PerMillionInstructions: 1, PerCompileSecond: 1, BaseFee: math.MaxInt64}
	if _, err := p.Cost(2_000_000, 0); !errors.Is(err, ErrCostOverflow) {
		t.Fatalf("expected ErrCostOverflow on add, got %v", err)
	}

	if _, err := DefaultPriceSchedule().Cost(math.MaxUint64, 0); !errors.Is(err, ErrCostOverflow) {
		t.Fatalf("expected ErrCostOverflow on uint64 fuel, got %v", err)
	}
}

func TestCheckEscrow(t *testing.T) {
	p := DefaultPriceSchedule()

	if err := p.CheckEscrow("1000000000000000000000000"); err != nil {
		t.Fatalf("well-funded escrow rejected: %v", err)
	}
	for _, escrow := range []string{"0", "1", "-5", "not-a-number", ""} {
		if err := p.CheckEscrow(escrow); !errors.Is(err, ErrInsufficientEscrow) {
			t.Errorf("CheckEscrow(%q) = %v, want ErrInsufficientEscrow", escrow, err)
		}
	}
}

func TestRefundHint(t *testing.T) {
	if got := RefundHint(250, 1000); got != 0.75 {
		t.Fatalf("RefundHint(250,1000) = %v", got)
	}
	if got := RefundHint(1000, 1000); got != 0 {
		t.Fatalf("exhausted fuel should hint zero refund, got %v", got)
	}
	if got := RefundHint(5, 0); got != 0 {
		t.Fatalf("zero ceiling should hint zero refund, got %v", got)
	}
}

func TestABIForTarget(t *testing.T) {
	if abi, err := ABIForTarget(TargetWasip1Legacy); err != nil || abi != 1 {
		t.Fatalf("legacy target: abi=%v err=%v", abi, err)
	}
	if abi, err := ABIForTarget(TargetWasip1); err != nil || abi != 2 {
		t.Fatalf("current target: abi=%v err=%v", abi, err)
	}
	if _, err := ABIForTarget("wasm64-unknown"); err == nil {
		t.Fatal("unknown target accepted")
	}
}
