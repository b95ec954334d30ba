package identity

import (
	"testing"
	"time"
)

func TestCollateralStatus(t *testing.T) {
	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

	fresh := Collateral{Reference: "tcb-2026-03", ExpiresAt: now.Add(30 * 24 * time.Hour)}
	status := fresh.Status(now)
	if !status.Valid || status.NearExpiry {
		t.Fatalf("fresh collateral: %+v", status)
	}

	closing := Collateral{Reference: "tcb", ExpiresAt: now.Add(24 * time.Hour)}
	status = closing.Status(now)
	if !status.Valid || !status.NearExpiry {
		t.Fatalf("near-expiry collateral: %+v", status)
	}

	expired := Collateral{Reference: "tcb", ExpiresAt: now.Add(-time.Hour)}
	status = expired.Status(now)
	if status.Valid {
		t.Fatalf("expired collateral reported valid: %+v", status)
	}

	// No expiry metadata disables rotation tracking entirely.
	untracked := Collateral{Reference: "tcb"}
	status = untracked.Status(now)
	if !status.Valid || status.NearExpiry {
		t.Fatalf("untracked collateral: %+v", status)
	}
}

func TestCheckCollateralFailsOnExpiry(t *testing.T) {
	gen := testGenerator(t)
	r := NewRegistrar(gen, nil)
	now := time.Now()

	if err := r.checkCollateral(Collateral{Reference: "ok", ExpiresAt: now.Add(time.Hour)}, now); err != nil {
		t.Fatalf("valid collateral rejected: %v", err)
	}
	if err := r.checkCollateral(Collateral{Reference: "old", ExpiresAt: now.Add(-time.Hour)}, now); err == nil {
		t.Fatal("expired collateral accepted")
	}
}
