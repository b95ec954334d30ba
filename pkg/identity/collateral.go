package identity

import (
	"fmt"
	"time"
)

// collateralWarningWindow is how far before expiry the re-attestation loop
// starts warning operators to rotate the registry's reference data.
const collateralWarningWindow = 72 * time.Hour

// Collateral references the Intel-provided verification data (certificates,
// TCB info) the registry checks quotes against. The bundle has a limited
// validity window; registrations fail once it lapses, so operators must
// rotate it ahead of expiry.
type Collateral struct {
	Reference string
	ExpiresAt time.Time
}

// CollateralStatus classifies the bundle's remaining validity.
type CollateralStatus struct {
	Valid       bool
	NearExpiry  bool
	RemainingIn time.Duration
}

// Status reports the bundle's validity at now. A zero ExpiresAt means the
// operator supplied no expiry metadata and rotation tracking is disabled.
func (c Collateral) Status(now time.Time) CollateralStatus {
	if c.ExpiresAt.IsZero() {
		return CollateralStatus{Valid: true}
	}
	remaining := c.ExpiresAt.Sub(now)
	return CollateralStatus{
		Valid:       remaining > 0,
		NearExpiry:  remaining > 0 && remaining <= collateralWarningWindow,
		RemainingIn: remaining,
	}
}

// checkCollateral logs rotation warnings; an expired bundle is fatal since
// every subsequent registration would be rejected.
func (r *Registrar) checkCollateral(c Collateral, now time.Time) error {
	status := c.Status(now)
	if !status.Valid {
		return fmt.Errorf("attestation collateral %q expired %v ago; rotate it before re-registering", c.Reference, -status.RemainingIn)
	}
	if status.NearExpiry {
		r.logger.Printf("attestation collateral %q expires in %v; rotate soon", c.Reference, status.RemainingIn.Round(time.Hour))
	}
	return nil
}
