package identity

import (
	"context"
	"testing"

	"github.com/near-outlayer/outlayer-go/pkg/attestation"
	"github.com/near-outlayer/outlayer-go/pkg/policy"
)

func devTuple() policy.MeasurementTuple {
	return policy.MeasurementTuple{
		MRTD: "m0", RTMR0: "r0", RTMR1: "r1", RTMR2: "r2", RTMR3: "r3",
	}
}

func testGenerator(t *testing.T) *attestation.Generator {
	t.Helper()
	gen, err := attestation.NewGenerator(attestation.ModeNone, devTuple())
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	return gen
}

func TestGenerateProducesDistinctKeys(t *testing.T) {
	a, err := Generate()
	if err != nil {
		t.Fatal(err)
	}
	b, err := Generate()
	if err != nil {
		t.Fatal(err)
	}
	if a.PublicKeyHex() == b.PublicKeyHex() {
		t.Fatal("two generated identities share a public key")
	}
	if len(a.Sign([]byte("m"))) != 64 {
		t.Fatal("unexpected signature size")
	}
}

func TestRegisterSubmitsQuoteBoundToPublicKey(t *testing.T) {
	key, err := Generate()
	if err != nil {
		t.Fatal(err)
	}

	var submitted struct {
		publicKeyHex  string
		digest        string
		collateralRef string
	}
	register := func(ctx context.Context, publicKeyHex string, quote *attestation.Quote, collateralRef string) error {
		submitted.publicKeyHex = publicKeyHex
		submitted.digest = quote.Digest()
		submitted.collateralRef = collateralRef
		return nil
	}

	r := NewRegistrar(testGenerator(t), register)
	collateral := Collateral{Reference: "tcb-bundle-1"}
	if err := r.Register(context.Background(), key, collateral); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if submitted.publicKeyHex != key.PublicKeyHex() {
		t.Fatalf("registered key %s != identity key %s", submitted.publicKeyHex, key.PublicKeyHex())
	}
	if submitted.digest != devTuple().Digest() {
		t.Fatalf("registered measurement digest %s", submitted.digest)
	}
	if submitted.collateralRef != "tcb-bundle-1" {
		t.Fatalf("collateral ref %s", submitted.collateralRef)
	}
}

func TestRegisterRejectedMeasurementSurfacesError(t *testing.T) {
	key, err := Generate()
	if err != nil {
		t.Fatal(err)
	}

	// The on-chain registry rejecting an unlisted tuple must surface to the
	// caller, which exits the process rather than operating unattested.
	verifier := attestation.NewVerifier(&policy.AttestationAllowlist{
		Entries: []policy.MeasurementTuple{{MRTD: "other", RTMR0: "x", RTMR1: "x", RTMR2: "x", RTMR3: "x"}},
	})
	register := func(ctx context.Context, publicKeyHex string, quote *attestation.Quote, collateralRef string) error {
		return verifier.Verify(quote)
	}

	r := NewRegistrar(testGenerator(t), register)
	if err := r.Register(context.Background(), key, Collateral{Reference: "tcb"}); err == nil {
		t.Fatal("registration with unlisted measurements succeeded")
	}
}
