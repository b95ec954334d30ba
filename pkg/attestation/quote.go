// Package attestation generates and verifies hardware TEE attestation
// quotes. A quote cryptographically binds a 5-component measurement tuple
// (spec.md §4.8: mrtd, rtmr0-3) and a caller-supplied payload (a public key
// plus a registration challenge, or a job's output digest) to the
// platform's identity. In TEE_MODE=tdx this calls into the platform's quote
// interface; in TEE_MODE=none (development, CI) it produces a
// self-consistent simulated quote so the rest of the pipeline is
// exercisable without real TDX hardware.
package attestation

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/near-outlayer/outlayer-go/pkg/policy"
)

// Mode selects how quotes are produced.
type Mode string

const (
	ModeNone Mode = "none" // development: simulated quotes, no real TEE
	ModeTDX  Mode = "tdx"  // production: Intel TDX quote interface
)

// ErrNoTEE is returned when ModeTDX is requested but no TDX interface is
// available on the host (e.g. running outside a TDX guest).
var ErrNoTEE = errors.New("no TDX attestation interface available on this host")

// Quote is a hardware-signed document binding Measurements and Payload to
// this platform's identity.
type Quote struct {
	Measurements policy.MeasurementTuple
	Payload      []byte
	Signature    []byte // binds Measurements||Payload under the platform's quoting key
	GeneratedAt  time.Time
}

// Digest returns the measurement digest recorded on registration and in the
// worker registry (`last_measurement_digest`).
func (q *Quote) Digest() string {
	return q.Measurements.Digest()
}

// Generator produces quotes for this host.
type Generator struct {
	mode Mode
	// simKey simulates the platform's quoting key in ModeNone so signatures
	// are self-consistent and verifiable without real hardware.
	simKey ed25519.PrivateKey
	// simMeasurements are the fixed measurement tuple reported in ModeNone.
	simMeasurements policy.MeasurementTuple
}

// NewGenerator creates a quote generator for the given TEE mode. In
// ModeNone, simMeasurements is the tuple every simulated quote reports
// (typically a dev/CI allow-listed entry).
func NewGenerator(mode Mode, simMeasurements policy.MeasurementTuple) (*Generator, error) {
	g := &Generator{mode: mode, simMeasurements: simMeasurements}
	if mode == ModeNone {
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("failed to generate simulated quoting key: %w", err)
		}
		g.simKey = priv
	}
	return g, nil
}

// Generate produces a quote binding payload to this host's measurements.
func (g *Generator) Generate(payload []byte) (*Quote, error) {
	switch g.mode {
	case ModeTDX:
		return generateTDXQuote(payload)
	case ModeNone:
		msg := quoteMessage(g.simMeasurements, payload)
		sig := ed25519.Sign(g.simKey, msg)
		return &Quote{
			Measurements: g.simMeasurements,
			Payload:      payload,
			Signature:    sig,
			GeneratedAt:  time.Now(),
		}, nil
	default:
		return nil, fmt.Errorf("unknown attestation mode %q", g.mode)
	}
}

func quoteMessage(m policy.MeasurementTuple, payload []byte) []byte {
	mac := hmac.New(sha256.New, []byte("OUTLAYER_QUOTE_V1"))
	mac.Write([]byte(m.Digest()))
	mac.Write(payload)
	return mac.Sum(nil)
}

// Verifier checks a quote against the allow-listed measurement tuples and,
// in ModeNone, the simulated quoting key (test/dev only).
type Verifier struct {
	allowlist *policy.AttestationAllowlist
	devKey    ed25519.PublicKey // set only for ModeNone round-trip tests
}

// NewVerifier creates a verifier enforcing allowlist.
func NewVerifier(allowlist *policy.AttestationAllowlist) *Verifier {
	return &Verifier{allowlist: allowlist}
}

// WithDevKey configures the verifier to additionally check simulated
// (ModeNone) signatures against a known public key, used in tests that
// exercise the full registration flow without TDX hardware.
func (v *Verifier) WithDevKey(pub ed25519.PublicKey) *Verifier {
	v.devKey = pub
	return v
}

// Verify checks that q's measurement tuple is allow-listed. Partial matches
// are rejected outright (prevents debug/SSH-enabled images from registering
// under a near-miss measurement).
func (v *Verifier) Verify(q *Quote) error {
	if !v.allowlist.Allowed(q.Measurements) {
		return fmt.Errorf("measurement tuple %s is not allow-listed", q.Digest())
	}
	if v.devKey != nil {
		msg := quoteMessage(q.Measurements, q.Payload)
		if !ed25519.Verify(v.devKey, msg, q.Signature) {
			return errors.New("simulated quote signature invalid")
		}
	}
	return nil
}

// generateTDXQuote calls into the host's TDX quote-generation interface
// (the TDX guest driver's GetQuote ioctl on Linux). Real invocation is
// platform-specific and out of scope for this environment's build; callers
// that request ModeTDX outside a TDX guest get ErrNoTEE rather than a
// silently fabricated quote.
func generateTDXQuote(payload []byte) (*Quote, error) {
	return nil, ErrNoTEE
}
