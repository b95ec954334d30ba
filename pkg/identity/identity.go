// Package identity manages the worker's TEE-resident ed25519 keypair: it is
// generated once inside the enclave at first start, the private half never
// leaves process memory, and the public half is registered on-chain bound
// to an attestation quote. The package also drives periodic re-attestation.
package identity

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/near-outlayer/outlayer-go/pkg/attestation"
)

// Key is the worker's TEE-resident identity keypair. Only the public half
// and its hex encoding are ever logged or serialized; PrivateKey is held in
// memory for the worker process's lifetime and never written to disk.
type Key struct {
	PrivateKey ed25519.PrivateKey
	PublicKey  ed25519.PublicKey
}

// Generate creates a new ed25519 keypair using the enclave's (or, in
// TEE_MODE=none, the OS's) secure random source. Called exactly once per
// worker process lifetime, at first start.
func Generate() (*Key, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate identity keypair: %w", err)
	}
	return &Key{PrivateKey: priv, PublicKey: pub}, nil
}

// PublicKeyHex returns the hex encoding of the public half, the form
// submitted to the registry contract and logged for operators.
func (k *Key) PublicKeyHex() string {
	return hex.EncodeToString(k.PublicKey)
}

// Sign signs message with the TEE-resident private key.
func (k *Key) Sign(message []byte) []byte {
	return ed25519.Sign(k.PrivateKey, message)
}

// Public returns the public half, satisfying pkg/nearrpc's Signer.
func (k *Key) Public() ed25519.PublicKey {
	return k.PublicKey
}

// registrationChallenge is the payload a quote binds: the worker's public
// key plus a freshness nonce, preventing quote replay across registrations.
type registrationChallenge struct {
	PublicKeyHex string `json:"public_key_hex"`
	Nonce        string `json:"nonce"`
	IssuedAt     int64  `json:"issued_at"`
}

// Registrar submits (public_key, quote, collateral_reference) to the
// on-chain registry and maintains periodic re-attestation.
type Registrar struct {
	generator  *attestation.Generator
	register   RegisterFunc
	logger     *log.Logger
}

// RegisterFunc performs the on-chain registration call. Implemented by
// pkg/submission against the real contract; a test double can stub it.
type RegisterFunc func(ctx context.Context, publicKeyHex string, quote *attestation.Quote, collateralRef string) error

// NewRegistrar creates a Registrar using generator to produce quotes and
// register to submit them on-chain.
func NewRegistrar(generator *attestation.Generator, register RegisterFunc) *Registrar {
	return &Registrar{
		generator: generator,
		register:  register,
		logger:    log.New(log.Writer(), "[Identity] ", log.LstdFlags),
	}
}

// Register performs first-start registration: builds a challenge payload,
// requests a quote binding it, and submits the registration call. An
// expired collateral bundle fails fast since the registry would reject the
// quote anyway.
func (r *Registrar) Register(ctx context.Context, key *Key, collateral Collateral) error {
	if err := r.checkCollateral(collateral, time.Now()); err != nil {
		return err
	}

	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("failed to generate registration nonce: %w", err)
	}
	challenge := registrationChallenge{
		PublicKeyHex: key.PublicKeyHex(),
		Nonce:        hex.EncodeToString(nonce),
		IssuedAt:     time.Now().Unix(),
	}
	payload, err := json.Marshal(challenge)
	if err != nil {
		return fmt.Errorf("failed to build registration challenge: %w", err)
	}

	quote, err := r.generator.Generate(payload)
	if err != nil {
		return fmt.Errorf("failed to generate attestation quote: %w", err)
	}

	if err := r.register(ctx, key.PublicKeyHex(), quote, collateral.Reference); err != nil {
		return fmt.Errorf("on-chain registration rejected: %w", err)
	}

	r.logger.Printf("registered worker key %s (measurement %s)", key.PublicKeyHex(), quote.Digest())
	return nil
}

// RunReattestation re-registers on a fixed interval until ctx is cancelled,
// bounded by the platform's attestation freshness policy (spec.md §4.8,
// typically <= 1 hour). A failed re-attestation is fatal: the caller is
// expected to treat the returned error channel as a signal to exit the
// process loudly rather than continue operating on stale attestation.
func (r *Registrar) RunReattestation(ctx context.Context, key *Key, collateral Collateral, interval time.Duration) <-chan error {
	fatal := make(chan error, 1)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.Register(ctx, key, collateral); err != nil {
					r.logger.Printf("re-attestation failed: %v", err)
					fatal <- fmt.Errorf("re-attestation failed: %w", err)
					return
				}
				r.logger.Printf("re-attestation succeeded")
			}
		}
	}()
	return fatal
}
