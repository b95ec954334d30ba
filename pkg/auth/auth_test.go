package auth

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"testing"
	"time"

	"github.com/mr-tron/base58"
)

type fakeTokens map[string]string // hash -> worker id

func (f fakeTokens) LookupActiveToken(ctx context.Context, tokenHash string) (string, error) {
	if id, ok := f[tokenHash]; ok {
		return id, nil
	}
	return "", errors.New("not found")
}

type fakeKeys map[string]ed25519.PublicKey

func (f fakeKeys) PublicKeyFor(ctx context.Context, account string) (ed25519.PublicKey, error) {
	if k, ok := f[account]; ok {
		return k, nil
	}
	return nil, errors.New("unknown account")
}

func TestAuthenticateBearer(t *testing.T) {
	tokens := fakeTokens{HashToken("secret-token"): "worker-1"}
	a := New(tokens, fakeKeys{})

	caller, err := a.AuthenticateBearer(context.Background(), "secret-token")
	if err != nil {
		t.Fatalf("AuthenticateBearer: %v", err)
	}
	if caller.Mode != ModeBearer || caller.WorkerID != "worker-1" {
		t.Fatalf("unexpected caller %+v", caller)
	}

	if _, err := a.AuthenticateBearer(context.Background(), "wrong-token"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
	if _, err := a.AuthenticateBearer(context.Background(), ""); !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("expected ErrMissingCredentials, got %v", err)
	}
}

func signedRequest(t *testing.T, priv ed25519.PrivateKey, account string, body []byte, ts int64) SignedRequest {
	t.Helper()
	message := CanonicalMessage("POST", "/jobs/claim", body, ts)
	return SignedRequest{
		Account:   account,
		Method:    "POST",
		Path:      "/jobs/claim",
		Body:      body,
		Signature: base58.Encode(ed25519.Sign(priv, message)),
		Timestamp: ts,
	}
}

func TestAuthenticateSigned_RoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	a := New(fakeTokens{}, fakeKeys{"alice.near": pub})

	now := time.Now()
	req := signedRequest(t, priv, "alice.near", []byte(`{"kinds":["execute"]}`), now.Unix())
	caller, err := a.AuthenticateSigned(context.Background(), req, now)
	if err != nil {
		t.Fatalf("AuthenticateSigned: %v", err)
	}
	if caller.Mode != ModeSigned || caller.Account != "alice.near" {
		t.Fatalf("unexpected caller %+v", caller)
	}
}

func TestAuthenticateSigned_RejectsClockSkew(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(rand.Reader)
	a := New(fakeTokens{}, fakeKeys{"alice.near": pub})

	now := time.Now()
	for _, ts := range []int64{
		now.Add(-6 * time.Minute).Unix(),
		now.Add(6 * time.Minute).Unix(),
	} {
		req := signedRequest(t, priv, "alice.near", nil, ts)
		if _, err := a.AuthenticateSigned(context.Background(), req, now); !errors.Is(err, ErrClockSkew) {
			t.Errorf("timestamp %d: expected ErrClockSkew, got %v", ts, err)
		}
	}

	// Just inside the window still verifies.
	req := signedRequest(t, priv, "alice.near", nil, now.Add(-4*time.Minute).Unix())
	if _, err := a.AuthenticateSigned(context.Background(), req, now); err != nil {
		t.Errorf("4-minute-old timestamp should verify: %v", err)
	}
}

func TestAuthenticateSigned_RejectsTamperedBody(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(rand.Reader)
	a := New(fakeTokens{}, fakeKeys{"alice.near": pub})

	now := time.Now()
	req := signedRequest(t, priv, "alice.near", []byte("original"), now.Unix())
	req.Body = []byte("tampered")
	if _, err := a.AuthenticateSigned(context.Background(), req, now); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}
}

func TestAuthenticateSigned_RejectsUnknownAccountAndBadEncoding(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(rand.Reader)
	a := New(fakeTokens{}, fakeKeys{"alice.near": pub})
	now := time.Now()

	req := signedRequest(t, priv, "mallory.near", nil, now.Unix())
	if _, err := a.AuthenticateSigned(context.Background(), req, now); !errors.Is(err, ErrUnknownAccount) {
		t.Fatalf("expected ErrUnknownAccount, got %v", err)
	}

	req = signedRequest(t, priv, "alice.near", nil, now.Unix())
	req.Signature = "not!!base58!!"
	if _, err := a.AuthenticateSigned(context.Background(), req, now); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature for bad encoding, got %v", err)
	}
}

func TestAdminTokens_RoundTrip(t *testing.T) {
	tokens := NewAdminTokens("0123456789abcdef0123456789abcdef")

	token, err := tokens.Issue("ops@example", time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	subject, err := tokens.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if subject != "ops@example" {
		t.Fatalf("subject = %q", subject)
	}

	other := NewAdminTokens("a-completely-different-signing-key")
	if _, err := other.Verify(token); err == nil {
		t.Fatal("token verified under the wrong secret")
	}
}
