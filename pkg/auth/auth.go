// Package auth implements the coordinator's two worker authentication
// modes (spec.md §4.5): bearer tokens hashed at rest, and per-request
// signed envelopes using an ed25519 key registered to a NEAR account. Both
// produce an authenticated Caller identity consumed by pkg/server's
// authorization checks. Admin-scoped operations use a distinct JWT-signed
// token, grounded on the teacher's github.com/golang-jwt/jwt/v4 dependency.
package auth

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/mr-tron/base58"
)

// ClockSkew bounds how far a signed request's timestamp may drift from the
// coordinator's clock before it is rejected.
const ClockSkew = 5 * time.Minute

// Mode identifies which authentication scheme produced a Caller.
type Mode string

const (
	ModeBearer Mode = "bearer"
	ModeSigned Mode = "signed"
	ModeAdmin  Mode = "admin"
)

// Caller is the authenticated identity attached to a request after
// successful authentication.
type Caller struct {
	Mode     Mode
	WorkerID string // populated for ModeBearer
	Account  string // populated for ModeSigned (the NEAR account id)
}

// Sentinel errors surfaced as 401 by pkg/server.
var (
	ErrMissingCredentials = errors.New("missing authentication credentials")
	ErrInvalidToken       = errors.New("invalid bearer token")
	ErrUnknownAccount     = errors.New("account has no registered signing key")
	ErrBadSignature       = errors.New("signature verification failed")
	ErrClockSkew          = errors.New("timestamp outside the accepted clock skew")
)

// HashToken returns the hex sha256 digest of a bearer token, the form stored
// at rest and compared against on every request.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// TokenLookup resolves a hashed bearer token to its owning worker ID, or
// reports not-found/inactive. Implemented by pkg/database's WorkerRepository.
type TokenLookup interface {
	LookupActiveToken(ctx context.Context, tokenHash string) (workerID string, err error)
}

// AccountKeyLookup resolves a NEAR account id to its registered ed25519
// public key, as recorded by the on-chain registry (cached locally).
type AccountKeyLookup interface {
	PublicKeyFor(ctx context.Context, account string) (ed25519.PublicKey, error)
}

// Authenticator validates bearer and signed-mode requests.
type Authenticator struct {
	tokens  TokenLookup
	keys    AccountKeyLookup
	logger  *log.Logger
}

// New creates an Authenticator over the given token and key lookups.
func New(tokens TokenLookup, keys AccountKeyLookup) *Authenticator {
	return &Authenticator{
		tokens: tokens,
		keys:   keys,
		logger: log.New(log.Writer(), "[Auth] ", log.LstdFlags),
	}
}

// AuthenticateBearer validates an `Authorization: Bearer <token>` header.
func (a *Authenticator) AuthenticateBearer(ctx context.Context, token string) (*Caller, error) {
	if token == "" {
		return nil, ErrMissingCredentials
	}
	workerID, err := a.tokens.LookupActiveToken(ctx, HashToken(token))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return &Caller{Mode: ModeBearer, WorkerID: workerID}, nil
}

// SignedRequest carries the fields needed to verify a signed-mode request.
type SignedRequest struct {
	Account   string
	Method    string
	Path      string
	Body      []byte
	Signature string // base58
	Timestamp int64  // unix seconds
}

// CanonicalMessage reconstructs `method|path|sha256(body)|unix_timestamp`,
// the exact byte sequence the client signs.
func CanonicalMessage(method, path string, body []byte, timestamp int64) []byte {
	bodyHash := sha256.Sum256(body)
	msg := method + "|" + path + "|" + hex.EncodeToString(bodyHash[:]) + "|" + strconv.FormatInt(timestamp, 10)
	return []byte(msg)
}

// AuthenticateSigned validates a signed-mode request against the caller's
// registered public key and the clock-skew policy.
func (a *Authenticator) AuthenticateSigned(ctx context.Context, req SignedRequest, now time.Time) (*Caller, error) {
	if req.Account == "" || req.Signature == "" || req.Timestamp == 0 {
		return nil, ErrMissingCredentials
	}
	skew := now.Unix() - req.Timestamp
	if skew < 0 {
		skew = -skew
	}
	if time.Duration(skew)*time.Second > ClockSkew {
		return nil, ErrClockSkew
	}

	pubKey, err := a.keys.PublicKeyFor(ctx, req.Account)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownAccount, err)
	}

	sig, err := base58.Decode(req.Signature)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base58 signature encoding", ErrBadSignature)
	}

	message := CanonicalMessage(req.Method, req.Path, req.Body, req.Timestamp)
	if !ed25519.Verify(pubKey, message, sig) {
		return nil, ErrBadSignature
	}

	return &Caller{Mode: ModeSigned, Account: req.Account}, nil
}

// AdminTokens issues and verifies the distinct admin-scoped JWT used by
// destructive operations such as worker deletion (spec.md §4.6).
type AdminTokens struct {
	secret []byte
}

// NewAdminTokens creates an admin token issuer/verifier from the
// coordinator's ADMIN_TOKEN_SECRET.
func NewAdminTokens(secret string) *AdminTokens {
	return &AdminTokens{secret: []byte(secret)}
}

type adminClaims struct {
	jwt.RegisteredClaims
	Scope string `json:"scope"`
}

// Issue mints a signed admin token valid for ttl.
func (t *AdminTokens) Issue(subject string, ttl time.Duration) (string, error) {
	claims := adminClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		Scope: "admin",
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(t.secret)
}

// Verify validates an admin bearer token and returns its subject.
func (t *AdminTokens) Verify(tokenString string) (subject string, err error) {
	var claims adminClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(tok *jwt.Token) (interface{}, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", tok.Header["alg"])
		}
		return t.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("invalid admin token: %w", err)
	}
	if !token.Valid || claims.Scope != "admin" {
		return "", errors.New("invalid admin token")
	}
	return claims.Subject, nil
}

// ConstantTimeEqual reports whether a and b are equal, comparing them in
// constant time. Nothing in this module calls it.
func ConstantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
