package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/near-outlayer/outlayer-go/pkg/auth"
	"github.com/near-outlayer/outlayer-go/pkg/idempotency"
)

type callerKey struct{}

// callerFrom returns the authenticated caller attached by withAuth.
func callerFrom(ctx context.Context) *auth.Caller {
	c, _ := ctx.Value(callerKey{}).(*auth.Caller)
	return c
}

// callerID is the identity string used as claim stamp and lock holder: the
// worker ID for bearer mode, the NEAR account for signed mode.
func callerID(c *auth.Caller) string {
	if c == nil {
		return ""
	}
	if c.WorkerID != "" {
		return c.WorkerID
	}
	return c.Account
}

// withAuth authenticates a worker request in either mode: a bearer token in
// the Authorization header, or a signed envelope in the X-Near-* headers.
// Signed-mode verification needs the raw body, which is re-staged for the
// downstream handler.
func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var caller *auth.Caller
		var err error

		if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
			caller, err = s.auth.AuthenticateBearer(r.Context(), strings.TrimPrefix(header, "Bearer "))
		} else if account := r.Header.Get("X-Near-Account"); account != "" {
			var body []byte
			body, err = readBody(r, s.maxBodyFor(r))
			if err != nil {
				writeError(w, http.StatusBadRequest, "bad_request", err.Error())
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			timestamp, _ := strconv.ParseInt(r.Header.Get("X-Near-Timestamp"), 10, 64)
			caller, err = s.auth.AuthenticateSigned(r.Context(), auth.SignedRequest{
				Account:   account,
				Method:    r.Method,
				Path:      r.URL.Path,
				Body:      body,
				Signature: r.Header.Get("X-Near-Signature"),
				Timestamp: timestamp,
			}, time.Now())
		} else {
			err = auth.ErrMissingCredentials
		}

		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey{}, caller)))
	})
}

// withAdminAuth requires the distinct admin-scoped JWT.
func (s *Server) withAdminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "unauthorized", "admin token required")
			return
		}
		subject, err := s.admin.Verify(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
			return
		}
		caller := &auth.Caller{Mode: auth.ModeAdmin, Account: subject}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey{}, caller)))
	})
}

// withIdempotency applies the per-key dedup window when the client supplies
// an Idempotency-Key. The first request per key runs and has its response
// recorded on success; replays with a matching fingerprint get the stored
// response verbatim plus the replay marker header; a mismatched fingerprint
// is a conflict. Concurrent requests under one key serialize inside Begin.
func (s *Server) withIdempotency(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("Idempotency-Key")
		if key == "" || s.idem == nil {
			next(w, r)
			return
		}

		body, err := readBody(r, s.maxBodyFor(r))
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		fingerprint := idempotency.Fingerprint(r.Method, r.URL.Path, body)

		record, replay, err := s.idem.Begin(key, fingerprint)
		if err != nil {
			if errors.Is(err, idempotency.ErrFingerprintConflict) {
				writeError(w, http.StatusConflict, "idempotency_conflict", "idempotency key reused with a different request")
				return
			}
			writeError(w, http.StatusInternalServerError, "internal", err.Error())
			return
		}
		if replay {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Idempotency-Replay", "true")
			w.WriteHeader(record.Status)
			w.Write(record.Body)
			return
		}

		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)

		if rec.status >= 200 && rec.status < 300 {
			if err := s.idem.Finish(key, fingerprint, rec.status, rec.body.Bytes()); err != nil {
				s.logger.Printf("failed to record idempotent response for key %q: %v", key, err)
			}
		} else {
			s.idem.Abort(key)
		}
	}
}

// responseRecorder tees the response so a successful body can be stored for
// replay.
type responseRecorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
	wrote  bool
}

func (r *responseRecorder) WriteHeader(status int) {
	if !r.wrote {
		r.status = status
		r.wrote = true
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.wrote = true
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

// withRateLimit applies a global token bucket to mutating requests; public
// reads pass through unmetered.
func (s *Server) withRateLimit(next http.Handler) http.Handler {
	limiter := rate.NewLimiter(rate.Limit(s.cfg.RatePerSecond), s.cfg.RateBurst)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && !limiter.Allow() {
			writeError(w, http.StatusTooManyRequests, "rate_limited", "request rate exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) maxBodyFor(r *http.Request) int64 {
	if strings.HasPrefix(r.URL.Path, "/wasm/upload") {
		return s.cfg.MaxUploadBody
	}
	return s.cfg.MaxJSONBody
}

func readBody(r *http.Request, max int64) ([]byte, error) {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, max+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}
	if int64(len(body)) > max {
		return nil, fmt.Errorf("request body exceeds %d byte limit", max)
	}
	return body, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"failed to encode response"}`, http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message, "code": code})
}

func decodeJSON(r *http.Request, max int64, v interface{}) error {
	body, err := readBody(r, max)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("malformed JSON body: %w", err)
	}
	return nil
}
