// Package workerclient is the worker's client side of the coordinator API:
// a thin HTTP shim handling both authentication modes, plus the claim loop
// that turns claimed jobs into compilations and executions.
package workerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mr-tron/base58"

	"github.com/near-outlayer/outlayer-go/pkg/auth"
	"github.com/near-outlayer/outlayer-go/pkg/identity"
)

// ErrLockHeld is returned by AcquireLock when another worker holds the key.
var ErrLockHeld = errors.New("lock held by another worker")

// ErrNotFound is returned by DownloadWasm for an unknown checksum.
var ErrNotFound = errors.New("artifact not found on coordinator")

// Client talks to the coordinator. Exactly one of token (bearer mode) or
// account+key (signed mode) is configured.
type Client struct {
	baseURL string
	http    *http.Client

	token   string
	account string
	key     *identity.Key
}

// NewBearer creates a bearer-mode client.
func NewBearer(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 2 * time.Minute},
		token:   token,
	}
}

// NewSigned creates a signed-mode client using the TEE-resident key.
func NewSigned(baseURL, account string, key *identity.Key) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 2 * time.Minute},
		account: account,
		key:     key,
	}
}

// do issues one authenticated request. Signed mode signs
// method|path|sha256(body)|timestamp with the identity key and attaches the
// X-Near-* headers.
func (c *Client) do(ctx context.Context, method, path string, body []byte, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	} else {
		timestamp := time.Now().Unix()
		// The signature covers the path without the query string, matching
		// the server's verification of r.URL.Path.
		signPath := path
		if i := strings.Index(signPath, "?"); i >= 0 {
			signPath = signPath[:i]
		}
		message := auth.CanonicalMessage(method, signPath, body, timestamp)
		req.Header.Set("X-Near-Account", c.account)
		req.Header.Set("X-Near-Signature", base58.Encode(c.key.Sign(message)))
		req.Header.Set("X-Near-Timestamp", strconv.FormatInt(timestamp, 10))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coordinator request %s %s failed: %w", method, path, err)
	}
	return resp, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, reqBody, out interface{}) error {
	var body []byte
	var err error
	if reqBody != nil {
		body, err = json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
	}

	resp, err := c.do(ctx, method, path, body, "application/json")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read coordinator response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Status: resp.StatusCode, Body: string(raw)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode coordinator response: %w", err)
	}
	return nil
}

// APIError is a non-2xx coordinator response. 4xx responses are never
// retried.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("coordinator returned %d: %s", e.Status, e.Body)
}

// IsClientError reports whether e is a 4xx.
func (e *APIError) IsClientError() bool { return e.Status >= 400 && e.Status < 500 }

// Job is the wire shape of a claimed job.
type Job struct {
	ID           string `json:"id"`
	RequestID    int64  `json:"request_id"`
	DataID       string `json:"data_id"`
	JobType      string `json:"job_type"`
	Status       string `json:"status"`
	WasmChecksum string `json:"wasm_checksum,omitempty"`
}

// Claim long-polls for one job of an acceptable kind. A nil job with a nil
// error means nothing was pending within the wait budget.
func (c *Client) Claim(ctx context.Context, kinds []string, wait time.Duration) (*Job, error) {
	path := fmt.Sprintf("/jobs/claim?kinds=%s&wait_seconds=%d",
		url.QueryEscape(strings.Join(kinds, ",")), int(wait.Seconds()))
	var out struct {
		Jobs []Job `json:"jobs"`
	}
	if err := c.doJSON(ctx, http.MethodPost, path, nil, &out); err != nil {
		return nil, err
	}
	if len(out.Jobs) == 0 {
		return nil, nil
	}
	return &out.Jobs[0], nil
}

// UploadWasm uploads a compiled artifact, idempotent on checksum.
func (c *Client) UploadWasm(ctx context.Context, checksum string, prov Provenance, wasm []byte) error {
	q := url.Values{}
	q.Set("checksum", checksum)
	q.Set("repo_url", prov.RepoURL)
	q.Set("commit_hash", prov.CommitHash)
	q.Set("build_target", prov.BuildTarget)

	resp, err := c.do(ctx, http.MethodPost, "/wasm/upload?"+q.Encode(), wasm, "application/octet-stream")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return &APIError{Status: resp.StatusCode, Body: string(raw)}
	}
	return nil
}

// Provenance mirrors the artifact store's lookup triple.
type Provenance struct {
	RepoURL     string
	CommitHash  string
	BuildTarget string
}

// DownloadWasm fetches an artifact by checksum and verifies the bytes hash
// to it before returning.
func (c *Client) DownloadWasm(ctx context.Context, checksum string) ([]byte, error) {
	resp, err := c.do(ctx, http.MethodGet, "/wasm/"+checksum, nil, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return nil, &APIError{Status: resp.StatusCode, Body: string(raw)}
	}

	wasm, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact stream: %w", err)
	}
	if err := verifyChecksum(wasm, checksum); err != nil {
		return nil, err
	}
	return wasm, nil
}

// ResultReport is the wire shape of POST /results/submit.
type ResultReport struct {
	JobID             string `json:"job_id"`
	Success           bool   `json:"success"`
	OutputBase64      string `json:"output_base64,omitempty"`
	ErrorClass        string `json:"error_class,omitempty"`
	Error             string `json:"error,omitempty"`
	WasmChecksum      string `json:"wasm_checksum,omitempty"`
	FuelConsumed      uint64 `json:"fuel_consumed"`
	WallMillis        int64  `json:"wall_ms"`
	CompileMillis     int64  `json:"compile_ms"`
	CostSmallestUnit  int64  `json:"cost_smallest_unit"`
	AttestationBase64 string `json:"attestation_quote_base64,omitempty"`
	MeasurementDigest string `json:"measurement_digest,omitempty"`
	SettlementTx      string `json:"settlement_tx,omitempty"`
}

// SubmitResult declares a job terminal on the coordinator.
func (c *Client) SubmitResult(ctx context.Context, report ResultReport) error {
	return c.doJSON(ctx, http.MethodPost, "/results/submit", report, nil)
}

// AcquireLock takes the named lock with the given TTL, or reports
// ErrLockHeld.
func (c *Client) AcquireLock(ctx context.Context, key string, ttl time.Duration) error {
	req := map[string]interface{}{"key": key, "ttl_seconds": int(ttl.Seconds())}
	err := c.doJSON(ctx, http.MethodPost, "/locks/acquire", req, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict {
		return ErrLockHeld
	}
	return err
}

// ReleaseLock releases the named lock (holder-checked server-side).
func (c *Client) ReleaseLock(ctx context.Context, key string) error {
	return c.doJSON(ctx, http.MethodDelete, "/locks/release/"+url.PathEscape(key), nil, nil)
}

// Heartbeat updates the worker's liveness and, optionally, its latest
// attestation measurement digest.
func (c *Client) Heartbeat(ctx context.Context, name, measurementDigest string) error {
	req := map[string]string{"name": name, "measurement_digest": measurementDigest}
	return c.doJSON(ctx, http.MethodPost, "/workers/heartbeat", req, nil)
}

// WasmInfo asks whether a provenance triple is already cached.
func (c *Client) WasmInfo(ctx context.Context, prov Provenance) (checksum string, cached bool, err error) {
	q := url.Values{}
	q.Set("repo_url", prov.RepoURL)
	q.Set("commit_hash", prov.CommitHash)
	q.Set("build_target", prov.BuildTarget)

	var out struct {
		Cached   bool   `json:"cached"`
		Checksum string `json:"checksum"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/public/wasm/info?"+q.Encode(), nil, &out); err != nil {
		return "", false, err
	}
	return out.Checksum, out.Cached, nil
}
