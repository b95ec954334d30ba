package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/near-outlayer/outlayer-go/pkg/artifact"
	"github.com/near-outlayer/outlayer-go/pkg/auth"
	"github.com/near-outlayer/outlayer-go/pkg/database"
	"github.com/near-outlayer/outlayer-go/pkg/idempotency"
	"github.com/near-outlayer/outlayer-go/pkg/kvstore"
	"github.com/near-outlayer/outlayer-go/pkg/ledger"
	"github.com/near-outlayer/outlayer-go/pkg/lock"
	"github.com/near-outlayer/outlayer-go/pkg/policy"
)

// fakeLedger is an in-memory JobLedger.
type fakeLedger struct {
	mu         sync.Mutex
	jobs       []*ledger.Job
	claimCalls int32
}

func (f *fakeLedger) CreateJobs(ctx context.Context, requestID int64, dataID string, kinds []ledger.JobType) ([]*ledger.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*ledger.Job
	for _, kind := range kinds {
		var existing *ledger.Job
		for _, j := range f.jobs {
			if j.RequestID == requestID && j.DataID == dataID && j.JobType == kind {
				existing = j
				break
			}
		}
		if existing == nil {
			existing = &ledger.Job{ID: uuid.New(), RequestID: requestID, DataID: dataID, JobType: kind, Status: database.JobStatusPending, CreatedAt: time.Now()}
			f.jobs = append(f.jobs, existing)
		}
		out = append(out, existing)
	}
	return out, nil
}

func (f *fakeLedger) ClaimNext(ctx context.Context, workerID string, kinds []ledger.JobType, wait time.Duration) (*ledger.Job, error) {
	atomic.AddInt32(&f.claimCalls, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, j := range f.jobs {
		if j.Status == database.JobStatusPending {
			j.Status = database.JobStatusInProgress
			return j, nil
		}
	}
	return nil, ledger.ErrNoJobAvailable
}

func (f *fakeLedger) Complete(ctx context.Context, jobID uuid.UUID, checksum string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, j := range f.jobs {
		if j.ID == jobID {
			if j.Status == database.JobStatusCompleted || j.Status == database.JobStatusFailed {
				return database.ErrJobAlreadyTerminal
			}
			j.Status = database.JobStatusCompleted
			return nil
		}
	}
	return database.ErrJobNotFound
}

func (f *fakeLedger) Fail(ctx context.Context, jobID uuid.UUID, errDesc string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, j := range f.jobs {
		if j.ID == jobID {
			if j.Status == database.JobStatusCompleted || j.Status == database.JobStatusFailed {
				return database.ErrJobAlreadyTerminal
			}
			j.Status = database.JobStatusFailed
			return nil
		}
	}
	return database.ErrJobNotFound
}

func (f *fakeLedger) RecordHistory(ctx context.Context, h *ledger.ExecutionHistory) error { return nil }
func (f *fakeLedger) HistoryFor(ctx context.Context, requestID int64) ([]*ledger.Job, error) {
	return nil, nil
}
func (f *fakeLedger) List(ctx context.Context, limit, offset int) ([]*ledger.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*ledger.Job(nil), f.jobs...), nil
}
func (f *fakeLedger) Stats(ctx context.Context) (map[ledger.JobStatus]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	counts := make(map[ledger.JobStatus]int64)
	for _, j := range f.jobs {
		counts[j.Status]++
	}
	return counts, nil
}

// fakeArtifacts is an in-memory ArtifactStore.
type fakeArtifacts struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (f *fakeArtifacts) Upload(ctx context.Context, checksum string, prov artifact.Provenance, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.data == nil {
		f.data = make(map[string][]byte)
	}
	f.data[checksum] = data
	return nil
}

func (f *fakeArtifacts) Download(ctx context.Context, checksum string) (io.ReadCloser, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.data[checksum]
	if !ok {
		return nil, 0, artifact.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

func (f *fakeArtifacts) Info(ctx context.Context, prov artifact.Provenance) (*database.Artifact, error) {
	return nil, artifact.ErrNotFound
}

// fakeWorkers satisfies WorkerRegistry and auth.TokenLookup.
type fakeWorkers struct {
	tokens map[string]string
}

func (f *fakeWorkers) Upsert(ctx context.Context, w *database.Worker) error           { return nil }
func (f *fakeWorkers) Heartbeat(ctx context.Context, workerID string) error           { return nil }
func (f *fakeWorkers) IncrementCounters(ctx context.Context, id string, c, x bool) error { return nil }
func (f *fakeWorkers) List(ctx context.Context) ([]*database.Worker, error)           { return nil, nil }
func (f *fakeWorkers) Delete(ctx context.Context, workerID string) error              { return nil }
func (f *fakeWorkers) LookupActiveToken(ctx context.Context, tokenHash string) (string, error) {
	if id, ok := f.tokens[tokenHash]; ok {
		return id, nil
	}
	return "", errors.New("unknown token")
}

const testToken = "worker-test-token"

func newTestServer(t *testing.T) (*httptest.Server, *fakeLedger) {
	t.Helper()

	workers := &fakeWorkers{tokens: map[string]string{auth.HashToken(testToken): "worker-1"}}
	authenticator := auth.New(workers, nil)

	kv, err := kvstore.Open("server-test", t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { kv.Close() })

	fl := &fakeLedger{}
	srv := New(
		fl,
		&fakeArtifacts{},
		lock.New(kv),
		workers,
		authenticator,
		auth.NewAdminTokens("0123456789abcdef0123456789abcdef"),
		idempotency.New(kv, time.Minute),
		nil,
		policy.DefaultBuildHostAllowlist(),
		nil,
		DefaultConfig(),
	)
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	return ts, fl
}

func doRequest(t *testing.T, method, url string, body []byte, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	raw, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	return resp, raw
}

func authHeaders() map[string]string {
	return map[string]string{"Authorization": "Bearer " + testToken}
}

func TestWorkerEndpointsRequireAuth(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, _ := doRequest(t, http.MethodPost, ts.URL+"/jobs/claim?wait_seconds=0", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated claim: status %d", resp.StatusCode)
	}

	resp, _ = doRequest(t, http.MethodPost, ts.URL+"/jobs/claim?wait_seconds=0", nil,
		map[string]string{"Authorization": "Bearer wrong"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token claim: status %d", resp.StatusCode)
	}
}

func TestPublicEndpointsBypassAuth(t *testing.T) {
	ts, _ := newTestServer(t)
	for _, path := range []string{"/health", "/public/jobs", "/public/workers", "/public/stats"} {
		resp, _ := doRequest(t, http.MethodGet, ts.URL+path, nil, nil)
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s: status %d", path, resp.StatusCode)
		}
	}
}

func TestClaimEmptyAndThenJob(t *testing.T) {
	ts, fl := newTestServer(t)

	resp, body := doRequest(t, http.MethodPost, ts.URL+"/jobs/claim?wait_seconds=0", nil, authHeaders())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("claim: status %d: %s", resp.StatusCode, body)
	}
	var out struct {
		Jobs []jobView `json:"jobs"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if len(out.Jobs) != 0 {
		t.Fatalf("expected empty claim, got %d jobs", len(out.Jobs))
	}

	fl.CreateJobs(context.Background(), 1, "d-1", []ledger.JobType{ledger.JobTypeExecute})
	_, body = doRequest(t, http.MethodPost, ts.URL+"/jobs/claim?wait_seconds=0", nil, authHeaders())
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if len(out.Jobs) != 1 || out.Jobs[0].JobType != "execute" {
		t.Fatalf("unexpected claim response: %s", body)
	}
}

func TestParallelIdempotency(t *testing.T) {
	ts, fl := newTestServer(t)
	for i := 0; i < 20; i++ {
		fl.CreateJobs(context.Background(), int64(i), fmt.Sprintf("d-%d", i), []ledger.JobType{ledger.JobTypeExecute})
	}

	headers := authHeaders()
	headers["Idempotency-Key"] = "claim-burst-1"

	var replays int32
	var bodies sync.Map
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, body := doRequest(t, http.MethodPost, ts.URL+"/jobs/claim?wait_seconds=0", nil, headers)
			if resp.StatusCode != http.StatusOK {
				t.Errorf("claim %d: status %d", i, resp.StatusCode)
				return
			}
			if resp.Header.Get("X-Idempotency-Replay") == "true" {
				atomic.AddInt32(&replays, 1)
			}
			bodies.Store(string(body), true)
		}(i)
	}
	wg.Wait()

	if replays != 9 {
		t.Fatalf("expected 9 replays, got %d", replays)
	}
	distinct := 0
	bodies.Range(func(_, _ interface{}) bool { distinct++; return true })
	if distinct != 1 {
		t.Fatalf("responses were not byte-equal: %d distinct bodies", distinct)
	}
	if n := atomic.LoadInt32(&fl.claimCalls); n != 1 {
		t.Fatalf("expected exactly one ledger claim, got %d", n)
	}
}

func TestTasksCreateRejectsPathTraversal(t *testing.T) {
	ts, fl := newTestServer(t)

	body, _ := json.Marshal(map[string]interface{}{
		"request_id":   5,
		"data_id":      "d-5",
		"repo_url":     "https://github.com/ex/rng",
		"commit_hash":  "abc123",
		"build_target": "wasm32-wasip1",
		"build_path":   "../../etc/passwd",
	})
	resp, raw := doRequest(t, http.MethodPost, ts.URL+"/tasks/create", body, authHeaders())
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", resp.StatusCode, raw)
	}
	if len(fl.jobs) != 0 {
		t.Fatalf("traversal request created %d job(s)", len(fl.jobs))
	}
}

func TestTasksCreateFansOutCompileAndExecute(t *testing.T) {
	ts, _ := newTestServer(t)

	body, _ := json.Marshal(map[string]interface{}{
		"request_id":   6,
		"data_id":      "d-6",
		"repo_url":     "git@github.com:ex/rng.git",
		"commit_hash":  "abc123",
		"build_target": "wasm32-wasip1",
	})
	resp, raw := doRequest(t, http.MethodPost, ts.URL+"/tasks/create", body, authHeaders())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("tasks/create: status %d: %s", resp.StatusCode, raw)
	}
	var out struct {
		Jobs []jobView `json:"jobs"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatal(err)
	}
	if len(out.Jobs) != 2 {
		t.Fatalf("expected compile+execute fanout, got %d jobs", len(out.Jobs))
	}
}

func TestLockAcquireRenewAndRelease(t *testing.T) {
	ts, _ := newTestServer(t)

	body, _ := json.Marshal(map[string]interface{}{"key": "artifact-xyz", "ttl_seconds": 60})
	resp, _ := doRequest(t, http.MethodPost, ts.URL+"/locks/acquire", body, authHeaders())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("acquire: status %d", resp.StatusCode)
	}

	// Same holder re-acquires (renew); a second acquire by the same caller
	// identity succeeds.
	resp, _ = doRequest(t, http.MethodPost, ts.URL+"/locks/acquire", body, authHeaders())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("re-acquire by holder: status %d", resp.StatusCode)
	}

	resp, _ = doRequest(t, http.MethodDelete, ts.URL+"/locks/release/artifact-xyz", nil, authHeaders())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("release: status %d", resp.StatusCode)
	}
}

func TestResultsSubmitConflictOnTerminalJob(t *testing.T) {
	ts, fl := newTestServer(t)
	jobs, _ := fl.CreateJobs(context.Background(), 9, "d-9", []ledger.JobType{ledger.JobTypeExecute})

	report := map[string]interface{}{"job_id": jobs[0].ID.String(), "success": true}
	body, _ := json.Marshal(report)

	resp, raw := doRequest(t, http.MethodPost, ts.URL+"/results/submit", body, authHeaders())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first submit: status %d: %s", resp.StatusCode, raw)
	}
	resp, _ = doRequest(t, http.MethodPost, ts.URL+"/results/submit", body, authHeaders())
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second submit: expected 409, got %d", resp.StatusCode)
	}
}
