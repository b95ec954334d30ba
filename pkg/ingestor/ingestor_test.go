package ingestor

import (
	"context"
	"sync"
	"testing"

	"github.com/near-outlayer/outlayer-go/pkg/database"
	"github.com/near-outlayer/outlayer-go/pkg/nearrpc"
)

type fakeChain struct {
	head     uint64
	logs     map[uint64][]string
	requests map[uint64]*nearrpc.RequestDetail
}

func (f *fakeChain) LatestBlockHeight(ctx context.Context) (uint64, error) { return f.head, nil }
func (f *fakeChain) BlockLogs(ctx context.Context, height uint64) ([]string, error) {
	return f.logs[height], nil
}
func (f *fakeChain) GetRequest(ctx context.Context, contractID string, requestID uint64) (*nearrpc.RequestDetail, error) {
	return f.requests[requestID], nil
}

type fakeJobs struct {
	mu      sync.Mutex
	created map[string][]database.JobType // data_id -> kinds
}

func (f *fakeJobs) CreateJobs(ctx context.Context, requestID int64, dataID string, kinds []database.JobType) ([]*database.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.created == nil {
		f.created = make(map[string][]database.JobType)
	}
	// The real ledger's uniqueness constraint makes duplicate creation a
	// no-op; mirror that.
	if _, ok := f.created[dataID]; !ok {
		f.created[dataID] = kinds
	}
	jobs := make([]*database.Job, len(kinds))
	for i, k := range kinds {
		jobs[i] = &database.Job{RequestID: requestID, DataID: dataID, JobType: k}
	}
	return jobs, nil
}

type fakeArtifacts map[string]bool // repo url -> cached

func (f fakeArtifacts) Lookup(ctx context.Context, repoURL, commitHash, buildTarget string) (*database.Artifact, error) {
	if f[repoURL] {
		return &database.Artifact{Checksum: "cached"}, nil
	}
	return nil, database.ErrArtifactNotFound
}

type memCursor struct {
	mu     sync.Mutex
	height uint64
}

func (m *memCursor) LastProcessedBlock(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.height, nil
}

func (m *memCursor) SetLastProcessedBlock(ctx context.Context, height uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if height > m.height {
		m.height = height
	}
	return nil
}

func requestedEvent(id string) string {
	return `EVENT_JSON:{"standard":"outlayer","version":"1.0.0","event":"execution_requested","data":{"request_id":1,"data_id":"` + id + `"}}`
}

func TestScanOnceFansOutAndAdvancesCursor(t *testing.T) {
	chain := &fakeChain{
		head: 102,
		logs: map[uint64][]string{
			101: {"plain log line", requestedEvent("d-1")},
			102: {requestedEvent("d-1")}, // duplicate from a reorg overlap
		},
		requests: map[uint64]*nearrpc.RequestDetail{
			1: {RequestID: 1, DataID: "d-1", RepoURL: "https://github.com/ex/rng", CommitHash: "abc", BuildTarget: "wasm32-wasip1"},
		},
	}
	jobs := &fakeJobs{}
	cursor := &memCursor{height: 100}

	ing := New(chain, jobs, fakeArtifacts{}, cursor, DefaultConfig("outlayer.near"))
	if err := ing.scanOnce(context.Background()); err != nil {
		t.Fatalf("scanOnce: %v", err)
	}

	kinds, ok := jobs.created["d-1"]
	if !ok {
		t.Fatal("no jobs created for d-1")
	}
	if len(kinds) != 2 || kinds[0] != database.JobTypeCompile || kinds[1] != database.JobTypeExecute {
		t.Fatalf("cache miss should fan out compile+execute, got %v", kinds)
	}

	if h, _ := cursor.LastProcessedBlock(context.Background()); h != 102 {
		t.Fatalf("cursor = %d, want 102", h)
	}
}

func TestCacheHitSkipsCompileJob(t *testing.T) {
	chain := &fakeChain{
		head: 101,
		logs: map[uint64][]string{101: {requestedEvent("d-2")}},
		requests: map[uint64]*nearrpc.RequestDetail{
			1: {RequestID: 1, DataID: "d-2", RepoURL: "https://github.com/ex/rng", CommitHash: "abc", BuildTarget: "wasm32-wasip1"},
		},
	}
	jobs := &fakeJobs{}
	cursor := &memCursor{height: 100}

	ing := New(chain, jobs, fakeArtifacts{"https://github.com/ex/rng": true}, cursor, DefaultConfig("outlayer.near"))
	if err := ing.scanOnce(context.Background()); err != nil {
		t.Fatal(err)
	}

	kinds := jobs.created["d-2"]
	if len(kinds) != 1 || kinds[0] != database.JobTypeExecute {
		t.Fatalf("cache hit should create execute only, got %v", kinds)
	}
}

func TestForeignStandardIsIgnored(t *testing.T) {
	chain := &fakeChain{
		head: 101,
		logs: map[uint64][]string{
			101: {`EVENT_JSON:{"standard":"nep171","version":"1.0.0","event":"execution_requested","data":{"request_id":1,"data_id":"d-3"}}`},
		},
	}
	jobs := &fakeJobs{}
	ing := New(chain, jobs, fakeArtifacts{}, &memCursor{height: 100}, DefaultConfig("outlayer.near"))
	if err := ing.scanOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(jobs.created) != 0 {
		t.Fatalf("foreign-standard event created jobs: %v", jobs.created)
	}
}

func TestFirstRunInitializesAtHead(t *testing.T) {
	chain := &fakeChain{head: 500, logs: map[uint64][]string{500: {requestedEvent("d-x")}}}
	jobs := &fakeJobs{}
	cursor := &memCursor{}

	ing := New(chain, jobs, fakeArtifacts{}, cursor, DefaultConfig("outlayer.near"))
	if err := ing.scanOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if h, _ := cursor.LastProcessedBlock(context.Background()); h != 500 {
		t.Fatalf("cursor = %d, want initialization at head", h)
	}
	if len(jobs.created) != 0 {
		t.Fatal("initialization pass should not replay history")
	}
}
