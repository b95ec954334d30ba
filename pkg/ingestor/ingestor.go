package ingestor

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/near-outlayer/outlayer-go/pkg/database"
	"github.com/near-outlayer/outlayer-go/pkg/nearrpc"
)

// ChainSource is the subset of *nearrpc.Client the ingestor scans with,
// narrowed so tests can substitute a scripted chain.
type ChainSource interface {
	LatestBlockHeight(ctx context.Context) (uint64, error)
	BlockLogs(ctx context.Context, height uint64) ([]string, error)
	GetRequest(ctx context.Context, contractID string, requestID uint64) (*nearrpc.RequestDetail, error)
}

// JobCreator fans a request out into ledger jobs, satisfied by
// pkg/ledger.Ledger.
type JobCreator interface {
	CreateJobs(ctx context.Context, requestID int64, dataID string, kinds []database.JobType) ([]*database.Job, error)
}

// ArtifactLookup answers whether a provenance triple is already cached, so
// a cache hit skips the compile job entirely.
type ArtifactLookup interface {
	Lookup(ctx context.Context, repoURL, commitHash, buildTarget string) (*database.Artifact, error)
}

// Cursor persists the last fully processed block height, satisfied by
// pkg/database.IngestorStateRepository.
type Cursor interface {
	LastProcessedBlock(ctx context.Context) (uint64, error)
	SetLastProcessedBlock(ctx context.Context, height uint64) error
}

// Config bounds the scan loop.
type Config struct {
	ContractID    string
	PollInterval  time.Duration
	BlockWorkers  int
	MaxBackoff    time.Duration
	EventStandard string // envelope standard accepted; "" accepts any
}

// DefaultConfig polls every 2 seconds with 3 block workers and caps RPC
// failure backoff at 1 minute.
func DefaultConfig(contractID string) Config {
	return Config{
		ContractID:    contractID,
		PollInterval:  2 * time.Second,
		BlockWorkers:  3,
		MaxBackoff:    time.Minute,
		EventStandard: "outlayer",
	}
}

// Ingestor drives the block-scan loop.
type Ingestor struct {
	chain     ChainSource
	jobs      JobCreator
	artifacts ArtifactLookup
	cursor    Cursor
	cfg       Config
	logger    *log.Logger
}

// New creates an Ingestor.
func New(chain ChainSource, jobs JobCreator, artifacts ArtifactLookup, cursor Cursor, cfg Config) *Ingestor {
	if cfg.BlockWorkers <= 0 {
		cfg.BlockWorkers = 3
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = time.Minute
	}
	return &Ingestor{
		chain:     chain,
		jobs:      jobs,
		artifacts: artifacts,
		cursor:    cursor,
		cfg:       cfg,
		logger:    log.New(log.Writer(), "[Ingestor] ", log.LstdFlags),
	}
}

// Run scans blocks until ctx is cancelled. RPC failures back off
// exponentially up to cfg.MaxBackoff and never kill the loop; the persisted
// cursor only advances once every block of a batch has been processed, so a
// crash mid-batch replays the batch and the ledger's uniqueness constraint
// absorbs the duplicates.
func (i *Ingestor) Run(ctx context.Context) {
	backoff := i.cfg.PollInterval

	for {
		if err := i.scanOnce(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			i.logger.Printf("scan failed: %v (retrying in %v)", err, backoff)
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff *= 2
			if backoff > i.cfg.MaxBackoff {
				backoff = i.cfg.MaxBackoff
			}
			continue
		}
		backoff = i.cfg.PollInterval
		if !sleepCtx(ctx, i.cfg.PollInterval) {
			return
		}
	}
}

// scanOnce processes every block from the persisted cursor to the current
// head, fanning blocks across a bounded worker pool.
func (i *Ingestor) scanOnce(ctx context.Context) error {
	last, err := i.cursor.LastProcessedBlock(ctx)
	if err != nil {
		return err
	}
	head, err := i.chain.LatestBlockHeight(ctx)
	if err != nil {
		return err
	}
	if last == 0 {
		// First run: start at the head rather than replaying history.
		i.logger.Printf("initializing scan cursor at block %d", head)
		return i.cursor.SetLastProcessedBlock(ctx, head)
	}
	if head <= last {
		return nil
	}

	heights := make(chan uint64)
	var wg sync.WaitGroup
	for w := 0; w < i.cfg.BlockWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for h := range heights {
				if err := i.processBlock(ctx, h); err != nil {
					i.logger.Printf("block %d: %v", h, err)
				}
			}
		}()
	}

	for h := last + 1; h <= head; h++ {
		select {
		case <-ctx.Done():
			close(heights)
			wg.Wait()
			return ctx.Err()
		case heights <- h:
		}
	}
	close(heights)
	wg.Wait()

	return i.cursor.SetLastProcessedBlock(ctx, head)
}

func (i *Ingestor) processBlock(ctx context.Context, height uint64) error {
	logs, err := i.chain.BlockLogs(ctx, height)
	if err != nil {
		return err
	}

	for _, line := range logs {
		env, err := ParseEnvelope(line)
		if err != nil {
			// Non-event logs are the common case; only report envelopes
			// that carried the prefix but failed to parse.
			if !errors.Is(err, ErrNoEventPrefix) {
				i.logger.Printf("block %d: dropping malformed event: %v", height, err)
			}
			continue
		}
		if i.cfg.EventStandard != "" && env.Standard != i.cfg.EventStandard {
			continue
		}
		i.handleEvent(ctx, height, env)
	}
	return nil
}

func (i *Ingestor) handleEvent(ctx context.Context, height uint64, env *Envelope) {
	switch env.Event {
	case EventExecutionRequested:
		data, err := DecodeRequested(env)
		if err != nil {
			i.logger.Printf("block %d: %v", height, err)
			return
		}
		if err := i.ingestRequest(ctx, data); err != nil {
			i.logger.Printf("block %d: failed to ingest request %d: %v", height, data.RequestID, err)
		}
	case EventExecutionResolved:
		// Settlement is driven by the worker's resolve_execution call; the
		// resolved event is informational here.
	default:
	}
}

// ingestRequest fetches the full request detail and fans it out into jobs:
// compile+execute on a cache miss, execute only when the artifact is already
// cached or the request names a pre-compiled module.
func (i *Ingestor) ingestRequest(ctx context.Context, data *ExecutionRequestedData) error {
	detail, err := i.chain.GetRequest(ctx, i.cfg.ContractID, data.RequestID)
	if err != nil {
		return err
	}

	kinds := []database.JobType{database.JobTypeExecute}
	if detail.RepoURL != "" {
		if _, err := i.artifacts.Lookup(ctx, detail.RepoURL, detail.CommitHash, detail.BuildTarget); err != nil {
			kinds = []database.JobType{database.JobTypeCompile, database.JobTypeExecute}
		}
	}

	jobs, err := i.jobs.CreateJobs(ctx, int64(detail.RequestID), detail.DataID, kinds)
	if err != nil {
		return err
	}
	i.logger.Printf("request %d (data_id=%s): created %d job(s)", detail.RequestID, detail.DataID, len(jobs))
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
