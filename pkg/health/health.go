// Package health implements the Health & Monitor Collector (spec.md §4.12):
// periodic probes of coordinator/worker/keystore subsystems, classified
// ok/degraded/unhealthy, with rolling history and status-transition
// notifications for dashboards.
package health

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// Status is a subsystem's classified health.
type Status string

const (
	StatusOK        Status = "ok"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Probe checks one subsystem's health. A Probe returning a non-nil error
// with ok=false signals unhealthy; ok=true with a non-empty reason signals
// degraded (reachable but impaired).
type Probe interface {
	Name() string
	Check(ctx context.Context) (ok bool, reason string, err error)
}

// Sample is one recorded probe outcome.
type Sample struct {
	Status    Status
	Reason    string
	CheckedAt time.Time
}

// Collector polls a fixed set of Probes at a configurable cadence and
// retains a bounded rolling history per subsystem.
type Collector struct {
	mu          sync.RWMutex
	probes      []Probe
	interval    time.Duration
	probeTimeout time.Duration
	historyLen  int
	history     map[string][]Sample
	current     map[string]Sample
	onTransition func(subsystem string, from, to Status)
	logger      *log.Logger
}

// Config bounds the collector's polling cadence and history depth.
type Config struct {
	Interval     time.Duration
	ProbeTimeout time.Duration
	HistoryLen   int
}

// DefaultConfig polls every 15 seconds, bounds each probe to 5 seconds, and
// retains the last 120 samples per subsystem (30 minutes of history at the
// default interval).
func DefaultConfig() Config {
	return Config{Interval: 15 * time.Second, ProbeTimeout: 5 * time.Second, HistoryLen: 120}
}

// NewCollector builds a Collector over probes.
func NewCollector(cfg Config, probes ...Probe) *Collector {
	if cfg.HistoryLen <= 0 {
		cfg.HistoryLen = 120
	}
	return &Collector{
		probes:       probes,
		interval:     cfg.Interval,
		probeTimeout: cfg.ProbeTimeout,
		historyLen:   cfg.HistoryLen,
		history:      make(map[string][]Sample),
		current:      make(map[string]Sample),
		logger:       log.New(log.Writer(), "[Health] ", log.LstdFlags),
	}
}

// OnTransition registers a callback invoked whenever a subsystem's status
// changes between consecutive polls.
func (c *Collector) OnTransition(fn func(subsystem string, from, to Status)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTransition = fn
}

// Run polls every probe on c.interval until ctx is cancelled. The first
// poll happens immediately so a freshly started collector has data before
// the first tick.
func (c *Collector) Run(ctx context.Context) {
	c.pollAll(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.pollAll(ctx)
		}
	}
}

func (c *Collector) pollAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, p := range c.probes {
		wg.Add(1)
		go func(p Probe) {
			defer wg.Done()
			c.pollOne(ctx, p)
		}(p)
	}
	wg.Wait()
}

func (c *Collector) pollOne(ctx context.Context, p Probe) {
	probeCtx, cancel := context.WithTimeout(ctx, c.probeTimeout)
	defer cancel()

	ok, reason, err := p.Check(probeCtx)
	sample := Sample{CheckedAt: time.Now()}
	switch {
	case err != nil:
		sample.Status = StatusUnhealthy
		sample.Reason = err.Error()
	case !ok:
		sample.Status = StatusUnhealthy
		sample.Reason = reason
	case reason != "":
		sample.Status = StatusDegraded
		sample.Reason = reason
	default:
		sample.Status = StatusOK
	}

	c.record(p.Name(), sample)
}

func (c *Collector) record(subsystem string, sample Sample) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev, had := c.current[subsystem]
	c.current[subsystem] = sample

	hist := append(c.history[subsystem], sample)
	if len(hist) > c.historyLen {
		hist = hist[len(hist)-c.historyLen:]
	}
	c.history[subsystem] = hist

	if had && prev.Status != sample.Status {
		c.logger.Printf("%s transitioned %s -> %s (%s)", subsystem, prev.Status, sample.Status, sample.Reason)
		if c.onTransition != nil {
			go c.onTransition(subsystem, prev.Status, sample.Status)
		}
	}
}

// Current returns the most recent sample for subsystem, if any has been
// recorded.
func (c *Collector) Current(subsystem string) (Sample, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.current[subsystem]
	return s, ok
}

// History returns a copy of subsystem's rolling history, oldest first.
func (c *Collector) History(subsystem string) []Sample {
	c.mu.RLock()
	defer c.mu.RUnlock()
	hist := c.history[subsystem]
	out := make([]Sample, len(hist))
	copy(out, hist)
	return out
}

// Report summarizes every subsystem's current status, used by the
// coordinator's /health/detailed endpoint.
type Report struct {
	Overall    Status            `json:"overall"`
	Subsystems map[string]Sample `json:"subsystems"`
}

// Summary builds a Report from the latest sample of every known subsystem.
// Overall is the worst status observed across subsystems.
func (c *Collector) Summary() Report {
	c.mu.RLock()
	defer c.mu.RUnlock()

	report := Report{Overall: StatusOK, Subsystems: make(map[string]Sample, len(c.current))}
	for name, sample := range c.current {
		report.Subsystems[name] = sample
		if worse(sample.Status, report.Overall) {
			report.Overall = sample.Status
		}
	}
	return report
}

func worse(a, b Status) bool {
	return rank(a) > rank(b)
}

func rank(s Status) int {
	switch s {
	case StatusOK:
		return 0
	case StatusDegraded:
		return 1
	case StatusUnhealthy:
		return 2
	default:
		return 0
	}
}

// HTTPProbe is a Probe that polls a subsystem's /health endpoint over HTTP,
// used for coordinator/worker/keystore liveness checks.
type HTTPProbe struct {
	name   string
	url    string
	client HTTPGetter
}

// NewHTTPProbe builds an HTTPProbe for the named subsystem's health URL.
func NewHTTPProbe(name, url string, client HTTPGetter) *HTTPProbe {
	return &HTTPProbe{name: name, url: url, client: client}
}

// HTTPGetter is the minimal interface an HTTPProbe needs, narrowed from
// *http.Client so tests can substitute a fake endpoint.
type HTTPGetter interface {
	Get(ctx context.Context, url string) (statusCode int, err error)
}

func (p *HTTPProbe) Name() string { return p.name }

func (p *HTTPProbe) Check(ctx context.Context) (bool, string, error) {
	code, err := p.client.Get(ctx, p.url)
	if err != nil {
		return false, "", fmt.Errorf("probe %s: %w", p.name, err)
	}
	if code >= 500 {
		return false, fmt.Sprintf("status %d", code), nil
	}
	if code >= 400 {
		return true, fmt.Sprintf("status %d", code), nil
	}
	return true, "", nil
}
