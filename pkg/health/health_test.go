package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type scriptedProbe struct {
	name   string
	script []func(ctx context.Context) (bool, string, error)
	calls  int
}

func (p *scriptedProbe) Name() string { return p.name }

func (p *scriptedProbe) Check(ctx context.Context) (bool, string, error) {
	idx := p.calls
	if idx >= len(p.script) {
		idx = len(p.script) - 1
	}
	p.calls++
	return p.script[idx](ctx)
}

func always(ok bool, reason string, err error) func(ctx context.Context) (bool, string, error) {
	return func(ctx context.Context) (bool, string, error) { return ok, reason, err }
}

func TestCollector_ClassifiesHealthyDegradedUnhealthy(t *testing.T) {
	healthy := &scriptedProbe{name: "coordinator", script: []func(context.Context) (bool, string, error){always(true, "", nil)}}
	degraded := &scriptedProbe{name: "worker", script: []func(context.Context) (bool, string, error){always(true, "slow", nil)}}
	unhealthy := &scriptedProbe{name: "keystore", script: []func(context.Context) (bool, string, error){always(false, "", errors.New("connection refused"))}}

	c := NewCollector(Config{Interval: time.Hour, ProbeTimeout: time.Second, HistoryLen: 10}, healthy, degraded, unhealthy)
	c.pollAll(context.Background())

	if s, _ := c.Current("coordinator"); s.Status != StatusOK {
		t.Errorf("expected coordinator ok, got %s", s.Status)
	}
	if s, _ := c.Current("worker"); s.Status != StatusDegraded {
		t.Errorf("expected worker degraded, got %s", s.Status)
	}
	if s, _ := c.Current("keystore"); s.Status != StatusUnhealthy {
		t.Errorf("expected keystore unhealthy, got %s", s.Status)
	}

	summary := c.Summary()
	if summary.Overall != StatusUnhealthy {
		t.Errorf("expected overall unhealthy, got %s", summary.Overall)
	}
}

func TestCollector_EmitsTransitionNotifications(t *testing.T) {
	probe := &scriptedProbe{name: "coordinator", script: []func(context.Context) (bool, string, error){
		always(true, "", nil),
		always(false, "", errors.New("down")),
	}}

	c := NewCollector(Config{Interval: time.Hour, ProbeTimeout: time.Second, HistoryLen: 10}, probe)

	var mu sync.Mutex
	var transitions [][2]Status
	done := make(chan struct{}, 1)
	c.OnTransition(func(subsystem string, from, to Status) {
		mu.Lock()
		transitions = append(transitions, [2]Status{from, to})
		mu.Unlock()
		done <- struct{}{}
	})

	c.pollAll(context.Background())
	c.pollAll(context.Background())

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for transition callback")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(transitions) != 1 {
		t.Fatalf("expected exactly 1 transition, got %d", len(transitions))
	}
	if transitions[0][0] != StatusOK || transitions[0][1] != StatusUnhealthy {
		t.Fatalf("unexpected transition: %v", transitions[0])
	}
}

func TestCollector_HistoryIsBoundedAndOrdered(t *testing.T) {
	probe := &scriptedProbe{name: "coordinator", script: []func(context.Context) (bool, string, error){always(true, "", nil)}}
	c := NewCollector(Config{Interval: time.Hour, ProbeTimeout: time.Second, HistoryLen: 3}, probe)

	for i := 0; i < 5; i++ {
		c.pollAll(context.Background())
	}

	hist := c.History("coordinator")
	if len(hist) != 3 {
		t.Fatalf("expected history bounded to 3, got %d", len(hist))
	}
	for i := 1; i < len(hist); i++ {
		if hist[i].CheckedAt.Before(hist[i-1].CheckedAt) {
			t.Fatalf("history not oldest-first at index %d", i)
		}
	}
}
