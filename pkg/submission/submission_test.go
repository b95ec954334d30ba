package submission

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/near-outlayer/outlayer-go/pkg/identity"
	"github.com/near-outlayer/outlayer-go/pkg/nearrpc"
)

func TestIsPermanent_MatchesContractRejectionCodes(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{errors.New("broadcast_tx_commit failed: InvalidNonce"), true},
		{errors.New("broadcast_tx_commit failed: InvalidSignature"), true},
		{errors.New("broadcast_tx_commit failed: NotAuthorized"), true},
		{errors.New("broadcast_tx_commit failed: connection reset by peer"), false},
		{&ErrPermanent{Underlying: errors.New("anything")}, true},
	}
	for _, c := range cases {
		if got := isPermanent(c.err); got != c.want {
			t.Errorf("isPermanent(%q) = %v, want %v", c.err, got, c.want)
		}
	}
}

func TestJitter_StaysWithinExpectedRange(t *testing.T) {
	base := 10 * time.Second
	for i := 0; i < 50; i++ {
		got := jitter(base)
		if got < base || got > base+base*20/100+time.Millisecond {
			t.Fatalf("jitter(%v) = %v out of expected range", base, got)
		}
	}
}

type fakeBroadcaster struct {
	attempts    int
	failUntil   int
	permanent   bool
	txHash      string
}

func (f *fakeBroadcaster) BroadcastTransaction(ctx context.Context, signed nearrpc.SignedCall) (*nearrpc.BroadcastResult, error) {
	f.attempts++
	if f.permanent {
		return nil, errors.New("broadcast_tx_commit failed: InvalidNonce")
	}
	if f.attempts <= f.failUntil {
		return nil, errors.New("broadcast_tx_commit failed: timeout")
	}
	return &nearrpc.BroadcastResult{TransactionHash: f.txHash}, nil
}

func testBuilder(ctx context.Context, key *identity.Key, contractID string, result Result) (nearrpc.SignedCall, error) {
	return nearrpc.SignedCall{SignedTxBase64: "deadbeef"}, nil
}

func TestSubmit_RetriesTransientErrorsThenSucceeds(t *testing.T) {
	key, err := identity.Generate()
	if err != nil {
		t.Fatalf("identity.Generate: %v", err)
	}

	broadcaster := &fakeBroadcaster{failUntil: 1, txHash: "tx-123"}
	sub := New(broadcaster, key, "coordinator.near", testBuilder, Config{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond})

	hash, err := sub.Submit(context.Background(), Result{DataID: "job-1", Success: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hash != "tx-123" {
		t.Fatalf("expected tx-123, got %q", hash)
	}
	if broadcaster.attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", broadcaster.attempts)
	}
}

func TestSubmit_PermanentErrorStopsImmediately(t *testing.T) {
	key, err := identity.Generate()
	if err != nil {
		t.Fatalf("identity.Generate: %v", err)
	}

	broadcaster := &fakeBroadcaster{permanent: true}
	sub := New(broadcaster, key, "coordinator.near", testBuilder, Config{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond})

	_, err = sub.Submit(context.Background(), Result{DataID: "job-1", Success: false})
	if err == nil {
		t.Fatalf("expected error")
	}
	var perm *ErrPermanent
	if !errors.As(err, &perm) {
		t.Fatalf("expected ErrPermanent, got %v", err)
	}
	if broadcaster.attempts != 1 {
		t.Fatalf("expected exactly 1 attempt for a permanent error, got %d", broadcaster.attempts)
	}
}
