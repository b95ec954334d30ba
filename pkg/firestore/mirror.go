package firestore

import (
	"context"
	"time"

	gcpfirestore "cloud.google.com/go/firestore"

	"github.com/near-outlayer/outlayer-go/pkg/health"
)

// Collection names for the dashboard mirror.
const (
	statusCollection     = "health_status"
	transitionCollection = "health_transitions"
)

// statusDoc is the current-state document per subsystem, overwritten on
// every transition.
type statusDoc struct {
	Subsystem string    `firestore:"subsystem"`
	Status    string    `firestore:"status"`
	Reason    string    `firestore:"reason,omitempty"`
	UpdatedAt time.Time `firestore:"updated_at"`
}

// transitionDoc is an append-only record of one status change.
type transitionDoc struct {
	Subsystem string    `firestore:"subsystem"`
	From      string    `firestore:"from"`
	To        string    `firestore:"to"`
	At        time.Time `firestore:"at"`
}

// MirrorTransition records a subsystem status change: the current-state doc
// is overwritten and a transition entry appended. Safe to call on a
// disabled client.
func (c *Client) MirrorTransition(ctx context.Context, subsystem string, from, to health.Status, reason string) error {
	if !c.enabled {
		return nil
	}

	now := time.Now()
	_, err := c.firestore.Collection(statusCollection).Doc(subsystem).Set(ctx, statusDoc{
		Subsystem: subsystem,
		Status:    string(to),
		Reason:    reason,
		UpdatedAt: now,
	})
	if err != nil {
		return err
	}

	_, _, err = c.firestore.Collection(transitionCollection).Add(ctx, transitionDoc{
		Subsystem: subsystem,
		From:      string(from),
		To:        string(to),
		At:        now,
	})
	return err
}

// TransitionHook adapts the mirror to pkg/health's OnTransition callback.
// Mirror failures are logged, never propagated: the dashboard is not on the
// execution critical path.
func (c *Client) TransitionHook() func(subsystem string, from, to health.Status) {
	return func(subsystem string, from, to health.Status) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.MirrorTransition(ctx, subsystem, from, to, ""); err != nil {
			c.logger.Printf("failed to mirror %s transition: %v", subsystem, err)
		}
	}
}

// RecentTransitions reads the latest n transition entries, newest first,
// for operator tooling.
func (c *Client) RecentTransitions(ctx context.Context, n int) ([]map[string]interface{}, error) {
	if !c.enabled {
		return nil, nil
	}
	iter := c.firestore.Collection(transitionCollection).
		OrderBy("at", gcpfirestore.Desc).Limit(n).Documents(ctx)
	defer iter.Stop()

	var out []map[string]interface{}
	for {
		doc, err := iter.Next()
		if err != nil {
			break
		}
		out = append(out, doc.Data())
	}
	return out, nil
}
