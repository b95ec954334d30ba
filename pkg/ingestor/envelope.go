// Package ingestor subscribes to the contract's event stream: it scans
// finalized blocks for EVENT_JSON-prefixed logs, parses the standard event
// envelope, fetches the full request detail via a view call, and creates
// compile/execute jobs in the ledger. Duplicate events from reorgs or
// restart overlap are absorbed by the ledger's uniqueness constraint.
package ingestor

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// EventLogPrefix marks a log entry carrying a structured event envelope.
const EventLogPrefix = "EVENT_JSON:"

// Event names emitted by the contract.
const (
	EventExecutionRequested = "execution_requested"
	EventExecutionResolved  = "execution_resolved"
)

// Envelope is the standard event envelope: required standard/version/event
// fields plus an event-specific data payload.
type Envelope struct {
	Standard string          `json:"standard"`
	Version  string          `json:"version"`
	Event    string          `json:"event"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// Envelope parse failures, all client-category: a malformed log entry is
// dropped, never retried.
var (
	ErrNoEventPrefix    = errors.New("log entry has no EVENT_JSON prefix")
	ErrMissingField     = errors.New("event envelope missing a required field")
	ErrMultipleEvents   = errors.New("log entry contains more than one event")
)

// ParseEnvelope parses one log line into an Envelope. It rejects entries
// without the prefix, envelopes missing any required field, and entries
// carrying more than one JSON document after the prefix.
func ParseEnvelope(logLine string) (*Envelope, error) {
	if !strings.HasPrefix(logLine, EventLogPrefix) {
		return nil, ErrNoEventPrefix
	}
	payload := strings.TrimSpace(logLine[len(EventLogPrefix):])

	dec := json.NewDecoder(bytes.NewReader([]byte(payload)))
	var env Envelope
	if err := dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("failed to decode event envelope: %w", err)
	}
	if dec.More() {
		return nil, ErrMultipleEvents
	}
	if env.Standard == "" || env.Version == "" || env.Event == "" {
		return nil, ErrMissingField
	}
	return &env, nil
}

// ExecutionRequestedData is the payload of an execution_requested event:
// just enough to key the view call that fetches the full request detail.
type ExecutionRequestedData struct {
	RequestID uint64 `json:"request_id"`
	DataID    string `json:"data_id"`
}

// ExecutionResolvedData is the payload of an execution_resolved event.
type ExecutionResolvedData struct {
	DataID  string `json:"data_id"`
	Success bool   `json:"success"`
}

// DecodeRequested extracts the execution_requested payload from env.
func DecodeRequested(env *Envelope) (*ExecutionRequestedData, error) {
	if env.Event != EventExecutionRequested {
		return nil, fmt.Errorf("event %q is not %s", env.Event, EventExecutionRequested)
	}
	var data ExecutionRequestedData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, fmt.Errorf("failed to decode execution_requested data: %w", err)
	}
	if data.DataID == "" {
		return nil, fmt.Errorf("%w: data_id", ErrMissingField)
	}
	return &data, nil
}
