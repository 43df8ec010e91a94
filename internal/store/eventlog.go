package store

import (
	"context"
	"fmt"
	"time"

	"github.com/rendis/wajourney/pkg/schema"
)

// EventLog rebuilds execution timelines from the append-only event stream.
type EventLog struct {
	store Store
}

// NewEventLog wraps a Store to provide timeline replay.
func NewEventLog(s Store) *EventLog {
	return &EventLog{store: s}
}

// NodeVisit is one pass of an execution through a node.
type NodeVisit struct {
	NodeID      string     `json:"node_id"`
	EnteredAt   time.Time  `json:"entered_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Failed      bool       `json:"failed,omitempty"`
}

// Timeline summarises an execution's event stream.
type Timeline struct {
	ExecutionID  string      `json:"execution_id"`
	Visits       []NodeVisit `json:"visits"`
	Replies      int         `json:"replies"`
	HTTPCalls    int         `json:"http_calls"`
	Timeouts     int         `json:"timeouts"`
	Errors       []string    `json:"errors,omitempty"`
	Completed    bool        `json:"completed"`
	LastSequence int64       `json:"last_sequence"`
}

// Path returns the node IDs visited, in order.
func (t *Timeline) Path() []string {
	path := make([]string, len(t.Visits))
	for i, v := range t.Visits {
		path[i] = v.NodeID
	}
	return path
}

// Replay reads every event of an execution and folds it into a Timeline.
// Returns an error if sequence gaps are detected.
func (el *EventLog) Replay(ctx context.Context, executionID string) (*Timeline, error) {
	events, err := el.store.ListEvents(ctx, executionID, 0)
	if err != nil {
		return nil, fmt.Errorf("list events for replay: %w", err)
	}

	tl := &Timeline{ExecutionID: executionID}
	open := -1
	for i, e := range events {
		if expected := int64(i + 1); e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in execution %s: expected %d, got %d", executionID, expected, e.Sequence)
		}
		tl.LastSequence = e.Sequence

		switch e.Type {
		case schema.EventNodeEntered:
			tl.Visits = append(tl.Visits, NodeVisit{NodeID: e.NodeID, EnteredAt: e.Timestamp})
			open = len(tl.Visits) - 1
		case schema.EventNodeCompleted:
			if open >= 0 && tl.Visits[open].NodeID == e.NodeID {
				ts := e.Timestamp
				tl.Visits[open].CompletedAt = &ts
				open = -1
			}
		case schema.EventError:
			if open >= 0 && tl.Visits[open].NodeID == e.NodeID {
				tl.Visits[open].Failed = true
			}
			tl.Errors = append(tl.Errors, string(e.Data))
		case schema.EventReplyReceived:
			tl.Replies++
		case schema.EventHTTPCalled:
			tl.HTTPCalls++
		case schema.EventTimeoutFired:
			tl.Timeouts++
		case schema.EventJourneyCompleted:
			tl.Completed = true
		}
	}
	return tl, nil
}
