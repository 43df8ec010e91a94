package streaming

import "context"

// StreamEvent is a live execution update pushed to subscribers.
type StreamEvent struct {
	ExecutionID string `json:"execution_id"`
	JourneyID   string `json:"journey_id,omitempty"`
	NodeID      string `json:"node_id,omitempty"`
	EventType   string `json:"event_type"`
	Payload     any    `json:"payload,omitempty"`
}

// EventFilter selects the events a subscriber receives. Empty fields match all.
type EventFilter struct {
	ExecutionID string   `json:"execution_id,omitempty"`
	EventTypes  []string `json:"event_types,omitempty"`
}

// EventHub fans execution updates out to live subscribers.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}
