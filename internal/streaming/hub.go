package streaming

import "context"

// StreamEvent is a real-time event emitted while a run progresses. It
// mirrors the persisted event log but is delivered live, without sequence
// guarantees for slow consumers.
type StreamEvent struct {
	RunID     string `json:"run_id"`
	StepID    string `json:"step_id,omitempty"`
	EventType string `json:"event_type"`
	Attempt   int    `json:"attempt,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// EventFilter specifies which events a subscriber wants to receive.
type EventFilter struct {
	RunID      string   `json:"run_id,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
}

// EventHub provides pub/sub for live run events. A subscription filtered to
// a single run ends with that run: after the terminal run event is delivered
// the hub closes the channel, signalling end-of-stream to the consumer.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}
