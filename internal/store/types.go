package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/weaveflow/weave/pkg/schema"
)

// Run is the persisted record of a workflow run: the definition it ran, the
// inputs it was seeded with, and the final (or latest) snapshot.
type Run struct {
	ID           string           `json:"id"`
	WorkflowID   string           `json:"workflow_id"`
	WorkflowName string           `json:"workflow_name,omitempty"`
	Status       schema.RunStatus `json:"status"`
	Definition   json.RawMessage  `json:"definition"`
	Inputs       json.RawMessage  `json:"inputs,omitempty"`
	Snapshot     json.RawMessage  `json:"snapshot,omitempty"`
	Error        json.RawMessage  `json:"error,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	StartedAt    *time.Time       `json:"started_at,omitempty"`
	EndedAt      *time.Time       `json:"ended_at,omitempty"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// Event is an immutable entry in the per-run event log. Sequence is
// monotonically increasing within a run with no gaps.
type Event struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	StepID    string          `json:"step_id,omitempty"`
	Type      string          `json:"event_type"`
	Attempt   int             `json:"attempt,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

// RunFilter narrows ListRuns results.
type RunFilter struct {
	Status     *schema.RunStatus
	WorkflowID string
	Since      *time.Time
	Limit      int
	Offset     int
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
