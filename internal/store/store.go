package store

import (
	"context"

	"github.com/weaveflow/weave/pkg/schema"
)

// Store is the persistence contract for run archival and event logging.
// All implementations must be safe for concurrent use.
type Store interface {
	// SaveRun inserts or updates a run record by ID.
	SaveRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)

	// AppendEvent assigns the next per-run sequence and appends the event.
	AppendEvent(ctx context.Context, event *Event) error
	// ListEvents returns events with sequence > since, ordered by sequence.
	ListEvents(ctx context.Context, runID string, since int64) ([]*Event, error)

	Close() error
}

func notFound(kind, id string) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", kind, id).
		WithDetails(map[string]any{"kind": kind, "id": id})
}
