package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps runs and events in process memory. It backs tests and
// runs that do not configure a database path.
type MemoryStore struct {
	mu     sync.RWMutex
	runs   map[string]*Run
	events map[string][]*Event
	nextID int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:   make(map[string]*Run),
		events: make(map[string][]*Event),
	}
}

func (m *MemoryStore) SaveRun(ctx context.Context, run *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *run
	if existing, ok := m.runs[run.ID]; ok {
		cp.CreatedAt = existing.CreatedAt
	} else {
		cp.CreatedAt = timeOrNow(run.CreatedAt)
	}
	cp.UpdatedAt = time.Now().UTC()
	m.runs[run.ID] = &cp
	return nil
}

func (m *MemoryStore) GetRun(ctx context.Context, id string) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, notFound("run", id)
	}
	cp := *run
	return &cp, nil
}

func (m *MemoryStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Run
	for _, run := range m.runs {
		if filter.Status != nil && run.Status != *filter.Status {
			continue
		}
		if filter.WorkflowID != "" && run.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.Since != nil && run.CreatedAt.Before(*filter.Since) {
			continue
		}
		cp := *run
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) AppendEvent(ctx context.Context, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	cp := *event
	cp.ID = m.nextID
	cp.Sequence = int64(len(m.events[event.RunID])) + 1
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now().UTC()
	}
	m.events[event.RunID] = append(m.events[event.RunID], &cp)
	event.Sequence = cp.Sequence
	return nil
}

func (m *MemoryStore) ListEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Event
	for _, ev := range m.events[runID] {
		if ev.Sequence > since {
			cp := *ev
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }
