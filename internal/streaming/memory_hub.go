package streaming

import (
	"context"
	"sync"

	"github.com/weaveflow/weave/pkg/schema"
)

const defaultChannelBuffer = 64

// subscription is one live consumer. closeOnce absorbs the race between a
// caller cancelling and the subscribed run finishing at the same time.
type subscription struct {
	id        uint64
	ch        chan StreamEvent
	types     []string
	closeOnce sync.Once
}

func (s *subscription) wants(eventType string) bool {
	if len(s.types) == 0 {
		return true
	}
	for _, t := range s.types {
		if t == eventType {
			return true
		}
	}
	return false
}

// offer never blocks; a full buffer means the consumer fell behind and the
// event is dropped rather than stalling the scheduler.
func (s *subscription) offer(ev StreamEvent) {
	select {
	case s.ch <- ev:
	default:
	}
}

func (s *subscription) close() {
	s.closeOnce.Do(func() { close(s.ch) })
}

// MemoryHub is an in-process EventHub. Subscriptions filtered to a single
// run are indexed per run, and the hub closes their channels right after
// delivering that run's terminal event, so a consumer draining the channel
// observes end-of-stream instead of hanging. Unfiltered subscriptions
// outlive individual runs and stay open until cancelled.
type MemoryHub struct {
	mu     sync.Mutex
	nextID uint64
	byRun  map[string]map[uint64]*subscription
	global map[uint64]*subscription
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{
		byRun:  make(map[string]map[uint64]*subscription),
		global: make(map[uint64]*subscription),
	}
}

// Publish fans the event out to the run's subscribers and every unfiltered
// subscriber. A terminal run event additionally closes and forgets all
// subscriptions scoped to that run.
func (h *MemoryHub) Publish(ctx context.Context, event StreamEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for _, sub := range h.global {
		if sub.wants(event.EventType) {
			sub.offer(event)
		}
	}
	for _, sub := range h.byRun[event.RunID] {
		if sub.wants(event.EventType) {
			sub.offer(event)
		}
	}

	if runStreamEnds(event.EventType) {
		for _, sub := range h.byRun[event.RunID] {
			sub.close()
		}
		delete(h.byRun, event.RunID)
	}
	return nil
}

// Subscribe registers a consumer. The returned cancel releases the
// subscription and closes the channel; for run-scoped filters the hub does
// the same on the run's terminal event, so cancel is then a no-op.
func (h *MemoryHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	h.mu.Lock()
	h.nextID++
	sub := &subscription{
		id:    h.nextID,
		ch:    make(chan StreamEvent, defaultChannelBuffer),
		types: filter.EventTypes,
	}
	if filter.RunID == "" {
		h.global[sub.id] = sub
	} else {
		runSubs := h.byRun[filter.RunID]
		if runSubs == nil {
			runSubs = make(map[uint64]*subscription)
			h.byRun[filter.RunID] = runSubs
		}
		runSubs[sub.id] = sub
	}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		delete(h.global, sub.id)
		if runSubs, ok := h.byRun[filter.RunID]; ok {
			delete(runSubs, sub.id)
			if len(runSubs) == 0 {
				delete(h.byRun, filter.RunID)
			}
		}
		h.mu.Unlock()
		sub.close()
	}

	return sub.ch, cancel, nil
}

// runStreamEnds reports whether an event type ends its run's live stream.
func runStreamEnds(eventType string) bool {
	switch eventType {
	case schema.EventRunCompleted, schema.EventRunFailed,
		schema.EventRunRolledBack, schema.EventRunCancelled:
		return true
	}
	return false
}
