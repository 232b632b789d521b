package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/weaveflow/weave/pkg/schema"
)

// Submitter is the interface the trigger uses to start runs. Satisfied by
// the engine (kept as an interface to avoid the import cycle).
type Submitter interface {
	Submit(ctx context.Context, wf *schema.Workflow, inputs map[string]any) (string, error)
}

// Schedule binds a cron expression to a workflow definition. Each due tick
// submits a fresh run with the stored inputs.
type Schedule struct {
	ID       string
	Cron     string
	Workflow *schema.Workflow
	Inputs   map[string]any

	next time.Time
}

// Trigger submits workflows on cron schedules. A schedule whose previous
// run is still being submitted is skipped for that tick (dedup), never
// queued up.
type Trigger struct {
	submitter Submitter
	parser    cron.Parser
	logger    *slog.Logger
	interval  time.Duration

	mu        sync.Mutex
	schedules map[string]*Schedule
	cancel    context.CancelFunc
	done      chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

func New(submitter Submitter, logger *slog.Logger) *Trigger {
	return &Trigger{
		submitter: submitter,
		parser:    cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:    logger,
		interval:  60 * time.Second,
		schedules: make(map[string]*Schedule),
		inflight:  make(map[string]struct{}),
	}
}

// Add registers a schedule. The cron expression is validated and the first
// due time computed immediately.
func (t *Trigger) Add(s *Schedule) error {
	if s.ID == "" || s.Workflow == nil {
		return schema.NewError(schema.ErrCodeValidation, "schedule needs an ID and a workflow")
	}
	next, err := t.NextRun(s.Cron, time.Now().UTC())
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.schedules[s.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "schedule %q already registered", s.ID)
	}
	s.next = next
	t.schedules[s.ID] = s
	return nil
}

// Remove drops a schedule. Removing an unknown ID is a no-op.
func (t *Trigger) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.schedules, id)
}

// Start launches the background tick loop.
func (t *Trigger) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.done != nil {
		t.mu.Unlock()
		return fmt.Errorf("trigger already started")
	}
	tctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})
	t.mu.Unlock()

	go t.loop(tctx)
	t.logger.Info("trigger started")
	return nil
}

// Stop halts the loop and waits for it to exit.
func (t *Trigger) Stop() {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (t *Trigger) loop(ctx context.Context) {
	defer close(t.done)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	t.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.tick(ctx)
		}
	}
}

func (t *Trigger) tick(ctx context.Context) {
	now := time.Now().UTC()

	t.mu.Lock()
	var due []*Schedule
	for _, s := range t.schedules {
		if !s.next.After(now) {
			due = append(due, s)
		}
	}
	t.mu.Unlock()

	for _, s := range due {
		if !t.tryAcquire(s.ID) {
			continue
		}
		t.fire(ctx, s, now)
		t.release(s.ID)
	}
}

func (t *Trigger) fire(ctx context.Context, s *Schedule, now time.Time) {
	runID, err := t.submitter.Submit(ctx, s.Workflow, s.Inputs)
	if err != nil {
		t.logger.Error("scheduled submission failed",
			slog.String("schedule_id", s.ID), slog.String("error", err.Error()))
	} else {
		t.logger.Info("scheduled run submitted",
			slog.String("schedule_id", s.ID), slog.String("run_id", runID))
	}

	next, nerr := t.NextRun(s.Cron, now)
	if nerr != nil {
		t.logger.Error("schedule disabled: cron no longer parses",
			slog.String("schedule_id", s.ID), slog.String("error", nerr.Error()))
		t.Remove(s.ID)
		return
	}
	t.mu.Lock()
	s.next = next
	t.mu.Unlock()
}

// NextRun computes the next fire time for a standard 5-field cron
// expression after the given instant.
func (t *Trigger) NextRun(expr string, after time.Time) (time.Time, error) {
	sched, err := t.parser.Parse(expr)
	if err != nil {
		return time.Time{}, schema.NewErrorf(schema.ErrCodeValidation,
			"cron expression %q: %v", expr, err).WithCause(err)
	}
	return sched.Next(after), nil
}

func (t *Trigger) tryAcquire(id string) bool {
	t.inflightMu.Lock()
	defer t.inflightMu.Unlock()
	if _, ok := t.inflight[id]; ok {
		return false
	}
	t.inflight[id] = struct{}{}
	return true
}

func (t *Trigger) release(id string) {
	t.inflightMu.Lock()
	defer t.inflightMu.Unlock()
	delete(t.inflight, id)
}
