package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/weaveflow/weave/internal/expressions"
	"github.com/weaveflow/weave/internal/graph"
	"github.com/weaveflow/weave/internal/runner"
	"github.com/weaveflow/weave/internal/store"
	"github.com/weaveflow/weave/internal/streaming"
	"github.com/weaveflow/weave/internal/validation"
	"github.com/weaveflow/weave/pkg/schema"
)

// Options configures an Engine. Registry is required; a nil Store disables
// persistence, a nil Hub disables live event streaming, and a nil Logger
// falls back to slog.Default.
type Options struct {
	Registry *runner.Registry
	Store    store.Store
	Hub      streaming.EventHub
	Logger   *slog.Logger
}

// Engine validates, runs, and tracks workflow executions. Submit is
// asynchronous: it returns a run ID immediately and the run progresses on
// its own goroutines until a terminal status.
type Engine struct {
	registry  *runner.Registry
	engines   *expressions.Set
	validator *validation.DefinitionValidator
	store     store.Store
	hub       streaming.EventHub
	log       *slog.Logger

	mu   sync.RWMutex
	runs map[string]*runHandle
}

type runHandle struct {
	rec    *Record
	cancel context.CancelFunc
	done   chan struct{}
}

func New(opts Options) (*Engine, error) {
	if opts.Registry == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "engine requires a runner registry")
	}
	engines, err := expressions.NewSet()
	if err != nil {
		return nil, err
	}
	validator, err := validation.NewDefinitionValidator()
	if err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		registry:  opts.Registry,
		engines:   engines,
		validator: validator,
		store:     opts.Store,
		hub:       opts.Hub,
		log:       log,
		runs:      make(map[string]*runHandle),
	}, nil
}

// Submit validates the workflow, starts a run, and returns its ID. All
// structural problems (schema violations, cycles, dangling dependencies,
// uncompilable expressions, unregistered runners) are rejected here, before
// anything executes.
func (e *Engine) Submit(ctx context.Context, wf *schema.Workflow, inputs map[string]any) (string, error) {
	if err := e.validator.ValidateWorkflow(wf); err != nil {
		return "", err
	}
	g, err := graph.Build(wf)
	if err != nil {
		return "", err
	}
	if err := e.compileExpressions(wf); err != nil {
		return "", err
	}
	if err := e.checkRunners(wf); err != nil {
		return "", err
	}

	if wf.ID == "" {
		wf.ID = uuid.NewString()
	}
	runID := uuid.NewString()
	rec := NewRecord(runID, wf, inputs)

	e.archive(ctx, wf, rec)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	handle := &runHandle{rec: rec, cancel: cancel, done: make(chan struct{})}
	e.mu.Lock()
	e.runs[runID] = handle
	e.mu.Unlock()

	sched := newScheduler(wf, g, rec, e.registry, e.engines, e.sink(), e.hub, e.log)
	go func() {
		defer close(handle.done)
		defer cancel()
		sched.run(runCtx)
		e.archive(context.WithoutCancel(runCtx), wf, rec)
	}()

	return runID, nil
}

// Status returns a point-in-time snapshot of the run. Snapshots taken while
// the run progresses are internally consistent but immediately stale.
func (e *Engine) Status(runID string) (Snapshot, error) {
	e.mu.RLock()
	handle, ok := e.runs[runID]
	e.mu.RUnlock()
	if !ok {
		return Snapshot{}, schema.NewErrorf(schema.ErrCodeNotFound, "run %q not found", runID)
	}
	return handle.rec.Snapshot(), nil
}

// Cancel requests cancellation of a running workflow. Inflight steps are
// interrupted through their contexts; already-terminal runs return a
// conflict error.
func (e *Engine) Cancel(runID string) error {
	e.mu.RLock()
	handle, ok := e.runs[runID]
	e.mu.RUnlock()
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "run %q not found", runID)
	}
	snap := handle.rec.Snapshot()
	if snap.Status.Terminal() {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"run %q already %s", runID, snap.Status)
	}
	handle.cancel()
	return nil
}

// Wait blocks until the run reaches a terminal status or ctx expires, and
// returns the final snapshot.
func (e *Engine) Wait(ctx context.Context, runID string) (Snapshot, error) {
	e.mu.RLock()
	handle, ok := e.runs[runID]
	e.mu.RUnlock()
	if !ok {
		return Snapshot{}, schema.NewErrorf(schema.ErrCodeNotFound, "run %q not found", runID)
	}
	select {
	case <-handle.done:
		return handle.rec.Snapshot(), nil
	case <-ctx.Done():
		return Snapshot{}, schema.NewError(schema.ErrCodeCancelled, "wait interrupted").WithCause(ctx.Err())
	}
}

// Watch subscribes to the live event stream of a run. The channel closes
// after the run's terminal event is delivered; the returned cancel function
// releases the subscription early. Requires a Hub; without one an error is
// returned.
func (e *Engine) Watch(ctx context.Context, runID string) (<-chan streaming.StreamEvent, func(), error) {
	if e.hub == nil {
		return nil, nil, schema.NewError(schema.ErrCodeValidation, "engine has no event hub")
	}
	return e.hub.Subscribe(ctx, streaming.EventFilter{RunID: runID})
}

// compileExpressions pre-compiles every predicate and selector in the
// definition so bad expressions fail the submission, not the run.
func (e *Engine) compileExpressions(wf *schema.Workflow) error {
	for i := range wf.Steps {
		step := &wf.Steps[i]
		if step.Conditional != nil {
			eng, err := e.engines.Predicate(step.Conditional.Language)
			if err != nil {
				return schema.NewError(schema.ErrCodeValidation, err.Error()).WithStep(step.ID)
			}
			if err := eng.Compile(step.Conditional.Predicate); err != nil {
				return schema.NewErrorf(schema.ErrCodeValidation,
					"predicate of step %q: %v", step.ID, err).WithStep(step.ID).WithCause(err)
			}
		}
		if step.Decision != nil {
			eng, err := e.engines.Predicate("")
			if err != nil {
				return err
			}
			for _, alt := range step.Decision.Alternatives {
				if alt.When == "" {
					continue
				}
				if err := eng.Compile(alt.When); err != nil {
					return schema.NewErrorf(schema.ErrCodeValidation,
						"alternative %q of step %q: %v", alt.ID, step.ID, err).
						WithStep(step.ID).WithCause(err)
				}
			}
		}
		if step.OutputSelector != "" {
			if err := e.engines.Selector().Compile(step.OutputSelector); err != nil {
				return schema.NewErrorf(schema.ErrCodeValidation,
					"output selector of step %q: %v", step.ID, err).WithStep(step.ID).WithCause(err)
			}
		}
	}
	return nil
}

// checkRunners verifies every referenced handler is registered.
func (e *Engine) checkRunners(wf *schema.Workflow) error {
	for i := range wf.Steps {
		step := &wf.Steps[i]
		name := runner.HandlerFor(step)
		if name == "" {
			continue
		}
		if !e.registry.Has(name) {
			return schema.NewErrorf(schema.ErrCodeRunnerUnavailable,
				"step %q references unregistered runner %q", step.ID, name).WithStep(step.ID)
		}
	}
	return nil
}

func (e *Engine) sink() EventSink {
	if e.store == nil {
		return nil
	}
	return e.store
}

// archive persists the run record; persistence failures are logged, never
// surfaced to the run.
func (e *Engine) archive(ctx context.Context, wf *schema.Workflow, rec *Record) {
	if e.store == nil {
		return
	}
	snap := rec.Snapshot()
	def, _ := json.Marshal(wf)
	snapJSON, _ := json.Marshal(snap)
	var inputsJSON json.RawMessage
	if in := rec.Inputs(); in != nil {
		inputsJSON, _ = json.Marshal(in)
	}
	var errJSON json.RawMessage
	if snap.Error != nil {
		errJSON, _ = json.Marshal(snap.Error)
	}
	run := &store.Run{
		ID:           rec.RunID,
		WorkflowID:   wf.ID,
		WorkflowName: wf.Name,
		Status:       snap.Status,
		Definition:   def,
		Inputs:       inputsJSON,
		Snapshot:     snapJSON,
		Error:        errJSON,
	}
	if !snap.StartedAt.IsZero() {
		t := snap.StartedAt
		run.StartedAt = &t
	}
	if !snap.EndedAt.IsZero() {
		t := snap.EndedAt
		run.EndedAt = &t
	}
	if err := e.store.SaveRun(ctx, run); err != nil {
		e.log.WarnContext(ctx, "run archive failed",
			slog.String("run_id", rec.RunID), slog.String("error", err.Error()))
	}
}
