package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/weaveflow/weave/internal/expressions"
	"github.com/weaveflow/weave/internal/graph"
	"github.com/weaveflow/weave/internal/logging"
	"github.com/weaveflow/weave/internal/runner"
	"github.com/weaveflow/weave/internal/store"
	"github.com/weaveflow/weave/internal/streaming"
	"github.com/weaveflow/weave/internal/template"
	"github.com/weaveflow/weave/pkg/schema"
)

// EventSink receives the ordered event stream of a run. Sink errors are
// logged and swallowed; persistence never blocks scheduling.
type EventSink interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

type eventKind int

const (
	evStarted eventKind = iota
	evRetry
	evDone
)

// stepEvent is a worker-to-scheduler message. The scheduler loop is the
// only goroutine that mutates the Record; workers just report.
type stepEvent struct {
	kind    eventKind
	stepID  string
	attempt int
	output  map[string]any
	err     error
}

// scheduler drives one run: a readiness-driven event loop that dispatches
// steps the moment their dependencies are satisfied, bounded by the
// workflow's max concurrency. It deliberately avoids level-lockstep
// execution so a slow step only delays its own dependents.
type scheduler struct {
	wf       *schema.Workflow
	g        *graph.Graph
	rec      *Record
	registry *runner.Registry
	resolver *template.Resolver
	engines  *expressions.Set
	sink     EventSink
	hub      streaming.EventHub
	log      *slog.Logger

	pool   *workerPool
	events chan stepEvent

	remaining map[string]int
	ready     []string
	inflight  int

	firstErr  *schema.Error
	rollback  bool
	cancelled bool
}

func newScheduler(wf *schema.Workflow, g *graph.Graph, rec *Record,
	registry *runner.Registry, engines *expressions.Set, sink EventSink,
	hub streaming.EventHub, log *slog.Logger) *scheduler {
	s := &scheduler{
		wf:        wf,
		g:         g,
		rec:       rec,
		registry:  registry,
		resolver:  template.NewResolver(),
		engines:   engines,
		sink:      sink,
		hub:       hub,
		log:       log,
		events:    make(chan stepEvent, len(wf.Steps)*2+8),
		remaining: make(map[string]int, len(wf.Steps)),
	}
	s.pool = newWorkerPool(wf.Config.Concurrency(), func(stepID string, err error) {
		s.events <- stepEvent{kind: evDone, stepID: stepID, err: err}
	})
	return s
}

// run executes the workflow to a terminal run status. It blocks until every
// inflight attempt has reported, even on cancellation. A runner that ignores
// its context may still be executing when the run ends; its result lands on
// a buffered channel nobody reads and is discarded.
func (s *scheduler) run(ctx context.Context) {
	ctx = logging.WithRunID(logging.WithWorkflowID(ctx, s.wf.ID), s.rec.RunID)

	if err := s.rec.begin(); err != nil {
		s.finish(ctx, schema.RunStatusFailed, schema.NewError(schema.ErrCodeInvalidTransition, err.Error()))
		return
	}
	s.emitRun(ctx, schema.EventRunStarted, nil)

	for id, deps := range s.g.Edges {
		s.remaining[id] = len(deps)
	}
	roots := append([]string(nil), s.g.Roots...)
	sort.Strings(roots)
	s.ready = roots

	for {
		s.dispatch(ctx)

		if s.inflight == 0 {
			if s.cancelled {
				s.pool.Shutdown()
				s.finish(ctx, schema.RunStatusCancelled,
					schema.NewError(schema.ErrCodeCancelled, "run cancelled"))
				return
			}
			if s.rollback {
				s.runRollback(ctx)
				s.pool.Shutdown()
				s.finish(ctx, schema.RunStatusRolledBack, s.firstErr)
				return
			}
			if len(s.ready) == 0 {
				s.pool.Shutdown()
				if s.firstErr != nil {
					s.finish(ctx, schema.RunStatusFailed, s.firstErr)
				} else {
					s.finish(ctx, schema.RunStatusCompleted, nil)
				}
				return
			}
			// ready steps remain but no slot was consumed: only possible
			// when dispatch inlined conditionals; loop again.
			continue
		}

		if s.cancelled {
			ev := <-s.events
			s.handleEvent(ctx, ev)
			continue
		}
		select {
		case ev := <-s.events:
			s.handleEvent(ctx, ev)
		case <-ctx.Done():
			s.cancelled = true
		}
	}
}

// dispatch drains the ready queue into the pool until concurrency is
// saturated. Conditional gates are evaluated inline; they never occupy a
// worker slot.
func (s *scheduler) dispatch(ctx context.Context) {
	if s.cancelled || s.rollback {
		return
	}
	limit := s.wf.Config.Concurrency()
	for len(s.ready) > 0 {
		id := s.ready[0]
		step := s.g.Steps[id]

		if step.EffectiveKind() == schema.StepKindConditional {
			s.ready = s.ready[1:]
			s.evaluateGate(ctx, step)
			continue
		}

		if s.inflight >= limit {
			return
		}
		s.ready = s.ready[1:]
		s.inflight++
		stepID := id
		if err := s.pool.Submit(ctx, stepID, func(wctx context.Context) {
			s.runStep(wctx, s.g.Steps[stepID])
		}); err != nil {
			// Handle inline; sending from the loop goroutine could block.
			s.handleEvent(ctx, stepEvent{kind: evDone, stepID: stepID,
				err: schema.NewError(schema.ErrCodeExecution, err.Error()).WithStep(stepID)})
		}
	}
}

// evaluateGate resolves a conditional step in the loop goroutine: predicate
// false skips the step, true passes it through with a marker output. Either
// way dependents observe a satisfied dependency.
func (s *scheduler) evaluateGate(ctx context.Context, step *schema.Step) {
	eng, err := s.engines.Predicate(step.Conditional.Language)
	if err == nil {
		var pass bool
		pass, err = expressions.EvaluateBool(ctx, eng, step.Conditional.Predicate, s.rec.Scope())
		if err == nil {
			if !pass {
				s.rec.stepSkipped(step.ID, "predicate_false")
				s.emitStep(ctx, schema.EventStepSkipped, step.ID, 0,
					map[string]any{"reason": "predicate_false"})
				s.propagate(step.ID)
				return
			}
			s.rec.stepStarted(step.ID, 1)
			s.rec.stepSucceeded(step.ID, map[string]any{"matched": true})
			s.emitStep(ctx, schema.EventStepSucceeded, step.ID, 1, map[string]any{"matched": true})
			s.propagate(step.ID)
			return
		}
	}
	serr := asSchemaError(err, step.ID)
	s.rec.stepStarted(step.ID, 1)
	s.rec.stepFailed(step.ID, serr)
	s.emitStep(ctx, schema.EventStepFailed, step.ID, 1, map[string]any{"error": serr.Error()})
	s.onFailure(ctx, step.ID, serr)
}

// runStep is the worker body: resolve inputs once, then attempt execution
// with per-attempt timeout and jittered backoff between retries.
func (s *scheduler) runStep(ctx context.Context, step *schema.Step) {
	ctx = logging.WithStepID(ctx, step.ID)
	log := logging.LogWith(ctx, s.log)

	retries := s.wf.EffectiveRetries(step)
	timeout := s.wf.EffectiveTimeout(step)

	rn, inputs, prepErr := s.prepare(step)
	attempt := 0
	for {
		attempt++
		s.events <- stepEvent{kind: evStarted, stepID: step.ID, attempt: attempt}

		var out map[string]any
		var err error
		if prepErr != nil {
			err = prepErr
		} else {
			out, err = s.attempt(ctx, rn, step, inputs, timeout)
		}
		if err == nil {
			s.events <- stepEvent{kind: evDone, stepID: step.ID, attempt: attempt, output: out}
			return
		}
		if attempt > retries || !retryable(err) || ctx.Err() != nil {
			s.events <- stepEvent{kind: evDone, stepID: step.ID, attempt: attempt,
				err: asSchemaError(err, step.ID)}
			return
		}
		log.WarnContext(ctx, "step attempt failed, retrying",
			slog.Int("attempt", attempt), slog.Int("retries", retries), slog.String("error", err.Error()))
		s.events <- stepEvent{kind: evRetry, stepID: step.ID, attempt: attempt, err: err}
		if werr := waitBackoff(ctx, attempt); werr != nil {
			s.events <- stepEvent{kind: evDone, stepID: step.ID, attempt: attempt,
				err: schema.NewError(schema.ErrCodeCancelled, "cancelled during backoff").
					WithStep(step.ID).WithCause(err)}
			return
		}
	}
}

// prepare resolves the step's runner and input template. Both are stable
// across attempts: dependencies are terminal before dispatch.
func (s *scheduler) prepare(step *schema.Step) (runner.Runner, map[string]any, error) {
	rn, err := s.registry.Get(runner.HandlerFor(step))
	if err != nil {
		return nil, nil, err
	}
	inputs, err := s.resolver.Resolve(step.Inputs, s.rec)
	if err != nil {
		return nil, nil, err
	}
	return rn, inputs, nil
}

// attemptResult carries one runner invocation's outcome to the attempt
// goroutine racing it against the deadline.
type attemptResult struct {
	out map[string]any
	err error
}

func (s *scheduler) attempt(ctx context.Context, rn runner.Runner, step *schema.Step,
	inputs map[string]any, timeout time.Duration) (map[string]any, error) {
	actx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	// The runner executes on its own goroutine so a handler that ignores
	// its context cannot hold the attempt open past the deadline. The
	// result channel is buffered: a straggler finishing after the deadline
	// sends its discarded result and exits.
	done := make(chan attemptResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- attemptResult{err: schema.NewErrorf(schema.ErrCodeExecution,
					"step panicked: %v", r).WithStep(step.ID)}
			}
		}()
		o, e := rn.Execute(actx, step, inputs)
		done <- attemptResult{out: o, err: e}
	}()

	var out map[string]any
	select {
	case res := <-done:
		if res.err != nil {
			if errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
				return nil, schema.NewErrorf(schema.ErrCodeTimeout,
					"step timed out after %s", timeout).WithStep(step.ID).WithCause(res.err)
			}
			if errors.Is(res.err, context.Canceled) {
				return nil, schema.NewError(schema.ErrCodeCancelled, "step cancelled").
					WithStep(step.ID).WithCause(res.err)
			}
			return nil, res.err
		}
		out = res.out
	case <-actx.Done():
		if errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, schema.NewErrorf(schema.ErrCodeTimeout,
				"step timed out after %s", timeout).WithStep(step.ID).WithCause(actx.Err())
		}
		return nil, schema.NewError(schema.ErrCodeCancelled, "step cancelled").
			WithStep(step.ID).WithCause(actx.Err())
	}

	if step.OutputSelector != "" {
		sel, serr := s.engines.Selector().Evaluate(actx, step.OutputSelector, out)
		if serr != nil {
			return nil, schema.NewErrorf(schema.ErrCodeTemplate,
				"output selector %q: %v", step.OutputSelector, serr).WithStep(step.ID).WithCause(serr)
		}
		if m, ok := sel.(map[string]any); ok {
			out = m
		} else {
			out = map[string]any{"result": sel}
		}
	}
	return out, nil
}

func (s *scheduler) handleEvent(ctx context.Context, ev stepEvent) {
	switch ev.kind {
	case evStarted:
		s.rec.stepStarted(ev.stepID, ev.attempt)
		if ev.attempt == 1 {
			s.emitStep(ctx, schema.EventStepStarted, ev.stepID, ev.attempt, nil)
		}
	case evRetry:
		s.emitStep(ctx, schema.EventStepRetryAttempt, ev.stepID, ev.attempt,
			map[string]any{"error": ev.err.Error()})
	case evDone:
		s.inflight--
		if ev.err == nil {
			s.rec.stepSucceeded(ev.stepID, ev.output)
			s.emitStep(ctx, schema.EventStepSucceeded, ev.stepID, ev.attempt, nil)
			s.propagate(ev.stepID)
			return
		}
		serr := asSchemaError(ev.err, ev.stepID)
		s.rec.stepFailed(ev.stepID, serr)
		s.emitStep(ctx, schema.EventStepFailed, ev.stepID, ev.attempt,
			map[string]any{"error": serr.Error(), "code": serr.Code})
		if !s.cancelled {
			s.onFailure(ctx, ev.stepID, serr)
		}
	}
}

// propagate decrements dependents' pending dependency counts and enqueues
// any that became ready, sorted by ID for deterministic tie order.
func (s *scheduler) propagate(stepID string) {
	var newly []string
	for _, dep := range s.g.Reverse[stepID] {
		s.remaining[dep]--
		if s.remaining[dep] != 0 {
			continue
		}
		st, ok := s.rec.StepStatus(dep)
		if !ok || st != schema.StepStatusWaiting {
			continue
		}
		if s.rec.isAbandoned(dep) {
			continue
		}
		newly = append(newly, dep)
	}
	sort.Strings(newly)
	s.ready = append(s.ready, newly...)
}

func (s *scheduler) emitRun(ctx context.Context, eventType string, payload map[string]any) {
	s.emit(ctx, eventType, "", 0, payload)
}

func (s *scheduler) emitStep(ctx context.Context, eventType, stepID string, attempt int, payload map[string]any) {
	s.emit(ctx, eventType, stepID, attempt, payload)
}

func (s *scheduler) emit(ctx context.Context, eventType, stepID string, attempt int, payload map[string]any) {
	if s.hub != nil {
		_ = s.hub.Publish(context.WithoutCancel(ctx), streaming.StreamEvent{
			RunID:     s.rec.RunID,
			StepID:    stepID,
			EventType: eventType,
			Attempt:   attempt,
			Payload:   payload,
		})
	}
	if s.sink == nil {
		return
	}
	var raw json.RawMessage
	if payload != nil {
		raw, _ = json.Marshal(payload)
	}
	ev := &store.Event{
		RunID:   s.rec.RunID,
		StepID:  stepID,
		Type:    eventType,
		Attempt: attempt,
		Payload: raw,
	}
	if err := s.sink.AppendEvent(context.WithoutCancel(ctx), ev); err != nil {
		s.log.WarnContext(ctx, "event sink append failed",
			slog.String("event_type", eventType), slog.String("error", err.Error()))
	}
}

func asSchemaError(err error, stepID string) *schema.Error {
	if err == nil {
		return schema.NewError(schema.ErrCodeExecution, "unknown failure").WithStep(stepID)
	}
	var serr *schema.Error
	if errors.As(err, &serr) {
		if serr.StepID == "" {
			return serr.WithStep(stepID)
		}
		return serr
	}
	return schema.NewError(schema.ErrCodeExecution, err.Error()).WithStep(stepID).WithCause(err)
}
