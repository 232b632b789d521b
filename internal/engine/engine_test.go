package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weaveflow/weave/internal/expressions"
	"github.com/weaveflow/weave/internal/runner"
	"github.com/weaveflow/weave/internal/store"
	"github.com/weaveflow/weave/internal/streaming"
	"github.com/weaveflow/weave/pkg/schema"
)

// stubRunner runs a configurable function; without one it echoes its step ID.
type stubRunner struct {
	name string
	fn   func(ctx context.Context, step *schema.Step, inputs map[string]any) (map[string]any, error)
}

func (r *stubRunner) Name() string { return r.name }

func (r *stubRunner) Execute(ctx context.Context, step *schema.Step, inputs map[string]any) (map[string]any, error) {
	if r.fn == nil {
		return map[string]any{"step": step.ID}, nil
	}
	return r.fn(ctx, step, inputs)
}

// compensableRunner records compensation calls in order.
type compensableRunner struct {
	stubRunner
	mu      sync.Mutex
	undone  []string
	compErr func(stepID string) error
}

func (r *compensableRunner) Compensate(ctx context.Context, step *schema.Step, output map[string]any) error {
	r.mu.Lock()
	r.undone = append(r.undone, step.ID)
	r.mu.Unlock()
	if r.compErr != nil {
		return r.compErr(step.ID)
	}
	return nil
}

func (r *compensableRunner) undoneIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.undone...)
}

type orderTracker struct {
	mu    sync.Mutex
	order []string
}

func (t *orderTracker) add(id string) {
	t.mu.Lock()
	t.order = append(t.order, id)
	t.mu.Unlock()
}

func (t *orderTracker) index(id string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, got := range t.order {
		if got == id {
			return i
		}
	}
	return -1
}

func newTestEngine(t *testing.T, reg *runner.Registry) (*Engine, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	eng, err := New(Options{
		Registry: reg,
		Store:    st,
		Hub:      streaming.NewMemoryHub(),
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	return eng, st
}

func runToEnd(t *testing.T, eng *Engine, wf *schema.Workflow, inputs map[string]any) Snapshot {
	t.Helper()
	runID, err := eng.Submit(context.Background(), wf, inputs)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	snap, err := eng.Wait(ctx, runID)
	require.NoError(t, err)
	return snap
}

// --- Happy path ---

func TestRun_DiamondCompletes(t *testing.T) {
	tracker := &orderTracker{}
	reg := runner.NewRegistry()
	require.NoError(t, reg.Register(&stubRunner{name: "work", fn: func(ctx context.Context, step *schema.Step, inputs map[string]any) (map[string]any, error) {
		tracker.add(step.ID)
		return map[string]any{"step": step.ID}, nil
	}}))
	eng, _ := newTestEngine(t, reg)

	wf, err := schema.NewBuilder("diamond").
		Task("extract", "work", nil).
		Task("clean", "work", nil, "extract").
		Task("enrich", "work", nil, "extract").
		Task("load", "work", nil, "clean", "enrich").
		Build()
	require.NoError(t, err)

	snap := runToEnd(t, eng, wf, nil)
	assert.Equal(t, schema.RunStatusCompleted, snap.Status)
	assert.Nil(t, snap.Error)
	for id, step := range snap.Steps {
		assert.Equal(t, schema.StepStatusSucceeded, step.Status, id)
		assert.Equal(t, 1, step.Attempts, id)
	}

	assert.Less(t, tracker.index("extract"), tracker.index("clean"))
	assert.Less(t, tracker.index("extract"), tracker.index("enrich"))
	assert.Less(t, tracker.index("clean"), tracker.index("load"))
	assert.Less(t, tracker.index("enrich"), tracker.index("load"))
}

func TestRun_TemplatesResolveAgainstPriorOutputs(t *testing.T) {
	var got map[string]any
	var gotMu sync.Mutex
	reg := runner.NewRegistry()
	require.NoError(t, reg.Register(&stubRunner{name: "emit", fn: func(ctx context.Context, step *schema.Step, inputs map[string]any) (map[string]any, error) {
		return map[string]any{"rows": 42, "source": "s3"}, nil
	}}))
	require.NoError(t, reg.Register(&stubRunner{name: "check", fn: func(ctx context.Context, step *schema.Step, inputs map[string]any) (map[string]any, error) {
		gotMu.Lock()
		got = inputs
		gotMu.Unlock()
		return map[string]any{}, nil
	}}))
	eng, _ := newTestEngine(t, reg)

	wf, err := schema.NewBuilder("tpl").
		Task("extract", "emit", nil).
		Task("verify", "check", nil, "extract").
		Inputs(map[string]any{
			"count":  "{{extract.output.rows}}",
			"msg":    "loaded {{extract.output.rows}} rows from {{inputs.bucket}}",
			"bucket": "{{inputs.bucket}}",
		}).
		Build()
	require.NoError(t, err)

	snap := runToEnd(t, eng, wf, map[string]any{"bucket": "raw-data"})
	require.Equal(t, schema.RunStatusCompleted, snap.Status)

	gotMu.Lock()
	defer gotMu.Unlock()
	assert.Equal(t, 42, got["count"], "whole-reference keeps the native type")
	assert.Equal(t, "loaded 42 rows from raw-data", got["msg"])
	assert.Equal(t, "raw-data", got["bucket"])
}

func TestRun_ConcurrencyCap(t *testing.T) {
	var current, peak atomic.Int32
	reg := runner.NewRegistry()
	require.NoError(t, reg.Register(&stubRunner{name: "work", fn: func(ctx context.Context, step *schema.Step, inputs map[string]any) (map[string]any, error) {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		current.Add(-1)
		return map[string]any{}, nil
	}}))
	eng, _ := newTestEngine(t, reg)

	wf, err := schema.NewBuilder("parallel").
		Task("a", "work", nil).
		Task("b", "work", nil).
		Task("c", "work", nil).
		Task("d", "work", nil).
		MaxConcurrency(2).
		Build()
	require.NoError(t, err)

	snap := runToEnd(t, eng, wf, nil)
	assert.Equal(t, schema.RunStatusCompleted, snap.Status)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestRun_OutputSelector(t *testing.T) {
	reg := runner.NewRegistry()
	require.NoError(t, reg.Register(&stubRunner{name: "emit", fn: func(ctx context.Context, step *schema.Step, inputs map[string]any) (map[string]any, error) {
		return map[string]any{"body": map[string]any{"rows": 42}, "status": 200}, nil
	}}))
	eng, _ := newTestEngine(t, reg)

	wf, err := schema.NewBuilder("sel").
		Task("fetch", "emit", nil).
		Select(".body").
		Task("count", "emit", nil).
		Select(".status").
		Build()
	require.NoError(t, err)

	snap := runToEnd(t, eng, wf, nil)
	require.Equal(t, schema.RunStatusCompleted, snap.Status)
	assert.EqualValues(t, 42, snap.Steps["fetch"].Output["rows"], "object results replace the output")
	assert.EqualValues(t, 200, snap.Steps["count"].Output["result"], "scalar results are wrapped")
}

// --- Retries and timeouts ---

func TestRun_RetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	reg := runner.NewRegistry()
	require.NoError(t, reg.Register(&stubRunner{name: "flaky", fn: func(ctx context.Context, step *schema.Step, inputs map[string]any) (map[string]any, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("transient failure")
		}
		return map[string]any{"ok": true}, nil
	}}))
	eng, st := newTestEngine(t, reg)

	wf, err := schema.NewBuilder("retry").
		Task("fetch", "flaky", nil).
		Retries(2).
		Build()
	require.NoError(t, err)

	runID, err := eng.Submit(context.Background(), wf, nil)
	require.NoError(t, err)
	snap, err := eng.Wait(context.Background(), runID)
	require.NoError(t, err)

	assert.Equal(t, schema.RunStatusCompleted, snap.Status)
	assert.Equal(t, schema.StepStatusSucceeded, snap.Steps["fetch"].Status)
	assert.Equal(t, 3, snap.Steps["fetch"].Attempts)

	events, err := st.ListEvents(context.Background(), runID, 0)
	require.NoError(t, err)
	retryEvents := 0
	for _, ev := range events {
		if ev.Type == schema.EventStepRetryAttempt {
			retryEvents++
		}
	}
	assert.Equal(t, 2, retryEvents)
}

func TestRun_RetryExhaustion(t *testing.T) {
	var calls atomic.Int32
	reg := runner.NewRegistry()
	require.NoError(t, reg.Register(&stubRunner{name: "broken", fn: func(ctx context.Context, step *schema.Step, inputs map[string]any) (map[string]any, error) {
		calls.Add(1)
		return nil, errors.New("boom")
	}}))
	eng, _ := newTestEngine(t, reg)

	wf, err := schema.NewBuilder("exhaust").
		Task("fetch", "broken", nil).
		Retries(1).
		Build()
	require.NoError(t, err)

	snap := runToEnd(t, eng, wf, nil)
	assert.Equal(t, schema.RunStatusFailed, snap.Status)
	assert.Equal(t, schema.StepStatusFailed, snap.Steps["fetch"].Status)
	assert.Equal(t, 2, snap.Steps["fetch"].Attempts)
	assert.EqualValues(t, 2, calls.Load())
	require.NotNil(t, snap.Error)
}

func TestRun_NonRetryableErrorFailsFast(t *testing.T) {
	var calls atomic.Int32
	reg := runner.NewRegistry()
	require.NoError(t, reg.Register(&stubRunner{name: "bad", fn: func(ctx context.Context, step *schema.Step, inputs map[string]any) (map[string]any, error) {
		calls.Add(1)
		return nil, schema.NewError(schema.ErrCodeValidation, "malformed request")
	}}))
	eng, _ := newTestEngine(t, reg)

	wf, err := schema.NewBuilder("fast-fail").
		Task("fetch", "bad", nil).
		Retries(5).
		Build()
	require.NoError(t, err)

	snap := runToEnd(t, eng, wf, nil)
	assert.Equal(t, schema.RunStatusFailed, snap.Status)
	assert.EqualValues(t, 1, calls.Load(), "structural errors are not retried")
}

func TestRun_PerAttemptTimeout(t *testing.T) {
	reg := runner.NewRegistry()
	require.NoError(t, reg.Register(&stubRunner{name: "slow", fn: func(ctx context.Context, step *schema.Step, inputs map[string]any) (map[string]any, error) {
		select {
		case <-time.After(2 * time.Second):
			return map[string]any{}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}}))
	eng, _ := newTestEngine(t, reg)

	wf, err := schema.NewBuilder("timeout").
		Task("fetch", "slow", nil).
		Timeout("30ms").
		Retries(0).
		Build()
	require.NoError(t, err)

	snap := runToEnd(t, eng, wf, nil)
	assert.Equal(t, schema.RunStatusFailed, snap.Status)
	step := snap.Steps["fetch"]
	assert.Equal(t, schema.StepStatusFailed, step.Status)
	require.NotNil(t, step.Error)
	assert.Equal(t, schema.ErrCodeTimeout, step.Error.Code)
}

func TestRun_TimeoutPreemptsUncooperativeRunner(t *testing.T) {
	finished := make(chan struct{})
	reg := runner.NewRegistry()
	require.NoError(t, reg.Register(&stubRunner{name: "stubborn", fn: func(ctx context.Context, step *schema.Step, inputs map[string]any) (map[string]any, error) {
		// Deliberately ignores ctx and finishes with a late success.
		time.Sleep(600 * time.Millisecond)
		close(finished)
		return map[string]any{"late": true}, nil
	}}))
	eng, _ := newTestEngine(t, reg)

	wf, err := schema.NewBuilder("stuck").
		Task("fetch", "stubborn", nil).
		Timeout("50ms").
		Retries(0).
		Build()
	require.NoError(t, err)

	start := time.Now()
	snap := runToEnd(t, eng, wf, nil)
	elapsed := time.Since(start)

	assert.Less(t, elapsed, 300*time.Millisecond,
		"run must end at the deadline, not when the runner returns")
	assert.Equal(t, schema.RunStatusFailed, snap.Status)
	step := snap.Steps["fetch"]
	assert.Equal(t, schema.StepStatusFailed, step.Status)
	require.NotNil(t, step.Error)
	assert.Equal(t, schema.ErrCodeTimeout, step.Error.Code)

	// The straggler's late success is discarded, not recorded.
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("runner never finished")
	}
	after, err := eng.Status(snap.RunID)
	require.NoError(t, err)
	assert.Equal(t, schema.StepStatusFailed, after.Steps["fetch"].Status)
	assert.Nil(t, after.Steps["fetch"].Output)
}

// --- Failure policies ---

func failingWorkflow(t *testing.T, policy schema.FailurePolicy) *schema.Workflow {
	t.Helper()
	wf, err := schema.NewBuilder("branching").
		Task("fail", "explode", nil).
		Task("downstream", "work", nil, "fail").
		Task("independent", "work", nil).
		OnFailure(policy).
		Build()
	require.NoError(t, err)
	return wf
}

func policyRegistry(t *testing.T) *runner.Registry {
	t.Helper()
	reg := runner.NewRegistry()
	require.NoError(t, reg.Register(&stubRunner{name: "work"}))
	require.NoError(t, reg.Register(&stubRunner{name: "explode", fn: func(ctx context.Context, step *schema.Step, inputs map[string]any) (map[string]any, error) {
		return nil, errors.New("disk full")
	}}))
	return reg
}

func TestRun_StopPolicyAbandonsDependents(t *testing.T) {
	eng, _ := newTestEngine(t, policyRegistry(t))

	snap := runToEnd(t, eng, failingWorkflow(t, schema.FailureStop), nil)
	assert.Equal(t, schema.RunStatusFailed, snap.Status)
	assert.Equal(t, schema.StepStatusFailed, snap.Steps["fail"].Status)

	down := snap.Steps["downstream"]
	assert.Equal(t, schema.StepStatusWaiting, down.Status)
	assert.True(t, down.Abandoned)
	require.NotNil(t, down.Error)
	assert.Contains(t, down.Error.Message, `upstream step "fail" failed`)

	assert.Equal(t, schema.StepStatusSucceeded, snap.Steps["independent"].Status,
		"independent branches run to completion")
}

func TestRun_ContinuePolicySkipsUnreachable(t *testing.T) {
	eng, _ := newTestEngine(t, policyRegistry(t))

	snap := runToEnd(t, eng, failingWorkflow(t, schema.FailureContinue), nil)
	assert.Equal(t, schema.RunStatusFailed, snap.Status)

	down := snap.Steps["downstream"]
	assert.Equal(t, schema.StepStatusSkipped, down.Status)
	assert.Equal(t, "unreachable", down.SkipReason)
	assert.False(t, down.Abandoned)

	assert.Equal(t, schema.StepStatusSucceeded, snap.Steps["independent"].Status)
}

func TestRun_RollbackCompensatesInReverseOrder(t *testing.T) {
	comp := &compensableRunner{stubRunner: stubRunner{name: "work"}}
	reg := runner.NewRegistry()
	require.NoError(t, reg.Register(comp))
	require.NoError(t, reg.Register(&stubRunner{name: "explode", fn: func(ctx context.Context, step *schema.Step, inputs map[string]any) (map[string]any, error) {
		return nil, errors.New("constraint violation")
	}}))
	eng, _ := newTestEngine(t, reg)

	wf, err := schema.NewBuilder("saga").
		Task("reserve", "work", nil).
		Then("charge", "work").
		Then("ship", "explode").
		OnFailure(schema.FailureRollback).
		Build()
	require.NoError(t, err)

	snap := runToEnd(t, eng, wf, nil)
	assert.Equal(t, schema.RunStatusRolledBack, snap.Status)
	require.NotNil(t, snap.Error)
	assert.Contains(t, snap.Error.Message, "constraint violation")

	assert.Equal(t, []string{"charge", "reserve"}, comp.undoneIDs(),
		"compensation runs in reverse completion order")
	assert.True(t, snap.Steps["reserve"].Compensated)
	assert.True(t, snap.Steps["charge"].Compensated)
	assert.Equal(t, schema.StepStatusFailed, snap.Steps["ship"].Status)
}

func TestRun_RollbackToleratesCompensationFailure(t *testing.T) {
	comp := &compensableRunner{
		stubRunner: stubRunner{name: "work"},
		compErr: func(stepID string) error {
			if stepID == "charge" {
				return errors.New("refund rejected")
			}
			return nil
		},
	}
	reg := runner.NewRegistry()
	require.NoError(t, reg.Register(comp))
	require.NoError(t, reg.Register(&stubRunner{name: "explode", fn: func(ctx context.Context, step *schema.Step, inputs map[string]any) (map[string]any, error) {
		return nil, errors.New("boom")
	}}))
	eng, _ := newTestEngine(t, reg)

	wf, err := schema.NewBuilder("saga").
		Task("reserve", "work", nil).
		Then("charge", "work").
		Then("ship", "explode").
		OnFailure(schema.FailureRollback).
		Build()
	require.NoError(t, err)

	snap := runToEnd(t, eng, wf, nil)
	assert.Equal(t, schema.RunStatusRolledBack, snap.Status)

	assert.Equal(t, []string{"charge", "reserve"}, comp.undoneIDs(),
		"a failing compensator does not stop the sweep")
	charge := snap.Steps["charge"]
	assert.False(t, charge.Compensated)
	require.NotNil(t, charge.Error)
	assert.Equal(t, schema.ErrCodeCompensation, charge.Error.Code)
	assert.True(t, snap.Steps["reserve"].Compensated)
}

func TestRun_RollbackSkipsNonCompensableRunners(t *testing.T) {
	reg := runner.NewRegistry()
	require.NoError(t, reg.Register(&stubRunner{name: "work"}))
	require.NoError(t, reg.Register(&stubRunner{name: "explode", fn: func(ctx context.Context, step *schema.Step, inputs map[string]any) (map[string]any, error) {
		return nil, errors.New("boom")
	}}))
	eng, _ := newTestEngine(t, reg)

	wf, err := schema.NewBuilder("saga").
		Task("reserve", "work", nil).
		Then("ship", "explode").
		OnFailure(schema.FailureRollback).
		Build()
	require.NoError(t, err)

	snap := runToEnd(t, eng, wf, nil)
	assert.Equal(t, schema.RunStatusRolledBack, snap.Status)
	reserve := snap.Steps["reserve"]
	assert.False(t, reserve.Compensated)
	assert.Nil(t, reserve.Error)
}

// --- Conditional gates ---

func TestRun_ConditionalFalseSkipsButSatisfies(t *testing.T) {
	reg := runner.NewRegistry()
	require.NoError(t, reg.Register(&stubRunner{name: "probe", fn: func(ctx context.Context, step *schema.Step, inputs map[string]any) (map[string]any, error) {
		return map[string]any{"ok": false}, nil
	}}))
	require.NoError(t, reg.Register(&stubRunner{name: "work"}))
	eng, _ := newTestEngine(t, reg)

	wf, err := schema.NewBuilder("gated").
		Task("probe", "probe", nil).
		Conditional("gate", "steps.probe.output.ok == true", "probe").
		Task("notify", "work", nil, "gate").
		Build()
	require.NoError(t, err)

	snap := runToEnd(t, eng, wf, nil)
	assert.Equal(t, schema.RunStatusCompleted, snap.Status)

	gate := snap.Steps["gate"]
	assert.Equal(t, schema.StepStatusSkipped, gate.Status)
	assert.Equal(t, "predicate_false", gate.SkipReason)
	assert.Equal(t, schema.StepStatusSucceeded, snap.Steps["notify"].Status,
		"skip satisfies downstream dependencies")
}

func TestRun_ConditionalTruePassesThrough(t *testing.T) {
	reg := runner.NewRegistry()
	require.NoError(t, reg.Register(&stubRunner{name: "probe", fn: func(ctx context.Context, step *schema.Step, inputs map[string]any) (map[string]any, error) {
		return map[string]any{"ok": true}, nil
	}}))
	require.NoError(t, reg.Register(&stubRunner{name: "work"}))
	eng, _ := newTestEngine(t, reg)

	wf, err := schema.NewBuilder("gated").
		Task("probe", "probe", nil).
		Conditional("gate", "steps.probe.output.ok == true", "probe").
		Task("notify", "work", nil, "gate").
		Build()
	require.NoError(t, err)

	snap := runToEnd(t, eng, wf, nil)
	assert.Equal(t, schema.RunStatusCompleted, snap.Status)

	gate := snap.Steps["gate"]
	assert.Equal(t, schema.StepStatusSucceeded, gate.Status)
	assert.Equal(t, map[string]any{"matched": true}, gate.Output)
	assert.Equal(t, schema.StepStatusSucceeded, snap.Steps["notify"].Status)
}

// --- Decisions ---

func TestRun_DecisionRoutesOnInputs(t *testing.T) {
	engines, err := expressions.NewSet()
	require.NoError(t, err)
	reg := runner.NewRegistry()
	require.NoError(t, runner.RegisterBuiltins(reg, engines))
	require.NoError(t, reg.Register(&stubRunner{name: "probe", fn: func(ctx context.Context, step *schema.Step, inputs map[string]any) (map[string]any, error) {
		return map[string]any{"size": 420}, nil
	}}))
	eng, _ := newTestEngine(t, reg)

	wf, err := schema.NewBuilder("routing").
		Task("probe", "probe", nil).
		Decision("route", schema.DecisionSpec{
			Alternatives: []schema.Alternative{
				{ID: "bulk", When: "inputs.size > 100"},
				{ID: "single"},
			},
		}, "probe").
		Inputs(map[string]any{"size": "{{probe.output.size}}"}).
		Build()
	require.NoError(t, err)

	snap := runToEnd(t, eng, wf, nil)
	assert.Equal(t, schema.RunStatusCompleted, snap.Status)
	assert.Equal(t, "bulk", snap.Steps["route"].Output["choice"])
}

// --- Cancellation ---

func TestRun_Cancel(t *testing.T) {
	reg := runner.NewRegistry()
	require.NoError(t, reg.Register(&stubRunner{name: "block", fn: func(ctx context.Context, step *schema.Step, inputs map[string]any) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}))
	require.NoError(t, reg.Register(&stubRunner{name: "work"}))
	eng, _ := newTestEngine(t, reg)

	wf, err := schema.NewBuilder("cancellable").
		Task("hang", "block", nil).
		Task("after", "work", nil, "hang").
		Build()
	require.NoError(t, err)

	runID, err := eng.Submit(context.Background(), wf, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snap, serr := eng.Status(runID)
		return serr == nil && snap.Steps["hang"].Status == schema.StepStatusRunning
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, eng.Cancel(runID))

	snap, err := eng.Wait(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCancelled, snap.Status)

	hang := snap.Steps["hang"]
	assert.Equal(t, schema.StepStatusFailed, hang.Status)
	require.NotNil(t, hang.Error)
	assert.Equal(t, schema.ErrCodeCancelled, hang.Error.Code)
	assert.Equal(t, schema.StepStatusWaiting, snap.Steps["after"].Status)
}

func TestCancel_TerminalRunConflicts(t *testing.T) {
	reg := runner.NewRegistry()
	require.NoError(t, reg.Register(&stubRunner{name: "work"}))
	eng, _ := newTestEngine(t, reg)

	wf, err := schema.NewBuilder("done").Task("a", "work", nil).Build()
	require.NoError(t, err)

	runID, err := eng.Submit(context.Background(), wf, nil)
	require.NoError(t, err)
	_, err = eng.Wait(context.Background(), runID)
	require.NoError(t, err)

	err = eng.Cancel(runID)
	require.Error(t, err)
	var serr *schema.Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, schema.ErrCodeConflict, serr.Code)
}

// --- Submission rejections ---

func submitErrCode(t *testing.T, eng *Engine, wf *schema.Workflow) string {
	t.Helper()
	_, err := eng.Submit(context.Background(), wf, nil)
	require.Error(t, err)
	var serr *schema.Error
	require.ErrorAs(t, err, &serr)
	return serr.Code
}

func TestSubmit_Rejections(t *testing.T) {
	reg := runner.NewRegistry()
	require.NoError(t, reg.Register(&stubRunner{name: "work"}))
	eng, _ := newTestEngine(t, reg)

	cyclic := &schema.Workflow{Name: "cyclic", Steps: []schema.Step{
		{ID: "a", DependsOn: []string{"b"}, Task: &schema.TaskSpec{Handler: "work"}},
		{ID: "b", DependsOn: []string{"a"}, Task: &schema.TaskSpec{Handler: "work"}},
	}}
	assert.Equal(t, schema.ErrCodeCycleDetected, submitErrCode(t, eng, cyclic))

	dangling := &schema.Workflow{Name: "dangling", Steps: []schema.Step{
		{ID: "a", DependsOn: []string{"ghost"}, Task: &schema.TaskSpec{Handler: "work"}},
	}}
	assert.Equal(t, schema.ErrCodeDanglingDependency, submitErrCode(t, eng, dangling))

	badPredicate := &schema.Workflow{Name: "bad-cel", Steps: []schema.Step{
		{ID: "a", Task: &schema.TaskSpec{Handler: "work"}},
		{ID: "gate", Kind: schema.StepKindConditional, DependsOn: []string{"a"},
			Conditional: &schema.ConditionalSpec{Predicate: "((( not cel"}},
	}}
	assert.Equal(t, schema.ErrCodeValidation, submitErrCode(t, eng, badPredicate))

	badSelector := &schema.Workflow{Name: "bad-jq", Steps: []schema.Step{
		{ID: "a", Task: &schema.TaskSpec{Handler: "work"}, OutputSelector: ".foo | ]"},
	}}
	assert.Equal(t, schema.ErrCodeValidation, submitErrCode(t, eng, badSelector))

	unregistered := &schema.Workflow{Name: "no-runner", Steps: []schema.Step{
		{ID: "a", Task: &schema.TaskSpec{Handler: "nope"}},
	}}
	assert.Equal(t, schema.ErrCodeRunnerUnavailable, submitErrCode(t, eng, unregistered))

	empty := &schema.Workflow{Name: "empty"}
	assert.Equal(t, schema.ErrCodeValidation, submitErrCode(t, eng, empty))
}

// --- Introspection ---

func TestStatus_UnknownRun(t *testing.T) {
	reg := runner.NewRegistry()
	require.NoError(t, reg.Register(&stubRunner{name: "work"}))
	eng, _ := newTestEngine(t, reg)

	_, err := eng.Status("ghost")
	var serr *schema.Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, schema.ErrCodeNotFound, serr.Code)

	require.ErrorAs(t, eng.Cancel("ghost"), &serr)
	assert.Equal(t, schema.ErrCodeNotFound, serr.Code)

	_, err = eng.Wait(context.Background(), "ghost")
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, schema.ErrCodeNotFound, serr.Code)
}

func TestRun_EventLogAndArchive(t *testing.T) {
	reg := runner.NewRegistry()
	require.NoError(t, reg.Register(&stubRunner{name: "work"}))
	eng, st := newTestEngine(t, reg)

	wf, err := schema.NewBuilder("audited").
		Task("a", "work", nil).
		Then("b", "work").
		Build()
	require.NoError(t, err)

	runID, err := eng.Submit(context.Background(), wf, map[string]any{"env": "test"})
	require.NoError(t, err)
	snap, err := eng.Wait(context.Background(), runID)
	require.NoError(t, err)
	require.Equal(t, schema.RunStatusCompleted, snap.Status)

	events, err := st.ListEvents(context.Background(), runID, 0)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, schema.EventRunStarted, events[0].Type)
	assert.Equal(t, schema.EventRunCompleted, events[len(events)-1].Type)

	counts := map[string]int{}
	for _, ev := range events {
		counts[ev.Type]++
	}
	assert.Equal(t, 2, counts[schema.EventStepStarted])
	assert.Equal(t, 2, counts[schema.EventStepSucceeded])

	run, err := st.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, run.Status)
	assert.NotEmpty(t, run.Snapshot)
	assert.JSONEq(t, `{"env":"test"}`, string(run.Inputs))
	require.NotNil(t, run.EndedAt)
}

func TestWatch_StreamsLiveEvents(t *testing.T) {
	release := make(chan struct{})
	reg := runner.NewRegistry()
	require.NoError(t, reg.Register(&stubRunner{name: "work", fn: func(ctx context.Context, step *schema.Step, inputs map[string]any) (map[string]any, error) {
		<-release
		return map[string]any{}, nil
	}}))
	eng, _ := newTestEngine(t, reg)

	wf, err := schema.NewBuilder("watched").Task("a", "work", nil).Build()
	require.NoError(t, err)

	runID, err := eng.Submit(context.Background(), wf, nil)
	require.NoError(t, err)

	ch, cancelSub, err := eng.Watch(context.Background(), runID)
	require.NoError(t, err)
	defer cancelSub()

	close(release)

	deadline := time.After(5 * time.Second)
	seen := map[string]bool{}
	for !seen[schema.EventRunCompleted] {
		select {
		case ev := <-ch:
			assert.Equal(t, runID, ev.RunID)
			seen[ev.EventType] = true
		case <-deadline:
			t.Fatal("timed out waiting for run_completed on the stream")
		}
	}
	assert.True(t, seen[schema.EventStepSucceeded])

	// The stream ends with the run.
	for {
		ev, open := <-ch
		if !open {
			break
		}
		assert.Equal(t, runID, ev.RunID)
	}
}

func TestWatch_RequiresHub(t *testing.T) {
	reg := runner.NewRegistry()
	require.NoError(t, reg.Register(&stubRunner{name: "work"}))
	eng, err := New(Options{Registry: reg, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	require.NoError(t, err)

	_, _, err = eng.Watch(context.Background(), "any")
	require.Error(t, err)
}

func TestNew_RequiresRegistry(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}
