package engine

import (
	"context"
	"log/slog"
	"sort"

	"github.com/weaveflow/weave/internal/logging"
	"github.com/weaveflow/weave/internal/runner"
	"github.com/weaveflow/weave/pkg/schema"
)

// onFailure applies the workflow's failure policy after a step failure. It
// runs in the scheduler loop goroutine.
//
//   - stop: abandon the failed step's transitive dependents; independent
//     branches keep running to completion.
//   - continue: mark the transitive dependents skipped as unreachable and
//     keep scheduling everything else.
//   - rollback: stop dispatching, let inflight steps drain, then compensate
//     succeeded steps in reverse completion order.
func (s *scheduler) onFailure(ctx context.Context, stepID string, serr *schema.Error) {
	if s.firstErr == nil {
		s.firstErr = serr
	}

	dependents := sortedIDs(s.g.Dependents(stepID))
	switch s.wf.Config.Policy() {
	case schema.FailureContinue:
		for _, dep := range dependents {
			if st, ok := s.rec.StepStatus(dep); !ok || st != schema.StepStatusWaiting {
				continue
			}
			s.rec.stepSkipped(dep, "unreachable")
			s.emitStep(ctx, schema.EventStepSkipped, dep, 0,
				map[string]any{"reason": "unreachable", "failed_dependency": stepID})
		}
	case schema.FailureRollback:
		s.rollback = true
	default: // stop
		for _, dep := range dependents {
			if s.rec.isAbandoned(dep) {
				continue
			}
			if st, ok := s.rec.StepStatus(dep); !ok || st != schema.StepStatusWaiting {
				continue
			}
			s.rec.stepAbandoned(dep, stepID)
			s.emitStep(ctx, schema.EventStepAbandoned, dep, 0,
				map[string]any{"failed_dependency": stepID})
		}
	}
}

// runRollback compensates succeeded steps in reverse completion order.
// Compensation is best-effort: a failing compensator is recorded and the
// sweep continues with the remaining steps.
func (s *scheduler) runRollback(ctx context.Context) {
	rctx := context.WithoutCancel(ctx)
	for _, stepID := range s.rec.succeededBySeq() {
		step := s.g.Steps[stepID]
		rn, err := s.registry.Get(runner.HandlerFor(step))
		if err != nil {
			s.rec.stepCompensated(stepID, err)
			s.emitStep(rctx, schema.EventCompensationFailed, stepID, 0,
				map[string]any{"error": err.Error()})
			continue
		}
		comp, ok := rn.(runner.Compensator)
		if !ok {
			// Nothing to undo for runners without compensation.
			continue
		}

		sctx := logging.WithStepID(rctx, stepID)
		s.emitStep(sctx, schema.EventCompensationStarted, stepID, 0, nil)
		if err := comp.Compensate(sctx, step, s.rec.StepOutput(stepID)); err != nil {
			s.rec.stepCompensated(stepID, err)
			s.emitStep(sctx, schema.EventCompensationFailed, stepID, 0,
				map[string]any{"error": err.Error()})
			logging.LogWith(sctx, s.log).ErrorContext(sctx, "compensation failed",
				slog.String("error", err.Error()))
			continue
		}
		s.rec.stepCompensated(stepID, nil)
		s.emitStep(sctx, schema.EventCompensationDone, stepID, 0, nil)
	}
}

// finish moves the run to its terminal status and emits the closing event.
func (s *scheduler) finish(ctx context.Context, status schema.RunStatus, runErr *schema.Error) {
	s.rec.finish(status, runErr)

	var payload map[string]any
	if runErr != nil {
		payload = map[string]any{"error": runErr.Error(), "code": runErr.Code}
	}
	switch status {
	case schema.RunStatusCompleted:
		s.emitRun(ctx, schema.EventRunCompleted, payload)
	case schema.RunStatusFailed:
		s.emitRun(ctx, schema.EventRunFailed, payload)
	case schema.RunStatusRolledBack:
		s.emitRun(ctx, schema.EventRunRolledBack, payload)
	case schema.RunStatusCancelled:
		s.emitRun(ctx, schema.EventRunCancelled, payload)
	}

	logging.LogWith(ctx, s.log).InfoContext(ctx, "run finished",
		slog.String("status", string(status)))
}

func sortedIDs(set map[string]bool) []string {
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
