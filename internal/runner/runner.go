package runner

import (
	"context"

	"github.com/weaveflow/weave/pkg/schema"
)

// Runner performs the unit of work for one step attempt. Implementations
// live outside the engine core (task agents, decision evaluators, HTTP
// tools) and must be safe to invoke repeatedly: the engine retries on
// failure and timeout.
type Runner interface {
	Name() string
	Execute(ctx context.Context, step *schema.Step, inputs map[string]any) (map[string]any, error)
}

// Compensator is the optional inverse operation used during rollback.
// Runners backing steps in workflows with the rollback failure policy
// should implement it; the coordinator skips steps whose runner does not.
type Compensator interface {
	Compensate(ctx context.Context, step *schema.Step, output map[string]any) error
}

// Info is a summary of a registered runner for listing.
type Info struct {
	Name        string `json:"name"`
	Compensable bool   `json:"compensable"`
}

// HandlerFor resolves the registry key for a step. Decision steps without
// an explicit handler fall back to the built-in rule evaluator; conditional
// gates are evaluated by the scheduler and never reach a runner.
func HandlerFor(step *schema.Step) string {
	switch step.EffectiveKind() {
	case schema.StepKindTask:
		if step.Task != nil {
			return step.Task.Handler
		}
		return ""
	case schema.StepKindDecision:
		if step.Decision != nil && step.Decision.Handler != "" {
			return step.Decision.Handler
		}
		return DecisionRunnerName
	default:
		return ""
	}
}
