package runner

import (
	"context"

	"github.com/weaveflow/weave/internal/expressions"
	"github.com/weaveflow/weave/pkg/schema"
)

// DecisionRunnerName is the registry key of the built-in rule evaluator
// used for decision steps without an explicit handler.
const DecisionRunnerName = "decision.rules"

// RegisterBuiltins registers the bundled runners in the given registry.
func RegisterBuiltins(reg *Registry, engines *expressions.Set) error {
	all := []Runner{
		&NoopRunner{},
		&FailRunner{},
		NewTransformRunner(engines.Selector()),
		NewDecisionRunner(engines),
	}
	for _, rn := range all {
		if err := reg.Register(rn); err != nil {
			return err
		}
	}
	return nil
}

// NoopRunner echoes its resolved inputs back as output. Useful for wiring
// tests and fan-in steps that only exist to join branches.
type NoopRunner struct{}

func (r *NoopRunner) Name() string { return "noop" }

func (r *NoopRunner) Execute(ctx context.Context, step *schema.Step, inputs map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(inputs))
	for k, v := range inputs {
		out[k] = v
	}
	return out, nil
}

// Compensate is a no-op; noop steps have no side effects to undo.
func (r *NoopRunner) Compensate(ctx context.Context, step *schema.Step, output map[string]any) error {
	return nil
}

// FailRunner always fails with the configured message. It exists for
// exercising failure policies in workflow tests and demos.
type FailRunner struct{}

func (r *FailRunner) Name() string { return "fail" }

func (r *FailRunner) Execute(ctx context.Context, step *schema.Step, inputs map[string]any) (map[string]any, error) {
	msg := "fail runner invoked"
	if step.Task != nil {
		if m, ok := step.Task.Params["message"].(string); ok && m != "" {
			msg = m
		}
	}
	return nil, schema.NewError(schema.ErrCodeExecution, msg).WithStep(step.ID)
}

// TransformRunner reshapes its resolved inputs with a jq expression taken
// from the task params ("expression"). The jq result is stored under
// "result" unless it is itself an object.
type TransformRunner struct {
	jq *expressions.GoJQEngine
}

// NewTransformRunner creates a TransformRunner backed by the given jq engine.
func NewTransformRunner(jq *expressions.GoJQEngine) *TransformRunner {
	return &TransformRunner{jq: jq}
}

func (r *TransformRunner) Name() string { return "transform" }

func (r *TransformRunner) Execute(ctx context.Context, step *schema.Step, inputs map[string]any) (map[string]any, error) {
	if step.Task == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "transform step has no task payload").WithStep(step.ID)
	}
	exprStr, _ := step.Task.Params["expression"].(string)
	if exprStr == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, `transform step needs a string "expression" param`).WithStep(step.ID)
	}

	out, err := r.jq.Evaluate(ctx, exprStr, inputs)
	if err != nil {
		return nil, err
	}

	if obj, ok := out.(map[string]any); ok {
		return obj, nil
	}
	return map[string]any{"result": out}, nil
}

// DecisionRunner is the built-in decision evaluator: it picks the first
// alternative whose When predicate holds against the resolved inputs.
// An alternative without a predicate matches unconditionally, so listing
// one last gives the decision a default branch.
type DecisionRunner struct {
	engines *expressions.Set
}

// NewDecisionRunner creates a DecisionRunner using the given engine set.
func NewDecisionRunner(engines *expressions.Set) *DecisionRunner {
	return &DecisionRunner{engines: engines}
}

func (r *DecisionRunner) Name() string { return DecisionRunnerName }

func (r *DecisionRunner) Execute(ctx context.Context, step *schema.Step, inputs map[string]any) (map[string]any, error) {
	if step.Decision == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "decision step has no decision payload").WithStep(step.ID)
	}

	scope := expressions.Scope(nil, inputs)

	for _, alt := range step.Decision.Alternatives {
		if alt.When == "" {
			return decisionOutput(step, alt), nil
		}
		eng, err := r.engines.Predicate("")
		if err != nil {
			return nil, err
		}
		match, err := expressions.EvaluateBool(ctx, eng, alt.When, scope)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExecution,
				"alternative %q predicate failed: %s", alt.ID, err.Error()).
				WithStep(step.ID).WithCause(err)
		}
		if match {
			return decisionOutput(step, alt), nil
		}
	}

	return nil, schema.NewError(schema.ErrCodeExecution, "no alternative matched").WithStep(step.ID)
}

func decisionOutput(step *schema.Step, alt schema.Alternative) map[string]any {
	out := map[string]any{
		"choice": alt.ID,
	}
	if alt.Description != "" {
		out["description"] = alt.Description
	}
	if len(step.Decision.Criteria) > 0 {
		criteria := make([]any, len(step.Decision.Criteria))
		for i, c := range step.Decision.Criteria {
			criteria[i] = c
		}
		out["criteria"] = criteria
	}
	return out
}
