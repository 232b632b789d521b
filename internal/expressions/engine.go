package expressions

import (
	"context"

	"github.com/weaveflow/weave/pkg/schema"
)

// Engine evaluates expressions against run state. Two predicate
// implementations (CEL, Expr) plus GoJQ for output selection.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
	// Compile checks an expression without evaluating it, so malformed
	// predicates surface at submit time rather than mid-run.
	Compile(expression string) error
}

// Scope is the data visible to predicate expressions: completed step
// outputs keyed by step ID under "steps", and the workflow inputs that
// seeded the run under "inputs".
func Scope(steps, inputs map[string]any) map[string]any {
	if steps == nil {
		steps = map[string]any{}
	}
	if inputs == nil {
		inputs = map[string]any{}
	}
	return map[string]any{"steps": steps, "inputs": inputs}
}

// Set bundles the configured predicate engines and selects one per step.
type Set struct {
	cel  *CELEngine
	expr *ExprEngine
	jq   *GoJQEngine
}

// NewSet builds the default engine set. Fails only if the CEL environment
// cannot be constructed.
func NewSet() (*Set, error) {
	celEng, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &Set{
		cel:  celEng,
		expr: NewExprEngine(),
		jq:   NewGoJQEngine(),
	}, nil
}

// Predicate returns the predicate engine for the given language tag.
// Empty or "cel" selects CEL; "expr" selects Expr.
func (s *Set) Predicate(language string) (Engine, error) {
	switch language {
	case "", "cel":
		return s.cel, nil
	case "expr":
		return s.expr, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown predicate language %q", language)
	}
}

// Selector returns the jq engine used for output selection.
func (s *Set) Selector() *GoJQEngine {
	return s.jq
}

// EvaluateBool evaluates a predicate and coerces the result to bool.
// Non-boolean results are a validation error: predicates gate execution
// and must not be ambiguous.
func EvaluateBool(ctx context.Context, eng Engine, expression string, data map[string]any) (bool, error) {
	out, err := eng.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"predicate %q evaluated to %T, want bool", expression, out).
			WithDetails(map[string]any{"expression": expression})
	}
	return b, nil
}
