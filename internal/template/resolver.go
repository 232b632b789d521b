package template

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/weaveflow/weave/pkg/schema"
)

// Source is the run state a resolver reads from. Implemented by the
// execution record; resolvers never mutate it.
type Source interface {
	// StepStatus returns the current status of a step, or ok=false when the
	// step is not part of the run.
	StepStatus(stepID string) (schema.StepStatus, bool)
	// StepOutput returns the stored output of a step. Nil for steps without
	// output (skipped steps, steps that produced none).
	StepOutput(stepID string) map[string]any
	// Inputs returns the workflow input parameters that seeded the run.
	Inputs() map[string]any
}

// Resolver substitutes {{ref}} references in a step's input template with
// values from prior steps' outputs. Reference grammar:
//
//	{{stepId.output}}         whole output of a prior step
//	{{stepId.output.a.b}}     nested field of a prior step's output
//	{{inputs.name}}           workflow input parameter
//
// A reference that is the entire string keeps the resolved value's native
// type; a reference embedded inside a longer string is stringified in
// place. Resolution failures are structural authoring errors
// (TEMPLATE_ERROR) and are never retried.
type Resolver struct{}

// NewResolver creates a Resolver.
func NewResolver() *Resolver {
	return &Resolver{}
}

// Resolve walks the input template and substitutes every reference.
// Maps and slices are resolved recursively; non-string literals pass
// through untouched.
func (r *Resolver) Resolve(tpl map[string]any, src Source) (map[string]any, error) {
	if len(tpl) == 0 {
		return map[string]any{}, nil
	}
	out := make(map[string]any, len(tpl))
	for key, val := range tpl {
		resolved, err := r.resolveValue(val, src)
		if err != nil {
			return nil, err
		}
		out[key] = resolved
	}
	return out, nil
}

func (r *Resolver) resolveValue(val any, src Source) (any, error) {
	switch v := val.(type) {
	case string:
		return r.resolveString(v, src)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			resolved, err := r.resolveValue(item, src)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			resolved, err := r.resolveValue(item, src)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return val, nil
	}
}

// resolveString scans a string for {{...}} tokens. A string that is exactly
// one token resolves to the referenced value itself; otherwise each token
// is replaced by its string form.
func (r *Resolver) resolveString(s string, src Source) (any, error) {
	start := strings.Index(s, "{{")
	if start == -1 {
		return s, nil
	}

	// Whole-string reference: preserve the native type.
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "{{") && strings.HasSuffix(trimmed, "}}") {
		inner := strings.TrimSpace(trimmed[2 : len(trimmed)-2])
		if inner != "" && !strings.Contains(inner, "{{") && !strings.Contains(inner, "}}") {
			return r.resolveRef(inner, src)
		}
	}

	var result strings.Builder
	result.Grow(len(s))

	i := 0
	for i < len(s) {
		idx := strings.Index(s[i:], "{{")
		if idx == -1 {
			result.WriteString(s[i:])
			break
		}
		result.WriteString(s[i : i+idx])
		refStart := i + idx + 2

		end := strings.Index(s[refStart:], "}}")
		if end == -1 {
			return nil, schema.NewErrorf(schema.ErrCodeTemplate, "unclosed {{ reference in %q", s)
		}
		end += refStart

		ref := strings.TrimSpace(s[refStart:end])
		if ref == "" {
			return nil, schema.NewError(schema.ErrCodeTemplate, "empty {{ }} reference")
		}

		val, err := r.resolveRef(ref, src)
		if err != nil {
			return nil, err
		}
		result.WriteString(stringify(val))

		i = end + 2
	}

	return result.String(), nil
}

// resolveRef resolves a single dotted reference.
func (r *Resolver) resolveRef(ref string, src Source) (any, error) {
	parts := strings.Split(ref, ".")

	if parts[0] == "inputs" {
		if len(parts) < 2 || parts[1] == "" {
			return nil, schema.NewErrorf(schema.ErrCodeTemplate,
				"invalid input reference %q: expected inputs.<name>", ref)
		}
		inputs := src.Inputs()
		if inputs == nil {
			return nil, schema.NewErrorf(schema.ErrCodeTemplate,
				"cannot resolve %q: run has no inputs", ref)
		}
		val, ok := inputs[parts[1]]
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeTemplate,
				"input %q not found in {{%s}}", parts[1], ref)
		}
		if len(parts) == 2 {
			return val, nil
		}
		return traversePath(val, parts[2:], ref)
	}

	// stepId.output[.path...]
	if len(parts) < 2 || parts[1] != "output" {
		return nil, schema.NewErrorf(schema.ErrCodeTemplate,
			"invalid reference %q: expected {{stepId.output[.path]}} or {{inputs.name}}", ref)
	}

	stepID := parts[0]
	status, known := src.StepStatus(stepID)
	if !known {
		return nil, schema.NewErrorf(schema.ErrCodeTemplate,
			"reference %q names unknown step %q", ref, stepID).WithStep(stepID)
	}
	if !status.Satisfying() {
		return nil, schema.NewErrorf(schema.ErrCodeTemplate,
			"reference %q requires step %q to be terminal, but it is %s", ref, stepID, status).WithStep(stepID)
	}

	output := src.StepOutput(stepID)
	if len(parts) == 2 {
		if output == nil {
			return map[string]any{}, nil
		}
		return output, nil
	}
	if output == nil {
		return nil, schema.NewErrorf(schema.ErrCodeTemplate,
			"reference %q: step %q has no output", ref, stepID).WithStep(stepID)
	}
	return traversePath(output, parts[2:], ref)
}

// traversePath navigates into nested maps using the remaining path segments.
func traversePath(root any, segments []string, ref string) (any, error) {
	current := root
	for _, seg := range segments {
		if seg == "" {
			return nil, schema.NewErrorf(schema.ErrCodeTemplate, "empty segment in reference %q", ref)
		}
		m, ok := current.(map[string]any)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeTemplate,
				"cannot traverse into non-object at %q in {{%s}} (type: %T)", seg, ref, current)
		}
		val, ok := m[seg]
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeTemplate,
				"field %q not found in {{%s}}; available: [%s]", seg, ref, strings.Join(sortedKeys(m), ", "))
		}
		current = val
	}
	return current, nil
}

// stringify renders a resolved value for embedding inside a longer string.
func stringify(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return "null"
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		return fmt.Sprintf("%v", v)
	case int:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// sortedKeys returns the keys of a map in sorted order for stable error messages.
func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		key := keys[i]
		j := i - 1
		for j >= 0 && keys[j] > key {
			keys[j+1] = keys[j]
			j--
		}
		keys[j+1] = key
	}
	return keys
}
