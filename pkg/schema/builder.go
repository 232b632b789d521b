package schema

import (
	"github.com/google/uuid"
)

// Builder assembles a Workflow definition fluently. Errors are collected
// and reported once from Build, so call chains stay unbroken:
//
//	wf, err := schema.NewBuilder("nightly-etl").
//		Task("extract", "http.fetch", map[string]any{"url": "..."}).
//		Then("clean", "transform").
//		Then("load", "warehouse.load").
//		OnFailure(FailureRollback).
//		Build()
type Builder struct {
	wf   Workflow
	last string
	errs []error
}

func NewBuilder(name string) *Builder {
	return &Builder{
		wf: Workflow{
			ID:   uuid.NewString(),
			Name: name,
		},
	}
}

// MaxConcurrency caps the number of steps running at once.
func (b *Builder) MaxConcurrency(n int) *Builder {
	b.wf.Config.MaxConcurrency = n
	return b
}

// OnFailure sets the workflow failure policy.
func (b *Builder) OnFailure(p FailurePolicy) *Builder {
	b.wf.Config.FailurePolicy = p
	return b
}

// DefaultRetries sets the retry count for steps without their own.
func (b *Builder) DefaultRetries(n int) *Builder {
	b.wf.Config.DefaultRetries = n
	return b
}

// DefaultTimeout sets the per-attempt timeout for steps without their own,
// as a Go duration string like "30s".
func (b *Builder) DefaultTimeout(d string) *Builder {
	b.wf.Config.DefaultTimeout = d
	return b
}

// Task appends a task step. deps lists upstream step IDs; pass none for a
// root step.
func (b *Builder) Task(id, handler string, params map[string]any, deps ...string) *Builder {
	b.addStep(Step{
		ID:        id,
		Kind:      StepKindTask,
		DependsOn: deps,
		Task:      &TaskSpec{Handler: handler, Params: params},
	})
	return b
}

// Then appends a task step depending on the previously added step.
func (b *Builder) Then(id, handler string, params ...map[string]any) *Builder {
	var p map[string]any
	if len(params) > 0 {
		p = params[0]
	}
	var deps []string
	if b.last != "" {
		deps = []string{b.last}
	}
	return b.Task(id, handler, p, deps...)
}

// Conditional appends a gate step whose dependents only run when the CEL
// predicate holds.
func (b *Builder) Conditional(id, predicate string, deps ...string) *Builder {
	b.addStep(Step{
		ID:          id,
		Kind:        StepKindConditional,
		DependsOn:   deps,
		Conditional: &ConditionalSpec{Predicate: predicate},
	})
	return b
}

// Decision appends a decision step choosing among alternatives.
func (b *Builder) Decision(id string, spec DecisionSpec, deps ...string) *Builder {
	b.addStep(Step{
		ID:        id,
		Kind:      StepKindDecision,
		DependsOn: deps,
		Decision:  &spec,
	})
	return b
}

// Inputs sets the input template of the last added step.
func (b *Builder) Inputs(tpl map[string]any) *Builder {
	if s := b.lastStep(); s != nil {
		s.Inputs = tpl
	}
	return b
}

// Select sets a jq output selector on the last added step.
func (b *Builder) Select(expr string) *Builder {
	if s := b.lastStep(); s != nil {
		s.OutputSelector = expr
	}
	return b
}

// Retries overrides the retry count of the last added step.
func (b *Builder) Retries(n int) *Builder {
	if s := b.lastStep(); s != nil {
		s.Retries = &n
	}
	return b
}

// Timeout overrides the per-attempt timeout of the last added step.
func (b *Builder) Timeout(d string) *Builder {
	if s := b.lastStep(); s != nil {
		s.Timeout = d
	}
	return b
}

// Build returns the assembled workflow, or the first assembly error.
// Structural validation (cycles, dangling references, schema shape) stays
// with the engine at submission.
func (b *Builder) Build() (*Workflow, error) {
	if len(b.errs) > 0 {
		return nil, b.errs[0]
	}
	if len(b.wf.Steps) == 0 {
		return nil, NewError(ErrCodeValidation, "workflow has no steps")
	}
	wf := b.wf
	wf.Steps = append([]Step(nil), b.wf.Steps...)
	return &wf, nil
}

func (b *Builder) addStep(s Step) {
	if s.ID == "" {
		b.errs = append(b.errs, NewError(ErrCodeValidation, "step ID must not be empty"))
		return
	}
	for i := range b.wf.Steps {
		if b.wf.Steps[i].ID == s.ID {
			b.errs = append(b.errs, NewErrorf(ErrCodeValidation, "duplicate step ID: %s", s.ID))
			return
		}
	}
	b.wf.Steps = append(b.wf.Steps, s)
	b.last = s.ID
}

func (b *Builder) lastStep() *Step {
	if b.last == "" {
		return nil
	}
	for i := range b.wf.Steps {
		if b.wf.Steps[i].ID == b.last {
			return &b.wf.Steps[i]
		}
	}
	return nil
}
