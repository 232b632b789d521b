package schema

import "time"

// FailurePolicy controls what happens to the rest of a run when a step
// terminates in error.
type FailurePolicy string

const (
	// FailureStop abandons every step downstream of the failure; independent
	// branches still run to completion, but the run finishes failed.
	FailureStop FailurePolicy = "stop"
	// FailureContinue skips unreachable dependents and lets everything else
	// finish; side effects of successful branches stand.
	FailureContinue FailurePolicy = "continue"
	// FailureRollback drains in-flight steps and compensates every succeeded
	// step in reverse completion order.
	FailureRollback FailurePolicy = "rollback"
)

// StepKind enumerates the kinds of steps in a workflow.
type StepKind string

const (
	StepKindTask        StepKind = "task"
	StepKindDecision    StepKind = "decision"
	StepKindConditional StepKind = "conditional"
)

// Config holds workflow-level execution settings.
type Config struct {
	MaxConcurrency int           `json:"max_concurrency,omitempty"` // max steps in flight (default: 4)
	FailurePolicy  FailurePolicy `json:"failure_policy,omitempty"`  // stop | continue | rollback (default: stop)
	DefaultRetries int           `json:"default_retries,omitempty"` // retries per step unless overridden
	DefaultTimeout string        `json:"default_timeout,omitempty"` // per-attempt timeout (e.g. "30s")
}

// DefaultMaxConcurrency is applied when Config.MaxConcurrency is unset.
const DefaultMaxConcurrency = 4

// Workflow is the immutable definition of steps and their dependencies.
type Workflow struct {
	ID     string `json:"id,omitempty"`
	Name   string `json:"name"`
	Steps  []Step `json:"steps"`
	Config Config `json:"config,omitempty"`
}

// Step describes a single unit of work within a workflow. Exactly one of
// Task, Decision, or Conditional is set, matching Kind.
type Step struct {
	ID        string         `json:"id"`
	Name      string         `json:"name,omitempty"`
	Kind      StepKind       `json:"kind,omitempty"` // default: task
	DependsOn []string       `json:"depends_on,omitempty"`
	Inputs    map[string]any `json:"inputs,omitempty"` // literals or {{stepId.output.path}} references

	Task        *TaskSpec        `json:"task,omitempty"`
	Decision    *DecisionSpec    `json:"decision,omitempty"`
	Conditional *ConditionalSpec `json:"conditional,omitempty"`

	// OutputSelector is an optional jq expression applied to the raw runner
	// output before it is stored on the execution record.
	OutputSelector string `json:"output_selector,omitempty"`

	Retries *int   `json:"retries,omitempty"` // overrides Config.DefaultRetries
	Timeout string `json:"timeout,omitempty"` // overrides Config.DefaultTimeout
}

// TaskSpec is the kind-specific payload for task steps.
type TaskSpec struct {
	Handler string         `json:"handler"`
	Params  map[string]any `json:"params,omitempty"`
}

// DecisionSpec is the kind-specific payload for decision steps.
type DecisionSpec struct {
	Handler      string        `json:"handler,omitempty"` // default: built-in rule evaluator
	Criteria     []string      `json:"criteria,omitempty"`
	Alternatives []Alternative `json:"alternatives"`
}

// Alternative is one choice available at a decision step. When is an
// optional predicate over prior outputs; an alternative without one
// matches unconditionally.
type Alternative struct {
	ID          string `json:"id"`
	Description string `json:"description,omitempty"`
	When        string `json:"when,omitempty"`
}

// ConditionalSpec is the kind-specific payload for conditional gates.
// A false predicate skips the step; skip satisfies downstream dependencies.
type ConditionalSpec struct {
	Predicate string `json:"predicate"`
	Language  string `json:"language,omitempty"` // cel (default) | expr
}

// EffectiveKind returns the step kind, defaulting to task.
func (s *Step) EffectiveKind() StepKind {
	if s.Kind == "" {
		return StepKindTask
	}
	return s.Kind
}

// EffectiveRetries resolves the retry count for a step against the
// workflow defaults.
func (w *Workflow) EffectiveRetries(s *Step) int {
	if s.Retries != nil {
		return *s.Retries
	}
	return w.Config.DefaultRetries
}

// EffectiveTimeout resolves the per-attempt timeout for a step against the
// workflow defaults. Zero means no timeout. Malformed values are rejected
// at submit time, so parse errors here resolve to zero.
func (w *Workflow) EffectiveTimeout(s *Step) time.Duration {
	raw := s.Timeout
	if raw == "" {
		raw = w.Config.DefaultTimeout
	}
	if raw == "" {
		return 0
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return 0
	}
	return d
}

// Concurrency resolves the effective concurrency bound.
func (c Config) Concurrency() int {
	if c.MaxConcurrency <= 0 {
		return DefaultMaxConcurrency
	}
	return c.MaxConcurrency
}

// Policy resolves the effective failure policy, defaulting to stop.
func (c Config) Policy() FailurePolicy {
	if c.FailurePolicy == "" {
		return FailureStop
	}
	return c.FailurePolicy
}
