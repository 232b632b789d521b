package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/weaveflow/weave/pkg/schema"
)

// StepState tracks one step's progress through a run. All mutation happens
// in the scheduler loop goroutine; Snapshot copies are handed to callers.
type StepState struct {
	ID          string          `json:"id"`
	Status      schema.StepStatus `json:"status"`
	Attempts    int             `json:"attempts"`
	Output      map[string]any  `json:"output,omitempty"`
	Error       *schema.Error   `json:"error,omitempty"`
	SkipReason  string          `json:"skip_reason,omitempty"`
	Abandoned   bool            `json:"abandoned,omitempty"`
	Compensated bool            `json:"compensated,omitempty"`
	StartedAt   time.Time       `json:"started_at,omitzero"`
	EndedAt     time.Time       `json:"ended_at,omitzero"`

	// seq is the completion ordinal assigned when the step succeeds.
	// Rollback compensates in descending seq order.
	seq int
}

// Record is the execution record for a single run. The scheduler loop owns
// all writes; the mutex only guards Snapshot reads racing the loop.
type Record struct {
	mu sync.RWMutex

	RunID      string
	WorkflowID string
	Status     schema.RunStatus
	Steps      map[string]*StepState
	inputs     map[string]any
	Err        *schema.Error
	StartedAt  time.Time
	EndedAt    time.Time

	nextSeq int
}

func NewRecord(runID string, wf *schema.Workflow, inputs map[string]any) *Record {
	steps := make(map[string]*StepState, len(wf.Steps))
	for i := range wf.Steps {
		steps[wf.Steps[i].ID] = &StepState{
			ID:     wf.Steps[i].ID,
			Status: schema.StepStatusPending,
		}
	}
	return &Record{
		RunID:      runID,
		WorkflowID: wf.ID,
		Status:     schema.RunStatusPending,
		Steps:      steps,
		inputs:     inputs,
	}
}

func (r *Record) begin() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := validRunTransition(r.Status, schema.RunStatusRunning); err != nil {
		return err
	}
	r.Status = schema.RunStatusRunning
	r.StartedAt = time.Now().UTC()
	for _, s := range r.Steps {
		s.Status = schema.StepStatusWaiting
	}
	return nil
}

func (r *Record) finish(status schema.RunStatus, runErr *schema.Error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := validRunTransition(r.Status, status); err != nil {
		// A run that already reached a terminal state keeps it.
		return
	}
	r.Status = status
	r.Err = runErr
	r.EndedAt = time.Now().UTC()
}

func (r *Record) stepStarted(stepID string, attempt int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.Steps[stepID]
	if s == nil {
		return
	}
	if attempt == 1 {
		if err := validStepTransition(s.Status, schema.StepStatusRunning); err != nil {
			return
		}
		s.Status = schema.StepStatusRunning
		s.StartedAt = time.Now().UTC()
	}
	s.Attempts = attempt
}

func (r *Record) stepSucceeded(stepID string, output map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.Steps[stepID]
	if s == nil {
		return
	}
	if err := validStepTransition(s.Status, schema.StepStatusSucceeded); err != nil {
		return
	}
	s.Status = schema.StepStatusSucceeded
	s.Output = output
	s.EndedAt = time.Now().UTC()
	r.nextSeq++
	s.seq = r.nextSeq
}

func (r *Record) stepFailed(stepID string, stepErr *schema.Error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.Steps[stepID]
	if s == nil {
		return
	}
	if err := validStepTransition(s.Status, schema.StepStatusFailed); err != nil {
		return
	}
	s.Status = schema.StepStatusFailed
	s.Error = stepErr
	s.EndedAt = time.Now().UTC()
}

func (r *Record) stepSkipped(stepID, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.Steps[stepID]
	if s == nil {
		return
	}
	if err := validStepTransition(s.Status, schema.StepStatusSkipped); err != nil {
		return
	}
	s.Status = schema.StepStatusSkipped
	s.SkipReason = reason
	s.EndedAt = time.Now().UTC()
}

func (r *Record) stepAbandoned(stepID, failedDep string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.Steps[stepID]
	if s == nil {
		return
	}
	// Abandoned steps stay Waiting; the flag marks them failed by
	// association with an upstream failure.
	s.Abandoned = true
	s.Error = schema.NewErrorf(schema.ErrCodeExecution,
		"abandoned: upstream step %q failed", failedDep).WithStep(stepID)
}

func (r *Record) stepCompensated(stepID string, compErr error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.Steps[stepID]
	if s == nil {
		return
	}
	s.Compensated = compErr == nil
	if compErr != nil && s.Error == nil {
		s.Error = schema.NewError(schema.ErrCodeCompensation, compErr.Error()).WithStep(stepID)
	}
}

func (r *Record) isAbandoned(stepID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.Steps[stepID]
	return ok && s.Abandoned
}

// succeededBySeq returns succeeded step IDs in descending completion order,
// the order rollback compensates them in.
func (r *Record) succeededBySeq() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ordered := make([]*StepState, 0, len(r.Steps))
	for _, s := range r.Steps {
		if s.Status == schema.StepStatusSucceeded {
			ordered = append(ordered, s)
		}
	}
	for i := 1; i < len(ordered); i++ {
		for j := i; j > 0 && ordered[j-1].seq < ordered[j].seq; j-- {
			ordered[j-1], ordered[j] = ordered[j], ordered[j-1]
		}
	}
	ids := make([]string, len(ordered))
	for i, s := range ordered {
		ids[i] = s.ID
	}
	return ids
}

// StepStatus implements template.Source.
func (r *Record) StepStatus(stepID string) (schema.StepStatus, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.Steps[stepID]
	if !ok {
		return "", false
	}
	return s.Status, true
}

// StepOutput implements template.Source.
func (r *Record) StepOutput(stepID string) map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.Steps[stepID]
	if !ok {
		return nil
	}
	return s.Output
}

// Inputs implements template.Source.
func (r *Record) Inputs() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.inputs
}

// Scope builds the evaluation scope for predicates: outputs of every
// satisfied step plus the run inputs.
func (r *Record) Scope() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	steps := make(map[string]any, len(r.Steps))
	for id, s := range r.Steps {
		if s.Status.Satisfying() {
			out := s.Output
			if out == nil {
				out = map[string]any{}
			}
			steps[id] = map[string]any{"output": out, "status": string(s.Status)}
		}
	}
	inputs := r.inputs
	if inputs == nil {
		inputs = map[string]any{}
	}
	return map[string]any{"steps": steps, "inputs": inputs}
}

// Snapshot is a deep copy of the record safe to hand to callers.
type Snapshot struct {
	RunID      string                   `json:"run_id"`
	WorkflowID string                   `json:"workflow_id"`
	Status     schema.RunStatus         `json:"status"`
	Steps      map[string]StepSnapshot  `json:"steps"`
	Error      *schema.Error            `json:"error,omitempty"`
	StartedAt  time.Time                `json:"started_at,omitzero"`
	EndedAt    time.Time                `json:"ended_at,omitzero"`
}

type StepSnapshot struct {
	ID          string            `json:"id"`
	Status      schema.StepStatus `json:"status"`
	Attempts    int               `json:"attempts"`
	Output      map[string]any    `json:"output,omitempty"`
	Error       *schema.Error     `json:"error,omitempty"`
	SkipReason  string            `json:"skip_reason,omitempty"`
	Abandoned   bool              `json:"abandoned,omitempty"`
	Compensated bool              `json:"compensated,omitempty"`
	StartedAt   time.Time         `json:"started_at,omitzero"`
	EndedAt     time.Time         `json:"ended_at,omitzero"`
}

func (r *Record) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	steps := make(map[string]StepSnapshot, len(r.Steps))
	for id, s := range r.Steps {
		steps[id] = StepSnapshot{
			ID:          s.ID,
			Status:      s.Status,
			Attempts:    s.Attempts,
			Output:      deepCopyMap(s.Output),
			Error:       s.Error,
			SkipReason:  s.SkipReason,
			Abandoned:   s.Abandoned,
			Compensated: s.Compensated,
			StartedAt:   s.StartedAt,
			EndedAt:     s.EndedAt,
		}
	}
	return Snapshot{
		RunID:      r.RunID,
		WorkflowID: r.WorkflowID,
		Status:     r.Status,
		Steps:      steps,
		Error:      r.Err,
		StartedAt:  r.StartedAt,
		EndedAt:    r.EndedAt,
	}
}

func deepCopyMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopyMap(t)
	case []any:
		cp := make([]any, len(t))
		for i, e := range t {
			cp[i] = deepCopyValue(e)
		}
		return cp
	default:
		return v
	}
}

func (s StepSnapshot) String() string {
	return fmt.Sprintf("%s=%s attempts=%d", s.ID, s.Status, s.Attempts)
}
