package schema

// RunStatus represents the lifecycle state of one workflow execution.
type RunStatus string

const (
	RunStatusPending    RunStatus = "pending"
	RunStatusRunning    RunStatus = "running"
	RunStatusCompleted  RunStatus = "completed"
	RunStatusFailed     RunStatus = "failed"
	RunStatusRolledBack RunStatus = "rolled_back"
	RunStatusCancelled  RunStatus = "cancelled"
)

// Terminal reports whether the run status is final.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusRolledBack, RunStatusCancelled:
		return true
	}
	return false
}

// StepStatus represents the lifecycle state of a step within a run.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusWaiting   StepStatus = "waiting"
	StepStatusRunning   StepStatus = "running"
	StepStatusSucceeded StepStatus = "succeeded"
	StepStatusSkipped   StepStatus = "skipped"
	StepStatusFailed    StepStatus = "failed"
)

// Terminal reports whether the step status is final.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepStatusSucceeded, StepStatusSkipped, StepStatusFailed:
		return true
	}
	return false
}

// Satisfying reports whether the step status allows dependents to proceed.
// Skipped steps satisfy downstream dependencies identically to Succeeded.
func (s StepStatus) Satisfying() bool {
	return s == StepStatusSucceeded || s == StepStatusSkipped
}

// Event type constants for the run event log.
const (
	EventRunStarted    = "run_started"
	EventRunCompleted  = "run_completed"
	EventRunFailed     = "run_failed"
	EventRunRolledBack = "run_rolled_back"
	EventRunCancelled  = "run_cancelled"

	EventStepStarted      = "step_started"
	EventStepSucceeded    = "step_succeeded"
	EventStepSkipped      = "step_skipped"
	EventStepFailed       = "step_failed"
	EventStepRetryAttempt = "step_retry_attempt"
	EventStepAbandoned    = "step_abandoned"

	EventCompensationStarted = "compensation_started"
	EventCompensationDone    = "compensation_done"
	EventCompensationFailed  = "compensation_failed"
)
