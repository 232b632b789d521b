package engine

import (
	"github.com/weaveflow/weave/pkg/schema"
)

// Legal run status transitions. Terminal states have no outgoing edges.
var runTransitions = map[schema.RunStatus][]schema.RunStatus{
	schema.RunStatusPending: {
		schema.RunStatusRunning,
		schema.RunStatusCancelled,
	},
	schema.RunStatusRunning: {
		schema.RunStatusCompleted,
		schema.RunStatusFailed,
		schema.RunStatusRolledBack,
		schema.RunStatusCancelled,
	},
}

// Legal step status transitions. A retried attempt stays Running, so
// Running has no self edge.
var stepTransitions = map[schema.StepStatus][]schema.StepStatus{
	schema.StepStatusPending: {
		schema.StepStatusWaiting,
	},
	schema.StepStatusWaiting: {
		schema.StepStatusRunning,
		schema.StepStatusSkipped,
	},
	schema.StepStatusRunning: {
		schema.StepStatusSucceeded,
		schema.StepStatusFailed,
	},
}

func validRunTransition(from, to schema.RunStatus) error {
	for _, allowed := range runTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"illegal run transition %s -> %s", from, to)
}

func validStepTransition(from, to schema.StepStatus) error {
	for _, allowed := range stepTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"illegal step transition %s -> %s", from, to)
}
