package model

import (
	"time"

	"github.com/google/uuid"
)

type RunID string

// NewRunID generates a new unique RunID
func NewRunID() RunID {
	return RunID(uuid.New().String())
}

type RunStatus string

const (
	RunStatusPlanned   RunStatus = "planned"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// PlanStep is one agent invocation within a run's plan
type PlanStep struct {
	Name        string `json:"name" yaml:"name"`
	Identity    string `json:"identity" yaml:"identity"`
	Instruction string `json:"instruction" yaml:"instruction"`
}

// RunError records where and why a run failed
type RunError struct {
	StepIndex int    `json:"step_index"`
	Identity  string `json:"identity"`
	Kind      string `json:"kind"`
	Message   string `json:"message"`
}

// Run is the durable record of one pipeline execution. Cursor is the index
// of the next step to execute; every step at an index below it has its
// output recorded in StepOutputs. Version guards conditional updates.
// ClaimedAt marks the step at Cursor as held by an engine instance; the
// zero value means unclaimed.
type Run struct {
	ID              RunID
	ProjectID       string
	Steps           []PlanStep
	Cursor          int
	StepOutputs     map[string]string
	Status          RunStatus
	CancelRequested bool
	Error           *RunError
	ClaimedAt       time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
	Version   int
}

// Clone returns a deep copy
func (r *Run) Clone() *Run {
	clone := *r
	clone.Steps = make([]PlanStep, len(r.Steps))
	copy(clone.Steps, r.Steps)
	clone.StepOutputs = make(map[string]string, len(r.StepOutputs))
	for k, v := range r.StepOutputs {
		clone.StepOutputs[k] = v
	}
	if r.Error != nil {
		errCopy := *r.Error
		clone.Error = &errCopy
	}
	return &clone
}
