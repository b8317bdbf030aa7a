package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// RunStatus enumerates the lifecycle states of a
// validation run.
type RunStatus string

const (
	RunStatusPending    RunStatus = "PENDING"
	RunStatusDispatched RunStatus = "DISPATCHED"
	RunStatusRunning    RunStatus = "RUNNING"
	RunStatusSucceeded  RunStatus = "SUCCEEDED"
	RunStatusFailed     RunStatus = "FAILED"
	RunStatusCanceled   RunStatus = "CANCELED"
	RunStatusTimedOut   RunStatus = "TIMED_OUT"
)

// NonTerminalStatuses are the states a run can still leave.
// Every terminal transition is a conditional update against
// this set so that exactly one writer wins.
var NonTerminalStatuses = []RunStatus{
	RunStatusPending,
	RunStatusDispatched,
	RunStatusRunning,
}

// Terminal reports whether s permits no further transition.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusFailed, RunStatusCanceled, RunStatusTimedOut:
		return true
	}
	return false
}

// ValidationRun tracks one dispatched validation job from
// submission to its single terminal state.
type ValidationRun struct {
	ID            uuid.UUID         `gorm:"type:uuid;primaryKey" json:"id"`
	OrgID         string            `gorm:"type:text;index;not null" json:"org_id"`
	WorkflowID    string            `gorm:"type:text;index" json:"workflow_id"`
	Status        RunStatus         `gorm:"type:text;index;not null" json:"status"`
	BackendKind   string            `gorm:"type:text;not null" json:"backend_kind"`
	Image         string            `gorm:"type:text;not null" json:"image"`
	InputURI      string            `gorm:"type:text" json:"input_uri"`
	ResultURI     string            `gorm:"type:text" json:"result_uri,omitempty"`
	ErrorCategory string            `gorm:"type:text" json:"error_category,omitempty"`
	BackendHandle string            `gorm:"type:text" json:"backend_handle,omitempty"`
	Tags          datatypes.JSONMap `gorm:"type:json" json:"tags,omitempty"`
	StartedAt     time.Time         `gorm:"not null" json:"started_at"`
	DeadlineAt    time.Time         `gorm:"index;not null" json:"deadline_at"`
	CompletedAt   *time.Time        `json:"completed_at,omitempty"`
	CreatedAt     time.Time         `gorm:"not null" json:"created_at"`
	UpdatedAt     time.Time         `gorm:"not null" json:"updated_at"`
}
