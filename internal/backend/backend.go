// Package backend defines the pluggable execution backend
// abstraction. A backend starts a validator container
// somewhere and hands back a handle; it never reports
// completion authoritatively, the callback does.
package backend

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Backend starts validation jobs on some execution
// substrate. Implementations are selected by configuration
// at startup, never by inheritance.
type Backend interface {
	// Trigger starts a job for the run. The returned handle
	// is opaque and backend-specific.
	Trigger(ctx context.Context, req *TriggerRequest) (*JobHandle, error)
	// Status is a best-effort view of the job. The source of
	// truth for completion is the callback, not polling.
	Status(ctx context.Context, handle *JobHandle) (Status, error)
}

// TriggerRequest defines the input parameters to a
// Backend.Trigger request.
type TriggerRequest struct {
	RunID         uuid.UUID
	InputURI      string
	CallbackURL   string
	CallbackToken string
	Image         string
	Timeout       time.Duration
}

// JobHandle identifies a triggered job on its backend.
type JobHandle struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

// Status enumerates the best-effort backend job states.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusRunning Status = "RUNNING"
	StatusDone    Status = "DONE"
	StatusError   Status = "ERROR"
)

// Environment variable names handed to validator containers.
// These are the only contract between the backend and the
// validator process besides the envelope itself.
const (
	EnvInputURI      = "VERDEX_INPUT_URI"
	EnvRunID         = "VERDEX_RUN_ID"
	EnvCallbackURL   = "VERDEX_CALLBACK_URL"
	EnvCallbackToken = "VERDEX_CALLBACK_TOKEN"
)

// Env builds the validator container environment for req.
func Env(req *TriggerRequest) map[string]string {
	return map[string]string{
		EnvInputURI:      req.InputURI,
		EnvRunID:         req.RunID.String(),
		EnvCallbackURL:   req.CallbackURL,
		EnvCallbackToken: req.CallbackToken,
	}
}

// Label applied to every container or job managed by verdex.
const Label = "cloud.verdex"
