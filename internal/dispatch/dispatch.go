// Package dispatch turns a validated input envelope into a
// triggered validation run. It owns the submission ordering:
// idempotency reservation, PENDING persistence, token issue,
// envelope upload, backend trigger, state transitions.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/verdex-cloud/verdex/internal/backend"
	"github.com/verdex-cloud/verdex/internal/blob"
	"github.com/verdex-cloud/verdex/internal/envelope"
	"github.com/verdex-cloud/verdex/internal/metrics"
	"github.com/verdex-cloud/verdex/internal/models"
	"github.com/verdex-cloud/verdex/internal/verr"
	"github.com/verdex-cloud/verdex/pkg/log"
	"gorm.io/datatypes"
)

// runStore is the slice of the run repository the dispatcher
// uses.
type runStore interface {
	Create(ctx context.Context, run *models.ValidationRun) error
	Get(ctx context.Context, id uuid.UUID) (*models.ValidationRun, error)
	MarkDispatched(ctx context.Context, id uuid.UUID, handle string, deadline time.Time) error
	MarkRunning(ctx context.Context, id uuid.UUID, handle string) (bool, error)
	FailDispatch(ctx context.Context, id uuid.UUID) error
	ReserveIdempotency(ctx context.Context, key, caller string, runID uuid.UUID, ttl time.Duration) (uuid.UUID, bool, error)
	ReleaseIdempotency(ctx context.Context, key, caller string) error
}

// tokenIssuer mints callback tokens scoped to a single run.
type tokenIssuer interface {
	Issue(ctx context.Context, runID uuid.UUID, timeout time.Duration) (string, time.Time, error)
}

// Config carries the dispatcher's tunables.
type Config struct {
	// CallbackURL is the public callback endpoint embedded in
	// every execution context.
	CallbackURL string
	// ValidatorImage overrides the image derived from the
	// envelope's validator identity. Empty means derive.
	ValidatorImage string
	// IdempotencyTTL bounds how long a reservation shields
	// against duplicate submissions.
	IdempotencyTTL time.Duration
	// Attempts bounds synchronous trigger retries.
	Attempts int
	// BaseDelay seeds the retry backoff.
	BaseDelay time.Duration
}

// Dispatcher coordinates run submission end to end.
type Dispatcher struct {
	runs    runStore
	blobs   blob.Store
	backend backend.Backend
	tokens  tokenIssuer
	cfg     Config
	now     func() time.Time
}

// New builds a dispatcher on the given collaborators.
func New(runs runStore, blobs blob.Store, be backend.Backend, tokens tokenIssuer, cfg Config) *Dispatcher {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 200 * time.Millisecond
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = 24 * time.Hour
	}

	return &Dispatcher{
		runs:    runs,
		blobs:   blobs,
		backend: be,
		tokens:  tokens,
		cfg:     cfg,
		now:     time.Now,
	}
}

// Result reports the outcome of a submission.
type Result struct {
	Run *models.ValidationRun
	// Created is false when an idempotency reservation
	// resolved the submission to an existing run.
	Created bool
}

// Dispatch validates rawEnvelope and drives the run through
// PENDING, DISPATCHED and, when the backend confirms the job
// started, RUNNING. Schema failures surface before any state
// is written. Trigger failures after bounded retries leave
// the run FAILED with category dispatch_failed.
func (d *Dispatcher) Dispatch(ctx context.Context, rawEnvelope []byte, idempotencyKey, caller string) (*Result, error) {
	in, err := envelope.ParseInput(rawEnvelope)
	if err != nil {
		return nil, err
	}

	if caller == "" {
		caller = in.OrgID
	}

	if idempotencyKey != "" {
		existingID, created, err := d.runs.ReserveIdempotency(ctx, idempotencyKey, caller, in.RunID, d.cfg.IdempotencyTTL)
		if err != nil {
			return nil, errors.Wrap(err, "failed to reserve idempotency key")
		}
		if !created {
			existing, err := d.runs.Get(ctx, existingID)
			if err != nil {
				return nil, err
			}
			log.Info(
				"submission resolved by idempotency key",
				"run_id", existing.ID,
				"caller", caller,
			)
			return &Result{Run: existing, Created: false}, nil
		}
	}

	timeout := in.Execution.Timeout()
	image := d.cfg.ValidatorImage
	if image == "" {
		image = in.Validator.Name + ":" + in.Validator.Version
	}

	inputKey := blob.InputKey(in.OrgID, in.RunID.String())
	inputURI := d.blobs.URI(inputKey)

	run := &models.ValidationRun{
		ID:         in.RunID,
		OrgID:      in.OrgID,
		WorkflowID: in.WorkflowID,
		Image:      image,
		InputURI:   inputURI,
		Tags:       tagMap(in.Execution.Tags),
	}
	if err := d.runs.Create(ctx, run); err != nil {
		// the reservation points at a run that will never
		// exist; drop it so a client retry is not pinned to it
		// for the reservation's whole TTL
		if idempotencyKey != "" {
			if relErr := d.runs.ReleaseIdempotency(ctx, idempotencyKey, caller); relErr != nil {
				log.Error(
					"failed to release idempotency reservation",
					"caller", caller,
					"error", relErr,
				)
			}
		}
		return nil, errors.Wrap(err, "failed to persist run")
	}

	tok, _, err := d.tokens.Issue(ctx, run.ID, timeout)
	if err != nil {
		return nil, d.failDispatch(ctx, run.ID, errors.Wrap(err, "failed to issue callback token"))
	}

	in.Execution.CallbackURL = d.cfg.CallbackURL
	in.Execution.CallbackToken = tok

	if err := d.upload(ctx, inputKey, in); err != nil {
		return nil, d.failDispatch(ctx, run.ID, err)
	}

	req := &backend.TriggerRequest{
		RunID:         run.ID,
		InputURI:      inputURI,
		CallbackURL:   d.cfg.CallbackURL,
		CallbackToken: tok,
		Image:         image,
		Timeout:       timeout,
	}

	handle, err := d.trigger(ctx, req)
	if err != nil {
		return nil, d.failDispatch(ctx, run.ID, err)
	}

	deadline := d.now().UTC().Add(timeout)
	if err := d.runs.MarkDispatched(ctx, run.ID, handle.Kind+":"+handle.ID, deadline); err != nil {
		// a concurrent cancel won the run; the job is already
		// triggered and its callback will land as a no-op
		if verr.IsConflict(err) {
			log.Warn("run finished before dispatch was recorded", "run_id", run.ID)
			return d.result(ctx, run.ID)
		}
		return nil, err
	}

	metrics.DispatchesTotal.WithLabelValues(handle.Kind, "ok").Inc()

	// direct backends start the job inside Trigger; the queue
	// backend reports pending and its consumer records RUNNING
	if status, err := d.backend.Status(ctx, handle); err == nil &&
		(status == backend.StatusRunning || status == backend.StatusDone) {
		if _, err := d.runs.MarkRunning(ctx, run.ID, ""); err != nil {
			log.Warn("failed to record running state", "run_id", run.ID, "error", err)
		}
	}

	res, err := d.result(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	res.Created = true

	log.Info(
		"run dispatched",
		"run_id", run.ID,
		"org_id", run.OrgID,
		"backend", handle.Kind,
		"deadline_at", deadline,
	)

	return res, nil
}

// upload persists the completed envelope before the trigger
// so a crashed dispatcher never leaves a triggered job
// without its input.
func (d *Dispatcher) upload(ctx context.Context, key string, in *envelope.InputEnvelope) error {
	body, err := json.Marshal(in)
	if err != nil {
		return errors.Wrap(err, "failed to encode input envelope")
	}

	if err := d.blobs.Put(ctx, key, bytes.NewReader(body), int64(len(body)), "application/json"); err != nil {
		return errors.Wrap(err, "failed to upload input envelope")
	}

	return nil
}

// trigger retries the backend with exponential backoff.
func (d *Dispatcher) trigger(ctx context.Context, req *backend.TriggerRequest) (*backend.JobHandle, error) {
	var lastErr error

	for attempt := 0; attempt < d.cfg.Attempts; attempt++ {
		handle, err := d.backend.Trigger(ctx, req)
		if err == nil {
			return handle, nil
		}

		lastErr = err
		log.Warn(
			"trigger attempt failed",
			"run_id", req.RunID,
			"attempt", attempt+1,
			"error", err,
		)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(d.cfg.BaseDelay << uint(attempt)):
		}
	}

	return nil, &verr.DispatchError{Attempts: d.cfg.Attempts, Cause: lastErr}
}

func (d *Dispatcher) failDispatch(ctx context.Context, runID uuid.UUID, cause error) error {
	metrics.DispatchesTotal.WithLabelValues("", "failed").Inc()

	if err := d.runs.FailDispatch(ctx, runID); err != nil {
		log.Error("failed to record dispatch failure", "run_id", runID, "error", err)
	}

	return cause
}

func (d *Dispatcher) result(ctx context.Context, runID uuid.UUID) (*Result, error) {
	run, err := d.runs.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	return &Result{Run: run}, nil
}

func tagMap(tags map[string]string) datatypes.JSONMap {
	if len(tags) == 0 {
		return nil
	}
	m := make(datatypes.JSONMap, len(tags))
	for k, v := range tags {
		m[k] = v
	}
	return m
}
