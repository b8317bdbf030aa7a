// Package receiver ingests validator callbacks. The hot
// path never parses the result envelope; it verifies the
// token, dedups the delivery, and applies the terminal
// transition in one transaction.
package receiver

import (
	"context"

	"github.com/google/uuid"
	"github.com/verdex-cloud/verdex/internal/envelope"
	"github.com/verdex-cloud/verdex/internal/metrics"
	"github.com/verdex-cloud/verdex/internal/models"
	"github.com/verdex-cloud/verdex/internal/verr"
	"github.com/verdex-cloud/verdex/pkg/log"
)

// runStore is the slice of the run repository the receiver
// uses.
type runStore interface {
	Get(ctx context.Context, id uuid.UUID) (*models.ValidationRun, error)
	GetReceipt(ctx context.Context, runID uuid.UUID, callbackID string) (*models.CallbackReceipt, error)
	Complete(
		ctx context.Context,
		runID uuid.UUID,
		callbackID string,
		status models.RunStatus,
		errorCategory string,
		resultURI string,
	) (*models.CallbackReceipt, bool, error)
}

// tokenVerifier checks a callback token against the run it
// claims to speak for.
type tokenVerifier interface {
	Verify(tokenString string, declaredRunID uuid.UUID) (uuid.UUID, error)
}

// Callback is one inbound completion delivery.
type Callback struct {
	RunID      uuid.UUID
	CallbackID string
	Status     string
	ResultURI  string
	Token      string
}

// Outcome reports how a delivery was handled. Replayed and
// applied deliveries both return 200 to the validator; the
// distinction only matters for observability.
type Outcome struct {
	Run      *models.ValidationRun
	Receipt  *models.CallbackReceipt
	Replayed bool
	Applied  bool
}

// Receiver processes authenticated validator callbacks.
type Receiver struct {
	runs   runStore
	tokens tokenVerifier
}

// New builds a receiver over the run store and token
// verifier.
func New(runs runStore, tokens tokenVerifier) *Receiver {
	return &Receiver{runs: runs, tokens: tokens}
}

// statusOf maps a validator result status onto the run's
// terminal state and error category.
func statusOf(status string) (models.RunStatus, string, error) {
	switch envelope.ResultStatus(status) {
	case envelope.ResultSuccess:
		return models.RunStatusSucceeded, "", nil
	case envelope.ResultFailedValidation, envelope.ResultFailedRuntime:
		return models.RunStatusFailed, status, nil
	default:
		return "", "", &verr.SchemaError{Field: "status", Reason: "unknown result status " + status}
	}
}

// Handle processes one delivery: verify the token, dedup on
// (run_id, callback_id), then apply the terminal transition.
// Redeliveries replay the stored outcome; callbacks for runs
// already terminal are recorded as no-ops, and contradicting
// ones flagged as anomalies.
func (r *Receiver) Handle(ctx context.Context, cb *Callback) (*Outcome, error) {
	if cb.CallbackID == "" {
		return nil, &verr.SchemaError{Field: "callback_id", Reason: "must be set"}
	}

	if _, err := r.tokens.Verify(cb.Token, cb.RunID); err != nil {
		metrics.CallbacksTotal.WithLabelValues("auth_failed").Inc()
		return nil, err
	}

	status, category, err := statusOf(cb.Status)
	if err != nil {
		metrics.CallbacksTotal.WithLabelValues("malformed").Inc()
		return nil, err
	}

	run, err := r.runs.Get(ctx, cb.RunID)
	if err != nil {
		if verr.IsNotFound(err) {
			metrics.CallbacksTotal.WithLabelValues("unknown_run").Inc()
		}
		return nil, err
	}

	if receipt, err := r.runs.GetReceipt(ctx, cb.RunID, cb.CallbackID); err != nil {
		return nil, err
	} else if receipt != nil {
		return r.replay(run, receipt)
	}

	receipt, applied, err := r.runs.Complete(ctx, cb.RunID, cb.CallbackID, status, category, cb.ResultURI)
	if err != nil {
		// a racing redelivery may have inserted the receipt
		// between the dedup read and the transaction
		if stored, lookupErr := r.runs.GetReceipt(ctx, cb.RunID, cb.CallbackID); lookupErr == nil && stored != nil {
			return r.replay(run, stored)
		}
		return nil, err
	}

	run, err = r.runs.Get(ctx, cb.RunID)
	if err != nil {
		return nil, err
	}

	if !applied {
		metrics.CallbacksTotal.WithLabelValues("noop_terminal").Inc()
		metrics.TerminalRaceLossesTotal.WithLabelValues("callback").Inc()

		if receipt.RunStatus != status {
			// the validator reports an outcome that contradicts
			// the recorded terminal state
			metrics.CallbackAnomaliesTotal.Inc()
			log.Warn(
				"contradicting callback for terminal run",
				"run_id", cb.RunID,
				"callback_id", cb.CallbackID,
				"recorded_status", receipt.RunStatus,
				"reported_status", status,
			)
		} else {
			log.Info(
				"late callback for terminal run",
				"run_id", cb.RunID,
				"callback_id", cb.CallbackID,
				"status", receipt.RunStatus,
			)
		}

		return &Outcome{Run: run, Receipt: receipt}, nil
	}

	metrics.CallbacksTotal.WithLabelValues("applied").Inc()
	if run.CompletedAt != nil {
		metrics.RunDurationSeconds.WithLabelValues(string(run.Status)).
			Observe(run.CompletedAt.Sub(run.StartedAt).Seconds())
	}

	log.Info(
		"callback applied",
		"run_id", cb.RunID,
		"callback_id", cb.CallbackID,
		"status", run.Status,
		"result_uri", cb.ResultURI,
	)

	return &Outcome{Run: run, Receipt: receipt, Applied: true}, nil
}

func (r *Receiver) replay(run *models.ValidationRun, receipt *models.CallbackReceipt) (*Outcome, error) {
	metrics.CallbacksTotal.WithLabelValues("replayed").Inc()

	log.Debug(
		"callback redelivery replayed",
		"run_id", receipt.RunID,
		"callback_id", receipt.CallbackID,
		"outcome", receipt.Outcome,
	)

	return &Outcome{Run: run, Receipt: receipt, Replayed: true}, nil
}
