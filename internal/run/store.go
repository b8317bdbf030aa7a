// Package run persists validation runs and their
// idempotency records. The store exposes only the lookup
// and conditional-update operations the orchestration core
// uses; no query builder leaks out of this package.
package run

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"github.com/verdex-cloud/verdex/internal/models"
	"github.com/verdex-cloud/verdex/internal/verr"
	"gorm.io/gorm"
)

// Receipt outcomes recorded on first processing of a
// callback delivery.
const (
	OutcomeApplied      = "applied"
	OutcomeNoopTerminal = "noop_terminal"
)

// Store is the gorm-backed run repository.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// NewStore wraps a database connection.
func NewStore(conn *gorm.DB) *Store {
	if conn == nil {
		panic("run store requires a database connection")
	}
	return &Store{db: conn, now: time.Now}
}

// DB exposes the underlying connection for migrations and
// service wiring.
func (s *Store) DB() *gorm.DB {
	return s.db
}

func nonTerminal() []string {
	statuses := make([]string, len(models.NonTerminalStatuses))
	for i, st := range models.NonTerminalStatuses {
		statuses[i] = string(st)
	}
	return statuses
}

// Create persists a new run in PENDING.
func (s *Store) Create(ctx context.Context, run *models.ValidationRun) error {
	now := s.now().UTC()

	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	run.Status = models.RunStatusPending
	run.StartedAt = now
	run.CreatedAt = now
	run.UpdatedAt = now

	return s.db.WithContext(ctx).Create(run).Error
}

// Get looks up a run by id.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*models.ValidationRun, error) {
	var run models.ValidationRun

	err := s.db.WithContext(ctx).First(&run, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &verr.NotFoundError{RunID: id.String()}
	}
	if err != nil {
		return nil, err
	}

	return &run, nil
}

// ListRequest filters run listings.
type ListRequest struct {
	OrgID  string
	Status models.RunStatus
	Limit  int
}

// List returns runs matching the request, newest first.
func (s *Store) List(ctx context.Context, req *ListRequest) ([]*models.ValidationRun, error) {
	q := s.db.WithContext(ctx).Order("created_at DESC")

	if req.OrgID != "" {
		q = q.Where("org_id = ?", req.OrgID)
	}
	if req.Status != "" {
		q = q.Where("status = ?", string(req.Status))
	}
	limit := req.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	var runs []*models.ValidationRun
	return runs, q.Limit(limit).Find(&runs).Error
}

// MarkDispatched transitions PENDING to DISPATCHED and
// records the backend handle ("kind:id") and deadline.
func (s *Store) MarkDispatched(ctx context.Context, id uuid.UUID, handle string, deadline time.Time) error {
	kind, _, _ := strings.Cut(handle, ":")

	res := s.db.WithContext(ctx).Model(&models.ValidationRun{}).
		Where("id = ? AND status = ?", id, string(models.RunStatusPending)).
		Updates(map[string]interface{}{
			"status":         string(models.RunStatusDispatched),
			"backend_kind":   kind,
			"backend_handle": handle,
			"deadline_at":    deadline.UTC(),
			"updated_at":     s.now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return &verr.ConflictError{RunID: id.String(), Proposed: string(models.RunStatusDispatched)}
	}
	return nil
}

// MarkRunning transitions DISPATCHED to RUNNING, reporting
// whether the write landed. PENDING is refused: RUNNING must
// not outrun MarkDispatched, or the run would carry a zero
// deadline and the watchdog would reclaim it while the job
// is alive. Terminal runs are refused too, a fast callback
// must win over a late consumer.
func (s *Store) MarkRunning(ctx context.Context, id uuid.UUID, handle string) (bool, error) {
	updates := map[string]interface{}{
		"status":     string(models.RunStatusRunning),
		"updated_at": s.now().UTC(),
	}
	if handle != "" {
		updates["backend_handle"] = handle
	}

	res := s.db.WithContext(ctx).Model(&models.ValidationRun{}).
		Where("id = ? AND status = ?", id, string(models.RunStatusDispatched)).
		Updates(updates)

	return res.RowsAffected == 1, res.Error
}

// FailDispatch force-fails a run whose trigger exhausted
// its retries. No callback will ever arrive for a run that
// never started.
func (s *Store) FailDispatch(ctx context.Context, id uuid.UUID) error {
	now := s.now().UTC()

	return s.db.WithContext(ctx).Model(&models.ValidationRun{}).
		Where("id = ? AND status IN ?", id, nonTerminal()).
		Updates(map[string]interface{}{
			"status":         string(models.RunStatusFailed),
			"error_category": string(verr.CategoryDispatchFailed),
			"completed_at":   now,
			"updated_at":     now,
		}).Error
}

// Cancel performs the conditional terminal write for an
// explicit cancellation. Returns false when another writer
// already finished the run.
func (s *Store) Cancel(ctx context.Context, id uuid.UUID) (bool, error) {
	now := s.now().UTC()

	res := s.db.WithContext(ctx).Model(&models.ValidationRun{}).
		Where("id = ? AND status IN ?", id, nonTerminal()).
		Updates(map[string]interface{}{
			"status":       string(models.RunStatusCanceled),
			"completed_at": now,
			"updated_at":   now,
		})

	return res.RowsAffected == 1, res.Error
}

// GetReceipt returns the receipt for (runID, callbackID),
// or nil when the delivery has not been processed before.
func (s *Store) GetReceipt(ctx context.Context, runID uuid.UUID, callbackID string) (*models.CallbackReceipt, error) {
	var receipt models.CallbackReceipt

	err := s.db.WithContext(ctx).
		First(&receipt, "run_id = ? AND callback_id = ?", runID, callbackID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &receipt, nil
}

// Complete atomically records the callback receipt and, if
// the run is still non-terminal, applies the terminal
// transition. A crash can never leave a receipt without the
// run updated, nor the reverse: both writes share one
// transaction, and the run update is conditional so exactly
// one of {callback, watchdog, cancel} wins.
func (s *Store) Complete(
	ctx context.Context,
	runID uuid.UUID,
	callbackID string,
	status models.RunStatus,
	errorCategory string,
	resultURI string,
) (*models.CallbackReceipt, bool, error) {
	var (
		applied bool
		now     = s.now().UTC()
		receipt = &models.CallbackReceipt{
			ID:         uuid.New(),
			RunID:      runID,
			CallbackID: callbackID,
			ResultURI:  resultURI,
			CreatedAt:  now,
		}
	)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := map[string]interface{}{
			"status":       string(status),
			"result_uri":   resultURI,
			"completed_at": now,
			"updated_at":   now,
		}
		if errorCategory != "" {
			updates["error_category"] = errorCategory
		}

		res := tx.Model(&models.ValidationRun{}).
			Where("id = ? AND status IN ?", runID, nonTerminal()).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}

		applied = res.RowsAffected == 1

		if applied {
			receipt.Outcome = OutcomeApplied
			receipt.RunStatus = status
		} else {
			var current models.ValidationRun
			if err := tx.First(&current, "id = ?", runID).Error; err != nil {
				return err
			}
			receipt.Outcome = OutcomeNoopTerminal
			receipt.RunStatus = current.Status
			receipt.ResultURI = current.ResultURI
		}

		return tx.Create(receipt).Error
	})
	if err != nil {
		return nil, false, err
	}

	return receipt, applied, nil
}

// ReclaimStuck force-fails runs whose deadline passed grace
// ago with no callback, bounded to batch per invocation.
// Safe to run concurrently with callbacks: the conditional
// update lets only one writer finish each run.
func (s *Store) ReclaimStuck(ctx context.Context, grace time.Duration, batch int) (int, error) {
	if batch <= 0 {
		batch = 100
	}

	var (
		count  int
		cutoff = s.now().UTC().Add(-grace)
		active = []string{
			string(models.RunStatusDispatched),
			string(models.RunStatusRunning),
		}
	)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []uuid.UUID
		err := tx.Model(&models.ValidationRun{}).
			Where("status IN ? AND deadline_at < ?", active, cutoff).
			Order("deadline_at ASC").
			Limit(batch).
			Pluck("id", &ids).Error
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		now := s.now().UTC()
		res := tx.Model(&models.ValidationRun{}).
			Where("id IN ? AND status IN ?", ids, active).
			Updates(map[string]interface{}{
				"status":         string(models.RunStatusFailed),
				"error_category": string(verr.CategoryStuckNoCallback),
				"completed_at":   now,
				"updated_at":     now,
			})
		if res.Error != nil {
			return res.Error
		}

		count = int(res.RowsAffected)
		return nil
	})

	return count, err
}

// SweepReceipts deletes receipts older than the retention
// window. Off the hot path; dedup only needs receipts for
// as long as validators may redeliver.
func (s *Store) SweepReceipts(ctx context.Context, retention time.Duration) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("created_at < ?", s.now().UTC().Add(-retention)).
		Delete(&models.CallbackReceipt{})

	return res.RowsAffected, res.Error
}

// ReserveIdempotency records (key, caller) for runID. When
// a live reservation already exists the existing run id is
// returned with created=false and no run is dispatched. An
// expired reservation whose run settled is replaced.
func (s *Store) ReserveIdempotency(ctx context.Context, key, caller string, runID uuid.UUID, ttl time.Duration) (uuid.UUID, bool, error) {
	now := s.now().UTC()

	record := &models.IdempotencyKey{
		ID:        uuid.New(),
		Key:       key,
		Caller:    caller,
		RunID:     runID,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	}

	err := s.db.WithContext(ctx).Create(record).Error
	if err == nil {
		return runID, true, nil
	}

	existing, lookupErr := s.liveReservation(ctx, key, caller)
	if lookupErr != nil {
		return uuid.Nil, false, err
	}
	if existing != nil {
		return existing.RunID, false, nil
	}

	// the conflicting row is stale; replace it
	if delErr := s.ReleaseIdempotency(ctx, key, caller); delErr != nil {
		return uuid.Nil, false, err
	}
	if retryErr := s.db.WithContext(ctx).Create(record).Error; retryErr != nil {
		// a concurrent reserver beat us to the replacement
		existing, lookupErr := s.liveReservation(ctx, key, caller)
		if lookupErr != nil || existing == nil {
			return uuid.Nil, false, retryErr
		}
		return existing.RunID, false, nil
	}

	return runID, true, nil
}

// liveReservation returns the (key, caller) reservation that
// still shields submissions: unexpired, or expired but naming
// a run that has not reached a terminal state. The second arm
// mirrors SweepIdempotencyKeys, which never drops the key of
// an in-flight run.
func (s *Store) liveReservation(ctx context.Context, key, caller string) (*models.IdempotencyKey, error) {
	var record models.IdempotencyKey

	err := s.db.WithContext(ctx).
		Where("key = ? AND caller = ?", key, caller).
		Where(
			"expires_at > ? OR run_id IN (?)",
			s.now().UTC(),
			s.db.Model(&models.ValidationRun{}).Select("id").Where("status IN ?", nonTerminal()),
		).
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &record, nil
}

// LookupIdempotency returns the run reserved under
// (key, caller), or Nil when no live reservation exists.
func (s *Store) LookupIdempotency(ctx context.Context, key, caller string) (uuid.UUID, error) {
	record, err := s.liveReservation(ctx, key, caller)
	if err != nil {
		return uuid.Nil, err
	}
	if record == nil {
		return uuid.Nil, nil
	}

	return record.RunID, nil
}

// ReleaseIdempotency drops the reservation for (key, caller).
// Used when the reserved run was never persisted, so client
// retries are not pinned to a run that does not exist.
func (s *Store) ReleaseIdempotency(ctx context.Context, key, caller string) error {
	return s.db.WithContext(ctx).
		Where("key = ? AND caller = ?", key, caller).
		Delete(&models.IdempotencyKey{}).Error
}

// SweepIdempotencyKeys deletes expired reservations, but
// never one whose run is still non-terminal: expiring a
// live run's key would let a client retry into a duplicate.
func (s *Store) SweepIdempotencyKeys(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("expires_at < ?", s.now().UTC()).
		Where(
			"run_id NOT IN (?)",
			s.db.Model(&models.ValidationRun{}).Select("id").Where("status IN ?", nonTerminal()),
		).
		Delete(&models.IdempotencyKey{})

	return res.RowsAffected, res.Error
}

// IsContention reports whether err is a transient lock
// conflict worth retrying on the next tick rather than
// surfacing.
func IsContention(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.Code == sqlite3.ErrBusy || serr.Code == sqlite3.ErrLocked
	}
	return false
}
