package run

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
	"github.com/verdex-cloud/verdex/internal/models"
	"github.com/verdex-cloud/verdex/internal/verr"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type StoreTestSuite struct {
	suite.Suite
	store *Store
	ctx   context.Context
}

func (s *StoreTestSuite) SetupTest() {
	// a named shared-cache database so every pooled
	// connection sees the same schema
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())

	conn, err := gorm.Open(
		sqlite.Open(dsn),
		&gorm.Config{Logger: logger.Default.LogMode(logger.Silent)},
	)
	s.Require().NoError(err)
	s.Require().NoError(conn.AutoMigrate(
		&models.ValidationRun{},
		&models.CallbackReceipt{},
		&models.IdempotencyKey{},
	))

	s.store = NewStore(conn)
	s.ctx = context.Background()
}

func (s *StoreTestSuite) newRun() *models.ValidationRun {
	run := &models.ValidationRun{
		ID:         uuid.New(),
		OrgID:      "org-acme",
		WorkflowID: "baseline-check",
		Image:      "validator:1.0.0",
		InputURI:   "s3://verdex/input.json",
		DeadlineAt: time.Now().UTC().Add(time.Hour),
	}
	s.Require().NoError(s.store.Create(s.ctx, run))
	return run
}

func (s *StoreTestSuite) status(id uuid.UUID) models.RunStatus {
	run, err := s.store.Get(s.ctx, id)
	s.Require().NoError(err)
	return run.Status
}

func (s *StoreTestSuite) TestCreateGet() {
	run := s.newRun()

	got, err := s.store.Get(s.ctx, run.ID)
	s.Require().NoError(err)
	s.Equal(models.RunStatusPending, got.Status)
	s.Equal("org-acme", got.OrgID)
	s.NotZero(got.CreatedAt)

	_, err = s.store.Get(s.ctx, uuid.New())
	s.True(verr.IsNotFound(err))
}

func (s *StoreTestSuite) TestList() {
	a := s.newRun()
	s.newRun()

	other := &models.ValidationRun{ID: uuid.New(), OrgID: "org-other", Image: "validator:1.0.0"}
	s.Require().NoError(s.store.Create(s.ctx, other))

	runs, err := s.store.List(s.ctx, &ListRequest{OrgID: "org-acme"})
	s.Require().NoError(err)
	s.Len(runs, 2)

	_, err = s.store.Cancel(s.ctx, a.ID)
	s.Require().NoError(err)

	runs, err = s.store.List(s.ctx, &ListRequest{Status: models.RunStatusCanceled})
	s.Require().NoError(err)
	s.Require().Len(runs, 1)
	s.Equal(a.ID, runs[0].ID)
}

func (s *StoreTestSuite) TestMarkDispatched() {
	run := s.newRun()
	deadline := time.Now().UTC().Add(time.Hour)

	s.Require().NoError(s.store.MarkDispatched(s.ctx, run.ID, "docker:abc123", deadline))

	got, err := s.store.Get(s.ctx, run.ID)
	s.Require().NoError(err)
	s.Equal(models.RunStatusDispatched, got.Status)
	s.Equal("docker", got.BackendKind)
	s.Equal("docker:abc123", got.BackendHandle)

	// only PENDING may be dispatched
	err = s.store.MarkDispatched(s.ctx, run.ID, "docker:abc123", deadline)
	s.True(verr.IsConflict(err))
}

func (s *StoreTestSuite) TestMarkRunning() {
	run := s.newRun()

	// PENDING is refused, the dispatch record comes first
	marked, err := s.store.MarkRunning(s.ctx, run.ID, "kubernetes:verdex-run-x")
	s.Require().NoError(err)
	s.False(marked)
	s.Equal(models.RunStatusPending, s.status(run.ID))

	s.Require().NoError(s.store.MarkDispatched(
		s.ctx, run.ID, "kubernetes:verdex-run-x", time.Now().UTC().Add(time.Hour),
	))

	marked, err = s.store.MarkRunning(s.ctx, run.ID, "kubernetes:verdex-run-x")
	s.Require().NoError(err)
	s.True(marked)
	s.Equal(models.RunStatusRunning, s.status(run.ID))

	// a terminal run is never pulled back to RUNNING
	_, err = s.store.Cancel(s.ctx, run.ID)
	s.Require().NoError(err)
	marked, err = s.store.MarkRunning(s.ctx, run.ID, "")
	s.Require().NoError(err)
	s.False(marked)
	s.Equal(models.RunStatusCanceled, s.status(run.ID))
}

func (s *StoreTestSuite) TestMarkRunningNeverOutrunsDispatch() {
	// a queued trigger can start the job before the
	// dispatcher records DISPATCHED; the early RUNNING write
	// must not land, or the run would carry a zero deadline
	// and the next sweep would fail a live run
	run := s.newRun()

	marked, err := s.store.MarkRunning(s.ctx, run.ID, "docker:abc123")
	s.Require().NoError(err)
	s.False(marked)

	deadline := time.Now().UTC().Add(time.Hour)
	s.Require().NoError(s.store.MarkDispatched(s.ctx, run.ID, "docker:abc123", deadline))

	marked, err = s.store.MarkRunning(s.ctx, run.ID, "docker:abc123")
	s.Require().NoError(err)
	s.True(marked)

	count, err := s.store.ReclaimStuck(s.ctx, 5*time.Minute, 100)
	s.Require().NoError(err)
	s.Zero(count)

	got, err := s.store.Get(s.ctx, run.ID)
	s.Require().NoError(err)
	s.Equal(models.RunStatusRunning, got.Status)
	s.WithinDuration(deadline, got.DeadlineAt, time.Second)
}

func (s *StoreTestSuite) TestFailDispatch() {
	run := s.newRun()

	s.Require().NoError(s.store.FailDispatch(s.ctx, run.ID))

	got, err := s.store.Get(s.ctx, run.ID)
	s.Require().NoError(err)
	s.Equal(models.RunStatusFailed, got.Status)
	s.Equal(string(verr.CategoryDispatchFailed), got.ErrorCategory)
	s.NotNil(got.CompletedAt)
}

func (s *StoreTestSuite) TestCancelRace() {
	run := s.newRun()

	won, err := s.store.Cancel(s.ctx, run.ID)
	s.Require().NoError(err)
	s.True(won)

	won, err = s.store.Cancel(s.ctx, run.ID)
	s.Require().NoError(err)
	s.False(won)
	s.Equal(models.RunStatusCanceled, s.status(run.ID))
}

func (s *StoreTestSuite) TestCompleteApplied() {
	run := s.newRun()

	receipt, applied, err := s.store.Complete(
		s.ctx, run.ID, "cb-1", models.RunStatusSucceeded, "", "s3://verdex/result.json",
	)
	s.Require().NoError(err)
	s.True(applied)
	s.Equal(OutcomeApplied, receipt.Outcome)
	s.Equal(models.RunStatusSucceeded, receipt.RunStatus)

	got, err := s.store.Get(s.ctx, run.ID)
	s.Require().NoError(err)
	s.Equal(models.RunStatusSucceeded, got.Status)
	s.Equal("s3://verdex/result.json", got.ResultURI)
	s.NotNil(got.CompletedAt)
}

func (s *StoreTestSuite) TestCompleteTerminalNoop() {
	run := s.newRun()

	_, applied, err := s.store.Complete(
		s.ctx, run.ID, "cb-1", models.RunStatusSucceeded, "", "s3://verdex/result.json",
	)
	s.Require().NoError(err)
	s.True(applied)

	// a second callback id for the same run records a no-op
	// receipt and leaves the run untouched
	receipt, applied, err := s.store.Complete(
		s.ctx, run.ID, "cb-2", models.RunStatusFailed, "failed_runtime", "",
	)
	s.Require().NoError(err)
	s.False(applied)
	s.Equal(OutcomeNoopTerminal, receipt.Outcome)
	s.Equal(models.RunStatusSucceeded, receipt.RunStatus)
	s.Equal("s3://verdex/result.json", receipt.ResultURI)

	s.Equal(models.RunStatusSucceeded, s.status(run.ID))
}

func (s *StoreTestSuite) TestCompleteDuplicateCallbackID() {
	run := s.newRun()

	_, _, err := s.store.Complete(s.ctx, run.ID, "cb-1", models.RunStatusSucceeded, "", "")
	s.Require().NoError(err)

	// the dedup index refuses a second receipt for the same
	// delivery; callers replay the stored one instead
	_, _, err = s.store.Complete(s.ctx, run.ID, "cb-1", models.RunStatusSucceeded, "", "")
	s.Error(err)

	receipt, err := s.store.GetReceipt(s.ctx, run.ID, "cb-1")
	s.Require().NoError(err)
	s.Require().NotNil(receipt)
	s.Equal(OutcomeApplied, receipt.Outcome)
}

func (s *StoreTestSuite) TestCompleteConcurrentCallbacks() {
	run := s.newRun()

	type outcome struct {
		receipt *models.CallbackReceipt
		applied bool
	}

	var (
		wg       sync.WaitGroup
		start    = make(chan struct{})
		outcomes = make([]outcome, 2)
		errs     = make([]error, 2)
		statuses = []models.RunStatus{models.RunStatusSucceeded, models.RunStatusFailed}
	)

	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			for {
				receipt, applied, err := s.store.Complete(
					s.ctx, run.ID, fmt.Sprintf("cb-%d", i), statuses[i], "", "",
				)
				if err != nil && IsContention(err) {
					continue
				}
				outcomes[i] = outcome{receipt: receipt, applied: applied}
				errs[i] = err
				return
			}
		}(i)
	}

	close(start)
	wg.Wait()

	s.Require().NoError(errs[0])
	s.Require().NoError(errs[1])

	// exactly one writer wins the terminal transition
	s.NotEqual(outcomes[0].applied, outcomes[1].applied)

	winner, loser := outcomes[0], outcomes[1]
	if loser.applied {
		winner, loser = loser, winner
	}

	s.Equal(OutcomeApplied, winner.receipt.Outcome)
	s.Equal(OutcomeNoopTerminal, loser.receipt.Outcome)
	s.Equal(winner.receipt.RunStatus, loser.receipt.RunStatus)
	s.Equal(winner.receipt.RunStatus, s.status(run.ID))
}

func (s *StoreTestSuite) TestGetReceiptAbsent() {
	receipt, err := s.store.GetReceipt(s.ctx, uuid.New(), "cb-1")
	s.Require().NoError(err)
	s.Nil(receipt)
}

func (s *StoreTestSuite) TestReclaimStuck() {
	stuck := s.newRun()
	s.Require().NoError(s.store.MarkDispatched(
		s.ctx, stuck.ID, "docker:dead", time.Now().UTC().Add(-time.Hour),
	))

	fresh := s.newRun()
	s.Require().NoError(s.store.MarkDispatched(
		s.ctx, fresh.ID, "docker:alive", time.Now().UTC().Add(time.Hour),
	))

	pending := s.newRun()

	count, err := s.store.ReclaimStuck(s.ctx, 5*time.Minute, 100)
	s.Require().NoError(err)
	s.Equal(1, count)

	got, err := s.store.Get(s.ctx, stuck.ID)
	s.Require().NoError(err)
	s.Equal(models.RunStatusFailed, got.Status)
	s.Equal(string(verr.CategoryStuckNoCallback), got.ErrorCategory)

	s.Equal(models.RunStatusDispatched, s.status(fresh.ID))
	// PENDING runs were never triggered; they are not stuck
	s.Equal(models.RunStatusPending, s.status(pending.ID))

	// re-entrant: nothing left to reclaim
	count, err = s.store.ReclaimStuck(s.ctx, 5*time.Minute, 100)
	s.Require().NoError(err)
	s.Zero(count)
}

func (s *StoreTestSuite) TestReclaimStuckBatchBound() {
	for i := 0; i < 3; i++ {
		run := s.newRun()
		s.Require().NoError(s.store.MarkDispatched(
			s.ctx, run.ID, "docker:dead", time.Now().UTC().Add(-time.Hour),
		))
	}

	count, err := s.store.ReclaimStuck(s.ctx, 0, 2)
	s.Require().NoError(err)
	s.Equal(2, count)

	count, err = s.store.ReclaimStuck(s.ctx, 0, 2)
	s.Require().NoError(err)
	s.Equal(1, count)
}

func (s *StoreTestSuite) TestSweepReceipts() {
	run := s.newRun()

	_, _, err := s.store.Complete(s.ctx, run.ID, "cb-1", models.RunStatusSucceeded, "", "")
	s.Require().NoError(err)

	// young receipts survive
	count, err := s.store.SweepReceipts(s.ctx, time.Hour)
	s.Require().NoError(err)
	s.Zero(count)

	s.store.now = func() time.Time { return time.Now().Add(31 * 24 * time.Hour) }

	count, err = s.store.SweepReceipts(s.ctx, 30*24*time.Hour)
	s.Require().NoError(err)
	s.Equal(int64(1), count)
}

func (s *StoreTestSuite) TestIdempotencyReserve() {
	runID := uuid.New()

	got, created, err := s.store.ReserveIdempotency(s.ctx, "key-1", "org-acme", runID, time.Hour)
	s.Require().NoError(err)
	s.True(created)
	s.Equal(runID, got)

	// replay resolves to the original run
	got, created, err = s.store.ReserveIdempotency(s.ctx, "key-1", "org-acme", uuid.New(), time.Hour)
	s.Require().NoError(err)
	s.False(created)
	s.Equal(runID, got)

	// same key, different caller, is a distinct reservation
	otherID := uuid.New()
	got, created, err = s.store.ReserveIdempotency(s.ctx, "key-1", "org-other", otherID, time.Hour)
	s.Require().NoError(err)
	s.True(created)
	s.Equal(otherID, got)

	looked, err := s.store.LookupIdempotency(s.ctx, "key-1", "org-acme")
	s.Require().NoError(err)
	s.Equal(runID, looked)

	looked, err = s.store.LookupIdempotency(s.ctx, "key-missing", "org-acme")
	s.Require().NoError(err)
	s.Equal(uuid.Nil, looked)
}

func (s *StoreTestSuite) TestIdempotencyReserveExpired() {
	done := s.newRun()
	_, err := s.store.Cancel(s.ctx, done.ID)
	s.Require().NoError(err)

	_, created, err := s.store.ReserveIdempotency(s.ctx, "key-1", "org-acme", done.ID, time.Hour)
	s.Require().NoError(err)
	s.True(created)

	s.store.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	// past its TTL the reservation no longer shields
	looked, err := s.store.LookupIdempotency(s.ctx, "key-1", "org-acme")
	s.Require().NoError(err)
	s.Equal(uuid.Nil, looked)

	freshID := uuid.New()
	got, created, err := s.store.ReserveIdempotency(s.ctx, "key-1", "org-acme", freshID, time.Hour)
	s.Require().NoError(err)
	s.True(created)
	s.Equal(freshID, got)
}

func (s *StoreTestSuite) TestIdempotencyExpiredKeyStillShieldsLiveRun() {
	live := s.newRun()

	_, _, err := s.store.ReserveIdempotency(s.ctx, "key-1", "org-acme", live.ID, time.Hour)
	s.Require().NoError(err)

	s.store.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	// expiry must not open a duplicate-dispatch window while
	// the reserved run is in flight
	got, created, err := s.store.ReserveIdempotency(s.ctx, "key-1", "org-acme", uuid.New(), time.Hour)
	s.Require().NoError(err)
	s.False(created)
	s.Equal(live.ID, got)

	looked, err := s.store.LookupIdempotency(s.ctx, "key-1", "org-acme")
	s.Require().NoError(err)
	s.Equal(live.ID, looked)
}

func (s *StoreTestSuite) TestIdempotencyRelease() {
	ghost := uuid.New()

	_, created, err := s.store.ReserveIdempotency(s.ctx, "key-1", "org-acme", ghost, time.Hour)
	s.Require().NoError(err)
	s.True(created)

	s.Require().NoError(s.store.ReleaseIdempotency(s.ctx, "key-1", "org-acme"))

	freshID := uuid.New()
	got, created, err := s.store.ReserveIdempotency(s.ctx, "key-1", "org-acme", freshID, time.Hour)
	s.Require().NoError(err)
	s.True(created)
	s.Equal(freshID, got)
}

func (s *StoreTestSuite) TestIdempotencySweepSparesLiveRuns() {
	live := s.newRun()
	done := s.newRun()
	_, err := s.store.Cancel(s.ctx, done.ID)
	s.Require().NoError(err)

	_, _, err = s.store.ReserveIdempotency(s.ctx, "key-live", "org-acme", live.ID, time.Hour)
	s.Require().NoError(err)
	_, _, err = s.store.ReserveIdempotency(s.ctx, "key-done", "org-acme", done.ID, time.Hour)
	s.Require().NoError(err)

	s.store.now = func() time.Time { return time.Now().Add(25 * time.Hour) }

	count, err := s.store.SweepIdempotencyKeys(s.ctx)
	s.Require().NoError(err)
	s.Equal(int64(1), count)

	// the live run's key survives expiry until the run ends
	looked, err := s.store.LookupIdempotency(s.ctx, "key-live", "org-acme")
	s.Require().NoError(err)
	s.Equal(live.ID, looked)

	looked, err = s.store.LookupIdempotency(s.ctx, "key-done", "org-acme")
	s.Require().NoError(err)
	s.Equal(uuid.Nil, looked)
}

func TestStoreTestSuite(t *testing.T) {
	suite.Run(t, new(StoreTestSuite))
}

func TestIsContention(t *testing.T) {
	assert.False(t, IsContention(nil))
	assert.False(t, IsContention(assert.AnError))
}
