// Package sched runs named handlers on cron schedules. Each
// entry gets its own tick loop; an optional redis leader
// lock keeps a named sweep single-flight across replicas.
package sched

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron"
	"github.com/verdex-cloud/verdex/pkg/log"
)

// Handler is one scheduled unit of work. Errors are logged
// and retried on the next tick, never fatal.
type Handler func(ctx context.Context) error

// lockTTL bounds how long a replica holds a named sweep
// lock. Longer than any sweep should take, shorter than the
// tightest schedule in use.
const lockTTL = 30 * time.Second

type entry struct {
	name     string
	schedule cron.Schedule
	handler  Handler
}

// Scheduler dispatches registered entries on their cron
// schedules.
type Scheduler struct {
	entries  []*entry
	locks    *redis.Client
	instance string
}

// New builds a scheduler. locks may be nil, in which case
// every replica fires every entry.
func New(locks *redis.Client) *Scheduler {
	return &Scheduler{
		locks:    locks,
		instance: uuid.NewString(),
	}
}

// Schedule registers handler under name on a five-field cron
// expression.
func (s *Scheduler) Schedule(name, expr string, handler Handler) error {
	parser := cron.NewParser(
		cron.Minute |
			cron.Hour |
			cron.Dom |
			cron.Month |
			cron.Dow,
	)

	schedule, err := parser.Parse(expr)
	if err != nil {
		return errors.Wrapf(err, "invalid schedule %q for %q", expr, name)
	}

	s.entries = append(s.entries, &entry{
		name:     name,
		schedule: schedule,
		handler:  handler,
	})

	return nil
}

// Start launches one tick loop per entry and blocks until
// ctx is canceled.
func (s *Scheduler) Start(ctx context.Context) {
	for _, e := range s.entries {
		go s.listen(ctx, e)
	}

	log.Info("scheduler started", "entries", len(s.entries))

	<-ctx.Done()
}

func (s *Scheduler) listen(ctx context.Context, e *entry) {
	for {
		next := e.schedule.Next(time.Now())

		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(next)):
			s.fire(ctx, e)
		}
	}
}

// ErrUnknownEntry reports a Fire against a name no entry is
// registered under.
var ErrUnknownEntry = errors.New("unknown scheduled entry")

// Fire runs a named entry immediately, bypassing both the
// schedule and the leader lock. Backs the manual sweep
// trigger endpoint.
func (s *Scheduler) Fire(ctx context.Context, name string) error {
	for _, e := range s.entries {
		if e.name == name {
			return s.invoke(ctx, e)
		}
	}
	return errors.WithMessagef(ErrUnknownEntry, "%q", name)
}

func (s *Scheduler) fire(ctx context.Context, e *entry) {
	if !s.acquire(ctx, e.name) {
		log.Debug("entry held by another replica", "name", e.name)
		return
	}

	if err := s.invoke(ctx, e); err != nil {
		log.Error("scheduled entry failed", "name", e.name, "error", err)
	}
}

func (s *Scheduler) invoke(ctx context.Context, e *entry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("entry %q panicked: %v", e.name, r)
		}
	}()

	log.Debug("entry firing", "name", e.name)

	return e.handler(ctx)
}

// acquire takes the per-entry leader lock. Lock loss modes
// are benign: every handler behind the scheduler is
// idempotent and conditional.
func (s *Scheduler) acquire(ctx context.Context, name string) bool {
	if s.locks == nil {
		return true
	}

	ok, err := s.locks.SetNX(ctx, "verdex:sched:"+name, s.instance, lockTTL).Result()
	if err != nil {
		log.Warn("leader lock unavailable, firing anyway", "name", name, "error", err)
		return true
	}

	return ok
}
