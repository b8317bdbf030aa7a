// Package watchdog reclaims runs whose validator vanished
// without a callback and owns the retention sweeps. All
// handlers are idempotent and batch-bounded so they can run
// on any schedule and on any replica.
package watchdog

import (
	"context"
	"time"

	"github.com/verdex-cloud/verdex/internal/metrics"
	"github.com/verdex-cloud/verdex/internal/run"
	"github.com/verdex-cloud/verdex/pkg/log"
)

// sweeper is the slice of the run repository the watchdog
// uses.
type sweeper interface {
	ReclaimStuck(ctx context.Context, grace time.Duration, batch int) (int, error)
	SweepReceipts(ctx context.Context, retention time.Duration) (int64, error)
	SweepIdempotencyKeys(ctx context.Context) (int64, error)
}

// Config carries the watchdog tunables.
type Config struct {
	// Grace is how long past its deadline a run may sit
	// before it is considered stuck. Absorbs clock skew and
	// slow result uploads.
	Grace time.Duration
	// Batch bounds reclaims per tick.
	Batch int
	// ReceiptRetention bounds how long callback receipts are
	// kept for dedup.
	ReceiptRetention time.Duration
}

// Watchdog groups the liveness and retention handlers.
type Watchdog struct {
	runs sweeper
	cfg  Config
}

// New builds a watchdog over the run repository.
func New(runs sweeper, cfg Config) *Watchdog {
	if cfg.Grace <= 0 {
		cfg.Grace = 5 * time.Minute
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 100
	}
	if cfg.ReceiptRetention <= 0 {
		cfg.ReceiptRetention = 30 * 24 * time.Hour
	}

	return &Watchdog{runs: runs, cfg: cfg}
}

// ReclaimStuck force-fails DISPATCHED and RUNNING runs past
// their deadline plus grace. A run reclaimed here whose
// callback arrives later is recorded as a no-op receipt.
func (w *Watchdog) ReclaimStuck(ctx context.Context) error {
	count, err := w.runs.ReclaimStuck(ctx, w.cfg.Grace, w.cfg.Batch)
	if err != nil {
		if run.IsContention(err) {
			log.Warn("stuck-run reclaim deferred on lock contention", "error", err)
			return nil
		}
		return err
	}

	if count > 0 {
		metrics.WatchdogReclaimsTotal.Add(float64(count))
		log.Warn("reclaimed stuck runs", "count", count, "grace", w.cfg.Grace)
	}

	return nil
}

// SweepReceipts removes callback receipts older than the
// retention window.
func (w *Watchdog) SweepReceipts(ctx context.Context) error {
	count, err := w.runs.SweepReceipts(ctx, w.cfg.ReceiptRetention)
	if err != nil {
		return err
	}

	if count > 0 {
		log.Info("swept callback receipts", "count", count)
	}

	return nil
}

// SweepIdempotencyKeys removes expired reservations. Keys
// whose runs are still non-terminal survive regardless of
// age; the store enforces that.
func (w *Watchdog) SweepIdempotencyKeys(ctx context.Context) error {
	count, err := w.runs.SweepIdempotencyKeys(ctx)
	if err != nil {
		return err
	}

	if count > 0 {
		log.Info("swept idempotency keys", "count", count)
	}

	return nil
}
