package start

import (
	"context"
	"os"
	"os/signal"
	"runtime/pprof"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/verdex-cloud/verdex/api"
	rest "github.com/verdex-cloud/verdex/api/rest/v1"
	"github.com/verdex-cloud/verdex/internal/dispatch"
	"github.com/verdex-cloud/verdex/internal/receiver"
	"github.com/verdex-cloud/verdex/internal/run"
	"github.com/verdex-cloud/verdex/internal/runtime"
	"github.com/verdex-cloud/verdex/internal/sched"
	"github.com/verdex-cloud/verdex/internal/watchdog"
	"github.com/verdex-cloud/verdex/pkg/db"
	"github.com/verdex-cloud/verdex/pkg/env"
	"github.com/verdex-cloud/verdex/pkg/log"
)

const (
	usage   = "start"
	short   = "Start a verdex orchestration instance"
	long    = "This command starts a verdex orchestration instance"
	example = "verdex start"
)

var (
	// Cmd is the start command.
	Cmd = &cobra.Command{
		Use:        usage,
		Short:      short,
		Long:       long,
		Aliases:    []string{"s"},
		SuggestFor: []string{"launch", "boot", "up", "run", "begin"},
		Example:    example,
		RunE:       start,
	}
)

var cancel context.CancelFunc

func start(cmd *cobra.Command, args []string) error {
	signalChan := make(chan os.Signal, 1)

	go func() {
		for s := range signalChan {
			switch s {
			case syscall.SIGUSR1:
				log.Info("dumping stack traces due to SIGUSR1 signal")
				if profile := pprof.Lookup("goroutine"); profile != nil {
					if err := profile.WriteTo(os.Stdout, 1); err != nil {
						log.Error("write goroutine profile", "error", err)
					}
				}
			case syscall.SIGINT:
				log.Info("gracefully shutting down due to SIGINT signal")
				shutdown()
				os.Exit(0)
			}
		}
	}()

	signal.Notify(signalChan, syscall.SIGUSR1, syscall.SIGINT)

	ctx, cancelFunc := context.WithCancel(context.Background())
	cancel = cancelFunc

	log.Info("migrating database")
	if err := db.Migrate(); err != nil {
		log.Fatal("database migration failure", "error", err)
	}

	vars := env.Variables()

	tokens, err := runtime.BuildTokens(ctx, vars)
	if err != nil {
		log.Fatal("token service failure", "error", err)
	}

	blobs, err := runtime.BuildBlob(ctx, vars)
	if err != nil {
		log.Fatal("blob store failure", "error", err)
	}

	be, err := runtime.BuildBackend(vars)
	if err != nil {
		log.Fatal("execution backend failure", "error", err)
	}

	runs := run.NewStore(db.Connection())

	dispatcher := dispatch.New(runs, blobs, be, tokens, dispatch.Config{
		CallbackURL:    vars.PublicURL + "/v1/callbacks",
		ValidatorImage: vars.ValidatorImage,
		IdempotencyTTL: vars.IdempotencyTTL,
		Attempts:       vars.DispatchAttempts,
	})

	dog := watchdog.New(runs, watchdog.Config{
		Grace:            vars.WatchdogGrace,
		Batch:            vars.WatchdogBatch,
		ReceiptRetention: vars.ReceiptRetention,
	})

	scheduler := sched.New(runtime.BuildLocks(vars))
	for _, entry := range []struct {
		name, expr string
		handler    sched.Handler
	}{
		{"reclaim_stuck", vars.WatchdogSchedule, dog.ReclaimStuck},
		{"sweep_receipts", vars.ReceiptSweepSchedule, dog.SweepReceipts},
		{"sweep_idempotency_keys", vars.IdempotencySweepSchedule, dog.SweepIdempotencyKeys},
	} {
		if err := scheduler.Schedule(entry.name, entry.expr, entry.handler); err != nil {
			log.Fatal("scheduler configuration failure", "name", entry.name, "error", err)
		}
	}
	go scheduler.Start(ctx)

	log.Info(
		"starting verdex",
		"port", vars.Port,
		"backend", vars.Backend,
		"public_url", vars.PublicURL,
	)

	return api.Start(&rest.Deps{
		Dispatcher: dispatcher,
		Receiver:   receiver.New(runs, tokens),
		Store:      runs,
		Backend:    be,
		Tokens:     tokens,
		Scheduler:  scheduler,
		WorkerKey:  vars.WorkerKey,
	})
}

func shutdown() {
	if cancel != nil {
		cancel()
	}
}
