package worker

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/verdex-cloud/verdex/internal/backend/queue"
	"github.com/verdex-cloud/verdex/internal/run"
	"github.com/verdex-cloud/verdex/internal/runtime"
	"github.com/verdex-cloud/verdex/pkg/db"
	"github.com/verdex-cloud/verdex/pkg/env"
	"github.com/verdex-cloud/verdex/pkg/log"
)

const (
	usage   = "worker"
	short   = "Start a verdex dispatch worker"
	long    = "This command starts a worker draining the dispatch queue onto a direct execution backend"
	example = "verdex worker"
)

var (
	// Cmd is the worker command.
	Cmd = &cobra.Command{
		Use:        usage,
		Short:      short,
		Long:       long,
		Aliases:    []string{"w"},
		SuggestFor: []string{"consume", "drain"},
		Example:    example,
		RunE:       work,
	}
)

func work(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signalChan
		log.Info("gracefully shutting down worker")
		cancel()
	}()

	vars := env.Variables()

	delegate, err := runtime.BuildDirectBackend(vars.WorkerBackend, vars)
	if err != nil {
		log.Fatal("delegate backend failure", "error", err)
	}

	ch, err := runtime.DialQueue(vars)
	if err != nil {
		log.Fatal("dispatch broker failure", "error", err)
	}

	consumer, err := queue.NewConsumer(
		ch,
		vars.QueueName,
		delegate,
		run.NewStore(db.Connection()),
		vars.DispatchAttempts,
	)
	if err != nil {
		log.Fatal("dispatch consumer failure", "error", err)
	}

	log.Info("starting dispatch worker", "queue", vars.QueueName, "delegate", vars.WorkerBackend)

	if err := consumer.Start(ctx); err != nil && ctx.Err() == nil {
		return err
	}

	return nil
}
