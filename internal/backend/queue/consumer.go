package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/verdex-cloud/verdex/internal/backend"
	"github.com/verdex-cloud/verdex/internal/metrics"
	"github.com/verdex-cloud/verdex/pkg/log"
)

// RunMarker is the slice of the run repository the consumer
// needs to record dispatch outcomes.
type RunMarker interface {
	MarkRunning(ctx context.Context, runID uuid.UUID, handle string) (bool, error)
	FailDispatch(ctx context.Context, runID uuid.UUID) error
}

// markAttempts bounds how long a consumer waits for the
// dispatcher's DISPATCHED record before giving up on writing
// RUNNING itself.
const markAttempts = 5

// Consumer drains the dispatch queue and triggers jobs on
// the delegate backend with bounded exponential backoff.
type Consumer struct {
	channel     *amqp.Channel
	queue       string
	delegate    backend.Backend
	runs        RunMarker
	maxAttempts int
	baseDelay   time.Duration
	markDelay   time.Duration
}

// NewConsumer declares the queue and builds a consumer
// triggering jobs on delegate.
func NewConsumer(ch *amqp.Channel, queue string, delegate backend.Backend, runs RunMarker, maxAttempts int) (*Consumer, error) {
	if err := declareQueue(ch, queue); err != nil {
		return nil, errors.Wrapf(err, "failed to declare queue %q", queue)
	}

	if maxAttempts <= 0 {
		maxAttempts = 5
	}

	return &Consumer{
		channel:     ch,
		queue:       queue,
		delegate:    delegate,
		runs:        runs,
		maxAttempts: maxAttempts,
		baseDelay:   time.Second,
		markDelay:   200 * time.Millisecond,
	}, nil
}

// Start consumes dispatch requests until ctx is canceled.
func (c *Consumer) Start(ctx context.Context) error {
	// one in-flight dispatch per consumer; parallelism comes
	// from running more worker processes
	if err := c.channel.Qos(1, 0, false); err != nil {
		return errors.Wrap(err, "failed to set prefetch")
	}

	deliveries, err := c.channel.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return errors.Wrapf(err, "failed to consume queue %q", c.queue)
	}

	log.Info("dispatch consumer started", "queue", c.queue)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case delivery, ok := <-deliveries:
			if !ok {
				return errors.New("dispatch channel closed")
			}
			c.handle(ctx, delivery)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, delivery amqp.Delivery) {
	var msg DispatchMessage
	if err := json.Unmarshal(delivery.Body, &msg); err != nil {
		log.Error("malformed dispatch message dropped", "error", err)
		_ = delivery.Reject(false)
		return
	}

	if err := c.dispatch(ctx, &msg); err != nil {
		log.Error(
			"dispatch abandoned",
			"run_id", msg.RunID,
			"error", err,
		)
		metrics.DispatchesTotal.WithLabelValues(handleKind, "failed").Inc()

		if err := c.runs.FailDispatch(ctx, msg.RunID); err != nil {
			// the watchdog will reclaim the run at its deadline
			log.Error("failed to record dispatch failure", "run_id", msg.RunID, "error", err)
		}

		_ = delivery.Ack(false)
		return
	}

	metrics.DispatchesTotal.WithLabelValues(handleKind, "ok").Inc()
	_ = delivery.Ack(false)
}

// dispatch triggers the delegate with exponential backoff,
// bounded by the attempt count and the dispatch deadline.
func (c *Consumer) dispatch(ctx context.Context, msg *DispatchMessage) error {
	req := &backend.TriggerRequest{
		RunID:         msg.RunID,
		InputURI:      msg.InputURI,
		CallbackURL:   msg.CallbackURL,
		CallbackToken: msg.CallbackToken,
		Image:         msg.Image,
		Timeout:       time.Duration(msg.TimeoutSeconds) * time.Second,
	}

	var lastErr error

	for attempt := msg.Attempt; attempt < c.maxAttempts; attempt++ {
		if !msg.DispatchDeadline.IsZero() && time.Now().UTC().After(msg.DispatchDeadline) {
			return errors.Errorf("dispatch deadline exceeded after %d attempt(s)", attempt)
		}

		handle, err := c.delegate.Trigger(ctx, req)
		if err == nil {
			return c.markRunning(ctx, msg.RunID, handle.Kind+":"+handle.ID)
		}

		lastErr = err
		metrics.QueueDispatchRetriesTotal.Inc()
		log.Warn(
			"dispatch attempt failed",
			"run_id", msg.RunID,
			"attempt", attempt+1,
			"error", err,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.baseDelay << uint(attempt)):
		}
	}

	return errors.Wrapf(lastErr, "exhausted %d dispatch attempts", c.maxAttempts)
}

// markRunning records the running state, retrying briefly:
// the trigger can land before the dispatcher has recorded
// DISPATCHED, and RUNNING must only be written on top of that
// record so the run's deadline is in place.
func (c *Consumer) markRunning(ctx context.Context, runID uuid.UUID, handle string) error {
	for attempt := 0; attempt < markAttempts; attempt++ {
		marked, err := c.runs.MarkRunning(ctx, runID, handle)
		if err != nil {
			return err
		}
		if marked {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.markDelay):
		}
	}

	// the run is terminal, or its dispatch record is still in
	// flight and will stand at DISPATCHED until the callback
	log.Warn("job started before its dispatch was recorded", "run_id", runID)
	return nil
}
