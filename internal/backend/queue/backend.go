package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/verdex-cloud/verdex/internal/backend"
)

const handleKind = "queue"

// publisher is the slice of the AMQP channel the backend
// uses, mockable in tests.
type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

type queueBackend struct {
	channel          publisher
	queue            string
	dispatchDeadline time.Duration
}

// NewBackend declares the dispatch queue and returns the
// queue-triggered execution backend.
func NewBackend(ch *amqp.Channel, queue string, dispatchDeadline time.Duration) (backend.Backend, error) {
	if err := declareQueue(ch, queue); err != nil {
		return nil, errors.Wrapf(err, "failed to declare queue %q", queue)
	}

	return &queueBackend{
		channel:          ch,
		queue:            queue,
		dispatchDeadline: dispatchDeadline,
	}, nil
}

// Trigger publishes a persistent dispatch request. The
// handle identifies the queued request, not a running job;
// the consumer records the real backend handle once the
// delegate trigger succeeds.
func (b *queueBackend) Trigger(ctx context.Context, req *backend.TriggerRequest) (*backend.JobHandle, error) {
	msg := DispatchMessage{
		RunID:            req.RunID,
		InputURI:         req.InputURI,
		CallbackURL:      req.CallbackURL,
		CallbackToken:    req.CallbackToken,
		Image:            req.Image,
		TimeoutSeconds:   int64(req.Timeout.Seconds()),
		DispatchDeadline: time.Now().UTC().Add(b.dispatchDeadline),
		Attempt:          0,
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode dispatch message")
	}

	err = b.channel.PublishWithContext(
		ctx,
		"",      // default exchange
		b.queue, // routing key
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    req.RunID.String(),
			Body:         body,
		},
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to enqueue dispatch request")
	}

	return &backend.JobHandle{Kind: handleKind, ID: req.RunID.String()}, nil
}

// Status always reports pending: the queued request carries
// no job state, and completion is learned via callback.
func (b *queueBackend) Status(context.Context, *backend.JobHandle) (backend.Status, error) {
	return backend.StatusPending, nil
}
