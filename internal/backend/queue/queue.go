// Package queue implements the remote job-execution
// backend. Trigger does not call the job API directly; it
// enqueues a durable dispatch request, and a separate
// consumer drains the queue and triggers a delegate backend
// with bounded retry. Submission latency is decoupled from
// job-scheduling latency, and transient dispatch failures
// retry automatically.
package queue

import (
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DispatchMessage is the durable dispatch request placed on
// the queue. The dispatch deadline bounds how long the
// request may wait before it is abandoned; it is distinct
// from the job's own execution timeout.
type DispatchMessage struct {
	RunID            uuid.UUID `json:"run_id"`
	InputURI         string    `json:"input_uri"`
	CallbackURL      string    `json:"callback_url"`
	CallbackToken    string    `json:"callback_token"`
	Image            string    `json:"image"`
	TimeoutSeconds   int64     `json:"timeout_seconds"`
	DispatchDeadline time.Time `json:"dispatch_deadline"`
	Attempt          int       `json:"attempt"`
}

// declareQueue declares the durable dispatch queue. Both
// the producer and the consumer declare it so either side
// can start first.
func declareQueue(ch *amqp.Channel, name string) error {
	_, err := ch.QueueDeclare(
		name,
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,
	)
	return err
}
