package worker

import (
	"context"
	"errors"
	"log"

	"ecom-events/internal/broker"
	"ecom-events/internal/consumer"
)

// Worker pumps one consumer group's messages through its idempotent consumer
type Worker struct {
	name       string
	consumer   *broker.Consumer
	idempotent *consumer.IdempotentConsumer
}

// New creates a worker reading the topics the idempotent consumer has handlers for
func New(name string, brokers []string, ic *consumer.IdempotentConsumer) *Worker {
	return &Worker{
		name:       name,
		consumer:   broker.NewConsumer(brokers, ic.Group(), ic.Topics()),
		idempotent: ic,
	}
}

// Name returns the worker name
func (w *Worker) Name() string {
	return w.name
}

// Start blocks until ctx is cancelled
func (w *Worker) Start(ctx context.Context) error {
	log.Printf("Starting %s worker (group=%s)...", w.name, w.idempotent.Group())
	err := w.consumer.StartConsuming(ctx, w.idempotent.HandleMessage)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Stop closes the underlying reader
func (w *Worker) Stop() error {
	log.Printf("Stopping %s worker...", w.name)
	return w.consumer.Close()
}
