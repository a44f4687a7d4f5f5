package changefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/johndauphine/stack-migrate/internal/logging"
	"github.com/johndauphine/stack-migrate/internal/migration"
)

var log = logging.For("changefeed")

// Message is one delivery from a queue.
type Message struct {
	Body          []byte
	ReceiptHandle string
}

// Queue delivers messages at least once. A received message that is not
// deleted is delivered again later.
type Queue interface {
	Receive(ctx context.Context, max int) ([]Message, error)
	Delete(ctx context.Context, receiptHandle string) error
}

// Handler processes one change.
type Handler func(ctx context.Context, msg migration.ChangeMessage) error

// Consumer drains a queue, skipping changes the queue has already processed.
type Consumer struct {
	Tracker   *Tracker
	Queue     Queue
	QueueName string
	Handler   Handler
	BatchSize int
}

// Poll receives one batch and processes it. It returns how many changes
// the handler completed.
func (c *Consumer) Poll(ctx context.Context) (int, error) {
	batch := c.BatchSize
	if batch <= 0 {
		batch = 10
	}
	msgs, err := c.Queue.Receive(ctx, batch)
	if err != nil {
		return 0, fmt.Errorf("receiving from %s: %w", c.QueueName, err)
	}

	done := 0
	for _, m := range msgs {
		ok, err := c.handle(ctx, m)
		if err != nil {
			return done, err
		}
		if ok {
			done++
		}
	}
	return done, nil
}

// handle processes m. Handler failures leave m on the queue and are logged;
// only tracker and queue failures are returned.
func (c *Consumer) handle(ctx context.Context, m Message) (bool, error) {
	var change migration.ChangeMessage
	if err := json.Unmarshal(m.Body, &change); err != nil {
		// Redelivery cannot fix a malformed body.
		log.Error("%s: dropping malformed message: %v", c.QueueName, err)
		return false, c.Queue.Delete(ctx, m.ReceiptHandle)
	}

	seen, err := c.Tracker.IsProcessed(ctx, change.ChangeNumber, c.QueueName)
	if err != nil {
		return false, err
	}
	if seen {
		log.Debug("%s: change %d already processed", c.QueueName, change.ChangeNumber)
		return false, c.Queue.Delete(ctx, m.ReceiptHandle)
	}

	if err := c.Handler(ctx, change); err != nil {
		log.Warn("%s: change %d failed, leaving for redelivery: %v", c.QueueName, change.ChangeNumber, err)
		return false, nil
	}
	if err := c.Tracker.RegisterProcessed(ctx, change.ChangeNumber, c.QueueName); err != nil {
		return false, err
	}
	if err := c.Queue.Delete(ctx, m.ReceiptHandle); err != nil {
		return true, fmt.Errorf("deleting change %d: %w", change.ChangeNumber, err)
	}
	return true, nil
}

// Run polls until ctx is done, sleeping idle between empty polls.
func (c *Consumer) Run(ctx context.Context, idle time.Duration) error {
	for {
		n, err := c.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error("%s: %v", c.QueueName, err)
		}
		if n > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(idle):
		}
	}
}
