package sync

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mailmirror/mailmirror/internal/metrics"
	"github.com/mailmirror/mailmirror/internal/store"
)

// OutboxSource is the durable queue the dispatcher drains.
type OutboxSource interface {
	DequeueOutbox(ctx context.Context, limit int) ([]store.OutboxMessage, error)
	MarkPublished(ctx context.Context, id int64) error
	MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error
}

// EventSink is where drained events go.
type EventSink interface {
	Publish(subject string, payload []byte, msgID string) error
}

// Dispatcher moves ingestion events from the transactional outbox to
// NATS. Publish failures are retried with backoff; the outbox row is
// only marked published after the broker accepted it.
type Dispatcher struct {
	outbox    OutboxSource
	sink      EventSink
	log       *zap.Logger
	batchSize int
}

// NewDispatcher creates an outbox dispatcher.
func NewDispatcher(outbox OutboxSource, sink EventSink, log *zap.Logger) *Dispatcher {
	return &Dispatcher{outbox: outbox, sink: sink, log: log, batchSize: 100}
}

// Run drains the outbox until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		messages, err := d.outbox.DequeueOutbox(ctx, d.batchSize)
		if err != nil {
			d.log.Error("failed to dequeue outbox", zap.Error(err))
			d.sleep(ctx, time.Second)
			continue
		}

		if len(messages) == 0 {
			d.sleep(ctx, 500*time.Millisecond)
			continue
		}

		for _, msg := range messages {
			if err := d.sink.Publish(msg.Subject, msg.Payload, msg.MsgID); err != nil {
				d.log.Warn("failed to publish event",
					zap.Int64("outbox_id", msg.ID), zap.Error(err))
				if err := d.outbox.MarkOutboxRetry(ctx, msg.ID, 10*time.Second); err != nil {
					d.log.Error("failed to mark retry",
						zap.Int64("outbox_id", msg.ID), zap.Error(err))
				}
				continue
			}

			metrics.EventsPublished.Inc()
			if err := d.outbox.MarkPublished(ctx, msg.ID); err != nil {
				d.log.Error("failed to mark published",
					zap.Int64("outbox_id", msg.ID), zap.Error(err))
			}
		}
	}
}

func (d *Dispatcher) sleep(ctx context.Context, dur time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(dur):
	}
}
