package payment

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// DefaultTopic carries payment outcomes unless configured otherwise.
const DefaultTopic = "payment-events"

// MessageReader is the part of *kafka.Reader used by Consumer.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// NewReader returns a consumer group reader for topic.
func NewReader(brokers []string, groupID, topic string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		GroupID:        groupID,
		Topic:          topic,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0,
		StartOffset:    kafka.FirstOffset,
	})
}

// ConsumerOptions tunes redelivery of messages that failed to apply.
type ConsumerOptions struct {
	// Backoff is the first delay between attempts. It doubles after every
	// failure up to MaxBackoff.
	Backoff    time.Duration
	MaxBackoff time.Duration
}

func (o *ConsumerOptions) setDefaults() {
	if o.Backoff <= 0 {
		o.Backoff = 200 * time.Millisecond
	}
	if o.MaxBackoff < o.Backoff {
		o.MaxBackoff = max(30*time.Second, o.Backoff)
	}
}

// Consumer feeds payment messages to a Handler and commits each offset
// only after the message was handled.
type Consumer struct {
	reader  MessageReader
	handler *Handler
	opts    ConsumerOptions
	running atomic.Bool
}

// NewConsumer returns a Consumer.
func NewConsumer(reader MessageReader, handler *Handler, opts ConsumerOptions) *Consumer {
	opts.setDefaults()
	return &Consumer{reader: reader, handler: handler, opts: opts}
}

// Running reports whether Run is consuming.
func (c *Consumer) Running() bool {
	return c.running.Load()
}

// Run consumes until ctx is done.
func (c *Consumer) Run(ctx context.Context) error {
	lg := zctx.From(ctx)
	c.running.Store(true)
	defer c.running.Store(false)

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "fetch message")
		}

		if err := c.process(ctx, lg, msg); err != nil {
			// Interrupted before the message was applied; leave it uncommitted.
			return nil
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "commit message")
		}
	}
}

// process applies msg, retrying with capped exponential backoff until it
// succeeds or ctx is done. Only a message that cannot be decoded is
// skipped. The returned error is non-nil only when ctx ended first.
func (c *Consumer) process(ctx context.Context, lg *zap.Logger, msg kafka.Message) error {
	lg = lg.With(zap.Int("partition", msg.Partition), zap.Int64("offset", msg.Offset))

	e, err := Decode(msg.Value)
	if err != nil {
		lg.Error("Skipping malformed payment message", zap.Error(err))
		return nil
	}

	backoff := c.opts.Backoff
	for attempt := 1; ; attempt++ {
		err := c.handler.Handle(ctx, e)
		if err == nil {
			return nil
		}
		lg.Warn("Handle payment event, retrying",
			zap.String("payment_event_id", e.ID),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(2*backoff, c.opts.MaxBackoff)
	}
}
