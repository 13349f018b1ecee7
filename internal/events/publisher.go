package events

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/xenking/marketplace-orders/internal/domain/order"
)

// DefaultTopic receives order events unless configured otherwise.
const DefaultTopic = "order-events"

// HeaderEvent carries the event name on every message.
const HeaderEvent = "event"

// MessageWriter is the part of *kafka.Writer used by KafkaPublisher.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

var _ order.Publisher = (*KafkaPublisher)(nil)

// KafkaPublisher writes order events to Kafka keyed by order id, so all
// events of one order land on one partition in order.
type KafkaPublisher struct {
	w MessageWriter
}

// NewKafkaPublisher returns a publisher writing through w.
func NewKafkaPublisher(w MessageWriter) *KafkaPublisher {
	return &KafkaPublisher{w: w}
}

// NewWriter returns a Kafka writer for topic that waits for all in-sync
// replicas to acknowledge each batch.
func NewWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}
}

// Publish encodes and writes events in one batch.
func (p *KafkaPublisher) Publish(ctx context.Context, events ...order.Event) error {
	if len(events) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(events))
	for _, e := range events {
		value, err := Encode(e)
		if err != nil {
			return errors.Wrapf(err, "encode %s", e.EventName())
		}
		msgs = append(msgs, kafka.Message{
			Key:     []byte(e.AggregateID()),
			Value:   value,
			Headers: []kafka.Header{{Key: HeaderEvent, Value: []byte(e.EventName())}},
			Time:    e.OccurredAt(),
		})
	}
	if err := p.w.WriteMessages(ctx, msgs...); err != nil {
		return errors.Wrap(err, "write messages")
	}
	return nil
}

var _ order.Publisher = LogPublisher{}

// LogPublisher logs events instead of sending them anywhere. It is used when
// no broker is configured.
type LogPublisher struct{}

// Publish logs each event at info level.
func (LogPublisher) Publish(ctx context.Context, events ...order.Event) error {
	lg := zctx.From(ctx)
	for _, e := range events {
		lg.Info("Order event",
			zap.String("event", e.EventName()),
			zap.String("order_id", e.AggregateID()),
			zap.Time("occurred_at", e.OccurredAt()),
		)
	}
	return nil
}
