// Package events publishes order domain events to Kafka.
package events

import (
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/xenking/marketplace-orders/internal/domain/order"
)

// Encode renders e as a JSON object:
//
//	{"event":"order.confirmed","order_id":"...","occurred_at":"...", ...}
//
// followed by the fields specific to the event type.
func Encode(e order.Event) ([]byte, error) {
	enc := jx.GetEncoder()
	defer jx.PutEncoder(enc)

	enc.ObjStart()
	enc.FieldStart("event")
	enc.Str(e.EventName())
	enc.FieldStart("order_id")
	enc.Str(e.AggregateID())
	enc.FieldStart("occurred_at")
	enc.Str(e.OccurredAt().UTC().Format(time.RFC3339Nano))

	switch e := e.(type) {
	case order.Created:
		enc.FieldStart("customer_id")
		enc.Str(e.CustomerID)
		enc.FieldStart("establishment_id")
		enc.Str(e.EstablishmentID)
	case order.Confirmed:
		enc.FieldStart("establishment_id")
		enc.Str(e.EstablishmentID)
	case order.Cancelled:
		enc.FieldStart("reason")
		enc.Str(e.Reason)
		enc.FieldStart("stock_released")
		enc.Bool(e.StockReleased)
	case order.PreparationStarted, order.Dispatched, order.Delivered:
	default:
		return nil, errors.Errorf("unsupported event %T", e)
	}
	enc.ObjEnd()

	return append([]byte(nil), enc.Bytes()...), nil
}
