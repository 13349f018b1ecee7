// Package payment reacts to payment outcomes published by the payment
// collaborator and drives the matching order transitions.
package payment

import (
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
)

// Type is the kind of payment outcome.
type Type string

const (
	// TypeApproved confirms the order.
	TypeApproved Type = "payment.approved"
	// TypeDeclined cancels the order with the event's reason.
	TypeDeclined Type = "payment.declined"
	// TypeRefunded cancels the order and releases its stock.
	TypeRefunded Type = "payment.refunded"
)

// Event is a payment outcome for one order.
type Event struct {
	// ID identifies the event for deduplication.
	ID      string
	Type    Type
	OrderID string
	Reason  string
}

// Decode parses {"id","type","order_id","reason"}. Unknown fields are
// skipped; id, type and order_id are required.
func Decode(data []byte) (Event, error) {
	var e Event
	err := jx.DecodeBytes(data).ObjBytes(func(d *jx.Decoder, key []byte) error {
		var err error
		switch string(key) {
		case "id":
			e.ID, err = d.Str()
		case "type":
			var s string
			s, err = d.Str()
			e.Type = Type(s)
		case "order_id":
			e.OrderID, err = d.Str()
		case "reason":
			if d.Next() == jx.Null {
				return d.Null()
			}
			e.Reason, err = d.Str()
		default:
			return d.Skip()
		}
		if err != nil {
			return errors.Wrapf(err, "field %q", key)
		}
		return nil
	})
	if err != nil {
		return Event{}, errors.Wrap(err, "decode payment event")
	}

	switch {
	case e.ID == "":
		return Event{}, errors.New("payment event without id")
	case e.Type == "":
		return Event{}, errors.Errorf("payment event %s without type", e.ID)
	case e.OrderID == "":
		return Event{}, errors.Errorf("payment event %s without order_id", e.ID)
	}
	return e, nil
}
