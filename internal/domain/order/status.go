package order

// Status is the position of an order in its fulfillment lifecycle.
type Status string

const (
	// StatusPaymentPending is the initial status; items and coupon may change.
	StatusPaymentPending Status = "PAYMENT_PENDING"
	// StatusPaid means payment was approved and stock is reserved.
	StatusPaid Status = "PAID"
	// StatusPreparing means the establishment is preparing the order.
	StatusPreparing Status = "PREPARING"
	// StatusAwaitingCourier means the order is ready for pickup.
	StatusAwaitingCourier Status = "AWAITING_COURIER"
	// StatusDelivered is terminal: the order reached the customer.
	StatusDelivered Status = "DELIVERED"
	// StatusCancelled is terminal: the order will not be fulfilled.
	StatusCancelled Status = "CANCELLED"
)

// predecessor is the single state each forward transition may start from.
var predecessor = map[Status]Status{
	StatusPaid:            StatusPaymentPending,
	StatusPreparing:       StatusPaid,
	StatusAwaitingCourier: StatusPreparing,
	StatusDelivered:       StatusAwaitingCourier,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPaymentPending, StatusPaid, StatusPreparing,
		StatusAwaitingCourier, StatusDelivered, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusDelivered || s == StatusCancelled
}

// StockCommitted reports whether stock for the order's items has been
// reserved and not yet released.
func (s Status) StockCommitted() bool {
	switch s {
	case StatusPaid, StatusPreparing, StatusAwaitingCourier:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether the state machine allows s -> next.
func (s Status) CanTransitionTo(next Status) bool {
	if next == StatusCancelled {
		return !s.IsTerminal()
	}
	from, ok := predecessor[next]
	return ok && from == s
}
