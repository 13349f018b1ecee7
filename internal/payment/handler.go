package payment

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/marketplace-orders/internal/domain/apperr"
	"github.com/xenking/marketplace-orders/internal/domain/order"
)

// Cancellation reasons recorded on orders cancelled by payment outcomes.
const (
	ReasonStockUnavailable = "stock unavailable"
	ReasonPaymentDeclined  = "payment declined"
	ReasonPaymentRefunded  = "payment refunded"
	ReasonCouponRejected   = "coupon no longer applicable"
)

// Orders is the part of the order service driven by payment outcomes.
type Orders interface {
	ConfirmOrder(ctx context.Context, id string) (*order.Order, error)
	CancelOrder(ctx context.Context, id, reason string) (*order.Order, error)
}

// Handler applies payment events to orders at least once. An event id is
// recorded only after the event was applied, so a redelivery of an event
// that failed or was interrupted is applied again. Transitions the order
// already went through are treated as duplicates.
type Handler struct {
	orders Orders
	dedupe Deduper
}

// NewHandler returns a Handler.
func NewHandler(orders Orders, dedupe Deduper) *Handler {
	return &Handler{orders: orders, dedupe: dedupe}
}

// Handle applies e. A returned error means the event was not applied and
// should be delivered again.
func (h *Handler) Handle(ctx context.Context, e Event) error {
	lg := zctx.From(ctx).With(
		zap.String("payment_event_id", e.ID),
		zap.String("payment_event_type", string(e.Type)),
		zap.String("order_id", e.OrderID),
	)

	seen, err := h.dedupe.Seen(ctx, e.ID)
	if err != nil {
		// Order transitions are idempotent; apply anyway.
		lg.Warn("Check payment event id", zap.Error(err))
	}
	if seen {
		lg.Debug("Skipping duplicate payment event")
		return nil
	}

	if err := h.apply(ctx, lg, e); err != nil {
		return err
	}
	if err := h.dedupe.Mark(ctx, e.ID); err != nil {
		lg.Warn("Mark payment event id", zap.Error(err))
	}
	return nil
}

func (h *Handler) apply(ctx context.Context, lg *zap.Logger, e Event) error {
	switch e.Type {
	case TypeApproved:
		return h.approve(ctx, lg, e)
	case TypeDeclined:
		reason := e.Reason
		if reason == "" {
			reason = ReasonPaymentDeclined
		}
		return h.cancel(ctx, lg, e.OrderID, reason)
	case TypeRefunded:
		return h.cancel(ctx, lg, e.OrderID, ReasonPaymentRefunded)
	default:
		lg.Warn("Ignoring unknown payment event type")
		return nil
	}
}

func (h *Handler) approve(ctx context.Context, lg *zap.Logger, e Event) error {
	_, err := h.orders.ConfirmOrder(ctx, e.OrderID)
	switch {
	case err == nil:
		lg.Info("Order paid")
		return nil
	case errors.Is(err, order.ErrInvalidTransition):
		lg.Info("Order already past payment, ignoring approval", zap.Error(err))
		return nil
	case apperr.KindOf(err) == apperr.KindNotFound:
		lg.Warn("Payment approved for unknown order", zap.Error(err))
		return nil
	case apperr.KindOf(err) == apperr.KindConflict:
		// The payment went through but the order cannot be fulfilled. Cancel
		// it so the payment collaborator refunds.
		lg.Warn("Paid order cannot be confirmed, cancelling", zap.Error(err))
		return h.cancel(ctx, lg, e.OrderID, confirmFailureReason(err))
	case apperr.KindOf(err) == apperr.KindValidation:
		lg.Error("Paid order is invalid, dropping approval", zap.Error(err))
		return nil
	default:
		// Lock contention and infrastructure failures are redelivered.
		return errors.Wrapf(err, "confirm order %s", e.OrderID)
	}
}

func (h *Handler) cancel(ctx context.Context, lg *zap.Logger, orderID, reason string) error {
	_, err := h.orders.CancelOrder(ctx, orderID, reason)
	switch {
	case err == nil:
		lg.Info("Order cancelled", zap.String("reason", reason))
		return nil
	case errors.Is(err, order.ErrInvalidTransition):
		lg.Info("Order already closed, ignoring cancellation", zap.Error(err))
		return nil
	case apperr.KindOf(err) == apperr.KindValidation || apperr.KindOf(err) == apperr.KindConflict:
		lg.Error("Order cannot be cancelled, dropping payment event", zap.Error(err))
		return nil
	case apperr.KindOf(err) == apperr.KindNotFound:
		lg.Warn("Payment event for unknown order", zap.Error(err))
		return nil
	default:
		return errors.Wrapf(err, "cancel order %s", orderID)
	}
}

func confirmFailureReason(err error) string {
	code, _ := apperr.CodeOf(err)
	switch code {
	case apperr.CodeCouponExpired, apperr.CodeCouponExhausted, apperr.CodeCouponNotApplicable:
		return ReasonCouponRejected
	default:
		return ReasonStockUnavailable
	}
}
