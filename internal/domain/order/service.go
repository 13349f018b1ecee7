package order

import (
	"context"
	"slices"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/xenking/marketplace-orders/internal/domain/apperr"
	"github.com/xenking/marketplace-orders/internal/domain/coupon"
	"github.com/xenking/marketplace-orders/internal/domain/product"
)

const instrumentationName = "github.com/xenking/marketplace-orders/internal/domain/order"

// DefaultMaxAttempts bounds how often a unit of work is retried after a
// concurrent modification.
const DefaultMaxAttempts = 3

// CouponPolicy decides what CreateOrder does with a coupon code that cannot
// be applied.
type CouponPolicy string

const (
	// CouponPolicyReject fails the checkout with the coupon error.
	CouponPolicyReject CouponPolicy = "reject"
	// CouponPolicySkip logs the coupon error and creates the order without
	// a discount.
	CouponPolicySkip CouponPolicy = "skip"
)

// ItemRequest is a requested product and quantity.
type ItemRequest struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

// CreateOrderRequest holds the input for creating an order.
type CreateOrderRequest struct {
	CustomerID      string
	Items           []ItemRequest
	CouponCode      string
	DeliveryAddress string
	Notes           string
}

// Service orchestrates order creation, confirmation, cancellation and
// the rest of the order lifecycle against the repositories.
type Service struct {
	products  product.Repository
	coupons   coupon.Repository
	orders    Repository
	tx        TxManager
	events    Publisher
	validator coupon.Validator

	now          func() time.Time
	newID        func() string
	maxAttempts  int
	couponPolicy CouponPolicy

	tracer  trace.Tracer
	metrics serviceMetrics
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithIDGenerator overrides how order ids are generated.
func WithIDGenerator(newID func() string) Option {
	return func(s *Service) { s.newID = newID }
}

// WithMaxAttempts sets how many times confirmation and cancellation are
// attempted when they hit a concurrent modification.
func WithMaxAttempts(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithCouponPolicy sets the coupon policy used by CreateOrder.
func WithCouponPolicy(p CouponPolicy) Option {
	return func(s *Service) { s.couponPolicy = p }
}

// WithTracerProvider sets the tracer provider spans are started from.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Service) { s.tracer = tp.Tracer(instrumentationName) }
}

// WithMeterProvider sets the meter provider counters are created from.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(s *Service) { s.metrics = newServiceMetrics(mp.Meter(instrumentationName)) }
}

// NewService creates an order Service. Repository calls that must be
// atomic are grouped through tx; events are handed to publisher after the
// unit of work commits.
func NewService(
	products product.Repository,
	coupons coupon.Repository,
	orders Repository,
	tx TxManager,
	publisher Publisher,
	opts ...Option,
) *Service {
	s := &Service{
		products:     products,
		coupons:      coupons,
		orders:       orders,
		tx:           tx,
		events:       publisher,
		now:          time.Now,
		newID:        uuid.NewString,
		maxAttempts:  DefaultMaxAttempts,
		couponPolicy: CouponPolicyReject,
		tracer:       tracenoop.NewTracerProvider().Tracer(instrumentationName),
		metrics:      newServiceMetrics(metricnoop.NewMeterProvider().Meter(instrumentationName)),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.validator = coupon.NewRepoValidator(coupons).WithClock(s.clock)
	return s
}

// CreateOrder validates the requested items against the catalog, builds a
// PAYMENT_PENDING order with snapshot line items, applies the coupon
// according to the coupon policy and persists it. Stock is not reserved.
func (s *Service) CreateOrder(ctx context.Context, req CreateOrderRequest) (_ *Order, err error) {
	ctx, span := s.tracer.Start(ctx, "OrderService.CreateOrder",
		trace.WithAttributes(attribute.String("customer.id", req.CustomerID), attribute.Int("order.items", len(req.Items))))
	defer func() { err = s.finish(ctx, span, "create", err) }()

	if len(req.Items) == 0 {
		return nil, ErrEmptyOrder
	}

	ids := make([]string, len(req.Items))
	for i, item := range req.Items {
		if item.Quantity <= 0 {
			return nil, apperr.Errorf(apperr.CodeInvalidQuantity, "quantity %d for product %s must be greater than 0", item.Quantity, item.ProductID)
		}
		ids[i] = item.ProductID
	}

	fetched, err := s.products.GetByIDs(ctx, ids)
	if err != nil {
		return nil, errors.Wrap(err, "get products")
	}
	byID := make(map[string]*product.Product, len(fetched))
	for i := range fetched {
		byID[fetched[i].ID] = &fetched[i]
	}

	lines := make([]Line, len(req.Items))
	for i, item := range req.Items {
		p, ok := byID[item.ProductID]
		if !ok {
			return nil, apperr.Errorf(apperr.CodeProductNotFound, "product %s not found", item.ProductID)
		}
		lines[i] = Line{Product: p, Quantity: item.Quantity}
	}

	now := s.clock()
	o, err := Create(CreateParams{
		ID:              s.newID(),
		CustomerID:      req.CustomerID,
		DeliveryAddress: req.DeliveryAddress,
		Notes:           req.Notes,
		Now:             now,
	}, lines)
	if err != nil {
		return nil, err
	}

	if req.CouponCode != "" {
		if err := s.applyCouponCode(ctx, o, req.CouponCode, now); err != nil {
			return nil, err
		}
	}

	if err := s.orders.Save(ctx, o); err != nil {
		return nil, errors.Wrap(err, "save order")
	}
	span.SetAttributes(attribute.String("order.id", o.ID()))

	s.publish(ctx, o.PullEvents())
	return o, nil
}

func (s *Service) applyCouponCode(ctx context.Context, o *Order, code string, now time.Time) error {
	c, err := s.validator.Validate(ctx, code, o.Subtotal())
	if err == nil {
		err = o.ApplyCoupon(c, now)
	}
	if err == nil {
		return nil
	}
	if s.couponPolicy != CouponPolicySkip || apperr.KindOf(err) == apperr.KindUnknown {
		return errors.Wrap(err, "apply coupon")
	}
	zctx.From(ctx).Info("Skipping inapplicable coupon",
		zap.String("order_id", o.ID()),
		zap.String("coupon_code", code),
		zap.Error(err),
	)
	return nil
}

// ConfirmOrder reserves stock for every line item and moves the order to
// PAID in one unit of work. Reservation is all-or-nothing: if any item
// cannot be reserved, items reserved before it are released and nothing is
// persisted.
func (s *Service) ConfirmOrder(ctx context.Context, id string) (_ *Order, err error) {
	ctx, span := s.startSpan(ctx, "OrderService.ConfirmOrder", id)
	defer func() { err = s.finish(ctx, span, "confirm", err) }()

	var o *Order
	err = s.retry(ctx, "confirm", func(ctx context.Context) error {
		return s.tx.RunInTx(ctx, func(ctx context.Context) error {
			var err error
			if o, err = s.load(ctx, id, true); err != nil {
				return err
			}
			if err := o.CheckConfirmable(); err != nil {
				return err
			}

			items := o.Items()
			byID, err := s.lockProducts(ctx, items)
			if err != nil {
				return err
			}
			reserved, err := reserveAll(byID, items)
			if err != nil {
				return err
			}
			if err := o.Confirm(s.clock()); err != nil {
				releaseAll(byID, reserved)
				return err
			}
			return s.saveAll(ctx, o, byID, true)
		})
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, o.PullEvents())
	return o, nil
}

// CancelOrder cancels the order, releasing reserved stock when the order
// was already paid. The cancellation either fully completes or leaves the
// order and stock untouched.
func (s *Service) CancelOrder(ctx context.Context, id, reason string) (_ *Order, err error) {
	ctx, span := s.startSpan(ctx, "OrderService.CancelOrder", id)
	defer func() { err = s.finish(ctx, span, "cancel", err) }()

	var o *Order
	err = s.retry(ctx, "cancel", func(ctx context.Context) error {
		return s.tx.RunInTx(ctx, func(ctx context.Context) error {
			var err error
			if o, err = s.load(ctx, id, false); err != nil {
				return err
			}
			if err := o.CheckCancellable(); err != nil {
				return err
			}

			var byID map[string]*product.Product
			if o.Status().StockCommitted() {
				items := o.Items()
				if byID, err = s.lockProducts(ctx, items); err != nil {
					return err
				}
				for _, it := range items {
					if err := byID[it.ProductID].Release(it.Quantity); err != nil {
						return err
					}
				}
			}
			if err := o.Cancel(reason, s.clock()); err != nil {
				return err
			}
			return s.saveAll(ctx, o, byID, false)
		})
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, o.PullEvents())
	return o, nil
}

// ApplyCoupon looks the coupon up by code and applies it to an editable
// order, replacing any coupon applied before.
func (s *Service) ApplyCoupon(ctx context.Context, id, code string) (*Order, error) {
	return s.mutate(ctx, "apply_coupon", id, func(ctx context.Context, o *Order, now time.Time) error {
		c, err := s.validator.Validate(ctx, code, o.Subtotal())
		if err != nil {
			return err
		}
		return o.ApplyCoupon(c, now)
	})
}

// RemoveCoupon detaches the coupon from an editable order.
func (s *Service) RemoveCoupon(ctx context.Context, id string) (*Order, error) {
	return s.mutate(ctx, "remove_coupon", id, func(_ context.Context, o *Order, now time.Time) error {
		return o.RemoveCoupon(now)
	})
}

// AddItem adds qty units of a product to an editable order.
func (s *Service) AddItem(ctx context.Context, id, productID string, qty int) (*Order, error) {
	return s.mutate(ctx, "add_item", id, func(ctx context.Context, o *Order, now time.Time) error {
		p, err := s.products.GetByID(ctx, productID)
		if err != nil {
			return err
		}
		return o.AddItem(p, qty, now)
	})
}

// RemoveItem removes a product from an editable order.
func (s *Service) RemoveItem(ctx context.Context, id, productID string) (*Order, error) {
	return s.mutate(ctx, "remove_item", id, func(_ context.Context, o *Order, now time.Time) error {
		return o.RemoveItem(productID, now)
	})
}

// UpdateItemQuantity changes the quantity of a product in an editable order.
func (s *Service) UpdateItemQuantity(ctx context.Context, id, productID string, qty int) (*Order, error) {
	return s.mutate(ctx, "update_item", id, func(ctx context.Context, o *Order, now time.Time) error {
		p, err := s.products.GetByID(ctx, productID)
		if err != nil {
			return err
		}
		return o.UpdateItemQuantity(p, qty, now)
	})
}

// StartPreparation moves a PAID order to PREPARING.
func (s *Service) StartPreparation(ctx context.Context, id string) (*Order, error) {
	return s.mutate(ctx, "start_preparation", id, func(_ context.Context, o *Order, now time.Time) error {
		return o.StartPreparation(now)
	})
}

// Dispatch moves a PREPARING order to AWAITING_COURIER.
func (s *Service) Dispatch(ctx context.Context, id string) (*Order, error) {
	return s.mutate(ctx, "dispatch", id, func(_ context.Context, o *Order, now time.Time) error {
		return o.Dispatch(now)
	})
}

// Deliver moves an AWAITING_COURIER order to DELIVERED.
func (s *Service) Deliver(ctx context.Context, id string) (*Order, error) {
	return s.mutate(ctx, "deliver", id, func(_ context.Context, o *Order, now time.Time) error {
		return o.Deliver(now)
	})
}

// GetOrder returns the current state of an order.
func (s *Service) GetOrder(ctx context.Context, id string) (*Order, error) {
	o, err := s.orders.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return o, nil
}

// mutate loads the order inside a unit of work, applies fn and saves the
// result, then publishes the recorded events.
func (s *Service) mutate(
	ctx context.Context,
	op, id string,
	fn func(ctx context.Context, o *Order, now time.Time) error,
) (_ *Order, err error) {
	ctx, span := s.startSpan(ctx, "OrderService."+op, id)
	defer func() { err = s.finish(ctx, span, op, err) }()

	var o *Order
	err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		if o, err = s.load(ctx, id, true); err != nil {
			return err
		}
		if err := fn(ctx, o, s.clock()); err != nil {
			return err
		}
		if err := s.orders.Save(ctx, o); err != nil {
			return errors.Wrap(err, "save order")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, o.PullEvents())
	return o, nil
}

// load fetches the order and, when withCoupon is set, the coupon applied
// to it. Inside a transaction both rows stay locked in that order.
func (s *Service) load(ctx context.Context, id string, withCoupon bool) (*Order, error) {
	o, err := s.orders.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if withCoupon && o.HasCoupon() {
		c, err := s.coupons.GetByID(ctx, o.CouponID())
		if err != nil {
			return nil, errors.Wrapf(err, "get coupon %s", o.CouponID())
		}
		o.bindCoupon(c)
	}
	return o, nil
}

// lockProducts loads the products of items. Repositories return them
// ordered by id, which keeps row lock acquisition order stable across
// concurrent confirmations.
func (s *Service) lockProducts(ctx context.Context, items []LineItem) (map[string]*product.Product, error) {
	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.ProductID
	}
	slices.Sort(ids)
	ids = slices.Compact(ids)

	fetched, err := s.products.GetByIDs(ctx, ids)
	if err != nil {
		return nil, errors.Wrap(err, "get products")
	}
	byID := make(map[string]*product.Product, len(fetched))
	for i := range fetched {
		byID[fetched[i].ID] = &fetched[i]
	}
	for _, id := range ids {
		if _, ok := byID[id]; !ok {
			return nil, apperr.Errorf(apperr.CodeProductNotFound, "product %s not found", id)
		}
	}
	return byID, nil
}

// reserveAll reserves every item or none: on failure, the items reserved
// so far are released again before the error is returned.
func reserveAll(byID map[string]*product.Product, items []LineItem) ([]LineItem, error) {
	reserved := make([]LineItem, 0, len(items))
	for _, it := range items {
		p := byID[it.ProductID]
		var err error
		if p.Active {
			err = p.Reserve(it.Quantity)
		} else {
			err = apperr.Errorf(apperr.CodeProductUnavailable, "product %s is not available", p.ID)
		}
		if err != nil {
			releaseAll(byID, reserved)
			return nil, err
		}
		reserved = append(reserved, it)
	}
	return reserved, nil
}

func releaseAll(byID map[string]*product.Product, items []LineItem) {
	for i := len(items) - 1; i >= 0; i-- {
		// Quantities are positive, so Release cannot fail.
		_ = byID[items[i].ProductID].Release(items[i].Quantity)
	}
}

// saveAll persists touched products in id order, the applied coupon when
// withCoupon is set, and finally the order.
func (s *Service) saveAll(ctx context.Context, o *Order, products map[string]*product.Product, withCoupon bool) error {
	ids := make([]string, 0, len(products))
	for id := range products {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		if err := s.products.Save(ctx, products[id]); err != nil {
			return errors.Wrapf(err, "save product %s", id)
		}
	}
	if withCoupon && o.coupon != nil {
		if err := s.coupons.Save(ctx, o.coupon); err != nil {
			return errors.Wrapf(err, "save coupon %s", o.coupon.Code)
		}
	}
	if err := s.orders.Save(ctx, o); err != nil {
		return errors.Wrap(err, "save order")
	}
	return nil
}

// retry runs fn until it succeeds, fails with a non-retryable error or
// maxAttempts is reached.
func (s *Service) retry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		if err = fn(ctx); err == nil || !apperr.IsRetryable(err) {
			return err
		}
		s.metrics.conflicts.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
		zctx.From(ctx).Debug("Concurrent modification, retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return errors.Wrap(ctxErr, op)
		}
	}
	return apperr.Errorf(apperr.CodeConcurrentStockConflict, "%s: gave up after %d attempts: %s", op, s.maxAttempts, err)
}

// publish hands events to the publisher. Failures are logged; the unit of
// work they describe is already committed.
func (s *Service) publish(ctx context.Context, events []Event) {
	if s.events == nil || len(events) == 0 {
		return
	}
	if err := s.events.Publish(ctx, events...); err != nil {
		names := make([]string, len(events))
		for i, e := range events {
			names[i] = e.EventName()
		}
		zctx.From(ctx).Error("Publish order events",
			zap.String("order_id", events[0].AggregateID()),
			zap.Strings("events", names),
			zap.Error(err),
		)
	}
}

func (s *Service) clock() time.Time {
	return s.now().UTC()
}

func (s *Service) startSpan(ctx context.Context, name, orderID string) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name, trace.WithAttributes(attribute.String("order.id", orderID)))
}

func (s *Service) finish(ctx context.Context, span trace.Span, op string, err error) error {
	defer span.End()

	outcome := "ok"
	if err != nil {
		outcome = "internal"
		if code, ok := apperr.CodeOf(err); ok {
			outcome = string(code)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	s.metrics.operations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	))
	return err
}

type serviceMetrics struct {
	operations metric.Int64Counter
	conflicts  metric.Int64Counter
}

func newServiceMetrics(m metric.Meter) serviceMetrics {
	var sm serviceMetrics
	var err error
	if sm.operations, err = m.Int64Counter("orders.operations",
		metric.WithDescription("Order service operations by outcome"),
	); err != nil {
		sm.operations = metricnoop.Int64Counter{}
	}
	if sm.conflicts, err = m.Int64Counter("orders.concurrency_retries",
		metric.WithDescription("Units of work retried after a concurrent modification"),
	); err != nil {
		sm.conflicts = metricnoop.Int64Counter{}
	}
	return sm
}
