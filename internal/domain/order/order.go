package order

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/xenking/marketplace-orders/internal/domain/apperr"
	"github.com/xenking/marketplace-orders/internal/domain/coupon"
	"github.com/xenking/marketplace-orders/internal/domain/money"
	"github.com/xenking/marketplace-orders/internal/domain/product"
)

var (
	// ErrNotFound is returned when a requested order does not exist.
	ErrNotFound = apperr.New(apperr.CodeOrderNotFound, "order not found")
	// ErrEmptyOrder is returned when an order would have no line items.
	ErrEmptyOrder = apperr.New(apperr.CodeEmptyOrder, "order has no items")
	// ErrMixedEstablishment is returned when items of different
	// establishments are combined in one order.
	ErrMixedEstablishment = apperr.New(apperr.CodeMixedEstablishmentOrder, "items belong to different establishments")
	// ErrNotEditable is returned when an order is modified after payment.
	ErrNotEditable = apperr.New(apperr.CodeOrderNotEditable, "order can no longer be edited")
	// ErrInvalidTransition is returned for transitions the lifecycle forbids.
	ErrInvalidTransition = apperr.New(apperr.CodeInvalidTransition, "invalid status transition")
	// ErrInvalidQuantity is returned for non-positive item quantities.
	ErrInvalidQuantity = apperr.New(apperr.CodeInvalidQuantity, "quantity must be greater than 0")
	// ErrLineItemNotFound is returned when an order has no line for a product.
	ErrLineItemNotFound = apperr.New(apperr.CodeLineItemNotFound, "line item not found")
	// ErrConcurrentStockConflict is returned when stock could not be
	// reserved after repeated concurrent modifications.
	ErrConcurrentStockConflict = apperr.New(apperr.CodeConcurrentStockConflict, "concurrent stock conflict")
)

// LineItem is one product of an order. Name and unit price are copied from
// the catalog when the item is added and never follow later catalog changes.
type LineItem struct {
	ID          string
	OrderID     string
	ProductID   string
	ProductName string
	UnitPrice   money.Money
	Quantity    int
	Subtotal    money.Money
}

// Line is a requested product and quantity.
type Line struct {
	Product  *product.Product
	Quantity int
}

// Order is the aggregate root owning its line items, totals, applied coupon
// and lifecycle status. It is only mutated through its methods; a method
// that returns an error leaves the order unchanged.
type Order struct {
	id              string
	customerID      string
	establishmentID string
	currency        string
	status          Status
	items           []LineItem

	couponID        string
	couponCode      string
	couponAppliedAt time.Time
	// coupon is the loaded entity behind couponID. It is bound by the
	// service and is required to recompute the discount or confirm.
	coupon *coupon.Coupon

	subtotal money.Money
	discount money.Money
	total    money.Money

	deliveryAddress string
	notes           string
	cancelReason    string
	createdAt       time.Time
	updatedAt       time.Time

	events []Event
}

// CreateParams holds the checkout data an order is created from.
type CreateParams struct {
	ID              string
	CustomerID      string
	DeliveryAddress string
	Notes           string
	Now             time.Time
}

// Create builds a new PAYMENT_PENDING order from lines. Every product must
// be sellable with enough stock, and all of them must belong to the same
// establishment. Availability and stock of every line are checked before
// the establishment. Stock is not reserved.
func Create(p CreateParams, lines []Line) (*Order, error) {
	if len(lines) == 0 {
		return nil, ErrEmptyOrder
	}
	if err := checkStock(lines); err != nil {
		return nil, err
	}
	first := lines[0].Product
	o := &Order{
		id:              p.ID,
		customerID:      p.CustomerID,
		establishmentID: first.EstablishmentID,
		currency:        first.Price.Currency(),
		status:          StatusPaymentPending,
		subtotal:        money.Zero(first.Price.Currency()),
		discount:        money.Zero(first.Price.Currency()),
		total:           money.Zero(first.Price.Currency()),
		deliveryAddress: p.DeliveryAddress,
		notes:           p.Notes,
		createdAt:       p.Now,
		updatedAt:       p.Now,
	}
	for _, l := range lines {
		if err := o.AddItem(l.Product, l.Quantity, p.Now); err != nil {
			return nil, err
		}
	}
	o.record(Created{
		BaseEvent:       BaseEvent{OrderID: o.id, Timestamp: p.Now},
		CustomerID:      o.customerID,
		EstablishmentID: o.establishmentID,
	})
	return o, nil
}

// ID returns the order id.
func (o *Order) ID() string { return o.id }

// CustomerID returns the id of the customer who placed the order.
func (o *Order) CustomerID() string { return o.customerID }

// EstablishmentID returns the establishment all items belong to.
func (o *Order) EstablishmentID() string { return o.establishmentID }

// Currency returns the currency of every amount on the order.
func (o *Order) Currency() string { return o.currency }

// Status returns the lifecycle status.
func (o *Order) Status() Status { return o.status }

// CouponID returns the id of the applied coupon, or "" when none is applied.
func (o *Order) CouponID() string { return o.couponID }

// CouponCode returns the code of the applied coupon.
func (o *Order) CouponCode() string { return o.couponCode }

// HasCoupon reports whether a coupon is applied.
func (o *Order) HasCoupon() bool { return o.couponID != "" }

// Subtotal returns the sum of the line item subtotals.
func (o *Order) Subtotal() money.Money { return o.subtotal }

// Discount returns the coupon discount, never more than the subtotal.
func (o *Order) Discount() money.Money { return o.discount }

// Total returns subtotal minus discount.
func (o *Order) Total() money.Money { return o.total }

// DeliveryAddress returns where the order is delivered.
func (o *Order) DeliveryAddress() string { return o.deliveryAddress }

// Notes returns the customer's free-form notes.
func (o *Order) Notes() string { return o.notes }

// CancelReason returns why the order was cancelled.
func (o *Order) CancelReason() string { return o.cancelReason }

// CreatedAt returns when the order was created.
func (o *Order) CreatedAt() time.Time { return o.createdAt }

// UpdatedAt returns when the order last changed.
func (o *Order) UpdatedAt() time.Time { return o.updatedAt }

// checkStock verifies that every product can be sold and covers the total
// quantity requested for it across lines.
func checkStock(lines []Line) error {
	requested := make(map[string]int, len(lines))
	for _, l := range lines {
		p := l.Product
		if l.Quantity <= 0 {
			return apperr.Errorf(apperr.CodeInvalidQuantity, "quantity %d for product %s must be greater than 0", l.Quantity, p.ID)
		}
		if !p.CanBeSold() {
			return apperr.Errorf(apperr.CodeProductUnavailable, "product %s is not available", p.ID)
		}
		requested[p.ID] += l.Quantity
		if !p.HasSufficientStock(requested[p.ID]) {
			return apperr.Errorf(apperr.CodeInsufficientStock,
				"product %s: requested %d, available %d", p.ID, requested[p.ID], p.StockQuantity)
		}
	}
	return nil
}

// Items returns a copy of the line items.
func (o *Order) Items() []LineItem {
	return append([]LineItem(nil), o.items...)
}

// CanBeEdited reports whether items and coupon may still change.
func (o *Order) CanBeEdited() bool {
	return o.status == StatusPaymentPending
}

// AddItem adds qty units of p, merging into an existing line for the same
// product. The merged quantity must still be covered by stock.
func (o *Order) AddItem(p *product.Product, qty int, now time.Time) error {
	if err := o.checkEditable(); err != nil {
		return err
	}
	if qty <= 0 {
		return apperr.Errorf(apperr.CodeInvalidQuantity, "quantity %d for product %s must be greater than 0", qty, p.ID)
	}
	if !p.CanBeSold() {
		return apperr.Errorf(apperr.CodeProductUnavailable, "product %s is not available", p.ID)
	}
	items := o.Items()
	idx := o.indexOf(p.ID)
	if idx >= 0 {
		qty += items[idx].Quantity
	}
	if !p.HasSufficientStock(qty) {
		return apperr.Errorf(apperr.CodeInsufficientStock,
			"product %s: requested %d, available %d", p.ID, qty, p.StockQuantity)
	}
	if p.EstablishmentID != o.establishmentID {
		return apperr.Errorf(apperr.CodeMixedEstablishmentOrder,
			"product %s belongs to establishment %s, order to %s", p.ID, p.EstablishmentID, o.establishmentID)
	}
	if p.Price.Currency() != o.currency {
		return apperr.Errorf(apperr.CodeCurrencyMismatch, "product %s is priced in %s, order is in %s", p.ID, p.Price.Currency(), o.currency)
	}

	var line LineItem
	if idx >= 0 {
		line = items[idx]
	} else {
		line = LineItem{
			ID:          uuid.NewString(),
			OrderID:     o.id,
			ProductID:   p.ID,
			ProductName: p.Name,
			UnitPrice:   p.Price,
		}
	}
	line, err := withQuantity(line, qty)
	if err != nil {
		return err
	}
	if idx >= 0 {
		items[idx] = line
	} else {
		items = append(items, line)
	}

	return o.apply(items, now)
}

// RemoveItem drops the line for productID. The last line cannot be
// removed; cancel the order instead.
func (o *Order) RemoveItem(productID string, now time.Time) error {
	if err := o.checkEditable(); err != nil {
		return err
	}
	idx := o.indexOf(productID)
	if idx < 0 {
		return apperr.Errorf(apperr.CodeLineItemNotFound, "order %s has no item for product %s", o.id, productID)
	}
	if len(o.items) == 1 {
		return apperr.Errorf(apperr.CodeEmptyOrder, "cannot remove the last item of order %s", o.id)
	}

	items := make([]LineItem, 0, len(o.items)-1)
	items = append(items, o.items[:idx]...)
	items = append(items, o.items[idx+1:]...)

	return o.apply(items, now)
}

// UpdateItemQuantity sets the quantity of the line for p. The unit price
// snapshot is kept.
func (o *Order) UpdateItemQuantity(p *product.Product, qty int, now time.Time) error {
	if err := o.checkEditable(); err != nil {
		return err
	}
	if qty <= 0 {
		return apperr.Errorf(apperr.CodeInvalidQuantity, "quantity %d for product %s must be greater than 0", qty, p.ID)
	}
	idx := o.indexOf(p.ID)
	if idx < 0 {
		return apperr.Errorf(apperr.CodeLineItemNotFound, "order %s has no item for product %s", o.id, p.ID)
	}
	if !p.HasSufficientStock(qty) {
		return apperr.Errorf(apperr.CodeInsufficientStock,
			"product %s: requested %d, available %d", p.ID, qty, p.StockQuantity)
	}

	items := o.Items()
	line, err := withQuantity(items[idx], qty)
	if err != nil {
		return err
	}
	items[idx] = line

	return o.apply(items, now)
}

// ApplyCoupon attaches c, replacing any coupon applied before. The coupon
// must be valid for the current subtotal at now.
func (o *Order) ApplyCoupon(c *coupon.Coupon, now time.Time) error {
	if err := o.checkEditable(); err != nil {
		return err
	}
	if err := c.Check(now, o.subtotal); err != nil {
		return err
	}

	t, err := computeTotals(o.currency, o.items, c, now)
	if err != nil {
		return err
	}

	o.couponID = c.ID
	o.couponCode = c.Code
	o.couponAppliedAt = now
	o.coupon = c
	o.setTotals(t)
	o.updatedAt = now
	return nil
}

// RemoveCoupon detaches the applied coupon, if any.
func (o *Order) RemoveCoupon(now time.Time) error {
	if err := o.checkEditable(); err != nil {
		return err
	}
	if !o.HasCoupon() {
		return nil
	}

	t, err := computeTotals(o.currency, o.items, nil, now)
	if err != nil {
		return err
	}

	o.clearCoupon()
	o.setTotals(t)
	o.updatedAt = now
	return nil
}

// CheckConfirmable returns the error Confirm would fail with before any
// coupon usage is consumed.
func (o *Order) CheckConfirmable() error {
	if o.status != StatusPaymentPending {
		return apperr.Errorf(apperr.CodeInvalidTransition, "order %s: cannot confirm from %s", o.id, o.status)
	}
	if len(o.items) == 0 {
		return apperr.Errorf(apperr.CodeEmptyOrder, "order %s has no items", o.id)
	}
	if o.HasCoupon() && o.coupon == nil {
		return errors.Errorf("order %s: coupon %s is not loaded", o.id, o.couponID)
	}
	return nil
}

// Confirm moves the order to PAID and consumes one use of the applied
// coupon. Stock must already be reserved by the caller.
func (o *Order) Confirm(now time.Time) error {
	if err := o.CheckConfirmable(); err != nil {
		return err
	}
	if o.coupon != nil {
		if err := o.coupon.MarkUsed(); err != nil {
			return err
		}
	}

	o.status = StatusPaid
	o.updatedAt = now
	o.record(Confirmed{
		BaseEvent:       BaseEvent{OrderID: o.id, Timestamp: now},
		EstablishmentID: o.establishmentID,
	})
	return nil
}

// StartPreparation moves a PAID order to PREPARING.
func (o *Order) StartPreparation(now time.Time) error {
	return o.advance(StatusPreparing, now, PreparationStarted{BaseEvent{OrderID: o.id, Timestamp: now}})
}

// Dispatch moves a PREPARING order to AWAITING_COURIER.
func (o *Order) Dispatch(now time.Time) error {
	return o.advance(StatusAwaitingCourier, now, Dispatched{BaseEvent{OrderID: o.id, Timestamp: now}})
}

// Deliver moves an AWAITING_COURIER order to DELIVERED.
func (o *Order) Deliver(now time.Time) error {
	return o.advance(StatusDelivered, now, Delivered{BaseEvent{OrderID: o.id, Timestamp: now}})
}

// CheckCancellable returns ErrInvalidTransition if the order is delivered
// or already cancelled.
func (o *Order) CheckCancellable() error {
	if !o.status.CanTransitionTo(StatusCancelled) {
		return apperr.Errorf(apperr.CodeInvalidTransition, "order %s: cannot cancel from %s", o.id, o.status)
	}
	return nil
}

// Cancel moves the order to CANCELLED. The caller releases reserved stock
// when Status().StockCommitted() was true before the call.
func (o *Order) Cancel(reason string, now time.Time) error {
	if err := o.CheckCancellable(); err != nil {
		return err
	}
	released := o.status.StockCommitted()

	o.status = StatusCancelled
	o.cancelReason = reason
	o.updatedAt = now
	o.record(Cancelled{
		BaseEvent:     BaseEvent{OrderID: o.id, Timestamp: now},
		Reason:        reason,
		StockReleased: released,
	})
	return nil
}

// PullEvents returns the buffered events and clears the buffer.
func (o *Order) PullEvents() []Event {
	events := o.events
	o.events = nil
	return events
}

// bindCoupon attaches the loaded coupon entity behind couponID.
func (o *Order) bindCoupon(c *coupon.Coupon) {
	if c != nil && c.ID == o.couponID {
		o.coupon = c
	}
}

func (o *Order) advance(next Status, now time.Time, e Event) error {
	if !o.status.CanTransitionTo(next) {
		return apperr.Errorf(apperr.CodeInvalidTransition, "order %s: cannot move from %s to %s", o.id, o.status, next)
	}
	o.status = next
	o.updatedAt = now
	o.record(e)
	return nil
}

func (o *Order) checkEditable() error {
	if !o.CanBeEdited() {
		return apperr.Errorf(apperr.CodeOrderNotEditable, "order %s is %s", o.id, o.status)
	}
	return nil
}

func (o *Order) indexOf(productID string) int {
	for i := range o.items {
		if o.items[i].ProductID == productID {
			return i
		}
	}
	return -1
}

// apply recomputes totals for items at now and assigns them. A coupon that
// no longer applies at now, because it expired, was deactivated or the new
// subtotal misses its minimum, is detached.
func (o *Order) apply(items []LineItem, now time.Time) error {
	if o.HasCoupon() && o.coupon == nil {
		return errors.Errorf("order %s: coupon %s is not loaded", o.id, o.couponID)
	}

	c := o.coupon
	if c != nil {
		sub, err := sumItems(o.currency, items)
		if err != nil {
			return err
		}
		if c.Check(now, sub) != nil {
			c = nil
		}
	}

	t, err := computeTotals(o.currency, items, c, now)
	if err != nil {
		return err
	}

	o.items = items
	if c == nil {
		o.clearCoupon()
	}
	o.setTotals(t)
	o.updatedAt = now
	return nil
}

func (o *Order) clearCoupon() {
	o.couponID = ""
	o.couponCode = ""
	o.couponAppliedAt = time.Time{}
	o.coupon = nil
}

func (o *Order) setTotals(t totals) {
	o.subtotal = t.subtotal
	o.discount = t.discount
	o.total = t.total
}

func (o *Order) record(e Event) {
	o.events = append(o.events, e)
}

type totals struct {
	subtotal money.Money
	discount money.Money
	total    money.Money
}

func computeTotals(currency string, items []LineItem, c *coupon.Coupon, at time.Time) (totals, error) {
	sub, err := sumItems(currency, items)
	if err != nil {
		return totals{}, err
	}
	t := totals{subtotal: sub, discount: money.Zero(currency), total: sub}
	if c == nil {
		return t, nil
	}

	if t.discount, err = c.CalculateDiscount(sub, at); err != nil {
		return totals{}, errors.Wrap(err, "calculate discount")
	}
	if t.total, err = sub.Sub(t.discount); err != nil {
		return totals{}, errors.Wrap(err, "apply discount")
	}
	return t, nil
}

func sumItems(currency string, items []LineItem) (money.Money, error) {
	sum := money.Zero(currency)
	for _, it := range items {
		var err error
		if sum, err = sum.Add(it.Subtotal); err != nil {
			return money.Money{}, err
		}
	}
	return sum, nil
}

func withQuantity(line LineItem, qty int) (LineItem, error) {
	sub, err := line.UnitPrice.Mul(decimal.NewFromInt(int64(qty)))
	if err != nil {
		return LineItem{}, err
	}
	line.Quantity = qty
	line.Subtotal = sub
	return line, nil
}

// Snapshot is the persisted form of an order.
type Snapshot struct {
	ID              string
	CustomerID      string
	EstablishmentID string
	Currency        string
	Status          Status
	Items           []LineItem
	CouponID        string
	CouponCode      string
	CouponAppliedAt time.Time
	Subtotal        money.Money
	Discount        money.Money
	Total           money.Money
	DeliveryAddress string
	Notes           string
	CancelReason    string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Snapshot returns a copy of the order state for persistence.
func (o *Order) Snapshot() Snapshot {
	return Snapshot{
		ID:              o.id,
		CustomerID:      o.customerID,
		EstablishmentID: o.establishmentID,
		Currency:        o.currency,
		Status:          o.status,
		Items:           o.Items(),
		CouponID:        o.couponID,
		CouponCode:      o.couponCode,
		CouponAppliedAt: o.couponAppliedAt,
		Subtotal:        o.subtotal,
		Discount:        o.discount,
		Total:           o.total,
		DeliveryAddress: o.deliveryAddress,
		Notes:           o.notes,
		CancelReason:    o.cancelReason,
		CreatedAt:       o.createdAt,
		UpdatedAt:       o.updatedAt,
	}
}

// Restore rebuilds an order from its persisted form. No events are
// recorded.
func Restore(s Snapshot) *Order {
	return &Order{
		id:              s.ID,
		customerID:      s.CustomerID,
		establishmentID: s.EstablishmentID,
		currency:        s.Currency,
		status:          s.Status,
		items:           append([]LineItem(nil), s.Items...),
		couponID:        s.CouponID,
		couponCode:      s.CouponCode,
		couponAppliedAt: s.CouponAppliedAt,
		subtotal:        s.Subtotal,
		discount:        s.Discount,
		total:           s.Total,
		deliveryAddress: s.DeliveryAddress,
		notes:           s.Notes,
		cancelReason:    s.CancelReason,
		createdAt:       s.CreatedAt,
		updatedAt:       s.UpdatedAt,
	}
}

// Repository persists orders.
//
// Inside a transaction started by a TxManager, GetByID locks the order row
// until commit.
type Repository interface {
	GetByID(ctx context.Context, id string) (*Order, error)
	// Save inserts or replaces the order and its line items.
	Save(ctx context.Context, o *Order) error
}

// TxManager runs fn in a single atomic unit of work. Repository calls made
// with the ctx passed to fn join that unit.
type TxManager interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}
