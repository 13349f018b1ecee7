package repository

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/xenking/marketplace-orders/internal/domain/apperr"
	"github.com/xenking/marketplace-orders/internal/domain/money"
	"github.com/xenking/marketplace-orders/internal/domain/order"
)

const (
	getOrderByIDSQL = `SELECT id, customer_id, establishment_id, currency, status,
		coupon_id, coupon_code, coupon_applied_at, subtotal, discount, total,
		delivery_address, notes, cancel_reason, created_at, updated_at
		FROM orders WHERE id = $1`

	getOrderItemsSQL = `SELECT id, order_id, product_id, product_name, unit_price, quantity, subtotal
		FROM order_items WHERE order_id = $1 ORDER BY position`

	upsertOrderSQL = `INSERT INTO orders
			(id, customer_id, establishment_id, currency, status,
			 coupon_id, coupon_code, coupon_applied_at, subtotal, discount, total,
			 delivery_address, notes, cancel_reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status, coupon_id = EXCLUDED.coupon_id,
			coupon_code = EXCLUDED.coupon_code, coupon_applied_at = EXCLUDED.coupon_applied_at,
			subtotal = EXCLUDED.subtotal, discount = EXCLUDED.discount, total = EXCLUDED.total,
			delivery_address = EXCLUDED.delivery_address, notes = EXCLUDED.notes,
			cancel_reason = EXCLUDED.cancel_reason, updated_at = EXCLUDED.updated_at`

	deleteOrderItemsSQL = `DELETE FROM order_items WHERE order_id = $1`
)

var orderItemColumns = []string{
	"id", "order_id", "position", "product_id", "product_name", "unit_price", "quantity", "subtotal",
}

var _ order.Repository = (*OrderRepository)(nil)

// OrderRepository implements order.Repository backed by PostgreSQL. Line
// items live in their own table and are replaced as a whole on every save.
type OrderRepository struct {
	pool *pgxpool.Pool
}

// NewOrderRepository returns an OrderRepository that uses the given pool.
func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

// GetByID loads the order with its line items.
func (r *OrderRepository) GetByID(ctx context.Context, id string) (*order.Order, error) {
	q, inTx := conn(ctx, r.pool)

	rows, err := q.Query(ctx, forUpdate(getOrderByIDSQL, inTx), id)
	if err != nil {
		return nil, errors.Wrapf(mapError(err), "get order %q", id)
	}
	snap, err := pgx.CollectExactlyOneRow(rows, scanOrder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.Errorf(apperr.CodeOrderNotFound, "order %s not found", id)
		}
		return nil, errors.Wrapf(mapError(err), "get order %q", id)
	}

	rows, err = q.Query(ctx, getOrderItemsSQL, id)
	if err != nil {
		return nil, errors.Wrapf(mapError(err), "get items of order %q", id)
	}
	itemRows, err := pgx.CollectRows(rows, scanLineItem)
	if err != nil {
		return nil, errors.Wrapf(mapError(err), "get items of order %q", id)
	}
	if snap.Items, err = lineItems(itemRows, snap.Currency); err != nil {
		return nil, err
	}

	return order.Restore(snap), nil
}

// Save inserts or updates the order row and rewrites its line items in one
// transaction.
func (r *OrderRepository) Save(ctx context.Context, o *order.Order) error {
	s := o.Snapshot()
	return atomically(ctx, r.pool, func(q querier) error {
		if _, err := q.Exec(ctx, upsertOrderSQL,
			s.ID, s.CustomerID, s.EstablishmentID, s.Currency, string(s.Status),
			nullString(s.CouponID), s.CouponCode, nullTime(s.CouponAppliedAt),
			s.Subtotal.Amount(), s.Discount.Amount(), s.Total.Amount(),
			s.DeliveryAddress, s.Notes, s.CancelReason, s.CreatedAt, s.UpdatedAt,
		); err != nil {
			return errors.Wrapf(mapError(err), "save order %q", s.ID)
		}

		if _, err := q.Exec(ctx, deleteOrderItemsSQL, s.ID); err != nil {
			return errors.Wrapf(mapError(err), "delete items of order %q", s.ID)
		}
		_, err := q.CopyFrom(ctx, pgx.Identifier{"order_items"}, orderItemColumns,
			pgx.CopyFromSlice(len(s.Items), func(i int) ([]any, error) {
				it := s.Items[i]
				return []any{
					it.ID, s.ID, i, it.ProductID, it.ProductName,
					it.UnitPrice.Amount(), it.Quantity, it.Subtotal.Amount(),
				}, nil
			}),
		)
		if err != nil {
			return errors.Wrapf(mapError(err), "insert items of order %q", s.ID)
		}
		return nil
	})
}

func scanOrder(row pgx.CollectableRow) (order.Snapshot, error) {
	var (
		s               order.Snapshot
		status          string
		couponID        *string
		couponAppliedAt *time.Time
		subtotal        decimal.Decimal
		discount        decimal.Decimal
		total           decimal.Decimal
	)
	if err := row.Scan(
		&s.ID, &s.CustomerID, &s.EstablishmentID, &s.Currency, &status,
		&couponID, &s.CouponCode, &couponAppliedAt, &subtotal, &discount, &total,
		&s.DeliveryAddress, &s.Notes, &s.CancelReason, &s.CreatedAt, &s.UpdatedAt,
	); err != nil {
		return s, err
	}

	s.Status = order.Status(status)
	if !s.Status.Valid() {
		return s, errors.Errorf("order %q: unknown status %q", s.ID, status)
	}
	if couponID != nil {
		s.CouponID = *couponID
	}
	if couponAppliedAt != nil {
		s.CouponAppliedAt = *couponAppliedAt
	}

	var err error
	if s.Subtotal, err = money.New(subtotal, s.Currency); err != nil {
		return s, errors.Wrapf(err, "order %q subtotal", s.ID)
	}
	if s.Discount, err = money.New(discount, s.Currency); err != nil {
		return s, errors.Wrapf(err, "order %q discount", s.ID)
	}
	if s.Total, err = money.New(total, s.Currency); err != nil {
		return s, errors.Wrapf(err, "order %q total", s.ID)
	}
	return s, nil
}

type lineItemRow struct {
	order.LineItem
	unitPrice decimal.Decimal
	subtotal  decimal.Decimal
}

func scanLineItem(row pgx.CollectableRow) (lineItemRow, error) {
	var (
		r        lineItemRow
		quantity int32
	)
	err := row.Scan(
		&r.ID, &r.OrderID, &r.ProductID, &r.ProductName, &r.unitPrice, &quantity, &r.subtotal,
	)
	r.Quantity = int(quantity)
	return r, err
}

// lineItems attaches the order currency to the scanned amounts.
func lineItems(rows []lineItemRow, currency string) ([]order.LineItem, error) {
	items := make([]order.LineItem, len(rows))
	for i, r := range rows {
		it := r.LineItem
		var err error
		if it.UnitPrice, err = money.New(r.unitPrice, currency); err != nil {
			return nil, errors.Wrapf(err, "line item %q unit price", it.ID)
		}
		if it.Subtotal, err = money.New(r.subtotal, currency); err != nil {
			return nil, errors.Wrapf(err, "line item %q subtotal", it.ID)
		}
		items[i] = it
	}
	return items, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
