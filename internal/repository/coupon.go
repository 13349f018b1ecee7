package repository

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/xenking/marketplace-orders/internal/domain/apperr"
	"github.com/xenking/marketplace-orders/internal/domain/coupon"
	"github.com/xenking/marketplace-orders/internal/domain/money"
)

const (
	couponColumns = `id, code, discount_type, value, currency, description, expires_at,
		min_order_value, min_order_currency, max_discount, max_discount_currency,
		usage_limit, times_used, active, version`

	getCouponByCodeSQL = `SELECT ` + couponColumns + ` FROM coupons WHERE code = $1`

	getCouponByIDSQL = `SELECT ` + couponColumns + ` FROM coupons WHERE id = $1`

	saveCouponSQL = `UPDATE coupons
		SET times_used = $2, active = $3, version = version + 1
		WHERE id = $1 AND version = $4
		RETURNING version`

	upsertCouponSQL = `INSERT INTO coupons
			(id, code, discount_type, value, currency, description, expires_at,
			 min_order_value, min_order_currency, max_discount, max_discount_currency,
			 usage_limit, times_used, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (code) DO UPDATE SET
			discount_type = EXCLUDED.discount_type, value = EXCLUDED.value,
			currency = EXCLUDED.currency, description = EXCLUDED.description,
			expires_at = EXCLUDED.expires_at,
			min_order_value = EXCLUDED.min_order_value, min_order_currency = EXCLUDED.min_order_currency,
			max_discount = EXCLUDED.max_discount, max_discount_currency = EXCLUDED.max_discount_currency,
			usage_limit = EXCLUDED.usage_limit, times_used = EXCLUDED.times_used,
			active = EXCLUDED.active, version = coupons.version + 1
		RETURNING id, version`
)

var _ coupon.Repository = (*CouponRepository)(nil)

// CouponRepository implements coupon.Repository backed by PostgreSQL.
type CouponRepository struct {
	pool *pgxpool.Pool
}

// NewCouponRepository returns a CouponRepository that uses the given pool.
func NewCouponRepository(pool *pgxpool.Pool) *CouponRepository {
	return &CouponRepository{pool: pool}
}

// FindByCode looks up a coupon by its code (case-insensitive). Inactive
// coupons are returned too; coupon.Check rejects them with a precise error.
func (r *CouponRepository) FindByCode(ctx context.Context, code string) (*coupon.Coupon, error) {
	return r.getOne(ctx, getCouponByCodeSQL, coupon.NormalizeCode(code), "code")
}

// GetByID returns a coupon by its identifier.
func (r *CouponRepository) GetByID(ctx context.Context, id string) (*coupon.Coupon, error) {
	return r.getOne(ctx, getCouponByIDSQL, id, "id")
}

func (r *CouponRepository) getOne(ctx context.Context, query, key, by string) (*coupon.Coupon, error) {
	q, inTx := conn(ctx, r.pool)
	rows, err := q.Query(ctx, forUpdate(query, inTx), key)
	if err != nil {
		return nil, errors.Wrapf(mapError(err), "find coupon by %s %q", by, key)
	}

	c, err := pgx.CollectExactlyOneRow(rows, scanCoupon)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.Errorf(apperr.CodeCouponNotFound, "coupon %q not found", key)
		}
		return nil, errors.Wrapf(mapError(err), "find coupon by %s %q", by, key)
	}
	return &c, nil
}

// Save writes usage and activity of c if the stored version still equals
// c.Version.
func (r *CouponRepository) Save(ctx context.Context, c *coupon.Coupon) error {
	q, _ := conn(ctx, r.pool)
	err := q.QueryRow(ctx, saveCouponSQL, c.ID, c.TimesUsed, c.Active, c.Version).Scan(&c.Version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return apperr.Errorf(apperr.CodeConcurrentStockConflict,
				"coupon %s: version %d is stale or row is gone", c.Code, c.Version)
		}
		return errors.Wrapf(mapError(err), "save coupon %q", c.Code)
	}
	return nil
}

// Upsert inserts c or overwrites the coupon stored under the same code. An
// existing coupon keeps its id.
func (r *CouponRepository) Upsert(ctx context.Context, c *coupon.Coupon) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.Code = coupon.NormalizeCode(c.Code)
	minValue, minCurrency := optionalMoney(c.MinOrderValue)
	maxValue, maxCurrency := optionalMoney(c.MaxDiscount)

	q, _ := conn(ctx, r.pool)
	err := q.QueryRow(ctx, upsertCouponSQL,
		c.ID, c.Code, string(c.DiscountType), c.Value, nullString(c.Currency), c.Description, c.ExpiresAt,
		minValue, minCurrency, maxValue, maxCurrency,
		c.UsageLimit, c.TimesUsed, c.Active,
	).Scan(&c.ID, &c.Version)
	if err != nil {
		return errors.Wrapf(mapError(err), "upsert coupon %q", c.Code)
	}
	return nil
}

func scanCoupon(row pgx.CollectableRow) (coupon.Coupon, error) {
	var (
		c            coupon.Coupon
		discountType string
		currency     *string
		expiresAt    time.Time
		minValue     *decimal.Decimal
		minCurrency  *string
		maxValue     *decimal.Decimal
		maxCurrency  *string
		usageLimit   int32
		timesUsed    int32
	)
	if err := row.Scan(
		&c.ID, &c.Code, &discountType, &c.Value, &currency, &c.Description, &expiresAt,
		&minValue, &minCurrency, &maxValue, &maxCurrency,
		&usageLimit, &timesUsed, &c.Active, &c.Version,
	); err != nil {
		return c, err
	}

	var err error
	if c.MinOrderValue, err = scanOptionalMoney(minValue, minCurrency); err != nil {
		return c, errors.Wrapf(err, "coupon %q min order value", c.Code)
	}
	if c.MaxDiscount, err = scanOptionalMoney(maxValue, maxCurrency); err != nil {
		return c, errors.Wrapf(err, "coupon %q max discount", c.Code)
	}
	c.DiscountType = coupon.DiscountType(discountType)
	if currency != nil {
		c.Currency = *currency
	}
	c.ExpiresAt = expiresAt
	c.UsageLimit = int(usageLimit)
	c.TimesUsed = int(timesUsed)
	return c, nil
}

func optionalMoney(m *money.Money) (*decimal.Decimal, *string) {
	if m == nil {
		return nil, nil
	}
	amount, currency := m.Amount(), m.Currency()
	return &amount, &currency
}

func scanOptionalMoney(amount *decimal.Decimal, currency *string) (*money.Money, error) {
	if amount == nil || currency == nil {
		return nil, nil
	}
	m, err := money.New(*amount, *currency)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
