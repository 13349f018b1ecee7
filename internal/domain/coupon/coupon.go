package coupon

import (
	"context"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/marketplace-orders/internal/domain/apperr"
	"github.com/xenking/marketplace-orders/internal/domain/money"
)

// DiscountType enumerates the supported coupon discount strategies.
type DiscountType string

const (
	// DiscountPercent takes Value percent off the subtotal.
	DiscountPercent DiscountType = "PERCENT"
	// DiscountFixed takes a fixed amount off, capped at the subtotal.
	DiscountFixed DiscountType = "FIXED"
)

var (
	// ErrNotFound is returned when no coupon matches a code or id.
	ErrNotFound = apperr.New(apperr.CodeCouponNotFound, "coupon not found")
	// ErrExpired is returned when a coupon is used after its expiry.
	ErrExpired = apperr.New(apperr.CodeCouponExpired, "coupon expired")
	// ErrNotApplicable is returned when a coupon is inactive or the order
	// does not meet its conditions.
	ErrNotApplicable = apperr.New(apperr.CodeCouponNotApplicable, "coupon not applicable")
	// ErrExhausted is returned when a coupon has reached its usage limit.
	ErrExhausted = apperr.New(apperr.CodeCouponExhausted, "coupon usage limit reached")
	// ErrConflict is returned by Save when the stored version moved on.
	ErrConflict = apperr.New(apperr.CodeConcurrentStockConflict, "coupon was modified concurrently")
)

// Coupon is a single-use-per-order discount with validity rules.
type Coupon struct {
	ID           string
	Code         string
	DiscountType DiscountType
	// Value is a percentage for DiscountPercent and an amount in Currency
	// for DiscountFixed.
	Value       decimal.Decimal
	Currency    string
	Description string
	ExpiresAt   time.Time
	// MinOrderValue and MaxDiscount are optional.
	MinOrderValue *money.Money
	MaxDiscount   *money.Money
	UsageLimit    int
	TimesUsed     int
	Active        bool
	Version       int64
}

// NormalizeCode returns the canonical form codes are stored and looked up by.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Check returns nil if the coupon can be applied to subtotal at now, or the
// error describing why not.
func (c *Coupon) Check(now time.Time, subtotal money.Money) error {
	if !c.Active {
		return apperr.Errorf(apperr.CodeCouponNotApplicable, "coupon %s is not active", c.Code)
	}
	if now.After(c.ExpiresAt) {
		return apperr.Errorf(apperr.CodeCouponExpired, "coupon %s expired at %s", c.Code, c.ExpiresAt.Format(time.RFC3339))
	}
	if c.TimesUsed >= c.UsageLimit {
		return apperr.Errorf(apperr.CodeCouponExhausted, "coupon %s used %d of %d times", c.Code, c.TimesUsed, c.UsageLimit)
	}
	if c.DiscountType == DiscountFixed && c.Currency != subtotal.Currency() {
		return apperr.Errorf(apperr.CodeCouponNotApplicable, "coupon %s is in %s, order is in %s", c.Code, c.Currency, subtotal.Currency())
	}
	if c.MaxDiscount != nil && c.MaxDiscount.Currency() != subtotal.Currency() {
		return apperr.Errorf(apperr.CodeCouponNotApplicable, "coupon %s is in %s, order is in %s", c.Code, c.MaxDiscount.Currency(), subtotal.Currency())
	}
	if c.MinOrderValue != nil {
		lt, err := subtotal.LessThan(*c.MinOrderValue)
		if err != nil {
			return apperr.Errorf(apperr.CodeCouponNotApplicable, "coupon %s: %s", c.Code, err)
		}
		if lt {
			return apperr.Errorf(apperr.CodeCouponNotApplicable, "coupon %s requires a subtotal of at least %s", c.Code, c.MinOrderValue)
		}
	}
	return nil
}

// IsCurrentlyValid reports whether the coupon is active, unexpired and has
// uses left.
func (c *Coupon) IsCurrentlyValid(now time.Time) bool {
	return c.Active && !now.After(c.ExpiresAt) && c.TimesUsed < c.UsageLimit
}

// IsApplicableTo reports whether the coupon is valid and subtotal meets its
// minimum order value.
func (c *Coupon) IsApplicableTo(subtotal money.Money, now time.Time) bool {
	return c.Check(now, subtotal) == nil
}

// MarkUsed consumes one use of the coupon.
func (c *Coupon) MarkUsed() error {
	if c.TimesUsed >= c.UsageLimit {
		return apperr.Errorf(apperr.CodeCouponExhausted, "coupon %s used %d of %d times", c.Code, c.TimesUsed, c.UsageLimit)
	}
	c.TimesUsed++
	return nil
}

// Validate checks that the coupon definition itself is well formed.
func (c *Coupon) Validate() error {
	if c.Code == "" || c.Code != NormalizeCode(c.Code) {
		return errors.Errorf("code %q must be non-empty and upper-case", c.Code)
	}
	if c.UsageLimit < 0 || c.TimesUsed < 0 || c.TimesUsed > c.UsageLimit {
		return errors.Errorf("coupon %s: times used %d outside [0, %d]", c.Code, c.TimesUsed, c.UsageLimit)
	}
	switch c.DiscountType {
	case DiscountPercent:
		if !c.Value.IsPositive() || c.Value.GreaterThan(hundred) {
			return errors.Errorf("coupon %s: percentage %s outside (0, 100]", c.Code, c.Value)
		}
	case DiscountFixed:
		if !c.Value.IsPositive() {
			return errors.Errorf("coupon %s: fixed amount %s must be positive", c.Code, c.Value)
		}
		if _, err := money.New(c.Value, c.Currency); err != nil {
			return errors.Wrapf(err, "coupon %s", c.Code)
		}
	default:
		return errors.Errorf("coupon %s: unsupported discount type %q", c.Code, c.DiscountType)
	}
	return nil
}

// Repository provides access to coupons.
//
// Inside a transaction started by a TxManager, reads lock the returned row
// until commit.
type Repository interface {
	// FindByCode looks a coupon up case-insensitively.
	FindByCode(ctx context.Context, code string) (*Coupon, error)
	GetByID(ctx context.Context, id string) (*Coupon, error)
	// Save persists usage and activity if c.Version matches the stored
	// version, and increments c.Version. A mismatch yields ErrConflict.
	Save(ctx context.Context, c *Coupon) error
	// Upsert inserts or overwrites a coupon by code regardless of version.
	Upsert(ctx context.Context, c *Coupon) error
}
