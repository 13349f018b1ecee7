package coupon

import (
	"context"
	"time"

	"github.com/go-faster/errors"

	"github.com/xenking/marketplace-orders/internal/domain/apperr"
	"github.com/xenking/marketplace-orders/internal/domain/money"
)

// Validator resolves a coupon code against an order subtotal.
type Validator interface {
	Validate(ctx context.Context, code string, subtotal money.Money) (*Coupon, error)
}

// RepoValidator implements Validator by looking coupons up in a Repository.
type RepoValidator struct {
	repo Repository
	now  func() time.Time
}

var _ Validator = (*RepoValidator)(nil)

// NewRepoValidator creates a RepoValidator backed by the given Repository.
func NewRepoValidator(repo Repository) *RepoValidator {
	return &RepoValidator{repo: repo, now: time.Now}
}

// WithClock overrides the validator's time source.
func (v *RepoValidator) WithClock(now func() time.Time) *RepoValidator {
	v.now = now
	return v
}

// Validate looks the coupon up by code and checks that it is active,
// unexpired, has uses left and that subtotal satisfies its conditions.
// Usage is not consumed; that happens when the order is confirmed.
func (v *RepoValidator) Validate(ctx context.Context, code string, subtotal money.Money) (*Coupon, error) {
	c, err := v.repo.FindByCode(ctx, NormalizeCode(code))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, apperr.Errorf(apperr.CodeCouponNotFound, "coupon %q not found", code)
		}
		return nil, errors.Wrap(err, "lookup coupon")
	}

	if err := c.Check(v.now(), subtotal); err != nil {
		return nil, err
	}

	return c, nil
}
