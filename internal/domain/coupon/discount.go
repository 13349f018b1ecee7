package coupon

import (
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/marketplace-orders/internal/domain/money"
)

var hundred = decimal.NewFromInt(100)

// CalculateDiscount returns the discount the coupon grants on subtotal at
// now. An inapplicable coupon yields zero. The discount never exceeds
// subtotal or, when set, MaxDiscount.
func (c *Coupon) CalculateDiscount(subtotal money.Money, now time.Time) (money.Money, error) {
	if !c.IsApplicableTo(subtotal, now) {
		return money.Zero(subtotal.Currency()), nil
	}

	switch c.DiscountType {
	case DiscountPercent:
		return c.applyPercent(subtotal)
	case DiscountFixed:
		return c.applyFixed(subtotal)
	default:
		return money.Money{}, errors.Errorf("unsupported discount type: %q", c.DiscountType)
	}
}

func (c *Coupon) applyPercent(subtotal money.Money) (money.Money, error) {
	amount, err := subtotal.PercentageOf(c.Value)
	if err != nil {
		return money.Money{}, errors.Wrap(err, "percentage")
	}
	if c.MaxDiscount != nil {
		if amount, err = money.Min(amount, *c.MaxDiscount); err != nil {
			return money.Money{}, errors.Wrap(err, "cap at max discount")
		}
	}
	return money.Min(amount, subtotal)
}

func (c *Coupon) applyFixed(subtotal money.Money) (money.Money, error) {
	amount, err := money.New(c.Value, c.Currency)
	if err != nil {
		return money.Money{}, errors.Wrap(err, "fixed amount")
	}
	return money.Min(amount, subtotal)
}
