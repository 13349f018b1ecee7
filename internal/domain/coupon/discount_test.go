package coupon

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/marketplace-orders/internal/domain/money"
)

func usd(v string) money.Money {
	return money.RequireFromString(v, "USD")
}

func usdPtr(v string) *money.Money {
	m := usd(v)
	return &m
}

func TestCalculateDiscount(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		coupon   Coupon
		subtotal string
		want     string
	}{
		{
			name:     "percent capped at max discount",
			coupon:   Coupon{DiscountType: DiscountPercent, Value: decimal.NewFromInt(10), MaxDiscount: usdPtr("5.00")},
			subtotal: "100.00",
			want:     "5.00 USD",
		},
		{
			name:     "percent under max discount",
			coupon:   Coupon{DiscountType: DiscountPercent, Value: decimal.NewFromInt(10), MaxDiscount: usdPtr("50.00")},
			subtotal: "100.00",
			want:     "10.00 USD",
		},
		{
			name:     "percent rounds half up",
			coupon:   Coupon{DiscountType: DiscountPercent, Value: decimal.NewFromInt(15)},
			subtotal: "29.97",
			want:     "4.50 USD",
		},
		{
			name:     "hundred percent equals subtotal",
			coupon:   Coupon{DiscountType: DiscountPercent, Value: decimal.NewFromInt(100)},
			subtotal: "42.10",
			want:     "42.10 USD",
		},
		{
			name:     "fixed below subtotal",
			coupon:   Coupon{DiscountType: DiscountFixed, Value: decimal.NewFromInt(9), Currency: "USD"},
			subtotal: "100.00",
			want:     "9.00 USD",
		},
		{
			name:     "fixed above subtotal is capped",
			coupon:   Coupon{DiscountType: DiscountFixed, Value: decimal.NewFromInt(20), Currency: "USD"},
			subtotal: "12.50",
			want:     "12.50 USD",
		},
		{
			name:     "inapplicable yields zero",
			coupon:   Coupon{DiscountType: DiscountFixed, Value: decimal.NewFromInt(5), Currency: "USD", MinOrderValue: usdPtr("30.00")},
			subtotal: "29.99",
			want:     "0.00 USD",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := tt.coupon
			c.Code = "TEST"
			c.Active = true
			c.UsageLimit = 1
			c.ExpiresAt = now.Add(time.Hour)

			got, err := c.CalculateDiscount(usd(tt.subtotal), now)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.String())
		})
	}
}

func TestCalculateDiscount_NeverExceedsCaps(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	maxDiscount := usd("7.50")

	for _, pct := range []int64{1, 5, 10, 25, 50, 99, 100} {
		for _, sub := range []string{"0.01", "1.00", "9.99", "75.00", "100.00", "1234.56"} {
			c := Coupon{
				Code:         "CAP",
				DiscountType: DiscountPercent,
				Value:        decimal.NewFromInt(pct),
				MaxDiscount:  &maxDiscount,
				UsageLimit:   1,
				Active:       true,
				ExpiresAt:    now.Add(time.Hour),
			}
			subtotal := usd(sub)

			got, err := c.CalculateDiscount(subtotal, now)
			require.NoError(t, err)

			overMax, err := got.GreaterThan(maxDiscount)
			require.NoError(t, err)
			assert.False(t, overMax, "pct=%d subtotal=%s discount=%s", pct, sub, got)

			overSub, err := got.GreaterThan(subtotal)
			require.NoError(t, err)
			assert.False(t, overSub, "pct=%d subtotal=%s discount=%s", pct, sub, got)
		}
	}
}

func TestMarkUsed(t *testing.T) {
	c := &Coupon{Code: "TWICE", UsageLimit: 2}

	require.NoError(t, c.MarkUsed())
	require.NoError(t, c.MarkUsed())
	require.ErrorIs(t, c.MarkUsed(), ErrExhausted)
	assert.Equal(t, 2, c.TimesUsed)
}

func TestIsCurrentlyValid(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	c := &Coupon{Code: "V", Active: true, UsageLimit: 1, ExpiresAt: now}

	assert.True(t, c.IsCurrentlyValid(now))
	assert.False(t, c.IsCurrentlyValid(now.Add(time.Second)))

	c.TimesUsed = 1
	assert.False(t, c.IsCurrentlyValid(now))
}

func TestCoupon_Validate(t *testing.T) {
	tests := []struct {
		name    string
		coupon  Coupon
		wantErr bool
	}{
		{name: "percent", coupon: Coupon{Code: "P10", DiscountType: DiscountPercent, Value: decimal.NewFromInt(10), UsageLimit: 1}},
		{name: "fixed", coupon: Coupon{Code: "F5", DiscountType: DiscountFixed, Value: decimal.NewFromInt(5), Currency: "USD", UsageLimit: 1}},
		{name: "lower-case code", coupon: Coupon{Code: "p10", DiscountType: DiscountPercent, Value: decimal.NewFromInt(10)}, wantErr: true},
		{name: "percent over hundred", coupon: Coupon{Code: "P", DiscountType: DiscountPercent, Value: decimal.NewFromInt(101)}, wantErr: true},
		{name: "fixed without currency", coupon: Coupon{Code: "F", DiscountType: DiscountFixed, Value: decimal.NewFromInt(5)}, wantErr: true},
		{name: "used beyond limit", coupon: Coupon{Code: "U", DiscountType: DiscountPercent, Value: decimal.NewFromInt(5), UsageLimit: 1, TimesUsed: 2}, wantErr: true},
		{name: "unknown type", coupon: Coupon{Code: "X", DiscountType: "BOGO", Value: decimal.NewFromInt(5)}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.coupon.Validate()
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}
