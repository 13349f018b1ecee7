package coupon

import (
	"context"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/marketplace-orders/internal/domain/money"
)

type mockCouponRepo struct {
	coupon     *Coupon
	err        error
	lookupCode string
}

func (m *mockCouponRepo) FindByCode(_ context.Context, code string) (*Coupon, error) {
	m.lookupCode = code
	return m.coupon, m.err
}

func (m *mockCouponRepo) GetByID(_ context.Context, _ string) (*Coupon, error) {
	return m.coupon, m.err
}

func (m *mockCouponRepo) Save(_ context.Context, _ *Coupon) error   { return nil }
func (m *mockCouponRepo) Upsert(_ context.Context, _ *Coupon) error { return nil }

func TestRepoValidator_Validate(t *testing.T) {
	fixedNow := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	pastTime := fixedNow.Add(-24 * time.Hour)
	futureTime := fixedNow.Add(24 * time.Hour)
	minFifty := money.RequireFromString("50.00", "USD")
	minEuro := money.RequireFromString("10.00", "EUR")

	base := func(mut func(c *Coupon)) *Coupon {
		c := &Coupon{
			ID:           "c1",
			Code:         "SAVE10",
			DiscountType: DiscountPercent,
			Value:        decimal.NewFromInt(10),
			ExpiresAt:    futureTime,
			UsageLimit:   100,
			Active:       true,
		}
		if mut != nil {
			mut(c)
		}
		return c
	}

	tests := []struct {
		name     string
		repo     *mockCouponRepo
		subtotal string
		wantErr  error
	}{
		{
			name:     "valid code",
			repo:     &mockCouponRepo{coupon: base(nil)},
			subtotal: "100.00",
		},
		{
			name:     "unknown code",
			repo:     &mockCouponRepo{err: ErrNotFound},
			subtotal: "100.00",
			wantErr:  ErrNotFound,
		},
		{
			name:     "expired",
			repo:     &mockCouponRepo{coupon: base(func(c *Coupon) { c.ExpiresAt = pastTime })},
			subtotal: "100.00",
			wantErr:  ErrExpired,
		},
		{
			name:     "expires exactly now is still valid",
			repo:     &mockCouponRepo{coupon: base(func(c *Coupon) { c.ExpiresAt = fixedNow })},
			subtotal: "100.00",
		},
		{
			name:     "inactive",
			repo:     &mockCouponRepo{coupon: base(func(c *Coupon) { c.Active = false })},
			subtotal: "100.00",
			wantErr:  ErrNotApplicable,
		},
		{
			name:     "usage limit reached",
			repo:     &mockCouponRepo{coupon: base(func(c *Coupon) { c.TimesUsed = 100 })},
			subtotal: "100.00",
			wantErr:  ErrExhausted,
		},
		{
			name:     "zero usage limit",
			repo:     &mockCouponRepo{coupon: base(func(c *Coupon) { c.UsageLimit = 0 })},
			subtotal: "100.00",
			wantErr:  ErrExhausted,
		},
		{
			name:     "below minimum order value",
			repo:     &mockCouponRepo{coupon: base(func(c *Coupon) { c.MinOrderValue = &minFifty })},
			subtotal: "49.99",
			wantErr:  ErrNotApplicable,
		},
		{
			name:     "at minimum order value",
			repo:     &mockCouponRepo{coupon: base(func(c *Coupon) { c.MinOrderValue = &minFifty })},
			subtotal: "50.00",
		},
		{
			name:     "minimum in other currency",
			repo:     &mockCouponRepo{coupon: base(func(c *Coupon) { c.MinOrderValue = &minEuro })},
			subtotal: "50.00",
			wantErr:  ErrNotApplicable,
		},
		{
			name: "fixed coupon in other currency",
			repo: &mockCouponRepo{coupon: base(func(c *Coupon) {
				c.DiscountType = DiscountFixed
				c.Value = decimal.NewFromInt(5)
				c.Currency = "EUR"
			})},
			subtotal: "50.00",
			wantErr:  ErrNotApplicable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewRepoValidator(tt.repo).WithClock(func() time.Time { return fixedNow })

			got, err := v.Validate(context.Background(), "save10", money.RequireFromString(tt.subtotal, "USD"))

			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, got)
				return
			}

			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, "SAVE10", tt.repo.lookupCode)
		})
	}
}

func TestRepoValidator_RepoError(t *testing.T) {
	v := NewRepoValidator(&mockCouponRepo{err: errors.New("db error")})

	_, err := v.Validate(context.Background(), "X", money.RequireFromString("1.00", "USD"))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "lookup coupon")
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestRepoValidator_DoesNotConsumeUsage(t *testing.T) {
	c := &Coupon{
		Code:         "ONCE",
		DiscountType: DiscountFixed,
		Value:        decimal.NewFromInt(5),
		Currency:     "USD",
		ExpiresAt:    time.Now().Add(time.Hour),
		UsageLimit:   1,
		Active:       true,
	}
	v := NewRepoValidator(&mockCouponRepo{coupon: c})

	for range 2 {
		_, err := v.Validate(context.Background(), "ONCE", money.RequireFromString("20.00", "USD"))
		require.NoError(t, err)
	}
	assert.Equal(t, 0, c.TimesUsed)
}
