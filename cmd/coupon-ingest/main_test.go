package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/marketplace-orders/internal/domain/coupon"
	"github.com/xenking/marketplace-orders/internal/repository/memory"
)

func TestCampaignCoupon(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	base := campaign{discountType: "PERCENT", value: "15", currency: "USD", expiresIn: time.Hour, usageLimit: 2}

	tests := []struct {
		name    string
		mutate  func(c *campaign)
		wantErr bool
	}{
		{name: "percent", mutate: func(*campaign) {}},
		{name: "fixed with limits", mutate: func(c *campaign) {
			c.discountType, c.value, c.minOrderValue, c.maxDiscount = "FIXED", "4.50", "20", "4.50"
		}},
		{name: "percent over 100", mutate: func(c *campaign) { c.value = "120" }, wantErr: true},
		{name: "unknown type", mutate: func(c *campaign) { c.discountType = "BOGO" }, wantErr: true},
		{name: "bad value", mutate: func(c *campaign) { c.value = "ten" }, wantErr: true},
		{name: "bad min order", mutate: func(c *campaign) { c.minOrderValue = "x" }, wantErr: true},
		{name: "negative usage", mutate: func(c *campaign) { c.usageLimit = -1 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := base
			tt.mutate(&rule)
			c, err := rule.coupon("SPRING25", now)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "SPRING25", c.Code)
			assert.True(t, c.Active)
			assert.Equal(t, now.Add(time.Hour), c.ExpiresAt)
			assert.Equal(t, 2, c.UsageLimit)
		})
	}
}

func TestWriteCoupons(t *testing.T) {
	ctx := context.Background()
	repo := memory.New().Coupons()
	rule := campaign{discountType: "PERCENT", value: "10", currency: "USD", expiresIn: time.Hour, usageLimit: 1}

	require.NoError(t, writeCoupons(ctx, repo, rule, []string{"ALPHA123", "BRAVO456"}))
	require.NoError(t, writeCoupons(ctx, repo, rule, []string{"ALPHA123"}))

	c, err := repo.FindByCode(ctx, "alpha123")
	require.NoError(t, err)
	assert.Equal(t, coupon.DiscountPercent, c.DiscountType)
	assert.NotEmpty(t, c.ID)

	_, err = repo.FindByCode(ctx, "BRAVO456")
	require.NoError(t, err)
}
