package memory

import (
	"context"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/marketplace-orders/internal/domain/coupon"
	"github.com/xenking/marketplace-orders/internal/domain/money"
	"github.com/xenking/marketplace-orders/internal/domain/order"
	"github.com/xenking/marketplace-orders/internal/domain/product"
)

func seedProduct(t *testing.T, s *Store, id string, stock int) {
	t.Helper()
	require.NoError(t, s.Products().Upsert(context.Background(), &product.Product{
		ID:              id,
		Name:            "Item " + id,
		Price:           money.RequireFromString("4.00", "USD"),
		StockQuantity:   stock,
		Active:          true,
		Available:       stock > 0,
		EstablishmentID: "e1",
	}))
}

func TestRunInTx_RollbackDiscardsWrites(t *testing.T) {
	ctx := context.Background()
	s := New()
	seedProduct(t, s, "p1", 5)

	boom := errors.New("boom")
	err := s.RunInTx(ctx, func(ctx context.Context) error {
		p, err := s.Products().GetByID(ctx, "p1")
		require.NoError(t, err)
		require.NoError(t, p.Reserve(2))
		require.NoError(t, s.Products().Save(ctx, p))

		staged, err := s.Products().GetByID(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, 3, staged.StockQuantity, "writes are visible inside the unit of work")
		return boom
	})
	require.ErrorIs(t, err, boom)

	p, err := s.Products().GetByID(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 5, p.StockQuantity)
}

func TestRunInTx_CommitAndNestedJoin(t *testing.T) {
	ctx := context.Background()
	s := New()
	seedProduct(t, s, "p1", 5)

	err := s.RunInTx(ctx, func(ctx context.Context) error {
		return s.RunInTx(ctx, func(ctx context.Context) error {
			p, err := s.Products().GetByID(ctx, "p1")
			if err != nil {
				return err
			}
			if err := p.Reserve(5); err != nil {
				return err
			}
			return s.Products().Save(ctx, p)
		})
	})
	require.NoError(t, err)

	p, err := s.Products().GetByID(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 0, p.StockQuantity)
	assert.False(t, p.Available)
}

func TestProductRepository_SaveVersionConflict(t *testing.T) {
	ctx := context.Background()
	s := New()
	seedProduct(t, s, "p1", 5)

	a, err := s.Products().GetByID(ctx, "p1")
	require.NoError(t, err)
	b, err := s.Products().GetByID(ctx, "p1")
	require.NoError(t, err)

	require.NoError(t, a.Reserve(1))
	require.NoError(t, s.Products().Save(ctx, a))

	require.NoError(t, b.Reserve(1))
	err = s.Products().Save(ctx, b)
	require.ErrorIs(t, err, product.ErrConflict)

	got, err := s.Products().GetByID(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 4, got.StockQuantity)
}

func TestProductRepository_GetByIDsSortedAndSkipsMissing(t *testing.T) {
	ctx := context.Background()
	s := New()
	seedProduct(t, s, "b", 1)
	seedProduct(t, s, "a", 1)

	got, err := s.Products().GetByIDs(ctx, []string{"b", "missing", "a", "b"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, "b", got[1].ID)

	_, err = s.Products().GetByID(ctx, "missing")
	require.ErrorIs(t, err, product.ErrNotFound)
}

func TestCouponRepository(t *testing.T) {
	ctx := context.Background()
	s := New()

	c := &coupon.Coupon{
		Code:         "WELCOME",
		DiscountType: coupon.DiscountPercent,
		Value:        decimal.NewFromInt(10),
		ExpiresAt:    time.Now().Add(time.Hour),
		UsageLimit:   3,
		Active:       true,
	}
	require.NoError(t, s.Coupons().Upsert(ctx, c))
	require.NotEmpty(t, c.ID)

	found, err := s.Coupons().FindByCode(ctx, "welcome")
	require.NoError(t, err)
	assert.Equal(t, c.ID, found.ID)

	require.NoError(t, found.MarkUsed())
	require.NoError(t, s.Coupons().Save(ctx, found))

	stale, err := s.Coupons().GetByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stale.TimesUsed)
	stale.Version--
	require.ErrorIs(t, s.Coupons().Save(ctx, stale), coupon.ErrConflict)

	_, err = s.Coupons().FindByCode(ctx, "NOPE")
	require.ErrorIs(t, err, coupon.ErrNotFound)
}

func TestOrderRepository_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := New()
	seedProduct(t, s, "p1", 5)

	p, err := s.Products().GetByID(ctx, "p1")
	require.NoError(t, err)
	o, err := order.Create(order.CreateParams{ID: "o1", CustomerID: "c1", Now: time.Now()},
		[]order.Line{{Product: p, Quantity: 2}})
	require.NoError(t, err)
	require.NoError(t, s.Orders().Save(ctx, o))

	got, err := s.Orders().GetByID(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, order.StatusPaymentPending, got.Status())
	assert.Equal(t, "8.00 USD", got.Total().String())
	require.Len(t, got.Items(), 1)
	assert.Equal(t, 2, got.Items()[0].Quantity)

	_, err = s.Orders().GetByID(ctx, "o2")
	require.ErrorIs(t, err, order.ErrNotFound)
}
