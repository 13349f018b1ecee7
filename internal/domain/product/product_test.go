package product

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/marketplace-orders/internal/domain/money"
)

func newProduct(stock int) *Product {
	return &Product{
		ID:              "p1",
		Name:            "Margherita",
		Price:           money.RequireFromString("9.50", "USD"),
		StockQuantity:   stock,
		Active:          true,
		Available:       stock > 0,
		EstablishmentID: "e1",
	}
}

func TestProduct_Reserve(t *testing.T) {
	tests := []struct {
		name          string
		stock         int
		qty           int
		wantErr       error
		wantStock     int
		wantAvailable bool
	}{
		{name: "partial", stock: 5, qty: 2, wantStock: 3, wantAvailable: true},
		{name: "exact stock marks unavailable", stock: 3, qty: 3, wantStock: 0, wantAvailable: false},
		{name: "more than stock", stock: 2, qty: 3, wantErr: ErrInsufficientStock, wantStock: 2, wantAvailable: true},
		{name: "zero quantity", stock: 2, qty: 0, wantErr: ErrInvalidQuantity, wantStock: 2, wantAvailable: true},
		{name: "negative quantity", stock: 2, qty: -1, wantErr: ErrInvalidQuantity, wantStock: 2, wantAvailable: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newProduct(tt.stock)
			err := p.Reserve(tt.qty)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.wantStock, p.StockQuantity)
			assert.Equal(t, tt.wantAvailable, p.Available)
		})
	}
}

func TestProduct_Release(t *testing.T) {
	p := newProduct(1)
	require.NoError(t, p.Reserve(1))
	assert.False(t, p.Available)
	assert.False(t, p.CanBeSold())

	require.NoError(t, p.Release(1))
	assert.Equal(t, 1, p.StockQuantity)
	assert.True(t, p.Available)
	assert.True(t, p.CanBeSold())

	require.ErrorIs(t, p.Release(0), ErrInvalidQuantity)
	assert.Equal(t, 1, p.StockQuantity)
}

func TestProduct_ReleaseInactiveStaysUnavailable(t *testing.T) {
	p := newProduct(0)
	p.Deactivate()

	require.NoError(t, p.Restock(4))
	assert.Equal(t, 4, p.StockQuantity)
	assert.False(t, p.Available)

	p.Activate()
	assert.True(t, p.Available)
}

func TestProduct_ReserveReleaseRoundTrip(t *testing.T) {
	for stock := 1; stock <= 6; stock++ {
		for qty := 1; qty <= stock; qty++ {
			p := newProduct(stock)
			require.NoError(t, p.Reserve(qty))
			assert.False(t, p.Available && p.StockQuantity == 0, "available with zero stock")
			require.NoError(t, p.Release(qty))
			assert.Equal(t, stock, p.StockQuantity)
			assert.True(t, p.Available)
		}
	}
}

func TestProduct_CanBeSold(t *testing.T) {
	p := newProduct(3)
	assert.True(t, p.CanBeSold())

	p.Deactivate()
	assert.False(t, p.CanBeSold())
	assert.Equal(t, 3, p.StockQuantity)

	p = newProduct(0)
	p.Activate()
	assert.False(t, p.CanBeSold())
}
