package product

import (
	"context"
	"time"

	"github.com/xenking/marketplace-orders/internal/domain/apperr"
	"github.com/xenking/marketplace-orders/internal/domain/money"
)

var (
	// ErrNotFound is returned when a requested product does not exist.
	ErrNotFound = apperr.New(apperr.CodeProductNotFound, "product not found")
	// ErrUnavailable is returned when an inactive or sold-out product is ordered.
	ErrUnavailable = apperr.New(apperr.CodeProductUnavailable, "product unavailable")
	// ErrInsufficientStock is returned when a reservation exceeds the stock on hand.
	ErrInsufficientStock = apperr.New(apperr.CodeInsufficientStock, "insufficient stock")
	// ErrInvalidQuantity is returned for non-positive stock adjustments.
	ErrInvalidQuantity = apperr.New(apperr.CodeInvalidQuantity, "quantity must be greater than 0")
	// ErrConflict is returned by Save when the stored version moved on.
	ErrConflict = apperr.New(apperr.CodeConcurrentStockConflict, "product was modified concurrently")
)

// Product represents a sellable catalog item of a single establishment.
//
// Available is kept consistent with Active and StockQuantity by the stock
// primitives: a product is never Available with zero stock.
type Product struct {
	ID              string
	Name            string
	Price           money.Money
	StockQuantity   int
	Active          bool
	Available       bool
	EstablishmentID string
	// Version is incremented by every successful Save.
	Version   int64
	UpdatedAt time.Time
}

// HasSufficientStock reports whether qty units can be taken from stock.
func (p *Product) HasSufficientStock(qty int) bool {
	return p.StockQuantity >= qty
}

// CanBeSold reports whether the product may be added to an order.
func (p *Product) CanBeSold() bool {
	return p.Active && p.Available && p.StockQuantity > 0
}

// Reserve takes qty units out of stock. The product becomes unavailable
// when stock reaches zero.
func (p *Product) Reserve(qty int) error {
	if qty <= 0 {
		return apperr.Errorf(apperr.CodeInvalidQuantity, "reserve %d of product %s: quantity must be greater than 0", qty, p.ID)
	}
	if !p.HasSufficientStock(qty) {
		return apperr.Errorf(apperr.CodeInsufficientStock,
			"product %s: requested %d, available %d", p.ID, qty, p.StockQuantity)
	}
	p.StockQuantity -= qty
	if p.StockQuantity == 0 {
		p.Available = false
	}
	return nil
}

// Release puts qty units back into stock.
func (p *Product) Release(qty int) error {
	if qty <= 0 {
		return apperr.Errorf(apperr.CodeInvalidQuantity, "release %d of product %s: quantity must be greater than 0", qty, p.ID)
	}
	p.StockQuantity += qty
	p.syncAvailability()
	return nil
}

// Restock adds qty units delivered by the establishment.
func (p *Product) Restock(qty int) error {
	return p.Release(qty)
}

// Deactivate withdraws the product from sale without touching stock.
func (p *Product) Deactivate() {
	p.Active = false
	p.Available = false
}

// Activate returns the product to sale when it still has stock.
func (p *Product) Activate() {
	p.Active = true
	p.syncAvailability()
}

func (p *Product) syncAvailability() {
	p.Available = p.Active && p.StockQuantity > 0
}

// Repository provides access to catalog items.
//
// Inside a transaction started by a TxManager, reads lock the returned rows
// until commit.
type Repository interface {
	GetByID(ctx context.Context, id string) (*Product, error)
	// GetByIDs returns the products found, ordered by id. Missing ids are
	// skipped.
	GetByIDs(ctx context.Context, ids []string) ([]Product, error)
	// Save persists stock and availability if p.Version matches the stored
	// version, and increments p.Version. A mismatch yields ErrConflict.
	Save(ctx context.Context, p *Product) error
	// Upsert inserts or overwrites a product regardless of version.
	Upsert(ctx context.Context, p *Product) error
}
