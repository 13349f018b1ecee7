// Package memory implements the order, product and coupon repositories in
// process memory.
//
// A Store serializes units of work: RunInTx holds the store lock for the
// whole callback and applies staged writes only when the callback succeeds.
// Calls outside RunInTx behave as single-statement transactions.
package memory

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/xenking/marketplace-orders/internal/domain/apperr"
	"github.com/xenking/marketplace-orders/internal/domain/coupon"
	"github.com/xenking/marketplace-orders/internal/domain/order"
	"github.com/xenking/marketplace-orders/internal/domain/product"
)

// Store holds all entities and hands out repositories over them.
type Store struct {
	mu       sync.Mutex
	products map[string]product.Product
	coupons  map[string]coupon.Coupon
	orders   map[string]order.Snapshot
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		products: make(map[string]product.Product),
		coupons:  make(map[string]coupon.Coupon),
		orders:   make(map[string]order.Snapshot),
	}
}

var _ order.TxManager = (*Store)(nil)

type txKey struct{}

// tx stages writes of one unit of work.
type tx struct {
	products map[string]product.Product
	coupons  map[string]coupon.Coupon
	orders   map[string]order.Snapshot
}

func newTx() *tx {
	return &tx{
		products: make(map[string]product.Product),
		coupons:  make(map[string]coupon.Coupon),
		orders:   make(map[string]order.Snapshot),
	}
}

// RunInTx runs fn while holding the store lock. Writes made through ctx
// become visible to others only if fn returns nil. Nested calls join the
// outer unit of work.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*tx); ok {
		return fn(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t := newTx()
	if err := fn(context.WithValue(ctx, txKey{}, t)); err != nil {
		return err
	}
	s.commit(t)
	return nil
}

// view runs fn against the current unit of work, or against a fresh one
// committed right away when ctx carries none.
func (s *Store) view(ctx context.Context, fn func(t *tx) error) error {
	if t, ok := ctx.Value(txKey{}).(*tx); ok {
		return fn(t)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t := newTx()
	if err := fn(t); err != nil {
		return err
	}
	s.commit(t)
	return nil
}

func (s *Store) commit(t *tx) {
	maps.Copy(s.products, t.products)
	maps.Copy(s.coupons, t.coupons)
	maps.Copy(s.orders, t.orders)
}

func (s *Store) product(t *tx, id string) (product.Product, bool) {
	if p, ok := t.products[id]; ok {
		return p, true
	}
	p, ok := s.products[id]
	return p, ok
}

func (s *Store) coupon(t *tx, id string) (coupon.Coupon, bool) {
	if c, ok := t.coupons[id]; ok {
		return c, true
	}
	c, ok := s.coupons[id]
	return c, ok
}

func (s *Store) order(t *tx, id string) (order.Snapshot, bool) {
	if o, ok := t.orders[id]; ok {
		return o, true
	}
	o, ok := s.orders[id]
	return o, ok
}

// Products returns a product repository over the store.
func (s *Store) Products() *ProductRepository { return &ProductRepository{s: s} }

// Coupons returns a coupon repository over the store.
func (s *Store) Coupons() *CouponRepository { return &CouponRepository{s: s} }

// Orders returns an order repository over the store.
func (s *Store) Orders() *OrderRepository { return &OrderRepository{s: s} }

// ProductRepository implements product.Repository.
type ProductRepository struct{ s *Store }

var _ product.Repository = (*ProductRepository)(nil)

// GetByID returns a copy of the product.
func (r *ProductRepository) GetByID(ctx context.Context, id string) (*product.Product, error) {
	var p product.Product
	err := r.s.view(ctx, func(t *tx) error {
		var ok bool
		if p, ok = r.s.product(t, id); !ok {
			return apperr.Errorf(apperr.CodeProductNotFound, "product %s not found", id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetByIDs returns copies of the products found, ordered by id.
func (r *ProductRepository) GetByIDs(ctx context.Context, ids []string) ([]product.Product, error) {
	sorted := slices.Compact(slices.Sorted(slices.Values(ids)))
	var out []product.Product
	err := r.s.view(ctx, func(t *tx) error {
		for _, id := range sorted {
			if p, ok := r.s.product(t, id); ok {
				out = append(out, p)
			}
		}
		return nil
	})
	return out, err
}

// Save stores p if its version matches and bumps p.Version.
func (r *ProductRepository) Save(ctx context.Context, p *product.Product) error {
	return r.s.view(ctx, func(t *tx) error {
		cur, ok := r.s.product(t, p.ID)
		if !ok {
			return apperr.Errorf(apperr.CodeProductNotFound, "product %s not found", p.ID)
		}
		if cur.Version != p.Version {
			return apperr.Errorf(apperr.CodeConcurrentStockConflict,
				"product %s: version %d, stored %d", p.ID, p.Version, cur.Version)
		}
		p.Version++
		t.products[p.ID] = *p
		return nil
	})
}

// Upsert stores p regardless of version.
func (r *ProductRepository) Upsert(ctx context.Context, p *product.Product) error {
	return r.s.view(ctx, func(t *tx) error {
		if cur, ok := r.s.product(t, p.ID); ok {
			p.Version = cur.Version + 1
		}
		t.products[p.ID] = *p
		return nil
	})
}

// CouponRepository implements coupon.Repository.
type CouponRepository struct{ s *Store }

var _ coupon.Repository = (*CouponRepository)(nil)

// FindByCode returns a copy of the coupon with the given code, compared
// case-insensitively.
func (r *CouponRepository) FindByCode(ctx context.Context, code string) (*coupon.Coupon, error) {
	var c coupon.Coupon
	err := r.s.view(ctx, func(t *tx) error {
		var ok bool
		if c, ok = r.s.couponByCode(t, coupon.NormalizeCode(code)); !ok {
			return apperr.Errorf(apperr.CodeCouponNotFound, "coupon %q not found", code)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetByID returns a copy of the coupon.
func (r *CouponRepository) GetByID(ctx context.Context, id string) (*coupon.Coupon, error) {
	var c coupon.Coupon
	err := r.s.view(ctx, func(t *tx) error {
		var ok bool
		if c, ok = r.s.coupon(t, id); !ok {
			return apperr.Errorf(apperr.CodeCouponNotFound, "coupon %s not found", id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Save stores c if its version matches and bumps c.Version.
func (r *CouponRepository) Save(ctx context.Context, c *coupon.Coupon) error {
	return r.s.view(ctx, func(t *tx) error {
		cur, ok := r.s.coupon(t, c.ID)
		if !ok {
			return apperr.Errorf(apperr.CodeCouponNotFound, "coupon %s not found", c.ID)
		}
		if cur.Version != c.Version {
			return apperr.Errorf(apperr.CodeConcurrentStockConflict,
				"coupon %s: version %d, stored %d", c.Code, c.Version, cur.Version)
		}
		c.Version++
		t.coupons[c.ID] = *c
		return nil
	})
}

// Upsert stores c keyed by code regardless of version. An existing coupon
// with the same code keeps its id.
func (r *CouponRepository) Upsert(ctx context.Context, c *coupon.Coupon) error {
	return r.s.view(ctx, func(t *tx) error {
		if cur, ok := r.s.couponByCode(t, coupon.NormalizeCode(c.Code)); ok {
			c.ID = cur.ID
			c.Version = cur.Version + 1
		} else if c.ID == "" {
			c.ID = uuid.NewString()
		}
		t.coupons[c.ID] = *c
		return nil
	})
}

func (s *Store) couponByCode(t *tx, code string) (coupon.Coupon, bool) {
	for _, c := range t.coupons {
		if coupon.NormalizeCode(c.Code) == code {
			return c, true
		}
	}
	for id, c := range s.coupons {
		if _, staged := t.coupons[id]; staged {
			continue
		}
		if coupon.NormalizeCode(c.Code) == code {
			return c, true
		}
	}
	return coupon.Coupon{}, false
}

// OrderRepository implements order.Repository.
type OrderRepository struct{ s *Store }

var _ order.Repository = (*OrderRepository)(nil)

// GetByID rebuilds the order from its stored snapshot.
func (r *OrderRepository) GetByID(ctx context.Context, id string) (*order.Order, error) {
	var snap order.Snapshot
	err := r.s.view(ctx, func(t *tx) error {
		var ok bool
		if snap, ok = r.s.order(t, id); !ok {
			return apperr.Errorf(apperr.CodeOrderNotFound, "order %s not found", id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return order.Restore(snap), nil
}

// Save stores a snapshot of o.
func (r *OrderRepository) Save(ctx context.Context, o *order.Order) error {
	return r.s.view(ctx, func(t *tx) error {
		t.orders[o.ID()] = o.Snapshot()
		return nil
	})
}
