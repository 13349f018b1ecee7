package repository

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/xenking/marketplace-orders/internal/domain/apperr"
	"github.com/xenking/marketplace-orders/internal/domain/money"
	"github.com/xenking/marketplace-orders/internal/domain/product"
)

const (
	productColumns = `id, name, price, currency, stock_quantity, active, available,
		establishment_id, version, updated_at`

	getProductByIDSQL = `SELECT ` + productColumns + ` FROM products WHERE id = $1`

	getProductsByIDsSQL = `SELECT ` + productColumns + ` FROM products WHERE id = ANY($1) ORDER BY id`

	saveProductSQL = `UPDATE products
		SET name = $2, price = $3, currency = $4, stock_quantity = $5, active = $6, available = $7,
			establishment_id = $8, version = version + 1, updated_at = now()
		WHERE id = $1 AND version = $9
		RETURNING version, updated_at`

	upsertProductSQL = `INSERT INTO products
			(id, name, price, currency, stock_quantity, active, available, establishment_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, price = EXCLUDED.price, currency = EXCLUDED.currency,
			stock_quantity = EXCLUDED.stock_quantity, active = EXCLUDED.active,
			available = EXCLUDED.available, establishment_id = EXCLUDED.establishment_id,
			version = products.version + 1, updated_at = now()
		RETURNING version, updated_at`
)

var _ product.Repository = (*ProductRepository)(nil)

// ProductRepository implements product.Repository backed by PostgreSQL.
type ProductRepository struct {
	pool *pgxpool.Pool
}

// NewProductRepository returns a ProductRepository that uses the given pool.
func NewProductRepository(pool *pgxpool.Pool) *ProductRepository {
	return &ProductRepository{pool: pool}
}

// GetByID returns a single product by its identifier.
func (r *ProductRepository) GetByID(ctx context.Context, id string) (*product.Product, error) {
	q, inTx := conn(ctx, r.pool)
	rows, err := q.Query(ctx, forUpdate(getProductByIDSQL, inTx), id)
	if err != nil {
		return nil, errors.Wrapf(mapError(err), "get product %q", id)
	}

	p, err := pgx.CollectExactlyOneRow(rows, scanProduct)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.Errorf(apperr.CodeProductNotFound, "product %s not found", id)
		}
		return nil, errors.Wrapf(mapError(err), "get product %q", id)
	}
	return &p, nil
}

// GetByIDs returns the products matching ids ordered by id. Inside a
// transaction the rows are locked in that order.
func (r *ProductRepository) GetByIDs(ctx context.Context, ids []string) ([]product.Product, error) {
	q, inTx := conn(ctx, r.pool)
	rows, err := q.Query(ctx, forUpdate(getProductsByIDsSQL, inTx), ids)
	if err != nil {
		return nil, errors.Wrap(mapError(err), "get products by ids")
	}
	products, err := pgx.CollectRows(rows, scanProduct)
	if err != nil {
		return nil, errors.Wrap(mapError(err), "get products by ids")
	}
	return products, nil
}

// Save writes p if the stored version still equals p.Version.
func (r *ProductRepository) Save(ctx context.Context, p *product.Product) error {
	q, _ := conn(ctx, r.pool)
	err := q.QueryRow(ctx, saveProductSQL,
		p.ID, p.Name, p.Price.Amount(), p.Price.Currency(), p.StockQuantity, p.Active, p.Available,
		p.EstablishmentID, p.Version,
	).Scan(&p.Version, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return apperr.Errorf(apperr.CodeConcurrentStockConflict,
				"product %s: version %d is stale or row is gone", p.ID, p.Version)
		}
		return errors.Wrapf(mapError(err), "save product %q", p.ID)
	}
	return nil
}

// Upsert inserts p or overwrites the stored product regardless of version.
func (r *ProductRepository) Upsert(ctx context.Context, p *product.Product) error {
	q, _ := conn(ctx, r.pool)
	err := q.QueryRow(ctx, upsertProductSQL,
		p.ID, p.Name, p.Price.Amount(), p.Price.Currency(), p.StockQuantity, p.Active, p.Available,
		p.EstablishmentID,
	).Scan(&p.Version, &p.UpdatedAt)
	if err != nil {
		return errors.Wrapf(mapError(err), "upsert product %q", p.ID)
	}
	return nil
}

func scanProduct(row pgx.CollectableRow) (product.Product, error) {
	var (
		p         product.Product
		price     decimal.Decimal
		currency  string
		stock     int32
		updatedAt time.Time
	)
	if err := row.Scan(
		&p.ID, &p.Name, &price, &currency, &stock, &p.Active, &p.Available,
		&p.EstablishmentID, &p.Version, &updatedAt,
	); err != nil {
		return p, err
	}
	amount, err := money.New(price, currency)
	if err != nil {
		return p, errors.Wrapf(err, "product %q price", p.ID)
	}
	p.Price = amount
	p.StockQuantity = int(stock)
	p.UpdatedAt = updatedAt
	return p, nil
}
