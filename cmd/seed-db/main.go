package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/marketplace-orders/internal/domain/coupon"
	"github.com/xenking/marketplace-orders/internal/domain/money"
	"github.com/xenking/marketplace-orders/internal/domain/product"
	"github.com/xenking/marketplace-orders/internal/repository"
)

type productJSON struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Price           decimal.Decimal `json:"price"`
	Currency        string          `json:"currency"`
	Stock           int             `json:"stock"`
	Active          *bool           `json:"active"`
	EstablishmentID string          `json:"establishment_id"`
}

type couponJSON struct {
	Code          string           `json:"code"`
	DiscountType  string           `json:"discount_type"`
	Value         decimal.Decimal  `json:"value"`
	Currency      string           `json:"currency"`
	Description   string           `json:"description"`
	ExpiresAt     time.Time        `json:"expires_at"`
	MinOrderValue *decimal.Decimal `json:"min_order_value"`
	MaxDiscount   *decimal.Decimal `json:"max_discount"`
	UsageLimit    int              `json:"usage_limit"`
}

func main() {
	var (
		databaseURL  string
		productsFile string
		couponsFile  string
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&productsFile, "products-file", "db/seed/products.json", "path to products JSON file")
	flag.StringVar(&couponsFile, "coupons-file", "db/seed/coupons.json", "path to coupons JSON file")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, databaseURL, productsFile, couponsFile); err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("seed completed successfully")
}

func run(ctx context.Context, databaseURL, productsFile, couponsFile string) error {
	slog.Info("connecting to database")

	pool, err := repository.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	slog.Info("running migrations")

	if err := repository.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	if err := seedProducts(ctx, repository.NewProductRepository(pool), productsFile); err != nil {
		return errors.Wrap(err, "seed products")
	}

	if err := seedCoupons(ctx, repository.NewCouponRepository(pool), couponsFile); err != nil {
		return errors.Wrap(err, "seed coupons")
	}

	return nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "read %s", path)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.Wrapf(err, "parse %s", path)
	}
	return nil
}

func seedProducts(ctx context.Context, repo product.Repository, productsFile string) error {
	slog.Info("reading products file", slog.String("path", productsFile))

	var products []productJSON
	if err := readJSON(productsFile, &products); err != nil {
		return err
	}

	slog.Info("upserting products", slog.Int("count", len(products)))

	for _, pj := range products {
		price, err := money.New(pj.Price, pj.Currency)
		if err != nil {
			return errors.Wrapf(err, "product %s", pj.ID)
		}
		if pj.Stock < 0 {
			return errors.Errorf("product %s: negative stock %d", pj.ID, pj.Stock)
		}
		p := &product.Product{
			ID:              pj.ID,
			Name:            pj.Name,
			Price:           price,
			StockQuantity:   pj.Stock,
			EstablishmentID: pj.EstablishmentID,
		}
		if pj.Active == nil || *pj.Active {
			p.Activate()
		} else {
			p.Deactivate()
		}

		if err := repo.Upsert(ctx, p); err != nil {
			return errors.Wrapf(err, "upsert product %s", p.ID)
		}

		slog.Info("upserted product",
			slog.String("id", p.ID),
			slog.String("name", p.Name),
			slog.Int("stock", p.StockQuantity),
		)
	}

	return nil
}

func seedCoupons(ctx context.Context, repo coupon.Repository, couponsFile string) error {
	slog.Info("reading coupons file", slog.String("path", couponsFile))

	var coupons []couponJSON
	if err := readJSON(couponsFile, &coupons); err != nil {
		return err
	}

	for _, cj := range coupons {
		c, err := cj.coupon()
		if err != nil {
			return err
		}
		if err := repo.Upsert(ctx, c); err != nil {
			return errors.Wrapf(err, "upsert coupon %s", c.Code)
		}

		slog.Info("upserted coupon", slog.String("code", c.Code), slog.String("description", c.Description))
	}

	return nil
}

func (cj couponJSON) coupon() (*coupon.Coupon, error) {
	c := &coupon.Coupon{
		Code:         coupon.NormalizeCode(cj.Code),
		DiscountType: coupon.DiscountType(cj.DiscountType),
		Value:        cj.Value,
		Currency:     cj.Currency,
		Description:  cj.Description,
		ExpiresAt:    cj.ExpiresAt,
		UsageLimit:   cj.UsageLimit,
		Active:       true,
	}
	if cj.MinOrderValue != nil {
		m, err := money.New(*cj.MinOrderValue, cj.Currency)
		if err != nil {
			return nil, errors.Wrapf(err, "coupon %s: min order value", c.Code)
		}
		c.MinOrderValue = &m
	}
	if cj.MaxDiscount != nil {
		m, err := money.New(*cj.MaxDiscount, cj.Currency)
		if err != nil {
			return nil, errors.Wrapf(err, "coupon %s: max discount", c.Code)
		}
		c.MaxDiscount = &m
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}
