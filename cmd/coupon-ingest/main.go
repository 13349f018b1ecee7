package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/marketplace-orders/internal/domain/coupon"
	"github.com/xenking/marketplace-orders/internal/domain/money"
	"github.com/xenking/marketplace-orders/internal/repository"
)

// campaign is the rule every ingested code is created with.
type campaign struct {
	discountType  string
	value         string
	currency      string
	description   string
	expiresIn     time.Duration
	usageLimit    int
	minOrderValue string
	maxDiscount   string
}

func (c campaign) coupon(code string, now time.Time) (*coupon.Coupon, error) {
	value, err := decimal.NewFromString(c.value)
	if err != nil {
		return nil, errors.Wrap(err, "parse value")
	}
	out := &coupon.Coupon{
		Code:         code,
		DiscountType: coupon.DiscountType(c.discountType),
		Value:        value,
		Currency:     c.currency,
		Description:  c.description,
		ExpiresAt:    now.Add(c.expiresIn).UTC(),
		UsageLimit:   c.usageLimit,
		Active:       true,
	}
	if c.minOrderValue != "" {
		m, err := money.NewFromString(c.minOrderValue, c.currency)
		if err != nil {
			return nil, errors.Wrap(err, "parse min order value")
		}
		out.MinOrderValue = &m
	}
	if c.maxDiscount != "" {
		m, err := money.NewFromString(c.maxDiscount, c.currency)
		if err != nil {
			return nil, errors.Wrap(err, "parse max discount")
		}
		out.MaxDiscount = &m
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}

func main() {
	var (
		pattern     string
		databaseURL string
		dryRun      bool
		rule        campaign
		opts        = matchOptions{Capacity: 120_000_000, FPR: 0.001, ProgressEvery: 10_000_000}
	)

	flag.StringVar(&pattern, "files", "data/*.gz", "glob of gzip-compressed code lists, one code per line")
	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.BoolVar(&dryRun, "dry-run", false, "only report matching codes")
	flag.IntVar(&opts.MinSources, "min-sources", 2, "number of files a code must appear in")
	flag.IntVar(&opts.MinLen, "min-len", 8, "minimum code length")
	flag.IntVar(&opts.MaxLen, "max-len", 10, "maximum code length")
	flag.UintVar(&opts.Capacity, "bloom-capacity", opts.Capacity, "expected codes per file")
	flag.StringVar(&rule.discountType, "discount-type", string(coupon.DiscountPercent), "PERCENT or FIXED")
	flag.StringVar(&rule.value, "value", "10", "percentage or fixed amount")
	flag.StringVar(&rule.currency, "currency", "USD", "currency of fixed amounts and limits")
	flag.StringVar(&rule.description, "description", "Promo code: 10% off", "coupon description")
	flag.DurationVar(&rule.expiresIn, "expires-in", 30*24*time.Hour, "validity from now")
	flag.IntVar(&rule.usageLimit, "usage-limit", 1, "uses per code")
	flag.StringVar(&rule.minOrderValue, "min-order-value", "", "optional minimum subtotal")
	flag.StringVar(&rule.maxDiscount, "max-discount", "", "optional discount cap")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" && !dryRun {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, pattern, databaseURL, dryRun, opts, rule); err != nil {
		slog.Error("coupon ingest failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("coupon ingest completed successfully")
}

func run(ctx context.Context, pattern, databaseURL string, dryRun bool, opts matchOptions, rule campaign) error {
	files, err := filepath.Glob(pattern)
	if err != nil {
		return errors.Wrapf(err, "glob %s", pattern)
	}
	if len(files) == 0 {
		return errors.Errorf("no files match %s", pattern)
	}

	// Fail on a bad rule before the expensive passes.
	if _, err := rule.coupon("VALIDATE", time.Now()); err != nil {
		return errors.Wrap(err, "campaign rule")
	}

	codes, err := matchCodes(ctx, files, opts)
	if err != nil {
		return err
	}
	slog.Info("valid codes found", slog.Int("count", len(codes)))

	if dryRun || len(codes) == 0 {
		return nil
	}

	slog.Info("connecting to database")

	pool, err := repository.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	if err := repository.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	return writeCoupons(ctx, repository.NewCouponRepository(pool), rule, codes)
}

func writeCoupons(ctx context.Context, repo coupon.Repository, rule campaign, codes []string) error {
	slog.Info("writing coupons to database", slog.Int("count", len(codes)))

	now := time.Now()
	for i, code := range codes {
		c, err := rule.coupon(code, now)
		if err != nil {
			return errors.Wrapf(err, "coupon %s", code)
		}
		if err := repo.Upsert(ctx, c); err != nil {
			return errors.Wrapf(err, "upsert coupon %s", code)
		}

		if (i+1)%100 == 0 || i+1 == len(codes) {
			slog.Info("write progress", slog.Int("written", i+1), slog.Int("total", len(codes)))
		}
	}

	return nil
}
