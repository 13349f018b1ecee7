package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/marketplace-orders/internal/domain/coupon"
	"github.com/xenking/marketplace-orders/internal/domain/order"
	"github.com/xenking/marketplace-orders/internal/domain/product"
	"github.com/xenking/marketplace-orders/internal/events"
	"github.com/xenking/marketplace-orders/internal/payment"
	"github.com/xenking/marketplace-orders/internal/repository"
	"github.com/xenking/marketplace-orders/internal/repository/memory"
	"github.com/xenking/marketplace-orders/pkg/health"
)

type storage struct {
	products product.Repository
	coupons  coupon.Repository
	orders   order.Repository
	tx       order.TxManager
	pool     *pgxpool.Pool
}

func openStorage(ctx context.Context, lg *zap.Logger, databaseURL string) (*storage, error) {
	if databaseURL == "" {
		lg.Warn("No database configured, using in-memory store")
		s := memory.New()
		return &storage{products: s.Products(), coupons: s.Coupons(), orders: s.Orders(), tx: s}, nil
	}

	pool, err := repository.NewPool(ctx, databaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "create db pool")
	}
	if err := repository.RunMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "run migrations")
	}
	return &storage{
		products: repository.NewProductRepository(pool),
		coupons:  repository.NewCouponRepository(pool),
		orders:   repository.NewOrderRepository(pool),
		tx:       repository.NewTxManager(pool),
		pool:     pool,
	}, nil
}

func (s *storage) close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Run creates all dependencies, starts the payment consumer and the health
// server, and handles graceful shutdown. It is the single wiring point for
// the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing",
		zap.Strings("kafka.brokers", cfg.Kafka.Brokers),
		zap.String("health.addr", cfg.Health.Addr),
	)

	store, err := openStorage(ctx, lg, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer store.close()

	healthSvc := health.New(cfg.Health.Interval)
	healthSvc.AddLiveness(health.Check{Name: "goroutines", Fn: health.GoroutineCountCheck(10000)})
	if store.pool != nil {
		healthSvc.AddReadiness(health.Check{Name: "postgres", Timeout: 5 * time.Second, Fn: func(ctx context.Context) error {
			return store.pool.Ping(ctx)
		}})
	}

	// Outbound order events.
	var publisher order.Publisher = events.LogPublisher{}
	if len(cfg.Kafka.Brokers) > 0 {
		w := events.NewWriter(cfg.Kafka.Brokers, cfg.Kafka.EventsTopic)
		defer func() {
			if err := w.Close(); err != nil {
				lg.Error("Close event writer", zap.Error(err))
			}
		}()
		publisher = events.NewKafkaPublisher(w)
	}

	orderService := order.NewService(store.products, store.coupons, store.orders, store.tx, publisher,
		order.WithMaxAttempts(cfg.Orders.MaxConfirmAttempts),
		order.WithCouponPolicy(order.CouponPolicy(cfg.Orders.CouponPolicy)),
		order.WithTracerProvider(m.TracerProvider()),
		order.WithMeterProvider(m.MeterProvider()),
	)

	// Payment event dedupe.
	var dedupe payment.Deduper = payment.NewMemoryDeduper(cfg.Redis.DedupeTTL)
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() {
			if err := rdb.Close(); err != nil {
				lg.Error("Close redis client", zap.Error(err))
			}
		}()
		healthSvc.AddReadiness(health.Check{Name: "redis", Timeout: 2 * time.Second, Fn: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}})
		dedupe = payment.NewRedisDeduper(rdb, cfg.Redis.KeyPrefix, cfg.Redis.DedupeTTL)
	}

	g, gctx := errgroup.WithContext(ctx)

	if len(cfg.Kafka.Brokers) > 0 {
		reader := payment.NewReader(cfg.Kafka.Brokers, cfg.Kafka.GroupID, cfg.Kafka.PaymentsTopic)
		defer func() {
			if err := reader.Close(); err != nil {
				lg.Error("Close payment reader", zap.Error(err))
			}
		}()
		consumer := payment.NewConsumer(reader, payment.NewHandler(orderService, dedupe), payment.ConsumerOptions{})
		healthSvc.AddReadiness(health.Check{
			Name:             "payment-consumer",
			Fn:               health.RunningCheck("payment consumer", consumer.Running),
			FailureThreshold: 1,
		})
		g.Go(func() error {
			lg.Info("Consuming payment events", zap.String("topic", cfg.Kafka.PaymentsTopic))
			return errors.Wrap(consumer.Run(gctx), "payment consumer")
		})
	} else {
		lg.Warn("No Kafka brokers configured, payment events are not consumed")
	}

	healthSvc.Start(gctx)
	healthSvc.SetReady(true)

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      5 * time.Second,
		Addr:              cfg.Health.Addr,
		Handler:           healthSvc.Handler(),
	}

	// Graceful shutdown: wait for context cancellation, drain, then stop.
	g.Go(func() error {
		<-gctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down health server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		healthSvc.Stop()
		return nil
	})
	g.Go(func() error {
		lg.Info("Health server listening", zap.String("addr", cfg.Health.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "health server")
		}
		return nil
	})

	return g.Wait()
}
