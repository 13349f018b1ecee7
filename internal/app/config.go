package app

import (
	"os"
	"strings"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"

	"github.com/xenking/marketplace-orders/internal/domain/order"
)

// Config holds the complete application configuration, loadable from
// environment variables (ORDERS_ prefix), flags, or YAML config files.
type Config struct {
	DatabaseURL string `usage:"PostgreSQL connection URL (ORDERS_DATABASE_URL or DATABASE_URL); in-memory store when empty" flag:"database-url"`
	Orders      OrdersConfig
	Kafka       KafkaConfig
	Redis       RedisConfig
	Health      HealthConfig
	Graceful    GracefulConfig
}

// OrdersConfig tunes the order service.
type OrdersConfig struct {
	MaxConfirmAttempts int    `default:"3" usage:"Attempts for confirm/cancel after a concurrent stock modification" flag:"max-confirm-attempts"`
	CouponPolicy       string `default:"reject" usage:"What checkout does with an inapplicable coupon: reject or skip" flag:"coupon-policy"`
}

// KafkaConfig locates the broker and topics. Without brokers events are
// only logged and no payment events are consumed.
type KafkaConfig struct {
	Brokers       []string `usage:"Kafka bootstrap brokers" flag:"kafka-brokers"`
	EventsTopic   string   `default:"order-events" usage:"Topic order events are published to"`
	PaymentsTopic string   `default:"payment-events" usage:"Topic payment outcomes are consumed from"`
	GroupID       string   `default:"order-service" usage:"Consumer group for payment events"`
}

// RedisConfig locates the store used to deduplicate payment events. An
// in-process store is used when Addr is empty.
type RedisConfig struct {
	Addr      string        `usage:"Redis address (host:port)" flag:"redis-addr"`
	Password  string        `usage:"Redis password"`
	DB        int           `default:"0" usage:"Redis database"`
	KeyPrefix string        `default:"orders:payment-event:" usage:"Prefix of dedupe keys"`
	DedupeTTL time.Duration `default:"24h" usage:"How long processed payment event ids are remembered"`
}

// HealthConfig controls the liveness/readiness listener.
type HealthConfig struct {
	Addr     string        `default:"0.0.0.0:8081" usage:"Health listen address" flag:"health-addr"`
	Interval time.Duration `default:"10s" usage:"Interval between health checks"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables and YAML config
// files, then applies platform defaults.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "ORDERS",
		Files:     []string{"config.yaml", "/etc/orders/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	switch order.CouponPolicy(c.Orders.CouponPolicy) {
	case order.CouponPolicyReject, order.CouponPolicySkip:
	default:
		return errors.Errorf("unknown coupon policy %q: want %q or %q",
			c.Orders.CouponPolicy, order.CouponPolicyReject, order.CouponPolicySkip)
	}
	if c.Orders.MaxConfirmAttempts < 1 {
		return errors.Errorf("max confirm attempts must be at least 1, got %d", c.Orders.MaxConfirmAttempts)
	}
	return nil
}

// applyPlatformDefaults maps conventional variables such as DATABASE_URL,
// KAFKA_BROKERS and REDIS_ADDR onto the ORDERS_-prefixed configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		c.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	if len(c.Kafka.Brokers) == 0 {
		if v := os.Getenv("KAFKA_BROKERS"); v != "" {
			c.Kafka.Brokers = strings.Split(v, ",")
		}
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = os.Getenv("REDIS_ADDR")
	}
}
