// Package config loads the exchange's configuration from environment
// variables, optionally seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port         string        // default "8080"
	Env          string        // "local" | "production"
	ReadTimeout  time.Duration // default 10s
	WriteTimeout time.Duration // default 10s
}

// DBConfig holds PostgreSQL settings. An empty URL selects the in-memory store.
type DBConfig struct {
	URL string
}

// RedisConfig holds the read-through cache settings. An empty URL disables it.
type RedisConfig struct {
	URL string
	TTL time.Duration // default 30s
}

// KafkaConfig holds the event stream settings. No brokers disables it.
type KafkaConfig struct {
	Brokers []string
	Topic   string // default "exchange.events"
}

// NATSConfig holds the event bus settings. An empty URL disables it.
type NATSConfig struct {
	URL           string
	SubjectPrefix string // default "exchange.events"
}

// EventsConfig bounds post-commit event publishing.
type EventsConfig struct {
	PublishTimeout time.Duration // default 2s, must stay below HTTP_WRITE_TIMEOUT
}

// LedgerConfig bounds optimistic concurrency retries.
type LedgerConfig struct {
	MaxAttempts  int           // default 5
	RetryBackoff time.Duration // default 5ms, multiplied by the attempt number
}

// TradeConfig holds market and position limit settings.
type TradeConfig struct {
	DefaultLiquidityB   int64 // default 100
	MaxSharesPerOutcome int64 // 0 disables
	MaxSharesPerMarket  int64 // 0 disables
}

// RateLimitConfig holds the per-user limiter on money-moving requests.
type RateLimitConfig struct {
	RPS   float64 // 0 disables
	Burst int     // default 20
}

// Config is the root configuration object.
type Config struct {
	Server    ServerConfig
	DB        DBConfig
	Redis     RedisConfig
	Kafka     KafkaConfig
	NATS      NATSConfig
	Events    EventsConfig
	Ledger    LedgerConfig
	Trade     TradeConfig
	RateLimit RateLimitConfig
}

// IsLocal reports whether the service runs in local development mode.
func (c *Config) IsLocal() bool {
	return c.Server.Env == "local"
}

// Validate checks that all configuration values are usable and reports every
// problem at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port == "" {
		errs = append(errs, errors.New("PORT must be set"))
	}
	if c.Ledger.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("LEDGER_MAX_ATTEMPTS must be >= 1, got %d", c.Ledger.MaxAttempts))
	}
	if c.Ledger.RetryBackoff < 0 {
		errs = append(errs, fmt.Errorf("LEDGER_RETRY_BACKOFF must be >= 0, got %s", c.Ledger.RetryBackoff))
	}
	if c.Trade.DefaultLiquidityB < 1 {
		errs = append(errs, fmt.Errorf("DEFAULT_LIQUIDITY_B must be >= 1, got %d", c.Trade.DefaultLiquidityB))
	}
	if c.Trade.MaxSharesPerOutcome < 0 {
		errs = append(errs, fmt.Errorf("MAX_SHARES_PER_OUTCOME must be >= 0, got %d", c.Trade.MaxSharesPerOutcome))
	}
	if c.Trade.MaxSharesPerMarket < 0 {
		errs = append(errs, fmt.Errorf("MAX_SHARES_PER_MARKET must be >= 0, got %d", c.Trade.MaxSharesPerMarket))
	}
	if c.RateLimit.RPS < 0 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_RPS must be >= 0, got %g", c.RateLimit.RPS))
	}
	if c.RateLimit.RPS > 0 && c.RateLimit.Burst < 1 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_BURST must be >= 1 when rate limiting, got %d", c.RateLimit.Burst))
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		errs = append(errs, errors.New("KAFKA_TOPIC must be set when KAFKA_BROKERS is"))
	}
	if c.Events.PublishTimeout <= 0 || c.Events.PublishTimeout >= c.Server.WriteTimeout {
		errs = append(errs, fmt.Errorf("EVENTS_PUBLISH_TIMEOUT must be > 0 and below HTTP_WRITE_TIMEOUT (%s), got %s",
			c.Server.WriteTimeout, c.Events.PublishTimeout))
	}
	if !c.IsLocal() && c.DB.URL == "" {
		errs = append(errs, errors.New("DATABASE_URL must be set outside local mode"))
	}

	return errors.Join(errs...)
}

// Load reads a .env file if one exists, then builds the Config from the
// environment. Real environment variables win over .env entries.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv()
}

// FromEnv builds the Config from the current environment only.
func FromEnv() (*Config, error) {
	var errs []error
	intVar := func(key string, def int) int {
		v, err := getInt(key, def)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
		return v
	}
	int64Var := func(key string, def int64) int64 {
		return int64(intVar(key, int(def)))
	}
	durationVar := func(key string, def time.Duration) time.Duration {
		v, err := getDuration(key, def)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
		return v
	}
	floatVar := func(key string, def float64) float64 {
		v, err := getFloat(key, def)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
		return v
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:         getEnv("PORT", "8080"),
			Env:          getEnv("ENV", "local"),
			ReadTimeout:  durationVar("HTTP_READ_TIMEOUT", 10*time.Second),
			WriteTimeout: durationVar("HTTP_WRITE_TIMEOUT", 10*time.Second),
		},
		DB: DBConfig{
			URL: getEnv("DATABASE_URL", ""),
		},
		Redis: RedisConfig{
			URL: getEnv("REDIS_URL", ""),
			TTL: durationVar("CACHE_TTL", 30*time.Second),
		},
		Kafka: KafkaConfig{
			Brokers: splitList(getEnv("KAFKA_BROKERS", "")),
			Topic:   getEnv("KAFKA_TOPIC", "exchange.events"),
		},
		NATS: NATSConfig{
			URL:           getEnv("NATS_URL", ""),
			SubjectPrefix: getEnv("NATS_SUBJECT_PREFIX", "exchange.events"),
		},
		Events: EventsConfig{
			PublishTimeout: durationVar("EVENTS_PUBLISH_TIMEOUT", 2*time.Second),
		},
		Ledger: LedgerConfig{
			MaxAttempts:  intVar("LEDGER_MAX_ATTEMPTS", 5),
			RetryBackoff: durationVar("LEDGER_RETRY_BACKOFF", 5*time.Millisecond),
		},
		Trade: TradeConfig{
			DefaultLiquidityB:   int64Var("DEFAULT_LIQUIDITY_B", 100),
			MaxSharesPerOutcome: int64Var("MAX_SHARES_PER_OUTCOME", 0),
			MaxSharesPerMarket:  int64Var("MAX_SHARES_PER_MARKET", 0),
		},
		RateLimit: RateLimitConfig{
			RPS:   floatVar("RATE_LIMIT_RPS", 0),
			Burst: intVar("RATE_LIMIT_BURST", 20),
		},
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return cfg, nil
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q", v)
	}
	return n, nil
}

func getFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid float %q", v)
	}
	return f, nil
}

// getDuration parses an env var as a Go duration string (e.g. "15m", "2s").
func getDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", v)
	}
	return d, nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
