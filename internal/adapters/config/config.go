package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config represents application configuration.
// Nested sections are prefixed (RESOLVER_CACHE_SIZE); infrastructure
// fields also accept their short names (DB_HOST, REDIS_HOST, LOG_LEVEL).
type Config struct {
	Resolver   ResolverConfig   `envconfig:"RESOLVER"`
	Pricing    PricingConfig    `envconfig:"PRICING"`
	CoinGecko  CoinGeckoConfig  `envconfig:"COINGECKO"`
	Fallback   FallbackConfig   `envconfig:"FALLBACK"`
	Database   DatabaseConfig   `envconfig:"DATABASE"`
	Redis      RedisConfig      `envconfig:"REDIS"`
	ClickHouse ClickHouseConfig `envconfig:"CLICKHOUSE"`
	Telegram   TelegramConfig   `envconfig:"TELEGRAM"`
	HTTP       HTTPConfig       `envconfig:"HTTP"`
	Logging    LoggingConfig    `envconfig:"LOGGING"`
}

// ResolverConfig tunes ticker resolution and the learning store
type ResolverConfig struct {
	CacheSize        int           `envconfig:"CACHE_SIZE" default:"5000"`
	CacheTTL         time.Duration `envconfig:"CACHE_TTL" default:"1h"`
	SearchLimit      int           `envconfig:"SEARCH_LIMIT" default:"25"`
	SearchTimeout    time.Duration `envconfig:"SEARCH_TIMEOUT" default:"8s"`
	BackoffBase      int           `envconfig:"BACKOFF_BASE" default:"2"`
	BackoffCap       time.Duration `envconfig:"BACKOFF_CAP" default:"60m"`
	HitFlushInterval time.Duration `envconfig:"HIT_FLUSH_INTERVAL" default:"30s"`
	FailureRetention time.Duration `envconfig:"FAILURE_RETENTION" default:"168h"`
	DefaultChain     string        `envconfig:"DEFAULT_CHAIN" default:""`
	BlockedIDs       []string      `envconfig:"BLOCKED_IDS" default:""`
	Warmup           bool          `envconfig:"WARMUP" default:"true"`
}

// PricingConfig tunes the batcher, quote cache and circuit breaker
type PricingConfig struct {
	BatchWindow      time.Duration `envconfig:"BATCH_WINDOW" default:"50ms"`
	MaxBatchSize     int           `envconfig:"MAX_BATCH_SIZE" default:"100"`
	RequestTimeout   time.Duration `envconfig:"REQUEST_TIMEOUT" default:"10s"`
	FreshTTL         time.Duration `envconfig:"FRESH_TTL" default:"30s"`
	StaleGrace       time.Duration `envconfig:"STALE_GRACE" default:"5m"`
	BreakerCooldown  time.Duration `envconfig:"BREAKER_COOLDOWN" default:"2m"`
	RequestsPerMin   int           `envconfig:"REQUESTS_PER_MIN" default:"30"`
	ThrottleFraction float64       `envconfig:"THROTTLE_FRACTION" default:"0.9"`
}

// CoinGeckoConfig represents the primary price-data provider
type CoinGeckoConfig struct {
	BaseURL   string  `envconfig:"BASE_URL" default:"https://api.coingecko.com/api/v3"`
	APIKey    string  `envconfig:"API_KEY" required:"false"`
	RateLimit float64 `envconfig:"RATE_LIMIT" default:"0.5"` // requests per second
	Burst     int     `envconfig:"BURST" default:"3"`
}

// FallbackConfig represents the exchange used while the primary is cooling down
type FallbackConfig struct {
	Enabled     bool          `envconfig:"ENABLED" default:"true"`
	StreamURL   string        `envconfig:"STREAM_URL" default:"wss://stream.bybit.com/v5/public/spot"`
	MaxTickAge  time.Duration `envconfig:"MAX_TICK_AGE" default:"60s"`
	RESTEnabled bool          `envconfig:"REST_ENABLED" default:"true"`
}

// DatabaseConfig represents database connection parameters.
// Driver "sqlite" uses Path; "postgres" uses the host fields.
type DatabaseConfig struct {
	Driver         string `envconfig:"DB_DRIVER" default:"postgres"`
	Path           string `envconfig:"DB_SQLITE_PATH" default:"data/resolver.db"`
	Host           string `envconfig:"DB_HOST" default:"localhost"`
	Port           int    `envconfig:"DB_PORT" default:"5432"`
	Name           string `envconfig:"DB_NAME" default:"resolver"`
	User           string `envconfig:"DB_USER" default:"resolver"`
	Password       string `envconfig:"DB_PASSWORD" required:"false"`
	SSLMode        string `envconfig:"DB_SSLMODE" default:"disable"`
	MigrationsAuto bool   `envconfig:"DB_MIGRATIONS_AUTO" default:"true"`
}

// RedisConfig represents the optional shared cache
type RedisConfig struct {
	Enabled  bool          `envconfig:"REDIS_ENABLED" default:"false"`
	Host     string        `envconfig:"REDIS_HOST" default:"localhost"`
	Port     int           `envconfig:"REDIS_PORT" default:"6379"`
	Password string        `envconfig:"REDIS_PASSWORD" required:"false"`
	DB       int           `envconfig:"REDIS_DB" default:"0"`
	QuoteTTL time.Duration `envconfig:"REDIS_QUOTE_TTL" default:"5m"`
}

// ClickHouseConfig represents the optional resolution audit sink
type ClickHouseConfig struct {
	Enabled       bool          `envconfig:"CLICKHOUSE_ENABLED" default:"false"`
	Host          string        `envconfig:"CLICKHOUSE_HOST" default:"localhost"`
	Port          int           `envconfig:"CLICKHOUSE_PORT" default:"9000"`
	Database      string        `envconfig:"CLICKHOUSE_DATABASE" default:"resolver"`
	User          string        `envconfig:"CLICKHOUSE_USER" default:"default"`
	Password      string        `envconfig:"CLICKHOUSE_PASSWORD" required:"false"`
	BatchSize     int           `envconfig:"CLICKHOUSE_BATCH_SIZE" default:"500"`
	FlushInterval time.Duration `envconfig:"CLICKHOUSE_FLUSH_INTERVAL" default:"10s"`
}

// TelegramConfig represents admin alerting
type TelegramConfig struct {
	Enabled  bool   `envconfig:"TELEGRAM_ENABLED" default:"false"`
	BotToken string `envconfig:"TELEGRAM_BOT_TOKEN" required:"false"`
	ChatID   int64  `envconfig:"TELEGRAM_CHAT_ID" required:"false"`
}

// HTTPConfig represents the API/health listener
type HTTPConfig struct {
	Port       int    `envconfig:"HTTP_PORT" default:"8080"`
	AdminToken string `envconfig:"HTTP_ADMIN_TOKEN" required:"false"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level string `envconfig:"LOG_LEVEL" default:"info"`
	File  string `envconfig:"LOG_FILE" default:""`
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	var cfg Config

	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres":
		if c.Database.Host == "" || c.Database.User == "" {
			return fmt.Errorf("postgres requires host and user")
		}
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("sqlite requires a database path")
		}
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}

	if c.Resolver.CacheSize <= 0 {
		return fmt.Errorf("resolver cache size must be positive")
	}
	if c.Resolver.SearchLimit <= 0 {
		return fmt.Errorf("resolver search limit must be positive")
	}
	if c.Resolver.BackoffBase < 2 {
		return fmt.Errorf("backoff base must be at least 2")
	}

	if c.Pricing.MaxBatchSize <= 0 {
		return fmt.Errorf("max batch size must be positive")
	}
	if c.Pricing.BatchWindow <= 0 {
		return fmt.Errorf("batch window must be positive")
	}
	if c.Pricing.StaleGrace < c.Pricing.FreshTTL {
		return fmt.Errorf("stale grace must not be shorter than fresh ttl")
	}
	if c.Pricing.ThrottleFraction <= 0 || c.Pricing.ThrottleFraction > 1 {
		return fmt.Errorf("throttle fraction must be in (0, 1]")
	}

	if c.Telegram.Enabled && (c.Telegram.BotToken == "" || c.Telegram.ChatID == 0) {
		return fmt.Errorf("telegram alerts need bot token and chat id")
	}

	return nil
}

// GetDSN returns the database connection string for the configured driver
func (c *DatabaseConfig) GetDSN() string {
	if c.Driver == "sqlite" {
		return c.Path
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// GetDSN returns the ClickHouse native protocol DSN
func (c *ClickHouseConfig) GetDSN() string {
	return fmt.Sprintf("clickhouse://%s:%s@%s:%d/%s", c.User, c.Password, c.Host, c.Port, c.Database)
}

// Addr returns host:port for redis
func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// CleanBlockedIDs returns the configured blocklist lower-cased with blanks removed.
func (c *ResolverConfig) CleanBlockedIDs() []string {
	out := make([]string, 0, len(c.BlockedIDs))
	for _, id := range c.BlockedIDs {
		id = strings.ToLower(strings.TrimSpace(id))
		if id != "" {
			out = append(out, id)
		}
	}
	return out
}
