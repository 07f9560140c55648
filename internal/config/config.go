package config

import (
	"fmt"
	"log"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string        `mapstructure:"PORT"`
	Env         string        `mapstructure:"ENV"`
	DatabaseURL string        `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32         `mapstructure:"DB_MIN_CONNS"`
	DBSchema    string        `mapstructure:"DB_SCHEMA"`
	RedisURL    string        `mapstructure:"REDIS_URL"`
	CacheTTL    time.Duration `mapstructure:"CACHE_TTL"`

	QueueBackend     string `mapstructure:"QUEUE_BACKEND"`
	AMQPURL          string `mapstructure:"AMQP_URL"`
	QueueMaxAttempts int    `mapstructure:"QUEUE_MAX_ATTEMPTS"`
	QueuePrefetch    int    `mapstructure:"QUEUE_PREFETCH"`
	QueueWorkers     int    `mapstructure:"QUEUE_WORKERS"`

	WebhookQueueCapacity int           `mapstructure:"WEBHOOK_QUEUE_CAPACITY"`
	PollInterval         time.Duration `mapstructure:"POLL_INTERVAL"`
	PollMaxSearchCount   int           `mapstructure:"POLL_MAX_SEARCH_COUNT"`
	ProcessedSetMax      int           `mapstructure:"PROCESSED_SET_MAX"`

	LockTimeout    time.Duration `mapstructure:"LOCK_TIMEOUT"`
	ScriptTimeout  time.Duration `mapstructure:"SCRIPT_TIMEOUT"`
	MaxChainLength int           `mapstructure:"MAX_CHAIN_LENGTH"`

	DHISBaseURL  string `mapstructure:"DHIS_BASE_URL"`
	DHISUsername string `mapstructure:"DHIS_USERNAME"`
	DHISPassword string `mapstructure:"DHIS_PASSWORD"`

	RemoteTimeout   time.Duration `mapstructure:"REMOTE_TIMEOUT"`
	RemoteRetryMax  int           `mapstructure:"REMOTE_RETRY_MAX"`
	RemoteRateLimit float64       `mapstructure:"REMOTE_RATE_LIMIT"`
	RemoteRateBurst int           `mapstructure:"REMOTE_RATE_BURST"`

	BatchJWTSecret string `mapstructure:"BATCH_JWT_SECRET"`
	BatchJWTIssuer string `mapstructure:"BATCH_JWT_ISSUER"`
	BatchJWKSURL   string `mapstructure:"BATCH_JWKS_URL"`
	BatchAudience  string `mapstructure:"BATCH_AUDIENCE"`
	BatchBodyLimit string `mapstructure:"BATCH_BODY_LIMIT"`

	WebhookRateLimit float64 `mapstructure:"WEBHOOK_RATE_LIMIT"`
	WebhookRateBurst int     `mapstructure:"WEBHOOK_RATE_BURST"`

	LogLevel string `mapstructure:"LOG_LEVEL"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8081")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("DB_SCHEMA", "public")
	v.SetDefault("CACHE_TTL", "5m")
	v.SetDefault("QUEUE_BACKEND", "memory")
	v.SetDefault("QUEUE_MAX_ATTEMPTS", 5)
	v.SetDefault("QUEUE_PREFETCH", 10)
	v.SetDefault("QUEUE_WORKERS", 4)
	v.SetDefault("WEBHOOK_QUEUE_CAPACITY", 1000)
	v.SetDefault("POLL_INTERVAL", "1m")
	v.SetDefault("POLL_MAX_SEARCH_COUNT", 100)
	v.SetDefault("PROCESSED_SET_MAX", 10000)
	v.SetDefault("LOCK_TIMEOUT", "30s")
	v.SetDefault("SCRIPT_TIMEOUT", "5s")
	v.SetDefault("MAX_CHAIN_LENGTH", 10)
	v.SetDefault("REMOTE_TIMEOUT", "30s")
	v.SetDefault("REMOTE_RETRY_MAX", 3)
	v.SetDefault("REMOTE_RATE_LIMIT", 20)
	v.SetDefault("REMOTE_RATE_BURST", 10)
	v.SetDefault("BATCH_BODY_LIMIT", "10M")
	v.SetDefault("WEBHOOK_RATE_LIMIT", 20)
	v.SetDefault("WEBHOOK_RATE_BURST", 50)
	v.SetDefault("LOG_LEVEL", "info")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range []string{
		"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "DB_SCHEMA",
		"REDIS_URL", "CACHE_TTL",
		"QUEUE_BACKEND", "AMQP_URL", "QUEUE_MAX_ATTEMPTS", "QUEUE_PREFETCH", "QUEUE_WORKERS",
		"WEBHOOK_QUEUE_CAPACITY", "POLL_INTERVAL", "POLL_MAX_SEARCH_COUNT", "PROCESSED_SET_MAX",
		"LOCK_TIMEOUT", "SCRIPT_TIMEOUT", "MAX_CHAIN_LENGTH",
		"DHIS_BASE_URL", "DHIS_USERNAME", "DHIS_PASSWORD",
		"REMOTE_TIMEOUT", "REMOTE_RETRY_MAX", "REMOTE_RATE_LIMIT", "REMOTE_RATE_BURST",
		"BATCH_JWT_SECRET", "BATCH_JWT_ISSUER", "BATCH_JWKS_URL", "BATCH_AUDIENCE", "BATCH_BODY_LIMIT",
		"WEBHOOK_RATE_LIMIT", "WEBHOOK_RATE_BURST", "LOG_LEVEL",
	} {
		v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() && cfg.BatchJWTSecret == "" && cfg.BatchJWTIssuer == "" {
		log.Println("WARNING: batch endpoint accepts unauthenticated requests (ENV=development).")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// BatchAuthEnabled reports whether bearer tokens are checked on the batch endpoint.
func (c *Config) BatchAuthEnabled() bool {
	return c.BatchJWTSecret != "" || c.BatchJWTIssuer != "" || c.BatchJWKSURL != ""
}

// Validate checks cross-field constraints that Load cannot express as defaults.
func (c *Config) Validate() error {
	switch c.QueueBackend {
	case "memory":
	case "amqp":
		if c.AMQPURL == "" {
			return fmt.Errorf("AMQP_URL is required when QUEUE_BACKEND is \"amqp\"")
		}
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when QUEUE_BACKEND is \"amqp\" (last-value store)")
		}
	default:
		return fmt.Errorf("QUEUE_BACKEND must be \"memory\" or \"amqp\", got %q", c.QueueBackend)
	}
	if c.QueueMaxAttempts < 1 {
		return fmt.Errorf("QUEUE_MAX_ATTEMPTS must be at least 1, got %d", c.QueueMaxAttempts)
	}
	if c.WebhookQueueCapacity < 1 {
		return fmt.Errorf("WEBHOOK_QUEUE_CAPACITY must be at least 1, got %d", c.WebhookQueueCapacity)
	}
	if c.MaxChainLength < 1 {
		return fmt.Errorf("MAX_CHAIN_LENGTH must be at least 1, got %d", c.MaxChainLength)
	}
	if c.DHISBaseURL == "" && !c.IsDev() {
		return fmt.Errorf("DHIS_BASE_URL is required outside development")
	}
	if !c.IsDev() && !c.BatchAuthEnabled() {
		return fmt.Errorf("BATCH_JWT_SECRET or BATCH_JWT_ISSUER must be set outside development")
	}
	return nil
}
