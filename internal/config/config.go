package config

import (
	"strings"
	"time"

	ierr "github.com/flexprice/usagelimiter/internal/errors"
	"github.com/flexprice/usagelimiter/internal/types"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Configuration is the root config object, loaded by viper from (in order of
// increasing precedence) defaults, a config file, a .env file, and the
// process environment - following internal/config's original layering.
type Configuration struct {
	Deployment DeploymentConfig `validate:"required"`
	Server     ServerConfig     `validate:"required"`
	Logging    LoggingConfig    `validate:"required"`
	Cache      CacheConfig      `validate:"required"`
	Limiter    LimiterConfig    `validate:"required"`
	Store      StoreConfig      `validate:"required"`
	Analytics  AnalyticsConfig  `validate:"required"`
	Router     RouterConfig     `validate:"required"`
}

type DeploymentConfig struct {
	Environment types.Environment `mapstructure:"environment" validate:"required"`
}

type ServerConfig struct {
	Address string `mapstructure:"address" validate:"required"`
}

type LoggingConfig struct {
	Level types.LogLevel `mapstructure:"level" validate:"required"`
}

type CacheConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// TTL is the freshness window entitlementcache.Cache serves a cached
	// entitlement without revalidating against the primary DB collaborator.
	TTL time.Duration `mapstructure:"ttl" validate:"required"`
}

// LimiterConfig carries the shard-level TTL/batch knobs from spec section 6.
type LimiterConfig struct {
	// TTLAnalytics is the alarm cadence ceiling: a flush alarm fires at most
	// this long after the last one, default 30s.
	TTLAnalytics time.Duration `mapstructure:"ttl_analytics" validate:"required"`

	// TTLSyncUsage is the cadence at which a shard records a usage-sync
	// timestamp and at which prewarm re-hydrates its entitlements, default
	// 24h (1m in dev). Counters are not pushed to the primary DB.
	TTLSyncUsage time.Duration `mapstructure:"ttl_sync_usage" validate:"required"`

	// TTLPlaceholderRevalidation controls how long a placeholder entitlement
	// memoizes a not-found lookup, default 5m (10s dev, 30s preview).
	TTLPlaceholderRevalidation time.Duration `mapstructure:"ttl_placeholder_revalidation" validate:"required"`

	// DebounceDelay is the cache write-back debounce window, default 2s.
	DebounceDelay time.Duration `mapstructure:"debounce_delay" validate:"required"`

	// MaxFlushInterval forces an immediate write-back once this much time has
	// passed since the last one, default 5s.
	MaxFlushInterval time.Duration `mapstructure:"max_flush_interval" validate:"required"`

	// BatchSize bounds how many rows a single sink ingest call carries.
	BatchSize int `mapstructure:"batch_size" validate:"required"`

	// AlarmMinDelay / AlarmMaxDelay clamp ensureAlarmIsSet's requested delay.
	AlarmMinDelay time.Duration `mapstructure:"alarm_min_delay" validate:"required"`
	AlarmMaxDelay time.Duration `mapstructure:"alarm_max_delay" validate:"required"`

	// HibernateAfterIdle is how long a shard goroutine idles with no pending
	// work before it releases its in-memory state.
	HibernateAfterIdle time.Duration `mapstructure:"hibernate_after_idle" validate:"required"`

	// BroadcastInterval bounds how often the debug stream emits an event per shard.
	BroadcastInterval time.Duration `mapstructure:"broadcast_interval" validate:"required"`
}

// StoreConfig points at the embedded per-shard SQLite databases (C2).
type StoreConfig struct {
	// BaseDir holds one SQLite file per customer: {BaseDir}/{customerID}.db
	BaseDir string `mapstructure:"base_dir" validate:"required"`

	// MigrationsDir is not read by the store: migrations always come from the
	// "migrations" directory embedded in the entitlementstore package.
	MigrationsDir string `mapstructure:"migrations_dir" validate:"required"`
}

// AnalyticsConfig configures the C3 sink client.
type AnalyticsConfig struct {
	Endpoint   string        `mapstructure:"endpoint" validate:"required"`
	Timeout    time.Duration `mapstructure:"timeout" validate:"required"`
	MaxRetries int           `mapstructure:"max_retries" validate:"required"`
}

// RouterConfig configures the C5 front-door isolate-local caches.
type RouterConfig struct {
	HashCacheCapacity int           `mapstructure:"hash_cache_capacity" validate:"required"`
	IdempotencyTTL    time.Duration `mapstructure:"idempotency_ttl" validate:"required"`
	EUJurisdiction    bool          `mapstructure:"eu_jurisdiction_enabled"`
}

// NewConfig loads configuration the way internal/config/config.go does:
// defaults first, then an optional config file, then a .env file, then
// environment variables (highest precedence).
func NewConfig() (*Configuration, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, ierr.WithError(err).
				WithHint("Failed to read config file").
				Mark(ierr.ErrSystem)
		}
	}

	_ = godotenv.Load()

	v.SetEnvPrefix("LIMITER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Configuration
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, ierr.WithError(err).
			WithHint("Failed to unmarshal configuration").
			Mark(ierr.ErrSystem)
	}

	applyEnvironmentOverrides(&cfg)

	validate := validator.New()
	if err := validate.Struct(&cfg); err != nil {
		return nil, ierr.WithError(err).
			WithHint("Configuration failed validation").
			Mark(ierr.ErrValidation)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("deployment.environment", string(types.EnvironmentDevelopment))
	v.SetDefault("server.address", ":8080")
	v.SetDefault("logging.level", string(types.LogLevelInfo))
	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.ttl", 60*time.Second)

	v.SetDefault("limiter.ttl_analytics", 30*time.Second)
	v.SetDefault("limiter.ttl_sync_usage", 24*time.Hour)
	v.SetDefault("limiter.ttl_placeholder_revalidation", 5*time.Minute)
	v.SetDefault("limiter.debounce_delay", 2*time.Second)
	v.SetDefault("limiter.max_flush_interval", 5*time.Second)
	v.SetDefault("limiter.batch_size", 500)
	v.SetDefault("limiter.alarm_min_delay", 5*time.Second)
	v.SetDefault("limiter.alarm_max_delay", 30*time.Minute)
	v.SetDefault("limiter.hibernate_after_idle", 5*time.Minute)
	v.SetDefault("limiter.broadcast_interval", 1*time.Second)

	v.SetDefault("store.base_dir", "./data/shards")
	v.SetDefault("store.migrations_dir", "./internal/entitlementstore/migrations")

	v.SetDefault("analytics.endpoint", "http://localhost:9000/ingest")
	v.SetDefault("analytics.timeout", 10*time.Second)
	v.SetDefault("analytics.max_retries", 3)

	v.SetDefault("router.hash_cache_capacity", 1000)
	v.SetDefault("router.idempotency_ttl", 24*time.Hour)
	v.SetDefault("router.eu_jurisdiction_enabled", true)
}

// applyEnvironmentOverrides shortens TTLs outside production so dev/preview
// runs and tests don't wait on production-scale timers, per spec section 6.
func applyEnvironmentOverrides(cfg *Configuration) {
	switch cfg.Deployment.Environment {
	case types.EnvironmentDevelopment:
		cfg.Limiter.TTLPlaceholderRevalidation = 10 * time.Second
		cfg.Limiter.TTLSyncUsage = 1 * time.Minute
	case types.EnvironmentPreview:
		cfg.Limiter.TTLPlaceholderRevalidation = 30 * time.Second
	}
}
