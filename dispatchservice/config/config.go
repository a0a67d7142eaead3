package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"
)

// Store drivers.
const (
	DriverSupabase = "supabase"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

const (
	defaultListenAddr    = ":8080"
	defaultLimit         = 20
	maxLimit             = 100
	defaultTokenCacheTTL = 5 * time.Minute
)

type StoreConfig struct {
	Driver                 string
	SupabaseURL            string
	SupabaseServiceRoleKey string
	DatabaseURL            string
}

// Configured reports whether the selected driver has the credentials it
// needs. An unconfigured store is not a startup error; dispatch requests are
// rejected instead.
func (s StoreConfig) Configured() bool {
	switch s.Driver {
	case DriverSupabase:
		return s.SupabaseURL != "" && s.SupabaseServiceRoleKey != ""
	case DriverPostgres:
		return s.DatabaseURL != ""
	case DriverMemory:
		return true
	default:
		return false
	}
}

type GatewayConfig struct {
	URL         string
	AccessToken string
	Timeout     time.Duration
}

type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// Config defines the *single*, authoritative configuration.
type Config struct {
	ListenAddr     string
	DispatchSecret string
	DefaultLimit   int

	// StaleClaimAfter requeues rows claimed longer ago than this before each
	// claim. Zero disables it.
	StaleClaimAfter time.Duration
	// ScheduleInterval runs the dispatcher in-process on a ticker. Zero
	// leaves invocation to the HTTP endpoint.
	ScheduleInterval time.Duration

	Store          StoreConfig
	Gateway        GatewayConfig
	Redis          RedisConfig
	PushgatewayURL string
}

// UpdateConfigWithEnvOverrides applies environment variables and final validation.
func UpdateConfigWithEnvOverrides(cfg *Config, logger *slog.Logger) (*Config, error) {
	logger.Debug("Applying environment variable overrides...")

	// 1. Apply Environment Overrides
	if val := os.Getenv("LISTEN_ADDR"); val != "" {
		logger.Debug("Overriding config value", "key", "LISTEN_ADDR", "source", "env")
		cfg.ListenAddr = val
	}
	if val := os.Getenv("PORT"); val != "" {
		logger.Debug("Overriding config value", "key", "PORT", "source", "env")
		cfg.ListenAddr = ":" + val
	}
	if val := os.Getenv("DISPATCH_SECRET"); val != "" {
		logger.Debug("Overriding config value", "key", "DISPATCH_SECRET", "source", "env")
		cfg.DispatchSecret = val
	}
	if val := os.Getenv("DEFAULT_LIMIT"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			logger.Debug("Overriding config value", "key", "DEFAULT_LIMIT", "source", "env")
			cfg.DefaultLimit = n
		}
	}
	overrideDuration("STALE_CLAIM_AFTER", &cfg.StaleClaimAfter, logger)
	overrideDuration("SCHEDULE_INTERVAL", &cfg.ScheduleInterval, logger)

	// Store Overrides
	if val := os.Getenv("STORE_DRIVER"); val != "" {
		logger.Debug("Overriding config value", "key", "STORE_DRIVER", "source", "env")
		cfg.Store.Driver = val
	}
	if val := os.Getenv("SUPABASE_URL"); val != "" {
		logger.Debug("Overriding config value", "key", "SUPABASE_URL", "source", "env")
		cfg.Store.SupabaseURL = val
	}
	if val := os.Getenv("SUPABASE_SERVICE_ROLE_KEY"); val != "" {
		logger.Debug("Overriding config value", "key", "SUPABASE_SERVICE_ROLE_KEY", "source", "env")
		cfg.Store.SupabaseServiceRoleKey = val
	}
	if val := os.Getenv("DATABASE_URL"); val != "" {
		logger.Debug("Overriding config value", "key", "DATABASE_URL", "source", "env")
		cfg.Store.DatabaseURL = val
	}

	// Gateway Overrides
	if val := os.Getenv("EXPO_PUSH_URL"); val != "" {
		logger.Debug("Overriding config value", "key", "EXPO_PUSH_URL", "source", "env")
		cfg.Gateway.URL = val
	}
	if val := os.Getenv("EXPO_ACCESS_TOKEN"); val != "" {
		logger.Debug("Overriding config value", "key", "EXPO_ACCESS_TOKEN", "source", "env")
		cfg.Gateway.AccessToken = val
	}
	overrideDuration("GATEWAY_TIMEOUT", &cfg.Gateway.Timeout, logger)

	// Redis Overrides
	if val := os.Getenv("REDIS_ADDR"); val != "" {
		cfg.Redis.Addr = val
		cfg.Redis.Enabled = true
	}
	if val := os.Getenv("REDIS_PASSWORD"); val != "" {
		cfg.Redis.Password = val
	}
	if val := os.Getenv("REDIS_DB"); val != "" {
		if db, err := strconv.Atoi(val); err == nil {
			cfg.Redis.DB = db
		}
	}
	if val := os.Getenv("REDIS_ENABLED"); val != "" {
		enabled, _ := strconv.ParseBool(val)
		cfg.Redis.Enabled = enabled
	}
	overrideDuration("TOKEN_CACHE_TTL", &cfg.Redis.TTL, logger)

	if val := os.Getenv("PUSHGATEWAY_URL"); val != "" {
		logger.Debug("Overriding config value", "key", "PUSHGATEWAY_URL", "source", "env")
		cfg.PushgatewayURL = val
	}

	// 2. Final Validation
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = DriverSupabase
	}
	switch cfg.Store.Driver {
	case DriverSupabase, DriverPostgres, DriverMemory:
	default:
		return nil, fmt.Errorf("store driver %q is not supported (supabase, postgres or memory)", cfg.Store.Driver)
	}
	if !cfg.Store.Configured() {
		logger.Warn("Store credentials missing; dispatch requests will be rejected", "driver", cfg.Store.Driver)
	}
	if cfg.DefaultLimit == 0 {
		cfg.DefaultLimit = defaultLimit
	}
	cfg.DefaultLimit = max(1, min(maxLimit, cfg.DefaultLimit))
	if cfg.StaleClaimAfter < 0 {
		return nil, fmt.Errorf("stale_claim_after must not be negative, got %s", cfg.StaleClaimAfter)
	}
	if cfg.ScheduleInterval < 0 {
		return nil, fmt.Errorf("schedule_interval must not be negative, got %s", cfg.ScheduleInterval)
	}
	if cfg.Redis.Enabled && cfg.Redis.Addr == "" {
		return nil, fmt.Errorf("redis is enabled but no addr is set (set via YAML or REDIS_ADDR env var)")
	}
	if cfg.Redis.TTL <= 0 {
		cfg.Redis.TTL = defaultTokenCacheTTL
	}

	logger.Debug("Configuration finalized and validated successfully")
	return cfg, nil
}

func overrideDuration(key string, dst *time.Duration, logger *slog.Logger) {
	val := os.Getenv(key)
	if val == "" {
		return
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		logger.Warn("Ignoring invalid duration override", "key", key, "value", val, "err", err)
		return
	}
	logger.Debug("Overriding config value", "key", key, "source", "env")
	*dst = d
}
