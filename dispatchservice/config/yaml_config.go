package config

import (
	"fmt"
	"log/slog"
	"time"
)

type YamlStoreConfig struct {
	Driver      string `yaml:"driver"`
	SupabaseURL string `yaml:"supabase_url"`
	DatabaseURL string `yaml:"database_url"`
}

type YamlGatewayConfig struct {
	URL     string `yaml:"url"`
	Timeout string `yaml:"timeout"`
}

type YamlRedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Enabled  bool   `yaml:"enabled"`
	TTL      string `yaml:"ttl"`
}

// YamlConfig is the structure that mirrors the raw config.yaml file.
// Secrets are only read from the environment.
type YamlConfig struct {
	ListenAddr       string            `yaml:"listen_addr"`
	DefaultLimit     int               `yaml:"default_limit"`
	StaleClaimAfter  string            `yaml:"stale_claim_after"`
	ScheduleInterval string            `yaml:"schedule_interval"`
	PushgatewayURL   string            `yaml:"pushgateway_url"`
	StoreConfig      YamlStoreConfig   `yaml:"store"`
	GatewayConfig    YamlGatewayConfig `yaml:"gateway"`
	RedisConfig      YamlRedisConfig   `yaml:"redis"`
}

// NewConfigFromYaml converts the YamlConfig into a clean, base Config struct.
func NewConfigFromYaml(baseCfg *YamlConfig, logger *slog.Logger) (*Config, error) {
	logger.Debug("Mapping YAML config to base config struct")

	cfg := &Config{
		ListenAddr:     baseCfg.ListenAddr,
		DefaultLimit:   baseCfg.DefaultLimit,
		PushgatewayURL: baseCfg.PushgatewayURL,
		Store: StoreConfig{
			Driver:      baseCfg.StoreConfig.Driver,
			SupabaseURL: baseCfg.StoreConfig.SupabaseURL,
			DatabaseURL: baseCfg.StoreConfig.DatabaseURL,
		},
		Gateway: GatewayConfig{
			URL: baseCfg.GatewayConfig.URL,
		},
		Redis: RedisConfig{
			Addr:     baseCfg.RedisConfig.Addr,
			Password: baseCfg.RedisConfig.Password,
			DB:       baseCfg.RedisConfig.DB,
			Enabled:  baseCfg.RedisConfig.Enabled,
		},
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"stale_claim_after", baseCfg.StaleClaimAfter, &cfg.StaleClaimAfter},
		{"schedule_interval", baseCfg.ScheduleInterval, &cfg.ScheduleInterval},
		{"gateway.timeout", baseCfg.GatewayConfig.Timeout, &cfg.Gateway.Timeout},
		{"redis.ttl", baseCfg.RedisConfig.TTL, &cfg.Redis.TTL},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s %q: %w", d.key, d.raw, err)
		}
		*d.dst = v
	}

	logger.Debug("YAML config mapping complete",
		"listen_addr", cfg.ListenAddr,
		"store_driver", cfg.Store.Driver,
		"schedule_interval", cfg.ScheduleInterval,
	)

	return cfg, nil
}
