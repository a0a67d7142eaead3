package config_test

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-outbox-dispatcher/dispatchservice/config"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestUpdateConfigWithEnvOverrides(t *testing.T) {
	logger := newTestLogger()

	baseConfig := func() *config.Config {
		return &config.Config{
			ListenAddr:   ":8080",
			DefaultLimit: 20,
			Store: config.StoreConfig{
				Driver:      config.DriverSupabase,
				SupabaseURL: "https://base.supabase.co",
			},
		}
	}

	t.Run("Success - All overrides applied", func(t *testing.T) {
		cfg := baseConfig()

		t.Setenv("PORT", "9090")
		t.Setenv("DISPATCH_SECRET", "s3cret")
		t.Setenv("DEFAULT_LIMIT", "50")
		t.Setenv("STALE_CLAIM_AFTER", "15m")
		t.Setenv("SCHEDULE_INTERVAL", "30s")
		t.Setenv("STORE_DRIVER", "postgres")
		t.Setenv("DATABASE_URL", "postgres://localhost/outbox")
		t.Setenv("SUPABASE_SERVICE_ROLE_KEY", "service-key")
		t.Setenv("EXPO_PUSH_URL", "http://expo.local/push")
		t.Setenv("EXPO_ACCESS_TOKEN", "expo-token")
		t.Setenv("GATEWAY_TIMEOUT", "5s")
		t.Setenv("REDIS_ADDR", "localhost:6379")
		t.Setenv("REDIS_DB", "2")
		t.Setenv("TOKEN_CACHE_TTL", "1m")
		t.Setenv("PUSHGATEWAY_URL", "http://pushgateway:9091")

		finalCfg, err := config.UpdateConfigWithEnvOverrides(cfg, logger)
		require.NoError(t, err)

		assert.Equal(t, ":9090", finalCfg.ListenAddr)
		assert.Equal(t, "s3cret", finalCfg.DispatchSecret)
		assert.Equal(t, 50, finalCfg.DefaultLimit)
		assert.Equal(t, 15*time.Minute, finalCfg.StaleClaimAfter)
		assert.Equal(t, 30*time.Second, finalCfg.ScheduleInterval)

		assert.Equal(t, config.DriverPostgres, finalCfg.Store.Driver)
		assert.Equal(t, "postgres://localhost/outbox", finalCfg.Store.DatabaseURL)
		assert.Equal(t, "service-key", finalCfg.Store.SupabaseServiceRoleKey)
		assert.True(t, finalCfg.Store.Configured())

		assert.Equal(t, "http://expo.local/push", finalCfg.Gateway.URL)
		assert.Equal(t, "expo-token", finalCfg.Gateway.AccessToken)
		assert.Equal(t, 5*time.Second, finalCfg.Gateway.Timeout)

		assert.True(t, finalCfg.Redis.Enabled, "setting REDIS_ADDR enables the cache")
		assert.Equal(t, 2, finalCfg.Redis.DB)
		assert.Equal(t, time.Minute, finalCfg.Redis.TTL)
		assert.Equal(t, "http://pushgateway:9091", finalCfg.PushgatewayURL)
	})

	t.Run("Success - Defaults applied", func(t *testing.T) {
		finalCfg, err := config.UpdateConfigWithEnvOverrides(&config.Config{}, logger)
		require.NoError(t, err)

		assert.Equal(t, ":8080", finalCfg.ListenAddr)
		assert.Equal(t, 20, finalCfg.DefaultLimit)
		assert.Equal(t, config.DriverSupabase, finalCfg.Store.Driver)
		assert.Zero(t, finalCfg.StaleClaimAfter, "reclaim is off by default")
		assert.Zero(t, finalCfg.ScheduleInterval)
		assert.Equal(t, 5*time.Minute, finalCfg.Redis.TTL)
	})

	t.Run("Success - Missing store credentials do not fail startup", func(t *testing.T) {
		finalCfg, err := config.UpdateConfigWithEnvOverrides(baseConfig(), logger)
		require.NoError(t, err)
		assert.False(t, finalCfg.Store.Configured())
	})

	t.Run("Success - Default limit is clamped", func(t *testing.T) {
		cfg := baseConfig()
		t.Setenv("DEFAULT_LIMIT", "500")
		finalCfg, err := config.UpdateConfigWithEnvOverrides(cfg, logger)
		require.NoError(t, err)
		assert.Equal(t, 100, finalCfg.DefaultLimit)
	})

	t.Run("Success - Invalid duration override is ignored", func(t *testing.T) {
		cfg := baseConfig()
		cfg.ScheduleInterval = time.Minute
		t.Setenv("SCHEDULE_INTERVAL", "soon")
		finalCfg, err := config.UpdateConfigWithEnvOverrides(cfg, logger)
		require.NoError(t, err)
		assert.Equal(t, time.Minute, finalCfg.ScheduleInterval)
	})

	t.Run("Validation Failure - Unknown driver", func(t *testing.T) {
		cfg := baseConfig()
		cfg.Store.Driver = "firestore"
		_, err := config.UpdateConfigWithEnvOverrides(cfg, logger)
		assert.ErrorContains(t, err, "not supported")
	})

	t.Run("Validation Failure - Redis enabled without addr", func(t *testing.T) {
		cfg := baseConfig()
		cfg.Redis.Enabled = true
		_, err := config.UpdateConfigWithEnvOverrides(cfg, logger)
		assert.Error(t, err)
	})
}

func TestStoreConfig_Configured(t *testing.T) {
	testCases := []struct {
		name string
		cfg  config.StoreConfig
		want bool
	}{
		{"supabase complete", config.StoreConfig{Driver: "supabase", SupabaseURL: "u", SupabaseServiceRoleKey: "k"}, true},
		{"supabase missing key", config.StoreConfig{Driver: "supabase", SupabaseURL: "u"}, false},
		{"postgres", config.StoreConfig{Driver: "postgres", DatabaseURL: "postgres://x"}, true},
		{"postgres missing url", config.StoreConfig{Driver: "postgres"}, false},
		{"memory", config.StoreConfig{Driver: "memory"}, true},
		{"unknown", config.StoreConfig{Driver: "other"}, false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.cfg.Configured())
		})
	}
}
