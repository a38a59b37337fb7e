package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isolateHome(t *testing.T) {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, ".config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(home, ".local", "share"))
}

func TestLoad(t *testing.T) {
	ctx := context.Background()

	t.Run("LoadDefaults", func(t *testing.T) {
		isolateHome(t)

		cfg, err := Load(ctx)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		// Verify server defaults
		assert.Equal(t, "localhost", cfg.Server.Host)
		assert.Equal(t, 8080, cfg.Server.Port)
		assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
		assert.Equal(t, time.Duration(0), cfg.Server.WriteTimeout)
		assert.Equal(t, 120*time.Second, cfg.Server.IdleTimeout)
		assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)

		// Verify store defaults
		assert.Equal(t, "libsql", cfg.Store.Driver)
		expectedStorePath := filepath.Join(gfconfig.GetAppDataDir("atelier"), "atelier.db")
		assert.Equal(t, expectedStorePath, cfg.Store.Path)
		assert.Equal(t, "", cfg.Store.URL)

		// Verify admission defaults
		assert.Equal(t, 20, cfg.RateLimit.Limit)
		assert.Equal(t, 60*time.Second, cfg.RateLimit.Window)
		assert.Equal(t, 2*time.Second, cfg.RateLimit.CacheTTL)
		assert.False(t, cfg.RateLimit.FailOpen)
		assert.Equal(t, 24*time.Hour, cfg.Quota.Window)
		assert.Equal(t, QuotaModeCheck, cfg.Quota.Mode)
		assert.Equal(t, map[string]int{"render": 50, "quote": 2, "price_search": 20}, cfg.Quota.Limits)
		assert.Equal(t, CountersBackendSQL, cfg.Counters.Backend)

		// Verify stream defaults
		assert.True(t, cfg.Stream.PersistPartial)
		assert.Equal(t, 5, cfg.Chat.MaxSteps)

		assert.Equal(t, "info", cfg.Logging.Level)
		assert.Equal(t, "STRUCTURED", cfg.Logging.Profile)
		assert.True(t, cfg.Metrics.Enabled)
		assert.Equal(t, 9090, cfg.Metrics.Port)
		assert.True(t, cfg.Health.Enabled)
		assert.False(t, cfg.Debug.Enabled)
		assert.False(t, cfg.Debug.PprofEnabled)
	})

	t.Run("RuntimeOverrides", func(t *testing.T) {
		isolateHome(t)
		overrides := map[string]any{
			"server": map[string]any{
				"port": 9000,
				"host": "0.0.0.0",
			},
			"logging": map[string]any{
				"level": "debug",
			},
			"quota": map[string]any{
				"limits": map[string]any{"render": 2},
			},
		}

		cfg, err := Load(ctx, overrides)
		require.NoError(t, err)

		assert.Equal(t, "0.0.0.0", cfg.Server.Host)
		assert.Equal(t, 9000, cfg.Server.Port)
		assert.Equal(t, "debug", cfg.Logging.Level)
		assert.Equal(t, 2, cfg.Quota.Limits["render"])
		assert.Equal(t, 2, cfg.Quota.Limits["quote"])

		// Verify non-overridden values remain default
		assert.Equal(t, "STRUCTURED", cfg.Logging.Profile)
		assert.Equal(t, 9090, cfg.Metrics.Port)
	})

	t.Run("EnvOverrides", func(t *testing.T) {
		isolateHome(t)
		t.Setenv("ATELIER_PORT", "3000")
		t.Setenv("ATELIER_LOG_LEVEL", "warn")
		t.Setenv("ATELIER_METRICS_ENABLED", "false")
		t.Setenv("ATELIER_RATE_LIMIT", "5")
		t.Setenv("ATELIER_RATE_LIMIT_WINDOW", "10s")
		t.Setenv("ATELIER_QUOTA_MODE", "reserve")
		t.Setenv("ATELIER_QUOTA_LIMIT_RENDER", "7")

		cfg, err := Load(ctx)
		require.NoError(t, err)

		assert.Equal(t, 3000, cfg.Server.Port)
		assert.Equal(t, "warn", cfg.Logging.Level)
		assert.False(t, cfg.Metrics.Enabled)
		assert.Equal(t, 5, cfg.RateLimit.Limit)
		assert.Equal(t, 10*time.Second, cfg.RateLimit.Window)
		assert.True(t, cfg.Quota.ReserveMode())
		limit, ok := cfg.Quota.QuotaLimit("Render")
		assert.True(t, ok)
		assert.Equal(t, 7, limit)
	})

	t.Run("UserConfigFile", func(t *testing.T) {
		isolateHome(t)
		path := DefaultConfigPath()
		require.NotEmpty(t, path)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte("rate_limit:\n  limit: 3\nstore:\n  driver: sqlite\n"), 0o600))

		cfg, err := Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, cfg.RateLimit.Limit)
		assert.Equal(t, "sqlite", cfg.Store.Driver)
	})

	t.Run("ExplicitConfigFile", func(t *testing.T) {
		isolateHome(t)
		user := DefaultConfigPath()
		require.NoError(t, os.MkdirAll(filepath.Dir(user), 0o755))
		require.NoError(t, os.WriteFile(user, []byte("rate_limit:\n  limit: 3\n  window: 2m\n"), 0o600))

		explicit := filepath.Join(t.TempDir(), "atelier.yaml")
		require.NoError(t, os.WriteFile(explicit, []byte("rate_limit:\n  limit: 9\n"), 0o600))

		cfg, err := LoadFile(ctx, explicit)
		require.NoError(t, err)
		assert.Equal(t, 9, cfg.RateLimit.Limit)
		assert.Equal(t, 2*time.Minute, cfg.RateLimit.Window)

		_, err = LoadFile(ctx, filepath.Join(t.TempDir(), "missing.yaml"))
		require.Error(t, err)
	})

	// runtime > env > defaults
	t.Run("ConfigPrecedence", func(t *testing.T) {
		isolateHome(t)
		t.Setenv("ATELIER_PORT", "4000")

		overrides := map[string]any{
			"server": map[string]any{
				"port": 5000,
			},
		}

		cfg, err := Load(ctx, overrides)
		require.NoError(t, err)
		assert.Equal(t, 5000, cfg.Server.Port)
	})

	t.Run("InvalidQuotaMode", func(t *testing.T) {
		isolateHome(t)
		t.Setenv("ATELIER_QUOTA_MODE", "sometimes")

		_, err := Load(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "quota.mode")
	})
}

func TestGetConfig(t *testing.T) {
	isolateHome(t)
	ctx := context.Background()

	cfg, err := Load(ctx)
	require.NoError(t, err)

	retrieved := GetConfig()
	require.NotNil(t, retrieved)
	assert.Equal(t, cfg.Server.Port, retrieved.Server.Port)
	assert.Equal(t, cfg.Logging.Level, retrieved.Logging.Level)
}

func TestEnvSpecs(t *testing.T) {
	isolateHome(t)
	_, err := Load(context.Background())
	require.NoError(t, err)

	specs := getEnvSpecs()
	assert.NotEmpty(t, specs)

	envVarNames := make(map[string]bool)
	for _, spec := range specs {
		envVarNames[spec.Name] = true
	}

	assert.True(t, envVarNames["ATELIER_LOG_LEVEL"], "LOG_LEVEL env var must be mapped")
	assert.True(t, envVarNames["ATELIER_PORT"], "PORT env var must be mapped")
	assert.True(t, envVarNames["ATELIER_HOST"], "HOST env var must be mapped")
	assert.True(t, envVarNames["ATELIER_METRICS_PORT"], "METRICS_PORT env var must be mapped")
	assert.True(t, envVarNames["ATELIER_DB_PATH"], "DB_PATH env var must be mapped")
	assert.True(t, envVarNames["ATELIER_RATE_LIMIT_FAIL_OPEN"], "RATE_LIMIT_FAIL_OPEN env var must be mapped")
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Store:     StoreConfig{Driver: "sqlite"},
			Counters:  CountersConfig{Backend: CountersBackendSQL},
			RateLimit: RateLimitConfig{Limit: 20, Window: time.Minute},
			Quota:     QuotaConfig{Window: 24 * time.Hour, Mode: QuotaModeCheck},
			Chat:      ChatConfig{MaxSteps: 1},
		}
	}

	require.NoError(t, Validate(base()))

	cfg := base()
	cfg.RateLimit.Limit = 0
	assert.Error(t, Validate(cfg))

	cfg = base()
	cfg.Counters.Backend = "memcached"
	assert.Error(t, Validate(cfg))

	cfg = base()
	cfg.Store.Driver = "oracle"
	assert.Error(t, Validate(cfg))

	cfg = base()
	cfg.Quota.Limits = map[string]int{"render": -1}
	assert.Error(t, Validate(cfg))
}
