// Package config provides centralized configuration management for atelier.
// Configuration is assembled in three layers:
// Layer 1: built-in defaults (setDefaults)
// Layer 2: user config files discovered via app identity (XDG paths)
// Layer 3: environment variables and runtime overrides
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fulmenhq/gofulmen/appidentity"
	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/atelierhq/atelier/internal/appid"
)

var (
	// appConfig holds the current application configuration
	appConfig   *Config
	configMu    sync.RWMutex
	appIdentity *appidentity.Identity
)

// EnvVarSpec defines environment variable mappings for config fields
// following the pattern: {PREFIX}{NAME} maps to config path
type EnvVarSpec = gfconfig.EnvVarSpec

// Environment variable types
const (
	EnvString = gfconfig.EnvString
	EnvInt    = gfconfig.EnvInt
	EnvBool   = gfconfig.EnvBool
)

// Quota modes.
const (
	QuotaModeCheck   = "check"
	QuotaModeReserve = "reserve"
)

// Counter backends.
const (
	CountersBackendSQL   = "sql"
	CountersBackendRedis = "redis"
)

// Load resolves configuration from defaults, the user config files, the
// environment and runtimeOverrides, in increasing precedence.
//
// It is safe to call again on reload.
func Load(ctx context.Context, runtimeOverrides ...map[string]any) (*Config, error) {
	return LoadFile(ctx, "", runtimeOverrides...)
}

// LoadFile is Load with an explicit config file merged over the user config
// files. A non-empty path that does not exist is an error.
func LoadFile(ctx context.Context, path string, runtimeOverrides ...map[string]any) (*Config, error) {
	if appIdentity == nil {
		identity, err := appid.Get(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load app identity: %w", err)
		}
		appIdentity = identity
	}

	v := viper.New()
	setDefaults(v)

	for _, candidate := range getUserConfigPaths() {
		if _, err := os.Stat(candidate); err != nil {
			continue
		}
		v.SetConfigFile(candidate)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", candidate, err)
		}
	}
	if path = strings.TrimSpace(path); path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	envOverrides, err := gfconfig.LoadEnvOverrides(getEnvSpecs())
	if err != nil {
		return nil, fmt.Errorf("failed to load environment overrides: %w", err)
	}
	if err := applyQuotaLimitEnvOverrides(envPrefix(), envOverrides); err != nil {
		return nil, err
	}
	if err := v.MergeConfigMap(envOverrides); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	for _, overrides := range runtimeOverrides {
		if len(overrides) == 0 {
			continue
		}
		if err := v.MergeConfigMap(overrides); err != nil {
			return nil, fmt.Errorf("failed to apply runtime overrides: %w", err)
		}
	}

	cfg := &Config{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
			mapstructure.StringToFloat64HookFunc(),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}

	if err := decoder.Decode(v.AllSettings()); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	normalize(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}

	setConfig(cfg)

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "0s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "30s")

	v.SetDefault("store.driver", "libsql")
	v.SetDefault("store.path", "")
	v.SetDefault("store.url", "")
	v.SetDefault("store.auth_token", "")

	v.SetDefault("counters.backend", CountersBackendSQL)
	v.SetDefault("counters.max_retries", 16)
	v.SetDefault("counters.sweep_schedule", "@every 1h")
	v.SetDefault("counters.redis.addr", "localhost:6379")
	v.SetDefault("counters.redis.db", 0)
	v.SetDefault("counters.redis.key_prefix", "atelier:")

	v.SetDefault("rate_limit.limit", 20)
	v.SetDefault("rate_limit.window", "60s")
	v.SetDefault("rate_limit.cache_ttl", "2s")
	v.SetDefault("rate_limit.fail_open", false)

	v.SetDefault("quota.window", "24h")
	v.SetDefault("quota.mode", QuotaModeCheck)
	v.SetDefault("quota.limits", map[string]any{
		"render":       50,
		"quote":        2,
		"price_search": 20,
	})

	v.SetDefault("chat.turn_timeout", "120s")
	v.SetDefault("chat.tool_timeout", "90s")
	v.SetDefault("chat.max_steps", 5)
	v.SetDefault("chat.max_body_bytes", 16<<20)
	v.SetDefault("chat.max_images", 4)
	v.SetDefault("chat.system_prompt", "")

	v.SetDefault("stream.persist_partial", true)
	v.SetDefault("stream.persist_timeout", "10s")
	v.SetDefault("stream.websocket_read_limit", 16<<20)

	v.SetDefault("provider.base_url", "https://api.openai.com/v1")
	v.SetDefault("provider.chat_model", "gpt-4o-mini")
	v.SetDefault("provider.image_model", "gpt-image-1")
	v.SetDefault("provider.image_size", "1024x1024")
	v.SetDefault("provider.timeout", "60s")

	v.SetDefault("media.dir", "")
	v.SetDefault("media.base_url", "/media")
	v.SetDefault("media.max_image_bytes", 8<<20)
	v.SetDefault("media.max_image_pixels", 4096*4096)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "STRUCTURED")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)

	v.SetDefault("health.enabled", true)

	v.SetDefault("debug.enabled", false)
	v.SetDefault("debug.pprof_enabled", false)
}

func normalize(cfg *Config) {
	cfg.Store.Driver = strings.ToLower(strings.TrimSpace(cfg.Store.Driver))
	cfg.Counters.Backend = strings.ToLower(strings.TrimSpace(cfg.Counters.Backend))
	cfg.Quota.Mode = strings.ToLower(strings.TrimSpace(cfg.Quota.Mode))

	if cfg.Store.Driver != "postgres" && strings.TrimSpace(cfg.Store.URL) == "" && strings.TrimSpace(cfg.Store.Path) == "" {
		cfg.Store.Path = DefaultStorePath()
	}
	if strings.TrimSpace(cfg.Media.Dir) == "" {
		cfg.Media.Dir = filepath.Join(DefaultDataDir(), "media")
	}

	limits := make(map[string]int, len(cfg.Quota.Limits))
	for name, limit := range cfg.Quota.Limits {
		limits[strings.ToLower(strings.TrimSpace(name))] = limit
	}
	cfg.Quota.Limits = limits
}

// Validate rejects configurations the service cannot run with.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.RateLimit.Limit <= 0 {
		return fmt.Errorf("rate_limit.limit must be positive, got %d", cfg.RateLimit.Limit)
	}
	if cfg.RateLimit.Window <= 0 {
		return fmt.Errorf("rate_limit.window must be positive, got %s", cfg.RateLimit.Window)
	}
	if cfg.RateLimit.CacheTTL < 0 {
		return fmt.Errorf("rate_limit.cache_ttl must not be negative")
	}
	if cfg.Quota.Window <= 0 {
		return fmt.Errorf("quota.window must be positive, got %s", cfg.Quota.Window)
	}
	switch cfg.Quota.Mode {
	case QuotaModeCheck, QuotaModeReserve:
	default:
		return fmt.Errorf("quota.mode must be %q or %q, got %q", QuotaModeCheck, QuotaModeReserve, cfg.Quota.Mode)
	}
	for name, limit := range cfg.Quota.Limits {
		if limit < 0 {
			return fmt.Errorf("quota.limits.%s must not be negative", name)
		}
	}
	switch cfg.Counters.Backend {
	case CountersBackendSQL, CountersBackendRedis:
	default:
		return fmt.Errorf("counters.backend must be %q or %q, got %q", CountersBackendSQL, CountersBackendRedis, cfg.Counters.Backend)
	}
	switch cfg.Store.Driver {
	case "libsql", "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
	if cfg.Chat.MaxSteps <= 0 {
		return fmt.Errorf("chat.max_steps must be positive")
	}
	return nil
}

// GetConfig returns the current application configuration (thread-safe)
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// setConfig updates the current configuration (thread-safe)
func setConfig(cfg *Config) {
	configMu.Lock()
	defer configMu.Unlock()
	appConfig = cfg
}

// getUserConfigPaths returns the list of user config file paths to check,
// lowest precedence first.
func getUserConfigPaths() []string {
	if appIdentity == nil {
		return []string{}
	}

	appName, binaryName := appNamesForPaths()
	legacyNames := []string{}
	if binaryName != appName {
		legacyNames = append(legacyNames, binaryName)
	}

	paths := gfconfig.GetAppConfigPaths(appName, legacyNames...)
	ordered := make([]string, 0, len(paths))
	for i := len(paths) - 1; i >= 0; i-- {
		ordered = append(ordered, paths[i])
	}
	return ordered
}

func envPrefix() string {
	return appid.EnvPrefix(appIdentity)
}

// getEnvSpecs returns environment variable specifications for config mapping
// Maps {PREFIX}{NAME} environment variables to config paths
func getEnvSpecs() []EnvVarSpec {
	prefix := envPrefix()

	return []EnvVarSpec{
		// Server config
		{Name: prefix + "HOST", Path: []string{"server", "host"}, Type: EnvString},
		{Name: prefix + "PORT", Path: []string{"server", "port"}, Type: EnvInt},
		// Duration fields are parsed as strings and converted by mapstructure decode hook
		{Name: prefix + "READ_TIMEOUT", Path: []string{"server", "read_timeout"}, Type: EnvString},
		{Name: prefix + "WRITE_TIMEOUT", Path: []string{"server", "write_timeout"}, Type: EnvString},
		{Name: prefix + "IDLE_TIMEOUT", Path: []string{"server", "idle_timeout"}, Type: EnvString},
		{Name: prefix + "SHUTDOWN_TIMEOUT", Path: []string{"server", "shutdown_timeout"}, Type: EnvString},

		{Name: prefix + "LOG_LEVEL", Path: []string{"logging", "level"}, Type: EnvString},
		{Name: prefix + "LOG_PROFILE", Path: []string{"logging", "profile"}, Type: EnvString},

		// Store config
		{Name: prefix + "DB_DRIVER", Path: []string{"store", "driver"}, Type: EnvString},
		{Name: prefix + "DB_PATH", Path: []string{"store", "path"}, Type: EnvString},
		{Name: prefix + "DB_URL", Path: []string{"store", "url"}, Type: EnvString},
		{Name: prefix + "DB_AUTH_TOKEN", Path: []string{"store", "auth_token"}, Type: EnvString},

		// Counter backend
		{Name: prefix + "COUNTERS_BACKEND", Path: []string{"counters", "backend"}, Type: EnvString},
		{Name: prefix + "COUNTERS_MAX_RETRIES", Path: []string{"counters", "max_retries"}, Type: EnvInt},
		{Name: prefix + "COUNTERS_SWEEP_SCHEDULE", Path: []string{"counters", "sweep_schedule"}, Type: EnvString},
		{Name: prefix + "REDIS_ADDR", Path: []string{"counters", "redis", "addr"}, Type: EnvString},
		{Name: prefix + "REDIS_PASSWORD", Path: []string{"counters", "redis", "password"}, Type: EnvString},
		{Name: prefix + "REDIS_DB", Path: []string{"counters", "redis", "db"}, Type: EnvInt},
		{Name: prefix + "REDIS_KEY_PREFIX", Path: []string{"counters", "redis", "key_prefix"}, Type: EnvString},

		// Admission control
		{Name: prefix + "RATE_LIMIT", Path: []string{"rate_limit", "limit"}, Type: EnvInt},
		{Name: prefix + "RATE_LIMIT_WINDOW", Path: []string{"rate_limit", "window"}, Type: EnvString},
		{Name: prefix + "RATE_LIMIT_CACHE_TTL", Path: []string{"rate_limit", "cache_ttl"}, Type: EnvString},
		{Name: prefix + "RATE_LIMIT_FAIL_OPEN", Path: []string{"rate_limit", "fail_open"}, Type: EnvBool},
		{Name: prefix + "QUOTA_WINDOW", Path: []string{"quota", "window"}, Type: EnvString},
		{Name: prefix + "QUOTA_MODE", Path: []string{"quota", "mode"}, Type: EnvString},

		// Chat and streaming
		{Name: prefix + "CHAT_TURN_TIMEOUT", Path: []string{"chat", "turn_timeout"}, Type: EnvString},
		{Name: prefix + "CHAT_TOOL_TIMEOUT", Path: []string{"chat", "tool_timeout"}, Type: EnvString},
		{Name: prefix + "CHAT_MAX_STEPS", Path: []string{"chat", "max_steps"}, Type: EnvInt},
		{Name: prefix + "CHAT_SYSTEM_PROMPT", Path: []string{"chat", "system_prompt"}, Type: EnvString},
		{Name: prefix + "STREAM_PERSIST_PARTIAL", Path: []string{"stream", "persist_partial"}, Type: EnvBool},

		// Provider
		{Name: prefix + "PROVIDER_BASE_URL", Path: []string{"provider", "base_url"}, Type: EnvString},
		{Name: prefix + "PROVIDER_API_KEY", Path: []string{"provider", "api_key"}, Type: EnvString},
		{Name: prefix + "PROVIDER_CHAT_MODEL", Path: []string{"provider", "chat_model"}, Type: EnvString},
		{Name: prefix + "PROVIDER_IMAGE_MODEL", Path: []string{"provider", "image_model"}, Type: EnvString},
		{Name: prefix + "PROVIDER_IMAGE_SIZE", Path: []string{"provider", "image_size"}, Type: EnvString},
		{Name: prefix + "PROVIDER_TIMEOUT", Path: []string{"provider", "timeout"}, Type: EnvString},

		// Media
		{Name: prefix + "MEDIA_DIR", Path: []string{"media", "dir"}, Type: EnvString},
		{Name: prefix + "MEDIA_BASE_URL", Path: []string{"media", "base_url"}, Type: EnvString},

		// Metrics config
		{Name: prefix + "METRICS_ENABLED", Path: []string{"metrics", "enabled"}, Type: EnvBool},
		{Name: prefix + "METRICS_PORT", Path: []string{"metrics", "port"}, Type: EnvInt},

		// Health config
		{Name: prefix + "HEALTH_ENABLED", Path: []string{"health", "enabled"}, Type: EnvBool},

		// Debug config
		{Name: prefix + "DEBUG_ENABLED", Path: []string{"debug", "enabled"}, Type: EnvBool},
		{Name: prefix + "DEBUG_PPROF_ENABLED", Path: []string{"debug", "pprof_enabled"}, Type: EnvBool},
	}
}

// applyQuotaLimitEnvOverrides maps {PREFIX}QUOTA_LIMIT_<CAPABILITY>=<n> onto quota.limits.
func applyQuotaLimitEnvOverrides(prefix string, envOverrides map[string]any) error {
	limitPrefix := prefix + "QUOTA_LIMIT_"
	for _, item := range os.Environ() {
		key, value, ok := strings.Cut(item, "=")
		if !ok || !strings.HasPrefix(key, limitPrefix) {
			continue
		}
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		capability := toSlug(key[len(limitPrefix):])
		if capability == "" {
			continue
		}
		limit, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		quota := ensureMap(envOverrides, "quota")
		limits := ensureMap(quota, "limits")
		limits[capability] = limit
	}
	return nil
}

func ensureMap(parent map[string]any, key string) map[string]any {
	if existing, ok := parent[key].(map[string]any); ok {
		return existing
	}
	created := map[string]any{}
	parent[key] = created
	return created
}

func toSlug(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

func appNamesForPaths() (configName string, binaryName string) {
	return appid.ConfigName(appIdentity), appid.BinaryName(appIdentity)
}

// DefaultConfigPath returns the XDG-compliant path to the user config file.
func DefaultConfigPath() string {
	configName, _ := appNamesForPaths()
	configDir := gfconfig.GetAppConfigDir(configName)
	if strings.TrimSpace(configDir) == "" {
		return ""
	}
	return filepath.Join(configDir, "config.yaml")
}

// DefaultDataDir returns the XDG-compliant data directory for the app.
func DefaultDataDir() string {
	configName, _ := appNamesForPaths()
	dir := gfconfig.GetAppDataDir(configName)
	if strings.TrimSpace(dir) == "" {
		return "."
	}
	return dir
}

// DefaultStorePath returns the XDG-compliant path to the database file.
func DefaultStorePath() string {
	configName, binaryName := appNamesForPaths()
	dataDir := gfconfig.GetAppDataDir(configName)
	if strings.TrimSpace(dataDir) == "" {
		return "./" + binaryName + ".db"
	}
	return filepath.Join(dataDir, binaryName+".db")
}

// QuotaLimit returns the configured limit for a capability and whether it is known.
func (q QuotaConfig) QuotaLimit(capability string) (int, bool) {
	limit, ok := q.Limits[strings.ToLower(strings.TrimSpace(capability))]
	return limit, ok
}

// ReserveMode reports whether quota checks reserve capacity atomically.
func (q QuotaConfig) ReserveMode() bool {
	return q.Mode == QuotaModeReserve
}

// durationOr returns d when positive, otherwise fallback.
func durationOr(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}

// PersistTimeoutOrDefault bounds terminal persistence when unset.
func (s StreamConfig) PersistTimeoutOrDefault() time.Duration {
	return durationOr(s.PersistTimeout, 10*time.Second)
}
