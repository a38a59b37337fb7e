package config

import (
	"time"
)

// Config represents the complete application configuration.
// Values are layered: built-in defaults, then user config files
// (~/.config/atelier/config.yaml), then environment variables and runtime overrides.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Store     StoreConfig     `mapstructure:"store"`
	Counters  CountersConfig  `mapstructure:"counters"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Quota     QuotaConfig     `mapstructure:"quota"`
	Chat      ChatConfig      `mapstructure:"chat"`
	Stream    StreamConfig    `mapstructure:"stream"`
	Provider  ProviderConfig  `mapstructure:"provider"`
	Media     MediaConfig     `mapstructure:"media"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Health    HealthConfig    `mapstructure:"health"`
	Debug     DebugConfig     `mapstructure:"debug"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// StoreConfig selects the SQL database holding counters and transcripts.
//
// Driver is one of libsql (default), sqlite or postgres.
type StoreConfig struct {
	Driver    string `mapstructure:"driver"`
	Path      string `mapstructure:"path"`
	URL       string `mapstructure:"url"`
	AuthToken string `mapstructure:"auth_token"`
}

// CountersConfig selects where rate windows and quota records live.
type CountersConfig struct {
	// Backend is "sql" (the store database) or "redis".
	Backend       string      `mapstructure:"backend"`
	Redis         RedisConfig `mapstructure:"redis"`
	MaxRetries    int         `mapstructure:"max_retries"`
	SweepSchedule string      `mapstructure:"sweep_schedule"`
}

// RedisConfig contains connection settings for the redis counter backend.
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// RateLimitConfig controls the per-caller sliding window.
type RateLimitConfig struct {
	Limit    int           `mapstructure:"limit"`
	Window   time.Duration `mapstructure:"window"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
	FailOpen bool          `mapstructure:"fail_open"`
}

// QuotaConfig controls per-capability usage caps.
type QuotaConfig struct {
	Window time.Duration  `mapstructure:"window"`
	Mode   string         `mapstructure:"mode"`
	Limits map[string]int `mapstructure:"limits"`
}

// ChatConfig bounds a single conversational turn.
type ChatConfig struct {
	TurnTimeout  time.Duration `mapstructure:"turn_timeout"`
	ToolTimeout  time.Duration `mapstructure:"tool_timeout"`
	MaxSteps     int           `mapstructure:"max_steps"`
	MaxBodyBytes int64         `mapstructure:"max_body_bytes"`
	MaxImages    int           `mapstructure:"max_images"`
	SystemPrompt string        `mapstructure:"system_prompt"`
}

// StreamConfig controls the frame multiplexer.
type StreamConfig struct {
	PersistPartial     bool          `mapstructure:"persist_partial"`
	PersistTimeout     time.Duration `mapstructure:"persist_timeout"`
	WebsocketReadLimit int64         `mapstructure:"websocket_read_limit"`
}

// ProviderConfig points at an OpenAI-compatible model endpoint.
type ProviderConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	APIKey     string        `mapstructure:"api_key"`
	ChatModel  string        `mapstructure:"chat_model"`
	ImageModel string        `mapstructure:"image_model"`
	ImageSize  string        `mapstructure:"image_size"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// MediaConfig controls where rendered images are written and how they are addressed.
type MediaConfig struct {
	Dir            string `mapstructure:"dir"`
	BaseURL        string `mapstructure:"base_url"`
	MaxImageBytes  int64  `mapstructure:"max_image_bytes"`
	MaxImagePixels int    `mapstructure:"max_image_pixels"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	// Level controls the minimum log level
	// Valid values: trace, debug, info, warn, error
	Level string `mapstructure:"level"`

	// Profile selects the logging complexity level
	// Valid values: SIMPLE, STRUCTURED
	Profile string `mapstructure:"profile"`
}

// MetricsConfig contains Prometheus metrics configuration
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// Port is the dedicated metrics endpoint port (Prometheus format)
	Port int `mapstructure:"port"`
}

// HealthConfig contains health check configuration
type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// DebugConfig contains debug and profiling configuration
type DebugConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// PprofEnabled controls whether pprof endpoints are exposed
	// WARNING: Only enable in development/staging environments
	PprofEnabled bool `mapstructure:"pprof_enabled"`
}
