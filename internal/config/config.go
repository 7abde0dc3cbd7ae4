// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file, and a .env file in the working
// directory is loaded into the environment first.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example GEMINI_API_KEYS becomes
// gemini_api_keys in YAML.
//
// GATEWAY_API_KEY, GEMINI_API_KEYS and GEMINI_API_BASE_URL are required;
// the gateway refuses to start without them.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"

	"github.com/nulpointcorp/gemini-gateway/internal/keypool"
	"github.com/nulpointcorp/gemini-gateway/internal/translate"
)

// ErrInvalid wraps every validation failure. A config error is fatal.
var ErrInvalid = errors.New("config: invalid configuration")

// Config is the top-level configuration container.
type Config struct {
	// Host and Port form the listen address. Defaults: 0.0.0.0 and 5000.
	Host string
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// GatewayKey is the single bearer token clients must present.
	GatewayKey string

	// Gemini holds the backend endpoint and credential pool.
	Gemini GeminiConfig

	// Dialect selects structured translation or OpenAI-compatible
	// pass-through. Default: structured.
	Dialect translate.Dialect

	// UpstreamTimeout bounds the wait for backend response headers.
	// Default: 180s.
	UpstreamTimeout time.Duration

	// MaxBodySize is the largest request body accepted, in bytes.
	// Default: 16 MiB.
	MaxBodySize int

	// Redis enables the shared rotation cursor when URL is set.
	Redis RedisConfig

	// ProbeInterval is how often the backend readiness probe runs.
	// 0 disables it. Default: 30s.
	ProbeInterval time.Duration

	// MetricsEnabled exposes GET /metrics. Default: true.
	MetricsEnabled bool

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default).
	CORSOrigins []string
}

// GeminiConfig describes the backend.
type GeminiConfig struct {
	// Keys is the raw comma-separated credential list (GEMINI_API_KEYS).
	Keys string

	// BaseURL is the backend root, e.g. https://generativelanguage.googleapis.com.
	// In passthrough mode it is the OpenAI-compatible root the inbound path
	// is appended to.
	BaseURL string

	// APIVersion is the path segment after BaseURL. Default: v1beta.
	APIVersion string

	// DefaultModel is used when the client does not name one.
	// Default: gemini-2.0-flash.
	DefaultModel string
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string

	// CursorName overrides the shared cursor key name. By default it is
	// derived from the key list so unrelated pools never collide.
	CursorName string
}

// Addr returns the host:port listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Load reads configuration from .env, config.yaml and the environment.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	return FromViper(v)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PROXY_HOST", "0.0.0.0")
	v.SetDefault("PROXY_PORT", 5000)
	v.SetDefault("LOG_LEVEL", "info")

	v.SetDefault("GEMINI_API_BASE_URL", "https://generativelanguage.googleapis.com")
	v.SetDefault("GEMINI_API_VERSION", "v1beta")
	v.SetDefault("DEFAULT_MODEL", "gemini-2.0-flash")
	v.SetDefault("GATEWAY_DIALECT", string(translate.DialectStructured))

	v.SetDefault("UPSTREAM_TIMEOUT", "180s")
	v.SetDefault("MAX_BODY_SIZE", 16<<20)
	v.SetDefault("PROBE_INTERVAL", "30s")
	v.SetDefault("METRICS_ENABLED", true)
	v.SetDefault("CORS_ORIGINS", []string{"*"})
}

// FromViper builds and validates a Config from an already populated viper
// instance. Load uses it; tests call it directly.
func FromViper(v *viper.Viper) (*Config, error) {
	dialect, err := translate.ParseDialect(v.GetString("GATEWAY_DIALECT"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	cfg := &Config{
		Host:     v.GetString("PROXY_HOST"),
		Port:     v.GetInt("PROXY_PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		GatewayKey: strings.TrimSpace(v.GetString("GATEWAY_API_KEY")),

		Gemini: GeminiConfig{
			Keys:         v.GetString("GEMINI_API_KEYS"),
			BaseURL:      strings.TrimSpace(v.GetString("GEMINI_API_BASE_URL")),
			APIVersion:   strings.Trim(v.GetString("GEMINI_API_VERSION"), "/ "),
			DefaultModel: strings.TrimSpace(v.GetString("DEFAULT_MODEL")),
		},

		Dialect: dialect,

		UpstreamTimeout: v.GetDuration("UPSTREAM_TIMEOUT"),
		MaxBodySize:     v.GetInt("MAX_BODY_SIZE"),

		Redis: RedisConfig{
			URL:        v.GetString("REDIS_URL"),
			CursorName: v.GetString("REDIS_CURSOR_NAME"),
		},

		ProbeInterval:  v.GetDuration("PROBE_INTERVAL"),
		MetricsEnabled: v.GetBool("METRICS_ENABLED"),
		CORSOrigins:    v.GetStringSlice("CORS_ORIGINS"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if c.GatewayKey == "" {
		return fmt.Errorf("%w: GATEWAY_API_KEY is required", ErrInvalid)
	}

	if len(keypool.Split(c.Gemini.Keys)) == 0 {
		return fmt.Errorf("%w: GEMINI_API_KEYS must contain at least one non-empty key", ErrInvalid)
	}

	if c.Gemini.BaseURL == "" {
		return fmt.Errorf("%w: GEMINI_API_BASE_URL is required", ErrInvalid)
	}
	u, err := url.Parse(c.Gemini.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%w: GEMINI_API_BASE_URL %q is not an absolute URL", ErrInvalid, c.Gemini.BaseURL)
	}

	if c.Dialect == translate.DialectStructured {
		if c.Gemini.APIVersion == "" {
			return fmt.Errorf("%w: GEMINI_API_VERSION must not be empty", ErrInvalid)
		}
		if c.Gemini.DefaultModel == "" {
			return fmt.Errorf("%w: DEFAULT_MODEL must not be empty", ErrInvalid)
		}
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"%w: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			ErrInvalid, c.LogLevel,
		)
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("%w: PROXY_PORT must be between 1 and 65535, got %d", ErrInvalid, c.Port)
	}
	if c.UpstreamTimeout <= 0 {
		return fmt.Errorf("%w: UPSTREAM_TIMEOUT must be a positive duration", ErrInvalid)
	}
	if c.MaxBodySize <= 0 {
		return fmt.Errorf("%w: MAX_BODY_SIZE must be positive, got %d", ErrInvalid, c.MaxBodySize)
	}
	if c.ProbeInterval < 0 {
		return fmt.Errorf("%w: PROBE_INTERVAL must not be negative", ErrInvalid)
	}

	return nil
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
