package config

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all coordinator configuration. Environment variables are the
// primary source; a YAML file can overlay list-valued settings that are
// awkward to express in the environment.
type Config struct {
	Server    ServerConfig
	Backend   BackendConfig
	Identity  IdentityConfig
	Scan      ScanConfig
	KeepAlive KeepAliveConfig
	Store     StoreConfig
	Auth      AuthConfig
	Logging   LogConfig
	RateLimit RateLimitConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8900"`
	Host string `envconfig:"HOST" default:"127.0.0.1"`
}

// BackendConfig holds the remote analysis service configuration.
type BackendConfig struct {
	BaseURL string `envconfig:"BACKEND_URL" default:"http://127.0.0.1:8000"`
}

// IdentityConfig holds the identity provider configuration.
type IdentityConfig struct {
	BaseURL string `envconfig:"IDENTITY_URL" default:""`
	APIKey  string `envconfig:"IDENTITY_API_KEY" default:""`
}

// ScanConfig holds scan lifecycle tunables. Observed deployments vary the
// timeout ceiling between 30s and 120s, so both ends are configurable.
type ScanConfig struct {
	Timeout      time.Duration `envconfig:"SCAN_TIMEOUT" default:"30s"`
	MediaTimeout time.Duration `envconfig:"SCAN_MEDIA_TIMEOUT" default:"120s"`
	RateWindow   time.Duration `envconfig:"SCAN_RATE_WINDOW" default:"2500ms"`
	MaxTextLen   int           `envconfig:"SCAN_MAX_TEXT_LEN" default:"5000"`
	CancelGrace  time.Duration `envconfig:"SCAN_CANCEL_GRACE" default:"2s"`
	StaleAfter   time.Duration `envconfig:"SCAN_STALE_AFTER" default:"5m"`
	HistoryLimit int           `envconfig:"SCAN_HISTORY_LIMIT" default:"50"`
}

// KeepAliveConfig holds liveness keeper configuration. The interval must be
// shorter than the host runtime's idle-suspension threshold.
type KeepAliveConfig struct {
	Interval time.Duration `envconfig:"KEEPALIVE_INTERVAL" default:"20s"`
}

// StoreConfig holds shared state store configuration.
type StoreConfig struct {
	Dir string `envconfig:"STORE_DIR" default:"/tmp/scand-state"`
}

// AuthConfig holds the session gate's external handshake configuration.
// Origins are doublestar patterns, e.g. "https://*.nymai.app".
type AuthConfig struct {
	AllowedOrigins []string `envconfig:"AUTH_ALLOWED_ORIGINS" default:"https://*.nymai.app"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// RateLimitConfig holds HTTP surface rate limiting configuration. This is
// separate from the scan debounce, which the coordinator owns.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"50"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"100"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
}

// fileOverlay is the YAML config file shape. Only settings that do not fit
// the environment well are accepted here.
type fileOverlay struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	BackendURL     string   `yaml:"backend_url"`
	IdentityURL    string   `yaml:"identity_url"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("SCAND", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns defaults.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// LoadFile overlays settings from a YAML file on top of cfg.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var overlay fileOverlay
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	if len(overlay.AllowedOrigins) > 0 {
		c.Auth.AllowedOrigins = overlay.AllowedOrigins
	}
	if overlay.BackendURL != "" {
		c.Backend.BaseURL = overlay.BackendURL
	}
	if overlay.IdentityURL != "" {
		c.Identity.BaseURL = overlay.IdentityURL
	}
	return nil
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: "8900",
			Host: "127.0.0.1",
		},
		Backend: BackendConfig{
			BaseURL: "http://127.0.0.1:8000",
		},
		Scan: ScanConfig{
			Timeout:      30 * time.Second,
			MediaTimeout: 120 * time.Second,
			RateWindow:   2500 * time.Millisecond,
			MaxTextLen:   5000,
			CancelGrace:  2 * time.Second,
			StaleAfter:   5 * time.Minute,
			HistoryLimit: 50,
		},
		KeepAlive: KeepAliveConfig{
			Interval: 20 * time.Second,
		},
		Store: StoreConfig{
			Dir: "/tmp/scand-state",
		},
		Auth: AuthConfig{
			AllowedOrigins: []string{"https://*.nymai.app"},
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 50,
			Burst:             100,
			Enabled:           true,
		},
	}
}
