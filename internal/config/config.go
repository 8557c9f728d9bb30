// Package config loads livechat settings from LIVECHAT_* environment
// variables. Commands overlay their flags on the parsed values.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/gastownhall/livechat/internal/conn"
	"github.com/gastownhall/livechat/internal/localstore"
)

// Config is the client configuration.
type Config struct {
	ServerURL string `env:"LIVECHAT_SERVER_URL" envDefault:"http://localhost:8090"`
	WSPath    string `env:"LIVECHAT_WS_PATH" envDefault:"/ws"`
	// AuthToken is the bearer used when no session token is stored. It
	// shares its variable with the dev server so one export serves both.
	AuthToken string `env:"LIVECHAT_AUTH_TOKEN"`

	StoreBackend string `env:"LIVECHAT_STORE" envDefault:"file"`
	// StorePath defaults to a per-backend location under the user config dir.
	StorePath string `env:"LIVECHAT_STORE_PATH"`

	LogLevel string `env:"LIVECHAT_LOG_LEVEL" envDefault:"warn"`
	LogSink  string `env:"LIVECHAT_LOG_SINK" envDefault:"stderr"`

	BaseDelay      time.Duration `env:"LIVECHAT_RECONNECT_BASE_DELAY" envDefault:"1s"`
	MaxDelay       time.Duration `env:"LIVECHAT_RECONNECT_MAX_DELAY" envDefault:"30s"`
	MaxAttempts    int           `env:"LIVECHAT_RECONNECT_ATTEMPTS" envDefault:"5"`
	ConnectTimeout time.Duration `env:"LIVECHAT_CONNECT_TIMEOUT" envDefault:"10s"`
	AckTimeout     time.Duration `env:"LIVECHAT_ACK_TIMEOUT" envDefault:"10s"`
	SendRate       float64       `env:"LIVECHAT_SEND_RATE" envDefault:"5"`
	SendBurst      int           `env:"LIVECHAT_SEND_BURST" envDefault:"10"`

	Locale string `env:"LIVECHAT_LOCALE" envDefault:"en-US"`
}

// DevServer is the development backend configuration.
type DevServer struct {
	Listen         string   `env:"LIVECHAT_DEVSERVER_LISTEN" envDefault:":8090"`
	AuthToken      string   `env:"LIVECHAT_AUTH_TOKEN"`
	AllowedOrigins []string `env:"LIVECHAT_ALLOWED_ORIGINS" envDefault:"localhost:*" envSeparator:","`
	LogLevel       string   `env:"LIVECHAT_LOG_LEVEL" envDefault:"info"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load parses the client configuration.
func Load() (Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadDevServer parses the development backend configuration.
func LoadDevServer() (DevServer, error) {
	var cfg DevServer
	if err := ParseEnv(&cfg); err != nil {
		return DevServer{}, err
	}
	return cfg, nil
}

// Validate reports the first setting that cannot work.
func (c Config) Validate() error {
	switch c.StoreBackend {
	case localstore.BackendFile, localstore.BackendPebble:
	default:
		return fmt.Errorf("store backend %q: want %s or %s", c.StoreBackend, localstore.BackendFile, localstore.BackendPebble)
	}
	if _, err := c.WebSocketURL(); err != nil {
		return err
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("reconnect attempts must be at least 1, got %d", c.MaxAttempts)
	}
	if c.BaseDelay <= 0 || c.MaxDelay < c.BaseDelay {
		return fmt.Errorf("reconnect delays: base %s, max %s", c.BaseDelay, c.MaxDelay)
	}
	return nil
}

// RESTBaseURL is ServerURL without a trailing slash.
func (c Config) RESTBaseURL() string {
	return strings.TrimRight(c.ServerURL, "/")
}

// WebSocketURL maps ServerURL onto the ws/wss scheme and appends WSPath.
func (c Config) WebSocketURL() (string, error) {
	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return "", fmt.Errorf("server url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("server url %q: unsupported scheme %q", c.ServerURL, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("server url %q: missing host", c.ServerURL)
	}
	path := c.WSPath
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	return u.String(), nil
}

// ResolvedStorePath returns StorePath, or the default location for the
// configured backend.
func (c Config) ResolvedStorePath() (string, error) {
	if c.StorePath != "" {
		return c.StorePath, nil
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("locate config dir: %w", err)
	}
	if c.StoreBackend == localstore.BackendPebble {
		return filepath.Join(dir, "livechat", "state"), nil
	}
	return filepath.Join(dir, "livechat", "state.json"), nil
}

// ConnConfig returns the connection manager settings.
func (c Config) ConnConfig() (conn.Config, error) {
	wsURL, err := c.WebSocketURL()
	if err != nil {
		return conn.Config{}, err
	}
	return conn.Config{
		URL:            wsURL,
		BaseDelay:      c.BaseDelay,
		MaxDelay:       c.MaxDelay,
		MaxAttempts:    c.MaxAttempts,
		ConnectTimeout: c.ConnectTimeout,
	}, nil
}
