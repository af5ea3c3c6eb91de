// Package config handles CLI, environment and TOML configuration loading.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/docker-socket-proxy/config.toml",
	"configs/config.toml",
}

// DefaultSocket is the Docker Engine API socket.
const DefaultSocket = "/var/run/docker.sock"

// DefaultPort is the listen port used when neither the file nor PORT set one.
const DefaultPort = 3277

// AuthMode selects how the x-api-key header is handled.
type AuthMode string

const (
	// AuthGatekeeper rejects requests whose x-api-key does not match the configured key.
	AuthGatekeeper AuthMode = "gatekeeper"
	// AuthInjector stamps the configured key onto every forwarded request.
	AuthInjector AuthMode = "injector"
)

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config   string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host     string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port     int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	APIKey   string `kong:"help='Shared secret for the x-api-key header (overrides config).',env='API_KEY'"`
	AuthMode string `kong:"help='API key policy: gatekeeper|injector (overrides config).',env='AUTH_MODE'"`
	Socket   string `kong:"help='Docker daemon socket path (overrides config).',env='DOCKER_SOCKET'"`
	LogLevel string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
// It is built once at start-up and treated as read-only afterwards.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Auth     AuthConfig     `toml:"auth"`
	Upstream UpstreamConfig `toml:"upstream"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"` // 0 means "use default" (3277)
}

// AuthConfig holds the API key policy.
type AuthConfig struct {
	APIKey string   `toml:"api_key"`
	Mode   AuthMode `toml:"mode"`
}

// UpstreamConfig holds Docker socket connection settings.
type UpstreamConfig struct {
	Socket             string `toml:"socket"`
	DialTimeoutSeconds int    `toml:"dial_timeout_seconds"`
	TimeoutSeconds     int    `toml:"timeout_seconds"` // 0 disables the overall timeout
	IdleConnections    int    `toml:"idle_connections"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level        string `toml:"level"`
	Format       string `toml:"format"`
	IncludeQuery bool   `toml:"include_query"`
}

// MetricsConfig holds Prometheus metrics settings. Metrics are served on
// their own listener so no path on the proxy port is shadowed.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
	Path    string `toml:"path"`
}

// Load reads the optional TOML config file and applies CLI/env overrides.
// An explicit path (via --config or CONFIG_PATH) must exist. Without one,
// /etc/docker-socket-proxy/config.toml then configs/config.toml are tried,
// and if neither exists the proxy runs on defaults plus CLI/env values.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	cfg.applyCLI(cli)
	cfg.setDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.APIKey != "" {
		c.Auth.APIKey = cli.APIKey
	}
	if cli.AuthMode != "" {
		c.Auth.Mode = AuthMode(cli.AuthMode)
	}
	if cli.Socket != "" {
		c.Upstream.Socket = cli.Socket
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

// setDefaults fills zero-valued fields. TOML cannot distinguish an explicit 0
// from an omitted key, so port=0 in the file results in the default port.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}
	if c.Auth.Mode == "" {
		c.Auth.Mode = AuthGatekeeper
	}
	c.Auth.Mode = AuthMode(strings.ToLower(string(c.Auth.Mode)))
	if c.Upstream.Socket == "" {
		c.Upstream.Socket = DefaultSocket
	}
	if c.Upstream.DialTimeoutSeconds == 0 {
		c.Upstream.DialTimeoutSeconds = 5
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 16
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = "127.0.0.1:9323"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

func (c *Config) validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}

	switch c.Auth.Mode {
	case AuthGatekeeper, AuthInjector:
	default:
		return fmt.Errorf("auth.mode must be one of: gatekeeper, injector; got %q", c.Auth.Mode)
	}

	if !filepath.IsAbs(c.Upstream.Socket) {
		return fmt.Errorf("upstream.socket must be an absolute path; got %q", c.Upstream.Socket)
	}
	if c.Upstream.DialTimeoutSeconds < 0 {
		return fmt.Errorf("upstream.dial_timeout_seconds must be non-negative; got %d", c.Upstream.DialTimeoutSeconds)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	if c.Metrics.Enabled {
		if c.Metrics.Path[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", c.Metrics.Path)
		}
		if c.Metrics.Addr == c.Server.Addr() {
			return errors.New("metrics.addr must differ from the proxy listen address")
		}
	}

	return nil
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// FilePath returns the config file the values were read from, if any.
func (c *Config) FilePath() string {
	return c.filePath
}

// WarnPermissions logs a warning if the config file is readable by group or
// others. The file may hold auth.api_key.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
