package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
	"github.com/samber/lo"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable the service reads
const EnvPrefix = "NOTICEBOARD_"

// Config is the complete service configuration
type Config struct {
	Database  *DatabaseConfig  `json:"database"`
	HTTP      *HTTPConfig      `json:"http"`
	WebSocket *WebSocketConfig `json:"websocket"`
	Notify    *NotifyConfig    `json:"notify"`
	Log       *LogConfig       `json:"log"`
	Metrics   *MetricsConfig   `json:"metrics"`
	Janitor   *JanitorConfig   `json:"janitor"`
}

// DatabaseConfig locates the SQLite attachment store
type DatabaseConfig struct {
	Path           string        `json:"path"`
	Timeout        time.Duration `json:"timeout"`
	MaxConnections int           `json:"max_connections"`
}

type HTTPConfig struct {
	Port            int           `json:"port"`
	ReadTimeout     time.Duration `json:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
	Host            string        `json:"host"`
}

// WebSocketConfig tunes accepted sockets. ReadTimeout is extended on every
// pong, so it must exceed PingInterval.
type WebSocketConfig struct {
	PingInterval   time.Duration `json:"ping_interval"`
	ReadTimeout    time.Duration `json:"read_timeout"`
	WriteTimeout   time.Duration `json:"write_timeout"`
	BufferSize     int           `json:"buffer_size"`
	MaxMessageSize int64         `json:"max_message_size"`
}

// NotifyConfig holds the registry settings. An empty PushToken rejects
// every push request.
type NotifyConfig struct {
	MaxSessionsPerUser int    `json:"max_sessions_per_user"`
	PushToken          string `json:"-"`
	UpgradePath        string `json:"upgrade_path"`
	PushPath           string `json:"push_path"`
	MaxPushBytes       int64  `json:"max_push_bytes"`
}

type LogConfig struct {
	Level      string `json:"level"`
	Format     string `json:"format"`
	File       string `json:"file"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// JanitorConfig schedules the sweep of orphaned attachments. An empty
// schedule disables it.
type JanitorConfig struct {
	Schedule string `json:"schedule"`
}

// DefaultConfig returns the settings used when nothing is overridden
func DefaultConfig() *Config {
	return &Config{
		Database: &DatabaseConfig{
			Path:           "./data/noticeboard.db",
			Timeout:        10 * time.Second,
			MaxConnections: 10,
		},
		HTTP: &HTTPConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			Host:            "0.0.0.0",
		},
		WebSocket: &WebSocketConfig{
			PingInterval:   30 * time.Second,
			ReadTimeout:    60 * time.Second,
			WriteTimeout:   10 * time.Second,
			BufferSize:     100,
			MaxMessageSize: 64 * 1024,
		},
		Notify: &NotifyConfig{
			MaxSessionsPerUser: 20,
			UpgradePath:        "/ws",
			PushPath:           "/notify",
			MaxPushBytes:       1 << 20,
		},
		Log: &LogConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Metrics: &MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Janitor: &JanitorConfig{
			Schedule: "@every 10m",
		},
	}
}

// Validate rejects configurations the service cannot run with
func (c *Config) Validate() error {
	if c.Database == nil || c.HTTP == nil || c.WebSocket == nil ||
		c.Notify == nil || c.Log == nil || c.Metrics == nil || c.Janitor == nil {
		return errors.New("every configuration section is required")
	}

	if c.Database.Path == "" {
		return errors.New("database path cannot be empty")
	}
	if c.Database.Timeout <= 0 {
		return errors.New("database timeout must be positive")
	}
	if c.Database.MaxConnections <= 0 {
		return errors.New("database max connections must be positive")
	}

	// Port 0 binds an ephemeral port
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return errors.New("HTTP port must be between 0 and 65535")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 || c.HTTP.ShutdownTimeout <= 0 {
		return errors.New("HTTP timeouts must be positive")
	}
	if c.HTTP.Host == "" {
		return errors.New("HTTP host cannot be empty")
	}

	if c.WebSocket.PingInterval <= 0 {
		return errors.New("WebSocket ping interval must be positive")
	}
	if c.WebSocket.ReadTimeout <= c.WebSocket.PingInterval {
		return errors.New("WebSocket read timeout must be longer than the ping interval")
	}
	if c.WebSocket.WriteTimeout <= 0 {
		return errors.New("WebSocket write timeout must be positive")
	}
	if c.WebSocket.BufferSize <= 0 {
		return errors.New("WebSocket buffer size must be positive")
	}
	if c.WebSocket.MaxMessageSize <= 0 {
		return errors.New("WebSocket max message size must be positive")
	}

	if c.Notify.MaxSessionsPerUser < 1 {
		return errors.New("max sessions per user must be at least 1")
	}
	if !strings.HasPrefix(c.Notify.UpgradePath, "/") || !strings.HasPrefix(c.Notify.PushPath, "/") {
		return errors.New("upgrade and push paths must start with /")
	}
	if c.Notify.UpgradePath == c.Notify.PushPath {
		return errors.New("upgrade and push paths must differ")
	}
	if c.Notify.MaxPushBytes <= 0 {
		return errors.New("max push bytes must be positive")
	}

	if !lo.Contains([]string{"debug", "info", "warn", "error"}, c.Log.Level) {
		return errors.Newf("unknown log level %q", c.Log.Level)
	}
	if !lo.Contains([]string{"json", "console"}, c.Log.Format) {
		return errors.Newf("unknown log format %q", c.Log.Format)
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return errors.New("metrics path must start with /")
	}

	if c.Janitor.Schedule != "" {
		if _, err := cron.ParseStandard(c.Janitor.Schedule); err != nil {
			return errors.Wrapf(err, "invalid janitor schedule %q", c.Janitor.Schedule)
		}
	}

	return nil
}

// PushEnabled reports whether a push token is configured
func (c *Config) PushEnabled() bool {
	return c.Notify.PushToken != ""
}

// ApplyEnv overrides c with NOTICEBOARD_* environment variables.
// Unparseable values are ignored.
func (c *Config) ApplyEnv() {
	envString("HTTP_HOST", &c.HTTP.Host)
	envInt("HTTP_PORT", &c.HTTP.Port)
	envDuration("HTTP_READ_TIMEOUT", &c.HTTP.ReadTimeout)
	envDuration("HTTP_WRITE_TIMEOUT", &c.HTTP.WriteTimeout)
	envDuration("HTTP_SHUTDOWN_TIMEOUT", &c.HTTP.ShutdownTimeout)

	envString("DATABASE_PATH", &c.Database.Path)
	envDuration("DATABASE_TIMEOUT", &c.Database.Timeout)
	envInt("DATABASE_MAX_CONNECTIONS", &c.Database.MaxConnections)

	envDuration("WEBSOCKET_PING_INTERVAL", &c.WebSocket.PingInterval)
	envDuration("WEBSOCKET_READ_TIMEOUT", &c.WebSocket.ReadTimeout)
	envDuration("WEBSOCKET_WRITE_TIMEOUT", &c.WebSocket.WriteTimeout)
	envInt("WEBSOCKET_BUFFER_SIZE", &c.WebSocket.BufferSize)

	envInt("MAX_SESSIONS_PER_USER", &c.Notify.MaxSessionsPerUser)
	envString("PUSH_TOKEN", &c.Notify.PushToken)
	envString("UPGRADE_PATH", &c.Notify.UpgradePath)
	envString("PUSH_PATH", &c.Notify.PushPath)

	envString("LOG_LEVEL", &c.Log.Level)
	envString("LOG_FORMAT", &c.Log.Format)
	envString("LOG_FILE", &c.Log.File)

	envBool("METRICS_ENABLED", &c.Metrics.Enabled)
	envString("METRICS_PATH", &c.Metrics.Path)

	if v, ok := os.LookupEnv(EnvPrefix + "JANITOR_SCHEDULE"); ok {
		c.Janitor.Schedule = v
	}
}

// LoadFromEnv returns the defaults overridden by the environment
func LoadFromEnv() *Config {
	config := DefaultConfig()
	config.ApplyEnv()
	return config
}

// LoadConfigWithPrecedence layers defaults, then the environment, then the
// file at path when one is given, and validates the result
func LoadConfigWithPrecedence(path string) (*Config, error) {
	config := LoadFromEnv()

	if path != "" {
		if err := config.ApplyFile(path); err != nil {
			return nil, err
		}
	}

	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return config, nil
}

func envString(key string, dst *string) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// decodeFile parses a JSON or YAML file depending on its extension
func decodeFile(path string, out *ConfigFile) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "read config file %s", path)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, out)
	default:
		err = json.Unmarshal(data, out)
	}
	return errors.Wrapf(err, "parse config file %s", path)
}
