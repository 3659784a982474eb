package config

import (
	"time"

	"github.com/cockroachdb/errors"
)

// ConfigFile is the on-disk layout. Durations are strings ("30s") and every
// field is optional: only the fields present override the current values.
type ConfigFile struct {
	Database  *DatabaseConfigFile  `json:"database" yaml:"database"`
	HTTP      *HTTPConfigFile      `json:"http" yaml:"http"`
	WebSocket *WebSocketConfigFile `json:"websocket" yaml:"websocket"`
	Notify    *NotifyConfigFile    `json:"notify" yaml:"notify"`
	Log       *LogConfigFile       `json:"log" yaml:"log"`
	Metrics   *MetricsConfigFile   `json:"metrics" yaml:"metrics"`
	Janitor   *JanitorConfigFile   `json:"janitor" yaml:"janitor"`
}

type DatabaseConfigFile struct {
	Path           string `json:"path" yaml:"path"`
	Timeout        string `json:"timeout" yaml:"timeout"`
	MaxConnections int    `json:"max_connections" yaml:"max_connections"`
}

type HTTPConfigFile struct {
	Port            int    `json:"port" yaml:"port"`
	ReadTimeout     string `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    string `json:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout string `json:"shutdown_timeout" yaml:"shutdown_timeout"`
	Host            string `json:"host" yaml:"host"`
}

type WebSocketConfigFile struct {
	PingInterval   string `json:"ping_interval" yaml:"ping_interval"`
	ReadTimeout    string `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout   string `json:"write_timeout" yaml:"write_timeout"`
	BufferSize     int    `json:"buffer_size" yaml:"buffer_size"`
	MaxMessageSize int64  `json:"max_message_size" yaml:"max_message_size"`
}

type NotifyConfigFile struct {
	MaxSessionsPerUser int    `json:"max_sessions_per_user" yaml:"max_sessions_per_user"`
	PushToken          string `json:"push_token" yaml:"push_token"`
	UpgradePath        string `json:"upgrade_path" yaml:"upgrade_path"`
	PushPath           string `json:"push_path" yaml:"push_path"`
	MaxPushBytes       int64  `json:"max_push_bytes" yaml:"max_push_bytes"`
}

type LogConfigFile struct {
	Level      string `json:"level" yaml:"level"`
	Format     string `json:"format" yaml:"format"`
	File       string `json:"file" yaml:"file"`
	MaxSizeMB  int    `json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" yaml:"max_age_days"`
}

type MetricsConfigFile struct {
	Enabled *bool  `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"`
}

type JanitorConfigFile struct {
	Schedule *string `json:"schedule" yaml:"schedule"`
}

// LoadFromFile returns the defaults overridden by the file at path
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()
	if err := config.ApplyFile(path); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid configuration in %s", path)
	}
	return config, nil
}

// ApplyFile overrides c with the fields present in the file at path.
// Files ending in .yaml or .yml are YAML, anything else is JSON.
func (c *Config) ApplyFile(path string) error {
	var file ConfigFile
	if err := decodeFile(path, &file); err != nil {
		return err
	}

	if f := file.Database; f != nil {
		setString(&c.Database.Path, f.Path)
		setInt(&c.Database.MaxConnections, f.MaxConnections)
		if err := setDuration(&c.Database.Timeout, f.Timeout, "database.timeout"); err != nil {
			return err
		}
	}

	if f := file.HTTP; f != nil {
		setInt(&c.HTTP.Port, f.Port)
		setString(&c.HTTP.Host, f.Host)
		for _, d := range []struct {
			dst  *time.Duration
			raw  string
			name string
		}{
			{&c.HTTP.ReadTimeout, f.ReadTimeout, "http.read_timeout"},
			{&c.HTTP.WriteTimeout, f.WriteTimeout, "http.write_timeout"},
			{&c.HTTP.ShutdownTimeout, f.ShutdownTimeout, "http.shutdown_timeout"},
		} {
			if err := setDuration(d.dst, d.raw, d.name); err != nil {
				return err
			}
		}
	}

	if f := file.WebSocket; f != nil {
		setInt(&c.WebSocket.BufferSize, f.BufferSize)
		if f.MaxMessageSize > 0 {
			c.WebSocket.MaxMessageSize = f.MaxMessageSize
		}
		for _, d := range []struct {
			dst  *time.Duration
			raw  string
			name string
		}{
			{&c.WebSocket.PingInterval, f.PingInterval, "websocket.ping_interval"},
			{&c.WebSocket.ReadTimeout, f.ReadTimeout, "websocket.read_timeout"},
			{&c.WebSocket.WriteTimeout, f.WriteTimeout, "websocket.write_timeout"},
		} {
			if err := setDuration(d.dst, d.raw, d.name); err != nil {
				return err
			}
		}
	}

	if f := file.Notify; f != nil {
		setInt(&c.Notify.MaxSessionsPerUser, f.MaxSessionsPerUser)
		setString(&c.Notify.PushToken, f.PushToken)
		setString(&c.Notify.UpgradePath, f.UpgradePath)
		setString(&c.Notify.PushPath, f.PushPath)
		if f.MaxPushBytes > 0 {
			c.Notify.MaxPushBytes = f.MaxPushBytes
		}
	}

	if f := file.Log; f != nil {
		setString(&c.Log.Level, f.Level)
		setString(&c.Log.Format, f.Format)
		setString(&c.Log.File, f.File)
		setInt(&c.Log.MaxSizeMB, f.MaxSizeMB)
		setInt(&c.Log.MaxBackups, f.MaxBackups)
		setInt(&c.Log.MaxAgeDays, f.MaxAgeDays)
	}

	if f := file.Metrics; f != nil {
		if f.Enabled != nil {
			c.Metrics.Enabled = *f.Enabled
		}
		setString(&c.Metrics.Path, f.Path)
	}

	if f := file.Janitor; f != nil && f.Schedule != nil {
		c.Janitor.Schedule = *f.Schedule
	}

	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v > 0 {
		*dst = v
	}
}

// setDuration parses raw into dst. Unlike environment overrides, a malformed
// duration in a file is an error.
func setDuration(dst *time.Duration, raw, name string) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return errors.Wrapf(err, "parse %s", name)
	}
	*dst = d
	return nil
}
