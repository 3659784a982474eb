package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestConfig_DefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.NoError(t, config.Validate())

	assert.Equal(t, 20, config.Notify.MaxSessionsPerUser)
	assert.Equal(t, "/ws", config.Notify.UpgradePath)
	assert.Equal(t, "/notify", config.Notify.PushPath)
	assert.Empty(t, config.Notify.PushToken)
	assert.False(t, config.PushEnabled())
	assert.Equal(t, 8080, config.HTTP.Port)
	assert.Equal(t, 30*time.Second, config.WebSocket.PingInterval)
	assert.Equal(t, "@every 10m", config.Janitor.Schedule)
	assert.True(t, config.Metrics.Enabled)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "missing section", mutate: func(c *Config) { c.Notify = nil }},
		{name: "empty database path", mutate: func(c *Config) { c.Database.Path = "" }},
		{name: "negative port", mutate: func(c *Config) { c.HTTP.Port = -1 }},
		{name: "port too large", mutate: func(c *Config) { c.HTTP.Port = 70000 }},
		{name: "zero shutdown timeout", mutate: func(c *Config) { c.HTTP.ShutdownTimeout = 0 }},
		{name: "read timeout not above ping interval", mutate: func(c *Config) { c.WebSocket.ReadTimeout = c.WebSocket.PingInterval }},
		{name: "zero buffer", mutate: func(c *Config) { c.WebSocket.BufferSize = 0 }},
		{name: "zero cap", mutate: func(c *Config) { c.Notify.MaxSessionsPerUser = 0 }},
		{name: "relative upgrade path", mutate: func(c *Config) { c.Notify.UpgradePath = "ws" }},
		{name: "same paths", mutate: func(c *Config) { c.Notify.PushPath = c.Notify.UpgradePath }},
		{name: "unknown log level", mutate: func(c *Config) { c.Log.Level = "verbose" }},
		{name: "unknown log format", mutate: func(c *Config) { c.Log.Format = "xml" }},
		{name: "bad janitor schedule", mutate: func(c *Config) { c.Janitor.Schedule = "every so often" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.mutate(config)
			assert.Error(t, config.Validate())
		})
	}
}

func TestConfig_EmptyJanitorScheduleIsValid(t *testing.T) {
	config := DefaultConfig()
	config.Janitor.Schedule = ""
	assert.NoError(t, config.Validate())
}

func TestConfig_LoadFromEnv(t *testing.T) {
	t.Setenv("NOTICEBOARD_HTTP_PORT", "9090")
	t.Setenv("NOTICEBOARD_DATABASE_PATH", "/tmp/nb.db")
	t.Setenv("NOTICEBOARD_WEBSOCKET_PING_INTERVAL", "5s")
	t.Setenv("NOTICEBOARD_MAX_SESSIONS_PER_USER", "3")
	t.Setenv("NOTICEBOARD_PUSH_TOKEN", "s3cret")
	t.Setenv("NOTICEBOARD_METRICS_ENABLED", "false")
	t.Setenv("NOTICEBOARD_JANITOR_SCHEDULE", "")

	config := LoadFromEnv()

	assert.Equal(t, 9090, config.HTTP.Port)
	assert.Equal(t, "/tmp/nb.db", config.Database.Path)
	assert.Equal(t, 5*time.Second, config.WebSocket.PingInterval)
	assert.Equal(t, 3, config.Notify.MaxSessionsPerUser)
	assert.Equal(t, "s3cret", config.Notify.PushToken)
	assert.True(t, config.PushEnabled())
	assert.False(t, config.Metrics.Enabled)
	assert.Empty(t, config.Janitor.Schedule)
}

func TestConfig_LoadFromEnvIgnoresGarbage(t *testing.T) {
	t.Setenv("NOTICEBOARD_HTTP_PORT", "not-a-number")
	t.Setenv("NOTICEBOARD_HTTP_READ_TIMEOUT", "soon")

	config := LoadFromEnv()
	assert.Equal(t, 8080, config.HTTP.Port)
	assert.Equal(t, 30*time.Second, config.HTTP.ReadTimeout)
}

func TestConfig_LoadFromFileJSON(t *testing.T) {
	path := writeFile(t, "config.json", `{
		"http": {"port": 9000, "read_timeout": "45s"},
		"notify": {"max_sessions_per_user": 5, "push_token": "from-file"},
		"metrics": {"enabled": false}
	}`)

	config, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, config.HTTP.Port)
	assert.Equal(t, 45*time.Second, config.HTTP.ReadTimeout)
	assert.Equal(t, 30*time.Second, config.HTTP.WriteTimeout, "absent fields keep defaults")
	assert.Equal(t, 5, config.Notify.MaxSessionsPerUser)
	assert.Equal(t, "from-file", config.Notify.PushToken)
	assert.False(t, config.Metrics.Enabled)
}

func TestConfig_LoadFromFileYAML(t *testing.T) {
	path := writeFile(t, "config.yaml", `
websocket:
  ping_interval: 10s
  read_timeout: 25s
log:
  level: debug
  format: console
janitor:
  schedule: "@hourly"
`)

	config, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, 10*time.Second, config.WebSocket.PingInterval)
	assert.Equal(t, 25*time.Second, config.WebSocket.ReadTimeout)
	assert.Equal(t, "debug", config.Log.Level)
	assert.Equal(t, "console", config.Log.Format)
	assert.Equal(t, "@hourly", config.Janitor.Schedule)
}

func TestConfig_LoadFromFileErrors(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	_, err = LoadFromFile(writeFile(t, "bad.json", `{"http": {`))
	assert.Error(t, err)

	_, err = LoadFromFile(writeFile(t, "bad-duration.json", `{"http": {"read_timeout": "soon"}}`))
	assert.ErrorContains(t, err, "http.read_timeout")

	_, err = LoadFromFile(writeFile(t, "invalid.yml", "notify:\n  upgrade_path: /same\n  push_path: /same\n"))
	assert.Error(t, err)
}

func TestConfig_LoadConfigWithPrecedence(t *testing.T) {
	t.Setenv("NOTICEBOARD_HTTP_PORT", "9090")
	t.Setenv("NOTICEBOARD_HTTP_HOST", "127.0.0.1")
	path := writeFile(t, "config.json", `{"http": {"port": 9191}}`)

	config, err := LoadConfigWithPrecedence(path)
	require.NoError(t, err)
	assert.Equal(t, 9191, config.HTTP.Port, "file wins over environment")
	assert.Equal(t, "127.0.0.1", config.HTTP.Host, "environment wins over defaults")

	config, err = LoadConfigWithPrecedence("")
	require.NoError(t, err)
	assert.Equal(t, 9090, config.HTTP.Port)

	_, err = LoadConfigWithPrecedence(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
