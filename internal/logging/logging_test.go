package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"noticeboard/internal/config"
)

func TestNew_WritesJSONToFile(t *testing.T) {
	cfg := config.DefaultConfig().Log
	cfg.File = filepath.Join(t.TempDir(), "logs", "noticeboard.log")

	logger, err := New(cfg)
	require.NoError(t, err)

	logger.Info("channel registered", zap.String("user_id", "alice"))
	logger.Debug("not written at info level")
	require.NoError(t, logger.Close())

	data, err := os.ReadFile(cfg.File)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "channel registered", entry["msg"])
	assert.Equal(t, "alice", entry["user_id"])
	assert.Equal(t, "info", entry["level"])
}

func TestNew_RejectsUnknownLevel(t *testing.T) {
	cfg := config.DefaultConfig().Log
	cfg.Level = "chatty"

	_, err := New(cfg)
	assert.Error(t, err)
}

func TestNew_RejectsDirectoryAsFile(t *testing.T) {
	cfg := config.DefaultConfig().Log
	cfg.File = t.TempDir()

	_, err := New(cfg)
	assert.Error(t, err)
}

func TestLogger_SetLevel(t *testing.T) {
	cfg := config.DefaultConfig().Log
	cfg.Format = "console"

	logger, err := New(cfg)
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.DebugLevel))

	require.NoError(t, logger.SetLevel("debug"))
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))

	assert.Error(t, logger.SetLevel("loud"))
}
