// Package logging builds the service's zap logger.
package logging

import (
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"noticeboard/internal/config"
)

// Logger couples a logger with its adjustable level and the file it writes
// to, if any
type Logger struct {
	*zap.Logger
	level zap.AtomicLevel
	file  *lumberjack.Logger
}

// New builds a logger from cfg. Output goes to stderr, or to a rotated file
// when cfg.File is set.
func New(cfg *config.LogConfig) (*Logger, error) {
	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, errors.Wrapf(err, "parse log level %q", cfg.Level)
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	switch cfg.Format {
	case "console":
		encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	default:
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	l := &Logger{level: level}

	var output zapcore.WriteSyncer
	if cfg.File != "" {
		file, err := newFileWriter(cfg)
		if err != nil {
			return nil, err
		}
		l.file = file
		output = zapcore.AddSync(file)
	} else {
		output = zapcore.Lock(os.Stderr)
	}

	core := zapcore.NewCore(encoder, output, level)
	l.Logger = zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	return l, nil
}

func newFileWriter(cfg *config.LogConfig) (*lumberjack.Logger, error) {
	if st, err := os.Stat(cfg.File); err == nil && st.IsDir() {
		return nil, errors.Newf("log file %s is a directory", cfg.File)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
		return nil, errors.Wrap(err, "create log directory")
	}

	return &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		LocalTime:  true,
	}, nil
}

// SetLevel changes the level without rebuilding the logger
func (l *Logger) SetLevel(level string) error {
	return errors.Wrapf(l.level.UnmarshalText([]byte(level)), "parse log level %q", level)
}

// Close flushes buffered entries and closes the log file
func (l *Logger) Close() error {
	_ = l.Sync()
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}
