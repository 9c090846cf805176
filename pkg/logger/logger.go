package logger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config describes how the application logger should behave.
type Config struct {
	Level       string      `yaml:"level"`
	Format      string      `yaml:"format"`
	OutputPaths []string    `yaml:"output_paths"`
	Audit       AuditConfig `yaml:"audit"`
}

// AuditConfig controls audit log output behaviour.
type AuditConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

var (
	mu            sync.RWMutex
	defaultLogger *zap.Logger
	auditLogger   *zap.Logger
	closers       []func() error
)

// Init configures the global logger instances. Calling it again replaces
// the previous loggers after flushing them.
func Init(cfg Config) error {
	level := parseLevel(cfg.Level)
	encoder := buildEncoder(cfg.Format)

	sink, sinkClosers, err := openSinks(cfg.OutputPaths)
	if err != nil {
		return err
	}
	base := zap.New(zapcore.NewCore(encoder, sink, level), zap.AddCaller())

	audit := base.Named("audit")
	if cfg.Audit.Enabled {
		writer, err := buildAuditWriter(cfg.Audit)
		if err != nil {
			for _, closeFn := range sinkClosers {
				_ = closeFn()
			}
			return err
		}
		sinkClosers = append(sinkClosers, writer.Close)
		auditCore := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig()), writer, zapcore.InfoLevel)
		audit = zap.New(auditCore)
	}

	mu.Lock()
	previous := closers
	if defaultLogger != nil {
		_ = defaultLogger.Sync()
	}
	defaultLogger = base
	auditLogger = audit
	closers = sinkClosers
	mu.Unlock()

	for _, closeFn := range previous {
		_ = closeFn()
	}
	return nil
}

// Replace installs an externally built logger, mainly for tests.
func Replace(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	defaultLogger = l
	auditLogger = l.Named("audit")
}

func encoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "time"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg
}

func buildEncoder(format string) zapcore.Encoder {
	if strings.EqualFold(format, "text") || strings.EqualFold(format, "console") {
		cfg := encoderConfig()
		cfg.EncodeLevel = zapcore.CapitalLevelEncoder
		return zapcore.NewConsoleEncoder(cfg)
	}
	return zapcore.NewJSONEncoder(encoderConfig())
}

func openSinks(outputs []string) (zapcore.WriteSyncer, []func() error, error) {
	if len(outputs) == 0 {
		return zapcore.Lock(os.Stdout), nil, nil
	}
	syncers := make([]zapcore.WriteSyncer, 0, len(outputs))
	var fileClosers []func() error
	for _, out := range outputs {
		switch strings.ToLower(out) {
		case "stdout":
			syncers = append(syncers, zapcore.Lock(os.Stdout))
		case "stderr":
			syncers = append(syncers, zapcore.Lock(os.Stderr))
		default:
			if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
				return nil, nil, fmt.Errorf("create log directory: %w", err)
			}
			file, err := os.OpenFile(out, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return nil, nil, fmt.Errorf("open log file %s: %w", out, err)
			}
			syncers = append(syncers, zapcore.Lock(file))
			fileClosers = append(fileClosers, file.Close)
		}
	}
	return zapcore.NewMultiWriteSyncer(syncers...), fileClosers, nil
}

func buildAuditWriter(cfg AuditConfig) (*rotatingWriter, error) {
	if cfg.Path == "" {
		return nil, errors.New("audit log path cannot be empty when enabled")
	}
	return newRotatingWriter(cfg.Path, cfg.MaxSizeMB, cfg.MaxBackups, cfg.MaxAgeDays)
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// L returns the structured logger instance.
func L() *zap.Logger {
	mu.RLock()
	l := defaultLogger
	mu.RUnlock()
	if l != nil {
		return l
	}
	if err := Init(Config{}); err != nil {
		return zap.NewNop()
	}
	mu.RLock()
	defer mu.RUnlock()
	return defaultLogger
}

// Audit returns the audit logger.
func Audit() *zap.Logger {
	mu.RLock()
	l := auditLogger
	mu.RUnlock()
	if l == nil {
		return L().Named("audit")
	}
	return l
}

// Sync flushes buffered log entries and closes file outputs.
func Sync() error {
	mu.Lock()
	defer mu.Unlock()
	var err error
	if defaultLogger != nil {
		_ = defaultLogger.Sync()
	}
	if auditLogger != nil {
		_ = auditLogger.Sync()
	}
	for _, closeFn := range closers {
		err = errors.Join(err, closeFn())
	}
	closers = nil
	return err
}

// Named returns a child logger with the provided component name.
func Named(name string) *zap.Logger {
	return L().Named(name)
}
