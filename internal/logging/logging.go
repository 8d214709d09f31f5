// Package logging builds the zap loggers used across relay.
//
// Console output goes to stderr. When a file is configured, a second debug
// core appends every entry at debug level to that file so a run can be
// inspected after the fact.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config controls logger construction.
type Config struct {
	// Level is the console level: debug, info, warn or error.
	Level string `mapstructure:"level"`
	// File is an optional debug log path. Parent directories are created.
	File string `mapstructure:"file"`
	// JSON switches the console encoder to JSON.
	JSON bool `mapstructure:"json"`
}

// New builds a logger from cfg. The returned cleanup closes the debug file.
func New(cfg Config) (*zap.Logger, func() error, error) {
	return build(cfg, os.Stderr)
}

func build(cfg Config, console io.Writer) (*zap.Logger, func() error, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		parsed, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, nil, fmt.Errorf("parse log level %q: %w", cfg.Level, err)
		}
		level = parsed
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var consoleEnc zapcore.Encoder
	if cfg.JSON {
		consoleEnc = zapcore.NewJSONEncoder(encCfg)
	} else {
		consoleCfg := encCfg
		consoleCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		consoleEnc = zapcore.NewConsoleEncoder(consoleCfg)
	}

	cores := []zapcore.Core{
		zapcore.NewCore(consoleEnc, zapcore.AddSync(console), level),
	}

	cleanup := func() error { return nil }
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
			return nil, nil, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(f), zapcore.DebugLevel))
		cleanup = f.Close
	}

	logger := zap.New(zapcore.NewTee(cores...), zap.AddCaller())
	return logger, cleanup, nil
}

// DebugFile returns the conventional debug log path inside a data directory.
func DebugFile(dataDir string) string {
	return filepath.Join(dataDir, "logs", "relay-debug.log")
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
