// Package observability wires up structured logging for the backend. Every
// component receives its *zap.Logger by injection; nothing in this module
// logs through a package-level global.
package observability

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/congregate-gg/backend/internal/config"
)

// NewLogger builds the process logger. Format picks the encoder: "json" for
// machine-readable production output, "console" for local development.
// Timestamps are ISO8601 in both modes.
func NewLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	zapCfg, err := encoderConfig(cfg.Format)
	if err != nil {
		return nil, err
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("parsing log level %q: %w", cfg.Level, err)
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zapCfg.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return logger, nil
}

func encoderConfig(format string) (zap.Config, error) {
	switch format {
	case "json":
		return zap.NewProductionConfig(), nil
	case "console":
		return zap.NewDevelopmentConfig(), nil
	}
	return zap.Config{}, fmt.Errorf("unknown log format %q", format)
}
