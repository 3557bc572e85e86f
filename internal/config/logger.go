package config

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds a zap.Logger from LogLevel/LogFormat: a single
// structured logger shared across components and passed down rather
// than used as a package-level global.
func NewLogger(level, format string) (*zap.Logger, error) {
	var zlvl zapcore.Level
	if err := zlvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	switch format {
	case "console":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zlvl)
	return cfg.Build()
}
