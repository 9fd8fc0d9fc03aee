// Package logging builds the zap loggers used by the orchestrator and bots.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options selects the encoder and verbosity.
type Options struct {
	Development bool
	// Level overrides the default level (debug in development, info otherwise).
	Level string
	// Process is attached to every entry, e.g. "orchestrator" or "bot".
	Process string
}

// New builds a zap.Logger for opts.
func New(opts Options) (*zap.Logger, error) {
	var cfg zap.Config
	if opts.Development {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		// Job logs are low volume and every line matters.
		cfg.Sampling = nil
	}
	cfg.EncoderConfig.TimeKey = "ts"
	if opts.Level != "" {
		lvl, err := zap.ParseAtomicLevel(opts.Level)
		if err != nil {
			return nil, fmt.Errorf("parse log level: %w", err)
		}
		cfg.Level = lvl
	}
	if opts.Process != "" {
		cfg.InitialFields = map[string]any{"process": opts.Process}
	}
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}
