package config

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type LogConfig struct {
	// debug, info, warn, error
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
	// File path, stderr when empty
	Output string `yaml:"output"`
}

func (c LogConfig) level() (zapcore.Level, error) {
	if c.Level == "" {
		return zapcore.InfoLevel, nil
	}
	l, err := zapcore.ParseLevel(c.Level)
	if err != nil {
		return l, fmt.Errorf("log.level: %w", err)
	}
	return l, nil
}

// Build constructs the process logger. verbose forces debug level.
func (c LogConfig) Build(verbose bool) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	if c.Development {
		config = zap.NewDevelopmentConfig()
	}

	level, err := c.level()
	if err != nil {
		return nil, err
	}
	if verbose {
		level = zapcore.DebugLevel
	}
	config.Level = zap.NewAtomicLevelAt(level)
	if c.Output != "" {
		config.OutputPaths = []string{c.Output}
	}

	return config.Build()
}
