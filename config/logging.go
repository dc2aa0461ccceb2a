package config

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LoggingConfig is converted to a zap.Config by Build.
type LoggingConfig struct {
	// Level is the minimum enabled level (debug, info, warn, error)
	Level string `json:"level,omitempty"`
	// Development puts the logger in development mode
	Development bool `json:"development,omitempty"`
	// Encoding is "json" or "console"
	Encoding string `json:"encoding,omitempty"`
	// OutputPaths is a list of URLs or file paths to write logging output to
	OutputPaths []string `json:"outputPaths,omitempty"`
	// InitialFields is a collection of fields to add to the root logger
	InitialFields map[string]any `json:"initialFields,omitempty"`
}

func (lc *LoggingConfig) validate() error {
	if lc.Level != "" {
		if _, err := zapcore.ParseLevel(lc.Level); err != nil {
			return fmt.Errorf("invalid log level %q: %w", lc.Level, err)
		}
	}
	switch lc.Encoding {
	case "", "json", "console":
		return nil
	}
	return fmt.Errorf("invalid log encoding %q", lc.Encoding)
}

func (lc *LoggingConfig) toZapConfig() (zap.Config, error) {
	var config zap.Config
	switch lc.Encoding {
	case "console":
		config = zap.NewDevelopmentConfig()
	default:
		config = zap.NewProductionConfig()
	}

	if lc.Level != "" {
		level, err := zapcore.ParseLevel(lc.Level)
		if err != nil {
			return config, fmt.Errorf("invalid log level %q: %w", lc.Level, err)
		}
		config.Level = zap.NewAtomicLevelAt(level)
	}
	if lc.Encoding != "" {
		config.Encoding = lc.Encoding
	}
	config.Development = lc.Development
	if len(lc.OutputPaths) > 0 {
		config.OutputPaths = lc.OutputPaths
	}
	if lc.InitialFields != nil {
		config.InitialFields = lc.InitialFields
	}
	return config, nil
}

// Build creates the process logger. Call it once at startup.
func (lc *LoggingConfig) Build() (*zap.Logger, error) {
	config, err := lc.toZapConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to convert to zap config: %w", err)
	}
	logger, err := config.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build zap logger: %w", err)
	}
	return logger, nil
}
