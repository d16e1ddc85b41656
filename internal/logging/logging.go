// Package logging initializes the structured logger shared by every
// long-running worker in the kernel (scheduler dispatcher, network timer
// worker, DHCP client).
package logging

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"
)

// Config is the configuration for the logging subsystem.
type Config struct {
	// Level is the minimum level of log records emitted.
	Level zapcore.Level `yaml:"level"`
}

// Init builds a console-encoded, color-aware logger and returns its atomic
// level so verbosity can be adjusted at runtime (e.g. via a control
// surface) without restarting any worker.
func Init(cfg *Config) (*zap.SugaredLogger, zap.AtomicLevel, error) {
	encoderConfig := zap.NewDevelopmentEncoderConfig()

	if term.IsTerminal(int(os.Stderr.Fd())) {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}

	config := zap.Config{
		Level:            zap.NewAtomicLevelAt(cfg.Level),
		Development:      false,
		Encoding:         "console",
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := config.Build()
	if err != nil {
		return nil, zap.AtomicLevel{}, fmt.Errorf("failed to initialize logger: %w", err)
	}

	return logger.Sugar(), config.Level, nil
}

// Nop returns a logger that discards everything, for tests that don't care
// about log output.
func Nop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}
