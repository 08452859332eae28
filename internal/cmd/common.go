package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/viper"

	"github.com/Iron-Ham/swmrcoord/internal/config"
	"github.com/Iron-Ham/swmrcoord/internal/logging"
	"github.com/Iron-Ham/swmrcoord/internal/shm"
	"github.com/Iron-Ham/swmrcoord/internal/swmr"
)

// loadConfig returns the validated configuration. Unlike config.Get it
// reports validation errors, since a command should not silently run with
// defaults the user did not ask for.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		if used := viper.ConfigFileUsed(); used != "" {
			return nil, fmt.Errorf("config %s: %w", used, err)
		}
		return nil, err
	}
	return cfg, nil
}

// newLogger builds the command's logger from the logging section.
func newLogger(cfg *config.Config) (*logging.Logger, error) {
	return logging.NewLoggerWithRotation(cfg.Logging.File, cfg.Logging.Level, logging.RotationConfig{
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		Compress:   cfg.Logging.Compress,
	})
}

// clientEnv is what a command that opens clients needs.
type clientEnv struct {
	cfg    *config.Config
	logger *logging.Logger
	opts   []swmr.Option
}

func newClientEnv() (*clientEnv, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}
	opts := append(swmr.OptionsFromConfig(cfg), swmr.WithLogger(logger))
	return &clientEnv{cfg: cfg, logger: logger, opts: opts}, nil
}

func (e *clientEnv) Close() {
	_ = e.logger.Close()
}

// shmDir returns the shm directory of the effective configuration.
func shmDir() (string, error) {
	cfg, err := loadConfig()
	if err != nil {
		return "", err
	}
	return cfg.Paths.ResolveShmDir(), nil
}

// canonicalPaths canonicalizes every argument.
func canonicalPaths(args []string) ([]string, error) {
	out := make([]string, 0, len(args))
	for _, a := range args {
		p, err := shm.Canonicalize(a)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", a, err)
		}
		out = append(out, p)
	}
	return out, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
