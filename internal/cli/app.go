package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/roach88/stepsync/internal/config"
	"github.com/roach88/stepsync/internal/engine"
	"github.com/roach88/stepsync/internal/progress"
	"github.com/roach88/stepsync/internal/remote"
	"github.com/roach88/stepsync/internal/store"
)

// backend is a gateway the CLI owns and must close.
type backend interface {
	engine.Gateway
	Close() error
}

// app is everything a session command needs: configuration, logger, the
// backing store and an engine on top of it.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	backend backend
	engine  *engine.Engine
}

// loadConfig reads configuration from the root flags.
func loadConfig(opts *RootOptions) (*config.Config, error) {
	return config.Load(config.LoadOptions{
		ConfigFile: opts.ConfigFile,
		EnvFile:    opts.EnvFile,
	})
}

// newLogger builds the process logger from logging.level and logging.format.
// --verbose forces debug level.
func newLogger(w io.Writer, cfg config.LoggingConfig, verbose bool) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("parse logging.level: %w", err)
	}
	if verbose {
		level = slog.LevelDebug
	}

	handlerOpts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(w, handlerOpts)
	} else {
		handler = slog.NewTextHandler(w, handlerOpts)
	}
	return slog.New(handler), nil
}

// openBackend connects to the backing store named by store.backend.
func openBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (backend, error) {
	switch cfg.Store.Backend {
	case config.BackendRedis:
		gw, err := remote.Dial(ctx, cfg.Redis.URL,
			remote.WithPrefix(cfg.Redis.Prefix),
			remote.WithLogger(logger),
		)
		if err != nil {
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		return gw, nil
	default:
		st, err := store.Open(cfg.Store.Path,
			store.WithDriver(cfg.Store.Driver),
			store.WithPollInterval(cfg.Store.PollInterval()),
			store.WithLogger(logger),
		)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return st, nil
	}
}

// openApp loads configuration and starts an engine. Failures are reported
// through f and returned as an ExitError.
func openApp(ctx context.Context, opts *RootOptions, f *OutputFormatter) (*app, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		_ = f.Error(CodeConfig, err.Error(), nil)
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}

	logger, err := newLogger(f.GetErrWriter(), cfg.Logging, opts.Verbose)
	if err != nil {
		_ = f.Error(CodeConfig, err.Error(), nil)
		return nil, WrapExitError(ExitCommandError, "failed to configure logging", err)
	}

	b, err := openBackend(ctx, cfg, logger)
	if err != nil {
		_ = f.Error(CodeBackingStore, err.Error(), nil)
		return nil, WrapExitError(ExitCommandError, "failed to open backing store", err)
	}

	eng := engine.New(b,
		engine.WithDebounce(cfg.Engine.Debounce()),
		engine.WithRetryPolicy(engine.RetryPolicy{
			MaxRetries: cfg.Engine.MaxRetries,
			BaseDelay:  cfg.Engine.BaseDelay(),
		}),
		engine.WithLogger(logger),
	)
	f.VerboseLog("using %s backend", cfg.Store.Backend)

	return &app{cfg: cfg, logger: logger, backend: b, engine: eng}, nil
}

// Close flushes pending saves and releases the backing store.
func (a *app) Close(ctx context.Context) error {
	return errors.Join(a.engine.Close(ctx), a.backend.Close())
}

// parseKey builds a session key from positional arguments.
func parseKey(user, project string) (progress.SessionKey, error) {
	key := progress.SessionKey{UserID: strings.TrimSpace(user), ProjectID: strings.TrimSpace(project)}
	if err := key.Validate(); err != nil {
		return progress.SessionKey{}, err
	}
	return key, nil
}
