package cli

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/kimhsiao/caresync/internal/cache"
	"github.com/kimhsiao/caresync/internal/config"
	"github.com/kimhsiao/caresync/internal/db"
	"github.com/kimhsiao/caresync/internal/logging"
	"github.com/kimhsiao/caresync/internal/records"
	"github.com/kimhsiao/caresync/internal/sync"
	"github.com/kimhsiao/caresync/internal/sync/breaker"
	"github.com/kimhsiao/caresync/internal/sync/conflict"
	"github.com/kimhsiao/caresync/internal/sync/connectivity"
	"github.com/kimhsiao/caresync/internal/sync/remote"
	"github.com/kimhsiao/caresync/internal/sync/retry"
	"github.com/kimhsiao/caresync/internal/sync/scheduler"
)

// App is the wired set of services every command works against.
type App struct {
	Config  *config.Config
	DB      *db.DB
	Store   *db.Repository
	Remote  *remote.Client
	Oracle  connectivity.Oracle
	Engine  *sync.Engine
	Records *records.Service
	Cache   *cache.Cache

	logCloser io.Closer
}

// loadConfig reads the configuration named by --config.
func loadConfig(opts *RootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "load config", err)
	}
	return cfg, nil
}

// setupLogging points the global logger at the configured sink. --verbose
// forces debug level.
func setupLogging(cfg *config.Config, verbose bool) io.Closer {
	level := logging.ParseLevel(cfg.Log.Level)
	if verbose {
		level = logging.LevelDebug
	}
	return logging.Setup(logging.Config{
		Level:       level,
		Format:      cfg.Log.Format,
		File:        cfg.Log.File,
		MaxSizeMB:   cfg.Log.MaxSizeMB,
		MaxBackups:  cfg.Log.MaxBackups,
		ServiceName: "caresync",
		Version:     Version,
	})
}

// engineConfig translates configuration into engine settings.
func engineConfig(cfg *config.Config) sync.Config {
	return sync.Config{
		BatchSize:   cfg.Queue.BatchSize,
		Concurrency: cfg.Queue.Concurrency,
		MaxAttempts: cfg.Queue.MaxAttempts,
		Retry: retry.Config{
			MaxRetries: cfg.Retry.MaxRetries,
			BaseDelay:  cfg.Retry.BaseDelay,
			MaxDelay:   cfg.Retry.MaxDelay,
			Multiplier: cfg.Retry.Multiplier,
		},
		Breaker: breaker.Config{
			FailureThreshold:  cfg.Breaker.FailureThreshold,
			Timeout:           cfg.Breaker.Timeout,
			HalfOpenSuccesses: cfg.Breaker.HalfOpenSuccesses,
		},
	}
}

func schedulerConfig(cfg *config.Config) *scheduler.SchedulerConfig {
	sc := scheduler.DefaultSchedulerConfig()
	sc.PushInterval = cfg.Scheduler.PushInterval
	sc.PullInterval = cfg.Scheduler.PullInterval
	sc.Scopes = cfg.Scheduler.Scopes
	return sc
}

// NewApp opens the database and wires the engine, record service and
// reference cache from cfg.
func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	resolver, err := conflict.NewResolver(conflict.Strategy(cfg.Conflict.Strategy))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "configure conflict resolver", err)
	}

	database, err := db.Open(ctx, cfg.DataDir)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "open database", err)
	}

	client := remote.NewClient(remote.Config{
		BaseURL:    cfg.Remote.BaseURL,
		Timeout:    cfg.Remote.Timeout,
		HealthPath: cfg.Remote.HealthPath,
	})
	oracle := connectivity.NewHTTPProbe(strings.TrimRight(cfg.Remote.BaseURL, "/") + cfg.Remote.HealthPath)
	store := db.NewRepository(database.DB)

	engine := sync.NewEngine(store, client, oracle, engineConfig(cfg), sync.WithResolver(resolver))

	refs, err := cache.New(client, oracle, cache.Config{Size: cfg.Cache.Size, TTL: cfg.Cache.TTL})
	if err != nil {
		database.Close()
		return nil, WrapExitError(ExitCommandError, "create reference cache", err)
	}

	return &App{
		Config:  cfg,
		DB:      database,
		Store:   store,
		Remote:  client,
		Oracle:  oracle,
		Engine:  engine,
		Records: records.NewService(store, engine.Queue(), engine.Locks()),
		Cache:   refs,
	}, nil
}

// Close releases the database and the log file.
func (a *App) Close() error {
	var errs []error
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	if a.logCloser != nil {
		errs = append(errs, a.logCloser.Close())
	}
	return errors.Join(errs...)
}

// openApp loads configuration, sets up logging and wires an App.
func openApp(ctx context.Context, opts *RootOptions) (*App, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	closer := setupLogging(cfg, opts.Verbose)
	app, err := NewApp(ctx, cfg)
	if err != nil {
		closer.Close()
		return nil, err
	}
	app.logCloser = closer
	return app, nil
}
