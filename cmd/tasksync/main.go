package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tasksync/cli/internal/cache"
	"tasksync/cli/internal/channel"
	"tasksync/cli/internal/chat"
	"tasksync/cli/internal/command"
	"tasksync/cli/internal/config"
	"tasksync/cli/internal/db"
	"tasksync/cli/internal/global"
	"tasksync/cli/internal/logging"
	"tasksync/cli/internal/remote"
	"tasksync/cli/internal/syncer"
)

var drainTimeout = 10 * time.Second

func main() {
	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := command.BuildApp(command.Deps{
		LoadConfig:   loadConfig,
		Open:         openRuntime,
		RunMigrateUp: runMigrateUp,
	})
	if err := app.RunContext(rootCtx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "tasksync:", err)
		os.Exit(1)
	}
}

func loadConfig() (global.GlobalConfig, error) {
	dir, err := global.DefaultConfigDir()
	if err != nil {
		return global.GlobalConfig{}, err
	}
	fileCfg, err := global.NewConfigStore(dir).LoadOrInit()
	if err != nil {
		return global.GlobalConfig{}, err
	}
	return global.Merge(fileCfg, config.LoadConfig()), nil
}

func newLogger(cfg global.GlobalConfig) *slog.Logger {
	return logging.NewLogger(logging.Options{
		Level:     cfg.LogLevel,
		Writer:    os.Stderr,
		Component: "tasksync",
		Text:      true,
	})
}

// openCache returns the configured durable cache and its closer.
func openCache(cfg global.GlobalConfig, logger *slog.Logger) (cache.Cache, func() error, error) {
	switch cfg.Cache.Backend {
	case "memory":
		return cache.NewMemory(), func() error { return nil }, nil
	case "redis":
		rc, err := cache.NewRedis(cfg.Cache.RedisURL, cfg.Cache.Namespace, logger)
		if err != nil {
			return nil, nil, err
		}
		return rc, rc.Close, nil
	default:
		gdb, err := db.OpenSQLiteWithMigrations(cfg.Cache.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open cache database: %w", err)
		}
		sc := cache.NewSQLite(gdb, cfg.Cache.Namespace, logger)
		return sc, sc.Close, nil
	}
}

func openRuntime(ctx context.Context, cfg global.GlobalConfig) (*command.Runtime, error) {
	logger := newLogger(cfg)
	dir, err := global.DefaultConfigDir()
	if err != nil {
		return nil, err
	}
	store, closeCache, err := openCache(cfg, logger)
	if err != nil {
		return nil, err
	}

	client := remote.NewClient(cfg.Remote.APIURL, remote.WithLogger(logger))
	var authority syncer.Authority
	if !cfg.Offline {
		authority = client
	}
	co := syncer.New(syncer.Options{
		Cache:       store,
		Remote:      authority,
		WorkspaceID: cfg.Remote.WorkspaceID,
		Logger:      logger,
	})
	if err := co.Open(ctx); err != nil {
		_ = closeCache()
		return nil, err
	}

	var svc *chat.Service
	ch := channel.New(channel.Options{
		URL:         cfg.Remote.WSURL,
		BaseDelay:   time.Duration(cfg.Reconnect.BaseDelayMS) * time.Millisecond,
		MaxAttempts: cfg.Reconnect.MaxAttempts,
		Logger:      logger,
		OnStatus: func(st channel.Status) {
			logger.Debug("channel status", "state", st.State, "session_id", st.SessionID, "attempts", st.Attempts)
			svc.ObserveStatus(st)
		},
	})
	svc = chat.NewService(chat.Options{
		Backend:   client,
		Transport: ch,
		Logger:    logger,
	})

	return &command.Runtime{
		Tasks:        co,
		Chat:         svc,
		Sessions:     global.NewSessionsStore(dir),
		Logger:       logger,
		PingInterval: time.Duration(cfg.Reconnect.PingIntervalMS) * time.Millisecond,
		Close: func(ctx context.Context) error {
			svc.Close()
			drainCtx, cancel := context.WithTimeout(ctx, drainTimeout)
			defer cancel()
			var errs error
			if err := co.Drain(drainCtx); err != nil {
				logger.Warn("propagations still pending at exit", "pending", len(co.Pending()), "err", err)
				errs = errors.Join(errs, err)
			}
			return errors.Join(errs, closeCache())
		},
	}, nil
}

func runMigrateUp(_ context.Context, cfg global.GlobalConfig) ([]string, error) {
	if cfg.Cache.Backend != "sqlite" {
		return nil, fmt.Errorf("cache backend %q has no schema to migrate", cfg.Cache.Backend)
	}
	gdb, err := db.OpenSQLite(cfg.Cache.SQLitePath)
	if err != nil {
		return nil, err
	}
	defer func() { _ = db.Close(gdb) }()
	return db.MigrateUp(gdb)
}
