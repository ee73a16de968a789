package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"grantflow/internal/config"
	"grantflow/internal/db"
	"grantflow/internal/directory"
	"grantflow/internal/engine"
	"grantflow/internal/logger"
	"grantflow/internal/metrics"
	"grantflow/internal/migrate"
	"grantflow/internal/notify"
)

// Options tune Open. Zero values fall back to grantflow.yml.
type Options struct {
	Workspace string
	// RedisAddr overrides directory.redis.addr.
	RedisAddr string
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
}

// App is a fully wired workspace: database, config, directory and engine.
type App struct {
	DB        *sql.DB
	Config    *config.Config
	Directory directory.Directory
	Engine    engine.Engine
	Logger    *zap.Logger
	Metrics   *metrics.Metrics

	closers []func() error
}

// Open loads grantflow.yml from the workspace, migrates the database and
// wires the engine with its directory cache and notifiers.
func Open(ctx context.Context, opts Options) (*App, error) {
	log := logger.OrNop(opts.Logger)
	cfg, err := config.Load(opts.Workspace)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	a := &App{DB: conn, Config: cfg, Logger: log, Metrics: opts.Metrics}
	a.closers = append(a.closers, conn.Close)
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	dir, err := a.buildDirectory(ctx, opts.RedisAddr)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.Directory = dir

	eng := engine.New(conn, cfg, dir).WithLogger(log).WithMetrics(opts.Metrics)
	eng.Dispatcher.Notifier = Notifier(cfg, log)
	a.Engine = eng
	return a, nil
}

// buildDirectory wraps the static directory in a TTL cache, backed by redis
// when an address is configured and by process memory otherwise.
func (a *App) buildDirectory(ctx context.Context, redisAddr string) (directory.Directory, error) {
	static := directory.NewStatic(a.Config)
	dcfg := a.Config.Directory
	if dcfg.CacheTTL <= 0 {
		return static, nil
	}
	var store directory.Store = directory.NewMemoryStore()
	rcfg := dcfg.Redis
	if redisAddr != "" {
		rcfg.Addr = redisAddr
	}
	if rcfg.Addr != "" {
		rs, err := directory.NewRedisStore(ctx, rcfg, a.Logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, rs.Close)
		store = rs
	}
	cached := directory.NewCached(static, store, dcfg.CacheTTL, a.Logger.Named("directory"))
	cached.OnCache = a.Metrics.DirectoryLookup
	return cached, nil
}

// Notifier builds the delivery chain from config: every message is logged and
// posted to each active webhook.
func Notifier(cfg *config.Config, log *zap.Logger) notify.Notifier {
	chain := notify.Multi{notify.LogNotifier{Logger: logger.OrNop(log).Named("notify")}}
	chain = append(chain, notify.Webhooks(cfg.Notifications.Webhooks)...)
	return chain
}

// Close releases the database and cache connections.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
