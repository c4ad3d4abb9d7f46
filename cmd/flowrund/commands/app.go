package commands

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/otel"
	_ "modernc.org/sqlite"

	"github.com/petrijr/flowrun"
	"github.com/petrijr/flowrun/internal/config"
	"github.com/petrijr/flowrun/internal/logger"
	"github.com/petrijr/flowrun/internal/tracing"
	"github.com/petrijr/flowrun/pkg/api"
)

// app holds everything a flowrund process owns.
type app struct {
	cfg    *config.Config
	log    *logger.Logger
	bundle *flowrun.Bundle

	closers []func(context.Context) error
}

func newApp(ctx context.Context, configFile string) (*app, error) {
	cfg, err := config.Load(config.New(), configFile)
	if err != nil {
		return nil, err
	}

	log, err := logger.New(logger.Options{Mode: cfg.Log.Mode, Level: cfg.Log.Level})
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	a := &app{cfg: cfg, log: log}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing, Version, os.Stdout, log)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, shutdownTracing)

	if a.bundle, err = a.openBundle(ctx, bundleOptions(cfg, log)); err != nil {
		return nil, err
	}
	if err := registerBuiltinFlows(a.bundle); err != nil {
		return nil, err
	}

	ok = true
	return a, nil
}

func bundleOptions(cfg *config.Config, log *logger.Logger) flowrun.Options {
	concurrency := make(map[api.JobType]int, len(cfg.Worker.Concurrency))
	for t, n := range cfg.Worker.Concurrency {
		concurrency[api.JobType(t)] = n
	}
	return flowrun.Options{
		Logger:             log.SugaredLogger.Desugar(),
		Observer:           flowrun.NewLoggingObserver(log.SugaredLogger),
		Tracer:             otel.Tracer("github.com/petrijr/flowrun"),
		PublicURL:          cfg.Server.PublicURL,
		SyncTimeout:        cfg.Server.SyncTimeout,
		MaxAttempts:        cfg.Queue.MaxAttempts,
		BackoffBase:        cfg.Queue.BackoffBase,
		BackoffMax:         cfg.Queue.BackoffMax,
		BackoffJitter:      cfg.Queue.BackoffJitter,
		Breaker:            cfg.Queue.BreakerEnabled,
		BreakerFailures:    cfg.Queue.BreakerFailures,
		BreakerOpenTimeout: cfg.Queue.BreakerOpenTimeout,
		WorkerID:           cfg.Worker.ID,
		DefaultConcurrency: cfg.Worker.DefaultConcurrency,
		Concurrency:        concurrency,
		LeaseDuration:      cfg.Queue.LeaseDuration,
		PollInterval:       cfg.Worker.PollInterval,
		SweepInterval:      cfg.Worker.SweepInterval,
		HandlerTimeout:     cfg.Worker.HandlerTimeout,
		MetricsInterval:    cfg.Metrics.Interval,
	}
}

// openBundle connects to the configured backend.
func (a *app) openBundle(ctx context.Context, opts flowrun.Options) (*flowrun.Bundle, error) {
	store := a.cfg.Store

	switch store.Backend {
	case config.BackendMemory:
		a.log.Warn("using the in-memory backend; runs are lost on restart")
		return flowrun.NewInMemoryBundle(opts)

	case config.BackendSQLite:
		db, err := sql.Open("sqlite", store.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return db.Close() })
		return flowrun.NewSQLiteBundle(db, opts)

	case config.BackendPostgres:
		db, err := sql.Open("pgx", store.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return db.Close() })
		if err := pingWithTimeout(ctx, db.PingContext); err != nil {
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		return flowrun.NewPostgresBundle(ctx, db, opts)

	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{Addr: store.RedisAddr, DB: store.RedisDB})
		a.closers = append(a.closers, func(context.Context) error { return client.Close() })
		if err := pingWithTimeout(ctx, func(ctx context.Context) error { return client.Ping(ctx).Err() }); err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		return flowrun.NewRedisBundle(client, store.RedisPrefix, opts)

	case config.BackendMongo:
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(store.MongoURI))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to mongo: %w", err)
		}
		a.closers = append(a.closers, client.Disconnect)
		if err := pingWithTimeout(ctx, func(ctx context.Context) error { return client.Ping(ctx, nil) }); err != nil {
			return nil, fmt.Errorf("failed to connect to mongo: %w", err)
		}
		return flowrun.NewMongoBundle(ctx, client, store.MongoDB, opts)
	}
	return nil, fmt.Errorf("unknown store backend %q", store.Backend)
}

func pingWithTimeout(ctx context.Context, ping func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return ping(ctx)
}

// Close releases connections in reverse order of acquisition.
func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.log.Warn("shutdown step failed", "error", err)
		}
	}
	a.closers = nil
	a.log.Sync()
}
