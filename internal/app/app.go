// Package app assembles the pooling pipeline from configuration. Without
// Redis or Postgres settings every dependency falls back to an in-process
// implementation.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/airport-pooling/internal/cancel"
	"github.com/example/airport-pooling/internal/config"
	"github.com/example/airport-pooling/internal/demand"
	"github.com/example/airport-pooling/internal/jobs"
	"github.com/example/airport-pooling/internal/lock"
	"github.com/example/airport-pooling/internal/matcher"
	"github.com/example/airport-pooling/internal/notify"
	"github.com/example/airport-pooling/internal/pool"
	"github.com/example/airport-pooling/internal/pricing"
	"github.com/example/airport-pooling/internal/rides"
	"github.com/example/airport-pooling/internal/storage"
)

type App struct {
	Logger *slog.Logger

	Redis    *redis.Client
	Postgres *storage.PostgresStore
	Store    storage.Store
	Demand   demand.Counter
	Locks    lock.Coordinator
	Queue    jobs.Queue

	Pools        *pool.Registry
	Matcher      *matcher.Service
	Pricing      *pricing.Engine
	Processor    *rides.Processor
	Intake       *rides.Intake
	Compensator  *cancel.Compensator
	Orchestrator *jobs.Orchestrator

	Hub      *notify.Hub
	Notifier notify.Notifier

	closers []func() error
}

// New connects the configured backends and wires the services.
func New(ctx context.Context, cfg config.Backend, logger *slog.Logger) (*App, error) {
	a := &App{Logger: logger}

	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		if err := rc.Ping(ctx).Err(); err != nil {
			_ = rc.Close()
			return nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
		}
		a.Redis = rc
		a.closers = append(a.closers, rc.Close)
	}
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		a.Postgres = ps
		a.closers = append(a.closers, ps.Close)
	}
	a.wire(cfg)
	return a, nil
}

// NewWithStores wires the app onto connections the caller owns; either may
// be nil to use the in-process fallback.
func NewWithStores(cfg config.Backend, rc *redis.Client, pg *storage.PostgresStore, logger *slog.Logger) *App {
	a := &App{Logger: logger, Redis: rc, Postgres: pg}
	a.wire(cfg)
	return a
}

func (a *App) wire(cfg config.Backend) {
	logger := a.Logger
	lockOpts := lock.Options{
		RetryCount:  cfg.LockRetryCount,
		RetryDelay:  cfg.LockRetryDelay,
		RetryJitter: cfg.LockRetryJitter,
		DriftFactor: cfg.LockDriftFactor,
	}

	if a.Postgres != nil {
		a.Store = a.Postgres
	} else {
		logger.Warn("PG_DSN not set, rides and pools are kept in memory")
		a.Store = storage.NewMemoryStore()
	}
	if a.Redis != nil {
		a.Demand = demand.NewRedis(a.Redis, demand.DefaultKey)
		a.Locks = lock.NewRedis(a.Redis, lockOpts)
		a.Queue = jobs.NewRedisQueue(a.Redis, jobs.DefaultPrefix)
	} else {
		logger.Warn("REDIS_ADDR not set, locks, demand and jobs are process-local")
		a.Demand = demand.NewMemory()
		a.Locks = lock.NewLocal(lockOpts)
		a.Queue = jobs.NewMemoryQueue()
	}

	a.Hub = notify.NewHub()
	sinks := []notify.Sink{{Name: "ws", Notifier: a.Hub}}
	if len(cfg.KafkaBrokers) > 0 {
		kp := notify.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		sinks = append(sinks, notify.Sink{Name: "kafka", Notifier: kp})
		a.closers = append(a.closers, kp.Close)
	}
	if cfg.WebhookURL != "" {
		sinks = append(sinks, notify.Sink{Name: "webhook", Notifier: notify.NewWebhook(cfg.WebhookURL, cfg.WebhookToken)})
	}
	a.Notifier = &notify.Fanout{Sinks: sinks, Logger: logger}

	a.Pools = pool.NewRegistry(a.Store, logger)
	a.Pools.MaxSeats, a.Pools.MaxLuggage = cfg.PoolMaxSeats, cfg.PoolMaxLuggage
	a.Matcher = matcher.New(a.Store, a.Pools, a.Locks, logger)
	a.Matcher.LeaseTTL = cfg.MatchLease
	a.Pricing = &pricing.Engine{Rides: a.Store, Demand: a.Demand}

	a.Processor = &rides.Processor{
		Matcher:  a.Matcher,
		Pricing:  a.Pricing,
		Rides:    a.Store,
		Locks:    a.Locks,
		LeaseTTL: cfg.MatchLease,
		Notifier: a.Notifier,
		Logger:   logger,
	}
	a.Orchestrator = jobs.NewOrchestrator(a.Queue, a.Processor.Handle, jobs.Options{
		Concurrency:  cfg.QueueConcurrency,
		RatePerSec:   cfg.QueueRatePerSec,
		MaxAttempts:  cfg.QueueMaxAttempts,
		BackoffBase:  cfg.QueueBackoffBase,
		Lease:        cfg.QueueJobLease,
		PollInterval: cfg.QueuePollInterval,
	}, logger)
	a.Intake = &rides.Intake{Rides: a.Store, Demand: a.Demand, Jobs: a.Orchestrator, Logger: logger}
	a.Compensator = &cancel.Compensator{
		Rides:    a.Store,
		Pools:    a.Pools,
		Demand:   a.Demand,
		Locks:    a.Locks,
		LeaseTTL: cfg.CancelLease,
		Notifier: a.Notifier,
		Logger:   logger,
	}
}

// Ready pings the external backends in use.
func (a *App) Ready(ctx context.Context) error {
	ctx, stop := context.WithTimeout(ctx, 2*time.Second)
	defer stop()
	if a.Redis != nil {
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	if a.Postgres != nil {
		if err := a.Postgres.Ping(ctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
	}
	return nil
}

// Close releases connections in reverse order of creation.
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
