package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/khanhnv2901/securiscan/internal/alert"
	scanapp "github.com/khanhnv2901/securiscan/internal/application/scan"
	"github.com/khanhnv2901/securiscan/internal/checker"
	"github.com/khanhnv2901/securiscan/internal/domain/scan"
	"github.com/khanhnv2901/securiscan/internal/metrics"
	"github.com/khanhnv2901/securiscan/internal/notify"
	"github.com/khanhnv2901/securiscan/internal/queue"
	"github.com/khanhnv2901/securiscan/internal/scheduler"
	"github.com/khanhnv2901/securiscan/internal/storage"
	"github.com/khanhnv2901/securiscan/internal/worker"
)

// Queue backends
const (
	QueueBackendRedis  = "redis"
	QueueBackendMemory = "memory"
)

// DriverMemory keeps the store in process memory.
const DriverMemory = "memory"

// Config selects and configures the infrastructure behind the container.
type Config struct {
	DatabaseDriver string
	DatabaseDSN    string

	QueueBackend  string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// ReclaimIdle is how long a Redis delivery may sit unacknowledged before
	// another worker takes it over
	ReclaimIdle  time.Duration
	SyncInterval time.Duration

	// Location is the time zone recurring scans fire in
	Location *time.Location

	Notify notify.WebhookConfig
}

// Store is a scan store that can also be seeded with sites and users.
type Store interface {
	scan.Store
	SaveSite(ctx context.Context, site *scan.Site) error
	SaveUser(ctx context.Context, user *scan.User) error
}

// Backend is a queue implementation with both sides and recurring jobs.
type Backend interface {
	queue.Broker
	queue.Consumer
	StartRecurring(ctx context.Context) error
	Close() error
}

// Container holds all application services and their infrastructure.
// This is a simple dependency injection container
type Container struct {
	Logger  *zap.Logger
	Metrics *metrics.Metrics

	// Infrastructure
	DB    *sqlx.DB
	Redis *redis.Client
	Store Store
	Queue Backend

	// Services
	Checks    *checker.Orchestrator
	Alerts    *alert.Dispatcher
	Scans     *scanapp.Service
	Scheduler *scheduler.Service
}

// NewContainer connects the store and queue and wires the services.
func NewContainer(ctx context.Context, cfg Config, logger *zap.Logger) (*Container, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Container{
		Logger:  logger,
		Metrics: metrics.New(),
	}

	if err := c.openStore(ctx, cfg); err != nil {
		return nil, err
	}
	if err := c.openQueue(ctx, cfg); err != nil {
		_ = c.Close()
		return nil, err
	}

	var notifier alert.Notifier = notify.NewLogNotifier(logger.Named("notify"))
	if cfg.Notify.Enabled() {
		notifier = notify.Multi{notifier, notify.NewWebhookNotifier(cfg.Notify, nil)}
	}

	c.Checks = checker.NewOrchestrator(logger.Named("checker"), c.Metrics, checker.DefaultProbes(nil)...)
	c.Alerts = alert.NewDispatcher(c.Store, notifier, logger.Named("alert"), c.Metrics)
	c.Scans = scanapp.NewService(c.Store, c.Queue, c.Checks, c.Alerts, logger.Named("scan"))
	c.Scheduler = scheduler.NewService(c.Store, c.Queue, logger.Named("scheduler"))

	return c, nil
}

func (c *Container) openStore(ctx context.Context, cfg Config) error {
	switch cfg.DatabaseDriver {
	case "", DriverMemory:
		c.Store = storage.NewMemoryStore()
		return nil
	}

	db, err := storage.Connect(ctx, cfg.DatabaseDriver, cfg.DatabaseDSN)
	if err != nil {
		return err
	}
	if err := storage.Migrate(ctx, db); err != nil {
		db.Close()
		return err
	}
	c.DB = db
	c.Store = storage.NewSQLStore(db)
	return nil
}

func (c *Container) openQueue(ctx context.Context, cfg Config) error {
	switch cfg.QueueBackend {
	case "", QueueBackendMemory:
		c.Queue = queue.NewMemoryBroker(c.Logger.Named("queue"), cfg.Location)
		return nil
	case QueueBackendRedis:
	default:
		return fmt.Errorf("unknown queue backend %q", cfg.QueueBackend)
	}

	client, err := queue.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return err
	}
	broker := queue.NewRedisBroker(client, queue.RedisConfig{
		ReclaimIdle:  cfg.ReclaimIdle,
		SyncInterval: cfg.SyncInterval,
		Location:     cfg.Location,
	}, c.Logger.Named("queue"))
	if err := broker.Initialize(ctx); err != nil {
		client.Close()
		return err
	}
	c.Redis = client
	c.Queue = broker
	return nil
}

// NewWorkerPool creates a pool running scan jobs from the container's queue.
func (c *Container) NewWorkerPool(cfg worker.Config) *worker.Pool {
	return worker.NewPool(c.Queue, c.Scans, cfg, c.Logger.Named("worker"), c.Metrics)
}

// Check reports whether the database and Redis respond.
func (c *Container) Check(ctx context.Context) error {
	if c.DB != nil {
		if err := c.DB.PingContext(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}
	if c.Redis != nil {
		if err := c.Redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// Close waits for pending notifications and releases every connection.
func (c *Container) Close() error {
	if c.Alerts != nil {
		c.Alerts.Wait()
	}

	var errs []error
	if c.Queue != nil {
		errs = append(errs, c.Queue.Close())
	}
	if c.Redis != nil {
		errs = append(errs, c.Redis.Close())
	}
	if c.DB != nil {
		errs = append(errs, c.DB.Close())
	}
	return errors.Join(errs...)
}
