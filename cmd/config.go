package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/khanhnv2901/securiscan/internal/application"
	"github.com/khanhnv2901/securiscan/internal/notify"
	sharedErrors "github.com/khanhnv2901/securiscan/internal/shared/errors"
	"github.com/khanhnv2901/securiscan/internal/storage"
	"github.com/khanhnv2901/securiscan/internal/worker"
)

const (
	defaultLogLevel       = "info"
	defaultLogFormat      = "json"
	defaultDatabaseDriver = storage.DriverSQLite
	defaultDatabaseDSN    = "securiscan.db"
	defaultQueueBackend   = application.QueueBackendRedis
	defaultRedisAddr      = "localhost:6379"
	defaultServerAddr     = "127.0.0.1:8080"
	defaultTimezone       = "UTC"

	// Longer than any scan, so only deliveries of dead workers are reclaimed.
	defaultReclaimIdle  = 5 * time.Minute
	minReclaimIdle      = time.Minute
	defaultSyncInterval = 30 * time.Second
)

// AppConfig is the resolved configuration shared across commands.
type AppConfig struct {
	Log       LogConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Queue     QueueConfig
	Worker    worker.Config
	Scheduler SchedulerConfig
	Notify    notify.WebhookConfig
	Server    ServerConfig
}

type LogConfig struct {
	Level  string
	Format string
}

type DatabaseConfig struct {
	Driver string // postgres, sqlite3 or memory
	DSN    string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type QueueConfig struct {
	Backend      string        // redis or memory
	ReclaimIdle  time.Duration // negative disables reclaiming
	SyncInterval time.Duration
}

type SchedulerConfig struct {
	Timezone string
	Location *time.Location
}

type ServerConfig struct {
	Addr      string
	AuthToken string
}

func setConfigDefaults(v *viper.Viper) {
	workerDefaults := worker.DefaultConfig()

	v.SetDefault("log.level", defaultLogLevel)
	v.SetDefault("log.format", defaultLogFormat)
	v.SetDefault("database.driver", defaultDatabaseDriver)
	v.SetDefault("database.dsn", defaultDatabaseDSN)
	v.SetDefault("redis.addr", defaultRedisAddr)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("queue.backend", defaultQueueBackend)
	v.SetDefault("queue.reclaim_idle", defaultReclaimIdle)
	v.SetDefault("queue.sync_interval", defaultSyncInterval)
	v.SetDefault("worker.concurrency", workerDefaults.Concurrency)
	v.SetDefault("worker.rate_max", workerDefaults.RateMax)
	v.SetDefault("worker.rate_window", workerDefaults.RateWindow)
	v.SetDefault("scheduler.timezone", defaultTimezone)
	v.SetDefault("notify.slack_webhook", "")
	v.SetDefault("notify.telegram_token", "")
	v.SetDefault("notify.telegram_chat_id", "")
	v.SetDefault("server.addr", defaultServerAddr)
	v.SetDefault("server.auth_token", "")
}

// loadConfig reads every known key from v and validates the result.
func loadConfig(v *viper.Viper) (*AppConfig, error) {
	cfg := &AppConfig{
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
		Database: DatabaseConfig{
			Driver: v.GetString("database.driver"),
			DSN:    v.GetString("database.dsn"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Queue: QueueConfig{
			Backend:      v.GetString("queue.backend"),
			ReclaimIdle:  v.GetDuration("queue.reclaim_idle"),
			SyncInterval: v.GetDuration("queue.sync_interval"),
		},
		Worker: worker.Config{
			Concurrency: v.GetInt("worker.concurrency"),
			RateMax:     v.GetInt("worker.rate_max"),
			RateWindow:  v.GetDuration("worker.rate_window"),
		},
		Scheduler: SchedulerConfig{Timezone: v.GetString("scheduler.timezone")},
		Notify: notify.WebhookConfig{
			SlackWebhookURL: v.GetString("notify.slack_webhook"),
			TelegramToken:   v.GetString("notify.telegram_token"),
			TelegramChatID:  v.GetString("notify.telegram_chat_id"),
		},
		Server: ServerConfig{
			Addr:      v.GetString("server.addr"),
			AuthToken: v.GetString("server.auth_token"),
		},
	}

	switch cfg.Database.Driver {
	case storage.DriverPostgres, storage.DriverSQLite, application.DriverMemory:
	default:
		return nil, fmt.Errorf("%w: unknown database driver %q", sharedErrors.ErrValidation, cfg.Database.Driver)
	}
	switch cfg.Queue.Backend {
	case application.QueueBackendRedis, application.QueueBackendMemory:
	default:
		return nil, fmt.Errorf("%w: unknown queue backend %q", sharedErrors.ErrValidation, cfg.Queue.Backend)
	}
	if cfg.Queue.ReclaimIdle >= 0 && cfg.Queue.ReclaimIdle < minReclaimIdle {
		return nil, fmt.Errorf("%w: queue.reclaim_idle must be at least %s (negative disables)", sharedErrors.ErrValidation, minReclaimIdle)
	}
	if cfg.Queue.SyncInterval <= 0 {
		return nil, fmt.Errorf("%w: queue.sync_interval must be positive", sharedErrors.ErrValidation)
	}
	if cfg.Worker.Concurrency < 1 {
		return nil, fmt.Errorf("%w: worker.concurrency must be at least 1", sharedErrors.ErrValidation)
	}

	loc, err := time.LoadLocation(cfg.Scheduler.Timezone)
	if err != nil {
		return nil, fmt.Errorf("%w: scheduler.timezone: %v", sharedErrors.ErrValidation, err)
	}
	cfg.Scheduler.Location = loc

	return cfg, nil
}

func (c *AppConfig) containerConfig() application.Config {
	return application.Config{
		DatabaseDriver: c.Database.Driver,
		DatabaseDSN:    c.Database.DSN,
		QueueBackend:   c.Queue.Backend,
		RedisAddr:      c.Redis.Addr,
		RedisPassword:  c.Redis.Password,
		RedisDB:        c.Redis.DB,
		ReclaimIdle:    c.Queue.ReclaimIdle,
		SyncInterval:   c.Queue.SyncInterval,
		Location:       c.Scheduler.Location,
		Notify:         c.Notify,
	}
}

// applyIntDefault hands a config value to setter unless the user set the flag.
func applyIntDefault(flags *pflag.FlagSet, name string, value int, setter func(int)) {
	if flags == nil || setter == nil {
		return
	}
	flag := flags.Lookup(name)
	if flag != nil && flag.Changed {
		return
	}
	setter(value)
}

func applyStringDefault(flags *pflag.FlagSet, name, value string, setter func(string)) {
	if flags == nil || setter == nil {
		return
	}
	flag := flags.Lookup(name)
	if flag != nil && flag.Changed {
		return
	}
	setter(value)
}

func applyDurationDefault(flags *pflag.FlagSet, name string, value time.Duration, setter func(time.Duration)) {
	if flags == nil || setter == nil {
		return
	}
	flag := flags.Lookup(name)
	if flag != nil && flag.Changed {
		return
	}
	setter(value)
}
