package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Backend holds the settings shared by the API and worker processes: where
// state lives and how the pooling pipeline is tuned. Empty Redis and
// Postgres settings select in-process implementations, which only make
// sense for a single process.
type Backend struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	PGDSN string

	KafkaBrokers []string
	KafkaTopic   string

	WebhookURL   string
	WebhookToken string

	LockRetryCount  int
	LockRetryDelay  time.Duration
	LockRetryJitter time.Duration
	LockDriftFactor float64
	MatchLease      time.Duration
	CancelLease     time.Duration

	PoolMaxSeats   int
	PoolMaxLuggage int

	QueueConcurrency  int
	QueueRatePerSec   float64
	QueueMaxAttempts  int
	QueueBackoffBase  time.Duration
	QueueJobLease     time.Duration
	QueuePollInterval time.Duration
}

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	Backend

	RideCacheTTL time.Duration
	// AdminToken is the bearer token for /internal endpoints. Empty disables
	// them.
	AdminToken string
	// EmbeddedWorkers runs the job workers inside the API process.
	EmbeddedWorkers bool

	LogLevel      string
	RunMigrations bool
	MigrationsDir string
}

// WorkerConfig configures a standalone worker process.
type WorkerConfig struct {
	Backend

	MetricsAddr     string
	ShutdownTimeout time.Duration
	LogLevel        string
}

// DefaultBackend returns the in-process backend with production tuning.
func DefaultBackend() Backend {
	return Backend{
		KafkaTopic:        "ride-events",
		LockRetryCount:    10,
		LockRetryDelay:    200 * time.Millisecond,
		LockRetryJitter:   200 * time.Millisecond,
		LockDriftFactor:   0.01,
		MatchLease:        2 * time.Second,
		CancelLease:       3 * time.Second,
		PoolMaxSeats:      4,
		PoolMaxLuggage:    6,
		QueueConcurrency:  5,
		QueueRatePerSec:   10,
		QueueMaxAttempts:  3,
		QueueBackoffBase:  2 * time.Second,
		QueueJobLease:     30 * time.Second,
		QueuePollInterval: 250 * time.Millisecond,
	}
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		Backend:         DefaultBackend(),
		RideCacheTTL:    30 * time.Second,
		EmbeddedWorkers: true,
		LogLevel:        "info",
		MigrationsDir:   "migrations",
	}
}

func defaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Backend:         DefaultBackend(),
		MetricsAddr:     ":2112",
		ShutdownTimeout: 15 * time.Second,
		LogLevel:        "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	loadBackend(&cfg.Backend, &errs)

	setDurationFromEnv(&cfg.RideCacheTTL, "RIDE_CACHE_TTL", &errs)
	setBoolFromEnv(&cfg.EmbeddedWorkers, "EMBEDDED_WORKERS", &errs)
	cfg.AdminToken = os.Getenv("ADMIN_TOKEN")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")
	setStringFromEnv(&cfg.MigrationsDir, "MIGRATIONS_DIR")

	if cfg.RideCacheTTL < 0 {
		errs = append(errs, fmt.Errorf("RIDE_CACHE_TTL must be >= 0"))
	}
	if !cfg.EmbeddedWorkers {
		// separate workers only see what is in Redis and Postgres
		errs = append(errs, cfg.requireShared("EMBEDDED_WORKERS=false")...)
	}

	return cfg, errors.Join(errs...)
}

func LoadWorkerConfig() (WorkerConfig, error) {
	cfg := defaultWorkerConfig()
	var errs []error

	loadBackend(&cfg.Backend, &errs)
	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	setDurationFromEnv(&cfg.ShutdownTimeout, "WORKER_SHUTDOWN_TIMEOUT", &errs)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	errs = append(errs, cfg.requireShared("a standalone worker")...)

	return cfg, errors.Join(errs...)
}

// requireShared reports the shared backends missing for a deployment where
// intake and processing run in different processes. A ride stored in one
// process's memory is invisible to a worker in another.
func (b Backend) requireShared(mode string) []error {
	var errs []error
	if b.RedisAddr == "" {
		errs = append(errs, fmt.Errorf("REDIS_ADDR is required for %s", mode))
	}
	if b.PGDSN == "" {
		errs = append(errs, fmt.Errorf("PG_DSN is required for %s", mode))
	}
	return errs
}

// HasExternalSink reports whether events leave the process through Kafka or
// the webhook. Without one, events raised by a standalone worker only reach
// that worker's own websocket hub.
func (b Backend) HasExternalSink() bool {
	return len(b.KafkaBrokers) > 0 || b.WebhookURL != ""
}

func loadBackend(b *Backend, errs *[]error) {
	b.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	b.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setIntFromEnv(&b.RedisDB, "REDIS_DB", errs)

	b.PGDSN = os.Getenv("PG_DSN")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		b.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&b.KafkaTopic, "KAFKA_TOPIC")

	b.WebhookURL = strings.TrimSpace(os.Getenv("NOTIFY_WEBHOOK_URL"))
	b.WebhookToken = os.Getenv("NOTIFY_WEBHOOK_TOKEN")

	setIntFromEnv(&b.LockRetryCount, "LOCK_RETRY_COUNT", errs)
	setDurationFromEnv(&b.LockRetryDelay, "LOCK_RETRY_DELAY", errs)
	setDurationFromEnv(&b.LockRetryJitter, "LOCK_RETRY_JITTER", errs)
	setFloatFromEnv(&b.LockDriftFactor, "LOCK_DRIFT_FACTOR", errs)
	setDurationFromEnv(&b.MatchLease, "MATCH_LOCK_LEASE", errs)
	setDurationFromEnv(&b.CancelLease, "CANCEL_LOCK_LEASE", errs)

	setIntFromEnv(&b.PoolMaxSeats, "POOL_MAX_SEATS", errs)
	setIntFromEnv(&b.PoolMaxLuggage, "POOL_MAX_LUGGAGE", errs)

	setIntFromEnv(&b.QueueConcurrency, "QUEUE_CONCURRENCY", errs)
	setFloatFromEnv(&b.QueueRatePerSec, "QUEUE_RATE_PER_SEC", errs)
	setIntFromEnv(&b.QueueMaxAttempts, "QUEUE_MAX_ATTEMPTS", errs)
	setDurationFromEnv(&b.QueueBackoffBase, "QUEUE_BACKOFF_BASE", errs)
	setDurationFromEnv(&b.QueueJobLease, "QUEUE_JOB_LEASE", errs)
	setDurationFromEnv(&b.QueuePollInterval, "QUEUE_POLL_INTERVAL", errs)

	if b.LockRetryCount <= 0 {
		*errs = append(*errs, fmt.Errorf("LOCK_RETRY_COUNT must be > 0"))
	}
	if b.LockDriftFactor < 0 || b.LockDriftFactor >= 1 {
		*errs = append(*errs, fmt.Errorf("LOCK_DRIFT_FACTOR must be in [0,1)"))
	}
	if b.MatchLease <= 0 || b.CancelLease <= 0 {
		*errs = append(*errs, fmt.Errorf("lock leases must be > 0"))
	}
	if b.PoolMaxSeats <= 0 || b.PoolMaxLuggage < 0 {
		*errs = append(*errs, fmt.Errorf("pool capacity must be positive"))
	}
	if b.QueueConcurrency <= 0 {
		*errs = append(*errs, fmt.Errorf("QUEUE_CONCURRENCY must be > 0"))
	}
	if b.QueueRatePerSec <= 0 {
		*errs = append(*errs, fmt.Errorf("QUEUE_RATE_PER_SEC must be > 0"))
	}
	if b.QueueMaxAttempts <= 0 {
		*errs = append(*errs, fmt.Errorf("QUEUE_MAX_ATTEMPTS must be > 0"))
	}
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setBoolFromEnv(target *bool, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = b
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
