package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"

	"github.com/SirClappington/enqworker/internal/domain"
	"github.com/SirClappington/enqworker/internal/retry"
)

// Backend names accepted in BUS_BACKEND.
const (
	BackendRedis  = "redis"
	BackendNATS   = "nats"
	BackendMemory = "memory"
)

// Config holds process-wide settings.
type Config struct {
	AppEnv     string `env:"APP_ENV" envDefault:"development"`
	LogLevel   string `env:"LOG_LEVEL" envDefault:"info"`
	HealthPort int    `env:"HEALTH_PORT" envDefault:"8081"`

	BusBackend    string `env:"BUS_BACKEND" envDefault:"redis"`
	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
	NATSURL       string `env:"NATS_URL" envDefault:"nats://localhost:4222"`

	// LedgerDSN enables the Postgres outcome ledger when set.
	LedgerDSN string `env:"LEDGER_DSN"`

	APIAddr          string `env:"API_ADDR" envDefault:":8080"`
	APIStreamName    string `env:"API_STREAM_NAME" envDefault:"jobs"`
	RPCCommandStream string `env:"RPC_COMMAND_STREAM"`
	RPCResultStream  string `env:"RPC_RESULT_STREAM"`
	RPCTimeoutSecs   int    `env:"RPC_TIMEOUT_SECS" envDefault:"30"`

	WorkerPrefix string `env:"WORKER_PREFIX" envDefault:"WORKER"`

	// Schedules is a JSON array of {"spec","stream","payload"} entries for
	// cmd/scheduler.
	Schedules    string `env:"SCHEDULES"`
	LeaderLockID int64  `env:"LEADER_LOCK_ID" envDefault:"42"`
}

func (c Config) RPCTimeout() time.Duration { return time.Duration(c.RPCTimeoutSecs) * time.Second }

// Load reads Config from the process environment.
func Load() (Config, error) {
	return LoadFrom(nil)
}

// LoadFrom reads Config from environ, or from the process environment when
// environ is nil.
func LoadFrom(environ map[string]string) (Config, error) {
	var c Config
	if err := env.ParseWithOptions(&c, options("", environ)); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	switch c.BusBackend = strings.ToLower(strings.TrimSpace(c.BusBackend)); c.BusBackend {
	case BackendRedis, BackendNATS, BackendMemory:
	default:
		return Config{}, fmt.Errorf("config: unknown BUS_BACKEND %q", c.BusBackend)
	}
	if c.RPCTimeoutSecs <= 0 {
		c.RPCTimeoutSecs = 30
	}
	return c, nil
}

// WorkerConfig holds one worker's settings, read from variables that share
// a prefix (EMAIL_STREAM_NAME, EMAIL_CONSUMER_GROUP, ...).
type WorkerConfig struct {
	Prefix string

	StreamName        string `env:"STREAM_NAME,notEmpty"`
	ConsumerGroup     string `env:"CONSUMER_GROUP,notEmpty"`
	BatchSize         int    `env:"BATCH_SIZE" envDefault:"10"`
	PollIntervalMS    int    `env:"POLL_INTERVAL_MS" envDefault:"500"`
	BlockTimeoutMS    *int   `env:"BLOCK_TIMEOUT_MS"`
	MaxRetries        int    `env:"MAX_RETRIES" envDefault:"3"`
	MaxConcurrentJobs int    `env:"MAX_CONCURRENT_JOBS" envDefault:"1"`
	DLQStreamName     string `env:"DLQ_STREAM_NAME"`
	EnableDLQ         bool   `env:"ENABLE_DLQ" envDefault:"true"`
	ClaimIdleTimeSecs int    `env:"CLAIM_IDLE_TIME_SECS" envDefault:"5"`
	MaxStreamLength   int64  `env:"MAX_STREAM_LENGTH" envDefault:"100000"`

	ShutdownTimeoutSecs int    `env:"SHUTDOWN_TIMEOUT_SECS" envDefault:"30"`
	Backoff             string `env:"BACKOFF" envDefault:"exponential"`
	ConsumerID          string `env:"CONSUMER_ID"`

	// Guards. Zero disables the limiter or breaker.
	RateLimitPerSec     float64 `env:"RATE_LIMIT_PER_SEC" envDefault:"0"`
	RateLimitBurst      int     `env:"RATE_LIMIT_BURST" envDefault:"1"`
	BreakerFailures     int     `env:"BREAKER_FAILURES" envDefault:"0"`
	BreakerRecoverySecs int     `env:"BREAKER_RECOVERY_SECS" envDefault:"30"`
	BreakerSuccesses    int     `env:"BREAKER_SUCCESSES" envDefault:"1"`

	schedule retry.Schedule
}

// LoadWorker reads the worker settings under prefix from the process
// environment.
func LoadWorker(prefix string) (WorkerConfig, error) {
	return LoadWorkerFrom(prefix, nil)
}

func LoadWorkerFrom(prefix string, environ map[string]string) (WorkerConfig, error) {
	prefix = strings.ToUpper(strings.TrimSuffix(prefix, "_"))
	var w WorkerConfig
	if err := env.ParseWithOptions(&w, options(prefix+"_", environ)); err != nil {
		return WorkerConfig{}, fmt.Errorf("config: worker %s: %w", prefix, err)
	}
	w.Prefix = prefix
	if err := w.normalize(); err != nil {
		return WorkerConfig{}, fmt.Errorf("config: worker %s: %w", prefix, err)
	}
	return w, nil
}

func (w *WorkerConfig) normalize() error {
	if w.BatchSize < 1 {
		w.BatchSize = 1
	}
	if w.MaxConcurrentJobs < 1 {
		w.MaxConcurrentJobs = 1
	}
	if w.MaxRetries < 0 {
		w.MaxRetries = 0
	}
	if w.DLQStreamName == "" {
		w.DLQStreamName = w.StreamName + ":dlq"
	}
	if w.ConsumerID == "" {
		w.ConsumerID = DefaultConsumerID()
	}
	if w.ShutdownTimeoutSecs <= 0 {
		w.ShutdownTimeoutSecs = 30
	}
	if w.RateLimitBurst < 1 {
		w.RateLimitBurst = 1
	}
	if w.BreakerSuccesses < 1 {
		w.BreakerSuccesses = 1
	}
	s, err := retry.ParseSchedule(w.Backoff)
	if err != nil {
		return err
	}
	w.schedule = s
	return nil
}

// DefaultConsumerID is hostname-pid-<8 hex>, unique per process.
func DefaultConsumerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}

func (w WorkerConfig) PollInterval() time.Duration {
	return time.Duration(w.PollIntervalMS) * time.Millisecond
}

// BlockTimeout is nil in polling mode. Zero means non-blocking reads.
func (w WorkerConfig) BlockTimeout() *time.Duration {
	if w.BlockTimeoutMS == nil {
		return nil
	}
	d := time.Duration(*w.BlockTimeoutMS) * time.Millisecond
	return &d
}

func (w WorkerConfig) ClaimIdle() time.Duration {
	return time.Duration(w.ClaimIdleTimeSecs) * time.Second
}

func (w WorkerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(w.ShutdownTimeoutSecs) * time.Second
}

func (w WorkerConfig) BreakerRecovery() time.Duration {
	return time.Duration(w.BreakerRecoverySecs) * time.Second
}

func (w WorkerConfig) StreamDef() domain.StreamDef {
	return domain.StreamDef{
		QueueName:     w.StreamName,
		ConsumerGroup: w.ConsumerGroup,
		DLQName:       w.DLQStreamName,
		MaxLength:     w.MaxStreamLength,
		PollInterval:  w.PollInterval(),
		BatchSize:     w.BatchSize,
		ClaimTimeout:  w.ClaimIdle(),
	}
}

// Policy is the stock retry table shaped by BACKOFF. MAX_RETRIES caps the
// transient budget.
func (w WorkerConfig) Policy() *retry.Policy {
	s := w.schedule
	if s == "" {
		s = retry.ScheduleExponential
	}
	return retry.NewPolicy(s, w.MaxRetries)
}

func options(prefix string, environ map[string]string) env.Options {
	opts := env.Options{Prefix: prefix}
	if environ != nil {
		opts.Environment = environ
	}
	return opts
}
