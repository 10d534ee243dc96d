// Package config provides centralized configuration management for the
// service. It loads configuration from environment variables with defaults
// and validates all settings on startup to fail fast on misconfiguration.
package config

import (
	"strconv"
	"time"
)

// Config holds all application configuration.
// All settings can be configured via environment variables.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Pipeline PipelineConfig
	Worker   WorkerConfig
	Retry    RetryConfig
	Redis    RedisConfig
	Queue    QueueConfig
	Security SecurityConfig
	Logging  LoggingConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `env:"SERVER_HOST" default:"0.0.0.0"`
	Port int    `env:"SERVER_PORT" default:"8080"`

	// ReadTimeout covers reading the request including uploaded files.
	ReadTimeout  time.Duration `env:"SERVER_READ_TIMEOUT" default:"60s"`
	WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" default:"60s"`
	IdleTimeout  time.Duration `env:"SERVER_IDLE_TIMEOUT" default:"60s"`

	// ShutdownTimeout bounds the graceful drain of running jobs and open
	// requests.
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`

	// RequestTimeout is the middleware timeout for requests.
	RequestTimeout time.Duration `env:"SERVER_REQUEST_TIMEOUT" default:"60s"`

	// MaxUploadSize caps multipart uploads in bytes (default: 100MB).
	MaxUploadSize int64 `env:"SERVER_MAX_UPLOAD_SIZE" default:"104857600"`

	// RateLimit is API requests per minute per client. Zero disables it.
	RateLimit int `env:"SERVER_RATE_LIMIT" default:"100"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	// URL is the PostgreSQL connection string.
	// Supports both DATABASE_URL and DB_URL env vars.
	URL string `env:"DATABASE_URL" envAlt:"DB_URL" required:"true"`

	MaxConns        int           `env:"DB_MAX_CONNS" default:"20"`
	MinConns        int           `env:"DB_MIN_CONNS" default:"4"`
	MaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" default:"1h"`
	MaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" default:"30m"`

	// EnsureSchema creates the bookkeeping tables at startup.
	EnsureSchema bool `env:"DB_ENSURE_SCHEMA" default:"true"`
}

// PipelineConfig tunes how each job reads, validates and loads.
type PipelineConfig struct {
	BatchSize         int `env:"PIPELINE_BATCH_SIZE" default:"1000"`
	MaxErrorsPerBatch int `env:"PIPELINE_MAX_ERRORS_PER_BATCH" default:"100"`
	MaxStoredErrors   int `env:"PIPELINE_MAX_STORED_ERRORS" default:"500"`

	// LoadMode is row, bulk or merge.
	LoadMode string `env:"PIPELINE_LOAD_MODE" default:"row"`

	// ConflictPolicy is skip, update or error.
	ConflictPolicy string `env:"PIPELINE_CONFLICT_POLICY" default:"skip"`

	// UploadDir receives files posted to the API.
	UploadDir string `env:"UPLOAD_DIR" default:"./uploads"`
}

// WorkerConfig bounds concurrent jobs.
type WorkerConfig struct {
	MaxConcurrent int           `env:"WORKER_MAX_CONCURRENT" default:"5"`
	MaxWaitTime   time.Duration `env:"WORKER_MAX_WAIT_TIME" default:"30s"`
	JobTimeout    time.Duration `env:"WORKER_JOB_TIMEOUT" default:"30m"`

	// JobRetention is how long a finished job stays in memory. After that
	// its status is served from the job table.
	JobRetention time.Duration `env:"WORKER_JOB_RETENTION" default:"5m"`
}

// RetryConfig is the backoff policy for failed jobs.
type RetryConfig struct {
	MaxRetries int           `env:"RETRY_MAX_RETRIES" default:"3"`
	BaseDelay  time.Duration `env:"RETRY_BASE_DELAY" default:"60s"`
}

// RedisConfig enables the shared progress store when URL is set.
type RedisConfig struct {
	URL         string        `env:"REDIS_URL"`
	ProgressTTL time.Duration `env:"REDIS_PROGRESS_TTL" default:"24h"`
}

// QueueConfig enables AMQP job intake when URL is set.
type QueueConfig struct {
	URL      string `env:"AMQP_URL"`
	Name     string `env:"AMQP_QUEUE" default:"dataload.jobs"`
	Prefetch int    `env:"AMQP_PREFETCH" default:"5"`
}

// SecurityConfig holds security-related settings.
type SecurityConfig struct {
	// TrustedProxies is a comma-separated list of proxy CIDRs whose
	// forwarding headers are believed.
	TrustedProxies []string `env:"TRUSTED_PROXIES"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error.
	Level string `env:"LOG_LEVEL" default:"info"`

	// Format is the log format: text or json.
	Format string `env:"LOG_FORMAT" default:"text"`
}

// Addr returns the server listen address in host:port format.
func (c *ServerConfig) Addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}
