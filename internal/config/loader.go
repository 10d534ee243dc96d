package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/JonMunkholm/dataload/internal/load"
)

// Load reads configuration from environment variables, applies defaults
// for unset values and validates the result.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := loadStruct(reflect.ValueOf(cfg).Elem()); err != nil {
		return nil, fmt.Errorf("config load: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// loadStruct recursively populates struct fields from environment
// variables. Every bad or missing variable is reported, not just the first.
func loadStruct(v reflect.Value) error {
	var errs *multierror.Error
	t := v.Type()

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		fieldVal := v.Field(i)

		if !fieldVal.CanSet() {
			continue
		}

		if field.Type.Kind() == reflect.Struct && field.Type != reflect.TypeOf(time.Time{}) {
			if err := loadStruct(fieldVal); err != nil {
				errs = multierror.Append(errs, err)
			}
			continue
		}

		envName := field.Tag.Get("env")
		if envName == "" {
			continue
		}

		value := os.Getenv(envName)
		if alt := field.Tag.Get("envAlt"); value == "" && alt != "" {
			value = os.Getenv(alt)
		}

		if value == "" {
			if field.Tag.Get("required") == "true" {
				errs = multierror.Append(errs, fmt.Errorf("required environment variable %s is not set", envName))
				continue
			}
			value = field.Tag.Get("default")
		}
		if value == "" {
			continue
		}

		if err := setField(fieldVal, value); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("invalid value for %s=%q: %w", envName, value, err))
		}
	}

	return errs.ErrorOrNil()
}

// setField sets a reflect.Value from a string based on its type.
func setField(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("invalid duration: %w", err)
			}
			field.Set(reflect.ValueOf(d))
			return nil
		}
		i, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid integer: %w", err)
		}
		field.SetInt(i)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean: %w", err)
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type: %s", field.Type().Elem().Kind())
		}
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				result = append(result, p)
			}
		}
		field.Set(reflect.ValueOf(result))

	default:
		return fmt.Errorf("unsupported field type: %s", field.Kind())
	}

	return nil
}

// Validate checks that the configuration is usable and reports every
// failure at once.
func (c *Config) Validate() error {
	var errs *multierror.Error
	fail := func(format string, args ...any) {
		errs = multierror.Append(errs, fmt.Errorf(format, args...))
	}

	// Database
	if c.Database.URL == "" {
		fail("DATABASE_URL is required")
	}
	if c.Database.MaxConns <= 0 {
		fail("DB_MAX_CONNS must be positive")
	}
	if c.Database.MinConns < 0 {
		fail("DB_MIN_CONNS must be non-negative")
	}
	if c.Database.MaxConns < c.Database.MinConns {
		fail("DB_MAX_CONNS (%d) must be >= DB_MIN_CONNS (%d)", c.Database.MaxConns, c.Database.MinConns)
	}

	// Server
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		fail("SERVER_PORT (%d) must be 1-65535", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		fail("SERVER_SHUTDOWN_TIMEOUT must be positive")
	}
	if c.Server.MaxUploadSize <= 0 {
		fail("SERVER_MAX_UPLOAD_SIZE must be positive")
	}

	// Pipeline
	if c.Pipeline.BatchSize <= 0 {
		fail("PIPELINE_BATCH_SIZE must be positive")
	}
	if c.Pipeline.MaxErrorsPerBatch <= 0 {
		fail("PIPELINE_MAX_ERRORS_PER_BATCH must be positive")
	}
	if c.Pipeline.MaxStoredErrors <= 0 {
		fail("PIPELINE_MAX_STORED_ERRORS must be positive")
	}
	if _, err := load.ParseMode(c.Pipeline.LoadMode); err != nil {
		fail("PIPELINE_LOAD_MODE: %v", err)
	}
	if _, err := load.ParsePolicy(c.Pipeline.ConflictPolicy); err != nil {
		fail("PIPELINE_CONFLICT_POLICY: %v", err)
	}

	// Worker and retry
	if c.Worker.MaxConcurrent <= 0 {
		fail("WORKER_MAX_CONCURRENT must be positive")
	}
	if c.Worker.MaxWaitTime <= 0 {
		fail("WORKER_MAX_WAIT_TIME must be positive")
	}
	if c.Worker.JobTimeout < 0 {
		fail("WORKER_JOB_TIMEOUT must be non-negative")
	}
	if c.Worker.JobRetention <= 0 {
		fail("WORKER_JOB_RETENTION must be positive")
	}
	if c.Retry.MaxRetries < 0 {
		fail("RETRY_MAX_RETRIES must be non-negative")
	}
	if c.Retry.BaseDelay < 0 {
		fail("RETRY_BASE_DELAY must be non-negative")
	}

	// Queue
	if c.Queue.URL != "" && c.Queue.Name == "" {
		fail("AMQP_QUEUE is required when AMQP_URL is set")
	}
	if c.Queue.URL != "" && c.Queue.Prefetch <= 0 {
		fail("AMQP_PREFETCH must be positive")
	}

	// Logging
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		fail("LOG_LEVEL (%q) must be one of: debug, info, warn, error", c.Logging.Level)
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		fail("LOG_FORMAT (%q) must be one of: text, json", c.Logging.Format)
	}

	return errs.ErrorOrNil()
}

// String returns a representation safe for logs. Connection strings are
// masked.
func (c *Config) String() string {
	mask := func(s string) string {
		if s == "" {
			return `""`
		}
		return "[MASKED]"
	}

	var b strings.Builder
	b.WriteString("Config{")
	fmt.Fprintf(&b, "Server: {Host: %q, Port: %d}, ", c.Server.Host, c.Server.Port)
	fmt.Fprintf(&b, "Database: {URL: %s, MaxConns: %d, MinConns: %d}, ",
		mask(c.Database.URL), c.Database.MaxConns, c.Database.MinConns)
	fmt.Fprintf(&b, "Pipeline: {BatchSize: %d, LoadMode: %q, ConflictPolicy: %q}, ",
		c.Pipeline.BatchSize, c.Pipeline.LoadMode, c.Pipeline.ConflictPolicy)
	fmt.Fprintf(&b, "Worker: {MaxConcurrent: %d, JobTimeout: %s}, ", c.Worker.MaxConcurrent, c.Worker.JobTimeout)
	fmt.Fprintf(&b, "Retry: {MaxRetries: %d, BaseDelay: %s}, ", c.Retry.MaxRetries, c.Retry.BaseDelay)
	fmt.Fprintf(&b, "Redis: {URL: %s}, Queue: {URL: %s, Name: %q}, ", mask(c.Redis.URL), mask(c.Queue.URL), c.Queue.Name)
	fmt.Fprintf(&b, "Logging: {Level: %q, Format: %q}", c.Logging.Level, c.Logging.Format)
	b.WriteString("}")
	return b.String()
}
