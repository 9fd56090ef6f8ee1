// Package config loads worker settings from an optional file and WORKQUEUE_
// environment variables.
package config

import (
	"time"

	"github.com/leejennwah/workqueue/internal/retry"
)

// Config holds all worker configuration.
type Config struct {
	Queue    QueueConfig    `mapstructure:"queue" validate:"required"`
	Executor ExecutorConfig `mapstructure:"executor" validate:"required"`
	Backend  BackendConfig  `mapstructure:"backend" validate:"required"`
	Server   ServerConfig   `mapstructure:"server" validate:"required"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
	Retry    retry.Policy   `mapstructure:"retry"`
}

// QueueConfig describes the queue served by this worker.
type QueueConfig struct {
	ID             string        `mapstructure:"id" validate:"required"`
	Active         bool          `mapstructure:"active"`
	WaitTimeout    time.Duration `mapstructure:"wait_timeout" validate:"gt=0"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout" validate:"gt=0"`
}

// ExecutorConfig sizes the worker pool.
type ExecutorConfig struct {
	Workers       int           `mapstructure:"workers" validate:"required,gt=0"`
	StatsInterval time.Duration `mapstructure:"stats_interval" validate:"gt=0"`
	// RateLimit caps work started per second across the pool. Zero disables it.
	RateLimit float64 `mapstructure:"rate_limit" validate:"gte=0"`
	RateBurst int     `mapstructure:"rate_burst" validate:"gte=0"`
	// DrainOnShutdown removes pending work on shutdown and writes it to
	// DrainPath. The next start puts it back on the queue.
	DrainOnShutdown bool          `mapstructure:"drain_on_shutdown"`
	DrainPath       string        `mapstructure:"drain_path" validate:"required_if=DrainOnShutdown true"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

// BackendConfig selects the storage behind the queue.
type BackendConfig struct {
	Kind        string `mapstructure:"kind" validate:"required,oneof=memory redis postgres"`
	RedisAddr   string `mapstructure:"redis_addr" validate:"required_if=Kind redis"`
	DatabaseURL string `mapstructure:"database_url" validate:"required_if=Kind postgres"`
}

// ServerConfig contains the control API settings.
type ServerConfig struct {
	Addr     string `mapstructure:"addr" validate:"required"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
}

// TracingConfig configures OTLP trace export.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Endpoint    string `mapstructure:"endpoint" validate:"required_if=Enabled true"`
	ServiceName string `mapstructure:"service_name"`
}
