package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g.
// WORKQUEUE_BACKEND_KIND.
const EnvPrefix = "WORKQUEUE"

// Load reads configuration from path, when non-empty, and then from the
// environment. Environment variables take precedence over the file.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cfg against its struct tags.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(fields, ", "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// setDefaults registers a default for every key. AutomaticEnv only binds keys
// viper already knows about, so each field needs one.
func setDefaults(v *viper.Viper) {
	v.SetDefault("queue.id", "default")
	v.SetDefault("queue.active", false)
	v.SetDefault("queue.wait_timeout", "5s")
	v.SetDefault("queue.attempt_timeout", "5s")

	v.SetDefault("executor.workers", 4)
	v.SetDefault("executor.stats_interval", "5s")
	v.SetDefault("executor.rate_limit", 0)
	v.SetDefault("executor.rate_burst", 1)
	v.SetDefault("executor.drain_on_shutdown", false)
	v.SetDefault("executor.drain_path", "")
	v.SetDefault("executor.shutdown_timeout", "30s")

	v.SetDefault("backend.kind", "memory")
	v.SetDefault("backend.redis_addr", "localhost:6379")
	v.SetDefault("backend.database_url", "")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.log_level", "info")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4317")
	v.SetDefault("tracing.service_name", "workqueue-worker")

	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.base_delay", "100ms")
	v.SetDefault("retry.max_delay", "2s")
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_ratio", 0.1)
}
