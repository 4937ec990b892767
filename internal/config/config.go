// Package config provides configuration types and defaults for stemtrace.
package config

import (
	"fmt"
	"net/url"
	"time"
)

// BackoffConfig bounds the consumer's reconnect policy.
type BackoffConfig struct {
	// Initial is the delay before the first reconnect attempt.
	Initial time.Duration `mapstructure:"initial"`
	// Max caps the delay between attempts.
	Max time.Duration `mapstructure:"max"`
	// MaxElapsed is the total time to keep retrying before the consumer
	// surfaces a fatal error. Zero retries forever.
	MaxElapsed time.Duration `mapstructure:"max_elapsed"`
}

// TracingConfig configures the OpenTelemetry trace provider.
type TracingConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Exporter string `mapstructure:"exporter"` // "stdout" or "file"
	FilePath string `mapstructure:"file_path"`
	// SampleRate controls the fraction of traces to sample (1.0 = all).
	SampleRate float64 `mapstructure:"sample_rate"`
}

// Config holds all configuration options for stemtrace.
type Config struct {
	// BrokerURL selects the event transport by scheme
	// (memory://, redis://, rediss://, amqp://, amqps://).
	BrokerURL string `mapstructure:"broker_url"`

	// Prefix namespaces every stream key and queue name so multiple
	// deployments can share one broker.
	Prefix string `mapstructure:"prefix"`

	// TTL bounds how long stream entries and idle graph nodes are retained.
	TTL time.Duration `mapstructure:"ttl"`

	// RetentionMaxTasks caps the number of task nodes held in memory;
	// the oldest nodes are evicted past the cap.
	RetentionMaxTasks int `mapstructure:"retention_max_tasks"`

	// SubscriberQueueDepth is the per-subscriber outbound buffer size.
	SubscriberQueueDepth int `mapstructure:"subscriber_queue_depth"`

	// WorkerOfflineAfter marks a worker offline when no heartbeat has been
	// seen for this long.
	WorkerOfflineAfter time.Duration `mapstructure:"worker_offline_after"`

	// RedactArgs is honored by producer-side instrumentation; the wire
	// schema itself never carries task arguments.
	RedactArgs bool `mapstructure:"redact_args"`

	Backoff BackoffConfig `mapstructure:"backoff"`
	Tracing TracingConfig `mapstructure:"tracing"`

	Debug bool `mapstructure:"debug"`
}

// Defaults returns the default configuration.
func Defaults() Config {
	return Config{
		BrokerURL:            "memory://",
		Prefix:               "stemtrace",
		TTL:                  24 * time.Hour,
		RetentionMaxTasks:    10000,
		SubscriberQueueDepth: 64,
		WorkerOfflineAfter:   5 * time.Minute,
		RedactArgs:           true,
		Backoff: BackoffConfig{
			Initial:    500 * time.Millisecond,
			Max:        30 * time.Second,
			MaxElapsed: 5 * time.Minute,
		},
		Tracing: TracingConfig{
			Enabled:    false,
			Exporter:   "file",
			SampleRate: 1.0,
		},
	}
}

// Validate checks the configuration for values that would fail at runtime.
// Configuration problems fail fast here, never inside the consumer loop.
func (c Config) Validate() error {
	if c.BrokerURL == "" {
		return fmt.Errorf("broker_url is required")
	}
	if _, err := url.Parse(c.BrokerURL); err != nil {
		return fmt.Errorf("broker_url is not a valid URL: %w", err)
	}
	if c.Prefix == "" {
		return fmt.Errorf("prefix must not be empty")
	}
	if c.TTL <= 0 {
		return fmt.Errorf("ttl must be positive, got %s", c.TTL)
	}
	if c.RetentionMaxTasks <= 0 {
		return fmt.Errorf("retention_max_tasks must be positive, got %d", c.RetentionMaxTasks)
	}
	if c.SubscriberQueueDepth <= 0 {
		return fmt.Errorf("subscriber_queue_depth must be positive, got %d", c.SubscriberQueueDepth)
	}
	if c.Backoff.Initial <= 0 || c.Backoff.Max < c.Backoff.Initial {
		return fmt.Errorf("backoff bounds invalid: initial=%s max=%s", c.Backoff.Initial, c.Backoff.Max)
	}
	if c.Tracing.Enabled {
		switch c.Tracing.Exporter {
		case "stdout", "file":
		default:
			return fmt.Errorf("tracing.exporter must be \"stdout\" or \"file\", got %q", c.Tracing.Exporter)
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be in [0,1], got %v", c.Tracing.SampleRate)
		}
	}
	return nil
}
