package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	require.Equal(t, "memory://", cfg.BrokerURL)
	require.Equal(t, "stemtrace", cfg.Prefix)
	require.Equal(t, 24*time.Hour, cfg.TTL)
	require.Equal(t, 10000, cfg.RetentionMaxTasks)
	require.Equal(t, 64, cfg.SubscriberQueueDepth)
	require.True(t, cfg.RedactArgs)
	require.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "missing broker url",
			mutate:  func(c *Config) { c.BrokerURL = "" },
			wantErr: "broker_url is required",
		},
		{
			name:    "empty prefix",
			mutate:  func(c *Config) { c.Prefix = "" },
			wantErr: "prefix",
		},
		{
			name:    "non-positive ttl",
			mutate:  func(c *Config) { c.TTL = 0 },
			wantErr: "ttl",
		},
		{
			name:    "non-positive retention cap",
			mutate:  func(c *Config) { c.RetentionMaxTasks = -1 },
			wantErr: "retention_max_tasks",
		},
		{
			name:    "non-positive queue depth",
			mutate:  func(c *Config) { c.SubscriberQueueDepth = 0 },
			wantErr: "subscriber_queue_depth",
		},
		{
			name:    "backoff max below initial",
			mutate:  func(c *Config) { c.Backoff.Max = c.Backoff.Initial / 2 },
			wantErr: "backoff bounds",
		},
		{
			name: "unknown tracing exporter",
			mutate: func(c *Config) {
				c.Tracing.Enabled = true
				c.Tracing.Exporter = "otlp-grpc"
			},
			wantErr: "tracing.exporter",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
