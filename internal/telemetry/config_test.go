package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Getters(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name            string
		config          *Config
		expectedName    string
		expectedVersion string
		expectedEndpt   string
	}{
		{
			name:            "defaults when empty",
			config:          &Config{},
			expectedName:    DefaultServiceName,
			expectedVersion: "unknown",
			expectedEndpt:   DefaultEndpoint,
		},
		{
			name: "configured values",
			config: &Config{
				ServiceName:    "preload-ci",
				ServiceVersion: "1.2.3",
				Endpoint:       "collector.example.com:4318",
			},
			expectedName:    "preload-ci",
			expectedVersion: "1.2.3",
			expectedEndpt:   "collector.example.com:4318",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.expectedName, tt.config.GetServiceName())
			assert.Equal(t, tt.expectedVersion, tt.config.GetServiceVersion())
			assert.Equal(t, tt.expectedEndpt, tt.config.GetEndpoint())
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		config  *Config
		wantErr string
	}{
		{
			name:   "nil config is valid",
			config: nil,
		},
		{
			name: "disabled config skips nested validation",
			config: &Config{
				Enabled: false,
				Tracing: &TracingConfig{Enabled: true, Sampling: 7},
			},
		},
		{
			name: "valid tracing and metrics",
			config: &Config{
				Enabled: true,
				Tracing: &TracingConfig{Enabled: true, Sampling: 0.5},
				Metrics: &MetricsConfig{Enabled: true, TextfilePath: "/var/lib/node_exporter/feed_preload.prom"},
			},
		},
		{
			name: "sampling out of range",
			config: &Config{
				Enabled: true,
				Tracing: &TracingConfig{Enabled: true, Sampling: 1.5},
			},
			wantErr: "tracing: sampling must be between 0.0 and 1.0",
		},
		{
			name: "negative sampling",
			config: &Config{
				Enabled: true,
				Tracing: &TracingConfig{Enabled: true, Sampling: -0.1},
			},
			wantErr: "tracing: sampling must be between",
		},
		{
			name: "disabled tracing ignores bad sampling",
			config: &Config{
				Enabled: true,
				Tracing: &TracingConfig{Enabled: false, Sampling: 3},
			},
		},
		{
			name: "otlp disabled without textfile",
			config: &Config{
				Enabled: true,
				Metrics: &MetricsConfig{Enabled: true, DisableOTLP: true},
			},
			wantErr: "metrics: disableOTLP requires textfilePath",
		},
		{
			name: "textfile must use prom extension",
			config: &Config{
				Enabled: true,
				Metrics: &MetricsConfig{Enabled: true, TextfilePath: "/tmp/metrics.txt"},
			},
			wantErr: "metrics: textfilePath must end in .prom",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.config.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_Validate_JoinsErrors(t *testing.T) {
	t.Parallel()

	cfg := &Config{
		Enabled: true,
		Tracing: &TracingConfig{Enabled: true, Sampling: 2},
		Metrics: &MetricsConfig{Enabled: true, DisableOTLP: true},
	}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tracing:")
	assert.Contains(t, err.Error(), "metrics:")
}

func TestTracingConfig_GetSampling(t *testing.T) {
	t.Parallel()

	assert.Equal(t, DefaultSampling, (&TracingConfig{}).GetSampling())
	assert.Equal(t, 0.25, (&TracingConfig{Sampling: 0.25}).GetSampling())
}
