package observability

import (
	"testing"

	"github.com/reefbuddy/reefbuddy/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func appConfig() config.Config {
	return config.Config{
		AppName:      "reefbuddy-ledger",
		AppVersion:   "1.4.0",
		Environment:  "staging",
		NodeID:       3,
		OTLPEndpoint: "otel-collector:4317",
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(appConfig())
	require.NoError(t, err)

	assert.Equal(t, "reefbuddy-ledger", cfg.ServiceName)
	assert.Equal(t, "staging", cfg.Environment)
	assert.Equal(t, "1.4.0", cfg.Version)
	assert.Equal(t, int64(3), cfg.NodeID)
	assert.Equal(t, "otel-collector:4317", cfg.OtelExporterEndpoint)
	assert.Equal(t, ProtocolGRPC, cfg.OtelExporterProtocol)
	assert.Equal(t, ExporterPrometheus, cfg.MetricsExporter)
	assert.InDelta(t, 0.1, cfg.OtelSamplingRatio, 1e-9)
	assert.Equal(t, "reefbuddy-ledger", cfg.DeviceHashSalt)
	assert.Contains(t, cfg.UntracedPaths, "/health")
	assert.Contains(t, cfg.UntracedPaths, "/metrics")
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc")
	t.Setenv("OTEL_EXPORTER_OTLP_TRACES_PROTOCOL", "HTTP/PROTOBUF")
	t.Setenv("OTEL_SAMPLING_RATIO", "1")
	t.Setenv("METRICS_EXPORTER", "otlp")
	t.Setenv("OBS_DEVICE_HASH_SALT", "rotated-salt")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg, err := LoadConfig(appConfig())
	require.NoError(t, err)
	assert.Equal(t, ProtocolHTTP, cfg.OtelExporterProtocol)
	assert.InDelta(t, 1.0, cfg.OtelSamplingRatio, 1e-9)
	assert.Equal(t, ExporterOTLP, cfg.MetricsExporter)
	assert.Equal(t, "rotated-salt", cfg.DeviceHashSalt)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadConfigRejectsInvalidSettings(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{name: "sampling ratio above one", key: "OTEL_SAMPLING_RATIO", val: "1.5"},
		{name: "negative sampling ratio", key: "OTEL_SAMPLING_RATIO", val: "-0.1"},
		{name: "unknown protocol", key: "OTEL_EXPORTER_OTLP_PROTOCOL", val: "thrift"},
		{name: "unknown metrics exporter", key: "METRICS_EXPORTER", val: "statsd"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)
			_, err := LoadConfig(appConfig())
			require.Error(t, err)
		})
	}
}

func TestDebug(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want bool
	}{
		{name: "production ignores debug level", cfg: Config{Environment: "production", LogLevel: "debug"}, want: false},
		{name: "test env", cfg: Config{Environment: "test"}, want: true},
		{name: "local env", cfg: Config{Environment: "local", LogLevel: "info"}, want: true},
		{name: "staging info", cfg: Config{Environment: "staging", LogLevel: "info"}, want: false},
		{name: "staging debug", cfg: Config{Environment: "staging", LogLevel: "debug"}, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cfg.Debug())
		})
	}
}
