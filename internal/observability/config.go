package observability

import (
	"fmt"
	"strings"

	"github.com/reefbuddy/reefbuddy/internal/config"
	"github.com/spf13/viper"
)

const (
	ProtocolGRPC = "grpc"
	ProtocolHTTP = "http/protobuf"

	ExporterPrometheus = "prometheus"
	ExporterOTLP       = "otlp"
	ExporterNone       = "none"
)

var defaultUntracedPaths = []string{"/health", "/health/ready", "/metrics"}

// Config holds the telemetry settings of one ledger process.
type Config struct {
	ServiceName string
	Environment string
	Version     string
	NodeID      int64

	LogLevel  string
	LogFormat string

	OtelEnabled          bool
	OtelExporterEndpoint string
	OtelExporterProtocol string
	OtelSamplingRatio    float64
	MetricsExporter      string

	// DeviceHashSalt keys the device hash that spans carry in place of the raw id.
	DeviceHashSalt string
	// UntracedPaths are served without a span.
	UntracedPaths []string
}

// LoadConfig starts from the application config and applies the standard
// OTEL_* and LOG_* environment overrides.
func LoadConfig(cfg config.Config) (Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	v.SetDefault("DEPLOYMENT_ENV", cfg.Environment)
	v.SetDefault("SERVICE_VERSION", cfg.AppVersion)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("OTEL_ENABLED", true)
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.OTLPEndpoint)
	v.SetDefault("OTEL_EXPORTER_OTLP_PROTOCOL", ProtocolGRPC)
	v.SetDefault("OTEL_SAMPLING_RATIO", 0.1)
	v.SetDefault("METRICS_EXPORTER", ExporterPrometheus)

	serviceName := strings.TrimSpace(cfg.AppName)
	if serviceName == "" {
		serviceName = "reefbuddy"
	}
	protocol := lower(v.GetString("OTEL_EXPORTER_OTLP_PROTOCOL"))
	if traces := lower(v.GetString("OTEL_EXPORTER_OTLP_TRACES_PROTOCOL")); traces != "" {
		protocol = traces
	}
	salt := strings.TrimSpace(v.GetString("OBS_DEVICE_HASH_SALT"))
	if salt == "" {
		salt = serviceName
	}

	out := Config{
		ServiceName:          serviceName,
		Environment:          strings.TrimSpace(v.GetString("DEPLOYMENT_ENV")),
		Version:              strings.TrimSpace(v.GetString("SERVICE_VERSION")),
		NodeID:               cfg.NodeID,
		LogLevel:             lower(v.GetString("LOG_LEVEL")),
		LogFormat:            lower(v.GetString("LOG_FORMAT")),
		OtelEnabled:          v.GetBool("OTEL_ENABLED"),
		OtelExporterEndpoint: strings.TrimSpace(v.GetString("OTEL_EXPORTER_OTLP_ENDPOINT")),
		OtelExporterProtocol: protocol,
		OtelSamplingRatio:    v.GetFloat64("OTEL_SAMPLING_RATIO"),
		MetricsExporter:      lower(v.GetString("METRICS_EXPORTER")),
		DeviceHashSalt:       salt,
		UntracedPaths:        defaultUntracedPaths,
	}
	return out, out.validate()
}

func (c Config) validate() error {
	switch c.OtelExporterProtocol {
	case ProtocolGRPC, ProtocolHTTP, "http":
	default:
		return fmt.Errorf("unsupported OTLP protocol %q", c.OtelExporterProtocol)
	}
	switch c.MetricsExporter {
	case ExporterPrometheus, ExporterOTLP, ExporterNone:
	default:
		return fmt.Errorf("unsupported metrics exporter %q", c.MetricsExporter)
	}
	if c.OtelSamplingRatio < 0 || c.OtelSamplingRatio > 1 {
		return fmt.Errorf("OTEL_SAMPLING_RATIO must be within [0, 1], got %v", c.OtelSamplingRatio)
	}
	return nil
}

// Debug enables verbose logging and gin debug mode. A production process
// never runs in debug, whatever LOG_LEVEL says.
func (c Config) Debug() bool {
	env := lower(c.Environment)
	if env == "production" {
		return false
	}
	switch env {
	case "dev", "development", "local", "test":
		return true
	}
	return c.LogLevel == "debug"
}

func lower(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
