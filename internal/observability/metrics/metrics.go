package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	Exporter         string
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

const (
	ExporterOTLP       = "otlp"
	ExporterPrometheus = "prometheus"
)

// Metrics exposes application-level instruments.
type Metrics struct {
	analysisDecisions metric.Int64Counter
	purchases         metric.Int64Counter
	rateLimitAllowed  metric.Int64Counter
	rateLimitDenied   metric.Int64Counter
	reconciled        metric.Int64Counter
	storageErrors     metric.Int64Counter
	executorLatency   metric.Float64Histogram
}

// NewProvider configures and registers the meter provider. The prometheus
// exporter registers with the default client_golang registry served on /metrics.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	reader, err := newReader(cfg)
	if err != nil {
		return nil, err
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("exporter", cfg.Exporter),
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "reefbuddy"
	}
	meter := provider.Meter(name)

	analysisDecisions, err := meter.Int64Counter("reefbuddy_analysis_decisions_total",
		metric.WithDescription("Entitlement decisions by outcome and source"))
	if err != nil {
		return nil, err
	}
	purchases, err := meter.Int64Counter("reefbuddy_purchases_total",
		metric.WithDescription("Purchase applications by provider and outcome"))
	if err != nil {
		return nil, err
	}
	rateLimitAllowed, err := meter.Int64Counter("reefbuddy_rate_limit_allowed_total")
	if err != nil {
		return nil, err
	}
	rateLimitDenied, err := meter.Int64Counter("reefbuddy_rate_limit_denied_total")
	if err != nil {
		return nil, err
	}
	reconciled, err := meter.Int64Counter("reefbuddy_purchases_reconciled_total",
		metric.WithDescription("Ledgered purchases credited by read-repair or the sweep"))
	if err != nil {
		return nil, err
	}
	storageErrors, err := meter.Int64Counter("reefbuddy_storage_errors_total")
	if err != nil {
		return nil, err
	}
	executorLatency, err := meter.Float64Histogram("reefbuddy_analysis_executor_duration_seconds")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		analysisDecisions: analysisDecisions,
		purchases:         purchases,
		rateLimitAllowed:  rateLimitAllowed,
		rateLimitDenied:   rateLimitDenied,
		reconciled:        reconciled,
		storageErrors:     storageErrors,
		executorLatency:   executorLatency,
	}, nil
}

// RecordDecision counts a grant or deny for the given entitlement source.
func (m *Metrics) RecordDecision(ctx context.Context, outcome, source string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("outcome", strings.TrimSpace(outcome)),
		attribute.String("source", strings.TrimSpace(source)),
	)
	m.analysisDecisions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordPurchase counts a purchase application.
func (m *Metrics) RecordPurchase(ctx context.Context, provider, productID, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("provider", strings.TrimSpace(provider)),
		attribute.String("product_id", strings.TrimSpace(productID)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.purchases.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordRateLimitAllowed(ctx context.Context, endpoint string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("endpoint", strings.TrimSpace(endpoint)))
	m.rateLimitAllowed.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordRateLimitDenied(ctx context.Context, endpoint, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("endpoint", strings.TrimSpace(endpoint)),
		attribute.String("reason", strings.TrimSpace(reason)),
	)
	m.rateLimitDenied.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordReconciled counts records credited outside the purchase request.
func (m *Metrics) RecordReconciled(ctx context.Context, trigger string, count int) {
	if m == nil || count <= 0 {
		return
	}
	attrs := FilterAttributes(attribute.String("trigger", strings.TrimSpace(trigger)))
	m.reconciled.Add(ctx, int64(count), metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordStorageError(ctx context.Context, store, operation string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("store", strings.TrimSpace(store)),
		attribute.String("operation", strings.TrimSpace(operation)),
	)
	m.storageErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) ObserveExecutor(ctx context.Context, elapsed time.Duration, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("outcome", strings.TrimSpace(outcome)))
	m.executorLatency.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attrs...))
}

func newReader(cfg Config) (sdkmetric.Reader, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Exporter)) {
	case ExporterPrometheus:
		exporter, err := otelprom.New()
		if err != nil {
			return nil, fmt.Errorf("create prometheus exporter: %w", err)
		}
		return exporter, nil
	case ExporterOTLP, "":
		exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
		if err != nil {
			return nil, err
		}
		return sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second)), nil
	default:
		return nil, fmt.Errorf("unsupported metrics exporter %q", cfg.Exporter)
	}
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

// Device ids never become labels.
var allowedLabelKeys = map[attribute.Key]struct{}{
	"endpoint":    {},
	"status_code": {},
	"provider":    {},
	"product_id":  {},
	"outcome":     {},
	"source":      {},
	"reason":      {},
	"trigger":     {},
	"store":       {},
	"operation":   {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
