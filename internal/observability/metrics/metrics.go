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
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes application-level instruments.
type Metrics struct {
	retriesScheduled metric.Int64Counter
	retriesProcessed metric.Int64Counter
	escalations      metric.Int64Counter
	notifications    metric.Int64Counter
	alertsSent       metric.Int64Counter
	recoveries       metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
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
		name = "reclaim"
	}
	meter := provider.Meter(name)

	retriesScheduled, err := meter.Int64Counter("reclaim_retries_scheduled_total")
	if err != nil {
		return nil, err
	}
	retriesProcessed, err := meter.Int64Counter("reclaim_retries_processed_total")
	if err != nil {
		return nil, err
	}
	escalations, err := meter.Int64Counter("reclaim_escalations_total")
	if err != nil {
		return nil, err
	}
	notifications, err := meter.Int64Counter("reclaim_notifications_total")
	if err != nil {
		return nil, err
	}
	alertsSent, err := meter.Int64Counter("reclaim_alerts_sent_total")
	if err != nil {
		return nil, err
	}
	recoveries, err := meter.Int64Counter("reclaim_recoveries_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		retriesScheduled: retriesScheduled,
		retriesProcessed: retriesProcessed,
		escalations:      escalations,
		notifications:    notifications,
		alertsSent:       alertsSent,
		recoveries:       recoveries,
	}, nil
}

// RecordRetryScheduled increments scheduled retry counts.
func (m *Metrics) RecordRetryScheduled(ctx context.Context, errorCategory string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("error_category", strings.TrimSpace(errorCategory)))
	m.retriesScheduled.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRetryProcessed increments processed retry counts by outcome.
func (m *Metrics) RecordRetryProcessed(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("outcome", strings.TrimSpace(outcome)))
	m.retriesProcessed.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordEscalation increments subscription escalation counts.
func (m *Metrics) RecordEscalation(ctx context.Context, stage string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("stage", strings.TrimSpace(stage)))
	m.escalations.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordNotification increments customer notification counts by type.
func (m *Metrics) RecordNotification(ctx context.Context, noticeType string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("notice_type", strings.TrimSpace(noticeType)))
	m.notifications.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordAlertSent increments operational alert counts by reason.
func (m *Metrics) RecordAlertSent(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("reason", strings.TrimSpace(reason)))
	m.alertsSent.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRecovery counts a successful payment with the number of
// failures the tenant accumulated before it.
func (m *Metrics) RecordRecovery(ctx context.Context, failuresBefore int) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("failures_before", failuresBeforeBucket(failuresBefore)))
	m.recoveries.Add(ctx, 1, metric.WithAttributes(attrs...))
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

var allowedLabelKeys = map[attribute.Key]struct{}{
	"error_category":  {},
	"failures_before": {},
	"notice_type":     {},
	"outcome":         {},
	"reason":          {},
	"stage":           {},
	"status_code":     {},
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
