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
	usageIngest     metric.Int64Counter
	quotaRejects    metric.Int64Counter
	invoicesIssued  metric.Int64Counter
	paymentAttempts metric.Int64Counter
	webhookEvents   metric.Int64Counter
	transitions     metric.Int64Counter
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

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "tenantbill"
	}
	meter := provider.Meter(name)

	usageIngest, err := meter.Int64Counter("tenantbill_usage_ingest_total")
	if err != nil {
		return nil, err
	}
	quotaRejects, err := meter.Int64Counter("tenantbill_usage_quota_rejects_total")
	if err != nil {
		return nil, err
	}
	invoicesIssued, err := meter.Int64Counter("tenantbill_invoices_issued_total")
	if err != nil {
		return nil, err
	}
	paymentAttempts, err := meter.Int64Counter("tenantbill_payment_attempts_total")
	if err != nil {
		return nil, err
	}
	webhookEvents, err := meter.Int64Counter("tenantbill_webhook_events_total")
	if err != nil {
		return nil, err
	}
	transitions, err := meter.Int64Counter("tenantbill_subscription_transitions_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		usageIngest:     usageIngest,
		quotaRejects:    quotaRejects,
		invoicesIssued:  invoicesIssued,
		paymentAttempts: paymentAttempts,
		webhookEvents:   webhookEvents,
		transitions:     transitions,
	}, nil
}

// RecordUsageIngest increments usage ingest counts.
func (m *Metrics) RecordUsageIngest(ctx context.Context, usageType string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("usage_type", strings.TrimSpace(usageType)))
	m.usageIngest.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordQuotaReject increments hard-limit rejection counts.
func (m *Metrics) RecordQuotaReject(ctx context.Context, usageType string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("usage_type", strings.TrimSpace(usageType)))
	m.quotaRejects.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordInvoiceIssued increments issued invoice counts.
func (m *Metrics) RecordInvoiceIssued(ctx context.Context, country string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("country", strings.TrimSpace(country)))
	m.invoicesIssued.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordPaymentAttempt increments payment attempt counts per gateway/outcome.
func (m *Metrics) RecordPaymentAttempt(ctx context.Context, gateway, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("gateway", strings.TrimSpace(gateway)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.paymentAttempts.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordWebhookEvent increments webhook ingestion counts.
func (m *Metrics) RecordWebhookEvent(ctx context.Context, gateway, eventType string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("gateway", strings.TrimSpace(gateway)),
		attribute.String("event_type", strings.TrimSpace(eventType)),
	)
	m.webhookEvents.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordTransition increments subscription state transition counts.
func (m *Metrics) RecordTransition(ctx context.Context, from, to string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("from", strings.TrimSpace(from)),
		attribute.String("to", strings.TrimSpace(to)),
	)
	m.transitions.Add(ctx, 1, metric.WithAttributes(attrs...))
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
	"usage_type":  {},
	"country":     {},
	"gateway":     {},
	"outcome":     {},
	"event_type":  {},
	"from":        {},
	"to":          {},
	"endpoint":    {},
	"status_code": {},
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
