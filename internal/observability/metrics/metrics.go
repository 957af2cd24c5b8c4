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
	requestDebits  metric.Int64Counter
	creditGrants   metric.Int64Counter
	quotaRejects   metric.Int64Counter
	webhookEvents  metric.Int64Counter
	agentRequests  metric.Int64Counter
	toolLockDenied metric.Int64Counter
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
		name = "complykit"
	}
	meter := provider.Meter(name)

	requestDebits, err := meter.Int64Counter("complykit_request_debits_total")
	if err != nil {
		return nil, err
	}
	creditGrants, err := meter.Int64Counter("complykit_credit_grants_total")
	if err != nil {
		return nil, err
	}
	quotaRejects, err := meter.Int64Counter("complykit_quota_rejects_total")
	if err != nil {
		return nil, err
	}
	webhookEvents, err := meter.Int64Counter("complykit_webhook_events_total")
	if err != nil {
		return nil, err
	}
	agentRequests, err := meter.Int64Counter("complykit_agent_requests_total")
	if err != nil {
		return nil, err
	}
	toolLockDenied, err := meter.Int64Counter("complykit_tool_lock_denied_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		requestDebits:  requestDebits,
		creditGrants:   creditGrants,
		quotaRejects:   quotaRejects,
		webhookEvents:  webhookEvents,
		agentRequests:  agentRequests,
		toolLockDenied: toolLockDenied,
	}, nil
}

// RecordRequestDebit increments accepted debits per quota mode.
func (m *Metrics) RecordRequestDebit(ctx context.Context, mode string) {
	if m == nil {
		return
	}
	m.requestDebits.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", mode)))
}

// RecordCreditGrant increments grants per ledger reason.
func (m *Metrics) RecordCreditGrant(ctx context.Context, reason string, units int64) {
	if m == nil {
		return
	}
	m.creditGrants.Add(ctx, units, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordQuotaReject increments rejected consume attempts.
func (m *Metrics) RecordQuotaReject(ctx context.Context, mode string) {
	if m == nil {
		return
	}
	m.quotaRejects.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", mode)))
}

// RecordWebhookEvent increments processed webhook deliveries by outcome.
func (m *Metrics) RecordWebhookEvent(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.webhookEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordAgentRequest increments forwarded agent calls by outcome.
func (m *Metrics) RecordAgentRequest(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.agentRequests.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordToolLockDenied increments follow-up messages rejected by the tool lock.
func (m *Metrics) RecordToolLockDenied(ctx context.Context) {
	if m == nil {
		return
	}
	m.toolLockDenied.Add(ctx, 1)
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	ctx := context.Background()
	switch strings.ToLower(strings.TrimSpace(protocol)) {
	case "http", "http/protobuf":
		return otlpmetrichttp.New(ctx,
			otlpmetrichttp.WithEndpoint(endpoint),
			otlpmetrichttp.WithInsecure(),
		)
	case "", "grpc":
		return otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(endpoint),
			otlpmetricgrpc.WithInsecure(),
		)
	default:
		return nil, fmt.Errorf("unsupported otlp protocol %q", protocol)
	}
}
