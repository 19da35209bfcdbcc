// Package metrics exposes the subsystem's operational counters through
// OpenTelemetry. Every instrument is safe to call on a nil receiver so
// services can treat metrics as optional.
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
	admissionDecisions metric.Int64Counter
	settlementRuns     metric.Int64Counter
	settledActivities  metric.Int64Counter
	dispatchDropped    metric.Int64Counter
	dispatchRejected   metric.Int64Counter
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
		name = "metergate"
	}
	meter := provider.Meter(name)

	admissionDecisions, err := meter.Int64Counter("metergate_admission_decisions_total")
	if err != nil {
		return nil, err
	}
	settlementRuns, err := meter.Int64Counter("metergate_settlement_runs_total")
	if err != nil {
		return nil, err
	}
	settledActivities, err := meter.Int64Counter("metergate_settled_activities_total")
	if err != nil {
		return nil, err
	}
	dispatchDropped, err := meter.Int64Counter("metergate_dispatch_dropped_total")
	if err != nil {
		return nil, err
	}
	dispatchRejected, err := meter.Int64Counter("metergate_dispatch_rejected_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		admissionDecisions: admissionDecisions,
		settlementRuns:     settlementRuns,
		settledActivities:  settledActivities,
		dispatchDropped:    dispatchDropped,
		dispatchRejected:   dispatchRejected,
	}, nil
}

// RecordAdmissionDecision counts one gateway decision by outcome.
func (m *Metrics) RecordAdmissionDecision(ctx context.Context, allowed bool, reason string) {
	if m == nil {
		return
	}
	outcome := "deny"
	if allowed {
		outcome = "allow"
	}
	m.admissionDecisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.String("reason", strings.TrimSpace(reason)),
	))
}

// RecordSettlementRun counts one settlement run by result
// (settled, noop or error).
func (m *Metrics) RecordSettlementRun(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.settlementRuns.Add(ctx, 1, metric.WithAttributes(
		attribute.String("result", strings.TrimSpace(result)),
	))
}

// RecordSettledActivities counts activities folded into snapshots.
func (m *Metrics) RecordSettledActivities(ctx context.Context, n int64) {
	if m == nil || n == 0 {
		return
	}
	m.settledActivities.Add(ctx, n)
}

// RecordDispatchDropped counts deliveries suppressed by dedup.
func (m *Metrics) RecordDispatchDropped(ctx context.Context, channel string) {
	if m == nil {
		return
	}
	m.dispatchDropped.Add(ctx, 1, metric.WithAttributes(
		attribute.String("channel", strings.TrimSpace(channel)),
	))
}

// RecordDispatchRejected counts structural delivery rejections.
func (m *Metrics) RecordDispatchRejected(ctx context.Context, channel string) {
	if m == nil {
		return
	}
	m.dispatchRejected.Add(ctx, 1, metric.WithAttributes(
		attribute.String("channel", strings.TrimSpace(channel)),
	))
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
