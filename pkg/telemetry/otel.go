package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// OTelConfig configures the OTLP exporter.
type OTelConfig struct {
	ServiceName  string
	OTLPEndpoint string
	Insecure     bool
	BatchTimeout time.Duration

	// SetGlobal registers the exporter's providers as the process-wide
	// OTel defaults, so library code using the global API is captured too.
	SetGlobal bool
}

// OTelExporter is an Exporter that forwards each telemetry Event as a
// span (node_state/batch/routing events) and records RED-style metrics.
type OTelExporter struct {
	cfg            OTelConfig
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	eventCounter   metric.Int64Counter
	errorCounter   metric.Int64Counter
	durationHist   metric.Float64Histogram
}

// NewOTelExporter initializes OTLP gRPC trace and metric providers and
// returns an Exporter that uses them.
func NewOTelExporter(ctx context.Context, cfg OTelConfig) (*OTelExporter, error) {
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 5 * time.Second
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName(cfg.ServiceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	}

	traceExporter, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(traceExporter, sdktrace.WithBatchTimeout(cfg.BatchTimeout)),
	)

	metricExporter, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: metric exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(15*time.Second))),
	)

	meter := mp.Meter("elspeth")
	eventCounter, err := meter.Int64Counter("elspeth.events.total", metric.WithDescription("Telemetry events exported"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: event counter: %w", err)
	}
	errorCounter, err := meter.Int64Counter("elspeth.events.errors", metric.WithDescription("Telemetry events carrying an error"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: error counter: %w", err)
	}
	durationHist, err := meter.Float64Histogram("elspeth.node_state.duration",
		metric.WithDescription("Node state duration in seconds"), metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: duration histogram: %w", err)
	}

	e := &OTelExporter{
		cfg:            cfg,
		tracerProvider: tp,
		meterProvider:  mp,
		tracer:         tp.Tracer("elspeth"),
		eventCounter:   eventCounter,
		errorCounter:   errorCounter,
		durationHist:   durationHist,
	}
	if cfg.SetGlobal {
		e.setGlobal()
	}
	return e, nil
}

func (e *OTelExporter) Name() string { return "otel" }

func (e *OTelExporter) Export(ctx context.Context, ev Event) error {
	attrs := []attribute.KeyValue{
		attribute.String("run_id", ev.RunID),
		attribute.String("node_id", ev.NodeID),
		attribute.String("kind", string(ev.Kind)),
	}

	_, span := e.tracer.Start(ctx, string(ev.Kind), trace.WithAttributes(attrs...))
	defer span.End()

	e.eventCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	if ev.Duration > 0 {
		e.durationHist.Record(ctx, ev.Duration.Seconds(), metric.WithAttributes(attrs...))
	}
	if ev.Err != nil {
		span.RecordError(ev.Err)
		e.errorCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	return nil
}

func (e *OTelExporter) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var firstErr error
	if err := e.tracerProvider.Shutdown(ctx); err != nil {
		firstErr = err
	}
	if err := e.meterProvider.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

var _ Exporter = (*OTelExporter)(nil)

func (e *OTelExporter) setGlobal() {
	otel.SetTracerProvider(e.tracerProvider)
	otel.SetMeterProvider(e.meterProvider)
}
