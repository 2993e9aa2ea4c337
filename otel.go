package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/imeyer/flowbridge/flow"
	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/contrib/processors/minsev"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

type TelemetryConfig struct {
	LogHandler        slog.Handler
	LogHTTPOptions    []otlploghttp.Option
	Meter             metric.Meter
	MetricHTTPOptions []otlpmetrichttp.Option
	Metrics           struct {
		ErrorCounter    metric.Int64Counter
		RequestCounter  metric.Int64Counter
		VersionGauge    metric.Int64Gauge
		RequestDuration metric.Float64Histogram
		DBQueryDuration metric.Float64Histogram
		EventCounter    metric.Int64Counter
		DeliveryCounter metric.Int64Counter
	}
	TraceHTTPOptions []otlptracehttp.Option
	Tracer           trace.Tracer
}

// SetupTelemetry initializes OTEL tracing, metrics, and logging
func setupTelemetry(ctx context.Context, config *Config) (*TelemetryConfig, func(context.Context) error, error) {
	telemetryConfig := &TelemetryConfig{}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNamespace("flowbridge"),
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
		),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create OTEL resource: %w", err)
	}

	var meterProvider *sdkmetric.MeterProvider

	if !config.OTLP {
		prometheusExporter, err := prometheus.New()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create Prometheus exporter: %w", err)
		}

		meterProvider = sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(
				prometheusExporter,
			),
		)
	} else {
		// Configure metric/meter
		metricExporter, err := otlpmetrichttp.New(ctx,
			otlpmetrichttp.WithInsecure())
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create OTEL metrics exporter: %w", err)
		}

		meterProvider = sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(
				sdkmetric.NewPeriodicReader(metricExporter),
			),
		)
	}

	otel.SetMeterProvider(meterProvider)
	telemetryConfig.Meter = meterProvider.Meter(config.ServiceName)

	// Configure OTLP log handler
	logExporter, err := otlploghttp.New(ctx,
		otlploghttp.WithCompression(otlploghttp.GzipCompression),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create log exporter: %w", err)
	}

	var processor sdklog.Processor = sdklog.NewBatchProcessor(logExporter, sdklog.WithExportBufferSize(512))

	processor = minsev.NewLogProcessor(processor, minsev.SeverityInfo)

	if config.LogDebug {
		processor = minsev.NewLogProcessor(processor, minsev.SeverityDebug)
	}

	logProvider := sdklog.NewLoggerProvider(
		sdklog.WithResource(res),
		sdklog.WithProcessor(processor),
	)

	otlpLogHandler := otelslog.NewHandler(
		config.ServiceName,
		otelslog.WithLoggerProvider(logProvider),
	)

	telemetryConfig.LogHandler = otlpLogHandler

	// Configure tracer with compression
	traceExporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithCompression(otlptracehttp.GzipCompression),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	var sampler sdktrace.Sampler

	// We'll always sample errors
	alwaysOnError := sdktrace.ParentBased(
		sdktrace.TraceIDRatioBased(config.TraceSampleRate),
		sdktrace.WithRemoteParentSampled(sdktrace.AlwaysSample()),
		sdktrace.WithRemoteParentNotSampled(sdktrace.TraceIDRatioBased(config.TraceSampleRate)),
		sdktrace.WithLocalParentSampled(sdktrace.AlwaysSample()),
		sdktrace.WithLocalParentNotSampled(sdktrace.TraceIDRatioBased(config.TraceSampleRate)),
	)

	// Configure the sampler
	if config.TraceSampleRate >= 1.0 {
		sampler = sdktrace.AlwaysSample()
	} else if config.TraceSampleRate <= 0.0 {
		sampler = sdktrace.NeverSample()
	} else {
		sampler = alwaysOnError
	}

	config.Logger.Info("configured tracer with sampling",
		slog.Float64("rate", config.TraceSampleRate))

	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(traceExporter,
			sdktrace.WithMaxExportBatchSize(config.TraceMaxBatchSize),
		),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTracerProvider(traceProvider)
	telemetryConfig.Tracer = traceProvider.Tracer(config.ServiceName)

	if err := initializeMetrics(telemetryConfig.Meter, telemetryConfig); err != nil {
		return nil, nil, err
	}

	cleanup := func(ctx context.Context) error {
		if err := meterProvider.Shutdown(ctx); err != nil {
			return err
		}

		if err := traceProvider.Shutdown(ctx); err != nil {
			return err
		}

		if err := logProvider.Shutdown(ctx); err != nil {
			return err
		}

		return nil
	}

	return telemetryConfig, cleanup, nil
}

// initializeMetrics creates the instruments shared by handlers, the traced
// store and the traced dispatchers.
func initializeMetrics(meter metric.Meter, tc *TelemetryConfig) error {
	var err error

	if tc.Metrics.RequestCounter, err = meter.Int64Counter("http.server.requests",
		metric.WithDescription("Number of HTTP requests served")); err != nil {
		return fmt.Errorf("failed to create request counter: %w", err)
	}

	if tc.Metrics.ErrorCounter, err = meter.Int64Counter("http.server.errors",
		metric.WithDescription("Number of HTTP requests answered with a 5xx")); err != nil {
		return fmt.Errorf("failed to create error counter: %w", err)
	}

	if tc.Metrics.VersionGauge, err = meter.Int64Gauge("flowbridge.build.info",
		metric.WithDescription("Build version of the running process")); err != nil {
		return fmt.Errorf("failed to create version gauge: %w", err)
	}

	if tc.Metrics.RequestDuration, err = meter.Float64Histogram("http.server.duration",
		metric.WithDescription("Duration of HTTP requests"),
		metric.WithUnit("s")); err != nil {
		return fmt.Errorf("failed to create request duration histogram: %w", err)
	}

	if tc.Metrics.DBQueryDuration, err = meter.Float64Histogram("db.query.duration",
		metric.WithDescription("Duration of topic store queries"),
		metric.WithUnit("s")); err != nil {
		return fmt.Errorf("failed to create query duration histogram: %w", err)
	}

	if tc.Metrics.EventCounter, err = meter.Int64Counter("flow.events",
		metric.WithDescription("Forum events processed, by event and outcome")); err != nil {
		return fmt.Errorf("failed to create event counter: %w", err)
	}

	if tc.Metrics.DeliveryCounter, err = meter.Int64Counter("flow.deliveries",
		metric.WithDescription("Outbound deliveries, by event and result")); err != nil {
		return fmt.Errorf("failed to create delivery counter: %w", err)
	}

	return nil
}

// observeLanes reports the outbound queue depth on every collection.
func observeLanes(meter metric.Meter, lanes *flow.Lanes) error {
	_, err := meter.Int64ObservableGauge("flow.lanes.pending",
		metric.WithDescription("Outbound tasks waiting in a lane"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(lanes.Pending()))
			return nil
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to create lanes gauge: %w", err)
	}
	return nil
}

// newNoopTelemetry is used when telemetry is disabled and in tests.
func newNoopTelemetry() *TelemetryConfig {
	tc := &TelemetryConfig{
		Meter:  metricnoop.NewMeterProvider().Meter("flowbridge"),
		Tracer: tracenoop.NewTracerProvider().Tracer("flowbridge"),
	}
	// noop instruments never fail
	_ = initializeMetrics(tc.Meter, tc)
	return tc
}
