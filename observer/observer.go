// Package observer provides OTEL-based observability for watchtower.
//
// It wraps the chat and embedding providers with instrumented versions and
// exposes counters the ingest pipeline, alert monitor, and tool bridge
// record into. Export targets come from the standard OTEL env vars
// (OTEL_EXPORTER_OTLP_ENDPOINT, etc.); the whole package is optional and the
// service runs fine without it.
package observer

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/kestrelsec/watchtower/observer"

// Instruments holds the OTEL instruments shared across components.
type Instruments struct {
	Tracer trace.Tracer
	Meter  metric.Meter
	Logger otellog.Logger

	// Counters
	EventsIngested metric.Int64Counter
	AlertsSent     metric.Int64Counter
	ToolExecutions metric.Int64Counter
	LLMRequests    metric.Int64Counter
	TokenUsage     metric.Int64Counter
	EmbedRequests  metric.Int64Counter

	// Histograms
	LLMDuration       metric.Float64Histogram
	ToolDuration      metric.Float64Histogram
	RetrievalDuration metric.Float64Histogram
	IngestBatchSize   metric.Int64Histogram
}

// Init sets up OTEL trace, metric, and log providers with OTLP HTTP
// exporters. Returns a shutdown function that must be called on exit.
func Init(ctx context.Context) (*Instruments, func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName("watchtower")),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, err
	}

	traceExp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	metricExp, err := otlpmetrichttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	logExp, err := otlploghttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, nil, err
	}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)),
		sdklog.WithResource(res),
	)
	global.SetLoggerProvider(lp)

	inst, err := newInstruments()
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		_ = lp.Shutdown(ctx)
		return nil, nil, err
	}

	shutdown := func(ctx context.Context) error {
		return errors.Join(
			tp.Shutdown(ctx),
			mp.Shutdown(ctx),
			lp.Shutdown(ctx),
		)
	}
	return inst, shutdown, nil
}

func newInstruments() (*Instruments, error) {
	meter := otel.Meter(scopeName)

	eventsIngested, err := meter.Int64Counter("ingest.events",
		metric.WithDescription("Events committed to the archive"),
		metric.WithUnit("{event}"))
	if err != nil {
		return nil, err
	}
	alertsSent, err := meter.Int64Counter("alert.notifications",
		metric.WithDescription("Alert notifications delivered"),
		metric.WithUnit("{notification}"))
	if err != nil {
		return nil, err
	}
	toolExecutions, err := meter.Int64Counter("tool.executions",
		metric.WithDescription("Tool execution count"),
		metric.WithUnit("{execution}"))
	if err != nil {
		return nil, err
	}
	llmRequests, err := meter.Int64Counter("llm.requests",
		metric.WithDescription("LLM request count"),
		metric.WithUnit("{request}"))
	if err != nil {
		return nil, err
	}
	tokenUsage, err := meter.Int64Counter("llm.token.usage",
		metric.WithDescription("Total tokens consumed"),
		metric.WithUnit("{token}"))
	if err != nil {
		return nil, err
	}
	embedRequests, err := meter.Int64Counter("embedding.requests",
		metric.WithDescription("Embedding request count"),
		metric.WithUnit("{request}"))
	if err != nil {
		return nil, err
	}
	llmDuration, err := meter.Float64Histogram("llm.duration",
		metric.WithDescription("LLM call duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	toolDuration, err := meter.Float64Histogram("tool.duration",
		metric.WithDescription("Tool execution duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	retrievalDuration, err := meter.Float64Histogram("retrieval.duration",
		metric.WithDescription("Hybrid retrieval duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	ingestBatchSize, err := meter.Int64Histogram("ingest.batch_size",
		metric.WithDescription("Events per committed ingest batch"),
		metric.WithUnit("{event}"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		Tracer:            otel.Tracer(scopeName),
		Meter:             meter,
		Logger:            global.GetLoggerProvider().Logger(scopeName),
		EventsIngested:    eventsIngested,
		AlertsSent:        alertsSent,
		ToolExecutions:    toolExecutions,
		LLMRequests:       llmRequests,
		TokenUsage:        tokenUsage,
		EmbedRequests:     embedRequests,
		LLMDuration:       llmDuration,
		ToolDuration:      toolDuration,
		RetrievalDuration: retrievalDuration,
		IngestBatchSize:   ingestBatchSize,
	}, nil
}
