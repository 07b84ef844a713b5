// Package tracing ships execution spans to an OTLP collector (Jaeger,
// Grafana Tempo, Datadog, ...). The OTel SDK only links into builds that
// enable it; everything here hangs off the serve command's otel build tag.
package tracing

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/chronod/internal/scheduler"
	"github.com/nextlevelbuilder/chronod/internal/store"
)

// Config configures the OTLP exporter.
type Config struct {
	Endpoint    string            // OTLP endpoint (e.g. "localhost:4317")
	Protocol    string            // "grpc" (default) or "http"
	Insecure    bool              // skip TLS for local dev
	ServiceName string            // OTel service name (default "chronod")
	Headers     map[string]string // extra headers (auth tokens, etc.)
}

// Provider owns the tracer provider and the batched OTLP pipeline.
type Provider struct {
	tp     *sdktrace.TracerProvider
	tracer trace.Tracer
}

// New creates an OTLP provider with the given config.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("OTLP endpoint is required")
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "chronod"
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion("1.0.0"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("otel resource: %w", err)
	}

	var exporter sdktrace.SpanExporter
	switch cfg.Protocol {
	case "http":
		opts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(cfg.Endpoint),
		}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
		}
		exporter, err = otlptracehttp.New(ctx, opts...)
	default: // "grpc"
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(cfg.Endpoint),
		}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
	}
	if err != nil {
		return nil, fmt.Errorf("otel exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter,
			sdktrace.WithMaxExportBatchSize(100),
			sdktrace.WithBatchTimeout(5*time.Second),
		),
		sdktrace.WithResource(res),
	)

	return &Provider{
		tp:     tp,
		tracer: tp.Tracer("chronod"),
	}, nil
}

// WrapExecutor decorates an executor so every attempt emits one span. The
// execution row id and retry attempt ride along as attributes, correlating
// traces with the job_executions table.
func (p *Provider) WrapExecutor(next scheduler.Executor) scheduler.Executor {
	if p == nil {
		return next
	}
	return scheduler.ExecutorFunc(func(ctx context.Context, job *store.Job) (*scheduler.Result, error) {
		attrs := []attribute.KeyValue{
			attribute.String("chronod.job_id", job.ID.String()),
			attribute.String("chronod.job_name", job.Name),
			attribute.String("chronod.job_type", string(job.JobType)),
			attribute.String("chronod.cron", job.CronExpression),
		}
		if len(job.Tags) > 0 {
			attrs = append(attrs, attribute.StringSlice("chronod.tags", job.Tags))
		}
		if execID, ok := scheduler.ExecutionID(ctx); ok {
			attrs = append(attrs, attribute.String("chronod.execution_id", execID.String()))
		}
		if retry, ok := scheduler.Attempt(ctx); ok {
			attrs = append(attrs, attribute.Int("chronod.retry", retry))
		}

		ctx, span := p.tracer.Start(ctx, "job.execute",
			trace.WithSpanKind(trace.SpanKindInternal),
			trace.WithAttributes(attrs...),
		)
		defer span.End()

		result, err := next.Execute(ctx, job)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			span.RecordError(err)
			return result, err
		}
		span.SetStatus(codes.Ok, "")
		return result, nil
	})
}

// Shutdown flushes remaining spans and tears down the pipeline.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}
