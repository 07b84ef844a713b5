//go:build otel

package cmd

import (
	"context"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/chronod/internal/config"
	"github.com/nextlevelbuilder/chronod/internal/scheduler"
	"github.com/nextlevelbuilder/chronod/internal/tracing"
)

// initTracing wraps the executor so every run exports an OTLP span. Only
// compiled with -tags otel; the returned func flushes pending spans.
func initTracing(ctx context.Context, cfg *config.Config, exec scheduler.Executor) (scheduler.Executor, func()) {
	if cfg.Tracing.Endpoint == "" {
		slog.Debug("OTLP export available but not enabled (set tracing.endpoint)")
		return exec, nil
	}

	p, err := tracing.New(ctx, tracing.Config{
		Endpoint: cfg.Tracing.Endpoint,
		Protocol: cfg.Tracing.Protocol,
		Insecure: cfg.Tracing.Insecure,
		Headers:  cfg.Tracing.Headers,
	})
	if err != nil {
		slog.Warn("failed to create OTLP exporter", "error", err)
		return exec, nil
	}

	slog.Info("OpenTelemetry OTLP export enabled",
		"endpoint", cfg.Tracing.Endpoint,
		"protocol", cfg.Tracing.Protocol,
	)
	return p.WrapExecutor(exec), func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.Shutdown(flushCtx); err != nil {
			slog.Warn("OTLP exporter shutdown", "error", err)
		}
	}
}
