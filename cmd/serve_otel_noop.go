//go:build !otel

package cmd

import (
	"context"

	"github.com/nextlevelbuilder/chronod/internal/config"
	"github.com/nextlevelbuilder/chronod/internal/scheduler"
)

// initTracing is a no-op when built without the "otel" tag. Build with
// `go build -tags otel` to enable OTLP span export.
func initTracing(_ context.Context, _ *config.Config, exec scheduler.Executor) (scheduler.Executor, func()) {
	return exec, nil
}
