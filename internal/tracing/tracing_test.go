package tracing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/nextlevelbuilder/chronod/internal/scheduler"
	"github.com/nextlevelbuilder/chronod/internal/store"
)

func recordingProvider() (*Provider, *tracetest.SpanRecorder) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	return &Provider{tp: tp, tracer: tp.Tracer("test")}, sr
}

func tracedJob() *store.Job {
	now := time.Now().UTC()
	return &store.Job{
		ID:             uuid.New(),
		Name:           "traced-job",
		CronExpression: "*/5 * * * *",
		JobType:        store.JobTypeScheduled,
		Tags:           []string{"reports"},
		TimeoutMS:      store.DefaultTimeoutMS,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func TestNew_EmptyEndpoint(t *testing.T) {
	_, err := New(context.Background(), Config{})
	if err == nil {
		t.Error("expected error for empty endpoint")
	}
}

func TestWrapExecutor_RecordsSpan(t *testing.T) {
	p, sr := recordingProvider()
	job := tracedJob()

	inner := scheduler.ExecutorFunc(func(_ context.Context, _ *store.Job) (*scheduler.Result, error) {
		return &scheduler.Result{}, nil
	})
	if _, err := p.WrapExecutor(inner).Execute(context.Background(), job); err != nil {
		t.Fatalf("execute failed: %v", err)
	}

	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	span := spans[0]
	if span.Name() != "job.execute" {
		t.Errorf("span name = %q, want job.execute", span.Name())
	}
	if span.Status().Code != codes.Ok {
		t.Errorf("status = %v, want Ok", span.Status().Code)
	}

	attrs := map[string]string{}
	for _, kv := range span.Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	if attrs["chronod.job_id"] != job.ID.String() {
		t.Errorf("job_id attr = %q, want %s", attrs["chronod.job_id"], job.ID)
	}
	if attrs["chronod.job_name"] != "traced-job" {
		t.Errorf("job_name attr = %q, want traced-job", attrs["chronod.job_name"])
	}
	if attrs["chronod.cron"] != "*/5 * * * *" {
		t.Errorf("cron attr = %q", attrs["chronod.cron"])
	}
}

func TestWrapExecutor_ErrorStatus(t *testing.T) {
	p, sr := recordingProvider()

	inner := scheduler.ExecutorFunc(func(_ context.Context, _ *store.Job) (*scheduler.Result, error) {
		return nil, errors.New("boom")
	})
	if _, err := p.WrapExecutor(inner).Execute(context.Background(), tracedJob()); err == nil {
		t.Fatal("expected executor error")
	}

	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	st := spans[0].Status()
	if st.Code != codes.Error {
		t.Errorf("status = %v, want Error", st.Code)
	}
	if st.Description != "boom" {
		t.Errorf("description = %q, want boom", st.Description)
	}
	if len(spans[0].Events()) == 0 {
		t.Error("expected a recorded error event")
	}
}

func TestWrapExecutor_NilProvider(t *testing.T) {
	var p *Provider
	called := false
	inner := scheduler.ExecutorFunc(func(_ context.Context, _ *store.Job) (*scheduler.Result, error) {
		called = true
		return &scheduler.Result{}, nil
	})

	if _, err := p.WrapExecutor(inner).Execute(context.Background(), tracedJob()); err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if !called {
		t.Error("nil provider must pass through to the inner executor")
	}
}

func TestShutdown_NilProvider(t *testing.T) {
	var p *Provider
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
