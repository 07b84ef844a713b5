package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/nextlevelbuilder/chronod/internal/store"
)

// Result is what an executor produced for one run. Output lands in the
// execution row's output column.
type Result struct {
	Output json.RawMessage
}

// Executor runs one job attempt. The context carries the job's timeout;
// implementations must return promptly once it is done.
type Executor interface {
	Execute(ctx context.Context, job *store.Job) (*Result, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, job *store.Job) (*Result, error)

func (f ExecutorFunc) Execute(ctx context.Context, job *store.Job) (*Result, error) {
	return f(ctx, job)
}

// Simulated is the default executor: it sleeps a random interval and
// reports success, failing at the configured rate. Useful for exercising
// the full pipeline without real workloads.
type Simulated struct {
	MinDelay    time.Duration
	MaxDelay    time.Duration
	FailureRate float64
}

// NewSimulated returns a simulated executor with 500ms-2s runs that never
// fail.
func NewSimulated() *Simulated {
	return &Simulated{MinDelay: 500 * time.Millisecond, MaxDelay: 2 * time.Second}
}

func (s *Simulated) Execute(ctx context.Context, job *store.Job) (*Result, error) {
	delay := s.MinDelay
	if spread := s.MaxDelay - s.MinDelay; spread > 0 {
		delay += time.Duration(rand.Int64N(int64(spread)))
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}

	if s.FailureRate > 0 && rand.Float64() < s.FailureRate {
		return nil, fmt.Errorf("simulated %s job failed", job.JobType)
	}

	out, _ := json.Marshal(map[string]any{
		"message":     fmt.Sprintf("simulated %s job completed", job.JobType),
		"payload":     job.Payload,
		"simulatedMs": delay.Milliseconds(),
	})
	return &Result{Output: out}, nil
}

// Dispatch routes jobs to an executor by payload shape: a "script" field
// goes to the script engine, a "command" field to the command runner, and
// everything else to the simulated executor. A nil slot means that payload
// shape is disabled and falls through to simulated.
type Dispatch struct {
	Simulated Executor
	Script    Executor
	Command   Executor
}

func (d *Dispatch) Execute(ctx context.Context, job *store.Job) (*Result, error) {
	var shape struct {
		Script  string `json:"script"`
		Command string `json:"command"`
	}
	_ = json.Unmarshal(job.Payload, &shape)

	switch {
	case shape.Script != "" && d.Script != nil:
		return d.Script.Execute(ctx, job)
	case shape.Command != "" && d.Command != nil:
		return d.Command.Execute(ctx, job)
	default:
		return d.Simulated.Execute(ctx, job)
	}
}
