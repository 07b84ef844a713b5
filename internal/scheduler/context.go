package scheduler

import (
	"context"

	"github.com/google/uuid"
)

type ctxKey int

const (
	execIDKey ctxKey = iota
	attemptKey
)

func withExecution(ctx context.Context, execID uuid.UUID, attempt int) context.Context {
	ctx = context.WithValue(ctx, execIDKey, execID)
	return context.WithValue(ctx, attemptKey, attempt)
}

// ExecutionID returns the execution row id the context's attempt is
// recorded under. Executors and their wrappers use it to correlate
// external systems with history rows.
func ExecutionID(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(execIDKey).(uuid.UUID)
	return id, ok
}

// Attempt returns which attempt the context belongs to: 0 for the first
// run, counting up through retries.
func Attempt(ctx context.Context) (int, bool) {
	n, ok := ctx.Value(attemptKey).(int)
	return n, ok
}
