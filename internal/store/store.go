package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store is the persistence boundary shared by the postgres backend and the
// in-memory backend used in tests. All methods are safe for concurrent use.
// Write methods that return a *Job return the post-write state.
type Store interface {
	// Job definitions
	CreateJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*Job, error)
	ListJobs(ctx context.Context, f Filter, p Page) ([]*Job, int64, error)
	UpdateJob(ctx context.Context, job *Job) error
	DeleteJob(ctx context.Context, id uuid.UUID) (*Job, error)

	// Scheduler reads
	ActiveJobs(ctx context.Context, limit int) ([]*Job, error)
	DueJobs(ctx context.Context, now time.Time, limit int) ([]*Job, error)
	JobRuntimes(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]JobRuntime, error)

	// Runtime bookkeeping. These touch counters and run instants only and
	// never bump updated_at, which tracks definition changes.
	SetNextRun(ctx context.Context, id uuid.UUID, next time.Time) error
	UpdateJobStats(ctx context.Context, id uuid.UUID, success bool) error

	// Execution history. InsertExecution also increments total_runs and
	// stamps last_run_at in the same transaction.
	InsertExecution(ctx context.Context, exec *Execution) error
	FinishExecution(ctx context.Context, id uuid.UUID, startedAt time.Time, fin ExecutionFinish) error
	ListExecutions(ctx context.Context, jobID uuid.UUID, p Page) ([]*Execution, int64, error)
	ReapStaleExecutions(ctx context.Context, grace time.Duration) (int64, error)
	CleanupOldExecutions(ctx context.Context, days int) (int64, error)
	ExecutionsBefore(ctx context.Context, cutoff time.Time, fn func(*Execution) error) error

	// Operational
	Stats(ctx context.Context) (*DatabaseStats, error)
	HealthCheck(ctx context.Context) (Health, error)
	Close() error
}

// PartitionMaintainer is an optional interface for backends that manage
// time-partitioned history tables. The scheduler calls it once a day when
// the backend supports it.
type PartitionMaintainer interface {
	EnsurePartitions(ctx context.Context) error
}
