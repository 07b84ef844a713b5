package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ExecutionStatus tracks an execution through its state machine. Once a row
// leaves running it is terminal and never mutated again.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionTimeout   ExecutionStatus = "timeout"
)

// Terminal reports whether s is a final state.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed || s == ExecutionTimeout
}

// Execution is one attempt to run a job. started_at is part of the primary
// key so the history table can be range-partitioned by month.
type Execution struct {
	ID           uuid.UUID
	JobID        uuid.UUID
	Status       ExecutionStatus
	StartedAt    time.Time
	CompletedAt  *time.Time
	DurationMS   *int64
	ErrorMessage *string
	RetryCount   int
	Output       json.RawMessage
}

// ExecutionFinish carries the one-time terminal update for an execution row.
// ErrorMessage is stored only for failed and timeout outcomes.
type ExecutionFinish struct {
	Status       ExecutionStatus
	CompletedAt  time.Time
	DurationMS   int64
	ErrorMessage string
	Output       json.RawMessage
}

// Filter narrows job list reads. Nil/empty fields match everything; Tags
// matches on overlap (any shared tag); Search is a case-insensitive
// substring match against the name.
type Filter struct {
	IsActive *bool
	JobType  *JobType
	Tags     []string
	Search   string
}

// Page is 1-based pagination input. Normalize clamps it into the supported
// window.
type Page struct {
	Page  int
	Limit int
}

// Normalize applies defaults for zero values. Out-of-range limits are a
// validation error and rejected before this point.
func (p Page) Normalize() Page {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.Limit < 1 {
		p.Limit = DefaultListLimit
	}
	return p
}

// Offset returns the row offset for the normalized page.
func (p Page) Offset() int {
	n := p.Normalize()
	return (n.Page - 1) * n.Limit
}

// JobRuntime is the live subset of job fields overlaid onto cached list
// reads: the bookkeeping that moves while the definition stands still.
type JobRuntime struct {
	ID             uuid.UUID
	LastRunAt      *time.Time
	NextRunAt      *time.Time
	TotalRuns      int64
	SuccessfulRuns int64
	FailedRuns     int64
}

// DatabaseStats aggregates store-wide counts for the stats endpoint.
type DatabaseStats struct {
	TotalJobs        int64
	ActiveJobs       int64
	TotalExecutions  int64
	RecentExecutions int64
	JobsByType       map[JobType]int64
}

// Health is the result of a connectivity probe.
type Health struct {
	Healthy   bool
	LatencyMS int64
}
