// Package api defines the JSON wire contract of the chronod control plane.
// The server, the CLI client, and external consumers all speak these types;
// timestamps are ISO-8601 UTC and field names are camelCase.
package api

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Response is the success envelope. Every 2xx body carries success=true,
// the endpoint's payload under data, and the server timestamp.
type Response struct {
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// ErrorResponse is every non-2xx body: a short error kind, a human-readable
// message, and field details for validation failures. Stack is populated
// only outside production.
type ErrorResponse struct {
	Success   bool         `json:"success"`
	Error     string       `json:"error"`
	Message   string       `json:"message,omitempty"`
	Details   []FieldError `json:"details,omitempty"`
	Stack     string       `json:"stack,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// FieldError pins a validation failure to one input field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Value   any    `json:"value,omitempty"`
}

// Error kinds used in ErrorResponse.Error.
const (
	ErrKindValidation = "Validation Error"
	ErrKindNotFound   = "Not Found"
	ErrKindTimeout    = "Request Timeout"
	ErrKindRateLimit  = "Too Many Requests"
	ErrKindAuth       = "Unauthorized"
	ErrKindInternal   = "Internal Server Error"
	ErrKindStore      = "Service Unavailable"
)

// Pagination describes one page of a list result.
type Pagination struct {
	Page       int   `json:"page"`
	Limit      int   `json:"limit"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"totalPages"`
	HasNext    bool  `json:"hasNext"`
	HasPrev    bool  `json:"hasPrev"`
}

// NewPagination fills the derived fields for a page of total rows.
func NewPagination(page, limit int, total int64) Pagination {
	pages := 0
	if limit > 0 {
		pages = int((total + int64(limit) - 1) / int64(limit))
	}
	return Pagination{
		Page:       page,
		Limit:      limit,
		Total:      total,
		TotalPages: pages,
		HasNext:    page < pages,
		HasPrev:    page > 1 && total > 0,
	}
}

// Job is the wire form of a job definition with its runtime state.
type Job struct {
	ID             uuid.UUID       `json:"id"`
	Name           string          `json:"name"`
	Description    string          `json:"description,omitempty"`
	CronExpression string          `json:"cronExpression"`
	IsActive       bool            `json:"isActive"`
	JobType        string          `json:"jobType"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	TimeoutMS      int             `json:"timeoutMs"`
	MaxRetries     int             `json:"maxRetries"`
	RetryDelayMS   int             `json:"retryDelayMs"`
	CreatedBy      string          `json:"createdBy,omitempty"`
	Tags           []string        `json:"tags"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
	LastRunAt      *time.Time      `json:"lastRunAt,omitempty"`
	NextRunAt      *time.Time      `json:"nextRunAt,omitempty"`
	TotalRuns      int64           `json:"totalRuns"`
	SuccessfulRuns int64           `json:"successfulRuns"`
	FailedRuns     int64           `json:"failedRuns"`
}

// Execution is the wire form of one execution history row.
type Execution struct {
	ID           uuid.UUID       `json:"id"`
	JobID        uuid.UUID       `json:"jobId"`
	Status       string          `json:"status"`
	StartedAt    time.Time       `json:"startedAt"`
	CompletedAt  *time.Time      `json:"completedAt,omitempty"`
	DurationMS   *int64          `json:"durationMs,omitempty"`
	ErrorMessage *string         `json:"errorMessage,omitempty"`
	Output       json.RawMessage `json:"output,omitempty"`
	RetryCount   int             `json:"retryCount"`
}

// JobCreate is the POST /jobs request body. Absent optional fields take
// server defaults.
type JobCreate struct {
	Name           string          `json:"name"`
	Description    string          `json:"description,omitempty"`
	CronExpression string          `json:"cronExpression"`
	IsActive       *bool           `json:"isActive,omitempty"`
	JobType        string          `json:"jobType,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	TimeoutMS      *int            `json:"timeoutMs,omitempty"`
	MaxRetries     *int            `json:"maxRetries,omitempty"`
	RetryDelayMS   *int            `json:"retryDelayMs,omitempty"`
	CreatedBy      string          `json:"createdBy,omitempty"`
	Tags           []string        `json:"tags,omitempty"`
}

// JobUpdate is the PUT /jobs/{id} request body. Absent fields are left
// untouched; tags use a pointer so an explicit empty list clears them.
type JobUpdate struct {
	Name           *string         `json:"name,omitempty"`
	Description    *string         `json:"description,omitempty"`
	CronExpression *string         `json:"cronExpression,omitempty"`
	IsActive       *bool           `json:"isActive,omitempty"`
	JobType        *string         `json:"jobType,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	TimeoutMS      *int            `json:"timeoutMs,omitempty"`
	MaxRetries     *int            `json:"maxRetries,omitempty"`
	RetryDelayMS   *int            `json:"retryDelayMs,omitempty"`
	CreatedBy      *string         `json:"createdBy,omitempty"`
	Tags           *[]string       `json:"tags,omitempty"`
}

// JobList is the data payload of GET /jobs.
type JobList struct {
	Jobs       []Job      `json:"jobs"`
	Pagination Pagination `json:"pagination"`
}

// JobDetail is the data payload of GET /jobs/{id}: the job, its most
// recent executions, and whether a timer is currently armed for it.
type JobDetail struct {
	Job              Job         `json:"job"`
	ExecutionHistory []Execution `json:"executionHistory"`
	IsScheduled      bool        `json:"isScheduled"`
}

// ExecutionList is the data payload of GET /jobs/{id}/executions.
type ExecutionList struct {
	Executions []Execution `json:"executions"`
	Pagination Pagination  `json:"pagination"`
}

// TriggerResult is the data payload of POST /jobs/{id}/trigger. It is
// returned as soon as the run is queued; the outcome lands in the
// executions list.
type TriggerResult struct {
	JobID       uuid.UUID `json:"jobId"`
	JobName     string    `json:"jobName"`
	TriggeredAt time.Time `json:"triggeredAt"`
}

// ValidateCronRequest is the POST /jobs/validate-cron request body.
type ValidateCronRequest struct {
	Expression string `json:"expression"`
}

// ValidateCronResult reports validity and, for valid expressions, the next
// five firing instants in UTC.
type ValidateCronResult struct {
	IsValid    bool        `json:"isValid"`
	Expression string      `json:"expression"`
	NextRuns   []time.Time `json:"nextRuns,omitempty"`
	Timezone   string      `json:"timezone"`
}

// Stats is the data payload of GET /jobs/stats.
type Stats struct {
	Scheduler SchedulerStats `json:"scheduler"`
	Cache     CacheStats     `json:"cache"`
	Database  DatabaseStats  `json:"database"`
}

// SchedulerStats mirrors the scheduler's counters and live state.
type SchedulerStats struct {
	Total             int64       `json:"total"`
	Successful        int64       `json:"successful"`
	Failed            int64       `json:"failed"`
	AvgExecMS         float64     `json:"avgExecMs"`
	SuccessRate       string      `json:"successRate"`
	IsRunning         bool        `json:"isRunning"`
	ActiveJobs        int         `json:"activeJobs"`
	RunningExecutions int         `json:"runningExecutions"`
	Lanes             []LaneStats `json:"lanes,omitempty"`
}

// LaneStats is a worker lane utilization snapshot.
type LaneStats struct {
	Name        string `json:"name"`
	Concurrency int    `json:"concurrency"`
	Active      int    `json:"active"`
	Queued      int    `json:"queued"`
}

// CacheStats mirrors the response cache counters.
type CacheStats struct {
	Hits        uint64  `json:"hits"`
	Misses      uint64  `json:"misses"`
	Sets        uint64  `json:"sets"`
	Deletes     uint64  `json:"deletes"`
	Evictions   uint64  `json:"evictions"`
	Entries     int     `json:"entries"`
	MemoryBytes int64   `json:"memoryBytes"`
	HitRate     float64 `json:"hitRate"`
}

// DatabaseStats aggregates job and execution counts.
type DatabaseStats struct {
	TotalJobs        int64            `json:"totalJobs"`
	ActiveJobs       int64            `json:"activeJobs"`
	TotalExecutions  int64            `json:"totalExecutions"`
	RecentExecutions int64            `json:"recentExecutions"`
	JobsByType       map[string]int64 `json:"jobsByType"`
}

// Health is the GET /health body (also enveloped).
type Health struct {
	Status    string  `json:"status"` // "healthy" or "unhealthy"
	Database  bool    `json:"database"`
	LatencyMS int64   `json:"latencyMs"`
	Scheduler bool    `json:"scheduler"`
	UptimeSec float64 `json:"uptimeSec"`
}

// ServiceInfo is the GET / body.
type ServiceInfo struct {
	Service   string `json:"service"`
	Version   string `json:"version"`
	Timezone  string `json:"timezone"`
	Endpoints any    `json:"endpoints,omitempty"`
}
