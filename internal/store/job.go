// Package store defines the durable data model for jobs and executions and
// the Store interface both backends (postgres, in-memory) implement.
package store

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/chronod/internal/cronx"
)

// JobType labels what kind of work a job represents. It only changes the
// simulated executor's output label; scheduling semantics are identical for
// all four.
type JobType string

const (
	JobTypeScheduled JobType = "scheduled"
	JobTypeImmediate JobType = "immediate"
	JobTypeRecurring JobType = "recurring"
	JobTypeDelayed   JobType = "delayed"
)

// JobTypes lists every valid job type.
var JobTypes = []JobType{JobTypeScheduled, JobTypeImmediate, JobTypeRecurring, JobTypeDelayed}

// Valid reports whether t is one of the known job types.
func (t JobType) Valid() bool {
	switch t {
	case JobTypeScheduled, JobTypeImmediate, JobTypeRecurring, JobTypeDelayed:
		return true
	}
	return false
}

// Field length limits and tuning-knob bounds. These mirror the database
// check constraints; validation rejects out-of-range values before they
// reach the store.
const (
	MaxNameLength        = 255
	MaxDescriptionLength = 1000
	MaxCreatedByLength   = 255
	MaxTags              = 10
	MaxTagLength         = 50
	MaxSearchLength      = 255

	MinTimeoutMS     = 1000
	MaxTimeoutMS     = 300000
	DefaultTimeoutMS = 30000

	MinRetries        = 0
	MaxRetries        = 10
	DefaultMaxRetries = 3

	MinRetryDelayMS     = 1000
	MaxRetryDelayMS     = 60000
	DefaultRetryDelayMS = 5000

	MaxListLimit     = 100
	DefaultListLimit = 50
)

// emptyPayload is what an absent or null payload normalizes to.
var emptyPayload = json.RawMessage(`{}`)

// Job is the durable definition of a scheduled job. Payload is carried as
// opaque JSON; the engine never inspects its shape.
type Job struct {
	ID             uuid.UUID
	Name           string
	Description    string
	CronExpression string
	IsActive       bool
	JobType        JobType
	Payload        json.RawMessage
	TimeoutMS      int
	MaxRetries     int
	RetryDelayMS   int
	CreatedBy      string
	Tags           []string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	LastRunAt      *time.Time
	NextRunAt      *time.Time
	TotalRuns      int64
	SuccessfulRuns int64
	FailedRuns     int64
}

// Clone returns a deep copy, so callers can hand jobs across goroutines
// without sharing slices.
func (j *Job) Clone() *Job {
	c := *j
	c.Tags = append([]string(nil), j.Tags...)
	c.Payload = append(json.RawMessage(nil), j.Payload...)
	if j.LastRunAt != nil {
		t := *j.LastRunAt
		c.LastRunAt = &t
	}
	if j.NextRunAt != nil {
		t := *j.NextRunAt
		c.NextRunAt = &t
	}
	return &c
}

// JobInput is the create request, pre-defaulting. Pointer fields distinguish
// "absent" from zero values.
type JobInput struct {
	Name           string
	Description    string
	CronExpression string
	IsActive       *bool
	JobType        JobType
	Payload        json.RawMessage
	TimeoutMS      *int
	MaxRetries     *int
	RetryDelayMS   *int
	CreatedBy      string
	Tags           []string
}

// JobPatch is the update request. Nil fields are left untouched; Tags uses a
// pointer-to-slice so an explicit empty list can clear tags.
type JobPatch struct {
	Name           *string
	Description    *string
	CronExpression *string
	IsActive       *bool
	JobType        *JobType
	Payload        json.RawMessage
	TimeoutMS      *int
	MaxRetries     *int
	RetryDelayMS   *int
	Tags           *[]string
}

// NewJob validates in, fills defaults, and builds the row to persist.
// next_run_at is computed from the cron expression regardless of the active
// flag, so activating later does not start from a stale instant.
func NewJob(in *JobInput, now time.Time) (*Job, error) {
	if err := ValidateJobInput(in); err != nil {
		return nil, err
	}
	now = now.UTC()
	j := &Job{
		ID:             uuid.New(),
		Name:           strings.TrimSpace(in.Name),
		Description:    in.Description,
		CronExpression: in.CronExpression,
		IsActive:       true,
		JobType:        JobTypeScheduled,
		Payload:        normalizePayload(in.Payload),
		TimeoutMS:      DefaultTimeoutMS,
		MaxRetries:     DefaultMaxRetries,
		RetryDelayMS:   DefaultRetryDelayMS,
		CreatedBy:      in.CreatedBy,
		Tags:           normalizeTags(in.Tags),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if in.IsActive != nil {
		j.IsActive = *in.IsActive
	}
	if in.JobType != "" {
		j.JobType = in.JobType
	}
	if in.TimeoutMS != nil {
		j.TimeoutMS = *in.TimeoutMS
	}
	if in.MaxRetries != nil {
		j.MaxRetries = *in.MaxRetries
	}
	if in.RetryDelayMS != nil {
		j.RetryDelayMS = *in.RetryDelayMS
	}
	next := cronx.NextAfter(j.CronExpression, now)
	j.NextRunAt = &next
	return j, nil
}

// Apply merges patch onto j and returns the updated copy. The cron
// expression changing, or the job being switched on without a future
// next_run_at, recomputes next_run_at. created_by and the counters are not
// patchable.
func (j *Job) Apply(patch *JobPatch, now time.Time) (*Job, error) {
	if err := ValidateJobPatch(patch); err != nil {
		return nil, err
	}
	now = now.UTC()
	u := j.Clone()
	cronChanged := false
	activating := false
	if patch.Name != nil {
		u.Name = strings.TrimSpace(*patch.Name)
	}
	if patch.Description != nil {
		u.Description = *patch.Description
	}
	if patch.CronExpression != nil && *patch.CronExpression != u.CronExpression {
		u.CronExpression = *patch.CronExpression
		cronChanged = true
	}
	if patch.IsActive != nil {
		activating = *patch.IsActive && !u.IsActive
		u.IsActive = *patch.IsActive
	}
	if patch.JobType != nil {
		u.JobType = *patch.JobType
	}
	if patch.Payload != nil {
		u.Payload = normalizePayload(patch.Payload)
	}
	if patch.TimeoutMS != nil {
		u.TimeoutMS = *patch.TimeoutMS
	}
	if patch.MaxRetries != nil {
		u.MaxRetries = *patch.MaxRetries
	}
	if patch.RetryDelayMS != nil {
		u.RetryDelayMS = *patch.RetryDelayMS
	}
	if patch.Tags != nil {
		u.Tags = normalizeTags(*patch.Tags)
	}
	if cronChanged || (activating && (u.NextRunAt == nil || u.NextRunAt.Before(now))) {
		next := cronx.NextAfter(u.CronExpression, now)
		u.NextRunAt = &next
	}
	u.UpdatedAt = now
	return u, nil
}

func normalizePayload(p json.RawMessage) json.RawMessage {
	trimmed := strings.TrimSpace(string(p))
	if trimmed == "" || trimmed == "null" {
		return append(json.RawMessage(nil), emptyPayload...)
	}
	return append(json.RawMessage(nil), p...)
}

// normalizeTags trims, dedupes, and drops empty entries while keeping the
// caller's order for the survivors.
func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if _, dup := seen[tag]; dup {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	return out
}
