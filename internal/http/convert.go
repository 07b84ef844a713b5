package http

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/nextlevelbuilder/chronod/internal/store"
	"github.com/nextlevelbuilder/chronod/pkg/api"
)

// defaultExecutionLimit is the page size for execution history when the
// caller does not ask for one.
const defaultExecutionLimit = 20

// APIJob converts a stored job to its wire form. The MCP tools reuse these
// conversions so both surfaces speak identical JSON.
func APIJob(j *store.Job) api.Job {
	return api.Job{
		ID:             j.ID,
		Name:           j.Name,
		Description:    j.Description,
		CronExpression: j.CronExpression,
		IsActive:       j.IsActive,
		JobType:        string(j.JobType),
		Payload:        j.Payload,
		TimeoutMS:      j.TimeoutMS,
		MaxRetries:     j.MaxRetries,
		RetryDelayMS:   j.RetryDelayMS,
		CreatedBy:      j.CreatedBy,
		Tags:           append([]string{}, j.Tags...),
		CreatedAt:      j.CreatedAt,
		UpdatedAt:      j.UpdatedAt,
		LastRunAt:      j.LastRunAt,
		NextRunAt:      j.NextRunAt,
		TotalRuns:      j.TotalRuns,
		SuccessfulRuns: j.SuccessfulRuns,
		FailedRuns:     j.FailedRuns,
	}
}

// APIJobs converts a page of stored jobs.
func APIJobs(js []*store.Job) []api.Job {
	out := make([]api.Job, len(js))
	for i, j := range js {
		out[i] = APIJob(j)
	}
	return out
}

// APIExecution converts a stored execution row to its wire form.
func APIExecution(e *store.Execution) api.Execution {
	return api.Execution{
		ID:           e.ID,
		JobID:        e.JobID,
		Status:       string(e.Status),
		StartedAt:    e.StartedAt,
		CompletedAt:  e.CompletedAt,
		DurationMS:   e.DurationMS,
		ErrorMessage: e.ErrorMessage,
		Output:       e.Output,
		RetryCount:   e.RetryCount,
	}
}

// APIExecutions converts a page of execution rows. Always returns a non-nil
// slice so empty history marshals as [].
func APIExecutions(es []*store.Execution) []api.Execution {
	out := make([]api.Execution, len(es))
	for i, e := range es {
		out[i] = APIExecution(e)
	}
	return out
}

// JobInput maps a create request onto the store's input type.
func JobInput(req *api.JobCreate) *store.JobInput {
	return &store.JobInput{
		Name:           req.Name,
		Description:    req.Description,
		CronExpression: req.CronExpression,
		IsActive:       req.IsActive,
		JobType:        store.JobType(req.JobType),
		Payload:        req.Payload,
		TimeoutMS:      req.TimeoutMS,
		MaxRetries:     req.MaxRetries,
		RetryDelayMS:   req.RetryDelayMS,
		CreatedBy:      req.CreatedBy,
		Tags:           req.Tags,
	}
}

// JobPatch maps an update request onto the store's patch type.
func JobPatch(req *api.JobUpdate) *store.JobPatch {
	p := &store.JobPatch{
		Name:           req.Name,
		Description:    req.Description,
		CronExpression: req.CronExpression,
		IsActive:       req.IsActive,
		Payload:        req.Payload,
		TimeoutMS:      req.TimeoutMS,
		MaxRetries:     req.MaxRetries,
		RetryDelayMS:   req.RetryDelayMS,
		Tags:           req.Tags,
	}
	if req.JobType != nil {
		t := store.JobType(*req.JobType)
		p.JobType = &t
	}
	return p
}

// parseListQuery reads the GET /jobs query parameters. All rejected fields
// are collected so the caller sees every problem at once.
func parseListQuery(r *http.Request) (store.Filter, store.Page, error) {
	q := r.URL.Query()
	ve := &store.ValidationError{}
	var f store.Filter
	p := store.Page{Page: 1, Limit: store.DefaultListLimit}

	if raw := q.Get("page"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			ve.Details = append(ve.Details, store.FieldError{Field: "page", Message: "must be a positive integer", Value: raw})
		} else {
			p.Page = n
		}
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > store.MaxListLimit {
			ve.Details = append(ve.Details, store.FieldError{
				Field:   "limit",
				Message: "must be between 1 and " + strconv.Itoa(store.MaxListLimit),
				Value:   raw,
			})
		} else {
			p.Limit = n
		}
	}
	if raw := q.Get("isActive"); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			ve.Details = append(ve.Details, store.FieldError{Field: "isActive", Message: "must be true or false", Value: raw})
		} else {
			f.IsActive = &b
		}
	}
	if raw := q.Get("jobType"); raw != "" {
		t := store.JobType(raw)
		if !t.Valid() {
			ve.Details = append(ve.Details, store.FieldError{Field: "jobType", Message: "must be one of scheduled, immediate, recurring, delayed", Value: raw})
		} else {
			f.JobType = &t
		}
	}
	// tags accepts both repeated params and comma-separated values.
	for _, raw := range q["tags"] {
		for _, tag := range strings.Split(raw, ",") {
			if tag = strings.TrimSpace(tag); tag != "" {
				f.Tags = append(f.Tags, tag)
			}
		}
	}
	if raw := q.Get("search"); raw != "" {
		if len(raw) > store.MaxSearchLength {
			ve.Details = append(ve.Details, store.FieldError{
				Field:   "search",
				Message: "must be at most " + strconv.Itoa(store.MaxSearchLength) + " characters",
				Value:   raw,
			})
		} else {
			f.Search = raw
		}
	}

	if len(ve.Details) > 0 {
		return f, p, ve
	}
	return f, p, nil
}

// parseExecutionPage reads pagination for the execution history endpoints.
// The limit defaults lower than the jobs list and is clamped, not rejected.
func parseExecutionPage(r *http.Request) store.Page {
	q := r.URL.Query()
	p := store.Page{Page: 1, Limit: defaultExecutionLimit}
	if n, err := strconv.Atoi(q.Get("page")); err == nil && n >= 1 {
		p.Page = n
	}
	if n, err := strconv.Atoi(q.Get("limit")); err == nil && n >= 1 {
		p.Limit = min(n, store.MaxListLimit)
	}
	return p
}
