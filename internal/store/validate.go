package store

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/chronod/internal/cronx"
)

// ValidateJobInput checks every field of a create request and reports all
// failures at once. Field names in the error details use the API wire names.
func ValidateJobInput(in *JobInput) error {
	ve := &ValidationError{}
	validateName(ve, in.Name, true)
	validateDescription(ve, in.Description)
	validateCron(ve, in.CronExpression, true)
	if in.JobType != "" && !in.JobType.Valid() {
		ve.add("jobType", jobTypeMessage(), string(in.JobType))
	}
	validatePayload(ve, in.Payload)
	if in.TimeoutMS != nil {
		validateRange(ve, "timeoutMs", *in.TimeoutMS, MinTimeoutMS, MaxTimeoutMS)
	}
	if in.MaxRetries != nil {
		validateRange(ve, "maxRetries", *in.MaxRetries, MinRetries, MaxRetries)
	}
	if in.RetryDelayMS != nil {
		validateRange(ve, "retryDelayMs", *in.RetryDelayMS, MinRetryDelayMS, MaxRetryDelayMS)
	}
	if len(in.CreatedBy) > MaxCreatedByLength {
		ve.add("createdBy", fmt.Sprintf("must be at most %d characters", MaxCreatedByLength), in.CreatedBy)
	}
	validateTags(ve, in.Tags)
	return ve.orNil()
}

// ValidateJobPatch checks the present fields of an update request. A patch
// with every field nil is valid and leaves the job unchanged.
func ValidateJobPatch(patch *JobPatch) error {
	ve := &ValidationError{}
	if patch.Name != nil {
		validateName(ve, *patch.Name, true)
	}
	if patch.Description != nil {
		validateDescription(ve, *patch.Description)
	}
	if patch.CronExpression != nil {
		validateCron(ve, *patch.CronExpression, true)
	}
	if patch.JobType != nil && !patch.JobType.Valid() {
		ve.add("jobType", jobTypeMessage(), string(*patch.JobType))
	}
	if patch.Payload != nil {
		validatePayload(ve, patch.Payload)
	}
	if patch.TimeoutMS != nil {
		validateRange(ve, "timeoutMs", *patch.TimeoutMS, MinTimeoutMS, MaxTimeoutMS)
	}
	if patch.MaxRetries != nil {
		validateRange(ve, "maxRetries", *patch.MaxRetries, MinRetries, MaxRetries)
	}
	if patch.RetryDelayMS != nil {
		validateRange(ve, "retryDelayMs", *patch.RetryDelayMS, MinRetryDelayMS, MaxRetryDelayMS)
	}
	if patch.Tags != nil {
		validateTags(ve, *patch.Tags)
	}
	return ve.orNil()
}

// ValidateListQuery checks pagination and filter inputs for job list reads.
func ValidateListQuery(f Filter, p Page) error {
	ve := &ValidationError{}
	if p.Page < 0 {
		ve.add("page", "must be a positive integer", p.Page)
	}
	if p.Limit < 0 || p.Limit > MaxListLimit {
		ve.add("limit", fmt.Sprintf("must be between 1 and %d", MaxListLimit), p.Limit)
	}
	if f.JobType != nil && !f.JobType.Valid() {
		ve.add("jobType", jobTypeMessage(), string(*f.JobType))
	}
	if len(f.Search) > MaxSearchLength {
		ve.add("search", fmt.Sprintf("must be at most %d characters", MaxSearchLength), f.Search)
	}
	validateTags(ve, f.Tags)
	return ve.orNil()
}

func validateName(ve *ValidationError, name string, required bool) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		if required {
			ve.add("name", "is required", name)
		}
		return
	}
	if len(trimmed) > MaxNameLength {
		ve.add("name", fmt.Sprintf("must be at most %d characters", MaxNameLength), name)
	}
}

func validateDescription(ve *ValidationError, desc string) {
	if len(desc) > MaxDescriptionLength {
		ve.add("description", fmt.Sprintf("must be at most %d characters", MaxDescriptionLength), desc)
	}
}

func validateCron(ve *ValidationError, expr string, required bool) {
	if strings.TrimSpace(expr) == "" {
		if required {
			ve.add("cronExpression", "is required", expr)
		}
		return
	}
	if err := cronx.ValidateErr(expr); err != nil {
		ve.add("cronExpression", err.Error(), expr)
	}
}

func validatePayload(ve *ValidationError, payload json.RawMessage) {
	trimmed := strings.TrimSpace(string(payload))
	if trimmed == "" || trimmed == "null" {
		return
	}
	if !json.Valid(payload) {
		ve.add("payload", "must be valid JSON", string(payload))
	}
}

func validateRange(ve *ValidationError, field string, v, min, max int) {
	if v < min || v > max {
		ve.add(field, fmt.Sprintf("must be between %d and %d", min, max), v)
	}
}

func validateTags(ve *ValidationError, tags []string) {
	if len(tags) > MaxTags {
		ve.add("tags", fmt.Sprintf("must have at most %d entries", MaxTags), len(tags))
		return
	}
	for _, tag := range tags {
		if len(strings.TrimSpace(tag)) > MaxTagLength {
			ve.add("tags", fmt.Sprintf("each tag must be at most %d characters", MaxTagLength), tag)
			return
		}
	}
}

func jobTypeMessage() string {
	names := make([]string, len(JobTypes))
	for i, t := range JobTypes {
		names[i] = string(t)
	}
	return "must be one of " + strings.Join(names, ", ")
}
