package store

import (
	"errors"
	"fmt"
	"strings"
)

// ErrJobNotFound is returned by reads and writes that target a job ID with
// no matching row.
var ErrJobNotFound = errors.New("job not found")

// FieldError describes a single rejected input field. Value echoes what the
// caller sent so API clients can show it back.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Value   any    `json:"value"`
}

// ValidationError collects every field that failed validation for one
// request. It maps to a 400 at the API boundary.
type ValidationError struct {
	Details []FieldError
}

func (e *ValidationError) Error() string {
	if len(e.Details) == 0 {
		return "validation failed"
	}
	parts := make([]string, 0, len(e.Details))
	for _, d := range e.Details {
		parts = append(parts, fmt.Sprintf("%s: %s", d.Field, d.Message))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) add(field, message string, value any) {
	e.Details = append(e.Details, FieldError{Field: field, Message: message, Value: value})
}

// orNil returns the error only when at least one field was rejected.
func (e *ValidationError) orNil() error {
	if len(e.Details) == 0 {
		return nil
	}
	return e
}

// AsValidation unwraps err into a *ValidationError when it is one.
func AsValidation(err error) (*ValidationError, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}
