package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dop251/goja"

	"github.com/nextlevelbuilder/chronod/internal/store"
)

// Script runs the JavaScript in the payload's "script" field on an embedded
// engine. The job is exposed as a `job` global; the evaluated value becomes
// the execution output.
type Script struct{}

func NewScript() *Script { return &Script{} }

type scriptPayload struct {
	Script string `json:"script"`
}

func (s *Script) Execute(ctx context.Context, job *store.Job) (*Result, error) {
	var p scriptPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return nil, fmt.Errorf("script payload: %w", err)
	}
	if p.Script == "" {
		return nil, fmt.Errorf("script payload: script is empty")
	}

	vm := goja.New()

	var payload any
	_ = json.Unmarshal(job.Payload, &payload)
	if err := vm.Set("job", map[string]any{
		"id":      job.ID.String(),
		"name":    job.Name,
		"type":    string(job.JobType),
		"payload": payload,
	}); err != nil {
		return nil, fmt.Errorf("script setup: %w", err)
	}

	// interrupt the engine when the job timeout fires
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt(ctx.Err())
		case <-done:
		}
	}()

	value, err := vm.RunString(p.Script)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			return nil, context.DeadlineExceeded
		}
		return nil, fmt.Errorf("script: %w", err)
	}

	out, merr := json.Marshal(map[string]any{
		"result":      exportValue(value),
		"evaluatedAt": time.Now().UTC().Format(time.RFC3339),
	})
	if merr != nil {
		out = json.RawMessage(`{"result":null}`)
	}
	return &Result{Output: out}, nil
}

// exportValue converts a goja value into something json.Marshal accepts.
func exportValue(v goja.Value) any {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	return v.Export()
}
