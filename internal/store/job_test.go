package store

import (
	"encoding/json"
	"reflect"
	"testing"
	"time"
)

func TestNewJobDefaults(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	j, err := NewJob(&JobInput{Name: "  backup  ", CronExpression: "0 2 * * *"}, now)
	if err != nil {
		t.Fatalf("NewJob() error: %v", err)
	}
	if j.ID.String() == "00000000-0000-0000-0000-000000000000" {
		t.Error("NewJob() did not assign an ID")
	}
	if j.Name != "backup" {
		t.Errorf("Name = %q, want trimmed %q", j.Name, "backup")
	}
	if !j.IsActive {
		t.Error("IsActive = false, want default true")
	}
	if j.JobType != JobTypeScheduled {
		t.Errorf("JobType = %q, want %q", j.JobType, JobTypeScheduled)
	}
	if j.TimeoutMS != DefaultTimeoutMS || j.MaxRetries != DefaultMaxRetries || j.RetryDelayMS != DefaultRetryDelayMS {
		t.Errorf("defaults = (%d, %d, %d), want (%d, %d, %d)",
			j.TimeoutMS, j.MaxRetries, j.RetryDelayMS,
			DefaultTimeoutMS, DefaultMaxRetries, DefaultRetryDelayMS)
	}
	if string(j.Payload) != "{}" {
		t.Errorf("Payload = %s, want {}", j.Payload)
	}
	if j.NextRunAt == nil {
		t.Fatal("NextRunAt = nil, want computed instant")
	}
	if !j.NextRunAt.After(now) {
		t.Errorf("NextRunAt = %v, want after %v", j.NextRunAt, now)
	}
	if !j.CreatedAt.Equal(now) || !j.UpdatedAt.Equal(now) {
		t.Errorf("timestamps = (%v, %v), want both %v", j.CreatedAt, j.UpdatedAt, now)
	}
}

func TestNewJobRejectsInvalid(t *testing.T) {
	_, err := NewJob(&JobInput{Name: "", CronExpression: "0 2 * * *"}, time.Now())
	if _, ok := AsValidation(err); !ok {
		t.Fatalf("NewJob() error = %v, want *ValidationError", err)
	}
}

func TestApplyMergesFields(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	j, err := NewJob(&JobInput{
		Name:           "sync",
		CronExpression: "*/5 * * * *",
		Tags:           []string{"a"},
	}, now)
	if err != nil {
		t.Fatalf("NewJob() error: %v", err)
	}

	later := now.Add(time.Hour)
	u, err := j.Apply(&JobPatch{
		Name:        strPtr("sync-v2"),
		Description: strPtr("updated"),
		TimeoutMS:   intPtr(45000),
		Tags:        &[]string{"b", "c"},
		Payload:     json.RawMessage(`{"v":2}`),
	}, later)
	if err != nil {
		t.Fatalf("Apply() error: %v", err)
	}
	if u.Name != "sync-v2" || u.Description != "updated" || u.TimeoutMS != 45000 {
		t.Errorf("merged = (%q, %q, %d)", u.Name, u.Description, u.TimeoutMS)
	}
	if !reflect.DeepEqual(u.Tags, []string{"b", "c"}) {
		t.Errorf("Tags = %v, want [b c]", u.Tags)
	}
	if string(u.Payload) != `{"v":2}` {
		t.Errorf("Payload = %s", u.Payload)
	}
	if !u.UpdatedAt.Equal(later) {
		t.Errorf("UpdatedAt = %v, want %v", u.UpdatedAt, later)
	}
	// untouched fields survive
	if u.CronExpression != "*/5 * * * *" || u.MaxRetries != DefaultMaxRetries {
		t.Errorf("untouched fields changed: cron=%q retries=%d", u.CronExpression, u.MaxRetries)
	}
	// the receiver is not mutated
	if j.Name != "sync" {
		t.Errorf("Apply() mutated receiver: Name = %q", j.Name)
	}
}

func TestApplyRecomputesNextRun(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	mk := func() *Job {
		j, err := NewJob(&JobInput{Name: "n", CronExpression: "0 2 * * *"}, now)
		if err != nil {
			t.Fatalf("NewJob() error: %v", err)
		}
		return j
	}

	t.Run("cron_change_recomputes", func(t *testing.T) {
		j := mk()
		before := *j.NextRunAt
		u, err := j.Apply(&JobPatch{CronExpression: strPtr("*/1 * * * *")}, now.Add(time.Minute))
		if err != nil {
			t.Fatalf("Apply() error: %v", err)
		}
		if u.NextRunAt.Equal(before) {
			t.Error("NextRunAt unchanged after cron expression change")
		}
	})

	t.Run("same_cron_keeps_next_run", func(t *testing.T) {
		j := mk()
		before := *j.NextRunAt
		u, err := j.Apply(&JobPatch{CronExpression: strPtr("0 2 * * *"), Description: strPtr("x")}, now.Add(time.Minute))
		if err != nil {
			t.Fatalf("Apply() error: %v", err)
		}
		if !u.NextRunAt.Equal(before) {
			t.Errorf("NextRunAt = %v, want unchanged %v", u.NextRunAt, before)
		}
	})

	t.Run("reactivate_with_stale_next_run", func(t *testing.T) {
		j := mk()
		j.IsActive = false
		stale := now.Add(-time.Hour)
		j.NextRunAt = &stale
		u, err := j.Apply(&JobPatch{IsActive: boolPtr(true)}, now)
		if err != nil {
			t.Fatalf("Apply() error: %v", err)
		}
		if u.NextRunAt == nil || !u.NextRunAt.After(now) {
			t.Errorf("NextRunAt = %v, want recomputed after %v", u.NextRunAt, now)
		}
	})

	t.Run("reactivate_with_future_next_run", func(t *testing.T) {
		j := mk()
		j.IsActive = false
		future := now.Add(time.Hour)
		j.NextRunAt = &future
		u, err := j.Apply(&JobPatch{IsActive: boolPtr(true)}, now)
		if err != nil {
			t.Fatalf("Apply() error: %v", err)
		}
		if !u.NextRunAt.Equal(future) {
			t.Errorf("NextRunAt = %v, want kept %v", u.NextRunAt, future)
		}
	})

	t.Run("deactivate_keeps_next_run", func(t *testing.T) {
		j := mk()
		before := *j.NextRunAt
		u, err := j.Apply(&JobPatch{IsActive: boolPtr(false)}, now)
		if err != nil {
			t.Fatalf("Apply() error: %v", err)
		}
		if !u.NextRunAt.Equal(before) {
			t.Errorf("NextRunAt = %v, want unchanged %v", u.NextRunAt, before)
		}
	})
}

func TestNormalizeTags(t *testing.T) {
	tests := []struct {
		name string
		in   []string
		want []string
	}{
		{"nil", nil, []string{}},
		{"trims", []string{" a ", "b"}, []string{"a", "b"}},
		{"drops_empty", []string{"a", "", "  "}, []string{"a"}},
		{"dedupes_keeping_order", []string{"b", "a", "b"}, []string{"b", "a"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := normalizeTags(tt.in)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("normalizeTags(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestCloneIsDeep(t *testing.T) {
	now := time.Now().UTC()
	j, err := NewJob(&JobInput{Name: "n", CronExpression: "* * * * *", Tags: []string{"x"}}, now)
	if err != nil {
		t.Fatalf("NewJob() error: %v", err)
	}
	c := j.Clone()
	c.Tags[0] = "mutated"
	c.Payload[0] = '['
	next := now.Add(time.Hour)
	c.NextRunAt = &next
	if j.Tags[0] != "x" {
		t.Error("Clone() shares Tags slice")
	}
	if j.Payload[0] != '{' {
		t.Error("Clone() shares Payload bytes")
	}
	if j.NextRunAt.Equal(next) {
		t.Error("Clone() shares NextRunAt pointer")
	}
}
