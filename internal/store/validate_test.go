package store

import (
	"encoding/json"
	"strings"
	"testing"
)

func validInput() *JobInput {
	return &JobInput{
		Name:           "nightly-report",
		CronExpression: "0 2 * * *",
	}
}

func intPtr(v int) *int          { return &v }
func strPtr(v string) *string    { return &v }
func boolPtr(v bool) *bool       { return &v }
func typePtr(t JobType) *JobType { return &t }

func TestValidateJobInput(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*JobInput)
		wantField string
	}{
		{"valid_minimal", func(in *JobInput) {}, ""},
		{"valid_full", func(in *JobInput) {
			in.Description = "renders the nightly report"
			in.JobType = JobTypeRecurring
			in.Payload = json.RawMessage(`{"report":"daily"}`)
			in.TimeoutMS = intPtr(60000)
			in.MaxRetries = intPtr(5)
			in.RetryDelayMS = intPtr(2000)
			in.CreatedBy = "ops@example.com"
			in.Tags = []string{"reports", "nightly"}
		}, ""},
		{"missing_name", func(in *JobInput) { in.Name = "" }, "name"},
		{"blank_name", func(in *JobInput) { in.Name = "   " }, "name"},
		{"name_too_long", func(in *JobInput) { in.Name = strings.Repeat("a", 256) }, "name"},
		{"name_at_limit", func(in *JobInput) { in.Name = strings.Repeat("a", 255) }, ""},
		{"description_too_long", func(in *JobInput) { in.Description = strings.Repeat("d", 1001) }, "description"},
		{"missing_cron", func(in *JobInput) { in.CronExpression = "" }, "cronExpression"},
		{"bad_cron", func(in *JobInput) { in.CronExpression = "not a cron" }, "cronExpression"},
		{"six_field_cron", func(in *JobInput) { in.CronExpression = "0 0 2 * * *" }, "cronExpression"},
		{"bad_job_type", func(in *JobInput) { in.JobType = "periodic" }, "jobType"},
		{"bad_payload", func(in *JobInput) { in.Payload = json.RawMessage(`{"a":`) }, "payload"},
		{"timeout_below_min", func(in *JobInput) { in.TimeoutMS = intPtr(999) }, "timeoutMs"},
		{"timeout_above_max", func(in *JobInput) { in.TimeoutMS = intPtr(300001) }, "timeoutMs"},
		{"timeout_at_min", func(in *JobInput) { in.TimeoutMS = intPtr(1000) }, ""},
		{"timeout_at_max", func(in *JobInput) { in.TimeoutMS = intPtr(300000) }, ""},
		{"retries_negative", func(in *JobInput) { in.MaxRetries = intPtr(-1) }, "maxRetries"},
		{"retries_above_max", func(in *JobInput) { in.MaxRetries = intPtr(11) }, "maxRetries"},
		{"retries_zero", func(in *JobInput) { in.MaxRetries = intPtr(0) }, ""},
		{"retry_delay_below_min", func(in *JobInput) { in.RetryDelayMS = intPtr(500) }, "retryDelayMs"},
		{"retry_delay_above_max", func(in *JobInput) { in.RetryDelayMS = intPtr(60001) }, "retryDelayMs"},
		{"created_by_too_long", func(in *JobInput) { in.CreatedBy = strings.Repeat("u", 256) }, "createdBy"},
		{"too_many_tags", func(in *JobInput) {
			in.Tags = make([]string, 11)
			for i := range in.Tags {
				in.Tags[i] = "t"
			}
		}, "tags"},
		{"tag_too_long", func(in *JobInput) { in.Tags = []string{strings.Repeat("t", 51)} }, "tags"},
		{"ten_tags_ok", func(in *JobInput) {
			in.Tags = []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"}
		}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := validInput()
			tt.mutate(in)
			err := ValidateJobInput(in)
			if tt.wantField == "" {
				if err != nil {
					t.Fatalf("ValidateJobInput() unexpected error: %v", err)
				}
				return
			}
			ve, ok := AsValidation(err)
			if !ok {
				t.Fatalf("ValidateJobInput() error = %v, want *ValidationError", err)
			}
			found := false
			for _, d := range ve.Details {
				if d.Field == tt.wantField {
					found = true
				}
			}
			if !found {
				t.Errorf("ValidateJobInput() details = %+v, want field %q", ve.Details, tt.wantField)
			}
		})
	}
}

func TestValidateJobInputCollectsAllFailures(t *testing.T) {
	in := &JobInput{
		Name:           "",
		CronExpression: "bogus",
		TimeoutMS:      intPtr(1),
	}
	err := ValidateJobInput(in)
	ve, ok := AsValidation(err)
	if !ok {
		t.Fatalf("error = %v, want *ValidationError", err)
	}
	if len(ve.Details) != 3 {
		t.Errorf("got %d details, want 3: %+v", len(ve.Details), ve.Details)
	}
}

func TestValidateJobPatch(t *testing.T) {
	tests := []struct {
		name      string
		patch     *JobPatch
		wantField string
	}{
		{"empty_patch", &JobPatch{}, ""},
		{"valid_rename", &JobPatch{Name: strPtr("renamed")}, ""},
		{"blank_name", &JobPatch{Name: strPtr("  ")}, "name"},
		{"bad_cron", &JobPatch{CronExpression: strPtr("1 2 3")}, "cronExpression"},
		{"valid_cron", &JobPatch{CronExpression: strPtr("*/10 * * * *")}, ""},
		{"bad_type", &JobPatch{JobType: typePtr("weekly")}, "jobType"},
		{"deactivate", &JobPatch{IsActive: boolPtr(false)}, ""},
		{"timeout_out_of_range", &JobPatch{TimeoutMS: intPtr(400000)}, "timeoutMs"},
		{"clear_tags", &JobPatch{Tags: &[]string{}}, ""},
		{"bad_payload", &JobPatch{Payload: json.RawMessage(`[1,`)}, "payload"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateJobPatch(tt.patch)
			if tt.wantField == "" {
				if err != nil {
					t.Fatalf("ValidateJobPatch() unexpected error: %v", err)
				}
				return
			}
			ve, ok := AsValidation(err)
			if !ok {
				t.Fatalf("ValidateJobPatch() error = %v, want *ValidationError", err)
			}
			found := false
			for _, d := range ve.Details {
				if d.Field == tt.wantField {
					found = true
				}
			}
			if !found {
				t.Errorf("ValidateJobPatch() details = %+v, want field %q", ve.Details, tt.wantField)
			}
		})
	}
}

func TestValidateListQuery(t *testing.T) {
	badType := JobType("hourly")
	tests := []struct {
		name    string
		f       Filter
		p       Page
		wantErr bool
	}{
		{"defaults", Filter{}, Page{}, false},
		{"limit_at_max", Filter{}, Page{Page: 1, Limit: 100}, false},
		{"limit_above_max", Filter{}, Page{Page: 1, Limit: 101}, true},
		{"negative_page", Filter{}, Page{Page: -1}, true},
		{"bad_type_filter", Filter{JobType: &badType}, Page{}, true},
		{"search_too_long", Filter{Search: strings.Repeat("s", 256)}, Page{}, true},
		{"tags_filter", Filter{Tags: []string{"reports"}}, Page{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateListQuery(tt.f, tt.p)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateListQuery() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
