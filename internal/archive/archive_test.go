package archive

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/nextlevelbuilder/chronod/internal/store"
	"github.com/nextlevelbuilder/chronod/internal/store/mem"
)

func TestParseURL(t *testing.T) {
	tests := []struct {
		raw     string
		bucket  string
		prefix  string
		wantErr bool
	}{
		{"s3://backups/chronod/history", "backups", "chronod/history", false},
		{"s3://backups", "backups", "", false},
		{"s3://backups/", "backups", "", false},
		{"s3://backups/deep/path/", "backups", "deep/path", false},
		{"https://backups/x", "", "", true},
		{"s3://", "", "", true},
	}
	for _, tt := range tests {
		bucket, prefix, err := ParseURL(tt.raw)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseURL(%q) = nil error, want error", tt.raw)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseURL(%q) error: %v", tt.raw, err)
			continue
		}
		if bucket != tt.bucket || prefix != tt.prefix {
			t.Errorf("ParseURL(%q) = %q, %q, want %q, %q", tt.raw, bucket, prefix, tt.bucket, tt.prefix)
		}
	}
}

type fakeUploader struct {
	bucket string
	key    string
	body   []byte
	err    error
}

func (f *fakeUploader) Upload(_ context.Context, input *s3.PutObjectInput, _ ...func(*manager.Uploader)) (*manager.UploadOutput, error) {
	f.bucket = *input.Bucket
	f.key = *input.Key
	body, err := io.ReadAll(input.Body)
	if err != nil {
		return nil, err
	}
	f.body = body
	if f.err != nil {
		return nil, f.err
	}
	return &manager.UploadOutput{}, nil
}

func seedExecutions(t *testing.T, st *mem.Mem, jobID uuid.UUID, startedAt ...time.Time) {
	t.Helper()
	job := &store.Job{
		ID:             jobID,
		Name:           "history-job",
		CronExpression: "0 * * * *",
		IsActive:       true,
		JobType:        store.JobTypeScheduled,
		TimeoutMS:      store.DefaultTimeoutMS,
		CreatedAt:      time.Now().UTC(),
		UpdatedAt:      time.Now().UTC(),
	}
	if err := st.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("create job: %v", err)
	}
	for _, at := range startedAt {
		exec := &store.Execution{
			ID:        uuid.New(),
			JobID:     jobID,
			Status:    store.ExecutionRunning,
			StartedAt: at,
		}
		if err := st.InsertExecution(context.Background(), exec); err != nil {
			t.Fatalf("insert execution: %v", err)
		}
		fin := store.ExecutionFinish{
			Status:      store.ExecutionCompleted,
			CompletedAt: at.Add(time.Second),
			DurationMS:  1000,
		}
		if err := st.FinishExecution(context.Background(), exec.ID, at, fin); err != nil {
			t.Fatalf("finish execution: %v", err)
		}
	}
}

func TestArchiveBefore(t *testing.T) {
	st := mem.New()
	jobID := uuid.New()
	now := time.Now().UTC()
	old1 := now.Add(-72 * time.Hour)
	old2 := now.Add(-48 * time.Hour)
	recent := now.Add(-time.Hour)
	seedExecutions(t, st, jobID, old1, old2, recent)

	fake := &fakeUploader{}
	a := &S3{up: fake, bucket: "backups", prefix: "chronod", now: func() time.Time { return now }}

	cutoff := now.Add(-24 * time.Hour)
	obj, err := a.ArchiveBefore(context.Background(), st, cutoff)
	if err != nil {
		t.Fatalf("archive failed: %v", err)
	}

	if obj.Rows != 2 {
		t.Errorf("rows = %d, want 2", obj.Rows)
	}
	if fake.bucket != "backups" {
		t.Errorf("bucket = %q, want backups", fake.bucket)
	}
	if !strings.HasPrefix(fake.key, "chronod/executions-") || !strings.HasSuffix(fake.key, ".jsonl") {
		t.Errorf("key = %q, want chronod/executions-*.jsonl", fake.key)
	}

	// Body is one JSON object per line, oldest first, recent rows excluded
	var lines []record
	sc := bufio.NewScanner(strings.NewReader(string(fake.body)))
	for sc.Scan() {
		var r record
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			t.Fatalf("line not valid JSON: %v", err)
		}
		lines = append(lines, r)
	}
	if len(lines) != 2 {
		t.Fatalf("lines = %d, want 2", len(lines))
	}
	if !lines[0].StartedAt.Equal(old1) || !lines[1].StartedAt.Equal(old2) {
		t.Errorf("rows out of order: %v, %v", lines[0].StartedAt, lines[1].StartedAt)
	}
	for _, l := range lines {
		if l.JobID != jobID {
			t.Errorf("jobId = %s, want %s", l.JobID, jobID)
		}
		if l.Status != string(store.ExecutionCompleted) {
			t.Errorf("status = %q, want completed", l.Status)
		}
		if l.DurationMS == nil || *l.DurationMS != 1000 {
			t.Errorf("durationMs = %v, want 1000", l.DurationMS)
		}
	}
}

func TestArchiveBefore_UploadError(t *testing.T) {
	st := mem.New()
	jobID := uuid.New()
	seedExecutions(t, st, jobID, time.Now().UTC().Add(-48*time.Hour))

	fake := &fakeUploader{err: errors.New("access denied")}
	a := &S3{up: fake, bucket: "backups", now: time.Now}

	_, err := a.ArchiveBefore(context.Background(), st, time.Now().UTC())
	if err == nil {
		t.Fatal("expected upload error, got nil")
	}
	if !strings.Contains(err.Error(), "access denied") {
		t.Errorf("error = %v, want wrapped access denied", err)
	}
}

func TestObjectKeyWithoutPrefix(t *testing.T) {
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	a := &S3{bucket: "backups", now: func() time.Time { return at }}

	key := a.objectKey(at)
	if strings.HasPrefix(key, "/") {
		t.Errorf("key = %q, must not start with /", key)
	}
	if !strings.HasPrefix(key, "executions-20260301-") {
		t.Errorf("key = %q, want executions-20260301-*", key)
	}
}
