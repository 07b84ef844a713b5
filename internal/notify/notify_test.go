package notify

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/slack-go/slack"

	"github.com/nextlevelbuilder/chronod/internal/store"
)

type capturedPost struct {
	url string
	msg *slack.WebhookMessage
}

func capture(n *Notifier) <-chan capturedPost {
	ch := make(chan capturedPost, 16)
	n.post = func(_ context.Context, url string, msg *slack.WebhookMessage) error {
		ch <- capturedPost{url: url, msg: msg}
		return nil
	}
	return ch
}

func failedEvent(tags []string, status store.ExecutionStatus) (*store.Job, *store.Execution) {
	now := time.Now().UTC()
	dur := int64(1200)
	msg := "boom"
	job := &store.Job{
		ID:             uuid.New(),
		Name:           "nightly-report",
		CronExpression: "0 2 * * *",
		JobType:        store.JobTypeScheduled,
		Tags:           tags,
		MaxRetries:     2,
		TimeoutMS:      30000,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	exec := &store.Execution{
		ID:           uuid.New(),
		JobID:        job.ID,
		Status:       status,
		StartedAt:    now,
		CompletedAt:  &now,
		DurationMS:   &dur,
		ErrorMessage: &msg,
		RetryCount:   1,
	}
	return job, exec
}

func TestNew_RejectsBadRules(t *testing.T) {
	tests := []struct {
		name    string
		when    string
		wantErr string
	}{
		{"syntax error", `execution.status ==`, "rule"},
		{"non-bool result", `1 + 2`, "want bool"},
		{"unknown variable", `payload.size > 0`, "rule"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(Config{Rules: []Rule{{Name: "r", When: tt.when}}})
			if err == nil {
				t.Fatal("expected compile error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestNotifier_RuleRouting(t *testing.T) {
	n, err := New(Config{
		Webhook: "https://hooks.example/default",
		Rules: []Rule{
			{Name: "timeouts", When: `execution.status == "timeout"`},
			{Name: "critical", When: `"critical" in job.tags`, Webhook: "https://hooks.example/oncall"},
			{Name: "slow", When: `execution.durationMs > 60000`},
		},
	})
	if err != nil {
		t.Fatalf("new failed: %v", err)
	}
	posts := capture(n)

	job, exec := failedEvent([]string{"critical", "reports"}, store.ExecutionTimeout)
	n.NotifyFailure(job, exec, errors.New("execution timed out after 30000ms"))
	n.Stop()

	got := map[string]int{}
	for len(posts) > 0 {
		p := <-posts
		got[p.url]++
	}
	// timeouts rule → default webhook, critical rule → its own, slow rule no match
	if got["https://hooks.example/default"] != 1 {
		t.Errorf("default webhook posts = %d, want 1", got["https://hooks.example/default"])
	}
	if got["https://hooks.example/oncall"] != 1 {
		t.Errorf("oncall webhook posts = %d, want 1", got["https://hooks.example/oncall"])
	}
}

func TestNotifier_NoMatchNoPost(t *testing.T) {
	n, err := New(Config{
		Webhook: "https://hooks.example/default",
		Rules:   []Rule{{Name: "timeouts", When: `execution.status == "timeout"`}},
	})
	if err != nil {
		t.Fatalf("new failed: %v", err)
	}
	posts := capture(n)

	job, exec := failedEvent(nil, store.ExecutionFailed)
	n.NotifyFailure(job, exec, errors.New("boom"))
	n.Stop()

	if len(posts) != 0 {
		t.Errorf("posts = %d, want 0", len(posts))
	}
}

func TestNotifier_NoRulesMatchesEverything(t *testing.T) {
	n, err := New(Config{Webhook: "https://hooks.example/default"})
	if err != nil {
		t.Fatalf("new failed: %v", err)
	}
	posts := capture(n)

	job, exec := failedEvent(nil, store.ExecutionFailed)
	n.NotifyFailure(job, exec, errors.New("boom"))
	n.Stop()

	if len(posts) != 1 {
		t.Fatalf("posts = %d, want 1", len(posts))
	}
	p := <-posts
	if p.url != "https://hooks.example/default" {
		t.Errorf("url = %q, want default webhook", p.url)
	}
	if len(p.msg.Attachments) != 1 || p.msg.Attachments[0].Text != "boom" {
		t.Errorf("attachment text = %+v, want error text in body", p.msg.Attachments)
	}
}

func TestNotifier_LogOnlyWithoutWebhook(t *testing.T) {
	n, err := New(Config{})
	if err != nil {
		t.Fatalf("new failed: %v", err)
	}
	posts := capture(n)

	job, exec := failedEvent(nil, store.ExecutionFailed)
	n.NotifyFailure(job, exec, errors.New("boom"))
	n.Stop()

	if len(posts) != 0 {
		t.Errorf("posts = %d, want 0 (log-only mode)", len(posts))
	}
}

func TestNotifier_EvalErrorSkipsRule(t *testing.T) {
	n, err := New(Config{
		Webhook: "https://hooks.example/default",
		Rules: []Rule{
			// job.owner does not exist in the bindings; evaluation fails
			// and only this rule is skipped.
			{Name: "broken", When: `job.owner == "ops"`},
			{Name: "all-failures", When: `execution.status == "failed"`},
		},
	})
	if err != nil {
		t.Fatalf("new failed: %v", err)
	}
	posts := capture(n)

	job, exec := failedEvent(nil, store.ExecutionFailed)
	n.NotifyFailure(job, exec, errors.New("boom"))
	n.Stop()

	if len(posts) != 1 {
		t.Errorf("posts = %d, want 1 (healthy rule still fires)", len(posts))
	}
}
