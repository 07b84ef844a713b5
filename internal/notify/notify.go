// Package notify delivers alerts for failed job executions. Routing rules
// are CEL expressions over the job, its execution row, and the error text;
// matching failures post to a Slack webhook. With no webhook configured the
// notifier degrades to a structured log line.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/slack-go/slack"

	"github.com/nextlevelbuilder/chronod/internal/store"
)

const (
	// queueDepth bounds pending alerts; the scheduler must never block on
	// delivery, so overflow drops with a warning.
	queueDepth = 64

	postTimeout = 10 * time.Second
)

// Rule routes a subset of failures to a webhook. When is a CEL expression
// with `job`, `execution`, and `error` in scope that must yield a bool.
// Webhook overrides the notifier default for this rule.
type Rule struct {
	Name    string `json:"name"`
	When    string `json:"when"`
	Webhook string `json:"webhook,omitempty"`
}

// Config holds the alerting setup from the config file.
type Config struct {
	Webhook string `json:"webhook,omitempty"`
	Rules   []Rule `json:"rules,omitempty"`
}

type compiledRule struct {
	name    string
	webhook string
	prg     cel.Program
}

type event struct {
	job   *store.Job
	exec  *store.Execution
	cause error
}

// Notifier evaluates rules against terminal failures on its own goroutine
// and posts matches. Implements the scheduler's failure listener.
type Notifier struct {
	rules   []compiledRule
	webhook string

	// post is swapped out by tests.
	post func(ctx context.Context, url string, msg *slack.WebhookMessage) error

	queue chan event
	quit  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup
}

// New compiles cfg's rules and starts the delivery worker. A rule that does
// not compile, or whose expression does not yield a bool, is a hard error
// so bad routing is caught at boot rather than at the first failure.
func New(cfg Config) (*Notifier, error) {
	env, err := cel.NewEnv(
		cel.Variable("job", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("execution", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("error", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("notify: cel environment: %w", err)
	}

	n := &Notifier{
		webhook: cfg.Webhook,
		post:    slack.PostWebhookContext,
		queue:   make(chan event, queueDepth),
		quit:    make(chan struct{}),
	}
	for _, r := range cfg.Rules {
		ast, iss := env.Compile(r.When)
		if iss.Err() != nil {
			return nil, fmt.Errorf("notify: rule %q: %w", r.Name, iss.Err())
		}
		if !ast.OutputType().IsExactType(cel.BoolType) {
			return nil, fmt.Errorf("notify: rule %q: expression yields %s, want bool", r.Name, ast.OutputType())
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("notify: rule %q: %w", r.Name, err)
		}
		n.rules = append(n.rules, compiledRule{name: r.Name, webhook: r.Webhook, prg: prg})
	}

	n.wg.Add(1)
	go n.worker()
	return n, nil
}

// NotifyFailure enqueues one failed execution for delivery. Never blocks.
func (n *Notifier) NotifyFailure(job *store.Job, exec *store.Execution, cause error) {
	select {
	case n.queue <- event{job: job.Clone(), exec: exec, cause: cause}:
	case <-n.quit:
	default:
		slog.Warn("notify: alert queue full, dropping", "job_id", job.ID, "job_name", job.Name)
	}
}

// Stop ends the worker after draining queued alerts.
func (n *Notifier) Stop() {
	n.once.Do(func() { close(n.quit) })
	n.wg.Wait()
}

func (n *Notifier) worker() {
	defer n.wg.Done()
	for {
		select {
		case ev := <-n.queue:
			n.deliver(ev)
		case <-n.quit:
			for {
				select {
				case ev := <-n.queue:
					n.deliver(ev)
				default:
					return
				}
			}
		}
	}
}

// deliver runs the rule set for one failure. Every matching rule fires so
// rules can fan out to different channels; with no rules configured every
// failure goes to the default webhook. Evaluation errors disable the rule
// for that event only.
func (n *Notifier) deliver(ev event) {
	act := bindings(ev)

	if len(n.rules) == 0 {
		n.send(n.webhook, "", ev)
		return
	}
	for _, r := range n.rules {
		out, _, err := r.prg.Eval(act)
		if err != nil {
			slog.Warn("notify: rule evaluation failed", "rule", r.name, "job_id", ev.job.ID, "error", err)
			continue
		}
		if matched, _ := out.Value().(bool); !matched {
			continue
		}
		webhook := r.webhook
		if webhook == "" {
			webhook = n.webhook
		}
		n.send(webhook, r.name, ev)
	}
}

func (n *Notifier) send(webhook, rule string, ev event) {
	errText := ""
	if ev.cause != nil {
		errText = ev.cause.Error()
	}
	if webhook == "" {
		slog.Error("job failure alert",
			"rule", rule, "job_id", ev.job.ID, "job_name", ev.job.Name,
			"status", ev.exec.Status, "retry", ev.exec.RetryCount, "error", errText)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), postTimeout)
	defer cancel()
	if err := n.post(ctx, webhook, message(ev, errText)); err != nil {
		slog.Warn("notify: webhook post failed",
			"rule", rule, "job_id", ev.job.ID, "error", err)
		return
	}
	slog.Info("notify: alert delivered", "rule", rule, "job_id", ev.job.ID, "job_name", ev.job.Name)
}

// bindings builds the CEL activation for one failure. Everything is plain
// maps and strings so rules stay decoupled from the store types.
func bindings(ev event) map[string]any {
	job := map[string]any{
		"id":         ev.job.ID.String(),
		"name":       ev.job.Name,
		"jobType":    string(ev.job.JobType),
		"tags":       ev.job.Tags,
		"createdBy":  ev.job.CreatedBy,
		"maxRetries": ev.job.MaxRetries,
		"timeoutMs":  ev.job.TimeoutMS,
	}
	exec := map[string]any{
		"id":         ev.exec.ID.String(),
		"status":     string(ev.exec.Status),
		"retryCount": ev.exec.RetryCount,
		"startedAt":  ev.exec.StartedAt.Format(time.RFC3339),
	}
	if ev.exec.DurationMS != nil {
		exec["durationMs"] = *ev.exec.DurationMS
	}
	errText := ""
	if ev.cause != nil {
		errText = ev.cause.Error()
	}
	return map[string]any{"job": job, "execution": exec, "error": errText}
}

func message(ev event, errText string) *slack.WebhookMessage {
	fields := []slack.AttachmentField{
		{Title: "Status", Value: string(ev.exec.Status), Short: true},
		{Title: "Attempt", Value: fmt.Sprintf("%d/%d", ev.exec.RetryCount+1, ev.job.MaxRetries+1), Short: true},
	}
	if ev.exec.DurationMS != nil {
		fields = append(fields, slack.AttachmentField{
			Title: "Duration", Value: fmt.Sprintf("%d ms", *ev.exec.DurationMS), Short: true,
		})
	}
	if len(ev.job.Tags) > 0 {
		fields = append(fields, slack.AttachmentField{
			Title: "Tags", Value: fmt.Sprintf("%v", ev.job.Tags), Short: true,
		})
	}
	return &slack.WebhookMessage{
		Text: fmt.Sprintf("Job %q failed", ev.job.Name),
		Attachments: []slack.Attachment{{
			Color:  "danger",
			Title:  fmt.Sprintf("%s (%s)", ev.job.Name, ev.job.ID),
			Text:   errText,
			Fields: fields,
			Footer: "chronod",
			Ts:     json.Number(strconv.FormatInt(ev.exec.StartedAt.Unix(), 10)),
		}},
	}
}
