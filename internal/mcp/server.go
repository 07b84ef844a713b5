// Package mcp exposes the job engine to MCP clients. Every REST operation
// has a tool twin, served over SSE on the API mux, and mutations run through
// the same scheduler and cache invalidation as their REST counterparts.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	nethttp "net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/nextlevelbuilder/chronod/internal/cache"
	"github.com/nextlevelbuilder/chronod/internal/cronx"
	chttp "github.com/nextlevelbuilder/chronod/internal/http"
	"github.com/nextlevelbuilder/chronod/internal/scheduler"
	"github.com/nextlevelbuilder/chronod/internal/store"
	"github.com/nextlevelbuilder/chronod/pkg/api"
)

// BasePath is where the SSE transport mounts on the API mux.
const BasePath = "/mcp"

// Invalidator mirrors the HTTP layer's cache invalidation hook.
type Invalidator interface {
	Invalidate(keys []string, prefixes []string)
}

// Server hosts the chronod tool set for MCP clients.
type Server struct {
	st    store.Store
	sched *scheduler.Scheduler
	inv   Invalidator
	mcp   *server.MCPServer
	now   func() time.Time
}

// New builds the tool server. sched and inv may be nil; the affected tools
// then skip scheduling and invalidation the same way the REST handlers do.
func New(st store.Store, sched *scheduler.Scheduler, inv Invalidator, version string) *Server {
	s := &Server{st: st, sched: sched, inv: inv, now: time.Now}
	s.mcp = server.NewMCPServer("chronod", version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Manage chronod cron jobs: list, inspect, create, update, delete, trigger, and validate cron expressions. Cron cadence is evaluated in Asia/Kolkata."),
	)
	s.register()
	return s
}

// Handler returns the SSE transport for mounting under BasePath.
func (s *Server) Handler() nethttp.Handler {
	return server.NewSSEServer(s.mcp, server.WithStaticBasePath(BasePath))
}

func (s *Server) register() {
	s.mcp.AddTool(mcp.NewTool("jobs_list",
		mcp.WithDescription("List jobs with optional filters and pagination."),
		mcp.WithNumber("page", mcp.Description("1-based page number (default 1)")),
		mcp.WithNumber("limit", mcp.Description("page size, 1-100 (default 50)")),
		mcp.WithBoolean("isActive", mcp.Description("filter by active flag")),
		mcp.WithString("jobType", mcp.Description("filter by job type"),
			mcp.Enum("scheduled", "immediate", "recurring", "delayed")),
		mcp.WithArray("tags", mcp.Description("match jobs sharing any of these tags"),
			mcp.Items(map[string]any{"type": "string"})),
		mcp.WithString("search", mcp.Description("case-insensitive name substring")),
	), s.handleList)

	s.mcp.AddTool(mcp.NewTool("jobs_get",
		mcp.WithDescription("Fetch one job with its recent execution history."),
		mcp.WithString("id", mcp.Required(), mcp.Description("job UUID")),
	), s.handleGet)

	s.mcp.AddTool(mcp.NewTool("jobs_create",
		mcp.WithDescription("Create a job. Active jobs are scheduled immediately."),
		mcp.WithString("name", mcp.Required(), mcp.Description("unique human-readable name")),
		mcp.WithString("cronExpression", mcp.Required(), mcp.Description("5-field cron, evaluated in Asia/Kolkata")),
		mcp.WithString("description", mcp.Description("free-form description")),
		mcp.WithBoolean("isActive", mcp.Description("schedule on create (default true)")),
		mcp.WithString("jobType", mcp.Enum("scheduled", "immediate", "recurring", "delayed")),
		mcp.WithObject("payload", mcp.Description("opaque JSON handed to the executor")),
		mcp.WithNumber("timeoutMs", mcp.Description("execution timeout, 1000-300000")),
		mcp.WithNumber("maxRetries", mcp.Description("retry attempts after a failure, 0-10")),
		mcp.WithNumber("retryDelayMs", mcp.Description("base retry delay, 1000-60000")),
		mcp.WithString("createdBy", mcp.Description("owner label")),
		mcp.WithArray("tags", mcp.Items(map[string]any{"type": "string"})),
	), s.handleCreate)

	s.mcp.AddTool(mcp.NewTool("jobs_update",
		mcp.WithDescription("Update a job. Omitted fields keep their values; cron changes re-arm the timer."),
		mcp.WithString("id", mcp.Required(), mcp.Description("job UUID")),
		mcp.WithString("name", mcp.Description("new name")),
		mcp.WithString("cronExpression", mcp.Description("new 5-field cron")),
		mcp.WithString("description", mcp.Description("new description")),
		mcp.WithBoolean("isActive", mcp.Description("activate or deactivate")),
		mcp.WithString("jobType", mcp.Enum("scheduled", "immediate", "recurring", "delayed")),
		mcp.WithObject("payload", mcp.Description("replacement payload")),
		mcp.WithNumber("timeoutMs", mcp.Description("execution timeout, 1000-300000")),
		mcp.WithNumber("maxRetries", mcp.Description("retry attempts, 0-10")),
		mcp.WithNumber("retryDelayMs", mcp.Description("base retry delay, 1000-60000")),
		mcp.WithArray("tags", mcp.Description("replacement tag list; [] clears"),
			mcp.Items(map[string]any{"type": "string"})),
	), s.handleUpdate)

	s.mcp.AddTool(mcp.NewTool("jobs_delete",
		mcp.WithDescription("Delete a job and its execution history."),
		mcp.WithString("id", mcp.Required(), mcp.Description("job UUID")),
	), s.handleDelete)

	s.mcp.AddTool(mcp.NewTool("jobs_trigger",
		mcp.WithDescription("Queue one run of a job right now, outside its cadence."),
		mcp.WithString("id", mcp.Required(), mcp.Description("job UUID")),
	), s.handleTrigger)

	s.mcp.AddTool(mcp.NewTool("jobs_stats",
		mcp.WithDescription("Scheduler, cache, and database statistics."),
	), s.handleStats)

	s.mcp.AddTool(mcp.NewTool("cron_validate",
		mcp.WithDescription("Validate a cron expression and preview its next five firings."),
		mcp.WithString("expression", mcp.Required(), mcp.Description("5-field cron")),
	), s.handleValidate)
}

// jsonResult marshals v as the tool's text content.
func jsonResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return mcp.NewToolResultText(string(b)), nil
}

// toolErr maps domain errors onto tool-level errors so clients see the
// message instead of a broken protocol exchange.
func toolErr(err error) (*mcp.CallToolResult, error) {
	if errors.Is(err, store.ErrJobNotFound) {
		return mcp.NewToolResultError("job not found"), nil
	}
	if _, ok := store.AsValidation(err); ok {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return nil, err
}

func requireID(req mcp.CallToolRequest) (uuid.UUID, *mcp.CallToolResult) {
	raw, err := req.RequireString("id")
	if err != nil {
		return uuid.Nil, mcp.NewToolResultError(err.Error())
	}
	id, err := uuid.Parse(raw)
	if err != nil || id.Version() != 4 {
		return uuid.Nil, mcp.NewToolResultError(fmt.Sprintf("id %q is not a valid UUID", raw))
	}
	return id, nil
}

func (s *Server) invalidate(keys, prefixes []string) {
	if s.inv == nil {
		return
	}
	s.inv.Invalidate(keys, prefixes)
}

func (s *Server) handleList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	var f store.Filter
	p := store.Page{Page: req.GetInt("page", 1), Limit: req.GetInt("limit", store.DefaultListLimit)}
	if p.Limit > store.MaxListLimit {
		p.Limit = store.MaxListLimit
	}
	if v, ok := args["isActive"].(bool); ok {
		f.IsActive = &v
	}
	if v, ok := args["jobType"].(string); ok && v != "" {
		t := store.JobType(v)
		if !t.Valid() {
			return mcp.NewToolResultError(fmt.Sprintf("jobType %q is not valid", v)), nil
		}
		f.JobType = &t
	}
	f.Tags = stringSlice(args["tags"])
	f.Search = req.GetString("search", "")

	jobs, total, err := s.st.ListJobs(ctx, f, p)
	if err != nil {
		return toolErr(err)
	}
	n := p.Normalize()
	return jsonResult(api.JobList{
		Jobs:       chttp.APIJobs(jobs),
		Pagination: api.NewPagination(n.Page, n.Limit, total),
	})
}

func (s *Server) handleGet(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, fail := requireID(req)
	if fail != nil {
		return fail, nil
	}
	job, err := s.st.GetJob(ctx, id)
	if err != nil {
		return toolErr(err)
	}
	execs, _, err := s.st.ListExecutions(ctx, id, store.Page{Page: 1, Limit: 20})
	if err != nil {
		return toolErr(err)
	}
	return jsonResult(api.JobDetail{
		Job:              chttp.APIJob(job),
		ExecutionHistory: chttp.APIExecutions(execs),
		IsScheduled:      s.sched != nil && s.sched.IsScheduled(id),
	})
}

func (s *Server) handleCreate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	in := &store.JobInput{
		Name:           req.GetString("name", ""),
		Description:    req.GetString("description", ""),
		CronExpression: req.GetString("cronExpression", ""),
		JobType:        store.JobType(req.GetString("jobType", "")),
		Payload:        rawJSON(args["payload"]),
		CreatedBy:      req.GetString("createdBy", ""),
		Tags:           stringSlice(args["tags"]),
	}
	in.IsActive = optBool(args, "isActive")
	in.TimeoutMS = optInt(args, "timeoutMs")
	in.MaxRetries = optInt(args, "maxRetries")
	in.RetryDelayMS = optInt(args, "retryDelayMs")

	job, err := store.NewJob(in, s.now())
	if err != nil {
		return toolErr(err)
	}
	if err := s.st.CreateJob(ctx, job); err != nil {
		return toolErr(err)
	}
	if s.sched != nil && job.IsActive {
		s.sched.ScheduleJob(job)
	}
	s.invalidate(nil, []string{cache.ListPrefix()})
	return jsonResult(chttp.APIJob(job))
}

func (s *Server) handleUpdate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, fail := requireID(req)
	if fail != nil {
		return fail, nil
	}
	args := req.GetArguments()
	patch := &store.JobPatch{
		Name:           optString(args, "name"),
		Description:    optString(args, "description"),
		CronExpression: optString(args, "cronExpression"),
		IsActive:       optBool(args, "isActive"),
		Payload:        rawJSON(args["payload"]),
		TimeoutMS:      optInt(args, "timeoutMs"),
		MaxRetries:     optInt(args, "maxRetries"),
		RetryDelayMS:   optInt(args, "retryDelayMs"),
	}
	if v := optString(args, "jobType"); v != nil {
		t := store.JobType(*v)
		patch.JobType = &t
	}
	if _, ok := args["tags"]; ok {
		tags := stringSlice(args["tags"])
		if tags == nil {
			tags = []string{}
		}
		patch.Tags = &tags
	}

	job, err := s.st.GetJob(ctx, id)
	if err != nil {
		return toolErr(err)
	}
	updated, err := job.Apply(patch, s.now())
	if err != nil {
		return toolErr(err)
	}
	if err := s.st.UpdateJob(ctx, updated); err != nil {
		return toolErr(err)
	}
	if s.sched != nil {
		if updated.IsActive {
			s.sched.ScheduleJob(updated)
		} else {
			s.sched.UnscheduleJob(id)
		}
	}
	s.invalidate([]string{cache.JobKey(id)}, []string{cache.ListPrefix()})
	return jsonResult(chttp.APIJob(updated))
}

func (s *Server) handleDelete(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, fail := requireID(req)
	if fail != nil {
		return fail, nil
	}
	job, err := s.st.DeleteJob(ctx, id)
	if err != nil {
		return toolErr(err)
	}
	if s.sched != nil {
		s.sched.UnscheduleJob(id)
	}
	s.invalidate([]string{cache.JobKey(id)}, []string{cache.ListPrefix()})
	return jsonResult(chttp.APIJob(job))
}

func (s *Server) handleTrigger(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, fail := requireID(req)
	if fail != nil {
		return fail, nil
	}
	job, err := s.st.GetJob(ctx, id)
	if err != nil {
		return toolErr(err)
	}
	if s.sched == nil {
		return mcp.NewToolResultError("scheduler is not available"), nil
	}
	if err := s.sched.Trigger(job); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(api.TriggerResult{
		JobID:       job.ID,
		JobName:     job.Name,
		TriggeredAt: s.now().UTC(),
	})
}

func (s *Server) handleStats(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	db, err := s.st.Stats(ctx)
	if err != nil {
		return toolErr(err)
	}
	out := map[string]any{"database": db}
	if s.sched != nil {
		out["scheduler"] = s.sched.Stats()
	}
	return jsonResult(out)
}

func (s *Server) handleValidate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	expr, err := req.RequireString("expression")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	expr = strings.TrimSpace(expr)
	res := api.ValidateCronResult{Expression: expr, Timezone: cronx.Timezone}
	if cronx.Validate(expr) {
		res.IsValid = true
		res.NextRuns = cronx.NextN(expr, s.now(), 5)
	}
	return jsonResult(res)
}

// Argument coercion. JSON numbers arrive as float64 and absent keys must
// stay nil so patch semantics distinguish "omitted" from zero values.

func optString(args map[string]any, key string) *string {
	if v, ok := args[key].(string); ok {
		return &v
	}
	return nil
}

func optBool(args map[string]any, key string) *bool {
	if v, ok := args[key].(bool); ok {
		return &v
	}
	return nil
}

func optInt(args map[string]any, key string) *int {
	if v, ok := args[key].(float64); ok {
		n := int(v)
		return &n
	}
	return nil
}

func stringSlice(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func rawJSON(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
