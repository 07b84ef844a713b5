package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/chronod/internal/cache"
	"github.com/nextlevelbuilder/chronod/internal/cronx"
	"github.com/nextlevelbuilder/chronod/internal/scheduler"
	"github.com/nextlevelbuilder/chronod/internal/store"
	"github.com/nextlevelbuilder/chronod/pkg/api"
)

// pathID parses and validates the {id} path segment. IDs are always v4
// UUIDs; anything else is a 400 on the id field, never a 404.
func (s *Server) pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := r.PathValue("id")
	id, err := uuid.Parse(raw)
	if err != nil || id.Version() != 4 {
		s.writeError(w, http.StatusBadRequest, "invalid job id", []api.FieldError{
			{Field: "id", Message: "must be a valid UUID", Value: raw},
		})
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) invalidate(keys, prefixes []string) {
	if s.inv == nil {
		return
	}
	s.inv.Invalidate(keys, prefixes)
}

// overlayRuntimes refreshes the volatile job fields (run instants, counters)
// on jobs that may have come from the cache. Overlay failures keep the
// cached values; the list is still correct, just a little stale.
func (s *Server) overlayRuntimes(ctx context.Context, jobs []api.Job) {
	if len(jobs) == 0 {
		return
	}
	ids := make([]uuid.UUID, len(jobs))
	for i := range jobs {
		ids[i] = jobs[i].ID
	}
	runtimes, err := s.st.JobRuntimes(ctx, ids)
	if err != nil {
		slog.Warn("runtime overlay failed", "error", err)
		return
	}
	for i := range jobs {
		rt, ok := runtimes[jobs[i].ID]
		if !ok {
			continue
		}
		jobs[i].LastRunAt = rt.LastRunAt
		jobs[i].NextRunAt = rt.NextRunAt
		jobs[i].TotalRuns = rt.TotalRuns
		jobs[i].SuccessfulRuns = rt.SuccessfulRuns
		jobs[i].FailedRuns = rt.FailedRuns
	}
}

// handleListJobs is GET /jobs: read-through cached list with a fresh
// runtime overlay on every response. fresh=true skips the cache entirely.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	filter, page, err := parseListQuery(r)
	if err != nil {
		s.writeStoreErr(w, err)
		return
	}
	fresh := r.URL.Query().Get("fresh") == "true"
	key := cache.ListKey(filter, page)

	var list api.JobList
	hit := false
	if !fresh && s.cache != nil {
		if b, ok := s.cache.Get(key); ok && json.Unmarshal(b, &list) == nil {
			hit = true
		}
	}
	if !hit {
		jobs, total, err := s.st.ListJobs(r.Context(), filter, page)
		if err != nil {
			s.writeStoreErr(w, err)
			return
		}
		n := page.Normalize()
		list = api.JobList{
			Jobs:       APIJobs(jobs),
			Pagination: api.NewPagination(n.Page, n.Limit, total),
		}
		if !fresh && s.cache != nil {
			if err := s.cache.Set(key, list, cache.ListTTL); err != nil {
				slog.Warn("cache list", "error", err)
			}
		}
	}

	s.overlayRuntimes(r.Context(), list.Jobs)
	s.writeData(w, http.StatusOK, list)
}

// handleCreateJob is POST /jobs.
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req api.JobCreate
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	job, err := store.NewJob(JobInput(&req), s.now())
	if err != nil {
		s.writeStoreErr(w, err)
		return
	}
	if err := s.st.CreateJob(r.Context(), job); err != nil {
		s.writeStoreErr(w, err)
		return
	}
	if s.sched != nil && job.IsActive {
		s.sched.ScheduleJob(job)
	}
	s.invalidate(nil, []string{cache.ListPrefix()})
	s.writeData(w, http.StatusCreated, APIJob(job))
}

// handleGetJob is GET /jobs/{id}: the job (read-through cached, runtime
// overlaid) plus its most recent executions and live scheduling state.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	var aj api.Job
	hit := false
	if s.cache != nil {
		if b, ok := s.cache.Get(cache.JobKey(id)); ok && json.Unmarshal(b, &aj) == nil {
			hit = true
		}
	}
	if !hit {
		job, err := s.st.GetJob(ctx, id)
		if err != nil {
			s.writeStoreErr(w, err)
			return
		}
		aj = APIJob(job)
		if s.cache != nil {
			if err := s.cache.Set(cache.JobKey(id), aj, cache.JobTTL); err != nil {
				slog.Warn("cache job", "error", err)
			}
		}
	}

	jobs := []api.Job{aj}
	s.overlayRuntimes(ctx, jobs)

	execs, _, err := s.st.ListExecutions(ctx, id, store.Page{Page: 1, Limit: defaultExecutionLimit})
	if err != nil {
		s.writeStoreErr(w, err)
		return
	}
	s.writeData(w, http.StatusOK, api.JobDetail{
		Job:              jobs[0],
		ExecutionHistory: APIExecutions(execs),
		IsScheduled:      s.sched != nil && s.sched.IsScheduled(id),
	})
}

// handleUpdateJob is PUT /jobs/{id}. An update that leaves the job active
// re-arms its timer so cron changes take effect immediately.
func (s *Server) handleUpdateJob(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	var req api.JobUpdate
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	job, err := s.st.GetJob(r.Context(), id)
	if err != nil {
		s.writeStoreErr(w, err)
		return
	}
	updated, err := job.Apply(JobPatch(&req), s.now())
	if err != nil {
		s.writeStoreErr(w, err)
		return
	}
	if err := s.st.UpdateJob(r.Context(), updated); err != nil {
		s.writeStoreErr(w, err)
		return
	}
	if s.sched != nil {
		if updated.IsActive {
			s.sched.ScheduleJob(updated)
		} else {
			s.sched.UnscheduleJob(id)
		}
	}
	s.invalidate([]string{cache.JobKey(id)}, []string{cache.ListPrefix()})
	s.writeData(w, http.StatusOK, APIJob(updated))
}

// handleDeleteJob is DELETE /jobs/{id}. Execution history goes with the job
// via the cascade.
func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	job, err := s.st.DeleteJob(r.Context(), id)
	if err != nil {
		s.writeStoreErr(w, err)
		return
	}
	if s.sched != nil {
		s.sched.UnscheduleJob(id)
	}
	s.invalidate([]string{cache.JobKey(id)}, []string{cache.ListPrefix()})
	s.writeData(w, http.StatusOK, APIJob(job))
}

// handleTrigger is POST /jobs/{id}/trigger: queue one run now and return
// immediately. The run shares the single-flight guard with scheduled
// firings, so a job already mid-run absorbs the trigger.
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	job, err := s.st.GetJob(r.Context(), id)
	if err != nil {
		s.writeStoreErr(w, err)
		return
	}
	if s.sched == nil {
		s.writeError(w, http.StatusServiceUnavailable, "scheduler is not available", nil)
		return
	}
	if err := s.sched.Trigger(job); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err.Error(), nil)
		return
	}
	s.writeData(w, http.StatusOK, api.TriggerResult{
		JobID:       job.ID,
		JobName:     job.Name,
		TriggeredAt: s.now().UTC(),
	})
}

// handleListExecutions is GET /jobs/{id}/executions. A job with no rows and
// an absent job both produce an empty page.
func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	page := parseExecutionPage(r)
	execs, total, err := s.st.ListExecutions(r.Context(), id, page)
	if err != nil {
		s.writeStoreErr(w, err)
		return
	}
	s.writeData(w, http.StatusOK, api.ExecutionList{
		Executions: APIExecutions(execs),
		Pagination: api.NewPagination(page.Page, page.Limit, total),
	})
}

// handleStats is GET /jobs/stats: the scheduler, cache, and database
// sub-documents gathered concurrently.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	var out api.Stats
	g, ctx := errgroup.WithContext(r.Context())
	g.Go(func() error {
		if s.sched != nil {
			out.Scheduler = schedulerStats(s.sched.Stats())
		}
		return nil
	})
	g.Go(func() error {
		if s.cache != nil {
			out.Cache = cacheStats(s.cache.Stats())
		}
		return nil
	})
	g.Go(func() error {
		db, err := s.st.Stats(ctx)
		if err != nil {
			return err
		}
		out.Database = databaseStats(db)
		return nil
	})
	if err := g.Wait(); err != nil {
		s.writeStoreErr(w, err)
		return
	}
	s.writeData(w, http.StatusOK, out)
}

// handleValidateCron is POST /jobs/validate-cron. Invalid expressions are a
// valid answer (200, isValid=false); only a missing expression is a 400.
func (s *Server) handleValidateCron(w http.ResponseWriter, r *http.Request) {
	var req api.ValidateCronRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	expr := strings.TrimSpace(req.Expression)
	if expr == "" {
		s.writeError(w, http.StatusBadRequest, "invalid input", []api.FieldError{
			{Field: "expression", Message: "is required", Value: req.Expression},
		})
		return
	}
	res := api.ValidateCronResult{Expression: expr, Timezone: cronx.Timezone}
	if cronx.Validate(expr) {
		res.IsValid = true
		res.NextRuns = cronx.NextN(expr, s.now(), 5)
	}
	s.writeData(w, http.StatusOK, res)
}

// handleHealth is GET /health: 200 while the database answers, 503 once it
// does not. The body keeps success aligned with the status so naive probes
// can check either.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h, err := s.st.HealthCheck(r.Context())
	body := api.Health{
		Database:  h.Healthy,
		LatencyMS: h.LatencyMS,
		Scheduler: s.sched != nil && s.sched.IsRunning(),
		UptimeSec: time.Since(s.startedAt).Seconds(),
	}
	status := http.StatusOK
	body.Status = "healthy"
	if err != nil || !h.Healthy {
		status = http.StatusServiceUnavailable
		body.Status = "unhealthy"
	}
	s.writeEnvelope(w, status, status == http.StatusOK, body)
}

// handleRoot is GET /: service identification for humans and uptime checks.
// Unhealthy storage turns it into a 503 so bare-URL probes work too.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if h, err := s.st.HealthCheck(r.Context()); err != nil || !h.Healthy {
		s.writeError(w, http.StatusServiceUnavailable, "service unhealthy", nil)
		return
	}
	s.writeData(w, http.StatusOK, api.ServiceInfo{
		Service:  "chronod",
		Version:  s.version,
		Timezone: cronx.Timezone,
		Endpoints: map[string]string{
			"jobs":         "GET,POST /jobs",
			"job":          "GET,PUT,DELETE /jobs/{id}",
			"trigger":      "POST /jobs/{id}/trigger",
			"executions":   "GET /jobs/{id}/executions",
			"stats":        "GET /jobs/stats",
			"validateCron": "POST /jobs/validate-cron",
			"health":       "GET /health",
		},
	})
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	s.writeError(w, http.StatusNotFound, "route not found", nil)
}

func schedulerStats(in scheduler.Stats) api.SchedulerStats {
	lanes := make([]api.LaneStats, len(in.Lanes))
	for i, l := range in.Lanes {
		lanes[i] = api.LaneStats{Name: l.Name, Concurrency: l.Concurrency, Active: l.Active, Queued: l.Queued}
	}
	return api.SchedulerStats{
		Total:             in.Total,
		Successful:        in.Successful,
		Failed:            in.Failed,
		AvgExecMS:         in.AvgExecMS,
		SuccessRate:       in.SuccessRate,
		IsRunning:         in.IsRunning,
		ActiveJobs:        in.ActiveJobs,
		RunningExecutions: in.RunningExecutions,
		Lanes:             lanes,
	}
}

func cacheStats(in cache.Stats) api.CacheStats {
	return api.CacheStats{
		Hits:        in.Hits,
		Misses:      in.Misses,
		Sets:        in.Sets,
		Deletes:     in.Deletes,
		Evictions:   in.Evictions,
		Entries:     in.Entries,
		MemoryBytes: in.MemoryBytes,
		HitRate:     in.HitRate,
	}
}

func databaseStats(in *store.DatabaseStats) api.DatabaseStats {
	byType := make(map[string]int64, len(in.JobsByType))
	for t, n := range in.JobsByType {
		byType[string(t)] = n
	}
	return api.DatabaseStats{
		TotalJobs:        in.TotalJobs,
		ActiveJobs:       in.ActiveJobs,
		TotalExecutions:  in.TotalExecutions,
		RecentExecutions: in.RecentExecutions,
		JobsByType:       byType,
	}
}
