// Package scheduler fires active jobs at the instants their cron
// expressions name. It owns one timer goroutine per scheduled job, enforces
// at-most-one concurrent execution per job, records execution history, and
// reconciles its timer set against the store every sync interval.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/chronod/internal/cronx"
	"github.com/nextlevelbuilder/chronod/internal/store"
)

// Options tunes the scheduler. Zero values take the defaults below.
type Options struct {
	// SyncInterval is how often the timer set is reconciled against the
	// store's active jobs.
	SyncInterval time.Duration

	// DrainTimeout bounds how long Stop waits for in-flight executions.
	DrainTimeout time.Duration

	// StartupJobCap limits how many active jobs are loaded at Start and at
	// each sync.
	StartupJobCap int

	// ReapGrace is added to a job's timeout before a running execution row
	// counts as orphaned.
	ReapGrace time.Duration

	// ReapInterval is how often orphaned rows are reconciled after startup.
	ReapInterval time.Duration

	// PartitionInterval is how often partition upkeep runs on backends
	// that support it.
	PartitionInterval time.Duration

	// ExecutionConcurrency sizes the execution worker lane.
	ExecutionConcurrency int
}

func (o Options) withDefaults() Options {
	if o.SyncInterval <= 0 {
		o.SyncInterval = 30 * time.Second
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = 30 * time.Second
	}
	if o.StartupJobCap <= 0 {
		o.StartupJobCap = 1000
	}
	if o.ReapGrace <= 0 {
		o.ReapGrace = time.Minute
	}
	if o.ReapInterval <= 0 {
		o.ReapInterval = 10 * time.Minute
	}
	if o.PartitionInterval <= 0 {
		o.PartitionInterval = 24 * time.Hour
	}
	return o
}

// Notifier receives terminal execution failures. Implementations must not
// block; the scheduler calls them on the execution worker.
type Notifier interface {
	NotifyFailure(job *store.Job, exec *store.Execution, cause error)
}

// jobTimer is the handle for one scheduled job. Closing quit ends the timer
// goroutine; updatedAt is the definition revision the timer was armed with,
// compared during sync to catch out-of-band updates.
type jobTimer struct {
	quit      chan struct{}
	updatedAt time.Time
}

// execContext tracks one in-flight execution for the single-flight guard.
type execContext struct {
	ExecID     uuid.UUID
	StartedAt  time.Time
	RetryCount int
}

// Stats is the scheduler's observable state.
type Stats struct {
	Total             int64       `json:"total"`
	Successful        int64       `json:"successful"`
	Failed            int64       `json:"failed"`
	AvgExecMS         float64     `json:"avgExecMs"`
	SuccessRate       string      `json:"successRate"`
	IsRunning         bool        `json:"isRunning"`
	ActiveJobs        int         `json:"activeJobs"`
	RunningExecutions int         `json:"runningExecutions"`
	Lanes             []LaneStats `json:"lanes"`
}

// Scheduler is the single writer for job firings within the process.
type Scheduler struct {
	st       store.Store
	executor Executor
	opts     Options
	lanes    *LaneManager

	mu        sync.Mutex
	isRunning bool
	active    map[uuid.UUID]*jobTimer
	running   map[uuid.UUID]*execContext
	retries   map[uuid.UUID]*time.Timer
	notifier  Notifier

	stopLoops context.CancelFunc
	loopWG    sync.WaitGroup // sync + maintenance + timer goroutines
	execWG    sync.WaitGroup // in-flight executions

	statsMu    sync.Mutex
	total      int64
	successful int64
	failed     int64
	avgMS      float64

	now func() time.Time
}

// New builds a scheduler over st. The executor runs every firing; pass
// NewSimulated() for the stub pipeline.
func New(st store.Store, executor Executor, opts Options) *Scheduler {
	opts = opts.withDefaults()
	return &Scheduler{
		st:       st,
		executor: executor,
		opts:     opts,
		lanes:    NewLaneManager(DefaultLanes(opts.ExecutionConcurrency)),
		active:   make(map[uuid.UUID]*jobTimer),
		running:  make(map[uuid.UUID]*execContext),
		retries:  make(map[uuid.UUID]*time.Timer),
		now:      time.Now,
	}
}

// SetNotifier installs the failure listener. Call before Start.
func (s *Scheduler) SetNotifier(n Notifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifier = n
}

// Start loads the active job set, arms a timer per job, and begins the sync
// and maintenance loops. Calling Start on a running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.isRunning = true
	s.mu.Unlock()

	// Running rows left behind by a crash become failed history before any
	// new firing can collide with them.
	if reaped, err := s.st.ReapStaleExecutions(ctx, s.opts.ReapGrace); err != nil {
		slog.Warn("scheduler: startup reap failed", "error", err)
	} else if reaped > 0 {
		slog.Info("scheduler: reaped orphaned executions", "count", reaped)
	}

	s.recomputeOverdue(ctx)

	jobs, err := s.st.ActiveJobs(ctx, s.opts.StartupJobCap)
	if err != nil {
		s.mu.Lock()
		s.isRunning = false
		s.mu.Unlock()
		return fmt.Errorf("load active jobs: %w", err)
	}
	for _, job := range jobs {
		s.ScheduleJob(job)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.stopLoops = cancel
	s.mu.Unlock()

	s.loopWG.Add(2)
	go s.syncLoop(loopCtx)
	go s.maintenanceLoop(loopCtx)

	slog.Info("scheduler started", "jobs", len(jobs), "sync_interval", s.opts.SyncInterval)
	return nil
}

// Stop halts the loops and timers, then waits up to DrainTimeout for
// in-flight executions. Executions still running after the drain keep their
// rows in running state; the next Start reaps them.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	if s.stopLoops != nil {
		s.stopLoops()
	}
	for id, t := range s.active {
		close(t.quit)
		delete(s.active, id)
	}
	for id, timer := range s.retries {
		timer.Stop()
		delete(s.retries, id)
	}
	s.mu.Unlock()

	s.lanes.StopAll()
	s.loopWG.Wait()

	done := make(chan struct{})
	go func() {
		s.execWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.opts.DrainTimeout):
		s.mu.Lock()
		leftover := len(s.running)
		s.mu.Unlock()
		slog.Warn("scheduler stopped with executions still in flight",
			"running", leftover, "drain_timeout", s.opts.DrainTimeout)
	}
	slog.Info("scheduler stopped")
}

// IsRunning reports whether Start has been called without a matching Stop.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isRunning
}

// ScheduleJob arms a recurring timer for job, replacing any existing one. A
// job with an invalid cron expression is logged and left unscheduled rather
// than armed with the fallback cadence.
func (s *Scheduler) ScheduleJob(job *store.Job) {
	if err := cronx.ValidateErr(job.CronExpression); err != nil {
		slog.Warn("scheduler: not scheduling job with invalid cron",
			"job_id", job.ID, "job_name", job.Name, "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isRunning {
		return
	}
	if prior, ok := s.active[job.ID]; ok {
		close(prior.quit)
	}
	t := &jobTimer{quit: make(chan struct{}), updatedAt: job.UpdatedAt}
	s.active[job.ID] = t

	s.loopWG.Add(1)
	go s.runTimer(job.Clone(), t.quit)
}

// UnscheduleJob tears down the job's timer and any pending retry. In-flight
// executions are untouched.
func (s *Scheduler) UnscheduleJob(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.active[id]; ok {
		close(t.quit)
		delete(s.active, id)
	}
	if timer, ok := s.retries[id]; ok {
		timer.Stop()
		delete(s.retries, id)
	}
}

// IsScheduled reports whether the job currently has an armed timer.
func (s *Scheduler) IsScheduled(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[id]
	return ok
}

// Trigger enqueues one manual execution of job and returns as soon as it is
// queued. The run shares the single-flight guard with scheduled firings, so
// a trigger against a busy job queues, runs, and skips itself.
func (s *Scheduler) Trigger(job *store.Job) error {
	if !s.IsRunning() {
		return ErrNotRunning
	}
	return s.dispatch(job, 0)
}

// runTimer is the per-job firing loop: persist the next instant, sleep
// until it, dispatch, re-arm. Re-arming immediately (rather than after the
// execution finishes) keeps next_run_at pointing at the future for the
// whole run; overlap is the single-flight guard's problem.
func (s *Scheduler) runTimer(job *store.Job, quit chan struct{}) {
	defer s.loopWG.Done()
	for {
		next := cronx.NextAfter(job.CronExpression, s.now())
		if err := s.st.SetNextRun(context.Background(), job.ID, next); err != nil {
			if errors.Is(err, store.ErrJobNotFound) {
				// deleted out of band; sync would also catch this
				return
			}
			slog.Warn("scheduler: persisting next run failed",
				"job_id", job.ID, "error", err)
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-quit:
			timer.Stop()
			return
		case <-timer.C:
		}

		if err := s.dispatch(job, 0); err != nil {
			slog.Warn("scheduler: dropped scheduled firing",
				"job_id", job.ID, "job_name", job.Name, "error", err)
		}
	}
}

// dispatch hands one execution attempt to the worker lane.
func (s *Scheduler) dispatch(job *store.Job, retryCount int) error {
	return s.lanes.Get(LaneExecutions).Submit(func() {
		s.execute(job, retryCount)
	})
}

// execute runs one attempt: claim the single-flight slot, write the
// provisional execution row, run the executor under the job's deadline, and
// record the terminal outcome. Store failures are logged and absorbed here
// so a bad write never kills the timer.
func (s *Scheduler) execute(job *store.Job, retryCount int) {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	if _, busy := s.running[job.ID]; busy {
		s.mu.Unlock()
		slog.Info("scheduler: execution already in flight, skipping",
			"job_id", job.ID, "job_name", job.Name)
		return
	}
	ec := &execContext{ExecID: uuid.New(), StartedAt: s.now().UTC(), RetryCount: retryCount}
	s.running[job.ID] = ec
	s.execWG.Add(1)
	s.mu.Unlock()

	defer s.execWG.Done()
	defer func() {
		s.mu.Lock()
		delete(s.running, job.ID)
		s.mu.Unlock()
	}()

	ctx := context.Background()
	exec := &store.Execution{
		ID:         ec.ExecID,
		JobID:      job.ID,
		Status:     store.ExecutionRunning,
		StartedAt:  ec.StartedAt,
		RetryCount: retryCount,
	}
	recorded := true
	if err := s.st.InsertExecution(ctx, exec); err != nil {
		if errors.Is(err, store.ErrJobNotFound) {
			slog.Info("scheduler: job deleted before execution, skipping", "job_id", job.ID)
			return
		}
		// run anyway; only the history row is lost
		recorded = false
		slog.Error("scheduler: recording execution start failed",
			"job_id", job.ID, "exec_id", ec.ExecID, "error", err)
	}

	slog.Info("scheduler: executing job",
		"job_id", job.ID, "job_name", job.Name, "exec_id", ec.ExecID, "retry", retryCount)

	runCtx, cancel := context.WithTimeout(withExecution(ctx, ec.ExecID, retryCount),
		time.Duration(job.TimeoutMS)*time.Millisecond)
	result, runErr := s.executor.Execute(runCtx, job)
	cancel()

	completedAt := s.now().UTC()
	duration := completedAt.Sub(ec.StartedAt)

	if runErr != nil {
		status := store.ExecutionFailed
		if errors.Is(runErr, context.DeadlineExceeded) {
			status = store.ExecutionTimeout
			runErr = fmt.Errorf("execution timed out after %dms", job.TimeoutMS)
		}
		fin := store.ExecutionFinish{
			Status:       status,
			CompletedAt:  completedAt,
			DurationMS:   duration.Milliseconds(),
			ErrorMessage: runErr.Error(),
		}
		if result != nil {
			fin.Output = result.Output
		}
		if recorded {
			if err := s.st.FinishExecution(ctx, ec.ExecID, ec.StartedAt, fin); err != nil {
				slog.Error("scheduler: recording execution failure failed",
					"job_id", job.ID, "exec_id", ec.ExecID, "error", err)
			}
			if err := s.st.UpdateJobStats(ctx, job.ID, false); err != nil && !errors.Is(err, store.ErrJobNotFound) {
				slog.Error("scheduler: updating job stats failed", "job_id", job.ID, "error", err)
			}
		}
		s.record(false, duration)
		slog.Error("scheduler: job failed",
			"job_id", job.ID, "job_name", job.Name, "exec_id", ec.ExecID,
			"status", status, "duration_ms", duration.Milliseconds(), "error", runErr)

		s.notifyFailure(job, exec, fin, runErr)
		s.maybeRetry(job, retryCount, runErr)
		return
	}

	fin := store.ExecutionFinish{
		Status:      store.ExecutionCompleted,
		CompletedAt: completedAt,
		DurationMS:  duration.Milliseconds(),
	}
	if result != nil {
		fin.Output = result.Output
	}
	if recorded {
		if err := s.st.FinishExecution(ctx, ec.ExecID, ec.StartedAt, fin); err != nil {
			slog.Error("scheduler: recording execution success failed",
				"job_id", job.ID, "exec_id", ec.ExecID, "error", err)
		}
	}
	if err := s.st.UpdateJobStats(ctx, job.ID, true); err != nil && !errors.Is(err, store.ErrJobNotFound) {
		slog.Error("scheduler: updating job stats failed", "job_id", job.ID, "error", err)
	}
	next := cronx.NextAfter(job.CronExpression, s.now())
	if err := s.st.SetNextRun(ctx, job.ID, next); err != nil && !errors.Is(err, store.ErrJobNotFound) {
		slog.Warn("scheduler: persisting next run failed", "job_id", job.ID, "error", err)
	}
	s.record(true, duration)
	slog.Info("scheduler: job completed",
		"job_id", job.ID, "job_name", job.Name, "exec_id", ec.ExecID,
		"duration_ms", duration.Milliseconds())
}

func (s *Scheduler) notifyFailure(job *store.Job, exec *store.Execution, fin store.ExecutionFinish, cause error) {
	s.mu.Lock()
	n := s.notifier
	s.mu.Unlock()
	if n == nil {
		return
	}
	terminal := *exec
	terminal.Status = fin.Status
	completed := fin.CompletedAt
	terminal.CompletedAt = &completed
	dur := fin.DurationMS
	terminal.DurationMS = &dur
	msg := fin.ErrorMessage
	terminal.ErrorMessage = &msg
	n.NotifyFailure(job, &terminal, cause)
}

// maybeRetry arms a delayed re-execution after a failure. The retry runs
// with retry_count = attempt on its execution row and goes through the same
// single-flight guard, so a scheduled firing that lands first wins.
func (s *Scheduler) maybeRetry(job *store.Job, attempt int, cause error) {
	next := attempt + 1
	if next > job.MaxRetries {
		if job.MaxRetries > 0 {
			slog.Warn("scheduler: retries exhausted",
				"job_id", job.ID, "job_name", job.Name, "attempts", attempt+1, "error", cause)
		}
		return
	}
	delay := RetryDelay(job.RetryDelayMS, next)
	slog.Info("scheduler: scheduling retry",
		"job_id", job.ID, "attempt", next, "max_retries", job.MaxRetries, "delay", delay)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isRunning {
		return
	}
	if prior, ok := s.retries[job.ID]; ok {
		prior.Stop()
	}
	s.retries[job.ID] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.retries, job.ID)
		s.mu.Unlock()
		if err := s.dispatch(job, next); err != nil {
			slog.Warn("scheduler: dropped retry", "job_id", job.ID, "error", err)
		}
	})
}

// recomputeOverdue repairs next_run_at for active jobs whose instant is in
// the past or missing, the state left behind when the process was down
// across scheduled fires.
func (s *Scheduler) recomputeOverdue(ctx context.Context) {
	due, err := s.st.DueJobs(ctx, s.now(), s.opts.StartupJobCap)
	if err != nil {
		slog.Warn("scheduler: loading overdue jobs failed", "error", err)
		return
	}
	for _, job := range due {
		if !cronx.Validate(job.CronExpression) {
			continue
		}
		next := cronx.NextAfter(job.CronExpression, s.now())
		if err := s.st.SetNextRun(ctx, job.ID, next); err != nil {
			slog.Warn("scheduler: repairing next run failed", "job_id", job.ID, "error", err)
		}
	}
	if len(due) > 0 {
		slog.Info("scheduler: recomputed overdue next runs", "jobs", len(due))
	}
}

func (s *Scheduler) syncLoop(ctx context.Context) {
	defer s.loopWG.Done()
	ticker := time.NewTicker(s.opts.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sync(ctx)
		}
	}
}

// sync reconciles the timer set against the store: schedule jobs activated
// out of band, re-arm jobs whose definition moved, unschedule the rest. The
// diff is against is_active alone so a job between fires is never dropped,
// and in-flight executions are never touched.
func (s *Scheduler) sync(ctx context.Context) {
	jobs, err := s.st.ActiveJobs(ctx, s.opts.StartupJobCap)
	if err != nil {
		slog.Warn("scheduler: sync load failed", "error", err)
		return
	}

	seen := make(map[uuid.UUID]struct{}, len(jobs))
	var added, rearmed int
	for _, job := range jobs {
		seen[job.ID] = struct{}{}
		s.mu.Lock()
		t, ok := s.active[job.ID]
		changed := ok && job.UpdatedAt.After(t.updatedAt)
		s.mu.Unlock()
		switch {
		case !ok:
			s.ScheduleJob(job)
			added++
		case changed:
			s.ScheduleJob(job)
			rearmed++
		}
	}

	s.mu.Lock()
	var absent []uuid.UUID
	for id := range s.active {
		if _, ok := seen[id]; !ok {
			absent = append(absent, id)
		}
	}
	s.mu.Unlock()
	for _, id := range absent {
		s.UnscheduleJob(id)
	}

	if added+rearmed+len(absent) > 0 {
		slog.Info("scheduler: sync reconciled",
			"added", added, "rearmed", rearmed, "removed", len(absent))
	}
}

// maintenanceLoop runs the background upkeep that is not tied to any one
// job: orphan reaping and, on backends that partition history, partition
// pre-creation. Work runs on the maintenance lane so a slow store never
// stalls the loop.
func (s *Scheduler) maintenanceLoop(ctx context.Context) {
	defer s.loopWG.Done()

	reap := time.NewTicker(s.opts.ReapInterval)
	defer reap.Stop()
	partitions := time.NewTicker(s.opts.PartitionInterval)
	defer partitions.Stop()

	// partitions are created ahead of need once at startup
	s.submitMaintenance(func() { s.ensurePartitions(ctx) })

	for {
		select {
		case <-ctx.Done():
			return
		case <-reap.C:
			s.submitMaintenance(func() {
				if reaped, err := s.st.ReapStaleExecutions(ctx, s.opts.ReapGrace); err != nil {
					slog.Warn("scheduler: reap failed", "error", err)
				} else if reaped > 0 {
					slog.Info("scheduler: reaped orphaned executions", "count", reaped)
				}
			})
		case <-partitions.C:
			s.submitMaintenance(func() { s.ensurePartitions(ctx) })
		}
	}
}

func (s *Scheduler) submitMaintenance(fn func()) {
	if err := s.lanes.Get(LaneMaintenance).Submit(fn); err != nil {
		slog.Warn("scheduler: maintenance task dropped", "error", err)
	}
}

func (s *Scheduler) ensurePartitions(ctx context.Context) {
	pm, ok := s.st.(store.PartitionMaintainer)
	if !ok {
		return
	}
	if err := pm.EnsurePartitions(ctx); err != nil {
		slog.Warn("scheduler: partition upkeep failed", "error", err)
	}
}

// record folds one terminal execution into the counters and running mean.
func (s *Scheduler) record(success bool, d time.Duration) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	s.total++
	if success {
		s.successful++
	} else {
		s.failed++
	}
	s.avgMS += (float64(d.Milliseconds()) - s.avgMS) / float64(s.total)
}

// Stats returns a snapshot of the scheduler's counters and live state.
func (s *Scheduler) Stats() Stats {
	s.statsMu.Lock()
	out := Stats{
		Total:      s.total,
		Successful: s.successful,
		Failed:     s.failed,
		AvgExecMS:  s.avgMS,
	}
	s.statsMu.Unlock()

	rate := 0.0
	if out.Total > 0 {
		rate = float64(out.Successful) / float64(out.Total) * 100
	}
	out.SuccessRate = fmt.Sprintf("%.2f", rate)

	s.mu.Lock()
	out.IsRunning = s.isRunning
	out.ActiveJobs = len(s.active)
	out.RunningExecutions = len(s.running)
	s.mu.Unlock()

	out.Lanes = s.lanes.AllStats()
	return out
}
