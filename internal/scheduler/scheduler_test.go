package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/chronod/internal/cronx"
	"github.com/nextlevelbuilder/chronod/internal/store"
	"github.com/nextlevelbuilder/chronod/internal/store/mem"
)

// farCron fires at most once a year, so timers armed with it never go off
// during a test run.
const farCron = "0 0 1 1 *"

func testJob(expr string) *store.Job {
	now := time.Now().UTC()
	return &store.Job{
		ID:             uuid.New(),
		Name:           "test-job",
		CronExpression: expr,
		IsActive:       true,
		JobType:        store.JobTypeScheduled,
		Payload:        json.RawMessage(`{}`),
		TimeoutMS:      store.DefaultTimeoutMS,
		RetryDelayMS:   1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func startScheduler(t *testing.T, st store.Store, exec Executor, opts Options) *Scheduler {
	t.Helper()
	s := New(st, exec, opts)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	t.Cleanup(s.Stop)
	return s
}

func eventually(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", d)
}

func TestLane_ConcurrencyLimit(t *testing.T) {
	lane := NewLane("test", 2)
	defer lane.Stop()

	var active atomic.Int32
	var maxActive atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 6; i++ {
		wg.Add(1)
		err := lane.Submit(func() {
			defer wg.Done()
			cur := active.Add(1)

			// Track the max concurrency observed
			for {
				old := maxActive.Load()
				if cur <= old || maxActive.CompareAndSwap(old, cur) {
					break
				}
			}

			time.Sleep(50 * time.Millisecond)
			active.Add(-1)
		})
		if err != nil {
			t.Fatalf("submit failed: %v", err)
		}
	}

	wg.Wait()

	if m := maxActive.Load(); m > 2 {
		t.Errorf("max active = %d, want <= 2", m)
	}
	if m := maxActive.Load(); m < 2 {
		t.Errorf("max active = %d, want >= 2 (should use full concurrency)", m)
	}
}

func TestLane_SubmitAfterStop(t *testing.T) {
	lane := NewLane("test", 1)
	lane.Stop()

	if err := lane.Submit(func() {}); !errors.Is(err, ErrLaneStopped) {
		t.Errorf("submit after stop = %v, want ErrLaneStopped", err)
	}
}

func TestLane_Stats(t *testing.T) {
	lane := NewLane("test", 3)
	defer lane.Stop()

	stats := lane.Stats()
	if stats.Name != "test" {
		t.Errorf("name = %q, want %q", stats.Name, "test")
	}
	if stats.Concurrency != 3 {
		t.Errorf("concurrency = %d, want 3", stats.Concurrency)
	}
	if stats.Active != 0 {
		t.Errorf("active = %d, want 0", stats.Active)
	}
}

func TestLaneManager_GetFallback(t *testing.T) {
	lm := NewLaneManager(DefaultLanes(4))
	defer lm.StopAll()

	if l := lm.Get(LaneMaintenance); l == nil {
		t.Error("Get(maintenance) returned nil")
	}

	// Unknown lane → fallback to executions
	if l := lm.Get("nonexistent"); l == nil {
		t.Error("Get('nonexistent') should fall back to executions")
	} else if l.name != LaneExecutions {
		t.Errorf("fallback lane name = %q, want %q", l.name, LaneExecutions)
	}
}

func TestRetryDelay(t *testing.T) {
	for i := 0; i < 100; i++ {
		if d := RetryDelay(1000, 1); d < time.Second || d > 1250*time.Millisecond {
			t.Fatalf("attempt 1 delay = %v, want within [1s, 1.25s]", d)
		}
		if d := RetryDelay(1000, 3); d < 3*time.Second || d > 3750*time.Millisecond {
			t.Fatalf("attempt 3 delay = %v, want within [3s, 3.75s]", d)
		}
	}

	// Attempt below 1 is treated as the first retry
	if d := RetryDelay(1000, 0); d < time.Second || d > 1250*time.Millisecond {
		t.Errorf("attempt 0 delay = %v, want within [1s, 1.25s]", d)
	}

	// Base * attempt past the cap pins to the cap
	if d := RetryDelay(600000, 2); d != maxRetryDelay {
		t.Errorf("capped delay = %v, want %v", d, maxRetryDelay)
	}
}

func TestScheduler_StartStopIdempotent(t *testing.T) {
	s := New(mem.New(), NewSimulated(), Options{DrainTimeout: 200 * time.Millisecond})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("second start failed: %v", err)
	}
	if !s.IsRunning() {
		t.Error("IsRunning = false after Start")
	}

	s.Stop()
	s.Stop()
	if s.IsRunning() {
		t.Error("IsRunning = true after Stop")
	}
}

func TestScheduler_TriggerWhenStopped(t *testing.T) {
	s := New(mem.New(), NewSimulated(), Options{})

	if err := s.Trigger(testJob(farCron)); !errors.Is(err, ErrNotRunning) {
		t.Errorf("trigger on stopped scheduler = %v, want ErrNotRunning", err)
	}
}

func TestScheduler_InvalidCronNotScheduled(t *testing.T) {
	st := mem.New()
	s := startScheduler(t, st, NewSimulated(), Options{})

	job := testJob("* * * *")
	s.ScheduleJob(job)

	if s.IsScheduled(job.ID) {
		t.Error("job with 4-field expression should not be scheduled")
	}
}

func TestScheduler_ScheduleJobPersistsNextRun(t *testing.T) {
	st := mem.New()
	job := testJob(farCron)
	if err := st.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("create job: %v", err)
	}

	s := startScheduler(t, st, NewSimulated(), Options{})

	if !s.IsScheduled(job.ID) {
		t.Fatal("active job not scheduled at start")
	}
	eventually(t, 2*time.Second, func() bool {
		got, err := st.GetJob(context.Background(), job.ID)
		return err == nil && got.NextRunAt != nil
	})

	got, err := st.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	want := cronx.NextAfter(farCron, time.Now())
	if !got.NextRunAt.Equal(want) {
		t.Errorf("next_run_at = %v, want %v", got.NextRunAt, want)
	}
}

func TestScheduler_TriggerRecordsExecution(t *testing.T) {
	st := mem.New()
	job := testJob(farCron)
	if err := st.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("create job: %v", err)
	}

	out := json.RawMessage(`{"rows":42}`)
	exec := ExecutorFunc(func(_ context.Context, _ *store.Job) (*Result, error) {
		return &Result{Output: out}, nil
	})
	s := startScheduler(t, st, exec, Options{})

	if err := s.Trigger(job); err != nil {
		t.Fatalf("trigger failed: %v", err)
	}

	eventually(t, 2*time.Second, func() bool {
		execs, _, err := st.ListExecutions(context.Background(), job.ID, store.Page{})
		return err == nil && len(execs) == 1 && execs[0].Status.Terminal()
	})

	execs, _, err := st.ListExecutions(context.Background(), job.ID, store.Page{})
	if err != nil {
		t.Fatalf("list executions: %v", err)
	}
	row := execs[0]
	if row.Status != store.ExecutionCompleted {
		t.Errorf("status = %q, want %q", row.Status, store.ExecutionCompleted)
	}
	if row.RetryCount != 0 {
		t.Errorf("retry_count = %d, want 0", row.RetryCount)
	}
	if row.CompletedAt == nil || row.DurationMS == nil {
		t.Error("terminal row missing completed_at or duration_ms")
	}
	if string(row.Output) != string(out) {
		t.Errorf("output = %s, want %s", row.Output, out)
	}

	got, err := st.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.TotalRuns != 1 || got.SuccessfulRuns != 1 || got.FailedRuns != 0 {
		t.Errorf("counters = %d/%d/%d, want 1/1/0",
			got.TotalRuns, got.SuccessfulRuns, got.FailedRuns)
	}
	if got.LastRunAt == nil {
		t.Error("last_run_at not stamped")
	}
}

func TestScheduler_SingleFlight(t *testing.T) {
	st := mem.New()
	job := testJob(farCron)
	if err := st.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("create job: %v", err)
	}

	release := make(chan struct{})
	var started atomic.Int32
	exec := ExecutorFunc(func(_ context.Context, _ *store.Job) (*Result, error) {
		started.Add(1)
		<-release
		return &Result{}, nil
	})
	s := startScheduler(t, st, exec, Options{})

	if err := s.Trigger(job); err != nil {
		t.Fatalf("trigger failed: %v", err)
	}
	eventually(t, 2*time.Second, func() bool { return started.Load() == 1 })

	// Further triggers while the first run holds the job are skipped
	for i := 0; i < 3; i++ {
		if err := s.Trigger(job); err != nil {
			t.Fatalf("trigger %d failed: %v", i, err)
		}
	}
	eventually(t, 2*time.Second, func() bool {
		return s.Stats().RunningExecutions == 1
	})
	time.Sleep(50 * time.Millisecond)
	if n := started.Load(); n != 1 {
		t.Errorf("started = %d, want 1 (overlapping runs must be skipped)", n)
	}

	close(release)
	eventually(t, 2*time.Second, func() bool {
		return s.Stats().RunningExecutions == 0
	})

	execs, total, err := st.ListExecutions(context.Background(), job.ID, store.Page{})
	if err != nil {
		t.Fatalf("list executions: %v", err)
	}
	if total != 1 || len(execs) != 1 {
		t.Errorf("execution rows = %d, want 1", total)
	}
}

func TestScheduler_TimeoutMarksRow(t *testing.T) {
	st := mem.New()
	job := testJob(farCron)
	job.TimeoutMS = 30
	if err := st.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("create job: %v", err)
	}

	exec := ExecutorFunc(func(ctx context.Context, _ *store.Job) (*Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	s := startScheduler(t, st, exec, Options{})

	if err := s.Trigger(job); err != nil {
		t.Fatalf("trigger failed: %v", err)
	}
	eventually(t, 2*time.Second, func() bool {
		execs, _, err := st.ListExecutions(context.Background(), job.ID, store.Page{})
		return err == nil && len(execs) == 1 && execs[0].Status.Terminal()
	})

	execs, _, _ := st.ListExecutions(context.Background(), job.ID, store.Page{})
	row := execs[0]
	if row.Status != store.ExecutionTimeout {
		t.Errorf("status = %q, want %q", row.Status, store.ExecutionTimeout)
	}
	want := "execution timed out after 30ms"
	if row.ErrorMessage == nil || *row.ErrorMessage != want {
		t.Errorf("error_message = %v, want %q", row.ErrorMessage, want)
	}

	got, _ := st.GetJob(context.Background(), job.ID)
	if got.FailedRuns != 1 {
		t.Errorf("failed_runs = %d, want 1", got.FailedRuns)
	}
}

func TestScheduler_RetriesUntilExhausted(t *testing.T) {
	st := mem.New()
	job := testJob(farCron)
	job.MaxRetries = 2
	job.RetryDelayMS = 1
	if err := st.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("create job: %v", err)
	}

	var attempts atomic.Int32
	exec := ExecutorFunc(func(_ context.Context, _ *store.Job) (*Result, error) {
		attempts.Add(1)
		return nil, fmt.Errorf("boom")
	})
	s := startScheduler(t, st, exec, Options{})

	if err := s.Trigger(job); err != nil {
		t.Fatalf("trigger failed: %v", err)
	}

	// Initial attempt plus 2 retries
	eventually(t, 5*time.Second, func() bool { return attempts.Load() == 3 })
	time.Sleep(50 * time.Millisecond)
	if n := attempts.Load(); n != 3 {
		t.Fatalf("attempts = %d, want exactly 3", n)
	}

	eventually(t, 2*time.Second, func() bool {
		_, total, err := st.ListExecutions(context.Background(), job.ID, store.Page{})
		return err == nil && total == 3
	})
	execs, _, err := st.ListExecutions(context.Background(), job.ID, store.Page{})
	if err != nil {
		t.Fatalf("list executions: %v", err)
	}
	counts := map[int]bool{}
	for _, e := range execs {
		if e.Status != store.ExecutionFailed {
			t.Errorf("status = %q, want %q", e.Status, store.ExecutionFailed)
		}
		counts[e.RetryCount] = true
	}
	for want := 0; want <= 2; want++ {
		if !counts[want] {
			t.Errorf("no execution row with retry_count = %d", want)
		}
	}

	got, _ := st.GetJob(context.Background(), job.ID)
	if got.TotalRuns != 3 || got.FailedRuns != 3 {
		t.Errorf("counters = total %d failed %d, want 3/3", got.TotalRuns, got.FailedRuns)
	}
}

func TestScheduler_SyncReconciles(t *testing.T) {
	st := mem.New()
	before := testJob(farCron)
	if err := st.CreateJob(context.Background(), before); err != nil {
		t.Fatalf("create job: %v", err)
	}

	s := startScheduler(t, st, NewSimulated(), Options{SyncInterval: 20 * time.Millisecond})
	if !s.IsScheduled(before.ID) {
		t.Fatal("pre-existing active job not scheduled")
	}

	// A job created after Start is picked up by the next sync
	after := testJob(farCron)
	if err := st.CreateJob(context.Background(), after); err != nil {
		t.Fatalf("create job: %v", err)
	}
	eventually(t, 2*time.Second, func() bool { return s.IsScheduled(after.ID) })

	// Deactivating drops the timer without touching the row
	got, err := st.GetJob(context.Background(), before.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	got.IsActive = false
	got.UpdatedAt = time.Now().UTC()
	if err := st.UpdateJob(context.Background(), got); err != nil {
		t.Fatalf("update job: %v", err)
	}
	eventually(t, 2*time.Second, func() bool { return !s.IsScheduled(before.ID) })
}

func TestScheduler_SyncRearmsUpdatedJob(t *testing.T) {
	st := mem.New()
	job := testJob(farCron)
	if err := st.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("create job: %v", err)
	}

	s := startScheduler(t, st, NewSimulated(), Options{SyncInterval: 20 * time.Millisecond})
	if !s.IsScheduled(job.ID) {
		t.Fatal("job not scheduled at start")
	}

	// Change the cadence out of band; sync must re-arm with the new
	// expression and the timer loop persists its instant.
	const newExpr = "30 10 * * *"
	got, err := st.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	got.CronExpression = newExpr
	got.UpdatedAt = time.Now().UTC().Add(time.Second)
	if err := st.UpdateJob(context.Background(), got); err != nil {
		t.Fatalf("update job: %v", err)
	}

	want := cronx.NextAfter(newExpr, time.Now())
	eventually(t, 2*time.Second, func() bool {
		cur, err := st.GetJob(context.Background(), job.ID)
		return err == nil && cur.NextRunAt != nil && cur.NextRunAt.Equal(want)
	})
}

func TestScheduler_StatsSuccessRate(t *testing.T) {
	st := mem.New()
	good := testJob(farCron)
	bad := testJob(farCron)
	bad.Name = "failing-job"
	for _, j := range []*store.Job{good, bad} {
		if err := st.CreateJob(context.Background(), j); err != nil {
			t.Fatalf("create job: %v", err)
		}
	}

	exec := ExecutorFunc(func(_ context.Context, j *store.Job) (*Result, error) {
		if j.Name == "failing-job" {
			return nil, fmt.Errorf("boom")
		}
		return &Result{}, nil
	})
	s := startScheduler(t, st, exec, Options{})

	if rate := s.Stats().SuccessRate; rate != "0.00" {
		t.Errorf("empty success rate = %q, want %q", rate, "0.00")
	}

	if err := s.Trigger(good); err != nil {
		t.Fatalf("trigger failed: %v", err)
	}
	if err := s.Trigger(bad); err != nil {
		t.Fatalf("trigger failed: %v", err)
	}
	eventually(t, 2*time.Second, func() bool { return s.Stats().Total == 2 })

	stats := s.Stats()
	if stats.Successful != 1 || stats.Failed != 1 {
		t.Errorf("successful/failed = %d/%d, want 1/1", stats.Successful, stats.Failed)
	}
	if stats.SuccessRate != "50.00" {
		t.Errorf("success rate = %q, want %q", stats.SuccessRate, "50.00")
	}
	if !stats.IsRunning {
		t.Error("IsRunning = false on started scheduler")
	}
	if len(stats.Lanes) != 2 {
		t.Errorf("lanes = %d, want 2", len(stats.Lanes))
	}
}

func TestExecutionContextAccessors(t *testing.T) {
	if _, ok := ExecutionID(context.Background()); ok {
		t.Error("ExecutionID on bare context should report absent")
	}
	if _, ok := Attempt(context.Background()); ok {
		t.Error("Attempt on bare context should report absent")
	}

	id := uuid.New()
	ctx := withExecution(context.Background(), id, 2)
	if got, ok := ExecutionID(ctx); !ok || got != id {
		t.Errorf("ExecutionID = %v, %v, want %v, true", got, ok, id)
	}
	if got, ok := Attempt(ctx); !ok || got != 2 {
		t.Errorf("Attempt = %d, %v, want 2, true", got, ok)
	}
}

func TestScheduler_StartRepairsOverdueNextRun(t *testing.T) {
	st := mem.New()
	job := testJob(farCron)
	stale := time.Now().UTC().Add(-time.Hour)
	job.NextRunAt = &stale
	if err := st.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("create job: %v", err)
	}

	startScheduler(t, st, NewSimulated(), Options{})

	eventually(t, 2*time.Second, func() bool {
		got, err := st.GetJob(context.Background(), job.ID)
		return err == nil && got.NextRunAt != nil && got.NextRunAt.After(time.Now())
	})
}
