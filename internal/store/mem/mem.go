// Package mem is an in-memory Store used by tests and by `chronod serve
// --ephemeral`. It mirrors the postgres backend's semantics, including the
// counter updates folded into InsertExecution, but keeps no history across
// restarts.
package mem

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/cases"

	"github.com/nextlevelbuilder/chronod/internal/store"
)

type execKey struct {
	id        uuid.UUID
	startedAt time.Time
}

// Mem implements store.Store over plain maps.
type Mem struct {
	mu    sync.RWMutex
	jobs  map[uuid.UUID]*store.Job
	execs map[execKey]*store.Execution

	now func() time.Time
}

// New returns an empty in-memory store.
func New() *Mem {
	return &Mem{
		jobs:  make(map[uuid.UUID]*store.Job),
		execs: make(map[execKey]*store.Execution),
		now:   time.Now,
	}
}

func (m *Mem) CreateJob(_ context.Context, job *store.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	m.jobs[job.ID] = job.Clone()
	return nil
}

func (m *Mem) GetJob(_ context.Context, id uuid.UUID) (*store.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, store.ErrJobNotFound
	}
	return j.Clone(), nil
}

func (m *Mem) ListJobs(_ context.Context, f store.Filter, p store.Page) ([]*store.Job, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	folder := cases.Fold()
	search := folder.String(f.Search)

	matched := make([]*store.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if f.IsActive != nil && j.IsActive != *f.IsActive {
			continue
		}
		if f.JobType != nil && j.JobType != *f.JobType {
			continue
		}
		if len(f.Tags) > 0 && !overlaps(j.Tags, f.Tags) {
			continue
		}
		if search != "" && !containsFold(folder, j.Name, search) {
			continue
		}
		matched = append(matched, j)
	}

	// newest first, ID as tiebreak so pages are stable
	sort.Slice(matched, func(a, b int) bool {
		if !matched[a].CreatedAt.Equal(matched[b].CreatedAt) {
			return matched[a].CreatedAt.After(matched[b].CreatedAt)
		}
		return matched[a].ID.String() < matched[b].ID.String()
	})

	total := int64(len(matched))
	page := paginate(matched, p)
	out := make([]*store.Job, len(page))
	for i, j := range page {
		out[i] = j.Clone()
	}
	return out, total, nil
}

func (m *Mem) UpdateJob(_ context.Context, job *store.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; !ok {
		return store.ErrJobNotFound
	}
	m.jobs[job.ID] = job.Clone()
	return nil
}

func (m *Mem) DeleteJob(_ context.Context, id uuid.UUID) (*store.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, store.ErrJobNotFound
	}
	delete(m.jobs, id)
	for k, e := range m.execs {
		if e.JobID == id {
			delete(m.execs, k)
		}
	}
	return j.Clone(), nil
}

func (m *Mem) ActiveJobs(_ context.Context, limit int) ([]*store.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*store.Job, 0)
	for _, j := range m.jobs {
		if j.IsActive {
			out = append(out, j.Clone())
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Mem) DueJobs(_ context.Context, now time.Time, limit int) ([]*store.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*store.Job, 0)
	for _, j := range m.jobs {
		if j.IsActive && (j.NextRunAt == nil || !j.NextRunAt.After(now)) {
			out = append(out, j.Clone())
		}
	}
	// nil next_run_at sorts first, matching NULLS FIRST in the pg backend
	sort.Slice(out, func(a, b int) bool {
		if out[a].NextRunAt == nil || out[b].NextRunAt == nil {
			return out[a].NextRunAt == nil && out[b].NextRunAt != nil
		}
		return out[a].NextRunAt.Before(*out[b].NextRunAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Mem) JobRuntimes(_ context.Context, ids []uuid.UUID) (map[uuid.UUID]store.JobRuntime, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[uuid.UUID]store.JobRuntime, len(ids))
	for _, id := range ids {
		j, ok := m.jobs[id]
		if !ok {
			continue
		}
		rt := store.JobRuntime{
			ID:             j.ID,
			TotalRuns:      j.TotalRuns,
			SuccessfulRuns: j.SuccessfulRuns,
			FailedRuns:     j.FailedRuns,
		}
		if j.LastRunAt != nil {
			t := *j.LastRunAt
			rt.LastRunAt = &t
		}
		if j.NextRunAt != nil {
			t := *j.NextRunAt
			rt.NextRunAt = &t
		}
		out[id] = rt
	}
	return out, nil
}

func (m *Mem) SetNextRun(_ context.Context, id uuid.UUID, next time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return store.ErrJobNotFound
	}
	next = next.UTC()
	j.NextRunAt = &next
	return nil
}

func (m *Mem) UpdateJobStats(_ context.Context, id uuid.UUID, success bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return store.ErrJobNotFound
	}
	if success {
		j.SuccessfulRuns++
	} else {
		j.FailedRuns++
	}
	return nil
}

func (m *Mem) InsertExecution(_ context.Context, exec *store.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[exec.JobID]
	if !ok {
		return store.ErrJobNotFound
	}
	e := *exec
	m.execs[execKey{exec.ID, exec.StartedAt}] = &e
	j.TotalRuns++
	started := exec.StartedAt.UTC()
	j.LastRunAt = &started
	return nil
}

func (m *Mem) FinishExecution(_ context.Context, id uuid.UUID, startedAt time.Time, fin store.ExecutionFinish) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.execs[execKey{id, startedAt}]
	if !ok {
		return fmt.Errorf("execution %s not found", id)
	}
	e.Status = fin.Status
	completed := fin.CompletedAt.UTC()
	e.CompletedAt = &completed
	dur := fin.DurationMS
	e.DurationMS = &dur
	e.Output = fin.Output
	if fin.ErrorMessage != "" && (fin.Status == store.ExecutionFailed || fin.Status == store.ExecutionTimeout) {
		msg := fin.ErrorMessage
		e.ErrorMessage = &msg
	}
	return nil
}

func (m *Mem) ListExecutions(_ context.Context, jobID uuid.UUID, p store.Page) ([]*store.Execution, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	matched := make([]*store.Execution, 0)
	for _, e := range m.execs {
		if e.JobID == jobID {
			matched = append(matched, e)
		}
	}
	sort.Slice(matched, func(a, b int) bool { return matched[a].StartedAt.After(matched[b].StartedAt) })
	total := int64(len(matched))
	page := paginate(matched, p)
	out := make([]*store.Execution, len(page))
	for i, e := range page {
		c := *e
		out[i] = &c
	}
	return out, total, nil
}

func (m *Mem) ReapStaleExecutions(_ context.Context, grace time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now().UTC()
	var reaped int64
	for _, e := range m.execs {
		if e.Status != store.ExecutionRunning {
			continue
		}
		timeout := time.Duration(store.DefaultTimeoutMS) * time.Millisecond
		if j, ok := m.jobs[e.JobID]; ok {
			timeout = time.Duration(j.TimeoutMS) * time.Millisecond
		}
		deadline := e.StartedAt.Add(timeout + grace)
		if now.Before(deadline) {
			continue
		}
		e.Status = store.ExecutionFailed
		completed := now
		e.CompletedAt = &completed
		dur := now.Sub(e.StartedAt).Milliseconds()
		e.DurationMS = &dur
		msg := "execution orphaned: no completion recorded before deadline"
		e.ErrorMessage = &msg
		if j, ok := m.jobs[e.JobID]; ok {
			j.FailedRuns++
		}
		reaped++
	}
	return reaped, nil
}

func (m *Mem) CleanupOldExecutions(_ context.Context, days int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().UTC().AddDate(0, 0, -days)
	var removed int64
	for k, e := range m.execs {
		if e.StartedAt.Before(cutoff) {
			delete(m.execs, k)
			removed++
		}
	}
	return removed, nil
}

func (m *Mem) ExecutionsBefore(_ context.Context, cutoff time.Time, fn func(*store.Execution) error) error {
	m.mu.RLock()
	matched := make([]*store.Execution, 0)
	for _, e := range m.execs {
		if e.StartedAt.Before(cutoff) {
			c := *e
			matched = append(matched, &c)
		}
	}
	m.mu.RUnlock()
	sort.Slice(matched, func(a, b int) bool { return matched[a].StartedAt.Before(matched[b].StartedAt) })
	for _, e := range matched {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

func (m *Mem) Stats(_ context.Context) (*store.DatabaseStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := &store.DatabaseStats{JobsByType: make(map[store.JobType]int64)}
	for _, j := range m.jobs {
		s.TotalJobs++
		if j.IsActive {
			s.ActiveJobs++
		}
		s.JobsByType[j.JobType]++
	}
	dayAgo := m.now().UTC().Add(-24 * time.Hour)
	for _, e := range m.execs {
		s.TotalExecutions++
		if e.StartedAt.After(dayAgo) {
			s.RecentExecutions++
		}
	}
	return s, nil
}

func (m *Mem) HealthCheck(_ context.Context) (store.Health, error) {
	return store.Health{Healthy: true, LatencyMS: 0}, nil
}

func (m *Mem) Close() error { return nil }

func paginate[T any](items []T, p store.Page) []T {
	n := p.Normalize()
	off := n.Offset()
	if off >= len(items) {
		return nil
	}
	end := off + n.Limit
	if end > len(items) {
		end = len(items)
	}
	return items[off:end]
}

func overlaps(have, want []string) bool {
	for _, w := range want {
		for _, h := range have {
			if h == w {
				return true
			}
		}
	}
	return false
}

// containsFold reports whether name contains needle under Unicode case
// folding. needle is already folded.
func containsFold(folder cases.Caser, name, needle string) bool {
	return strings.Contains(folder.String(name), needle)
}
