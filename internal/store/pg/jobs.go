package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/nextlevelbuilder/chronod/internal/store"
)

// jobCols is the column list for all job SELECT queries.
const jobCols = `id, name, description, cron_expression, is_active, job_type,
		 payload, timeout_ms, max_retries, retry_delay_ms, created_by, tags,
		 created_at, updated_at, last_run_at, next_run_at,
		 total_runs, successful_runs, failed_runs`

type jobRow struct {
	ID             uuid.UUID      `db:"id"`
	Name           string         `db:"name"`
	Description    string         `db:"description"`
	CronExpression string         `db:"cron_expression"`
	IsActive       bool           `db:"is_active"`
	JobType        string         `db:"job_type"`
	Payload        []byte         `db:"payload"`
	TimeoutMS      int            `db:"timeout_ms"`
	MaxRetries     int            `db:"max_retries"`
	RetryDelayMS   int            `db:"retry_delay_ms"`
	CreatedBy      sql.NullString `db:"created_by"`
	Tags           pq.StringArray `db:"tags"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
	LastRunAt      *time.Time     `db:"last_run_at"`
	NextRunAt      *time.Time     `db:"next_run_at"`
	TotalRuns      int64          `db:"total_runs"`
	SuccessfulRuns int64          `db:"successful_runs"`
	FailedRuns     int64          `db:"failed_runs"`
}

func (r *jobRow) toJob() *store.Job {
	j := &store.Job{
		ID:             r.ID,
		Name:           r.Name,
		Description:    r.Description,
		CronExpression: r.CronExpression,
		IsActive:       r.IsActive,
		JobType:        store.JobType(r.JobType),
		Payload:        json.RawMessage(r.Payload),
		TimeoutMS:      r.TimeoutMS,
		MaxRetries:     r.MaxRetries,
		RetryDelayMS:   r.RetryDelayMS,
		CreatedBy:      r.CreatedBy.String,
		Tags:           []string(r.Tags),
		CreatedAt:      r.CreatedAt.UTC(),
		UpdatedAt:      r.UpdatedAt.UTC(),
		TotalRuns:      r.TotalRuns,
		SuccessfulRuns: r.SuccessfulRuns,
		FailedRuns:     r.FailedRuns,
	}
	if j.Tags == nil {
		j.Tags = []string{}
	}
	if r.LastRunAt != nil {
		t := r.LastRunAt.UTC()
		j.LastRunAt = &t
	}
	if r.NextRunAt != nil {
		t := r.NextRunAt.UTC()
		j.NextRunAt = &t
	}
	return j
}

func fromJob(j *store.Job) *jobRow {
	return &jobRow{
		ID:             j.ID,
		Name:           j.Name,
		Description:    j.Description,
		CronExpression: j.CronExpression,
		IsActive:       j.IsActive,
		JobType:        string(j.JobType),
		Payload:        jsonOrEmpty(j.Payload),
		TimeoutMS:      j.TimeoutMS,
		MaxRetries:     j.MaxRetries,
		RetryDelayMS:   j.RetryDelayMS,
		CreatedBy:      sql.NullString{String: j.CreatedBy, Valid: j.CreatedBy != ""},
		Tags:           pq.StringArray(j.Tags),
		CreatedAt:      j.CreatedAt,
		UpdatedAt:      j.UpdatedAt,
		LastRunAt:      j.LastRunAt,
		NextRunAt:      j.NextRunAt,
		TotalRuns:      j.TotalRuns,
		SuccessfulRuns: j.SuccessfulRuns,
		FailedRuns:     j.FailedRuns,
	}
}

func (s *Store) CreateJob(ctx context.Context, job *store.Job) error {
	defer s.observe("jobs.create", time.Now())
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO jobs (id, name, description, cron_expression, is_active, job_type,
		 payload, timeout_ms, max_retries, retry_delay_ms, created_by, tags,
		 created_at, updated_at, last_run_at, next_run_at,
		 total_runs, successful_runs, failed_runs)
		 VALUES (:id, :name, :description, :cron_expression, :is_active, :job_type,
		 :payload, :timeout_ms, :max_retries, :retry_delay_ms, :created_by, :tags,
		 :created_at, :updated_at, :last_run_at, :next_run_at,
		 :total_runs, :successful_runs, :failed_runs)`,
		fromJob(job))
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (*store.Job, error) {
	defer s.observe("jobs.get", time.Now())
	var row jobRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+jobCols+` FROM jobs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return row.toJob(), nil
}

func (s *Store) ListJobs(ctx context.Context, f store.Filter, p store.Page) ([]*store.Job, int64, error) {
	defer s.observe("jobs.list", time.Now())

	where := make([]string, 0, 4)
	args := make([]any, 0, 4)
	idx := 1
	if f.IsActive != nil {
		where = append(where, fmt.Sprintf("is_active = $%d", idx))
		args = append(args, *f.IsActive)
		idx++
	}
	if f.JobType != nil {
		where = append(where, fmt.Sprintf("job_type = $%d", idx))
		args = append(args, string(*f.JobType))
		idx++
	}
	if len(f.Tags) > 0 {
		// overlap against the GIN index
		where = append(where, fmt.Sprintf("tags && $%d", idx))
		args = append(args, pq.Array(f.Tags))
		idx++
	}
	if f.Search != "" {
		where = append(where, fmt.Sprintf(`name ILIKE $%d ESCAPE '\'`, idx))
		args = append(args, "%"+escapeLike(f.Search)+"%")
		idx++
	}

	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int64
	if err := s.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM jobs"+clause, args...); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	n := p.Normalize()
	query := fmt.Sprintf("SELECT %s FROM jobs%s ORDER BY created_at DESC LIMIT $%d OFFSET $%d",
		jobCols, clause, idx, idx+1)
	args = append(args, n.Limit, n.Offset())

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	out := make([]*store.Job, len(rows))
	for i := range rows {
		out[i] = rows[i].toJob()
	}
	return out, total, nil
}

// UpdateJob persists a definition change. The run counters and last_run_at
// are deliberately left out so concurrent executions are not clobbered.
func (s *Store) UpdateJob(ctx context.Context, job *store.Job) error {
	defer s.observe("jobs.update", time.Now())
	res, err := s.db.NamedExecContext(ctx,
		`UPDATE jobs SET name = :name, description = :description,
		 cron_expression = :cron_expression, is_active = :is_active,
		 job_type = :job_type, payload = :payload, timeout_ms = :timeout_ms,
		 max_retries = :max_retries, retry_delay_ms = :retry_delay_ms,
		 tags = :tags, next_run_at = :next_run_at, updated_at = :updated_at
		 WHERE id = :id`,
		fromJob(job))
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	return notFoundOnZero(res)
}

func (s *Store) DeleteJob(ctx context.Context, id uuid.UUID) (*store.Job, error) {
	defer s.observe("jobs.delete", time.Now())
	var row jobRow
	err := s.db.GetContext(ctx, &row,
		`DELETE FROM jobs WHERE id = $1 RETURNING `+jobCols, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("delete job: %w", err)
	}
	return row.toJob(), nil
}

func (s *Store) ActiveJobs(ctx context.Context, limit int) ([]*store.Job, error) {
	defer s.observe("jobs.active", time.Now())
	var rows []jobRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+jobCols+` FROM jobs WHERE is_active ORDER BY created_at LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("active jobs: %w", err)
	}
	out := make([]*store.Job, len(rows))
	for i := range rows {
		out[i] = rows[i].toJob()
	}
	return out, nil
}

func (s *Store) DueJobs(ctx context.Context, now time.Time, limit int) ([]*store.Job, error) {
	defer s.observe("jobs.due", time.Now())
	var rows []jobRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+jobCols+` FROM jobs
		 WHERE is_active AND (next_run_at IS NULL OR next_run_at <= $1)
		 ORDER BY next_run_at NULLS FIRST LIMIT $2`, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("due jobs: %w", err)
	}
	out := make([]*store.Job, len(rows))
	for i := range rows {
		out[i] = rows[i].toJob()
	}
	return out, nil
}

func (s *Store) JobRuntimes(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]store.JobRuntime, error) {
	if len(ids) == 0 {
		return map[uuid.UUID]store.JobRuntime{}, nil
	}
	defer s.observe("jobs.runtimes", time.Now())

	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = id.String()
	}
	type runtimeRow struct {
		ID             uuid.UUID  `db:"id"`
		LastRunAt      *time.Time `db:"last_run_at"`
		NextRunAt      *time.Time `db:"next_run_at"`
		TotalRuns      int64      `db:"total_runs"`
		SuccessfulRuns int64      `db:"successful_runs"`
		FailedRuns     int64      `db:"failed_runs"`
	}
	var rows []runtimeRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT id, last_run_at, next_run_at, total_runs, successful_runs, failed_runs
		 FROM jobs WHERE id = ANY($1::uuid[])`, pq.Array(strs))
	if err != nil {
		return nil, fmt.Errorf("job runtimes: %w", err)
	}
	out := make(map[uuid.UUID]store.JobRuntime, len(rows))
	for _, r := range rows {
		rt := store.JobRuntime{
			ID:             r.ID,
			TotalRuns:      r.TotalRuns,
			SuccessfulRuns: r.SuccessfulRuns,
			FailedRuns:     r.FailedRuns,
		}
		if r.LastRunAt != nil {
			t := r.LastRunAt.UTC()
			rt.LastRunAt = &t
		}
		if r.NextRunAt != nil {
			t := r.NextRunAt.UTC()
			rt.NextRunAt = &t
		}
		out[r.ID] = rt
	}
	return out, nil
}

func (s *Store) SetNextRun(ctx context.Context, id uuid.UUID, next time.Time) error {
	defer s.observe("jobs.set_next_run", time.Now())
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET next_run_at = $2 WHERE id = $1`, id, next.UTC())
	if err != nil {
		return fmt.Errorf("set next run: %w", err)
	}
	return notFoundOnZero(res)
}

func (s *Store) UpdateJobStats(ctx context.Context, id uuid.UUID, success bool) error {
	defer s.observe("jobs.update_stats", time.Now())
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET
		 successful_runs = successful_runs + CASE WHEN $2 THEN 1 ELSE 0 END,
		 failed_runs = failed_runs + CASE WHEN $2 THEN 0 ELSE 1 END
		 WHERE id = $1`, id, success)
	if err != nil {
		return fmt.Errorf("update job stats: %w", err)
	}
	return notFoundOnZero(res)
}

func notFoundOnZero(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrJobNotFound
	}
	return nil
}

// escapeLike escapes LIKE wildcards so user search text matches literally.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}

func jsonOrEmpty(data json.RawMessage) []byte {
	if len(data) == 0 {
		return []byte("{}")
	}
	return data
}
