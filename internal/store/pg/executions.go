package pg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/nextlevelbuilder/chronod/internal/store"
)

const execCols = `id, job_id, status, started_at, completed_at, duration_ms,
		 error_message, retry_count, output`

type execRow struct {
	ID           uuid.UUID  `db:"id"`
	JobID        uuid.UUID  `db:"job_id"`
	Status       string     `db:"status"`
	StartedAt    time.Time  `db:"started_at"`
	CompletedAt  *time.Time `db:"completed_at"`
	DurationMS   *int64     `db:"duration_ms"`
	ErrorMessage *string    `db:"error_message"`
	RetryCount   int        `db:"retry_count"`
	Output       []byte     `db:"output"`
}

func (r *execRow) toExecution() *store.Execution {
	e := &store.Execution{
		ID:           r.ID,
		JobID:        r.JobID,
		Status:       store.ExecutionStatus(r.Status),
		StartedAt:    r.StartedAt.UTC(),
		ErrorMessage: r.ErrorMessage,
		RetryCount:   r.RetryCount,
		Output:       json.RawMessage(r.Output),
	}
	if r.CompletedAt != nil {
		t := r.CompletedAt.UTC()
		e.CompletedAt = &t
	}
	if r.DurationMS != nil {
		d := *r.DurationMS
		e.DurationMS = &d
	}
	return e
}

// InsertExecution writes the running row and, in the same transaction,
// bumps total_runs and stamps last_run_at with the start instant. The
// outcome counters move later, when the execution finishes.
func (s *Store) InsertExecution(ctx context.Context, exec *store.Execution) error {
	defer s.observe("executions.insert", time.Now())

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert execution: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO job_executions (id, job_id, status, started_at, retry_count, output)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		exec.ID, exec.JobID, string(exec.Status), exec.StartedAt.UTC(), exec.RetryCount, jsonOrNull(exec.Output))
	if err != nil {
		if isForeignKeyViolation(err) {
			return store.ErrJobNotFound
		}
		return fmt.Errorf("insert execution: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE jobs SET total_runs = total_runs + 1, last_run_at = $2 WHERE id = $1`,
		exec.JobID, exec.StartedAt.UTC())
	if err != nil {
		return fmt.Errorf("bump total runs: %w", err)
	}
	if err := notFoundOnZero(res); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) FinishExecution(ctx context.Context, id uuid.UUID, startedAt time.Time, fin store.ExecutionFinish) error {
	defer s.observe("executions.finish", time.Now())

	var msg *string
	if fin.ErrorMessage != "" && (fin.Status == store.ExecutionFailed || fin.Status == store.ExecutionTimeout) {
		msg = &fin.ErrorMessage
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE job_executions
		 SET status = $3, completed_at = $4, duration_ms = $5, error_message = $6, output = $7
		 WHERE id = $1 AND started_at = $2`,
		id, startedAt.UTC(), string(fin.Status), fin.CompletedAt.UTC(), fin.DurationMS, msg, jsonOrNull(fin.Output))
	if err != nil {
		return fmt.Errorf("finish execution: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("execution %s not found", id)
	}
	return nil
}

func (s *Store) ListExecutions(ctx context.Context, jobID uuid.UUID, p store.Page) ([]*store.Execution, int64, error) {
	defer s.observe("executions.list", time.Now())

	var total int64
	if err := s.db.GetContext(ctx, &total,
		`SELECT COUNT(*) FROM job_executions WHERE job_id = $1`, jobID); err != nil {
		return nil, 0, fmt.Errorf("count executions: %w", err)
	}

	n := p.Normalize()
	var rows []execRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+execCols+` FROM job_executions
		 WHERE job_id = $1 ORDER BY started_at DESC LIMIT $2 OFFSET $3`,
		jobID, n.Limit, n.Offset())
	if err != nil {
		return nil, 0, fmt.Errorf("list executions: %w", err)
	}
	out := make([]*store.Execution, len(rows))
	for i := range rows {
		out[i] = rows[i].toExecution()
	}
	return out, total, nil
}

// ReapStaleExecutions fails running rows whose job timeout plus grace has
// long passed, the leftovers of a crashed or killed process. failed_runs is
// bumped for each reaped row in the same transaction.
func (s *Store) ReapStaleExecutions(ctx context.Context, grace time.Duration) (int64, error) {
	defer s.observe("executions.reap", time.Now())

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin reap: %w", err)
	}
	defer tx.Rollback()

	type staleRow struct {
		ID        uuid.UUID `db:"id"`
		StartedAt time.Time `db:"started_at"`
		JobID     uuid.UUID `db:"job_id"`
	}
	var stale []staleRow
	err = tx.SelectContext(ctx, &stale,
		`SELECT e.id, e.started_at, e.job_id
		 FROM job_executions e
		 JOIN jobs j ON j.id = e.job_id
		 WHERE e.status = 'running'
		   AND e.started_at + (j.timeout_ms * interval '1 millisecond') + ($1 * interval '1 millisecond') < NOW()
		 FOR UPDATE OF e SKIP LOCKED`,
		grace.Milliseconds())
	if err != nil {
		return 0, fmt.Errorf("find stale executions: %w", err)
	}
	if len(stale) == 0 {
		return 0, nil
	}

	perJob := make(map[uuid.UUID]int64)
	for _, r := range stale {
		_, err := tx.ExecContext(ctx,
			`UPDATE job_executions
			 SET status = 'failed', completed_at = NOW(),
			     duration_ms = (EXTRACT(EPOCH FROM (NOW() - started_at)) * 1000)::bigint,
			     error_message = 'execution orphaned: no completion recorded before deadline'
			 WHERE id = $1 AND started_at = $2`, r.ID, r.StartedAt)
		if err != nil {
			return 0, fmt.Errorf("reap execution %s: %w", r.ID, err)
		}
		perJob[r.JobID]++
	}
	for jobID, n := range perJob {
		if _, err := tx.ExecContext(ctx,
			`UPDATE jobs SET failed_runs = failed_runs + $2 WHERE id = $1`, jobID, n); err != nil {
			return 0, fmt.Errorf("bump failed runs: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return int64(len(stale)), nil
}

// CleanupOldExecutions drops history older than the retention window via the
// cleanup_old_executions stored function.
func (s *Store) CleanupOldExecutions(ctx context.Context, days int) (int64, error) {
	defer s.observe("executions.cleanup", time.Now())
	var removed int64
	if err := s.db.GetContext(ctx, &removed,
		`SELECT cleanup_old_executions($1)`, days); err != nil {
		return 0, fmt.Errorf("cleanup old executions: %w", err)
	}
	return removed, nil
}

// ExecutionsBefore streams rows older than cutoff, oldest first. fn errors
// stop the scan.
func (s *Store) ExecutionsBefore(ctx context.Context, cutoff time.Time, fn func(*store.Execution) error) error {
	defer s.observe("executions.before", time.Now())
	rows, err := s.db.QueryxContext(ctx,
		`SELECT `+execCols+` FROM job_executions
		 WHERE started_at < $1 ORDER BY started_at`, cutoff.UTC())
	if err != nil {
		return fmt.Errorf("scan executions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var r execRow
		if err := rows.StructScan(&r); err != nil {
			return fmt.Errorf("scan execution row: %w", err)
		}
		if err := fn(r.toExecution()); err != nil {
			return err
		}
	}
	return rows.Err()
}

// EnsurePartitions creates the monthly partitions around now so inserts
// never land in the default partition under normal operation.
func (s *Store) EnsurePartitions(ctx context.Context) error {
	defer s.observe("executions.partitions", time.Now())
	now := time.Now().UTC()
	for _, months := range []int{-1, 0, 1} {
		month := now.AddDate(0, months, 0).Format("2006-01-02")
		if _, err := s.db.ExecContext(ctx,
			`SELECT ensure_executions_partition($1::date)`, month); err != nil {
			return fmt.Errorf("ensure partition %s: %w", month, err)
		}
	}
	return nil
}

func jsonOrNull(data json.RawMessage) any {
	if len(data) == 0 {
		return nil
	}
	return []byte(data)
}

// isForeignKeyViolation detects inserts against a job deleted mid-flight.
func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}
