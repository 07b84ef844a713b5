package pg

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/chronod/internal/store"
)

// Stats runs the three aggregate queries concurrently; each one writes a
// disjoint part of the result.
func (s *Store) Stats(ctx context.Context) (*store.DatabaseStats, error) {
	defer s.observe("stats", time.Now())

	out := &store.DatabaseStats{JobsByType: make(map[store.JobType]int64)}
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		row := struct {
			Total  int64 `db:"total"`
			Active int64 `db:"active"`
		}{}
		err := s.db.GetContext(ctx, &row,
			`SELECT COUNT(*) AS total, COUNT(*) FILTER (WHERE is_active) AS active FROM jobs`)
		if err != nil {
			return fmt.Errorf("job counts: %w", err)
		}
		out.TotalJobs = row.Total
		out.ActiveJobs = row.Active
		return nil
	})

	g.Go(func() error {
		rows := []struct {
			JobType string `db:"job_type"`
			Count   int64  `db:"count"`
		}{}
		err := s.db.SelectContext(ctx, &rows,
			`SELECT job_type, COUNT(*) AS count FROM jobs GROUP BY job_type`)
		if err != nil {
			return fmt.Errorf("jobs by type: %w", err)
		}
		for _, r := range rows {
			out.JobsByType[store.JobType(r.JobType)] = r.Count
		}
		return nil
	})

	g.Go(func() error {
		row := struct {
			Total  int64 `db:"total"`
			Recent int64 `db:"recent"`
		}{}
		err := s.db.GetContext(ctx, &row,
			`SELECT COUNT(*) AS total,
			        COUNT(*) FILTER (WHERE started_at > NOW() - interval '24 hours') AS recent
			 FROM job_executions`)
		if err != nil {
			return fmt.Errorf("execution counts: %w", err)
		}
		out.TotalExecutions = row.Total
		out.RecentExecutions = row.Recent
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
