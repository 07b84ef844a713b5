// Package pg implements store.Store on PostgreSQL. The execution history
// table is range-partitioned by month; partition upkeep and retention run
// through EnsurePartitions and CleanupOldExecutions.
package pg

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/nextlevelbuilder/chronod/internal/store"
)

const (
	maxOpenConns    = 20
	maxIdleConns    = 10
	connMaxLifetime = 30 * time.Minute

	// queries slower than this are logged
	slowQueryThreshold = 100 * time.Millisecond
)

// Store is the postgres-backed store.Store.
type Store struct {
	db *sqlx.DB
}

// Open connects to postgres via the pgx driver and verifies the connection.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	slog.Info("postgres connected", "max_open_conns", maxOpenConns, "max_idle_conns", maxIdleConns)
	return &Store{db: db}, nil
}

// observe logs queries that exceed slowQueryThreshold. Call deferred with
// the operation start time.
func (s *Store) observe(op string, start time.Time) {
	if d := time.Since(start); d >= slowQueryThreshold {
		slog.Warn("slow query", "op", op, "duration_ms", d.Milliseconds())
	}
}

func (s *Store) HealthCheck(ctx context.Context) (store.Health, error) {
	start := time.Now()
	var one int
	if err := s.db.GetContext(ctx, &one, "SELECT 1"); err != nil {
		return store.Health{Healthy: false, LatencyMS: time.Since(start).Milliseconds()}, err
	}
	return store.Health{Healthy: true, LatencyMS: time.Since(start).Milliseconds()}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
