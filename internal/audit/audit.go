// Package audit persists completed workflow runs to Postgres. The core
// engine treats persistence as optional: a nil recorder disables it, and a
// write failure is the engine's problem to log, never to propagate.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/kevinpez/mikrotik-ops/internal/engine"
)

// Store writes run records through a pgx-backed connection.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open connects, pings and migrates the audit schema. The migrations are
// embedded in the binary; no external files are needed.
func Open(dsn string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping audit db: %w", err)
	}

	goose.SetBaseFS(embeddedMigrations)
	if err := goose.SetDialect("postgres"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run audit migrations: %w", err)
	}

	return &Store{db: db, logger: logger.With("component", "audit")}, nil
}

// RecordRun implements engine.Recorder.
func (s *Store) RecordRun(ctx context.Context, rec engine.RunRecord) error {
	const q = `
		INSERT INTO run_audit
			(run_id, profile, command, tier, transport, ok, err_detail, elapsed_ms, verify_failed)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := s.db.ExecContext(ctx, q,
		rec.RunID, rec.Profile, rec.Command, rec.Tier, rec.Transport,
		rec.OK, rec.ErrDetail, rec.Elapsed.Milliseconds(), rec.VerifyFailed)
	if err != nil {
		return fmt.Errorf("insert run audit: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}
