// Package iterationstore durably mirrors IterationAttempt rows for
// observability. It is never read back into the Iterative Controller's
// control flow — only a dashboard or operator query touches it.
package iterationstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"github.com/ralphctl/ralphctl/internal/common/config"
	"github.com/ralphctl/ralphctl/internal/iterative"
)

const schema = `
CREATE TABLE IF NOT EXISTS iteration_attempts (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	repository_id TEXT NOT NULL,
	session_id    TEXT NOT NULL,
	iteration     INTEGER NOT NULL,
	outcome       TEXT NOT NULL,
	started_at    TIMESTAMP NOT NULL,
	ended_at      TIMESTAMP
)`

const schemaPostgres = `
CREATE TABLE IF NOT EXISTS iteration_attempts (
	id            BIGSERIAL PRIMARY KEY,
	repository_id TEXT NOT NULL,
	session_id    TEXT NOT NULL,
	iteration     INTEGER NOT NULL,
	outcome       TEXT NOT NULL,
	started_at    TIMESTAMPTZ NOT NULL,
	ended_at      TIMESTAMPTZ
)`

// Store is the durable mirror, implementing iterative.HistoryRecorder.
type Store struct {
	db *sqlx.DB
}

var _ iterative.HistoryRecorder = (*Store)(nil)

// Open connects according to cfg.Driver ("sqlite3" or "pgx") and ensures the schema exists.
func Open(cfg config.IterationLogConfig) (*Store, error) {
	driver := normalizeDriver(cfg.Driver)

	var rawDB *sql.DB
	var err error
	var ddl string

	switch driver {
	case driverPGX:
		rawDB, err = sql.Open(driverPGX, cfg.DSN)
		ddl = schemaPostgres
	case driverSQLite3:
		dsn := cfg.DSN
		if dsn == "" {
			dsn = "iteration-history.db"
		}
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil && filepath.Dir(dsn) != "." {
			return nil, fmt.Errorf("prepare iteration store dir: %w", err)
		}
		rawDB, err = sql.Open(driverSQLite3, fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL", dsn))
		ddl = schema
	default:
		return nil, fmt.Errorf("unsupported iteration store driver: %q", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open iteration store: %w", err)
	}

	if driver == driverSQLite3 {
		rawDB.SetMaxOpenConns(1)
	}

	db := sqlx.NewDb(rawDB, driver)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping iteration store: %w", err)
	}
	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure iteration_attempts schema: %w", err)
	}

	return &Store{db: db}, nil
}

// RecordAttempt inserts a mirrored row for one completed iteration attempt.
func (s *Store) RecordAttempt(ctx context.Context, repositoryID, sessionID string, attempt iterative.IterationAttempt) error {
	var endedAt any
	if !attempt.EndedAt.IsZero() {
		endedAt = attempt.EndedAt
	}

	_, err := insertReturningID(ctx, s.db,
		`INSERT INTO iteration_attempts (repository_id, session_id, iteration, outcome, started_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		repositoryID, sessionID, attempt.Iteration, attempt.Outcome, attempt.StartedAt, endedAt,
	)
	if err != nil {
		return fmt.Errorf("record iteration attempt: %w", err)
	}
	return nil
}

// attemptRow mirrors one stored row for History queries.
type attemptRow struct {
	RepositoryID string       `db:"repository_id"`
	SessionID    string       `db:"session_id"`
	Iteration    int          `db:"iteration"`
	Outcome      string       `db:"outcome"`
	StartedAt    time.Time    `db:"started_at"`
	EndedAt      sql.NullTime `db:"ended_at"`
}

// History returns every mirrored attempt for a session, most recent first.
// Purely observational — never consulted by the controller.
func (s *Store) History(ctx context.Context, sessionID string) ([]iterative.IterationAttempt, error) {
	var rows []attemptRow
	query := s.db.Rebind(`SELECT repository_id, session_id, iteration, outcome, started_at, ended_at
		FROM iteration_attempts WHERE session_id = ? ORDER BY iteration DESC`)
	if err := s.db.SelectContext(ctx, &rows, query, sessionID); err != nil {
		return nil, fmt.Errorf("query iteration history: %w", err)
	}

	attempts := make([]iterative.IterationAttempt, 0, len(rows))
	for _, r := range rows {
		a := iterative.IterationAttempt{Iteration: r.Iteration, StartedAt: r.StartedAt, Outcome: r.Outcome}
		if r.EndedAt.Valid {
			a.EndedAt = r.EndedAt.Time
		}
		attempts = append(attempts, a)
	}
	return attempts, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}
