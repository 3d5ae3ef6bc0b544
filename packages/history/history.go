// Package history keeps past runs in a SQLite database.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	// SQLite driver
	_ "github.com/mattn/go-sqlite3"

	"github.com/abdul-hamid-achik/hitrun/packages/core/events"
	"github.com/abdul-hamid-achik/hitrun/packages/output"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	started_at  INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL,
	success     INTEGER NOT NULL,
	total       INTEGER NOT NULL,
	passed      INTEGER NOT NULL,
	failed      INTEGER NOT NULL,
	pending     INTEGER NOT NULL,
	retries     INTEGER NOT NULL,
	errors      INTEGER NOT NULL,
	error       TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS tests (
	run_id      TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	environment TEXT NOT NULL,
	file        TEXT NOT NULL,
	title       TEXT NOT NULL,
	status      TEXT NOT NULL,
	attempts    INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL,
	error       TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS tests_run ON tests(run_id);
`

// Run is one stored run
type Run struct {
	ID       string
	Started  time.Time
	Duration time.Duration
	Success  bool
	Total    int
	Passed   int
	Failed   int
	Pending  int
	Retries  int
	Errors   int
	Error    string
}

// TestOutcome is one stored test result
type TestOutcome struct {
	Environment string
	File        string
	Title       string
	Status      output.Status
	Attempts    int
	Duration    time.Duration
	Error       string
}

// Store is a run history backed by SQLite
type Store struct {
	db      *sql.DB
	timeout time.Duration
}

// Open opens or creates the history database at path. Both a plain file
// path and the sqlite:// or sqlite: forms are accepted.
func Open(path string) (*Store, error) {
	dsn := parsePath(path)
	if dsn == "" {
		return nil, errors.New("history path is empty")
	}

	db, err := sql.Open("sqlite3", dsn+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	// one writer; sqlite serializes anyway
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize history database: %w", err)
	}

	return &Store{db: db, timeout: 30 * time.Second}, nil
}

func parsePath(path string) string {
	path = strings.TrimSpace(path)
	if strings.HasPrefix(path, "sqlite://") {
		return strings.TrimPrefix(path, "sqlite://")
	}
	return strings.TrimPrefix(path, "sqlite:")
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Attach stores every run when it ends. A failed write fails run-end.
func (s *Store) Attach(r output.Registrar, c *output.Collector) {
	r.On(events.RunEnd, func(ctx context.Context, ev events.Event) error {
		return s.Save(ctx, c.Finish(ev), c.Tests())
	})
}

// Save records a run and its tests in one transaction
func (s *Store) Save(ctx context.Context, sum output.Summary, tests []output.TestRecord) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin history transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	started := sum.Started
	if started.IsZero() {
		started = time.Now().Add(-sum.Duration)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO runs (id, started_at, duration_ms, success, total, passed, failed, pending, retries, errors, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sum.RunID, started.UnixMilli(), sum.Duration.Milliseconds(), sum.Success,
		sum.Total, sum.Passed, sum.Failed, sum.Pending, sum.Retries, sum.Errors, sum.Error)
	if err != nil {
		return fmt.Errorf("failed to save run %s: %w", sum.RunID, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM tests WHERE run_id = ?`, sum.RunID); err != nil {
		return fmt.Errorf("failed to save run %s: %w", sum.RunID, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO tests (run_id, environment, file, title, status, attempts, duration_ms, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare test insert: %w", err)
	}
	defer stmt.Close()

	for _, t := range tests {
		_, err := stmt.ExecContext(ctx, sum.RunID, t.Environment, t.File, t.FullTitle(),
			string(t.Status), t.Attempts, t.Duration.Milliseconds(), t.Error)
		if err != nil {
			return fmt.Errorf("failed to save test %q: %w", t.FullTitle(), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run %s: %w", sum.RunID, err)
	}
	return nil
}

// Recent returns up to n runs, newest first
func (s *Store) Recent(ctx context.Context, n int) ([]Run, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, started_at, duration_ms, success, total, passed, failed, pending, retries, errors, error
		FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			r                   Run
			startedMs, duration int64
		)
		if err := rows.Scan(&r.ID, &startedMs, &duration, &r.Success, &r.Total, &r.Passed,
			&r.Failed, &r.Pending, &r.Retries, &r.Errors, &r.Error); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		r.Started = time.UnixMilli(startedMs)
		r.Duration = time.Duration(duration) * time.Millisecond
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return runs, nil
}

// Tests returns the stored tests of a run in insertion order
func (s *Store) Tests(ctx context.Context, runID string) ([]TestOutcome, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT environment, file, title, status, attempts, duration_ms, error
		FROM tests WHERE run_id = ? ORDER BY rowid`, runID)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var out []TestOutcome
	for rows.Next() {
		var (
			t        TestOutcome
			status   string
			duration int64
		)
		if err := rows.Scan(&t.Environment, &t.File, &t.Title, &status, &t.Attempts, &duration, &t.Error); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		t.Status = output.Status(status)
		t.Duration = time.Duration(duration) * time.Millisecond
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return out, nil
}

// LastSuccess reports whether the most recent stored run succeeded. ok is
// false when there is no history yet.
func (s *Store) LastSuccess(ctx context.Context) (success, ok bool, err error) {
	runs, err := s.Recent(ctx, 1)
	if err != nil || len(runs) == 0 {
		return false, false, err
	}
	return runs[0].Success, true, nil
}
