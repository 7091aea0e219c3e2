// Package ledger persists job progress in SQLite so an interrupted run can resume
// without regenerating forecasts that already reached the remote store.
package ledger

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

const currentSchemaVersion = 1

// DoneState is the recorded state of a job whose output is on the remote store.
const DoneState = "transferred"

// Ledger is the job and transfer history of one results directory.
type Ledger struct {
	db    *sql.DB
	runID string
	now   func() time.Time
}

// JobRecord is the latest known state of a job.
type JobRecord struct {
	Stem      string
	Date      string
	State     string
	Detail    string
	RunID     string
	UpdatedAt time.Time
}

// Attempt is one transfer try.
type Attempt struct {
	Stem       string
	LocalPath  string
	RemotePath string
	Attempt    int
	Strategy   string
	Chunks     int
	Bytes      int64
	Err        error
}

// Open creates or opens the ledger database at path. Every Ledger gets a fresh run
// id that is stamped on the rows it writes.
func Open(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to ledger: %w", err)
	}

	// One writer: the orchestrator and the transfer worker share the handle.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		db.Close()
		return nil, fmt.Errorf("set user_version: %w", err)
	}

	return &Ledger{db: db, runID: uuid.NewString(), now: time.Now}, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

func (l *Ledger) Close() error {
	if l.db == nil {
		return nil
	}
	return l.db.Close()
}

func (l *Ledger) RunID() string {
	return l.runID
}

// Record stores a job's new state and appends it to the job's history.
func (l *Ledger) Record(ctx context.Context, stem, date, state, detail string) error {
	at := l.now().UTC().Format(time.RFC3339Nano)

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("record %s: %w", stem, err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO jobs (stem, date, state, detail, run_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(stem) DO UPDATE SET
			state = excluded.state,
			detail = excluded.detail,
			run_id = excluded.run_id,
			updated_at = excluded.updated_at
	`, stem, date, state, detail, l.runID, at)
	if err != nil {
		return fmt.Errorf("record %s: %w", stem, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO job_events (stem, state, detail, run_id, at)
		VALUES (?, ?, ?, ?, ?)
	`, stem, state, detail, l.runID, at)
	if err != nil {
		return fmt.Errorf("record %s event: %w", stem, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("record %s: %w", stem, err)
	}
	return nil
}

// Transferred reports whether any run has recorded stem as transferred.
func (l *Ledger) Transferred(ctx context.Context, stem string) (bool, error) {
	var state string
	err := l.db.QueryRowContext(ctx, `SELECT state FROM jobs WHERE stem = ?`, stem).Scan(&state)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("lookup %s: %w", stem, err)
	}
	return state == DoneState, nil
}

// RecordAttempt appends a transfer attempt. A nil Err means it succeeded.
func (l *Ledger) RecordAttempt(ctx context.Context, a Attempt) error {
	var msg string
	if a.Err != nil {
		msg = a.Err.Error()
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO transfers (id, stem, local_path, remote_path, attempt, strategy, chunks, bytes, error, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		uuid.NewString(),
		a.Stem,
		a.LocalPath,
		a.RemotePath,
		a.Attempt,
		a.Strategy,
		a.Chunks,
		a.Bytes,
		msg,
		l.now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("record attempt %s: %w", a.Stem, err)
	}
	return nil
}

// Attempts counts recorded transfer attempts for stem, failed ones included.
func (l *Ledger) Attempts(ctx context.Context, stem string) (int, error) {
	var n int
	if err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transfers WHERE stem = ?`, stem).Scan(&n); err != nil {
		return 0, fmt.Errorf("count attempts %s: %w", stem, err)
	}
	return n, nil
}

// Jobs lists every job in date order.
func (l *Ledger) Jobs(ctx context.Context) ([]JobRecord, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT stem, date, state, detail, run_id, updated_at
		FROM jobs
		ORDER BY date, stem
	`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []JobRecord
	for rows.Next() {
		var (
			r  JobRecord
			at string
		)
		if err := rows.Scan(&r.Stem, &r.Date, &r.State, &r.Detail, &r.RunID, &at); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		r.UpdatedAt, err = time.Parse(time.RFC3339Nano, at)
		if err != nil {
			return nil, fmt.Errorf("parse updated_at of %s: %w", r.Stem, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return out, nil
}

// History returns the states stem went through, oldest first.
func (l *Ledger) History(ctx context.Context, stem string) ([]string, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT state FROM job_events WHERE stem = ? ORDER BY seq`, stem)
	if err != nil {
		return nil, fmt.Errorf("history %s: %w", stem, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
