// Package sqlite provides SQLite-based persistent storage for recorded
// scheduler runs. Uses WAL mode for concurrent reads and crash-safe writes.
package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver (no CGO required)

	"github.com/tutu-network/threadsched/internal/domain"
)

// DB wraps a SQLite connection with WAL mode and migrations.
type DB struct {
	db *sql.DB
}

// Open creates or opens the SQLite database at dir/trace.db.
// Enables WAL mode, foreign keys, and 5-second busy timeout.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(dir, "trace.db")
	dsn := dbPath + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// Connection pool settings for SQLite
	db.SetMaxOpenConns(1) // SQLite is single-writer
	db.SetMaxIdleConns(1)

	d := &DB{db: db}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return d, nil
}

// Close cleanly shuts down the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Ping checks database connectivity.
func (d *DB) Ping() error {
	return d.db.Ping()
}

// migrate runs idempotent schema migrations.
func (d *DB) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id          TEXT PRIMARY KEY,
			scenario    TEXT NOT NULL,
			mlfqs       BOOLEAN NOT NULL DEFAULT 0,
			started_at  INTEGER NOT NULL,
			finished_at INTEGER,
			ticks       INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at)`,

		// One row per scheduler event, in emission order.
		`CREATE TABLE IF NOT EXISTS events (
			run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			seq    INTEGER NOT NULL,
			tick   INTEGER NOT NULL,
			kind   TEXT NOT NULL,
			thread INTEGER NOT NULL DEFAULT 0,
			other  INTEGER NOT NULL DEFAULT 0,
			value  INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (run_id, seq)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_kind ON events(run_id, kind)`,

		// Load average once per second, in hundredths.
		`CREATE TABLE IF NOT EXISTS load_samples (
			run_id   TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			tick     INTEGER NOT NULL,
			load_avg INTEGER NOT NULL,
			PRIMARY KEY (run_id, tick)
		)`,
	}

	for _, m := range migrations {
		if _, err := d.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}

// ─── Run Repository ─────────────────────────────────────────────────────────

// Run is one recorded scheduler run.
type Run struct {
	ID         string    `json:"id"`
	Scenario   string    `json:"scenario"`
	MLFQS      bool      `json:"mlfqs"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
	Ticks      int64     `json:"ticks"`
	Events     int       `json:"events"`
}

// Finished reports whether FinishRun was called for the run.
func (r Run) Finished() bool { return !r.FinishedAt.IsZero() }

// BeginRun registers a new run and returns its ID.
func (d *DB) BeginRun(scenario string, mlfqs bool) (string, error) {
	id := uuid.NewString()
	_, err := d.db.Exec(
		`INSERT INTO runs (id, scenario, mlfqs, started_at) VALUES (?, ?, ?, ?)`,
		id, scenario, mlfqs, time.Now().UnixMilli(),
	)
	if err != nil {
		return "", fmt.Errorf("begin run: %w", err)
	}
	return id, nil
}

// FinishRun stamps a run's end time and tick count.
func (d *DB) FinishRun(id string, ticks int64) error {
	result, err := d.db.Exec(
		`UPDATE runs SET finished_at = ?, ticks = ? WHERE id = ?`,
		time.Now().UnixMilli(), ticks, id,
	)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return domain.ErrRunNotFound
	}
	return nil
}

// GetRun retrieves a single run by ID.
func (d *DB) GetRun(id string) (*Run, error) {
	row := d.db.QueryRow(
		`SELECT r.id, r.scenario, r.mlfqs, r.started_at, r.finished_at, r.ticks,
		        (SELECT COUNT(*) FROM events e WHERE e.run_id = r.id)
		 FROM runs r WHERE r.id = ?`, id,
	)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, domain.ErrRunNotFound
	}
	return run, err
}

// ListRuns returns the most recent runs first. limit <= 0 means all.
func (d *DB) ListRuns(limit int) ([]Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := d.db.Query(
		`SELECT r.id, r.scenario, r.mlfqs, r.started_at, r.finished_at, r.ticks,
		        (SELECT COUNT(*) FROM events e WHERE e.run_id = r.id)
		 FROM runs r ORDER BY r.started_at DESC, r.rowid DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// DeleteRun removes a run and its trace.
func (d *DB) DeleteRun(id string) error {
	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, q := range []string{
		`DELETE FROM events WHERE run_id = ?`,
		`DELETE FROM load_samples WHERE run_id = ?`,
	} {
		if _, err := tx.Exec(q, id); err != nil {
			return err
		}
	}
	result, err := tx.Exec(`DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return domain.ErrRunNotFound
	}
	return tx.Commit()
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*Run, error) {
	var r Run
	var startedAt int64
	var finishedAt sql.NullInt64

	err := s.Scan(&r.ID, &r.Scenario, &r.MLFQS, &startedAt, &finishedAt, &r.Ticks, &r.Events)
	if err != nil {
		return nil, err
	}

	r.StartedAt = time.UnixMilli(startedAt)
	if finishedAt.Valid {
		r.FinishedAt = time.UnixMilli(finishedAt.Int64)
	}
	return &r, nil
}
