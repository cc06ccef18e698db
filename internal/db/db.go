package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("run not found")

type DB struct {
	sql *sql.DB
	now func() time.Time
}

func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	conn.SetMaxOpenConns(1)
	if _, err := conn.Exec("PRAGMA journal_mode = WAL"); err != nil {
		return nil, err
	}
	if _, err := conn.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		return nil, err
	}
	if _, err := conn.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, err
	}
	return &DB{sql: conn, now: time.Now}, nil
}

func (d *DB) Close() error {
	return d.sql.Close()
}

// SetNow replaces the clock. Used in tests only.
func (d *DB) SetNow(fn func() time.Time) {
	d.now = fn
}

func (d *DB) Migrate() error {
	_, err := d.sql.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL DEFAULT '',
			status     TEXT NOT NULL DEFAULT 'queued',
			metrics    TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create runs: %w", err)
	}

	_, err = d.sql.Exec(`
		CREATE TABLE IF NOT EXISTS run_events (
			id     INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			ts     INTEGER NOT NULL,
			level  TEXT NOT NULL DEFAULT 'info',
			title  TEXT NOT NULL,
			detail TEXT,
			status TEXT NOT NULL DEFAULT ''
		)
	`)
	if err != nil {
		return fmt.Errorf("create run_events: %w", err)
	}

	if _, err := d.sql.Exec(`CREATE INDEX IF NOT EXISTS idx_run_events_run_id ON run_events(run_id, id)`); err != nil {
		return fmt.Errorf("index run_events: %w", err)
	}
	return nil
}

func (d *DB) CreateRun(id, name string) (*Run, error) {
	now := d.now().UTC().Truncate(time.Millisecond)
	_, err := d.sql.Exec(
		`INSERT INTO runs (id, name, status, created_at, updated_at) VALUES (?, ?, 'queued', ?, ?)`,
		id, name, now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	return &Run{ID: id, Name: name, Status: "queued", CreatedAt: now, UpdatedAt: now}, nil
}

func (d *DB) GetRun(id string) (*Run, error) {
	row := d.sql.QueryRow(`
		SELECT id, name, status, metrics, created_at, updated_at
		FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

// ListRuns returns runs newest first.
func (d *DB) ListRuns(limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.sql.Query(`
		SELECT id, name, status, metrics, created_at, updated_at
		FROM runs ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var runs []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// UpdateRunStatus sets the status and, when metrics is non-nil, replaces the
// stored metrics.
func (d *DB) UpdateRunStatus(id, status string, metrics json.RawMessage) error {
	now := d.now().UnixMilli()
	var res sql.Result
	var err error
	if metrics != nil {
		res, err = d.sql.Exec(`UPDATE runs SET status = ?, metrics = ?, updated_at = ? WHERE id = ?`,
			status, string(metrics), now, id)
	} else {
		res, err = d.sql.Exec(`UPDATE runs SET status = ?, updated_at = ? WHERE id = ?`,
			status, now, id)
	}
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertRunEvent stores e and returns it with its assigned id and timestamp.
func (d *DB) InsertRunEvent(e RunEvent) (*RunEvent, error) {
	ts := d.now().UTC().Truncate(time.Millisecond)
	if e.Level == "" {
		e.Level = "info"
	}
	var det sql.NullString
	if e.Detail != nil {
		det = sql.NullString{String: *e.Detail, Valid: true}
	}
	res, err := d.sql.Exec(
		`INSERT INTO run_events (run_id, ts, level, title, detail, status) VALUES (?, ?, ?, ?, ?, ?)`,
		e.RunID, ts.UnixMilli(), e.Level, e.Title, det, e.Status,
	)
	if err != nil {
		return nil, fmt.Errorf("insert run event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	if _, err := d.sql.Exec(`UPDATE runs SET updated_at = ? WHERE id = ?`, ts.UnixMilli(), e.RunID); err != nil {
		return nil, fmt.Errorf("touch run: %w", err)
	}
	e.ID = id
	e.Ts = ts
	return &e, nil
}

// EventsAfter returns the run's events with id > afterID in id order.
func (d *DB) EventsAfter(runID string, afterID int64, limit int) ([]RunEvent, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := d.sql.Query(`
		SELECT id, run_id, ts, level, title, detail, status
		FROM run_events
		WHERE run_id = ? AND id > ?
		ORDER BY id ASC
		LIMIT ?`, runID, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []RunEvent
	for rows.Next() {
		var e RunEvent
		var ts int64
		var detail sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &ts, &e.Level, &e.Title, &detail, &e.Status); err != nil {
			return nil, err
		}
		e.Ts = time.UnixMilli(ts).UTC()
		if detail.Valid {
			s := detail.String
			e.Detail = &s
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// rowScanner is implemented by both *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var r Run
	var metrics sql.NullString
	var createdAt, updatedAt int64
	if err := row.Scan(&r.ID, &r.Name, &r.Status, &metrics, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if metrics.Valid && metrics.String != "" {
		r.Metrics = json.RawMessage(metrics.String)
	}
	r.CreatedAt = time.UnixMilli(createdAt).UTC()
	r.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &r, nil
}
