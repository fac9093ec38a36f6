// Package journal records provisioning runs and their stage outcomes in a
// local SQLite database.
package journal

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// DefaultPath is the default database location
const DefaultPath = "/var/lib/imgforge/journal.db"

// Journal wraps the SQLite database connection
type Journal struct {
	conn *sql.DB
	path string
	now  func() time.Time
}

// Open opens or creates the journal at path
func Open(path string) (*Journal, error) {
	if path == "" {
		path = DefaultPath
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	if _, err := conn.Exec("PRAGMA foreign_keys = ON; PRAGMA journal_mode = WAL;"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to configure journal: %w", err)
	}

	j := &Journal{conn: conn, path: path, now: func() time.Time { return time.Now().UTC() }}

	if err := j.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return j, nil
}

// Close closes the database connection
func (j *Journal) Close() error {
	return j.conn.Close()
}

// Path returns the database file path
func (j *Journal) Path() string {
	return j.path
}

func (j *Journal) migrate() error {
	_, err := j.conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return err
	}

	var version int
	if err := j.conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return err
	}

	migrations := []string{
		migrationV1,
	}

	for i, migration := range migrations {
		v := i + 1
		if v <= version {
			continue
		}

		tx, err := j.conn.Begin()
		if err != nil {
			return err
		}

		if _, err := tx.Exec(migration); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration v%d failed: %w", v, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", v); err != nil {
			tx.Rollback()
			return err
		}

		if err := tx.Commit(); err != nil {
			return err
		}
	}

	return nil
}

const migrationV1 = `
-- One row per CLI invocation that touches a medium
CREATE TABLE IF NOT EXISTS runs (
    id INTEGER PRIMARY KEY,
    command TEXT NOT NULL,
    image TEXT,
    target TEXT,
    target_kind TEXT,
    device TEXT,
    status TEXT NOT NULL DEFAULT 'running',
    error TEXT,
    started_at TIMESTAMP NOT NULL,
    finished_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);

-- Stage transitions and outcomes within a run
CREATE TABLE IF NOT EXISTS stage_events (
    id INTEGER PRIMARY KEY,
    run_id INTEGER NOT NULL REFERENCES runs(id),
    stage TEXT NOT NULL,
    outcome TEXT NOT NULL,
    details TEXT,
    timestamp TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_stage_events_run ON stage_events(run_id);
`

// Run statuses
const (
	StatusRunning = "running"
	StatusOK      = "ok"
	StatusAborted = "aborted"
	StatusFailed  = "failed"
)

// Stage outcomes
const (
	OutcomeStarted   = "started"
	OutcomeCompleted = "completed"
	OutcomeSkipped   = "skipped"
	OutcomeDeclined  = "declined"
	OutcomeFailed    = "failed"
)

// Run is one recorded invocation
type Run struct {
	ID         int64      `json:"id"`
	Command    string     `json:"command"`
	Image      string     `json:"image,omitempty"`
	Target     string     `json:"target,omitempty"`
	TargetKind string     `json:"target_kind,omitempty"`
	Device     string     `json:"device,omitempty"`
	Status     string     `json:"status"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// StageEvent is one stage transition within a run
type StageEvent struct {
	ID        int64     `json:"id"`
	RunID     int64     `json:"run_id"`
	Stage     string    `json:"stage"`
	Outcome   string    `json:"outcome"`
	Details   string    `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
