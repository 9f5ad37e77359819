// Package journal keeps a local history of phase results across runs.
package journal

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Event is one phase result.
type Event struct {
	RunID         string        `json:"runId" yaml:"runId"`
	RunType       string        `json:"runType" yaml:"runType"`
	Mode          string        `json:"mode" yaml:"mode"`
	EnvironmentID string        `json:"environmentId" yaml:"environmentId"`
	Phase         int           `json:"phase" yaml:"phase"`
	PhaseName     string        `json:"phaseName" yaml:"phaseName"`
	Status        string        `json:"status" yaml:"status"`
	Message       string        `json:"message,omitempty" yaml:"message,omitempty"`
	Started       time.Time     `json:"started" yaml:"started"`
	Duration      time.Duration `json:"duration" yaml:"duration"`
}

// Journal is a SQLite-backed event log.
type Journal struct {
	db   *sql.DB
	path string
}

// Path returns the journal location under the state directory.
func Path(stateDir string) string {
	return filepath.Join(stateDir, "journal.db")
}

// Open opens or creates the journal at path and migrates its schema.
func Open(ctx context.Context, path string) (*Journal, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	j := &Journal{db: db, path: path}
	if err := j.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) migrate() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}
	driver, err := sqlite.WithInstance(j.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

// Record appends an event. A nil journal discards it.
func (j *Journal) Record(ctx context.Context, e Event) error {
	if j == nil {
		return nil
	}
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO phase_events
			(run_id, run_type, mode, environment_id, phase, phase_name, status, message, started_ms, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.RunID, e.RunType, e.Mode, e.EnvironmentID, e.Phase, e.PhaseName, e.Status, e.Message,
		e.Started.UnixMilli(), e.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("failed to record phase event: %w", err)
	}
	return nil
}

// Recent returns up to limit events for runType, newest first. An empty
// runType matches every run.
func (j *Journal) Recent(ctx context.Context, runType string, limit int) ([]Event, error) {
	if j == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT run_id, run_type, mode, environment_id, phase, phase_name, status, message, started_ms, duration_ms
		FROM phase_events
		WHERE ? = '' OR run_type = ?
		ORDER BY id DESC
		LIMIT ?`, runType, runType, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query phase events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			e                   Event
			startedMS, duration int64
		)
		if err := rows.Scan(&e.RunID, &e.RunType, &e.Mode, &e.EnvironmentID, &e.Phase, &e.PhaseName,
			&e.Status, &e.Message, &startedMS, &duration); err != nil {
			return nil, fmt.Errorf("failed to scan phase event: %w", err)
		}
		e.Started = time.UnixMilli(startedMS).UTC()
		e.Duration = time.Duration(duration) * time.Millisecond
		out = append(out, e)
	}
	return out, rows.Err()
}
