// Package store implements the Reigh entity store on SQLite: users, projects,
// tasks, the task-type registry, workers, generations, shots, and shot links.
//
// The store is the primary contended resource of the scheduling core. All
// status mutations go through conditional UPDATEs guarded on the current
// status, so a racing writer observes zero affected rows instead of
// clobbering a transition.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"reigh/internal/logging"

	_ "modernc.org/sqlite"
)

// Task status literals. Transitions follow
// Queued -> In Progress -> {Complete, Failed, Cancelled}; terminal states are
// frozen.
const (
	StatusQueued     = "Queued"
	StatusInProgress = "In Progress"
	StatusComplete   = "Complete"
	StatusFailed     = "Failed"
	StatusCancelled  = "Cancelled"
)

// Task-type run types.
const (
	RunTypeGPU = "gpu"
	RunTypeAPI = "api"
)

// Task-type categories.
const (
	CategoryGeneration    = "generation"
	CategoryOrchestration = "orchestration"
	CategoryProcessing    = "processing"
	CategoryUtility       = "utility"
)

// Worker statuses.
const (
	WorkerActive     = "active"
	WorkerInactive   = "inactive"
	WorkerTerminated = "terminated"
)

// ErrNotFound is returned when a referenced entity does not exist.
var ErrNotFound = errors.New("not found")

// Store holds the SQLite handle and serializes writers.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
	now    func() time.Time
}

// New opens (or creates) the SQLite database at the given path and ensures
// the schema. Use ":memory:" for tests.
func New(path string) (*Store, error) {
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A single connection keeps :memory: databases coherent and sidesteps
	// SQLITE_BUSY between the pooled writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &Store{db: db, dbPath: path, now: time.Now}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	logging.Boot("Entity store opened: %s", path)
	return s, nil
}

// SetClock injects the clock used for all timestamps. Tests use this to pin
// created_at ordering.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// initialize creates the required tables.
func (s *Store) initialize() error {
	timer := logging.StartTimer(logging.CategoryStore, "initialize")
	defer timer.Stop()

	schema := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			credits REAL NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL
		);`,

		`CREATE TABLE IF NOT EXISTS user_settings (
			user_id TEXT PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
			allows_cloud INTEGER NOT NULL DEFAULT 1,
			allows_local INTEGER NOT NULL DEFAULT 1,
			preferences TEXT NOT NULL DEFAULT '{}'
		);`,

		`CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			name TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_projects_user ON projects(user_id);`,

		`CREATE TABLE IF NOT EXISTS task_types (
			name TEXT PRIMARY KEY,
			run_type TEXT NOT NULL DEFAULT 'gpu',
			category TEXT NOT NULL DEFAULT 'generation',
			tool_type TEXT NOT NULL DEFAULT '',
			billing_type TEXT NOT NULL DEFAULT 'per_second',
			is_active INTEGER NOT NULL DEFAULT 1
		);`,

		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			task_type TEXT NOT NULL,
			params TEXT NOT NULL DEFAULT '{}',
			status TEXT NOT NULL DEFAULT 'Queued',
			dependant_on TEXT NOT NULL DEFAULT '[]',
			output_location TEXT,
			error_message TEXT,
			worker_id TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			generation_started_at DATETIME,
			generation_processed_at DATETIME,
			generation_created INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_tasks_status_created ON tasks(status, created_at, id);
		CREATE INDEX IF NOT EXISTS idx_tasks_project ON tasks(project_id);`,

		`CREATE TABLE IF NOT EXISTS workers (
			id TEXT PRIMARY KEY,
			instance_class TEXT NOT NULL DEFAULT 'external',
			status TEXT NOT NULL DEFAULT 'active',
			last_heartbeat DATETIME,
			current_model TEXT NOT NULL DEFAULT '',
			metadata TEXT NOT NULL DEFAULT '{}'
		);`,

		`CREATE TABLE IF NOT EXISTS generations (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			type TEXT NOT NULL DEFAULT 'image',
			location TEXT NOT NULL DEFAULT '',
			thumbnail_url TEXT NOT NULL DEFAULT '',
			params TEXT NOT NULL DEFAULT '{}',
			tasks TEXT NOT NULL DEFAULT '[]',
			shot_data TEXT,
			primary_variant_id TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_generations_project ON generations(project_id);`,

		`CREATE TABLE IF NOT EXISTS shots (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			name TEXT NOT NULL DEFAULT '',
			settings TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_shots_project ON shots(project_id);`,

		// timeline_frame is nullable; uniqueness applies only to positioned
		// links, unpositioned duplicates are allowed.
		`CREATE TABLE IF NOT EXISTS shot_generations (
			id TEXT PRIMARY KEY,
			shot_id TEXT NOT NULL REFERENCES shots(id) ON DELETE CASCADE,
			generation_id TEXT NOT NULL REFERENCES generations(id) ON DELETE CASCADE,
			timeline_frame INTEGER,
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_shot_generations_shot ON shot_generations(shot_id);
		CREATE INDEX IF NOT EXISTS idx_shot_generations_generation ON shot_generations(generation_id);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_shot_frame_unique
			ON shot_generations(shot_id, timeline_frame)
			WHERE timeline_frame IS NOT NULL;`,
	}

	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}

	return nil
}

// withTx runs fn inside a single write transaction under the store lock.
func (s *Store) withTx(fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.withTxLocked(fn)
}

func (s *Store) withTxLocked(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
