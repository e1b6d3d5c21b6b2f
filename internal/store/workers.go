package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"reigh/internal/logging"
	"reigh/internal/payload"
)

// Worker is a claiming process. current_model drives affinity-aware FIFO
// ordering in the claim engine.
type Worker struct {
	ID            string
	InstanceClass string
	Status        string
	LastHeartbeat time.Time
	CurrentModel  string
	Metadata      payload.Record
}

// EnsureWorker returns the worker with the given id, auto-registering a
// missing one as an external, active worker with the current heartbeat.
func (s *Store) EnsureWorker(id string) (Worker, error) {
	if id == "" {
		return Worker{}, fmt.Errorf("worker id required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	res, err := s.db.Exec(
		`INSERT OR IGNORE INTO workers (id, instance_class, status, last_heartbeat)
		 VALUES (?, 'external', 'active', ?)`,
		id, now,
	)
	if err != nil {
		return Worker{}, fmt.Errorf("failed to register worker: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		logging.Scheduler("Auto-registered external worker: %s", id)
	}

	return s.getWorkerLocked(id)
}

// GetWorker retrieves a worker by id.
func (s *Store) GetWorker(id string) (Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getWorkerLocked(id)
}

func (s *Store) getWorkerLocked(id string) (Worker, error) {
	var (
		w         Worker
		heartbeat sql.NullTime
		metadata  string
	)
	err := s.db.QueryRow(
		`SELECT id, instance_class, status, last_heartbeat, current_model, metadata
		 FROM workers WHERE id = ?`, id,
	).Scan(&w.ID, &w.InstanceClass, &w.Status, &heartbeat, &w.CurrentModel, &metadata)
	if errors.Is(err, sql.ErrNoRows) {
		return Worker{}, fmt.Errorf("worker %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Worker{}, fmt.Errorf("failed to query worker: %w", err)
	}
	if heartbeat.Valid {
		w.LastHeartbeat = heartbeat.Time
	}
	w.Metadata, err = payload.Parse([]byte(metadata))
	if err != nil {
		return Worker{}, err
	}
	return w, nil
}

// UpdateWorkerHeartbeat records a heartbeat for the worker.
func (s *Store) UpdateWorkerHeartbeat(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`UPDATE workers SET last_heartbeat = ? WHERE id = ?`, s.now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update heartbeat: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("worker %s: %w", id, ErrNotFound)
	}
	return nil
}

// SetWorkerModel records the model currently loaded on the worker.
func (s *Store) SetWorkerModel(id, model string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`UPDATE workers SET current_model = ? WHERE id = ?`, model, id,
	)
	if err != nil {
		return fmt.Errorf("failed to update worker model: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("worker %s: %w", id, ErrNotFound)
	}
	logging.SchedulerDebug("Worker %s model set to %q", id, model)
	return nil
}

// SetWorkerStatus transitions a worker between active, inactive, and
// terminated.
func (s *Store) SetWorkerStatus(id, status string) error {
	switch status {
	case WorkerActive, WorkerInactive, WorkerTerminated:
	default:
		return fmt.Errorf("invalid worker status %q", status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE workers SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("failed to update worker status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("worker %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListWorkers returns all workers.
func (s *Store) ListWorkers() ([]Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT id, instance_class, status, last_heartbeat, current_model, metadata
		 FROM workers ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}
	defer rows.Close()

	var workers []Worker
	for rows.Next() {
		var (
			w         Worker
			heartbeat sql.NullTime
			metadata  string
		)
		if err := rows.Scan(&w.ID, &w.InstanceClass, &w.Status, &heartbeat, &w.CurrentModel, &metadata); err != nil {
			continue
		}
		if heartbeat.Valid {
			w.LastHeartbeat = heartbeat.Time
		}
		w.Metadata, _ = payload.Parse([]byte(metadata))
		workers = append(workers, w)
	}
	return workers, rows.Err()
}
