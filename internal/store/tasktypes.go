package store

import (
	"database/sql"
	"errors"
	"fmt"

	"reigh/internal/logging"
)

// TaskType is a registry entry describing how tasks of a given name run and
// bill, and what kind of artifact they produce.
type TaskType struct {
	Name        string
	RunType     string // gpu | api
	Category    string // generation | orchestration | processing | utility
	ToolType    string // propagated into generation params
	BillingType string // per_second | per_unit
	IsActive    bool
}

// UpsertTaskType inserts or replaces a task-type registry entry.
func (s *Store) UpsertTaskType(tt TaskType) error {
	if tt.Name == "" {
		return fmt.Errorf("task type name required")
	}
	if tt.RunType == "" {
		tt.RunType = RunTypeGPU
	}
	if tt.Category == "" {
		tt.Category = CategoryGeneration
	}
	if tt.BillingType == "" {
		tt.BillingType = "per_second"
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO task_types (name, run_type, category, tool_type, billing_type, is_active)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET
			run_type = excluded.run_type,
			category = excluded.category,
			tool_type = excluded.tool_type,
			billing_type = excluded.billing_type,
			is_active = excluded.is_active`,
		tt.Name, tt.RunType, tt.Category, tt.ToolType, tt.BillingType, boolToInt(tt.IsActive),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert task type: %w", err)
	}

	logging.StoreDebug("Task type upserted: %s run_type=%s category=%s", tt.Name, tt.RunType, tt.Category)
	return nil
}

// GetTaskType retrieves a registry entry by name.
func (s *Store) GetTaskType(name string) (TaskType, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getTaskTypeLocked(name)
}

func (s *Store) getTaskTypeLocked(name string) (TaskType, error) {
	var (
		tt     TaskType
		active int
	)
	err := s.db.QueryRow(
		`SELECT name, run_type, category, tool_type, billing_type, is_active
		 FROM task_types WHERE name = ?`, name,
	).Scan(&tt.Name, &tt.RunType, &tt.Category, &tt.ToolType, &tt.BillingType, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return TaskType{}, fmt.Errorf("task type %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return TaskType{}, fmt.Errorf("failed to query task type: %w", err)
	}
	tt.IsActive = active != 0
	return tt, nil
}

// ListTaskTypes returns all registry entries.
func (s *Store) ListTaskTypes() ([]TaskType, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT name, run_type, category, tool_type, billing_type, is_active
		 FROM task_types ORDER BY name`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list task types: %w", err)
	}
	defer rows.Close()

	var types []TaskType
	for rows.Next() {
		var (
			tt     TaskType
			active int
		)
		if err := rows.Scan(&tt.Name, &tt.RunType, &tt.Category, &tt.ToolType, &tt.BillingType, &active); err != nil {
			continue
		}
		tt.IsActive = active != 0
		types = append(types, tt)
	}
	return types, rows.Err()
}
