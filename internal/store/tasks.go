package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"reigh/internal/logging"
	"reigh/internal/payload"

	"github.com/google/uuid"
)

// Task is a queued work item. Status mutations happen only through the
// conditional-update helpers below; racing writers observe zero affected
// rows.
type Task struct {
	ID                    string
	ProjectID             string
	TaskType              string
	Params                payload.Record
	Status                string
	DependantOn           []string
	OutputLocation        string
	ErrorMessage          string
	WorkerID              string // empty until claimed
	CreatedAt             time.Time
	UpdatedAt             time.Time
	GenerationStartedAt   *time.Time
	GenerationProcessedAt *time.Time
	GenerationCreated     bool
}

const taskColumns = `id, project_id, task_type, params, status, dependant_on,
	output_location, error_message, worker_id, created_at, updated_at,
	generation_started_at, generation_processed_at, generation_created`

// CreateTask inserts a Queued task. dependsOn is a set of task ids the task
// waits for; it is stored as a JSON array and may be empty.
func (s *Store) CreateTask(projectID, taskType string, params payload.Record, dependsOn []string) (Task, error) {
	if projectID == "" || taskType == "" {
		return Task{}, fmt.Errorf("project id and task type required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	paramsJSON, err := params.Encode()
	if err != nil {
		return Task{}, err
	}
	if dependsOn == nil {
		dependsOn = []string{}
	}
	depsJSON, err := json.Marshal(dependsOn)
	if err != nil {
		return Task{}, fmt.Errorf("failed to encode dependencies: %w", err)
	}

	now := s.now().UTC()
	t := Task{
		ID:          uuid.NewString(),
		ProjectID:   projectID,
		TaskType:    taskType,
		Params:      params,
		Status:      StatusQueued,
		DependantOn: dependsOn,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	_, err = s.db.Exec(
		`INSERT INTO tasks (id, project_id, task_type, params, status, dependant_on, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ProjectID, t.TaskType, string(paramsJSON), t.Status, string(depsJSON), t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return Task{}, fmt.Errorf("failed to insert task: %w", err)
	}

	logging.StoreDebug("Task created: %s type=%s project=%s deps=%d", t.ID, taskType, projectID, len(dependsOn))
	return t, nil
}

// GetTask retrieves a task by id.
func (s *Store) GetTask(id string) (Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getTaskLocked(id)
}

func (s *Store) getTaskLocked(id string) (Task, error) {
	row := s.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return t, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (Task, error) {
	var (
		t                 Task
		paramsJSON        string
		depsJSON          string
		output, errMsg    sql.NullString
		workerID          sql.NullString
		startedAt, procAt sql.NullTime
		generationCreated int
	)
	err := row.Scan(
		&t.ID, &t.ProjectID, &t.TaskType, &paramsJSON, &t.Status, &depsJSON,
		&output, &errMsg, &workerID, &t.CreatedAt, &t.UpdatedAt,
		&startedAt, &procAt, &generationCreated,
	)
	if err != nil {
		return Task{}, err
	}
	t.Params, err = payload.Parse([]byte(paramsJSON))
	if err != nil {
		return Task{}, err
	}
	if err := json.Unmarshal([]byte(depsJSON), &t.DependantOn); err != nil {
		return Task{}, fmt.Errorf("failed to decode dependencies: %w", err)
	}
	if t.DependantOn == nil {
		t.DependantOn = []string{}
	}
	t.OutputLocation = output.String
	t.ErrorMessage = errMsg.String
	t.WorkerID = workerID.String
	if startedAt.Valid {
		ts := startedAt.Time
		t.GenerationStartedAt = &ts
	}
	if procAt.Valid {
		ts := procAt.Time
		t.GenerationProcessedAt = &ts
	}
	t.GenerationCreated = generationCreated != 0
	return t, nil
}

// TryClaim atomically transitions a Queued task to In Progress, binding the
// worker and stamping generation_started_at. Returns false when another
// claimer got there first (or the task is no longer Queued). An empty
// workerID stores NULL: local user-mode claims carry no worker binding.
func (s *Store) TryClaim(taskID, workerID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	res, err := s.db.Exec(
		`UPDATE tasks
		 SET status = ?, worker_id = ?, generation_started_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		StatusInProgress, nullIfEmpty(workerID), now, now, taskID, StatusQueued,
	)
	if err != nil {
		return false, fmt.Errorf("failed to claim task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read claim result: %w", err)
	}
	if n == 1 {
		logging.Scheduler("Task %s claimed by worker %s", taskID, workerID)
		return true, nil
	}
	return false, nil
}

// MarkComplete transitions In Progress -> Complete, storing the output
// location and stamping generation_processed_at. Returns false if the task
// was not In Progress.
func (s *Store) MarkComplete(taskID, outputLocation string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	res, err := s.db.Exec(
		`UPDATE tasks
		 SET status = ?, output_location = ?, generation_processed_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		StatusComplete, outputLocation, now, now, taskID, StatusInProgress,
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark task complete: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 1 {
		logging.Store("Task %s marked Complete output=%s", taskID, outputLocation)
	}
	return n == 1, nil
}

// MarkFailed transitions In Progress -> Failed, storing the error message.
func (s *Store) MarkFailed(taskID, errorMessage string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	res, err := s.db.Exec(
		`UPDATE tasks
		 SET status = ?, error_message = ?, generation_processed_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		StatusFailed, errorMessage, now, now, taskID, StatusInProgress,
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark task failed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 1 {
		logging.Store("Task %s marked Failed: %s", taskID, errorMessage)
	}
	return n == 1, nil
}

// legalTransitions maps a target status to the statuses it may be reached
// from. Terminal states admit no further transitions.
var legalTransitions = map[string][]string{
	StatusInProgress: {StatusQueued},
	StatusComplete:   {StatusInProgress},
	StatusFailed:     {StatusInProgress},
	StatusCancelled:  {StatusInProgress},
}

// UpdateTaskStatus is the general-purpose transition helper for admin flows.
// Illegal transitions and unknown statuses yield false without mutating the
// row. outputLocation is stored only on transitions into Complete.
func (s *Store) UpdateTaskStatus(taskID, status, outputLocation string) (bool, error) {
	from, ok := legalTransitions[status]
	if !ok {
		return false, fmt.Errorf("invalid task status %q", status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(from)), ",")

	var (
		res sql.Result
		err error
	)
	switch status {
	case StatusInProgress:
		args := append([]interface{}{StatusInProgress, now, now, taskID}, fromArgs(from)...)
		res, err = s.db.Exec(
			`UPDATE tasks SET status = ?, generation_started_at = ?, updated_at = ?
			 WHERE id = ? AND status IN (`+placeholders+`)`, args...)
	case StatusComplete:
		args := append([]interface{}{StatusComplete, outputLocation, now, now, taskID}, fromArgs(from)...)
		res, err = s.db.Exec(
			`UPDATE tasks SET status = ?, output_location = ?, generation_processed_at = ?, updated_at = ?
			 WHERE id = ? AND status IN (`+placeholders+`)`, args...)
	default: // Failed, Cancelled
		args := append([]interface{}{status, now, now, taskID}, fromArgs(from)...)
		res, err = s.db.Exec(
			`UPDATE tasks SET status = ?, generation_processed_at = ?, updated_at = ?
			 WHERE id = ? AND status IN (`+placeholders+`)`, args...)
	}
	if err != nil {
		return false, fmt.Errorf("failed to update task status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 1 {
		logging.Store("Task %s status set to %s", taskID, status)
	}
	return n == 1, nil
}

func fromArgs(from []string) []interface{} {
	args := make([]interface{}, len(from))
	for i, f := range from {
		args[i] = f
	}
	return args
}

// SetGenerationCreated flips the materialization latch. The latch is written
// once, by the completion engine, through a separate update.
func (s *Store) SetGenerationCreated(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`UPDATE tasks SET generation_created = 1, updated_at = ? WHERE id = ?`,
		s.now().UTC(), taskID,
	)
	if err != nil {
		return fmt.Errorf("failed to set generation latch: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	return nil
}

// QueuedTasks returns Queued tasks in FIFO order (created_at, then id),
// optionally restricted to one user and/or one run type. An empty runType
// means no filter; the run-type filter joins the registry, so tasks of
// unregistered types are excluded only when a filter is present.
func (s *Store) QueuedTasks(userID, runType string) ([]Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + prefixColumns("t", taskColumns) + ` FROM tasks t`
	var (
		conds []string
		args  []interface{}
	)
	if userID != "" {
		query += ` JOIN projects p ON p.id = t.project_id`
		conds = append(conds, "p.user_id = ?")
		args = append(args, userID)
	}
	if runType != "" {
		query += ` JOIN task_types tt ON tt.name = t.task_type`
		conds = append(conds, "tt.run_type = ?")
		args = append(args, runType)
	}
	conds = append(conds, "t.status = ?")
	args = append(args, StatusQueued)

	query += ` WHERE ` + strings.Join(conds, " AND ") + ` ORDER BY t.created_at, t.id`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query queued tasks: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// InProgressCount returns a user's In Progress task count for concurrency
// purposes: orchestrator task types are excluded, and with cloudOnly set,
// only cloud-claimed tasks (non-null worker_id) are counted.
func (s *Store) InProgressCount(userID string, cloudOnly bool) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT COUNT(*) FROM tasks t
		 JOIN projects p ON p.id = t.project_id
		 WHERE p.user_id = ? AND t.status = ?
		   AND t.task_type NOT LIKE '%orchestrator%'`
	if cloudOnly {
		query += ` AND t.worker_id IS NOT NULL`
	}

	var count int
	if err := s.db.QueryRow(query, userID, StatusInProgress).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count in-progress tasks: %w", err)
	}
	return count, nil
}

// DependencyStatuses resolves the statuses of the given task ids. Missing
// ids are absent from the result, which is how the dependency evaluator
// detects dangling references.
func (s *Store) DependencyStatuses(ids []string) (map[string]string, error) {
	statuses := make(map[string]string, len(ids))
	if len(ids) == 0 {
		return statuses, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.db.Query(
		`SELECT id, status FROM tasks WHERE id IN (`+placeholders+`)`, args...,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query dependency statuses: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, status string
		if err := rows.Scan(&id, &status); err != nil {
			continue
		}
		statuses[id] = status
	}
	return statuses, rows.Err()
}

// StuckTasks returns In Progress tasks whose claim is older than the
// threshold. Reporting signal only; nothing is recovered automatically.
func (s *Store) StuckTasks(olderThan time.Duration) ([]Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := s.now().UTC().Add(-olderThan)
	rows, err := s.db.Query(
		`SELECT `+taskColumns+` FROM tasks
		 WHERE status = ? AND generation_started_at IS NOT NULL AND generation_started_at < ?
		 ORDER BY generation_started_at`,
		StatusInProgress, cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query stuck tasks: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// prefixColumns qualifies a comma-separated column list with a table alias.
func prefixColumns(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
