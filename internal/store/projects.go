package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"reigh/internal/logging"

	"github.com/google/uuid"
)

// Project is an ownership container for tasks, generations, and shots.
type Project struct {
	ID        string
	UserID    string
	Name      string
	CreatedAt time.Time
}

// CreateProject inserts a project owned by the given user.
func (s *Store) CreateProject(userID, name string) (Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := Project{
		ID:        uuid.NewString(),
		UserID:    userID,
		Name:      name,
		CreatedAt: s.now().UTC(),
	}

	_, err := s.db.Exec(
		`INSERT INTO projects (id, user_id, name, created_at) VALUES (?, ?, ?, ?)`,
		p.ID, p.UserID, p.Name, p.CreatedAt,
	)
	if err != nil {
		return Project{}, fmt.Errorf("failed to insert project: %w", err)
	}

	logging.StoreDebug("Project created: %s user=%s name=%q", p.ID, userID, name)
	return p, nil
}

// GetProject retrieves a project by id.
func (s *Store) GetProject(id string) (Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var p Project
	err := s.db.QueryRow(
		`SELECT id, user_id, name, created_at FROM projects WHERE id = ?`, id,
	).Scan(&p.ID, &p.UserID, &p.Name, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Project{}, fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Project{}, fmt.Errorf("failed to query project: %w", err)
	}
	return p, nil
}

// DeleteProject removes a project; tasks, generations, and shots cascade.
func (s *Store) DeleteProject(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM projects WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete project: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	logging.Store("Project deleted: %s", id)
	return nil
}

// UserIDForProject resolves the owning user of a project.
func (s *Store) UserIDForProject(projectID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var userID string
	err := s.db.QueryRow(
		`SELECT user_id FROM projects WHERE id = ?`, projectID,
	).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("project %s: %w", projectID, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve project owner: %w", err)
	}
	return userID, nil
}
