package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"reigh/internal/logging"
	"reigh/internal/payload"

	"github.com/google/uuid"
)

// Generation is a materialized artifact derived from a completed task.
// ShotData is the denormalized shot index: shot id -> timeline frames at
// which this generation appears, sorted with nulls last. A nil map means the
// generation is linked to no shot (stored as SQL NULL, never "{}").
type Generation struct {
	ID               string
	ProjectID        string
	Type             string // image | video
	Location         string
	ThumbnailURL     string
	Params           payload.Record
	Tasks            []string
	ShotData         map[string][]*int64
	PrimaryVariantID string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// CreateGeneration inserts a generation. ShotData is never written here; the
// timeline engine owns it.
func (s *Store) CreateGeneration(g Generation) (Generation, error) {
	if g.ProjectID == "" {
		return Generation{}, fmt.Errorf("project id required")
	}
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	if g.Type == "" {
		g.Type = "image"
	}
	if g.Tasks == nil {
		g.Tasks = []string{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	paramsJSON, err := g.Params.Encode()
	if err != nil {
		return Generation{}, err
	}
	tasksJSON, err := json.Marshal(g.Tasks)
	if err != nil {
		return Generation{}, fmt.Errorf("failed to encode task list: %w", err)
	}

	now := s.now().UTC()
	g.CreatedAt = now
	g.UpdatedAt = now

	_, err = s.db.Exec(
		`INSERT INTO generations (id, project_id, type, location, thumbnail_url, params, tasks, primary_variant_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		g.ID, g.ProjectID, g.Type, g.Location, g.ThumbnailURL,
		string(paramsJSON), string(tasksJSON), nullIfEmpty(g.PrimaryVariantID),
		g.CreatedAt, g.UpdatedAt,
	)
	if err != nil {
		return Generation{}, fmt.Errorf("failed to insert generation: %w", err)
	}

	logging.StoreDebug("Generation created: %s type=%s project=%s", g.ID, g.Type, g.ProjectID)
	return g, nil
}

// GetGeneration retrieves a generation by id.
func (s *Store) GetGeneration(id string) (Generation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getGenerationLocked(id)
}

func (s *Store) getGenerationLocked(id string) (Generation, error) {
	var (
		g          Generation
		paramsJSON string
		tasksJSON  string
		shotData   sql.NullString
		variant    sql.NullString
	)
	err := s.db.QueryRow(
		`SELECT id, project_id, type, location, thumbnail_url, params, tasks, shot_data, primary_variant_id, created_at, updated_at
		 FROM generations WHERE id = ?`, id,
	).Scan(&g.ID, &g.ProjectID, &g.Type, &g.Location, &g.ThumbnailURL,
		&paramsJSON, &tasksJSON, &shotData, &variant, &g.CreatedAt, &g.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Generation{}, fmt.Errorf("generation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Generation{}, fmt.Errorf("failed to query generation: %w", err)
	}

	g.Params, err = payload.Parse([]byte(paramsJSON))
	if err != nil {
		return Generation{}, err
	}
	if err := json.Unmarshal([]byte(tasksJSON), &g.Tasks); err != nil {
		return Generation{}, fmt.Errorf("failed to decode task list: %w", err)
	}
	if shotData.Valid {
		if err := json.Unmarshal([]byte(shotData.String), &g.ShotData); err != nil {
			return Generation{}, fmt.Errorf("failed to decode shot_data: %w", err)
		}
	}
	g.PrimaryVariantID = variant.String
	return g, nil
}

// ListGenerations returns a project's generations, oldest first.
func (s *Store) ListGenerations(projectID string) ([]Generation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT id FROM generations WHERE project_id = ? ORDER BY created_at, id`, projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list generations: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			continue
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	generations := make([]Generation, 0, len(ids))
	for _, id := range ids {
		g, err := s.getGenerationLocked(id)
		if err != nil {
			return nil, err
		}
		generations = append(generations, g)
	}
	return generations, nil
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
