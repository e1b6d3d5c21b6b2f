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

// Shot is an ordered container of generations within a project; ordering is
// by timeline frame.
type Shot struct {
	ID        string
	ProjectID string
	Name      string
	Settings  payload.Record
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ShotLink associates one generation to one shot at an optional timeline
// frame. Duplicates are permitted and meaningful: a generation may appear
// multiple times in a shot.
type ShotLink struct {
	ID            string
	ShotID        string
	GenerationID  string
	TimelineFrame *int64 // nil = unpositioned
	Metadata      payload.Record
	CreatedAt     time.Time
}

// LinkFrameAssignment pairs a link with its new timeline frame.
type LinkFrameAssignment struct {
	LinkID string
	Frame  int64
}

// frameSentinel parks a link outside the non-negative frame range during the
// three-step swap, keeping the partial unique index satisfied throughout.
const frameSentinel = -1

// CreateShot inserts a shot.
func (s *Store) CreateShot(projectID, name string) (Shot, error) {
	if projectID == "" {
		return Shot{}, fmt.Errorf("project id required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	sh := Shot{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Name:      name,
		Settings:  payload.Record{},
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := s.db.Exec(
		`INSERT INTO shots (id, project_id, name, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		sh.ID, sh.ProjectID, sh.Name, sh.CreatedAt, sh.UpdatedAt,
	)
	if err != nil {
		return Shot{}, fmt.Errorf("failed to insert shot: %w", err)
	}

	logging.StoreDebug("Shot created: %s project=%s name=%q", sh.ID, projectID, name)
	return sh, nil
}

// GetShot retrieves a shot by id.
func (s *Store) GetShot(id string) (Shot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		sh       Shot
		settings string
	)
	err := s.db.QueryRow(
		`SELECT id, project_id, name, settings, created_at, updated_at FROM shots WHERE id = ?`, id,
	).Scan(&sh.ID, &sh.ProjectID, &sh.Name, &settings, &sh.CreatedAt, &sh.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Shot{}, fmt.Errorf("shot %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Shot{}, fmt.Errorf("failed to query shot: %w", err)
	}
	sh.Settings, err = payload.Parse([]byte(settings))
	if err != nil {
		return Shot{}, err
	}
	return sh, nil
}

// AddShotLink inserts a new shot link and rebuilds the generation's
// shot_data within the same transaction. A nil frame means unpositioned.
func (s *Store) AddShotLink(shotID, generationID string, frame *int64, metadata payload.Record) (ShotLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if metadata == nil {
		metadata = payload.Record{}
	}
	metaJSON, err := metadata.Encode()
	if err != nil {
		return ShotLink{}, err
	}

	link := ShotLink{
		ID:            uuid.NewString(),
		ShotID:        shotID,
		GenerationID:  generationID,
		TimelineFrame: frame,
		Metadata:      metadata,
		CreatedAt:     s.now().UTC(),
	}

	err = s.withTxLocked(func(tx *sql.Tx) error {
		if err := entityExistsTx(tx, "shots", shotID); err != nil {
			return err
		}
		if err := entityExistsTx(tx, "generations", generationID); err != nil {
			return err
		}

		var frameVal interface{}
		if frame != nil {
			frameVal = *frame
		}
		if _, err := tx.Exec(
			`INSERT INTO shot_generations (id, shot_id, generation_id, timeline_frame, metadata, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			link.ID, shotID, generationID, frameVal, string(metaJSON), link.CreatedAt,
		); err != nil {
			return fmt.Errorf("failed to insert shot link: %w", err)
		}
		return s.rebuildShotDataTx(tx, generationID)
	})
	if err != nil {
		return ShotLink{}, err
	}

	logging.TimelineDebug("Shot link added: shot=%s generation=%s frame=%v", shotID, generationID, frame)
	return link, nil
}

// ListShotLinks returns a shot's links in timeline order: frame nulls last,
// then created_at, then generation id.
func (s *Store) ListShotLinks(shotID string) ([]ShotLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.entityExists("shots", shotID); err != nil {
		return nil, err
	}

	rows, err := s.db.Query(
		`SELECT id, shot_id, generation_id, timeline_frame, metadata, created_at
		 FROM shot_generations
		 WHERE shot_id = ?
		 ORDER BY timeline_frame IS NULL, timeline_frame, created_at, generation_id`,
		shotID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list shot links: %w", err)
	}
	defer rows.Close()

	return scanShotLinks(rows)
}

// LinksForGeneration returns every link referencing a generation.
func (s *Store) LinksForGeneration(generationID string) ([]ShotLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT id, shot_id, generation_id, timeline_frame, metadata, created_at
		 FROM shot_generations
		 WHERE generation_id = ?
		 ORDER BY shot_id, timeline_frame IS NULL, timeline_frame, created_at`,
		generationID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list generation links: %w", err)
	}
	defer rows.Close()

	return scanShotLinks(rows)
}

func scanShotLinks(rows *sql.Rows) ([]ShotLink, error) {
	var links []ShotLink
	for rows.Next() {
		var (
			link     ShotLink
			frame    sql.NullInt64
			metadata string
		)
		if err := rows.Scan(&link.ID, &link.ShotID, &link.GenerationID, &frame, &metadata, &link.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan shot link: %w", err)
		}
		if frame.Valid {
			f := frame.Int64
			link.TimelineFrame = &f
		}
		var err error
		link.Metadata, err = payload.Parse([]byte(metadata))
		if err != nil {
			return nil, err
		}
		links = append(links, link)
	}
	return links, rows.Err()
}

// MaxTimelineFrame returns the highest non-null frame in a shot.
func (s *Store) MaxTimelineFrame(shotID string) (int64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var max sql.NullInt64
	err := s.db.QueryRow(
		`SELECT MAX(timeline_frame) FROM shot_generations WHERE shot_id = ?`, shotID,
	).Scan(&max)
	if err != nil {
		return 0, false, fmt.Errorf("failed to query max frame: %w", err)
	}
	return max.Int64, max.Valid, nil
}

// ApplyFrameAssignments writes a batch of frame values in two stages inside
// one transaction: first null out every affected link's frame, then write the
// new values. The partial unique index on (shot_id, timeline_frame) never
// sees a transient collision this way. When markUserPositioned is set, each
// affected link's metadata records user_positioned.
func (s *Store) ApplyFrameAssignments(shotID string, assignments []LinkFrameAssignment, markUserPositioned bool) error {
	if len(assignments) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTxLocked(func(tx *sql.Tx) error {
		// Stage 1: release every affected frame slot.
		for _, a := range assignments {
			if err := setFrameTx(tx, shotID, a.LinkID, nil); err != nil {
				return err
			}
		}
		// Stage 2: write the new values.
		for _, a := range assignments {
			frame := a.Frame
			if err := setFrameTx(tx, shotID, a.LinkID, &frame); err != nil {
				return err
			}
			if markUserPositioned {
				if err := mergeLinkMetadataTx(tx, a.LinkID, "user_positioned", true); err != nil {
					return err
				}
			}
		}
		return s.rebuildShotDataForLinksTx(tx, assignmentLinkIDs(assignments))
	})
}

// SetLinkFrame assigns (or clears) a single link's frame and rebuilds the
// generation's shot_data.
func (s *Store) SetLinkFrame(shotID, linkID string, frame *int64, metadata payload.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTxLocked(func(tx *sql.Tx) error {
		if err := setFrameTx(tx, shotID, linkID, frame); err != nil {
			return err
		}
		if metadata != nil {
			metaJSON, err := metadata.Encode()
			if err != nil {
				return err
			}
			if _, err := tx.Exec(
				`UPDATE shot_generations SET metadata = ? WHERE id = ?`,
				string(metaJSON), linkID,
			); err != nil {
				return fmt.Errorf("failed to update link metadata: %w", err)
			}
		}
		return s.rebuildShotDataForLinksTx(tx, []string{linkID})
	})
}

// SwapLinkFrames exchanges two links' frames with a three-step update: park
// the first link at a sentinel frame, move the second onto the first's slot,
// then move the first onto the second's. Honors the partial unique index at
// every step.
func (s *Store) SwapLinkFrames(shotID, linkA, linkB string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTxLocked(func(tx *sql.Tx) error {
		frameA, err := linkFrameTx(tx, shotID, linkA)
		if err != nil {
			return err
		}
		frameB, err := linkFrameTx(tx, shotID, linkB)
		if err != nil {
			return err
		}

		sentinel := int64(frameSentinel)
		if err := setFrameTx(tx, shotID, linkA, &sentinel); err != nil {
			return err
		}
		if err := setFrameTx(tx, shotID, linkB, frameA); err != nil {
			return err
		}
		if err := setFrameTx(tx, shotID, linkA, frameB); err != nil {
			return err
		}
		return s.rebuildShotDataForLinksTx(tx, []string{linkA, linkB})
	})
}

// setFrameTx writes one link's frame, scoped to the shot to prevent
// cross-shot link ids from sneaking in.
func setFrameTx(tx *sql.Tx, shotID, linkID string, frame *int64) error {
	var frameVal interface{}
	if frame != nil {
		frameVal = *frame
	}
	res, err := tx.Exec(
		`UPDATE shot_generations SET timeline_frame = ? WHERE id = ? AND shot_id = ?`,
		frameVal, linkID, shotID,
	)
	if err != nil {
		return fmt.Errorf("failed to set timeline frame: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("shot link %s in shot %s: %w", linkID, shotID, ErrNotFound)
	}
	return nil
}

// linkFrameTx reads one link's current frame.
func linkFrameTx(tx *sql.Tx, shotID, linkID string) (*int64, error) {
	var frame sql.NullInt64
	err := tx.QueryRow(
		`SELECT timeline_frame FROM shot_generations WHERE id = ? AND shot_id = ?`,
		linkID, shotID,
	).Scan(&frame)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("shot link %s in shot %s: %w", linkID, shotID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read timeline frame: %w", err)
	}
	if !frame.Valid {
		return nil, nil
	}
	f := frame.Int64
	return &f, nil
}

// mergeLinkMetadataTx sets one key in a link's metadata record.
func mergeLinkMetadataTx(tx *sql.Tx, linkID, key string, value interface{}) error {
	var raw string
	err := tx.QueryRow(
		`SELECT metadata FROM shot_generations WHERE id = ?`, linkID,
	).Scan(&raw)
	if err != nil {
		return fmt.Errorf("failed to read link metadata: %w", err)
	}
	meta, err := payload.Parse([]byte(raw))
	if err != nil {
		return err
	}
	meta.Set(key, value)
	metaJSON, err := meta.Encode()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(
		`UPDATE shot_generations SET metadata = ? WHERE id = ?`, string(metaJSON), linkID,
	); err != nil {
		return fmt.Errorf("failed to write link metadata: %w", err)
	}
	return nil
}

// DeleteShotLink removes a link and rebuilds the generation's shot_data.
func (s *Store) DeleteShotLink(linkID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTxLocked(func(tx *sql.Tx) error {
		var generationID string
		err := tx.QueryRow(
			`SELECT generation_id FROM shot_generations WHERE id = ?`, linkID,
		).Scan(&generationID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("shot link %s: %w", linkID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to resolve shot link: %w", err)
		}
		if _, err := tx.Exec(`DELETE FROM shot_generations WHERE id = ?`, linkID); err != nil {
			return fmt.Errorf("failed to delete shot link: %w", err)
		}
		return s.rebuildShotDataTx(tx, generationID)
	})
}

// rebuildShotDataForLinksTx rebuilds shot_data for the generations behind
// the given links.
func (s *Store) rebuildShotDataForLinksTx(tx *sql.Tx, linkIDs []string) error {
	seen := make(map[string]bool)
	for _, linkID := range linkIDs {
		var generationID string
		err := tx.QueryRow(
			`SELECT generation_id FROM shot_generations WHERE id = ?`, linkID,
		).Scan(&generationID)
		if err != nil {
			return fmt.Errorf("failed to resolve link generation: %w", err)
		}
		if seen[generationID] {
			continue
		}
		seen[generationID] = true
		if err := s.rebuildShotDataTx(tx, generationID); err != nil {
			return err
		}
	}
	return nil
}

// rebuildShotDataTx recomputes generations.shot_data from the current links:
// a mapping shot id -> sorted frames (nulls last), always arrays. No links at
// all stores NULL.
func (s *Store) rebuildShotDataTx(tx *sql.Tx, generationID string) error {
	rows, err := tx.Query(
		`SELECT shot_id, timeline_frame FROM shot_generations
		 WHERE generation_id = ?
		 ORDER BY shot_id, timeline_frame IS NULL, timeline_frame, created_at`,
		generationID,
	)
	if err != nil {
		return fmt.Errorf("failed to query links for shot_data rebuild: %w", err)
	}
	defer rows.Close()

	shotData := make(map[string][]*int64)
	for rows.Next() {
		var (
			shotID string
			frame  sql.NullInt64
		)
		if err := rows.Scan(&shotID, &frame); err != nil {
			return fmt.Errorf("failed to scan link for shot_data rebuild: %w", err)
		}
		var f *int64
		if frame.Valid {
			v := frame.Int64
			f = &v
		}
		shotData[shotID] = append(shotData[shotID], f)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	var value interface{}
	if len(shotData) > 0 {
		data, err := json.Marshal(shotData)
		if err != nil {
			return fmt.Errorf("failed to encode shot_data: %w", err)
		}
		value = string(data)
	}

	if _, err := tx.Exec(
		`UPDATE generations SET shot_data = ?, updated_at = ? WHERE id = ?`,
		value, s.now().UTC(), generationID,
	); err != nil {
		return fmt.Errorf("failed to write shot_data: %w", err)
	}
	return nil
}

func assignmentLinkIDs(assignments []LinkFrameAssignment) []string {
	ids := make([]string, len(assignments))
	for i, a := range assignments {
		ids[i] = a.LinkID
	}
	return ids
}

// entityExists probes for a row by id in the given table.
func (s *Store) entityExists(table, id string) error {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM `+table+` WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", table[:len(table)-1], id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to probe %s: %w", table, err)
	}
	return nil
}

func entityExistsTx(tx *sql.Tx, table, id string) error {
	var one int
	err := tx.QueryRow(`SELECT 1 FROM `+table+` WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", table[:len(table)-1], id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to probe %s: %w", table, err)
	}
	return nil
}
