package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"reigh/internal/logging"
	"reigh/internal/payload"

	"github.com/google/uuid"
)

// User holds the credit balance the eligibility gate consumes. Zero credits
// means ineligible.
type User struct {
	ID        string
	Credits   float64
	CreatedAt time.Time
}

// UserSettings carries the two capability flags, both defaulting to true.
type UserSettings struct {
	UserID      string
	AllowsCloud bool
	AllowsLocal bool
	Preferences payload.Record
}

// CreateUser inserts a user with the given credit balance and default
// settings.
func (s *Store) CreateUser(credits float64) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u := User{
		ID:        uuid.NewString(),
		Credits:   credits,
		CreatedAt: s.now().UTC(),
	}

	err := s.withTxLocked(func(tx *sql.Tx) error {
		if _, err := tx.Exec(
			`INSERT INTO users (id, credits, created_at) VALUES (?, ?, ?)`,
			u.ID, u.Credits, u.CreatedAt,
		); err != nil {
			return fmt.Errorf("failed to insert user: %w", err)
		}
		if _, err := tx.Exec(
			`INSERT INTO user_settings (user_id) VALUES (?)`, u.ID,
		); err != nil {
			return fmt.Errorf("failed to insert user settings: %w", err)
		}
		return nil
	})
	if err != nil {
		return User{}, err
	}

	logging.StoreDebug("User created: %s credits=%.2f", u.ID, u.Credits)
	return u, nil
}

// GetUser retrieves a user by id.
func (s *Store) GetUser(id string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var u User
	err := s.db.QueryRow(
		`SELECT id, credits, created_at FROM users WHERE id = ?`, id,
	).Scan(&u.ID, &u.Credits, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return User{}, fmt.Errorf("failed to query user: %w", err)
	}
	return u, nil
}

// SetUserCredits overwrites a user's credit balance.
func (s *Store) SetUserCredits(id string, credits float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE users SET credits = ? WHERE id = ?`, credits, id)
	if err != nil {
		return fmt.Errorf("failed to update credits: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	logging.StoreDebug("User %s credits set to %.2f", id, credits)
	return nil
}

// GetUserSettings retrieves a user's capability flags and preferences.
func (s *Store) GetUserSettings(userID string) (UserSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getUserSettingsLocked(userID)
}

func (s *Store) getUserSettingsLocked(userID string) (UserSettings, error) {
	var (
		settings    UserSettings
		cloud, loc  int
		preferences string
	)
	err := s.db.QueryRow(
		`SELECT user_id, allows_cloud, allows_local, preferences
		 FROM user_settings WHERE user_id = ?`, userID,
	).Scan(&settings.UserID, &cloud, &loc, &preferences)
	if errors.Is(err, sql.ErrNoRows) {
		return UserSettings{}, fmt.Errorf("settings for user %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return UserSettings{}, fmt.Errorf("failed to query user settings: %w", err)
	}
	settings.AllowsCloud = cloud != 0
	settings.AllowsLocal = loc != 0
	settings.Preferences, err = payload.Parse([]byte(preferences))
	if err != nil {
		return UserSettings{}, err
	}
	return settings, nil
}

// UpdateUserSettings overwrites the capability flags.
func (s *Store) UpdateUserSettings(userID string, allowsCloud, allowsLocal bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`UPDATE user_settings SET allows_cloud = ?, allows_local = ? WHERE user_id = ?`,
		boolToInt(allowsCloud), boolToInt(allowsLocal), userID,
	)
	if err != nil {
		return fmt.Errorf("failed to update user settings: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("settings for user %s: %w", userID, ErrNotFound)
	}
	return nil
}

// ListUserIDs returns all user ids.
func (s *Store) ListUserIDs() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT id FROM users ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
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
	return ids, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
