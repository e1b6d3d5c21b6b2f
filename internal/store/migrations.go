// Schema migrations for existing Reigh databases. These handle cases where
// tables exist but are missing newer columns, plus the one data migration the
// shot index requires: legacy scalar shot_data values rewritten to arrays.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"reigh/internal/logging"
)

// Migration defines a column-add schema migration.
type Migration struct {
	Table  string
	Column string
	Def    string
}

// pendingMigrations lists all schema migrations to apply.
var pendingMigrations = []Migration{
	// Worker model affinity (added with the affinity-aware claim ordering)
	{"workers", "current_model", "TEXT NOT NULL DEFAULT ''"},
	// Generation materialization latch
	{"tasks", "generation_created", "INTEGER NOT NULL DEFAULT 0"},
	// Claim / completion timestamps
	{"tasks", "generation_started_at", "DATETIME"},
	{"tasks", "generation_processed_at", "DATETIME"},
	// Primary-variant reference on generations
	{"generations", "primary_variant_id", "TEXT"},
	// Link metadata (user_positioned, drag_source, auto_positioned)
	{"shot_generations", "metadata", "TEXT NOT NULL DEFAULT '{}'"},
}

// RunMigrations applies schema migrations for existing databases.
func RunMigrations(db *sql.DB) error {
	timer := logging.StartTimer(logging.CategoryStore, "RunMigrations")
	defer timer.Stop()

	applied := 0
	for _, m := range pendingMigrations {
		if !tableExists(db, m.Table) {
			continue
		}
		if columnExists(db, m.Table, m.Column) {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.Table, m.Column, m.Def)
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %s.%s failed: %w", m.Table, m.Column, err)
		}
		applied++
	}
	if applied > 0 {
		logging.Store("Applied %d schema migrations", applied)
	}

	return migrateShotDataArrays(db)
}

// migrateShotDataArrays rewrites legacy scalar shot_data frame values to
// single-element arrays. The array form is the contract; scalars predate it.
func migrateShotDataArrays(db *sql.DB) error {
	if !tableExists(db, "generations") {
		return nil
	}

	rows, err := db.Query(`SELECT id, shot_data FROM generations WHERE shot_data IS NOT NULL`)
	if err != nil {
		return fmt.Errorf("failed to scan shot_data: %w", err)
	}
	defer rows.Close()

	type rewrite struct {
		id   string
		data string
	}
	var rewrites []rewrite

	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			continue
		}
		var m map[string]interface{}
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			logging.StoreWarn("Skipping unparseable shot_data on generation %s: %v", id, err)
			continue
		}
		changed := false
		for shot, v := range m {
			if _, isArray := v.([]interface{}); !isArray {
				m[shot] = []interface{}{v}
				changed = true
			}
		}
		if !changed {
			continue
		}
		data, err := json.Marshal(m)
		if err != nil {
			continue
		}
		rewrites = append(rewrites, rewrite{id: id, data: string(data)})
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate shot_data rows: %w", err)
	}

	for _, rw := range rewrites {
		if _, err := db.Exec(`UPDATE generations SET shot_data = ? WHERE id = ?`, rw.data, rw.id); err != nil {
			return fmt.Errorf("failed to rewrite shot_data for %s: %w", rw.id, err)
		}
	}
	if len(rewrites) > 0 {
		logging.Store("Migrated %d legacy scalar shot_data values to arrays", len(rewrites))
	}
	return nil
}

// tableExists checks whether a table is present in this database.
func tableExists(db *sql.DB, table string) bool {
	var name string
	err := db.QueryRow(
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table,
	).Scan(&name)
	return err == nil
}

// columnExists checks whether a column is present on a table.
func columnExists(db *sql.DB, table, column string) bool {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notNull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
			continue
		}
		if name == column {
			return true
		}
	}
	return false
}
