package store

import (
	"database/sql"
	"fmt"

	"hotflip/internal/logging"
)

// migration adds a column that databases created by older builds lack.
type migration struct {
	Table  string
	Column string
	Def    string
}

var pendingMigrations = []migration{
	// Runs created before resume checked the attacked data carry ''.
	{"runs", "fingerprint", "TEXT NOT NULL DEFAULT ''"},
}

// runMigrations adds missing columns to existing tables.
func runMigrations(db *sql.DB) error {
	applied := 0
	for _, m := range pendingMigrations {
		ok, err := columnExists(db, m.Table, m.Column)
		if err != nil {
			return err
		}
		if ok {
			continue
		}
		query := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.Table, m.Column, m.Def)
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("failed to add %s.%s: %w", m.Table, m.Column, err)
		}
		logging.Store("Migration applied: added %s.%s", m.Table, m.Column)
		applied++
	}
	if applied > 0 {
		logging.Store("Schema migrations complete: applied=%d", applied)
	}
	return nil
}

// columnExists checks for a column with PRAGMA table_info.
func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, fmt.Errorf("failed to inspect %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var cid, notnull, pk int
		var name, ctype string
		var dflt any
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
