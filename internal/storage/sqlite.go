package storage

import (
	"context"
	"database/sql"
	"strings"

	_ "modernc.org/sqlite"
)

type sqliteStore struct {
	baseStore
}

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:parkwatch.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// a single writer connection keeps sqlite from returning SQLITE_BUSY under
	// concurrent timers
	db.SetMaxOpenConns(1)
	return &sqliteStore{baseStore{db: db}}, nil
}

func (s *sqliteStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	return s.exec(ctx, []string{
		`CREATE TABLE IF NOT EXISTS vehicles (
			vehicle_id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			contact_address TEXT NOT NULL DEFAULT '',
			authorized_zone TEXT NOT NULL DEFAULT '',
			location_state TEXT NOT NULL DEFAULT 'elsewhere',
			updated_at INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS active_violations (
			vehicle_id TEXT PRIMARY KEY,
			episode_id TEXT NOT NULL UNIQUE,
			opened_at INTEGER NOT NULL,
			description TEXT NOT NULL,
			status TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS violation_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			episode_id TEXT NOT NULL UNIQUE,
			vehicle_id TEXT NOT NULL,
			opened_at INTEGER NOT NULL,
			resolved_at INTEGER NOT NULL,
			description TEXT NOT NULL,
			status TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_history_vehicle_resolved ON violation_history(vehicle_id, resolved_at)`,
	})
}
