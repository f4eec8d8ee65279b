package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type postgresStore struct {
	baseStore
}

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/parkwatch?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &postgresStore{baseStore{db: db, dollar: true}}, nil
}

func (s *postgresStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	if err := s.db.PingContext(ctx); err != nil {
		return err
	}
	return s.exec(ctx, []string{
		`CREATE TABLE IF NOT EXISTS vehicles (
			vehicle_id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			contact_address TEXT NOT NULL DEFAULT '',
			authorized_zone TEXT NOT NULL DEFAULT '',
			location_state TEXT NOT NULL DEFAULT 'elsewhere',
			updated_at BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS active_violations (
			vehicle_id TEXT PRIMARY KEY,
			episode_id TEXT NOT NULL UNIQUE,
			opened_at BIGINT NOT NULL,
			description TEXT NOT NULL,
			status TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS violation_history (
			id BIGSERIAL PRIMARY KEY,
			episode_id TEXT NOT NULL UNIQUE,
			vehicle_id TEXT NOT NULL,
			opened_at BIGINT NOT NULL,
			resolved_at BIGINT NOT NULL,
			description TEXT NOT NULL,
			status TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_history_vehicle_resolved ON violation_history(vehicle_id, resolved_at)`,
	})
}
