package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"parkwatch/internal/config"
	"parkwatch/internal/model"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrAlreadyOpen = errors.New("violation already open")
)

// Store is the persistence gateway used by the engine. Every call is atomic on
// its own; callers order multi-step writes themselves.
type Store interface {
	Init(ctx context.Context) error
	Close() error

	LookupVehicle(ctx context.Context, id string) (model.Vehicle, error)
	SetLocationState(ctx context.Context, id string, state model.LocationState, at time.Time) error
	UpsertVehicle(ctx context.Context, v model.Vehicle) error
	ListVehicles(ctx context.Context) ([]model.Vehicle, error)

	HasRecentFinalizedViolation(ctx context.Context, id string, since time.Time) (bool, error)
	GetActiveViolation(ctx context.Context, id string) (model.Episode, error)
	InsertActiveViolation(ctx context.Context, ep model.Episode) error
	SetActiveStatus(ctx context.Context, id string, status model.EpisodeStatus) error
	DeleteActiveViolation(ctx context.Context, id string) error
	CopyActiveToHistory(ctx context.Context, id string, status model.EpisodeStatus, resolvedAt time.Time) error
	ListActiveViolations(ctx context.Context) ([]model.Episode, error)
	ListHistory(ctx context.Context, vehicleID string, limit int) ([]model.Episode, error)
}

func NewStore(cfg config.StorageConfig) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}

// baseStore carries the SQL shared by the sqlite and postgres drivers. Queries
// are written with '?' placeholders and rebound per driver. Timestamps are
// stored as unix milliseconds so range comparisons behave the same on both.
type baseStore struct {
	db     *sql.DB
	dollar bool
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func (b *baseStore) q(query string) string {
	if !b.dollar {
		return query
	}
	var sb strings.Builder
	sb.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func (b *baseStore) exec(ctx context.Context, stmts []string) error {
	for _, stmt := range stmts {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (b *baseStore) LookupVehicle(ctx context.Context, id string) (model.Vehicle, error) {
	row := b.db.QueryRowContext(ctx, b.q(
		`SELECT vehicle_id, name, contact_address, authorized_zone, location_state, updated_at
		FROM vehicles WHERE vehicle_id = ?`), id)
	v, err := scanVehicle(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Vehicle{}, ErrNotFound
	}
	if err != nil {
		return model.Vehicle{}, fmt.Errorf("lookup vehicle: %w", err)
	}
	return v, nil
}

func (b *baseStore) SetLocationState(ctx context.Context, id string, state model.LocationState, at time.Time) error {
	res, err := b.db.ExecContext(ctx, b.q(
		`UPDATE vehicles SET location_state = ?, updated_at = ? WHERE vehicle_id = ?`),
		string(state), toMillis(at), id)
	if err != nil {
		return fmt.Errorf("set location state: %w", err)
	}
	return requireAffected(res)
}

func (b *baseStore) UpsertVehicle(ctx context.Context, v model.Vehicle) error {
	if strings.TrimSpace(v.ID) == "" {
		return errors.New("vehicle id required")
	}
	if v.State == "" {
		v.State = model.StateElsewhere
	}
	_, err := b.db.ExecContext(ctx, b.q(
		`INSERT INTO vehicles (vehicle_id, name, contact_address, authorized_zone, location_state, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (vehicle_id) DO UPDATE SET
			name = excluded.name,
			contact_address = excluded.contact_address,
			authorized_zone = excluded.authorized_zone,
			location_state = excluded.location_state,
			updated_at = excluded.updated_at`),
		v.ID, v.Name, v.ContactAddress, v.AuthorizedZone, string(v.State), toMillis(v.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert vehicle: %w", err)
	}
	return nil
}

func (b *baseStore) ListVehicles(ctx context.Context) ([]model.Vehicle, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT vehicle_id, name, contact_address, authorized_zone, location_state, updated_at
		FROM vehicles ORDER BY vehicle_id`)
	if err != nil {
		return nil, fmt.Errorf("list vehicles: %w", err)
	}
	defer rows.Close()
	out := make([]model.Vehicle, 0)
	for rows.Next() {
		v, err := scanVehicle(rows)
		if err != nil {
			return nil, fmt.Errorf("list vehicles: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (b *baseStore) HasRecentFinalizedViolation(ctx context.Context, id string, since time.Time) (bool, error) {
	var count int
	err := b.db.QueryRowContext(ctx, b.q(
		`SELECT COUNT(*) FROM violation_history WHERE vehicle_id = ? AND resolved_at > ?`),
		id, toMillis(since)).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("recent violations: %w", err)
	}
	return count > 0, nil
}

func (b *baseStore) GetActiveViolation(ctx context.Context, id string) (model.Episode, error) {
	row := b.db.QueryRowContext(ctx, b.q(
		`SELECT episode_id, vehicle_id, opened_at, description, status
		FROM active_violations WHERE vehicle_id = ?`), id)
	ep, err := scanActive(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Episode{}, ErrNotFound
	}
	if err != nil {
		return model.Episode{}, fmt.Errorf("get active violation: %w", err)
	}
	return ep, nil
}

func (b *baseStore) InsertActiveViolation(ctx context.Context, ep model.Episode) error {
	res, err := b.db.ExecContext(ctx, b.q(
		`INSERT INTO active_violations (vehicle_id, episode_id, opened_at, description, status)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (vehicle_id) DO NOTHING`),
		ep.VehicleID, ep.ID, toMillis(ep.OpenedAt), ep.Description, string(ep.Status))
	if err != nil {
		return fmt.Errorf("insert active violation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert active violation: %w", err)
	}
	if n == 0 {
		return ErrAlreadyOpen
	}
	return nil
}

func (b *baseStore) SetActiveStatus(ctx context.Context, id string, status model.EpisodeStatus) error {
	res, err := b.db.ExecContext(ctx, b.q(
		`UPDATE active_violations SET status = ? WHERE vehicle_id = ?`), string(status), id)
	if err != nil {
		return fmt.Errorf("set active status: %w", err)
	}
	return requireAffected(res)
}

func (b *baseStore) DeleteActiveViolation(ctx context.Context, id string) error {
	if _, err := b.db.ExecContext(ctx, b.q(`DELETE FROM active_violations WHERE vehicle_id = ?`), id); err != nil {
		return fmt.Errorf("delete active violation: %w", err)
	}
	return nil
}

// CopyActiveToHistory is idempotent per episode: a retried copy after a failed
// delete does not produce a second history row.
func (b *baseStore) CopyActiveToHistory(ctx context.Context, id string, status model.EpisodeStatus, resolvedAt time.Time) error {
	res, err := b.db.ExecContext(ctx, b.q(
		`INSERT INTO violation_history (episode_id, vehicle_id, opened_at, resolved_at, description, status)
		SELECT episode_id, vehicle_id, opened_at, ?, description, ?
		FROM active_violations WHERE vehicle_id = ?
		ON CONFLICT (episode_id) DO NOTHING`),
		toMillis(resolvedAt), string(status), id)
	if err != nil {
		return fmt.Errorf("copy active to history: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("copy active to history: %w", err)
	}
	if n == 0 {
		if _, err := b.GetActiveViolation(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (b *baseStore) ListActiveViolations(ctx context.Context) ([]model.Episode, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT episode_id, vehicle_id, opened_at, description, status
		FROM active_violations ORDER BY opened_at`)
	if err != nil {
		return nil, fmt.Errorf("list active violations: %w", err)
	}
	defer rows.Close()
	out := make([]model.Episode, 0)
	for rows.Next() {
		ep, err := scanActive(rows)
		if err != nil {
			return nil, fmt.Errorf("list active violations: %w", err)
		}
		out = append(out, ep)
	}
	return out, rows.Err()
}

func (b *baseStore) ListHistory(ctx context.Context, vehicleID string, limit int) ([]model.Episode, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT episode_id, vehicle_id, opened_at, resolved_at, description, status FROM violation_history`
	args := []any{}
	if vehicleID != "" {
		query += ` WHERE vehicle_id = ?`
		args = append(args, vehicleID)
	}
	query += ` ORDER BY resolved_at DESC LIMIT ?`
	args = append(args, limit)
	rows, err := b.db.QueryContext(ctx, b.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()
	out := make([]model.Episode, 0)
	for rows.Next() {
		var ep model.Episode
		var opened, resolved int64
		var status string
		if err := rows.Scan(&ep.ID, &ep.VehicleID, &opened, &resolved, &ep.Description, &status); err != nil {
			return nil, fmt.Errorf("list history: %w", err)
		}
		ep.OpenedAt = fromMillis(opened)
		ep.ResolvedAt = fromMillis(resolved)
		ep.Status = model.EpisodeStatus(status)
		out = append(out, ep)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanVehicle(s scanner) (model.Vehicle, error) {
	var v model.Vehicle
	var state string
	var updated int64
	if err := s.Scan(&v.ID, &v.Name, &v.ContactAddress, &v.AuthorizedZone, &state, &updated); err != nil {
		return model.Vehicle{}, err
	}
	v.State = model.ParseLocationState(state)
	v.UpdatedAt = fromMillis(updated)
	return v, nil
}

func scanActive(s scanner) (model.Episode, error) {
	var ep model.Episode
	var opened int64
	var status string
	if err := s.Scan(&ep.ID, &ep.VehicleID, &opened, &ep.Description, &status); err != nil {
		return model.Episode{}, err
	}
	ep.OpenedAt = fromMillis(opened)
	ep.Status = model.EpisodeStatus(status)
	return ep, nil
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
