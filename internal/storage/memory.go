package storage

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"parkwatch/internal/model"
)

// MemoryStore keeps everything in process. Used by tests and by the
// "memory" driver for demos; nothing survives a restart.
type MemoryStore struct {
	mu       sync.RWMutex
	vehicles map[string]model.Vehicle
	active   map[string]model.Episode
	history  []model.Episode
}

func NewMemory() *MemoryStore {
	return &MemoryStore{
		vehicles: make(map[string]model.Vehicle),
		active:   make(map[string]model.Episode),
	}
}

func (m *MemoryStore) Init(context.Context) error { return nil }
func (m *MemoryStore) Close() error               { return nil }

func (m *MemoryStore) LookupVehicle(_ context.Context, id string) (model.Vehicle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.vehicles[id]
	if !ok {
		return model.Vehicle{}, ErrNotFound
	}
	return v, nil
}

func (m *MemoryStore) SetLocationState(_ context.Context, id string, state model.LocationState, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vehicles[id]
	if !ok {
		return ErrNotFound
	}
	v.State = state
	v.UpdatedAt = at.UTC()
	m.vehicles[id] = v
	return nil
}

func (m *MemoryStore) UpsertVehicle(_ context.Context, v model.Vehicle) error {
	if strings.TrimSpace(v.ID) == "" {
		return errors.New("vehicle id required")
	}
	if v.State == "" {
		v.State = model.StateElsewhere
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vehicles[v.ID] = v
	return nil
}

func (m *MemoryStore) ListVehicles(context.Context) ([]model.Vehicle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Vehicle, 0, len(m.vehicles))
	for _, v := range m.vehicles {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) HasRecentFinalizedViolation(_ context.Context, id string, since time.Time) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, h := range m.history {
		if h.VehicleID == id && h.ResolvedAt.After(since) {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) GetActiveViolation(_ context.Context, id string) (model.Episode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ep, ok := m.active[id]
	if !ok {
		return model.Episode{}, ErrNotFound
	}
	return ep, nil
}

func (m *MemoryStore) InsertActiveViolation(_ context.Context, ep model.Episode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.active[ep.VehicleID]; ok {
		return ErrAlreadyOpen
	}
	m.active[ep.VehicleID] = ep
	return nil
}

func (m *MemoryStore) SetActiveStatus(_ context.Context, id string, status model.EpisodeStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ep, ok := m.active[id]
	if !ok {
		return ErrNotFound
	}
	ep.Status = status
	m.active[id] = ep
	return nil
}

func (m *MemoryStore) DeleteActiveViolation(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, id)
	return nil
}

func (m *MemoryStore) CopyActiveToHistory(_ context.Context, id string, status model.EpisodeStatus, resolvedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ep, ok := m.active[id]
	if !ok {
		return ErrNotFound
	}
	for _, h := range m.history {
		if h.ID == ep.ID {
			return nil
		}
	}
	ep.ResolvedAt = resolvedAt.UTC()
	ep.Status = status
	m.history = append(m.history, ep)
	return nil
}

func (m *MemoryStore) ListActiveViolations(context.Context) ([]model.Episode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Episode, 0, len(m.active))
	for _, ep := range m.active {
		out = append(out, ep)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out, nil
}

func (m *MemoryStore) ListHistory(_ context.Context, vehicleID string, limit int) ([]model.Episode, error) {
	if limit <= 0 {
		limit = 100
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Episode, 0)
	for i := len(m.history) - 1; i >= 0 && len(out) < limit; i-- {
		h := m.history[i]
		if vehicleID != "" && h.VehicleID != vehicleID {
			continue
		}
		out = append(out, h)
	}
	return out, nil
}
