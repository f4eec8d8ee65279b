// Package activity keeps a bounded, most-recent-last log of episode lifecycle
// facts for the admin API.
package activity

import (
	"sync"
	"time"

	"parkwatch/internal/model"
)

type Store struct {
	mu    sync.RWMutex
	buf   []model.Activity
	limit int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 1000
	}
	return &Store{limit: limit}
}

func (s *Store) Add(a model.Activity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) < s.limit {
		s.buf = append(s.buf, a)
		return
	}
	copy(s.buf, s.buf[1:])
	s.buf[len(s.buf)-1] = a
}

func (s *Store) List(limit int) []model.Activity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.buf) {
		limit = len(s.buf)
	}
	out := make([]model.Activity, limit)
	copy(out, s.buf[len(s.buf)-limit:])
	return out
}

func (s *Store) Since(ts time.Time) []model.Activity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Activity, 0)
	for _, a := range s.buf {
		if !a.Timestamp.Before(ts) {
			out = append(out, a)
		}
	}
	return out
}

// ForVehicle returns the entries recorded for one vehicle, oldest first.
func (s *Store) ForVehicle(vehicleID string) []model.Activity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Activity, 0)
	for _, a := range s.buf {
		if a.VehicleID == vehicleID {
			out = append(out, a)
		}
	}
	return out
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = nil
}
