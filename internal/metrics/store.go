package metrics

import (
	"sort"
	"sync"
	"time"
)

const (
	EventsReceived     = "events_received"
	EventsDropped      = "events_dropped"
	EventsDebounced    = "events_debounced"
	UnknownTags        = "unknown_tags"
	EpisodesOpened     = "episodes_opened"
	SuppressedCooldown = "suppressed_cooldown"
	SuppressedOpen     = "suppressed_open"
	Rescheduled        = "episodes_rescheduled"
	WarningsSent       = "warnings_sent"
	EpisodesFined      = "episodes_fined"
	EpisodesCancelled  = "episodes_cancelled"
	ResolutionNoops    = "resolution_noops"
	StoreErrors        = "store_errors"
	NotifyFailed       = "notify_failed"
	NotifyDropped      = "notify_dropped"
	CaptureFailed      = "capture_failed"
)

// Store holds monotonically increasing counters keyed by name.
type Store struct {
	mu        sync.RWMutex
	counters  map[string]int64
	updatedAt map[string]time.Time
	since     time.Time
}

func NewStore() *Store {
	return &Store{
		counters:  make(map[string]int64),
		updatedAt: make(map[string]time.Time),
		since:     time.Now().UTC(),
	}
}

func (s *Store) Inc(name string) {
	s.Add(name, 1)
}

func (s *Store) Add(name string, delta int64) {
	if s == nil || name == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[name] += delta
	s.updatedAt[name] = time.Now().UTC()
}

func (s *Store) Get(name string) int64 {
	if s == nil {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.counters[name]
}

type Counter struct {
	Name      string    `json:"name"`
	Value     int64     `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s *Store) Snapshot() []Counter {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Counter, 0, len(s.counters))
	for name, v := range s.counters {
		out = append(out, Counter{Name: name, Value: v, UpdatedAt: s.updatedAt[name]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Store) Since() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.since
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters = make(map[string]int64)
	s.updatedAt = make(map[string]time.Time)
	s.since = time.Now().UTC()
}
