package engine

import (
	"sort"
	"sync"
	"time"
)

// Entry mirrors one open episode. The persisted active store stays the source
// of truth; an entry only says what this process believes and whether it has
// local timers for it.
type Entry struct {
	VehicleID string    `json:"vehicle_id"`
	EpisodeID string    `json:"episode_id"`
	OpenedAt  time.Time `json:"opened_at"`
	Scheduled bool      `json:"scheduled"`
	Warned    bool      `json:"warned"`
}

type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*Entry)}
}

// Add records an open episode. Re-adding the same episode keeps its flags.
func (r *Registry) Add(vehicleID, episodeID string, openedAt time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[vehicleID]; ok && e.EpisodeID == episodeID {
		return
	}
	r.entries[vehicleID] = &Entry{VehicleID: vehicleID, EpisodeID: episodeID, OpenedAt: openedAt}
}

func (r *Registry) Remove(vehicleID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, vehicleID)
}

// RemoveEpisode drops the entry only while it still refers to episodeID.
func (r *Registry) RemoveEpisode(vehicleID, episodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[vehicleID]; ok && (episodeID == "" || e.EpisodeID == episodeID) {
		delete(r.entries, vehicleID)
	}
}

func (r *Registry) IsOpen(vehicleID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[vehicleID]
	return ok
}

func (r *Registry) Get(vehicleID string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[vehicleID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

func (r *Registry) SetScheduled(vehicleID string, scheduled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[vehicleID]; ok {
		e.Scheduled = scheduled
	}
}

func (r *Registry) IsScheduled(vehicleID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[vehicleID]
	return ok && e.Scheduled
}

func (r *Registry) MarkWarned(vehicleID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[vehicleID]; ok {
		e.Warned = true
	}
}

// DueEntries lists vehicles whose episode is at least delay old, oldest first.
func (r *Registry) DueEntries(now time.Time, delay time.Duration) []string {
	return r.collect(func(e *Entry) bool {
		return !now.Before(e.OpenedAt.Add(delay))
	})
}

// DueWarnings lists unwarned episodes inside [warnDelay, finalDelay).
func (r *Registry) DueWarnings(now time.Time, warnDelay, finalDelay time.Duration) []string {
	return r.collect(func(e *Entry) bool {
		return !e.Warned &&
			!now.Before(e.OpenedAt.Add(warnDelay)) &&
			now.Before(e.OpenedAt.Add(finalDelay))
	})
}

func (r *Registry) collect(match func(*Entry) bool) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	due := make([]*Entry, 0)
	for _, e := range r.entries {
		if match(e) {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].OpenedAt.Equal(due[j].OpenedAt) {
			return due[i].VehicleID < due[j].VehicleID
		}
		return due[i].OpenedAt.Before(due[j].OpenedAt)
	})
	out := make([]string, len(due))
	for i, e := range due {
		out[i] = e.VehicleID
	}
	return out
}

func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VehicleID < out[j].VehicleID })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[string]*Entry)
}
