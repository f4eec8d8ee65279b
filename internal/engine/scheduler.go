package engine

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"parkwatch/internal/config"
	"parkwatch/internal/model"
)

// Scheduler arranges for the warning and final actions of an open episode.
// Deadlines are measured from the episode's opening time, so an episode
// rescheduled after a restart keeps its original deadlines.
type Scheduler interface {
	Schedule(ep model.Episode, policy config.ViolationConfig)
	Stop()
}

type timerScheduler struct {
	clock clockwork.Clock
	warn  func(vehicleID, episodeID string)
	final func(vehicleID, episodeID string)

	mu      sync.Mutex
	timers  map[string][]clockwork.Timer
	stopped bool
}

func newTimerScheduler(clock clockwork.Clock, warn, final func(vehicleID, episodeID string)) *timerScheduler {
	return &timerScheduler{
		clock:  clock,
		warn:   warn,
		final:  final,
		timers: make(map[string][]clockwork.Timer),
	}
}

func (s *timerScheduler) Schedule(ep model.Episode, policy config.ViolationConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if _, ok := s.timers[ep.ID]; ok {
		return
	}
	now := s.clock.Now()
	finalAt := ep.OpenedAt.Add(policy.FinalDelay)
	timers := make([]clockwork.Timer, 0, 2)
	if policy.WarningDelay > 0 && ep.Status != model.StatusEscalating && now.Before(finalAt) {
		vehicleID, episodeID := ep.VehicleID, ep.ID
		timers = append(timers, s.clock.AfterFunc(until(ep.OpenedAt.Add(policy.WarningDelay), now), func() {
			s.warn(vehicleID, episodeID)
		}))
	}
	vehicleID, episodeID := ep.VehicleID, ep.ID
	timers = append(timers, s.clock.AfterFunc(until(finalAt, now), func() {
		s.forget(episodeID)
		s.final(vehicleID, episodeID)
	}))
	s.timers[ep.ID] = timers
}

func (s *timerScheduler) forget(episodeID string) {
	s.mu.Lock()
	delete(s.timers, episodeID)
	s.mu.Unlock()
}

func (s *timerScheduler) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

func (s *timerScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, timers := range s.timers {
		for _, t := range timers {
			t.Stop()
		}
		delete(s.timers, id)
	}
	s.stopped = true
}

// pollScheduler leaves deadlines to the periodic sweep.
type pollScheduler struct{}

func (pollScheduler) Schedule(model.Episode, config.ViolationConfig) {}

func (pollScheduler) Stop() {}

func until(deadline, now time.Time) time.Duration {
	d := deadline.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
