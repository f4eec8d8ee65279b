package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parkwatch/internal/activity"
	"parkwatch/internal/config"
	"parkwatch/internal/metrics"
	"parkwatch/internal/model"
	"parkwatch/internal/notify"
	"parkwatch/internal/storage"
)

const (
	vehicleID = "V100000001"
	waitFor   = 2 * time.Second
	tick      = 5 * time.Millisecond
)

var t0 = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

type fakeClock interface {
	clockwork.Clock
	Advance(d time.Duration)
}

type outbox struct {
	mu   sync.Mutex
	msgs []notify.Message
}

func (o *outbox) Dispatch(msg notify.Message) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.msgs = append(o.msgs, msg)
	return true
}

func (o *outbox) count(kind notify.Kind) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, m := range o.msgs {
		if m.Kind == kind {
			n++
		}
	}
	return n
}

type harness struct {
	clock    fakeClock
	store    storage.Store
	mem      *storage.MemoryStore
	outbox   *outbox
	metrics  *metrics.Store
	activity *activity.Store
	eng      *Engine
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Violation.RestrictedZone = "Walker"
	cfg.Violation.WarningDelay = 60 * time.Second
	cfg.Violation.FinalDelay = 120 * time.Second
	cfg.Violation.Cooldown = 30 * time.Minute
	return cfg
}

func pollConfig() *config.Config {
	cfg := testConfig()
	cfg.Violation.Mode = config.ModePoll
	cfg.Violation.WarningDelay = 0
	cfg.Violation.FinalDelay = 30 * time.Second
	return cfg
}

func newHarness(t *testing.T, cfg *config.Config, wrap func(*storage.MemoryStore) storage.Store) *harness {
	t.Helper()
	mem := storage.NewMemory()
	var st storage.Store = mem
	if wrap != nil {
		st = wrap(mem)
	}
	h := &harness{
		clock:    clockwork.NewFakeClockAt(t0),
		store:    st,
		mem:      mem,
		outbox:   &outbox{},
		metrics:  metrics.NewStore(),
		activity: activity.NewStore(100),
	}
	h.eng = NewEngine(cfg, Deps{
		Metrics:  h.metrics,
		Activity: h.activity,
		Store:    h.store,
		Outbox:   h.outbox,
		Clock:    h.clock,
	})
	t.Cleanup(h.eng.Close)
	return h
}

func (h *harness) register(t *testing.T, id, zone string, state model.LocationState) {
	t.Helper()
	require.NoError(t, h.mem.UpsertVehicle(context.Background(), model.Vehicle{
		ID:             id,
		Name:           "Juan",
		ContactAddress: "juan@example.edu",
		AuthorizedZone: zone,
		State:          state,
	}))
}

func (h *harness) read(t *testing.T, id string) *model.Episode {
	t.Helper()
	ep, err := h.eng.ProcessEvent(context.Background(), model.TagEvent{Identity: id, Timestamp: h.clock.Now(), Source: "test"})
	require.NoError(t, err)
	return ep
}

func (h *harness) active(id string) (model.Episode, bool) {
	ep, err := h.mem.GetActiveViolation(context.Background(), id)
	return ep, err == nil
}

func (h *harness) history(t *testing.T, id string) []model.Episode {
	t.Helper()
	out, err := h.mem.ListHistory(context.Background(), id, 10)
	require.NoError(t, err)
	return out
}

func TestViolationWarnedThenFinedAtDeadline(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.register(t, vehicleID, "Engineering", model.StateElsewhere)

	ep := h.read(t, vehicleID)
	require.NotNil(t, ep)
	require.Equal(t, "improperly parked in Walker", ep.Description)
	require.Equal(t, model.StatusActive, ep.Status)

	h.clock.Advance(60 * time.Second)
	require.Eventually(t, func() bool { return h.outbox.count(notify.KindWarning) == 1 }, waitFor, tick)
	got, ok := h.active(vehicleID)
	require.True(t, ok)
	require.Equal(t, model.StatusEscalating, got.Status)

	h.clock.Advance(59 * time.Second)
	time.Sleep(20 * time.Millisecond)
	_, ok = h.active(vehicleID)
	require.True(t, ok, "fined before the deadline")
	require.Empty(t, h.history(t, vehicleID))

	h.clock.Advance(time.Second)
	require.Eventually(t, func() bool { return len(h.history(t, vehicleID)) == 1 }, waitFor, tick)
	require.Eventually(t, func() bool { return h.outbox.count(notify.KindFine) == 1 }, waitFor, tick)
	_, ok = h.active(vehicleID)
	require.False(t, ok)

	fined := h.history(t, vehicleID)[0]
	require.Equal(t, ep.ID, fined.ID)
	require.Equal(t, model.StatusResolvedFined, fined.Status)
	require.True(t, fined.ResolvedAt.Equal(t0.Add(120*time.Second)))
	require.Equal(t, int64(1), h.metrics.Get(metrics.EpisodesFined))
	require.False(t, h.eng.Registry().IsOpen(vehicleID))
}

func TestVehicleThatLeavesIsCancelled(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.register(t, vehicleID, "Engineering", model.StateElsewhere)

	require.NotNil(t, h.read(t, vehicleID))
	h.clock.Advance(5 * time.Second)
	require.Nil(t, h.read(t, vehicleID))

	h.clock.Advance(115 * time.Second)
	require.Eventually(t, func() bool { return h.metrics.Get(metrics.EpisodesCancelled) == 1 }, waitFor, tick)
	_, ok := h.active(vehicleID)
	require.False(t, ok)
	require.Empty(t, h.history(t, vehicleID))
	require.Zero(t, h.outbox.count(notify.KindWarning))
	require.Zero(t, h.outbox.count(notify.KindFine))
}

func TestUnregisteredVehicleIsCancelled(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.register(t, vehicleID, "Engineering", model.StateRestricted)

	ep, err := h.eng.Evaluate(context.Background(), vehicleID)
	require.NoError(t, err)
	require.NotNil(t, ep)

	// the vehicle is unknown to this store
	other := storage.NewMemory()
	require.NoError(t, other.InsertActiveViolation(context.Background(), *ep))
	h2 := newHarness(t, testConfig(), func(*storage.MemoryStore) storage.Store { return other })
	outcome, err := h2.eng.Finalize(context.Background(), vehicleID, ep.ID)
	require.NoError(t, err)
	require.Equal(t, OutcomeCancelled, outcome)
	_, err = other.GetActiveViolation(context.Background(), vehicleID)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestAuthorizedVehicleNeverOpens(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.register(t, vehicleID, "walker ", model.StateElsewhere)

	require.Nil(t, h.read(t, vehicleID))
	_, ok := h.active(vehicleID)
	require.False(t, ok)
	require.Zero(t, h.metrics.Get(metrics.EpisodesOpened))
}

func TestUnknownAndShortTagsAreDropped(t *testing.T) {
	h := newHarness(t, testConfig(), nil)

	require.Nil(t, h.read(t, "V999999999"))
	require.Equal(t, int64(1), h.metrics.Get(metrics.UnknownTags))
	require.Len(t, h.activity.ForVehicle("V999999999"), 1)

	require.Nil(t, h.read(t, "V1"))
	require.Equal(t, int64(1), h.metrics.Get(metrics.EventsDropped))
}

func TestConcurrentEvaluationsOpenOneEpisode(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.register(t, vehicleID, "Engineering", model.StateRestricted)

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		opened int
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ep, err := h.eng.Evaluate(context.Background(), vehicleID)
			assert.NoError(t, err)
			if ep != nil {
				mu.Lock()
				opened++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, opened)
	all, err := h.mem.ListActiveViolations(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, int64(1), h.metrics.Get(metrics.EpisodesOpened))
	require.Equal(t, 1, h.eng.timers.pending())
	require.Zero(t, h.eng.locks.size())
}

func TestSweepAndFinalizeRaceWithTagReads(t *testing.T) {
	cfg := pollConfig()
	cfg.Violation.Cooldown = 0
	h := newHarness(t, cfg, nil)
	h.register(t, vehicleID, "Engineering", model.StateElsewhere)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				_, err := h.eng.ProcessEvent(ctx, model.TagEvent{Identity: vehicleID, Source: "test"})
				assert.NoError(t, err)
			}
		}()
	}
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				h.clock.Advance(10 * time.Second)
				h.eng.Sweep(ctx)
				_, err := h.eng.Finalize(ctx, vehicleID, "")
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	all, err := h.mem.ListHistory(ctx, vehicleID, 1000)
	require.NoError(t, err)
	seen := map[string]bool{}
	for _, ep := range all {
		require.False(t, seen[ep.ID], "episode %s resolved twice", ep.ID)
		seen[ep.ID] = true
	}
	stillOpen := 0
	if _, ok := h.active(vehicleID); ok {
		stillOpen = 1
	}
	fined := h.metrics.Get(metrics.EpisodesFined)
	require.Equal(t, int64(len(all)), fined)
	require.Equal(t, int(fined), h.outbox.count(notify.KindFine))
	require.Equal(t, h.metrics.Get(metrics.EpisodesOpened), fined+h.metrics.Get(metrics.EpisodesCancelled)+int64(stillOpen))
	require.Zero(t, h.eng.locks.size())
}

func TestFinalizeIsIdempotent(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.register(t, vehicleID, "Engineering", model.StateRestricted)
	ep, err := h.eng.Evaluate(context.Background(), vehicleID)
	require.NoError(t, err)
	require.NotNil(t, ep)

	outcome, err := h.eng.Finalize(context.Background(), vehicleID, ep.ID)
	require.NoError(t, err)
	require.Equal(t, OutcomeFined, outcome)

	outcome, err = h.eng.Finalize(context.Background(), vehicleID, ep.ID)
	require.NoError(t, err)
	require.Equal(t, OutcomeNoop, outcome)

	require.Len(t, h.history(t, vehicleID), 1)
	require.Equal(t, 1, h.outbox.count(notify.KindFine))
	require.Equal(t, int64(1), h.metrics.Get(metrics.ResolutionNoops))
}

func TestFinalizeIgnoresOtherEpisode(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.register(t, vehicleID, "Engineering", model.StateRestricted)
	ep, err := h.eng.Evaluate(context.Background(), vehicleID)
	require.NoError(t, err)
	require.NotNil(t, ep)

	outcome, err := h.eng.Finalize(context.Background(), vehicleID, "some-older-episode")
	require.NoError(t, err)
	require.Equal(t, OutcomeNoop, outcome)
	_, ok := h.active(vehicleID)
	require.True(t, ok)
}

func TestCooldownAfterFine(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.register(t, vehicleID, "Engineering", model.StateElsewhere)

	require.NotNil(t, h.read(t, vehicleID))
	h.clock.Advance(120 * time.Second)
	require.Eventually(t, func() bool { return len(h.history(t, vehicleID)) == 1 }, waitFor, tick)

	require.Nil(t, h.read(t, vehicleID)) // leaves
	h.clock.Advance(29 * time.Minute)
	require.Nil(t, h.read(t, vehicleID)) // back inside the cooldown
	require.Equal(t, int64(1), h.metrics.Get(metrics.SuppressedCooldown))
	_, ok := h.active(vehicleID)
	require.False(t, ok)

	require.Nil(t, h.read(t, vehicleID))
	h.clock.Advance(2 * time.Minute)
	require.NotNil(t, h.read(t, vehicleID))
	require.Equal(t, int64(2), h.metrics.Get(metrics.EpisodesOpened))
}

func TestRecoverReschedulesPersistedEpisode(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.register(t, vehicleID, "Engineering", model.StateRestricted)
	ep := model.Episode{
		ID:          "ep-1",
		VehicleID:   vehicleID,
		OpenedAt:    t0.Add(-100 * time.Second),
		Description: "improperly parked in Walker",
		Status:      model.StatusEscalating,
	}
	require.NoError(t, h.mem.InsertActiveViolation(context.Background(), ep))

	n, err := h.eng.Recover(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	entry, ok := h.eng.Registry().Get(vehicleID)
	require.True(t, ok)
	require.True(t, entry.Scheduled)
	require.True(t, entry.Warned)

	n, err = h.eng.Recover(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, 1, h.eng.timers.pending())

	h.clock.Advance(19 * time.Second)
	time.Sleep(20 * time.Millisecond)
	require.Empty(t, h.history(t, vehicleID))

	h.clock.Advance(time.Second)
	require.Eventually(t, func() bool { return len(h.history(t, vehicleID)) == 1 }, waitFor, tick)
	require.Zero(t, h.outbox.count(notify.KindWarning))
	require.Eventually(t, func() bool { return h.outbox.count(notify.KindFine) == 1 }, waitFor, tick)
}

func TestRecoverFinalizesOverdueEpisodeImmediately(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.register(t, vehicleID, "Engineering", model.StateRestricted)
	require.NoError(t, h.mem.InsertActiveViolation(context.Background(), model.Episode{
		ID:        "ep-old",
		VehicleID: vehicleID,
		OpenedAt:  t0.Add(-10 * time.Minute),
		Status:    model.StatusActive,
	}))

	_, err := h.eng.Recover(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(h.history(t, vehicleID)) == 1 }, waitFor, tick)
	require.Zero(t, h.outbox.count(notify.KindWarning))
}

type flakyStore struct {
	*storage.MemoryStore
	mu       sync.Mutex
	failures int
}

func (f *flakyStore) CopyActiveToHistory(ctx context.Context, id string, status model.EpisodeStatus, at time.Time) error {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return errors.New("database is locked")
	}
	f.mu.Unlock()
	return f.MemoryStore.CopyActiveToHistory(ctx, id, status, at)
}

func TestFailedFinalIsRescheduledOnNextDetection(t *testing.T) {
	h := newHarness(t, testConfig(), func(m *storage.MemoryStore) storage.Store {
		return &flakyStore{MemoryStore: m, failures: 1}
	})
	h.register(t, vehicleID, "Engineering", model.StateRestricted)
	ep, err := h.eng.Evaluate(context.Background(), vehicleID)
	require.NoError(t, err)
	require.NotNil(t, ep)

	h.clock.Advance(120 * time.Second)
	require.Eventually(t, func() bool {
		return h.metrics.Get(metrics.StoreErrors) == 1 && !h.eng.Registry().IsScheduled(vehicleID)
	}, waitFor, tick)
	_, ok := h.active(vehicleID)
	require.True(t, ok)
	require.Empty(t, h.history(t, vehicleID))

	again, err := h.eng.Evaluate(context.Background(), vehicleID)
	require.NoError(t, err)
	require.Nil(t, again)
	require.Equal(t, int64(1), h.metrics.Get(metrics.Rescheduled))
	require.Eventually(t, func() bool { return len(h.history(t, vehicleID)) == 1 }, waitFor, tick)
	require.Equal(t, ep.ID, h.history(t, vehicleID)[0].ID)
}

func TestPollModeSweepsDueEpisodes(t *testing.T) {
	h := newHarness(t, pollConfig(), nil)
	h.register(t, vehicleID, "Engineering", model.StateRestricted)
	h.register(t, "V100000002", "Walker", model.StateRestricted)
	h.register(t, "V100000003", "Engineering", model.StateElsewhere)

	res := h.eng.PollOnce(context.Background())
	require.Equal(t, SweepResult{}, res)
	require.True(t, h.eng.Registry().IsOpen(vehicleID))
	require.False(t, h.eng.Registry().IsOpen("V100000002"))
	require.Zero(t, h.eng.timers.pending())

	h.clock.Advance(29 * time.Second)
	require.Equal(t, SweepResult{}, h.eng.PollOnce(context.Background()))
	require.Equal(t, int64(1), h.metrics.Get(metrics.SuppressedOpen))

	h.clock.Advance(time.Second)
	res = h.eng.PollOnce(context.Background())
	require.Equal(t, 1, res.Fined)
	require.Len(t, h.history(t, vehicleID), 1)
	require.Equal(t, 1, h.outbox.count(notify.KindFine))
	require.Zero(t, h.outbox.count(notify.KindWarning))

	// still parked, but the cooldown holds it off
	res = h.eng.PollOnce(context.Background())
	require.Equal(t, SweepResult{}, res)
	require.Equal(t, int64(1), h.metrics.Get(metrics.SuppressedCooldown))
}

func TestPollModeAdoptsUntrackedEpisode(t *testing.T) {
	h := newHarness(t, pollConfig(), nil)
	h.register(t, vehicleID, "Engineering", model.StateElsewhere)
	require.NoError(t, h.mem.InsertActiveViolation(context.Background(), model.Episode{
		ID:        "ep-orphan",
		VehicleID: vehicleID,
		OpenedAt:  t0.Add(-time.Minute),
		Status:    model.StatusActive,
	}))

	res := h.eng.PollOnce(context.Background())
	require.Equal(t, 1, res.Cancelled)
	_, ok := h.active(vehicleID)
	require.False(t, ok)
}

func TestSweepWarnsInPollMode(t *testing.T) {
	cfg := pollConfig()
	cfg.Violation.WarningDelay = 10 * time.Second
	h := newHarness(t, cfg, nil)
	h.register(t, vehicleID, "Engineering", model.StateRestricted)

	h.eng.PollOnce(context.Background())
	h.clock.Advance(10 * time.Second)
	res := h.eng.PollOnce(context.Background())
	require.Equal(t, 1, res.Warned)
	res = h.eng.PollOnce(context.Background())
	require.Zero(t, res.Warned)
	require.Equal(t, 1, h.outbox.count(notify.KindWarning))
}

func TestSwitchToTimerModeArmsTrackedEpisodes(t *testing.T) {
	h := newHarness(t, pollConfig(), nil)
	h.register(t, vehicleID, "Engineering", model.StateRestricted)
	h.eng.PollOnce(context.Background())
	require.True(t, h.eng.Registry().IsOpen(vehicleID))
	require.Zero(t, h.eng.timers.pending())

	next := pollConfig()
	next.Violation.Mode = config.ModeTimer
	h.eng.UpdateConfig(next)
	require.Equal(t, 1, h.eng.timers.pending())

	h.clock.Advance(30 * time.Second)
	require.Eventually(t, func() bool { return len(h.history(t, vehicleID)) == 1 }, waitFor, tick)
}

func TestRecordEventToggles(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.register(t, vehicleID, "Engineering", model.StateElsewhere)

	state, err := h.eng.RecordEvent(context.Background(), vehicleID)
	require.NoError(t, err)
	require.Equal(t, model.StateRestricted, state)
	state, err = h.eng.RecordEvent(context.Background(), vehicleID)
	require.NoError(t, err)
	require.Equal(t, model.StateElsewhere, state)

	_, err = h.eng.RecordEvent(context.Background(), "V999999999")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestEpisodeTransitions(t *testing.T) {
	ep := model.Episode{ID: "ep", Status: model.StatusActive}
	require.NoError(t, transition(&ep, eventEscalate))
	require.Equal(t, model.StatusEscalating, ep.Status)
	require.Error(t, transition(&ep, eventEscalate))
	require.NoError(t, transition(&ep, eventFine))
	require.Equal(t, model.StatusResolvedFined, ep.Status)
	require.Error(t, transition(&ep, eventCancel))

	legacy := model.Episode{ID: "old"}
	require.NoError(t, transition(&legacy, eventCancel))
	require.Equal(t, model.StatusResolvedCancelled, legacy.Status)
}
