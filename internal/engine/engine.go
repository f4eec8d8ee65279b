package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"parkwatch/internal/activity"
	"parkwatch/internal/capture"
	"parkwatch/internal/config"
	"parkwatch/internal/logging"
	"parkwatch/internal/metrics"
	"parkwatch/internal/model"
	"parkwatch/internal/notify"
	"parkwatch/internal/storage"
)

// Outbox accepts notifications without blocking the caller. notify.Dispatcher
// satisfies it.
type Outbox interface {
	Dispatch(msg notify.Message) bool
}

type Deps struct {
	Logger   *slog.Logger
	Metrics  *metrics.Store
	Activity *activity.Store
	Store    storage.Store
	Outbox   Outbox
	Capturer capture.Capturer
	Clock    clockwork.Clock
}

type Engine struct {
	logger   *slog.Logger
	metrics  *metrics.Store
	activity *activity.Store
	store    storage.Store
	outbox   Outbox
	capturer capture.Capturer
	clock    clockwork.Clock
	cfg      atomic.Value

	locks    *keyLock
	registry *Registry
	timers   *timerScheduler
	polling  pollScheduler
	quiet    *Cooldown
	started  time.Time

	mu      sync.Mutex
	baseCtx context.Context
	cancel  context.CancelFunc
}

func NewEngine(cfg *config.Config, deps Deps) *Engine {
	if deps.Logger == nil {
		deps.Logger = logging.Discard()
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Capturer == nil {
		deps.Capturer = capture.Noop{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		logger:   deps.Logger,
		metrics:  deps.Metrics,
		activity: deps.Activity,
		store:    deps.Store,
		outbox:   deps.Outbox,
		capturer: deps.Capturer,
		clock:    deps.Clock,
		locks:    newKeyLock(),
		registry: NewRegistry(),
		quiet:    NewCooldown(),
		started:  deps.Clock.Now().UTC(),
		baseCtx:  ctx,
		cancel:   cancel,
	}
	e.timers = newTimerScheduler(e.clock, e.onWarningTimer, e.onFinalTimer)
	e.cfg.Store(cfg)
	return e
}

func (e *Engine) UpdateConfig(cfg *config.Config) {
	prev := e.config()
	e.cfg.Store(cfg)
	if prev.Violation.Mode != cfg.Violation.Mode {
		e.logger.Info("violation mode changed", "from", prev.Violation.Mode, "to", cfg.Violation.Mode)
		if cfg.Violation.Mode == config.ModeTimer {
			e.armTracked(cfg)
		}
	}
}

// armTracked gives every tracked episode timers after a switch out of poll
// mode.
func (e *Engine) armTracked(cfg *config.Config) {
	for _, entry := range e.registry.Snapshot() {
		ep := model.Episode{
			ID:        entry.EpisodeID,
			VehicleID: entry.VehicleID,
			OpenedAt:  entry.OpenedAt,
			Status:    model.StatusActive,
		}
		if entry.Warned {
			ep.Status = model.StatusEscalating
		}
		e.timers.Schedule(ep, cfg.Violation)
	}
}

func (e *Engine) config() *config.Config {
	if v := e.cfg.Load(); v != nil {
		return v.(*config.Config)
	}
	return config.DefaultConfig()
}

func (e *Engine) Config() *config.Config {
	return e.config()
}

func (e *Engine) Registry() *Registry {
	return e.registry
}

func (e *Engine) Started() time.Time {
	return e.started
}

func (e *Engine) scheduler(cfg *config.Config) Scheduler {
	if cfg.Violation.Mode == config.ModePoll {
		return e.polling
	}
	return e.timers
}

func (e *Engine) base() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.baseCtx
}

// opContext bounds one action's round trips to the store.
func (e *Engine) opContext(ctx context.Context, cfg *config.Config) (context.Context, context.CancelFunc) {
	if cfg.Storage.OpTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, cfg.Storage.OpTimeout)
}

// Run consumes tag events and, in poll mode, runs the periodic sweep until ctx
// is cancelled. Pending timers are stopped on return.
func (e *Engine) Run(ctx context.Context, in <-chan model.TagEvent) error {
	e.mu.Lock()
	if e.cancel != nil {
		e.cancel()
	}
	e.baseCtx, e.cancel = context.WithCancel(ctx)
	e.mu.Unlock()
	defer e.Close()

	interval := e.config().Violation.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := e.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case ev, ok := <-in:
			if !ok {
				return nil
			}
			if _, err := e.ProcessEvent(ctx, ev); err != nil {
				e.logger.Error("process event", "vehicle_id", ev.Identity, "err", err)
			}
		case <-ticker.Chan():
			if e.config().Violation.Mode == config.ModePoll {
				e.PollOnce(ctx)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// PollOnce re-evaluates every vehicle currently in the restricted zone and
// then sweeps due episodes.
func (e *Engine) PollOnce(ctx context.Context) SweepResult {
	cfg := e.config()
	opCtx, cancel := e.opContext(ctx, cfg)
	vehicles, err := e.store.ListVehicles(opCtx)
	cancel()
	if err != nil {
		e.storeError("list vehicles", "", err)
	}
	for _, v := range vehicles {
		if ctx.Err() != nil {
			return SweepResult{}
		}
		if v.State != model.StateRestricted {
			continue
		}
		if _, err := e.Evaluate(ctx, v.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			e.logger.Error("evaluate vehicle", "vehicle_id", v.ID, "err", err)
		}
	}
	e.adoptUntracked(ctx, cfg)
	return e.Sweep(ctx)
}

// adoptUntracked tracks persisted episodes the registry lost, for example
// after a failed final action on a vehicle that has since left the zone.
func (e *Engine) adoptUntracked(ctx context.Context, cfg *config.Config) {
	opCtx, cancel := e.opContext(ctx, cfg)
	defer cancel()
	episodes, err := e.store.ListActiveViolations(opCtx)
	if err != nil {
		e.storeError("list active violations", "", err)
		return
	}
	for _, ep := range episodes {
		if e.registry.IsScheduled(ep.VehicleID) {
			continue
		}
		e.track(cfg, ep)
		e.metrics.Inc(metrics.Rescheduled)
	}
}

// Recover rebuilds the registry from the persisted active episodes and
// schedules their remaining deadlines.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	cfg := e.config()
	opCtx, cancel := e.opContext(ctx, cfg)
	defer cancel()
	episodes, err := e.store.ListActiveViolations(opCtx)
	if err != nil {
		e.storeError("list active violations", "", err)
		return 0, err
	}
	e.registry.Reset()
	for _, ep := range episodes {
		e.track(cfg, ep)
	}
	e.logger.Info("registry recovered", "open_episodes", len(episodes), "mode", cfg.Violation.Mode)
	return len(episodes), nil
}

// Reset clears in-memory state and recovers it from the store.
func (e *Engine) Reset(ctx context.Context) (int, error) {
	e.quiet.Reset()
	return e.Recover(ctx)
}

func (e *Engine) Close() {
	e.timers.Stop()
	e.mu.Lock()
	if e.cancel != nil {
		e.cancel()
	}
	e.mu.Unlock()
}

func (e *Engine) track(cfg *config.Config, ep model.Episode) {
	e.registry.Add(ep.VehicleID, ep.ID, ep.OpenedAt)
	e.scheduler(cfg).Schedule(ep, cfg.Violation)
	e.registry.SetScheduled(ep.VehicleID, true)
	if ep.Status == model.StatusEscalating {
		e.registry.MarkWarned(ep.VehicleID)
	}
}

func (e *Engine) onWarningTimer(vehicleID, episodeID string) {
	if _, err := e.Warn(e.base(), vehicleID, episodeID); err != nil {
		e.logger.Error("warning action failed", "vehicle_id", vehicleID, "episode_id", episodeID, "err", err)
	}
}

func (e *Engine) onFinalTimer(vehicleID, episodeID string) {
	if _, err := e.Finalize(e.base(), vehicleID, episodeID); err != nil {
		// the next detection pass for this vehicle reschedules it
		e.registry.SetScheduled(vehicleID, false)
		e.logger.Error("final action failed", "vehicle_id", vehicleID, "episode_id", episodeID, "err", err)
	}
}

func (e *Engine) captureAsync(identity string, at time.Time) {
	if _, ok := e.capturer.(capture.Noop); ok {
		return
	}
	timeout := e.config().Capture.Timeout
	base := e.base()
	go func() {
		ctx, cancel := context.WithTimeout(base, timeout)
		defer cancel()
		if err := e.capturer.Capture(ctx, identity, at); err != nil {
			e.metrics.Inc(metrics.CaptureFailed)
			e.logger.Warn("capture request failed", "vehicle_id", identity, "err", err)
		}
	}()
}

func (e *Engine) dispatch(msg notify.Message) {
	if e.outbox == nil {
		return
	}
	e.outbox.Dispatch(msg)
}

func (e *Engine) record(kind model.ActivityKind, vehicleID, episodeID string, ctx map[string]string) {
	if e.activity == nil {
		return
	}
	e.activity.Add(model.Activity{
		Timestamp: e.clock.Now().UTC(),
		Kind:      kind,
		VehicleID: vehicleID,
		EpisodeID: episodeID,
		Context:   ctx,
	})
}

func (e *Engine) storeError(op, vehicleID string, err error) {
	e.metrics.Inc(metrics.StoreErrors)
	e.logger.Error("store operation failed", "op", op, "vehicle_id", vehicleID, "err", err)
}

// Tracked lists the episodes this process is tracking.
func (e *Engine) Tracked() []Entry {
	return e.registry.Snapshot()
}
