package engine

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"parkwatch/internal/config"
	"parkwatch/internal/metrics"
	"parkwatch/internal/model"
	"parkwatch/internal/storage"
)

// Evaluate decides whether the vehicle's current state opens a violation.
func (e *Engine) Evaluate(ctx context.Context, identity string) (*model.Episode, error) {
	cfg := e.config()
	unlock := e.locks.Lock(identity)
	defer unlock()
	opCtx, cancel := e.opContext(ctx, cfg)
	defer cancel()

	v, err := e.store.LookupVehicle(opCtx, identity)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			e.storeError("lookup vehicle", identity, err)
		}
		return nil, err
	}
	return e.evaluateLocked(opCtx, cfg, v)
}

// evaluateLocked applies, in order: the post-fine cooldown, the at-most-one
// open episode rule, and the violation condition. The cooldown only matters
// for a vehicle that would otherwise violate. The caller holds the vehicle's
// lock.
func (e *Engine) evaluateLocked(ctx context.Context, cfg *config.Config, v model.Vehicle) (*model.Episode, error) {
	policy := cfg.Violation
	now := e.clock.Now().UTC()
	violating := violates(v, policy.RestrictedZone)

	if violating && policy.Cooldown > 0 {
		recent, err := e.store.HasRecentFinalizedViolation(ctx, v.ID, now.Add(-policy.Cooldown))
		if err != nil {
			e.storeError("check cooldown", v.ID, err)
			return nil, err
		}
		if recent {
			e.metrics.Inc(metrics.SuppressedCooldown)
			if e.quiet.AllowKey("cooldown|"+v.ID, policy.Cooldown, now) {
				e.logger.Info("violation suppressed by cooldown", "vehicle_id", v.ID, "cooldown", policy.Cooldown)
				e.record(model.ActivitySuppressedCooldown, v.ID, "", nil)
			}
			return nil, nil
		}
	}

	open, err := e.attachOpen(ctx, cfg, v.ID)
	if err != nil {
		return nil, err
	}
	if open != nil {
		e.metrics.Inc(metrics.SuppressedOpen)
		if e.quiet.AllowKey("open|"+open.ID, policy.FinalDelay, now) {
			e.logger.Info("violation already open", "vehicle_id", v.ID, "episode_id", open.ID)
			e.record(model.ActivitySuppressedOpen, v.ID, open.ID, nil)
		}
		return nil, nil
	}

	if !violating {
		return nil, nil
	}

	ep := model.Episode{
		ID:          uuid.NewString(),
		VehicleID:   v.ID,
		OpenedAt:    now,
		Description: policy.ViolationText(),
		Status:      model.StatusActive,
	}
	if err := e.store.InsertActiveViolation(ctx, ep); err != nil {
		if errors.Is(err, storage.ErrAlreadyOpen) {
			e.metrics.Inc(metrics.SuppressedOpen)
			e.logger.Info("violation already open", "vehicle_id", v.ID)
			return nil, nil
		}
		e.storeError("insert active violation", v.ID, err)
		return nil, err
	}
	e.track(cfg, ep)
	e.metrics.Inc(metrics.EpisodesOpened)
	e.record(model.ActivityOpened, v.ID, ep.ID, map[string]string{
		"authorized_zone": v.AuthorizedZone,
		"restricted_zone": policy.RestrictedZone,
	})
	e.logger.Warn("violation opened",
		"vehicle_id", v.ID,
		"episode_id", ep.ID,
		"authorized_zone", v.AuthorizedZone,
		"restricted_zone", policy.RestrictedZone,
		"final_at", ep.OpenedAt.Add(policy.FinalDelay),
	)
	return &ep, nil
}

// attachOpen returns the vehicle's open episode, if any. An episode that is
// persisted but has no local timers (after a restart or a failed final action)
// is scheduled again here. A registry entry without a persisted episode is
// stale and dropped.
func (e *Engine) attachOpen(ctx context.Context, cfg *config.Config, vehicleID string) (*model.Episode, error) {
	entry, known := e.registry.Get(vehicleID)
	if known && entry.Scheduled {
		return &model.Episode{ID: entry.EpisodeID, VehicleID: vehicleID, OpenedAt: entry.OpenedAt}, nil
	}
	ep, err := e.store.GetActiveViolation(ctx, vehicleID)
	if errors.Is(err, storage.ErrNotFound) {
		if known {
			e.registry.Remove(vehicleID)
		}
		return nil, nil
	}
	if err != nil {
		e.storeError("get active violation", vehicleID, err)
		return nil, err
	}
	e.track(cfg, ep)
	e.metrics.Inc(metrics.Rescheduled)
	e.logger.Info("open violation rescheduled", "vehicle_id", vehicleID, "episode_id", ep.ID, "opened_at", ep.OpenedAt)
	return &ep, nil
}

func violates(v model.Vehicle, restrictedZone string) bool {
	if v.State != model.StateRestricted {
		return false
	}
	return !strings.EqualFold(strings.TrimSpace(v.AuthorizedZone), strings.TrimSpace(restrictedZone))
}
