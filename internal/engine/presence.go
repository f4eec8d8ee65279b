package engine

import (
	"context"
	"errors"
	"strings"

	"parkwatch/internal/metrics"
	"parkwatch/internal/model"
	"parkwatch/internal/storage"
)

// ProcessEvent toggles the vehicle's location and evaluates it, all while
// holding the vehicle's lock. It returns the episode it opened, if any.
// Unregistered tags are logged and dropped.
func (e *Engine) ProcessEvent(ctx context.Context, ev model.TagEvent) (*model.Episode, error) {
	cfg := e.config()
	identity := strings.TrimSpace(ev.Identity)
	e.metrics.Inc(metrics.EventsReceived)
	if identity == "" || len(identity) < cfg.Ingest.MinTagLength {
		e.metrics.Inc(metrics.EventsDropped)
		return nil, nil
	}

	unlock := e.locks.Lock(identity)
	defer unlock()
	opCtx, cancel := e.opContext(ctx, cfg)
	defer cancel()

	v, err := e.toggleLocked(opCtx, identity)
	if errors.Is(err, storage.ErrNotFound) {
		e.metrics.Inc(metrics.UnknownTags)
		e.logger.Info("tag not registered", "vehicle_id", identity, "source", ev.Source)
		e.record(model.ActivityUnknownTag, identity, "", map[string]string{"source": ev.Source})
		return nil, nil
	}
	if err != nil {
		e.storeError("toggle location", identity, err)
		return nil, err
	}
	e.logger.Debug("location toggled", "vehicle_id", identity, "state", v.State, "source", ev.Source)

	at := ev.Timestamp
	if at.IsZero() {
		at = v.UpdatedAt
	}
	e.captureAsync(identity, at)

	return e.evaluateLocked(opCtx, cfg, v)
}

// RecordEvent flips the stored location of a vehicle and returns the new
// state.
func (e *Engine) RecordEvent(ctx context.Context, identity string) (model.LocationState, error) {
	cfg := e.config()
	unlock := e.locks.Lock(identity)
	defer unlock()
	opCtx, cancel := e.opContext(ctx, cfg)
	defer cancel()
	v, err := e.toggleLocked(opCtx, identity)
	if err != nil {
		return "", err
	}
	return v.State, nil
}

func (e *Engine) toggleLocked(ctx context.Context, identity string) (model.Vehicle, error) {
	v, err := e.store.LookupVehicle(ctx, identity)
	if err != nil {
		return model.Vehicle{}, err
	}
	next := v.State.Toggle()
	now := e.clock.Now().UTC()
	if err := e.store.SetLocationState(ctx, identity, next, now); err != nil {
		return model.Vehicle{}, err
	}
	v.State = next
	v.UpdatedAt = now
	return v, nil
}

// SyncVehicle writes one directory entry under the vehicle's lock, so a tag
// read cannot land between the lookup and the write. The stored location is
// kept unless setState is true. It reports whether the vehicle was new.
func (e *Engine) SyncVehicle(ctx context.Context, v model.Vehicle, setState bool) (model.Vehicle, bool, error) {
	cfg := e.config()
	unlock := e.locks.Lock(v.ID)
	defer unlock()
	opCtx, cancel := e.opContext(ctx, cfg)
	defer cancel()

	created := false
	existing, err := e.store.LookupVehicle(opCtx, v.ID)
	switch {
	case err == nil:
		if !setState {
			v.State = existing.State
			v.UpdatedAt = existing.UpdatedAt
		}
	case errors.Is(err, storage.ErrNotFound):
		created = true
		if !setState {
			v.State = model.StateElsewhere
		}
	default:
		e.storeError("lookup vehicle", v.ID, err)
		return model.Vehicle{}, false, err
	}
	if setState || v.UpdatedAt.IsZero() {
		v.UpdatedAt = e.clock.Now().UTC()
	}
	if err := e.store.UpsertVehicle(opCtx, v); err != nil {
		e.storeError("upsert vehicle", v.ID, err)
		return model.Vehicle{}, false, err
	}
	e.logger.Debug("vehicle synced", "vehicle_id", v.ID, "created", created, "state", v.State)
	return v, created, nil
}
