package engine

import (
	"context"
	"errors"

	"parkwatch/internal/config"
	"parkwatch/internal/metrics"
	"parkwatch/internal/model"
	"parkwatch/internal/notify"
	"parkwatch/internal/storage"
)

type Outcome string

const (
	OutcomeNoop      Outcome = "noop"
	OutcomeWarned    Outcome = "warned"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeFined     Outcome = "fined"
)

type SweepResult struct {
	Warned    int `json:"warned"`
	Fined     int `json:"fined"`
	Cancelled int `json:"cancelled"`
	Noops     int `json:"noops"`
	Failed    int `json:"failed"`
}

// Warn sends the early warning for an episode whose vehicle is still in the
// restricted zone. An empty episodeID matches whatever episode is open.
func (e *Engine) Warn(ctx context.Context, vehicleID, episodeID string) (Outcome, error) {
	cfg := e.config()
	unlock := e.locks.Lock(vehicleID)
	defer unlock()
	opCtx, cancel := e.opContext(ctx, cfg)
	defer cancel()

	ep, err := e.store.GetActiveViolation(opCtx, vehicleID)
	if errors.Is(err, storage.ErrNotFound) {
		return OutcomeNoop, nil
	}
	if err != nil {
		e.storeError("get active violation", vehicleID, err)
		return OutcomeNoop, err
	}
	if episodeID != "" && ep.ID != episodeID {
		return OutcomeNoop, nil
	}
	if ep.Status == model.StatusEscalating {
		return OutcomeNoop, nil
	}
	v, err := e.store.LookupVehicle(opCtx, vehicleID)
	if errors.Is(err, storage.ErrNotFound) {
		return OutcomeNoop, nil
	}
	if err != nil {
		e.storeError("lookup vehicle", vehicleID, err)
		return OutcomeNoop, err
	}
	if v.State != model.StateRestricted {
		return OutcomeNoop, nil
	}
	if err := transition(&ep, eventEscalate); err != nil {
		return OutcomeNoop, err
	}
	if err := e.store.SetActiveStatus(opCtx, vehicleID, ep.Status); err != nil {
		e.storeError("set active status", vehicleID, err)
		return OutcomeNoop, err
	}
	e.registry.MarkWarned(vehicleID)

	now := e.clock.Now().UTC()
	remaining := ep.OpenedAt.Add(cfg.Violation.FinalDelay).Sub(now)
	msg, err := notify.WarningMessage(v, ep, remaining, cfg.Notify.Signature)
	if err != nil {
		e.logger.Error("render warning", "vehicle_id", vehicleID, "err", err)
	} else {
		e.dispatch(msg)
	}
	e.metrics.Inc(metrics.WarningsSent)
	e.record(model.ActivityWarned, vehicleID, ep.ID, nil)
	e.logger.Info("violation warning issued", "vehicle_id", vehicleID, "episode_id", ep.ID, "remaining", remaining)
	return OutcomeWarned, nil
}

// Finalize resolves an open episode: fined when the vehicle is still in the
// restricted zone, cancelled when it has left or is no longer registered.
// Finalizing an episode that is no longer open is a no-op. An empty episodeID
// matches whatever episode is open.
func (e *Engine) Finalize(ctx context.Context, vehicleID, episodeID string) (Outcome, error) {
	cfg := e.config()
	unlock := e.locks.Lock(vehicleID)
	defer unlock()
	opCtx, cancel := e.opContext(ctx, cfg)
	defer cancel()
	return e.finalizeLocked(opCtx, cfg, vehicleID, episodeID)
}

func (e *Engine) finalizeLocked(ctx context.Context, cfg *config.Config, vehicleID, episodeID string) (Outcome, error) {
	ep, err := e.store.GetActiveViolation(ctx, vehicleID)
	if errors.Is(err, storage.ErrNotFound) {
		e.registry.RemoveEpisode(vehicleID, episodeID)
		e.metrics.Inc(metrics.ResolutionNoops)
		return OutcomeNoop, nil
	}
	if err != nil {
		e.storeError("get active violation", vehicleID, err)
		return OutcomeNoop, err
	}
	if episodeID != "" && ep.ID != episodeID {
		e.metrics.Inc(metrics.ResolutionNoops)
		return OutcomeNoop, nil
	}

	now := e.clock.Now().UTC()
	v, err := e.store.LookupVehicle(ctx, vehicleID)
	gone := errors.Is(err, storage.ErrNotFound)
	if err != nil && !gone {
		e.storeError("lookup vehicle", vehicleID, err)
		return OutcomeNoop, err
	}

	if gone || v.State != model.StateRestricted {
		if err := transition(&ep, eventCancel); err != nil {
			return OutcomeNoop, err
		}
		if err := e.store.DeleteActiveViolation(ctx, vehicleID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			e.storeError("delete active violation", vehicleID, err)
			return OutcomeNoop, err
		}
		e.registry.RemoveEpisode(vehicleID, ep.ID)
		e.metrics.Inc(metrics.EpisodesCancelled)
		e.record(model.ActivityCancelled, vehicleID, ep.ID, map[string]string{"registered": boolString(!gone)})
		e.logger.Info("violation cancelled", "vehicle_id", vehicleID, "episode_id", ep.ID, "registered", !gone)
		return OutcomeCancelled, nil
	}

	if err := transition(&ep, eventFine); err != nil {
		return OutcomeNoop, err
	}
	if err := e.store.CopyActiveToHistory(ctx, vehicleID, ep.Status, now); err != nil {
		e.storeError("copy to history", vehicleID, err)
		return OutcomeNoop, err
	}
	if err := e.store.DeleteActiveViolation(ctx, vehicleID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		e.storeError("delete active violation", vehicleID, err)
		return OutcomeNoop, err
	}
	e.registry.RemoveEpisode(vehicleID, ep.ID)
	ep.ResolvedAt = now

	msg, err := notify.FineMessage(v, ep, cfg.Notify.Signature)
	if err != nil {
		e.logger.Error("render fine", "vehicle_id", vehicleID, "err", err)
	} else {
		e.dispatch(msg)
	}
	e.metrics.Inc(metrics.EpisodesFined)
	e.record(model.ActivityFined, vehicleID, ep.ID, map[string]string{"description": ep.Description})
	e.logger.Warn("violation fined",
		"vehicle_id", vehicleID,
		"episode_id", ep.ID,
		"opened_at", ep.OpenedAt,
		"description", ep.Description,
	)
	return OutcomeFined, nil
}

// Sweep runs the warning and final actions for every tracked episode whose
// deadline has passed. Processed entries leave the registry whatever the
// outcome; a failed one is picked up again by the next detection pass.
func (e *Engine) Sweep(ctx context.Context) SweepResult {
	cfg := e.config()
	policy := cfg.Violation
	now := e.clock.Now().UTC()
	var res SweepResult

	if policy.WarningDelay > 0 {
		for _, id := range e.registry.DueWarnings(now, policy.WarningDelay, policy.FinalDelay) {
			entry, ok := e.registry.Get(id)
			if !ok {
				continue
			}
			outcome, err := e.Warn(ctx, id, entry.EpisodeID)
			if err != nil {
				res.Failed++
				e.logger.Error("warning action failed", "vehicle_id", id, "err", err)
				continue
			}
			e.registry.MarkWarned(id)
			if outcome == OutcomeWarned {
				res.Warned++
			}
		}
	}

	for _, id := range e.registry.DueEntries(now, policy.FinalDelay) {
		entry, ok := e.registry.Get(id)
		if !ok {
			continue
		}
		outcome, err := e.Finalize(ctx, id, entry.EpisodeID)
		e.registry.RemoveEpisode(id, entry.EpisodeID)
		if err != nil {
			res.Failed++
			e.logger.Error("final action failed", "vehicle_id", id, "episode_id", entry.EpisodeID, "err", err)
			continue
		}
		switch outcome {
		case OutcomeFined:
			res.Fined++
		case OutcomeCancelled:
			res.Cancelled++
		default:
			res.Noops++
		}
	}
	if res != (SweepResult{}) {
		e.logger.Debug("sweep complete", "warned", res.Warned, "fined", res.Fined, "cancelled", res.Cancelled, "noops", res.Noops, "failed", res.Failed)
	}
	return res
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
