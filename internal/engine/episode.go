package engine

import (
	"context"
	"fmt"

	"github.com/looplab/fsm"

	"parkwatch/internal/model"
)

const (
	eventEscalate = "escalate"
	eventFine     = "fine"
	eventCancel   = "cancel"
)

var openStatuses = []string{string(model.StatusActive), string(model.StatusEscalating)}

func lifecycle(status model.EpisodeStatus) *fsm.FSM {
	return fsm.NewFSM(
		string(status),
		fsm.Events{
			{Name: eventEscalate, Src: []string{string(model.StatusActive)}, Dst: string(model.StatusEscalating)},
			{Name: eventFine, Src: openStatuses, Dst: string(model.StatusResolvedFined)},
			{Name: eventCancel, Src: openStatuses, Dst: string(model.StatusResolvedCancelled)},
		},
		fsm.Callbacks{},
	)
}

// transition moves ep along its lifecycle. Rows written before statuses were
// tracked carry no status and are treated as active.
func transition(ep *model.Episode, event string) error {
	status := ep.Status
	if status == "" {
		status = model.StatusActive
	}
	f := lifecycle(status)
	if err := f.Event(context.Background(), event); err != nil {
		return fmt.Errorf("episode %s: %s from %s: %w", ep.ID, event, status, err)
	}
	ep.Status = model.EpisodeStatus(f.Current())
	return nil
}
