package model

import (
	"strings"
	"time"
)

type LocationState string

const (
	StateRestricted LocationState = "restricted"
	StateElsewhere  LocationState = "elsewhere"
)

// Toggle returns the state a tag read moves the vehicle into. Anything that is
// not restricted (including an unset state) toggles into the restricted zone.
func (s LocationState) Toggle() LocationState {
	if s == StateRestricted {
		return StateElsewhere
	}
	return StateRestricted
}

func ParseLocationState(v string) LocationState {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case string(StateRestricted):
		return StateRestricted
	default:
		return StateElsewhere
	}
}

type Vehicle struct {
	ID             string        `json:"id"`
	Name           string        `json:"name,omitempty"`
	ContactAddress string        `json:"contact_address,omitempty"`
	AuthorizedZone string        `json:"authorized_zone"`
	State          LocationState `json:"state"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

type EpisodeStatus string

const (
	StatusActive            EpisodeStatus = "active"
	StatusEscalating        EpisodeStatus = "escalating"
	StatusResolvedCancelled EpisodeStatus = "resolved_cancelled"
	StatusResolvedFined     EpisodeStatus = "resolved_fined"
)

func (s EpisodeStatus) Open() bool {
	return s == StatusActive || s == StatusEscalating
}

type Episode struct {
	ID          string        `json:"id"`
	VehicleID   string        `json:"vehicle_id"`
	OpenedAt    time.Time     `json:"opened_at"`
	Description string        `json:"description"`
	Status      EpisodeStatus `json:"status"`
	ResolvedAt  time.Time     `json:"resolved_at,omitempty"`
}

type TagEvent struct {
	Identity  string    `json:"identity"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source,omitempty"`
	Raw       string    `json:"raw,omitempty"`
}

type ActivityKind string

const (
	ActivityOpened             ActivityKind = "opened"
	ActivityWarned             ActivityKind = "warned"
	ActivityFined              ActivityKind = "fined"
	ActivityCancelled          ActivityKind = "cancelled"
	ActivityUnknownTag         ActivityKind = "unknown_tag"
	ActivitySuppressedCooldown ActivityKind = "suppressed_cooldown"
	ActivitySuppressedOpen     ActivityKind = "suppressed_open"
)

type Activity struct {
	Timestamp time.Time         `json:"timestamp"`
	Kind      ActivityKind      `json:"kind"`
	VehicleID string            `json:"vehicle_id"`
	EpisodeID string            `json:"episode_id,omitempty"`
	Context   map[string]string `json:"context,omitempty"`
}
