package notify

import (
	"bytes"
	"fmt"
	"text/template"
	"time"

	"parkwatch/internal/model"
)

var (
	warningBody = template.Must(template.New("warning").Parse(`Hello {{.Name}},

You have {{.Remaining}} to move your vehicle before receiving a fine.

- Car ID: {{.VehicleID}}
- Violation: {{.Description}}

If the vehicle remains in the same spot, a fine will be issued.

Thank you,
{{.Signature}}
`))
	fineBody = template.Must(template.New("fine").Parse(`Hello {{.Name}},

A fine has been issued for a parking violation.

- Car ID: {{.VehicleID}}
- Violation details: {{.Description}}
- Observed since: {{.OpenedAt}}

Please make the necessary payment.

Thank you,
{{.Signature}}
`))
)

type bodyData struct {
	Name        string
	VehicleID   string
	Description string
	OpenedAt    string
	Remaining   string
	Signature   string
}

func newBodyData(v model.Vehicle, ep model.Episode, signature string) bodyData {
	name := v.Name
	if name == "" {
		name = "there"
	}
	return bodyData{
		Name:        name,
		VehicleID:   ep.VehicleID,
		Description: ep.Description,
		OpenedAt:    ep.OpenedAt.UTC().Format(time.RFC1123),
		Signature:   signature,
	}
}

// WarningMessage builds the notice sent while the episode can still be
// cancelled by moving the vehicle.
func WarningMessage(v model.Vehicle, ep model.Episode, remaining time.Duration, signature string) (Message, error) {
	data := newBodyData(v, ep, signature)
	data.Remaining = humanDuration(remaining)
	var buf bytes.Buffer
	if err := warningBody.Execute(&buf, data); err != nil {
		return Message{}, err
	}
	return Message{
		Kind:      KindWarning,
		To:        v.ContactAddress,
		Subject:   fmt.Sprintf("Warning: %s to move your vehicle", data.Remaining),
		Body:      buf.String(),
		VehicleID: ep.VehicleID,
		EpisodeID: ep.ID,
	}, nil
}

func FineMessage(v model.Vehicle, ep model.Episode, signature string) (Message, error) {
	var buf bytes.Buffer
	if err := fineBody.Execute(&buf, newBodyData(v, ep, signature)); err != nil {
		return Message{}, err
	}
	return Message{
		Kind:      KindFine,
		To:        v.ContactAddress,
		Subject:   "Violation Notification",
		Body:      buf.String(),
		VehicleID: ep.VehicleID,
		EpisodeID: ep.ID,
	}, nil
}

func humanDuration(d time.Duration) string {
	if d <= 0 {
		return "no time left"
	}
	if d%time.Minute == 0 {
		n := int(d / time.Minute)
		if n == 1 {
			return "1 minute"
		}
		return fmt.Sprintf("%d minutes", n)
	}
	return d.Round(time.Second).String()
}
