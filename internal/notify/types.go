package notify

import (
	"context"
	"time"

	"google.golang.org/protobuf/types/known/structpb"
)

// #region escalation
// Escalation is the out-of-band payload sent when a human is asked to step in.
type Escalation struct {
	SessionID      string
	TurnID         string
	InterventionID string
	ProtocolID     string
	Reason         string
	Health         string
	Quality        float64
	Incidents      int
	At             time.Time
}

func (e Escalation) toStruct() (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"session_id":      e.SessionID,
		"turn_id":         e.TurnID,
		"intervention_id": e.InterventionID,
		"protocol_id":     e.ProtocolID,
		"reason":          e.Reason,
		"health":          e.Health,
		"quality":         e.Quality,
		"incidents":       float64(e.Incidents),
		"at":              e.At.UTC().Format(time.RFC3339Nano),
	})
}

func escalationFromStruct(s *structpb.Struct) Escalation {
	f := s.GetFields()
	e := Escalation{
		SessionID:      f["session_id"].GetStringValue(),
		TurnID:         f["turn_id"].GetStringValue(),
		InterventionID: f["intervention_id"].GetStringValue(),
		ProtocolID:     f["protocol_id"].GetStringValue(),
		Reason:         f["reason"].GetStringValue(),
		Health:         f["health"].GetStringValue(),
		Quality:        f["quality"].GetNumberValue(),
		Incidents:      int(f["incidents"].GetNumberValue()),
	}
	if at, err := time.Parse(time.RFC3339Nano, f["at"].GetStringValue()); err == nil {
		e.At = at
	}
	return e
}

// #endregion escalation

// #region notifier
// Notifier delivers an escalation. Implementations must honor ctx.
type Notifier interface {
	Notify(ctx context.Context, e Escalation) error
}

// #endregion notifier
