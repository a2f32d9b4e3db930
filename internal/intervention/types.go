package intervention

import (
	"context"
	"time"

	"github.com/danielpatrickdp/attending-controller/internal/notify"
	"github.com/danielpatrickdp/attending-controller/internal/optimizer"
	"github.com/danielpatrickdp/attending-controller/internal/protocol"
	"github.com/danielpatrickdp/attending-controller/internal/state"
)

// #region collaborators

// Store is the append side of the intervention log.
type Store interface {
	InsertIntervention(ctx context.Context, rec state.InterventionRecord) error
	OpenIntervention(ctx context.Context, sessionID string, kinds []string, since time.Time) (*state.InterventionRecord, error)
}

// Recommender ranks personas for an archetype switch.
type Recommender interface {
	Recommend(ctx context.Context, c optimizer.Context) (*optimizer.Recommendation, error)
}

// Escalator hands escalations to the out-of-band channel without blocking.
type Escalator interface {
	Fire(e notify.Escalation)
}

// #endregion collaborators

// #region context

// Context identifies the turn an intervention runs for.
type Context struct {
	SessionID string
	TurnID    string
	Intent    string
	Persona   string // persona in use; falls back to the snapshot's last persona
	Trigger   string // alert kinds that led here
}

// #endregion context

// #region result

// Result is what the executor did for one turn.
type Result struct {
	ProtocolID         string        `json:"protocol_id"`
	Kind               protocol.Kind `json:"kind"`
	Executed           bool          `json:"executed"`
	Suggested          bool          `json:"suggested,omitempty"`
	ShouldProceed      bool          `json:"should_proceed"`
	RecordID           string        `json:"record_id,omitempty"`
	PersonaBefore      string        `json:"persona_before,omitempty"`
	PersonaAfter       string        `json:"persona_after,omitempty"`
	AttendingIntention float64       `json:"attending_intention"`
	Hint               string        `json:"hint,omitempty"`
	Reason             string        `json:"reason"`
}

// #endregion result

// #region config

// Config holds attending intentions and the open-intervention window.
type Config struct {
	DefaultIntention float64       // no change requested
	BoostIntention   float64       // after attending_boost
	HaltIntention    float64       // after pause or escalation
	OpenWindow       time.Duration // an un-back-filled halt younger than this is still open
}

// DefaultConfig returns the standard intentions and a 1h open window.
func DefaultConfig() Config {
	return Config{
		DefaultIntention: 0.5,
		BoostIntention:   0.8,
		HaltIntention:    0.9,
		OpenWindow:       time.Hour,
	}
}

// #endregion config
