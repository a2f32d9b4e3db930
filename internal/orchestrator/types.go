package orchestrator

// #region imports
import (
	"errors"
	"time"

	"github.com/danielpatrickdp/attending-controller/internal/alert"
	"github.com/danielpatrickdp/attending-controller/internal/intervention"
	"github.com/danielpatrickdp/attending-controller/internal/ledger"
	"github.com/danielpatrickdp/attending-controller/internal/optimizer"
	"github.com/danielpatrickdp/attending-controller/internal/snapshot"
	"github.com/danielpatrickdp/attending-controller/internal/state"
	"github.com/danielpatrickdp/attending-controller/internal/update"
)

// #endregion

// #region errors

// ErrInvalidRequest rejects calls with missing identifiers.
var ErrInvalidRequest = errors.New("invalid request")

// #endregion

// #region turn-context

// TurnContext describes the turn PRE_TURN is asked about.
type TurnContext struct {
	TurnID  string `json:"turn_id,omitempty"` // generated when empty
	Intent  string `json:"intent,omitempty"`
	Persona string `json:"persona,omitempty"` // persona the caller is about to use
}

// #endregion

// #region guidance

// Guidance is the PRE_TURN answer. When ShouldProceed is false the caller
// must not generate normally; it surfaces Hint and waits for new user input.
type Guidance struct {
	SessionID          string               `json:"session_id"`
	TurnID             string               `json:"turn_id"`
	ShouldProceed      bool                 `json:"should_proceed"`
	RecommendedPersona string               `json:"recommended_persona"`
	AttendingIntention float64              `json:"attending_intention"`
	Hint               string               `json:"hint,omitempty"`
	Health             snapshot.Health      `json:"health"`
	Alerts             []alert.Alert        `json:"alerts,omitempty"`
	Intervention       *intervention.Result `json:"intervention,omitempty"`
	Default            bool                 `json:"default"` // permissive fallback, no snapshot-based decision
}

// #endregion

// #region feedback

// Feedback is the POST_TURN answer.
type Feedback struct {
	SessionID   string                      `json:"session_id"`
	Observation *state.Observation          `json:"observation,omitempty"`
	Incident    *state.DissociationIncident `json:"incident,omitempty"`
	Backfill    *update.BackfillResult      `json:"backfill,omitempty"`
	Degraded    bool                        `json:"degraded"` // a store write failed and was skipped
}

// #endregion

// #region health-report

// HealthMetrics are the numbers behind a HealthReport.
type HealthMetrics struct {
	CurrentQuality   float64                    `json:"current_quality"`
	AvgQualityLast5  float64                    `json:"avg_quality_last_5"`
	IncidentCount    int                        `json:"incident_count_window"`
	ObservationCount int                        `json:"observation_count"`
	LastPersona      string                     `json:"last_persona,omitempty"`
	Effectiveness    []ledger.KindEffectiveness `json:"effectiveness"`
}

// HealthReport is the read-only session summary.
type HealthReport struct {
	SessionID           string                     `json:"session_id"`
	Status              snapshot.Health            `json:"status"`
	Metrics             HealthMetrics              `json:"metrics"`
	Alerts              []alert.Alert              `json:"alerts"`
	Recommendations     []optimizer.Recommendation `json:"recommendations"`
	PendingIntervention string                     `json:"pending_intervention,omitempty"`
}

// #endregion

// #region config

// Config holds orchestrator-level defaults.
type Config struct {
	DefaultPersona     string
	Enabled            bool // kill switch; false returns default guidance without intervening
	MaxRecommendations int
	SessionIdleTTL     time.Duration // idle sessions without a pending intervention are evicted after this
	Aggregator         snapshot.AggregatorConfig
	Ledger             ledger.Config
	Optimizer          optimizer.Config
	Alerts             alert.Config
	Intervention       intervention.Config
}

// DefaultConfig returns the standard wiring.
func DefaultConfig() Config {
	return Config{
		DefaultPersona:     "guide",
		Enabled:            true,
		MaxRecommendations: 3,
		SessionIdleTTL:     6 * time.Hour,
		Aggregator:         snapshot.DefaultAggregatorConfig(),
		Ledger:             ledger.DefaultConfig(),
		Optimizer:          optimizer.DefaultConfig(),
		Alerts:             alert.DefaultConfig(),
		Intervention:       intervention.DefaultConfig(),
	}
}

// #endregion
