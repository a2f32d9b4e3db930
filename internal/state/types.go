package state

import (
	"errors"
	"fmt"
	"time"
)

// #region errors
var (
	// ErrNotFound is returned when a looked-up row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvariantViolation marks programming errors that must never be
	// swallowed: the ledger would be corrupted if the caller carried on.
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrAlreadyBackfilled is returned by a second back-fill of the same intervention.
	ErrAlreadyBackfilled = fmt.Errorf("%w: intervention already backfilled", ErrInvariantViolation)

	// ErrDuplicateExecution is returned when a turn already executed its auto-protocol.
	ErrDuplicateExecution = fmt.Errorf("%w: auto-protocol already executed for turn", ErrInvariantViolation)
)

// #endregion errors

// #region observation
// Observation is one normalized quality measurement for a single agent turn.
type Observation struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Persona   string    `json:"persona"`
	Intent    string    `json:"intent,omitempty"` // empty = unknown
	Quality   float64   `json:"quality"`
	CreatedAt time.Time `json:"created_at"`
}

// #endregion observation

// #region incident
// DissociationIncident is a detected coherence-loss event within a turn.
type DissociationIncident struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Severity  float64   `json:"severity"`
	Category  string    `json:"category"`
	CreatedAt time.Time `json:"created_at"`
}

// #endregion incident

// #region intervention-record
// InterventionRecord is the logged effect of one executed remediation.
// QualityAfter and Effectiveness stay nil until the single back-fill.
type InterventionRecord struct {
	ID            string     `json:"id"`
	SessionID     string     `json:"session_id"`
	TurnID        string     `json:"turn_id"`
	ProtocolID    string     `json:"protocol_id"`
	Trigger       string     `json:"trigger"`
	ActionKind    string     `json:"action_kind"`
	PersonaBefore string     `json:"persona_before"`
	PersonaAfter  string     `json:"persona_after"`
	QualityBefore float64    `json:"quality_before"`
	QualityAfter  *float64   `json:"quality_after"`
	Effectiveness *float64   `json:"effectiveness"`
	CreatedAt     time.Time  `json:"created_at"`
	BackfilledAt  *time.Time `json:"backfilled_at,omitempty"`
}

// Backfilled reports whether the record already received its quality-after.
func (r InterventionRecord) Backfilled() bool {
	return r.QualityAfter != nil
}

// #endregion intervention-record

// #region alert-record
// AlertRecord is the persisted form of an alert raised during PRE_TURN.
type AlertRecord struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	TurnID      string    `json:"turn_id"`
	Level       string    `json:"level"`
	Kind        string    `json:"kind"`
	Message     string    `json:"message"`
	MetricsJSON string    `json:"metrics_json"`
	CreatedAt   time.Time `json:"created_at"`
}

// #endregion alert-record

// #region performance-row
// PerformanceRow is one (persona, intent) aggregate read back from observations.
type PerformanceRow struct {
	Persona string
	Intent  string
	Sum     float64
	Count   int
}

// EffectivenessRow is one per-kind aggregate of back-filled interventions.
type EffectivenessRow struct {
	ActionKind string
	Mean       float64
	Count      int
}

// #endregion performance-row
