package snapshot

import (
	"fmt"
	"time"
)

// #region health
// Health is the closed set of derived session conditions.
type Health string

const (
	HealthHealthy  Health = "healthy"
	HealthWarning  Health = "warning"
	HealthCritical Health = "critical"
	// HealthUnknown is only reported when a session has no observations yet.
	HealthUnknown Health = "unknown"
)

// Valid reports whether h is one of the three snapshot conditions.
func (h Health) Valid() bool {
	switch h {
	case HealthHealthy, HealthWarning, HealthCritical:
		return true
	}
	return false
}

// ParseHealth converts configuration text into a Health.
func ParseHealth(s string) (Health, error) {
	h := Health(s)
	if !h.Valid() {
		return "", fmt.Errorf("unknown health %q", s)
	}
	return h, nil
}

// #endregion health

// #region aggregator-config
// AggregatorConfig holds window sizes and health thresholds.
type AggregatorConfig struct {
	Window            int           // observations averaged
	IncidentWindow    time.Duration // trailing incident window
	CriticalQuality   float64       // current quality below this is critical
	WarningQuality    float64       // current quality below this is a warning
	CriticalIncidents int           // more incidents than this is critical
	WarningIncidents  int           // more incidents than this is a warning
}

// DefaultAggregatorConfig returns the standard 5-observation, 1-hour layout.
func DefaultAggregatorConfig() AggregatorConfig {
	return AggregatorConfig{
		Window:            5,
		IncidentWindow:    time.Hour,
		CriticalQuality:   0.3,
		WarningQuality:    0.5,
		CriticalIncidents: 5,
		WarningIncidents:  2,
	}
}

// #endregion aggregator-config

// #region condition-snapshot
// ConditionSnapshot is a derived view over the session's recent window.
// It is never stored as authoritative state.
type ConditionSnapshot struct {
	SessionID        string    `json:"session_id"`
	CurrentQuality   float64   `json:"current_quality"`
	AvgQualityLast5  float64   `json:"avg_quality_last_5"`
	IncidentCount    int       `json:"incident_count_window"`
	Health           Health    `json:"health"`
	LastPersona      string    `json:"last_persona"`
	LastIntent       string    `json:"last_intent,omitempty"`
	ObservationCount int       `json:"observation_count"`
	TakenAt          time.Time `json:"taken_at"`
}

// #endregion condition-snapshot
