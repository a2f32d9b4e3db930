package alert

import "time"

// #region level
// Level is the severity of an alert.
type Level string

const (
	LevelInfo     Level = "info"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

// rank orders levels for comparisons.
func (l Level) rank() int {
	switch l {
	case LevelCritical:
		return 3
	case LevelWarning:
		return 2
	case LevelInfo:
		return 1
	}
	return 0
}

// #endregion level

// #region kind
// Kind names the rule that produced an alert.
type Kind string

const (
	KindAttendingCollapse   Kind = "attending_collapse"
	KindLowAttending        Kind = "low_attending"
	KindAttendingDrop       Kind = "attending_drop"
	KindRapidDissociation   Kind = "rapid_dissociation"
	KindDissociationPattern Kind = "dissociation_pattern"
	KindCriticalHealth      Kind = "critical_health"
)

// AllKinds lists every kind in rule evaluation order.
var AllKinds = []Kind{
	KindAttendingCollapse,
	KindLowAttending,
	KindAttendingDrop,
	KindRapidDissociation,
	KindDissociationPattern,
	KindCriticalHealth,
}

// Valid reports whether k is a known alert kind.
func (k Kind) Valid() bool {
	for _, known := range AllKinds {
		if k == known {
			return true
		}
	}
	return false
}

// #endregion kind

// #region alert
// Alert is an immutable threshold crossing derived from a snapshot.
type Alert struct {
	ID        string             `json:"id"`
	Level     Level              `json:"level"`
	Kind      Kind               `json:"kind"`
	Message   string             `json:"message"`
	Metrics   map[string]float64 `json:"metrics"`
	Timestamp time.Time          `json:"timestamp"`
}

// #endregion alert

// #region config
// Config holds the alert thresholds.
type Config struct {
	CollapseQuality  float64 // below: attending_collapse
	LowQuality       float64 // below (and not collapsed): low_attending
	DropMargin       float64 // current below avg minus this: attending_drop
	DropCeiling      float64 // drops are only reported below this quality
	RapidIncidents   int     // at least: rapid_dissociation
	PatternIncidents int     // at least (and below rapid): dissociation_pattern
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		CollapseQuality:  0.2,
		LowQuality:       0.4,
		DropMargin:       0.2,
		DropCeiling:      0.5,
		RapidIncidents:   5,
		PatternIncidents: 3,
	}
}

// #endregion config

// #region helpers

// Has reports whether alerts contains kind.
func Has(alerts []Alert, kind Kind) bool {
	for _, a := range alerts {
		if a.Kind == kind {
			return true
		}
	}
	return false
}

// Kinds returns the kinds of alerts in order.
func Kinds(alerts []Alert) []Kind {
	out := make([]Kind, len(alerts))
	for i, a := range alerts {
		out[i] = a.Kind
	}
	return out
}

// HighestLevel returns the most severe level present, or "" for none.
func HighestLevel(alerts []Alert) Level {
	var best Level
	for _, a := range alerts {
		if a.Level.rank() > best.rank() {
			best = a.Level
		}
	}
	return best
}

// #endregion helpers
