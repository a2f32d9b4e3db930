// Package alert turns a condition snapshot into threshold alerts.
package alert

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/danielpatrickdp/attending-controller/internal/snapshot"
)

// #region generator
// Generator evaluates snapshots against fixed thresholds.
type Generator struct {
	config Config
	clock  func() time.Time
	newID  func() string
}

// NewGenerator creates a generator with the given thresholds.
func NewGenerator(config Config) *Generator {
	return &Generator{
		config: config,
		clock:  time.Now,
		newID:  uuid.NewString,
	}
}

// WithClock overrides the timestamp source used when a snapshot carries none.
func (g *Generator) WithClock(clock func() time.Time) *Generator {
	g.clock = clock
	return g
}

// WithIDFunc overrides alert id generation.
func (g *Generator) WithIDFunc(fn func() string) *Generator {
	g.newID = fn
	return g
}

// Evaluate runs every rule against snap in a fixed order. Rules are
// independent, so one snapshot may yield several alerts. A nil snapshot
// yields none.
func (g *Generator) Evaluate(snap *snapshot.ConditionSnapshot) []Alert {
	if snap == nil {
		return nil
	}
	ts := snap.TakenAt
	if ts.IsZero() {
		ts = g.clock()
	}
	c := g.config
	q := snap.CurrentQuality
	avg := snap.AvgQualityLast5
	inc := snap.IncidentCount

	var out []Alert
	emit := func(level Level, kind Kind, msg string, metrics map[string]float64) {
		out = append(out, Alert{
			ID:        g.newID(),
			Level:     level,
			Kind:      kind,
			Message:   msg,
			Metrics:   metrics,
			Timestamp: ts,
		})
	}

	// 1. Collapse
	if q < c.CollapseQuality {
		emit(LevelCritical, KindAttendingCollapse,
			fmt.Sprintf("attending quality collapsed to %.2f", q),
			map[string]float64{"current_quality": q, "threshold": c.CollapseQuality})
	}

	// 2. Low attending band
	if q >= c.CollapseQuality && q < c.LowQuality {
		emit(LevelWarning, KindLowAttending,
			fmt.Sprintf("attending quality low at %.2f", q),
			map[string]float64{"current_quality": q, "threshold": c.LowQuality})
	}

	// 3. Sharp drop against the recent average
	if q < avg-c.DropMargin && q < c.DropCeiling {
		emit(LevelInfo, KindAttendingDrop,
			fmt.Sprintf("attending quality %.2f dropped below recent average %.2f", q, avg),
			map[string]float64{"current_quality": q, "avg_quality_last_5": avg, "margin": c.DropMargin})
	}

	// 4. Rapid dissociation
	if inc >= c.RapidIncidents {
		emit(LevelCritical, KindRapidDissociation,
			fmt.Sprintf("%d dissociation incidents in the window", inc),
			map[string]float64{"incident_count": float64(inc), "threshold": float64(c.RapidIncidents)})
	}

	// 5. Dissociation pattern
	if inc >= c.PatternIncidents && inc < c.RapidIncidents {
		emit(LevelWarning, KindDissociationPattern,
			fmt.Sprintf("dissociation pattern: %d incidents in the window", inc),
			map[string]float64{"incident_count": float64(inc), "threshold": float64(c.PatternIncidents)})
	}

	// 6. Critical health
	if snap.Health == snapshot.HealthCritical {
		emit(LevelCritical, KindCriticalHealth,
			"session health is critical",
			map[string]float64{"current_quality": q, "incident_count": float64(inc)})
	}

	return out
}

// #endregion generator
