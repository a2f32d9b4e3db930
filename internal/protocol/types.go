package protocol

import (
	"fmt"

	"github.com/danielpatrickdp/attending-controller/internal/alert"
	"github.com/danielpatrickdp/attending-controller/internal/snapshot"
)

// #region kind
// Kind is the closed set of remediation actions.
type Kind string

const (
	KindArchetypeSwitch  Kind = "archetype_switch"
	KindAttendingBoost   Kind = "attending_boost"
	KindPauseRecalibrate Kind = "pause_recalibrate"
	KindHumanEscalation  Kind = "human_escalation"
)

// Valid reports whether k is a known intervention kind.
func (k Kind) Valid() bool {
	switch k {
	case KindArchetypeSwitch, KindAttendingBoost, KindPauseRecalibrate, KindHumanEscalation:
		return true
	}
	return false
}

// Halts reports whether executing k stops the current turn.
func (k Kind) Halts() bool {
	return k == KindPauseRecalibrate || k == KindHumanEscalation
}

// #endregion kind

// #region predicate
// Predicate is a conjunction over the snapshot and the alert set.
// Zero-valued fields are not checked.
type Predicate struct {
	Health          []snapshot.Health `yaml:"health,omitempty" json:"health,omitempty"`
	Alerts          []alert.Kind      `yaml:"alerts,omitempty" json:"alerts,omitempty"` // all must be present
	QualityBelow    *float64          `yaml:"quality_below,omitempty" json:"quality_below,omitempty"`
	AvgQualityBelow *float64          `yaml:"avg_quality_below,omitempty" json:"avg_quality_below,omitempty"`
	MinIncidents    int               `yaml:"min_incidents,omitempty" json:"min_incidents,omitempty"`
}

// Empty reports whether p checks nothing.
func (p Predicate) Empty() bool {
	return len(p.Health) == 0 && len(p.Alerts) == 0 &&
		p.QualityBelow == nil && p.AvgQualityBelow == nil && p.MinIncidents == 0
}

// Holds evaluates p. A nil snapshot never satisfies a predicate.
func (p Predicate) Holds(alerts []alert.Alert, snap *snapshot.ConditionSnapshot) bool {
	if snap == nil {
		return false
	}
	if len(p.Health) > 0 {
		found := false
		for _, h := range p.Health {
			if h == snap.Health {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for _, k := range p.Alerts {
		if !alert.Has(alerts, k) {
			return false
		}
	}
	if p.QualityBelow != nil && !(snap.CurrentQuality < *p.QualityBelow) {
		return false
	}
	if p.AvgQualityBelow != nil && !(snap.AvgQualityLast5 < *p.AvgQualityBelow) {
		return false
	}
	if p.MinIncidents > 0 && snap.IncidentCount < p.MinIncidents {
		return false
	}
	return true
}

func (p Predicate) validate() error {
	if p.Empty() {
		return fmt.Errorf("predicate checks nothing")
	}
	for _, h := range p.Health {
		if !h.Valid() {
			return fmt.Errorf("unknown health %q", h)
		}
	}
	for _, k := range p.Alerts {
		if !k.Valid() {
			return fmt.Errorf("unknown alert kind %q", k)
		}
	}
	if p.MinIncidents < 0 {
		return fmt.Errorf("min_incidents must be >= 0")
	}
	return nil
}

// #endregion predicate

// #region protocol
// Protocol is a (predicate, action, priority) rule.
type Protocol struct {
	ID          string    `yaml:"id" json:"id"`
	Description string    `yaml:"description,omitempty" json:"description,omitempty"`
	Predicate   Predicate `yaml:"when" json:"when"`
	Kind        Kind      `yaml:"kind" json:"kind"`
	Priority    int       `yaml:"priority" json:"priority"`
	AutoExecute bool      `yaml:"auto_execute" json:"auto_execute"`
}

// Validate checks the protocol is well-formed.
func (p Protocol) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("protocol id is required")
	}
	if !p.Kind.Valid() {
		return fmt.Errorf("protocol %s: unknown kind %q", p.ID, p.Kind)
	}
	if err := p.Predicate.validate(); err != nil {
		return fmt.Errorf("protocol %s: %w", p.ID, err)
	}
	return nil
}

// #endregion protocol
