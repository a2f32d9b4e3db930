// Package protocol holds the remediation ladder and picks one rule per turn.
package protocol

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/danielpatrickdp/attending-controller/internal/alert"
	"github.com/danielpatrickdp/attending-controller/internal/snapshot"
)

// #region default-ladder

func ptr(v float64) *float64 { return &v }

// DefaultLadder returns the built-in protocols, highest priority first.
func DefaultLadder() []Protocol {
	return []Protocol{
		{
			ID:          "human_escalation",
			Description: "critical health with both collapse and rapid dissociation",
			Predicate: Predicate{
				Health: []snapshot.Health{snapshot.HealthCritical},
				Alerts: []alert.Kind{alert.KindCriticalHealth, alert.KindAttendingCollapse, alert.KindRapidDissociation},
			},
			Kind:        KindHumanEscalation,
			Priority:    100,
			AutoExecute: true,
		},
		{
			ID:          "pause_recalibrate",
			Description: "attending collapsed",
			Predicate:   Predicate{Alerts: []alert.Kind{alert.KindAttendingCollapse}},
			Kind:        KindPauseRecalibrate,
			Priority:    90,
			AutoExecute: true,
		},
		{
			ID:          "attending_boost",
			Description: "rapid dissociation",
			Predicate:   Predicate{Alerts: []alert.Kind{alert.KindRapidDissociation}},
			Kind:        KindAttendingBoost,
			Priority:    80,
			AutoExecute: true,
		},
		{
			ID:          "archetype_switch",
			Description: "sustained low attending",
			Predicate: Predicate{
				Alerts:          []alert.Kind{alert.KindLowAttending},
				AvgQualityBelow: ptr(0.4),
			},
			Kind:        KindArchetypeSwitch,
			Priority:    70,
			AutoExecute: true,
		},
		{
			ID:          "archetype_suggest",
			Description: "mild underperformance, surfaced only",
			Predicate:   Predicate{Health: []snapshot.Health{snapshot.HealthWarning}},
			Kind:        KindArchetypeSwitch,
			Priority:    60,
			AutoExecute: false,
		},
	}
}

// #endregion default-ladder

// #region registry
// Registry is an immutable, priority-ordered protocol set.
type Registry struct {
	protocols []Protocol
	byID      map[string]Protocol
}

// NewRegistry validates protocols and orders them by priority, then id.
func NewRegistry(protocols []Protocol) (*Registry, error) {
	r := &Registry{byID: make(map[string]Protocol, len(protocols))}
	for _, p := range protocols {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if _, dup := r.byID[p.ID]; dup {
			return nil, fmt.Errorf("duplicate protocol id %q", p.ID)
		}
		r.byID[p.ID] = p
		r.protocols = append(r.protocols, p)
	}
	sort.SliceStable(r.protocols, func(i, j int) bool {
		if r.protocols[i].Priority != r.protocols[j].Priority {
			return r.protocols[i].Priority > r.protocols[j].Priority
		}
		return r.protocols[i].ID < r.protocols[j].ID
	})
	return r, nil
}

// MustDefault returns a registry over DefaultLadder.
func MustDefault() *Registry {
	r, err := NewRegistry(DefaultLadder())
	if err != nil {
		panic(err)
	}
	return r
}

// Protocols returns the ordered protocol list.
func (r *Registry) Protocols() []Protocol {
	out := make([]Protocol, len(r.protocols))
	copy(out, r.protocols)
	return out
}

// Get looks up a protocol by id.
func (r *Registry) Get(id string) (Protocol, bool) {
	p, ok := r.byID[id]
	return p, ok
}

// Match evaluates every predicate and returns the highest-priority protocol
// that holds, ties broken by lowest id. Returns nil when nothing holds.
func (r *Registry) Match(alerts []alert.Alert, snap *snapshot.ConditionSnapshot) *Protocol {
	for i := range r.protocols {
		if r.protocols[i].Predicate.Holds(alerts, snap) {
			p := r.protocols[i]
			return &p
		}
	}
	return nil
}

// #endregion registry

// #region load
// ladderFile is the YAML layout of a protocol file.
type ladderFile struct {
	Protocols []Protocol `yaml:"protocols"`
}

// LoadFile reads and validates a YAML protocol ladder.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read protocols: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML protocol ladder.
func Parse(data []byte) (*Registry, error) {
	var f ladderFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse protocols: %w", err)
	}
	if len(f.Protocols) == 0 {
		return nil, fmt.Errorf("parse protocols: no protocols defined")
	}
	return NewRegistry(f.Protocols)
}

// Marshal renders protocols in the layout LoadFile reads.
func Marshal(protocols []Protocol) ([]byte, error) {
	return yaml.Marshal(ladderFile{Protocols: protocols})
}

// #endregion load
