package replay

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/danielpatrickdp/attending-controller/internal/orchestrator"
	"github.com/danielpatrickdp/attending-controller/internal/signals"
)

// #region fixture-types

// Fixture is the top-level JSON structure for a replay fixture.
type Fixture struct {
	Description     string                  `json:"description"`
	SessionID       string                  `json:"session_id"`
	Start           time.Time               `json:"start"`
	StepSeconds     int                     `json:"step_seconds,omitempty"` // clock advance for events without "at"
	Config          FixtureConfig           `json:"config"`
	History         []FixtureHistory        `json:"history,omitempty"`
	Turns           []FixtureTurn           `json:"turns"`
	ExpectedResults []FixtureExpectedResult `json:"expected_results"`
}

// FixtureConfig overrides orchestrator defaults for a replay run.
type FixtureConfig struct {
	Enabled        *bool  `json:"enabled,omitempty"`
	DefaultPersona string `json:"default_persona,omitempty"`
}

// FixtureHistory is an observation from another session, seeding persona
// performance before the replayed session starts.
type FixtureHistory struct {
	SessionID string    `json:"session_id"`
	Persona   string    `json:"persona"`
	Intent    string    `json:"intent,omitempty"`
	Quality   float64   `json:"quality"`
	At        time.Time `json:"at,omitzero"`
}

// FixtureEvent is one observation or incident; exactly one should be set.
type FixtureEvent struct {
	At          time.Time                 `json:"at,omitzero"`
	Observation *signals.ObservationInput `json:"observation,omitempty"`
	Incident    *signals.IncidentInput    `json:"incident,omitempty"`
}

// FixtureTurn is one PRE_TURN, with the signals recorded before it and the
// realized outcome reported after it.
type FixtureTurn struct {
	TurnID  string         `json:"turn_id"`
	Intent  string         `json:"intent,omitempty"`
	Persona string         `json:"persona,omitempty"`
	At      time.Time      `json:"at,omitzero"`
	Signals []FixtureEvent `json:"signals,omitempty"`
	Outcome *FixtureEvent  `json:"outcome,omitempty"`
	Defer   bool           `json:"defer,omitempty"`
}

// FixtureExpectedResult captures the expected action per turn.
type FixtureExpectedResult struct {
	TurnID        string `json:"turn_id"`
	Action        string `json:"action"`
	ShouldProceed *bool  `json:"should_proceed,omitempty"`
}

// #endregion fixture-types

// #region fixture-loader

// LoadFixture reads and parses a JSON fixture file.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture %s: %w", path, err)
	}
	var f Fixture
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	if len(f.Turns) == 0 {
		return nil, fmt.Errorf("fixture %s: no turns", path)
	}
	return &f, nil
}

// WriteFixture writes f as indented JSON.
func WriteFixture(path string, f *Fixture) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal fixture: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write fixture %s: %w", path, err)
	}
	return nil
}

// ToConfig applies the fixture overrides to the orchestrator defaults.
func (fc FixtureConfig) ToConfig() orchestrator.Config {
	cfg := orchestrator.DefaultConfig()
	if fc.Enabled != nil {
		cfg.Enabled = *fc.Enabled
	}
	if fc.DefaultPersona != "" {
		cfg.DefaultPersona = fc.DefaultPersona
	}
	return cfg
}

// Step returns the clock advance for events without a timestamp.
func (f *Fixture) Step() time.Duration {
	if f.StepSeconds <= 0 {
		return time.Minute
	}
	return time.Duration(f.StepSeconds) * time.Second
}

// #endregion fixture-loader
