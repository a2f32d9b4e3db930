// Package ledger answers rolling performance queries over the append-only
// observation and intervention logs.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/danielpatrickdp/attending-controller/internal/state"
)

// #region reader

// Reader is the subset of the store the ledger aggregates over.
type Reader interface {
	PersonaPerformance(ctx context.Context, since time.Time) ([]state.PerformanceRow, error)
	EffectivenessByKind(ctx context.Context, since time.Time) ([]state.EffectivenessRow, error)
}

// #endregion reader

// #region types

// PerformanceRecord is a (persona, intent) → (sum, count) aggregate.
type PerformanceRecord struct {
	Persona string
	Intent  string
	Sum     float64
	Count   int
}

// Mean returns the average quality, or 0 for an empty record.
func (r PerformanceRecord) Mean() float64 {
	if r.Count == 0 {
		return 0
	}
	return r.Sum / float64(r.Count)
}

// KindEffectiveness is the mean measured effectiveness of one intervention kind.
type KindEffectiveness struct {
	Kind    string  `json:"kind"`
	Mean    float64 `json:"mean"`
	Samples int     `json:"samples"`
}

// Config holds the trailing window.
type Config struct {
	Window time.Duration
}

// DefaultConfig returns the 30-day trailing window.
func DefaultConfig() Config {
	return Config{Window: 30 * 24 * time.Hour}
}

// #endregion types

// #region ledger

// Ledger reads rolling aggregates; it never writes.
type Ledger struct {
	reader Reader
	config Config
	clock  func() time.Time
}

// New creates a Ledger over reader.
func New(reader Reader, config Config) *Ledger {
	return &Ledger{reader: reader, config: config, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

// Since returns the start of the trailing window.
func (l *Ledger) Since() time.Time {
	return l.clock().Add(-l.config.Window)
}

// PersonaPerformance returns every (persona, intent) aggregate in the window.
func (l *Ledger) PersonaPerformance(ctx context.Context) ([]PerformanceRecord, error) {
	rows, err := l.reader.PersonaPerformance(ctx, l.Since())
	if err != nil {
		return nil, fmt.Errorf("ledger persona performance: %w", err)
	}
	out := make([]PerformanceRecord, len(rows))
	for i, r := range rows {
		out[i] = PerformanceRecord{Persona: r.Persona, Intent: r.Intent, Sum: r.Sum, Count: r.Count}
	}
	return out, nil
}

// EffectivenessByKind returns mean effectiveness per intervention kind.
// Interventions that were never back-filled do not contribute.
func (l *Ledger) EffectivenessByKind(ctx context.Context) ([]KindEffectiveness, error) {
	rows, err := l.reader.EffectivenessByKind(ctx, l.Since())
	if err != nil {
		return nil, fmt.Errorf("ledger effectiveness: %w", err)
	}
	out := make([]KindEffectiveness, 0, len(rows))
	for _, r := range rows {
		if r.Count == 0 {
			continue
		}
		out = append(out, KindEffectiveness{Kind: r.ActionKind, Mean: r.Mean, Samples: r.Count})
	}
	return out, nil
}

// #endregion ledger
