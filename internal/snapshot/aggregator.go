package snapshot

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/danielpatrickdp/attending-controller/internal/metrics"
	"github.com/danielpatrickdp/attending-controller/internal/state"
)

// #region source
// Source is the read side of the ledger the aggregator needs.
type Source interface {
	RecentObservations(ctx context.Context, sessionID string, limit int) ([]state.Observation, error)
	CountIncidentsSince(ctx context.Context, sessionID string, since time.Time) (int, error)
}

// #endregion source

// #region aggregator
// Aggregator reduces recent observations and incidents into a ConditionSnapshot.
type Aggregator struct {
	source Source
	config AggregatorConfig
	clock  func() time.Time
	logger *zap.Logger
}

// NewAggregator creates an aggregator. logger may be nil.
func NewAggregator(source Source, config AggregatorConfig, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{source: source, config: config, clock: time.Now, logger: logger.Named("snapshot")}
}

// WithClock overrides the clock for deterministic testing.
func (a *Aggregator) WithClock(clock func() time.Time) *Aggregator {
	a.clock = clock
	return a
}

// Snapshot returns the session's current condition, or nil when no
// observations exist. A failed incident read counts as zero incidents.
func (a *Aggregator) Snapshot(ctx context.Context, sessionID string) (*ConditionSnapshot, error) {
	obs, err := a.source.RecentObservations(ctx, sessionID, a.config.Window)
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", sessionID, err)
	}
	if len(obs) == 0 {
		return nil, nil
	}

	now := a.clock()
	incidents, err := a.source.CountIncidentsSince(ctx, sessionID, now.Add(-a.config.IncidentWindow))
	if err != nil {
		metrics.StoreErrors.WithLabelValues("count_incidents").Inc()
		a.logger.Warn("incident window unavailable, assuming zero",
			zap.String("session", sessionID), zap.Error(err))
		incidents = 0
	}

	snap := Compute(sessionID, obs, incidents, a.config)
	snap.TakenAt = now
	return snap, nil
}

// #endregion aggregator

// #region compute
// Compute is the pure reduction behind Snapshot. obs must be ordered oldest
// to newest; only the trailing config.Window entries are used.
func Compute(sessionID string, obs []state.Observation, incidents int, config AggregatorConfig) *ConditionSnapshot {
	if len(obs) == 0 {
		return nil
	}
	if config.Window > 0 && len(obs) > config.Window {
		obs = obs[len(obs)-config.Window:]
	}
	if incidents < 0 {
		incidents = 0
	}

	var sum float64
	for _, o := range obs {
		sum += o.Quality
	}
	last := obs[len(obs)-1]

	return &ConditionSnapshot{
		SessionID:        sessionID,
		CurrentQuality:   last.Quality,
		AvgQualityLast5:  sum / float64(len(obs)),
		IncidentCount:    incidents,
		Health:           ClassifyHealth(last.Quality, incidents, config),
		LastPersona:      last.Persona,
		LastIntent:       last.Intent,
		ObservationCount: len(obs),
	}
}

// ClassifyHealth applies the critical-then-warning threshold ladder.
func ClassifyHealth(currentQuality float64, incidents int, config AggregatorConfig) Health {
	switch {
	case currentQuality < config.CriticalQuality || incidents > config.CriticalIncidents:
		return HealthCritical
	case currentQuality < config.WarningQuality || incidents > config.WarningIncidents:
		return HealthWarning
	default:
		return HealthHealthy
	}
}

// #endregion compute
