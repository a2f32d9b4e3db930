package signals

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/danielpatrickdp/attending-controller/internal/metrics"
	"github.com/danielpatrickdp/attending-controller/internal/state"
)

// #region collector

// Collector validates and records signals produced by external estimators.
type Collector struct {
	sink   Sink
	clock  func() time.Time
	logger *zap.Logger
}

// NewCollector creates a Collector. logger may be nil.
func NewCollector(sink Sink, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collector{sink: sink, clock: time.Now, logger: logger.Named("signals")}
}

// WithClock overrides the clock for deterministic testing.
func (c *Collector) WithClock(clock func() time.Time) *Collector {
	c.clock = clock
	return c
}

// #endregion collector

// #region observe

// Observe records one normalized quality measurement.
func (c *Collector) Observe(ctx context.Context, sessionID string, in ObservationInput) (state.Observation, error) {
	if err := ValidateObservation(sessionID, in); err != nil {
		return state.Observation{}, err
	}

	o := state.Observation{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Persona:   in.Persona,
		Intent:    strings.ToLower(strings.TrimSpace(in.Intent)),
		Quality:   in.Quality,
		CreatedAt: c.clock().UTC(),
	}
	if err := c.sink.AppendObservation(ctx, o); err != nil {
		metrics.StoreErrors.WithLabelValues("append_observation").Inc()
		return state.Observation{}, err
	}
	metrics.Observations.WithLabelValues(metrics.Band(o.Quality)).Inc()
	c.logger.Debug("observation recorded",
		zap.String("session", sessionID),
		zap.String("persona", o.Persona),
		zap.String("intent", o.Intent),
		zap.Float64("quality", o.Quality))
	return o, nil
}

// #endregion observe

// #region incident

// Incident records one dissociation incident.
func (c *Collector) Incident(ctx context.Context, sessionID string, in IncidentInput) (state.DissociationIncident, error) {
	if err := ValidateIncident(sessionID, in); err != nil {
		return state.DissociationIncident{}, err
	}
	category := strings.TrimSpace(in.Category)
	if category == "" {
		category = "unspecified"
	}

	inc := state.DissociationIncident{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Severity:  in.Severity,
		Category:  category,
		CreatedAt: c.clock().UTC(),
	}
	if err := c.sink.AppendIncident(ctx, inc); err != nil {
		metrics.StoreErrors.WithLabelValues("append_incident").Inc()
		return state.DissociationIncident{}, err
	}
	metrics.Incidents.WithLabelValues(metrics.Band(inc.Severity)).Inc()
	c.logger.Debug("incident recorded",
		zap.String("session", sessionID),
		zap.String("category", category),
		zap.Float64("severity", inc.Severity))
	return inc, nil
}

// #endregion incident

// #region validate

// ValidateObservation checks an observation without recording it.
func ValidateObservation(sessionID string, in ObservationInput) error {
	if strings.TrimSpace(sessionID) == "" {
		return fmt.Errorf("%w: empty session id", ErrInvalidSignal)
	}
	if strings.TrimSpace(in.Persona) == "" {
		return fmt.Errorf("%w: empty persona", ErrInvalidSignal)
	}
	if !unitInterval(in.Quality) {
		return fmt.Errorf("%w: quality %v outside [0,1]", ErrInvalidSignal, in.Quality)
	}
	return nil
}

// ValidateIncident checks an incident without recording it.
func ValidateIncident(sessionID string, in IncidentInput) error {
	if strings.TrimSpace(sessionID) == "" {
		return fmt.Errorf("%w: empty session id", ErrInvalidSignal)
	}
	if !unitInterval(in.Severity) {
		return fmt.Errorf("%w: severity %v outside [0,1]", ErrInvalidSignal, in.Severity)
	}
	return nil
}

// #endregion validate

// #region helpers

// unitInterval reports whether v is a finite number in [0, 1].
func unitInterval(v float64) bool {
	return !math.IsNaN(v) && v >= 0 && v <= 1
}

// #endregion helpers
