// Package update measures the effect of an executed intervention.
package update

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/danielpatrickdp/attending-controller/internal/metrics"
	"github.com/danielpatrickdp/attending-controller/internal/state"
)

// #region effectiveness
// Effectiveness is clamp(0, 1, 0.5 + (after - before)). 0.5 means no change.
func Effectiveness(qualityBefore, qualityAfter float64) float64 {
	e := 0.5 + (qualityAfter - qualityBefore)
	return math.Max(0, math.Min(1, e))
}

// #endregion effectiveness

// #region updater
// Updater writes quality-after and effectiveness onto intervention records.
type Updater struct {
	store  Store
	clock  func() time.Time
	logger *zap.Logger
}

// NewUpdater creates an updater. logger may be nil.
func NewUpdater(store Store, logger *zap.Logger) *Updater {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Updater{store: store, clock: time.Now, logger: logger.Named("update")}
}

// WithClock overrides the clock for deterministic testing.
func (u *Updater) WithClock(clock func() time.Time) *Updater {
	u.clock = clock
	return u
}

// Backfill computes and writes the effectiveness of one intervention exactly
// once. A second call for the same id fails with state.ErrAlreadyBackfilled
// and leaves the first result in place.
func (u *Updater) Backfill(ctx context.Context, interventionID string, qualityAfter float64) (BackfillResult, error) {
	if math.IsNaN(qualityAfter) || qualityAfter < 0 || qualityAfter > 1 {
		return BackfillResult{}, fmt.Errorf("backfill %s: quality %v outside [0,1]", interventionID, qualityAfter)
	}

	rec, err := u.store.GetIntervention(ctx, interventionID)
	if err != nil {
		return BackfillResult{}, fmt.Errorf("backfill %s: %w", interventionID, err)
	}
	if rec.Backfilled() {
		metrics.Backfills.WithLabelValues("rejected").Inc()
		return BackfillResult{}, fmt.Errorf("backfill %s: %w", interventionID, state.ErrAlreadyBackfilled)
	}

	eff := Effectiveness(rec.QualityBefore, qualityAfter)
	at := u.clock()
	if err := u.store.BackfillIntervention(ctx, interventionID, qualityAfter, eff, at); err != nil {
		if errors.Is(err, state.ErrAlreadyBackfilled) {
			metrics.Backfills.WithLabelValues("rejected").Inc()
		} else {
			metrics.Backfills.WithLabelValues("error").Inc()
		}
		return BackfillResult{}, fmt.Errorf("backfill %s: %w", interventionID, err)
	}

	metrics.Backfills.WithLabelValues("ok").Inc()
	metrics.Effectiveness.WithLabelValues(rec.ActionKind).Observe(eff)
	u.logger.Info("intervention back-filled",
		zap.String("intervention", interventionID),
		zap.String("kind", rec.ActionKind),
		zap.Float64("quality_before", rec.QualityBefore),
		zap.Float64("quality_after", qualityAfter),
		zap.Float64("effectiveness", eff))

	return BackfillResult{
		InterventionID: interventionID,
		ActionKind:     rec.ActionKind,
		QualityBefore:  rec.QualityBefore,
		QualityAfter:   qualityAfter,
		Effectiveness:  eff,
		Decision: Decision{
			Action: "backfilled",
			Reason: fmt.Sprintf("quality %.2f -> %.2f", rec.QualityBefore, qualityAfter),
		},
		BackfilledAt: at,
	}, nil
}

// #endregion updater
