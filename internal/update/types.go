package update

import (
	"context"
	"time"

	"github.com/danielpatrickdp/attending-controller/internal/state"
)

// #region store
// Store is the part of the ledger the updater reads and mutates.
type Store interface {
	GetIntervention(ctx context.Context, id string) (state.InterventionRecord, error)
	BackfillIntervention(ctx context.Context, id string, qualityAfter, effectiveness float64, at time.Time) error
}

// #endregion store

// #region decision
// Decision records what the updater did.
type Decision struct {
	Action string // "backfilled" | "rejected"
	Reason string
}

// #endregion decision

// #region backfill-result
// BackfillResult bundles everything returned by Backfill.
type BackfillResult struct {
	InterventionID string
	ActionKind     string
	QualityBefore  float64
	QualityAfter   float64
	Effectiveness  float64
	Decision       Decision
	BackfilledAt   time.Time
}

// #endregion backfill-result
