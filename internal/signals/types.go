package signals

import (
	"context"
	"errors"

	"github.com/danielpatrickdp/attending-controller/internal/state"
)

// #region errors

// ErrInvalidSignal rejects signals outside their documented ranges.
var ErrInvalidSignal = errors.New("invalid signal")

// #endregion errors

// #region sink

// Sink is the append-only ledger the collector writes to.
type Sink interface {
	AppendObservation(ctx context.Context, o state.Observation) error
	AppendIncident(ctx context.Context, inc state.DissociationIncident) error
}

// #endregion sink

// #region inputs

// ObservationInput is what an external quality estimator reports for one turn.
type ObservationInput struct {
	Persona string  `json:"persona"`
	Intent  string  `json:"intent,omitempty"`
	Quality float64 `json:"quality"`
}

// IncidentInput is what an external dissociation estimator reports.
type IncidentInput struct {
	Severity float64 `json:"severity"`
	Category string  `json:"category"`
}

// #endregion inputs
