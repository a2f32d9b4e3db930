package replay

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/danielpatrickdp/attending-controller/internal/logging"
	"github.com/danielpatrickdp/attending-controller/internal/signals"
	"github.com/danielpatrickdp/attending-controller/internal/state"
)

const exportLimit = 100000

// #region export

// Export rebuilds a fixture from a recorded session: every logged decision
// becomes a turn, the first observation after it becomes that turn's
// outcome, and everything else is replayed as signals before the next turn.
// Observations from other sessions are not exported.
func Export(ctx context.Context, store *state.Store, sessionID string, last int) (*Fixture, error) {
	decisions, err := logging.ListDecisions(ctx, store.DB(), sessionID, exportLimit)
	if err != nil {
		return nil, fmt.Errorf("export %s: %w", sessionID, err)
	}
	if len(decisions) == 0 {
		return nil, fmt.Errorf("export %s: no decisions logged", sessionID)
	}
	slices.Reverse(decisions)

	obs, err := store.RecentObservations(ctx, sessionID, exportLimit)
	if err != nil {
		return nil, fmt.Errorf("export %s: %w", sessionID, err)
	}
	incs, err := store.ListIncidents(ctx, sessionID, exportLimit)
	if err != nil {
		return nil, fmt.Errorf("export %s: %w", sessionID, err)
	}
	slices.Reverse(incs)

	f := &Fixture{
		Description: fmt.Sprintf("exported from session %s", sessionID),
		SessionID:   sessionID,
		Start:       earliest(decisions[0].CreatedAt, obs, incs).Add(-time.Second),
	}

	oi, ii := 0, 0
	// pending signals before t, in time order
	signalsUntil := func(t time.Time) []FixtureEvent {
		var out []FixtureEvent
		for {
			nextObs := oi < len(obs) && !obs[oi].CreatedAt.After(t)
			nextInc := ii < len(incs) && !incs[ii].CreatedAt.After(t)
			switch {
			case nextObs && (!nextInc || !incs[ii].CreatedAt.Before(obs[oi].CreatedAt)):
				o := obs[oi]
				out = append(out, FixtureEvent{At: o.CreatedAt, Observation: &signals.ObservationInput{
					Persona: o.Persona, Intent: o.Intent, Quality: o.Quality,
				}})
				oi++
			case nextInc:
				in := incs[ii]
				out = append(out, FixtureEvent{At: in.CreatedAt, Incident: &signals.IncidentInput{
					Severity: in.Severity, Category: in.Category,
				}})
				ii++
			default:
				return out
			}
		}
	}

	for i, d := range decisions {
		turn := FixtureTurn{
			TurnID:  d.TurnID,
			At:      d.CreatedAt,
			Signals: signalsUntil(d.CreatedAt),
		}
		var next time.Time
		if i+1 < len(decisions) {
			next = decisions[i+1].CreatedAt
		}
		if oi < len(obs) && (next.IsZero() || !obs[oi].CreatedAt.After(next)) {
			o := obs[oi]
			turn.Outcome = &FixtureEvent{At: o.CreatedAt, Observation: &signals.ObservationInput{
				Persona: o.Persona, Intent: o.Intent, Quality: o.Quality,
			}}
			oi++
		}
		f.Turns = append(f.Turns, turn)
		f.ExpectedResults = append(f.ExpectedResults, FixtureExpectedResult{
			TurnID: d.TurnID,
			Action: ActionOfDecision(d),
		})
	}

	if last > 0 && len(f.Turns) > last {
		// earlier turns still feed the snapshot window, so their signals stay
		cut := len(f.Turns) - last
		var carried []FixtureEvent
		for _, t := range f.Turns[:cut] {
			carried = append(carried, t.Signals...)
			if t.Outcome != nil {
				carried = append(carried, *t.Outcome)
			}
		}
		f.Turns = f.Turns[cut:]
		f.Turns[0].Signals = append(carried, f.Turns[0].Signals...)
		f.ExpectedResults = f.ExpectedResults[cut:]
	}
	return f, nil
}

func earliest(t time.Time, obs []state.Observation, incs []state.DissociationIncident) time.Time {
	if len(obs) > 0 && obs[0].CreatedAt.Before(t) {
		t = obs[0].CreatedAt
	}
	if len(incs) > 0 && incs[0].CreatedAt.Before(t) {
		t = incs[0].CreatedAt
	}
	return t
}

// #endregion export
