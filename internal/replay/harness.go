// Package replay drives recorded sessions through a fresh orchestrator on a
// virtual clock and compares the decisions against expectations.
package replay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danielpatrickdp/attending-controller/internal/alert"
	"github.com/danielpatrickdp/attending-controller/internal/logging"
	"github.com/danielpatrickdp/attending-controller/internal/orchestrator"
	"github.com/danielpatrickdp/attending-controller/internal/signals"
	"github.com/danielpatrickdp/attending-controller/internal/snapshot"
	"github.com/danielpatrickdp/attending-controller/internal/state"
	"github.com/danielpatrickdp/attending-controller/internal/update"
)

// Replayed actions. An executed protocol is reported by its id.
const (
	ActionProceed   = "proceed"
	ActionDefault   = "default"
	ActionPending   = "pending"
	ActionSuggested = "suggested"
	ActionNoOp      = "no_op"
	ActionViolation = "invariant_violation"
)

// #region types

// Result captures the outcome of replaying one turn.
type Result struct {
	TurnID        string
	Action        string
	Reason        string
	ShouldProceed bool
	Health        snapshot.Health
	Alerts        []alert.Kind
	Backfill      *update.BackfillResult
	Err           error
}

// Summary provides aggregate stats from a replay run.
type Summary struct {
	TotalTurns        int
	Executed          int
	Halted            int
	Suggested         int
	Pending           int
	Defaults          int
	Violations        int
	Backfills         int
	MeanEffectiveness float64
}

// #endregion types

// #region clock

// virtualClock only moves forward.
type virtualClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func (c *virtualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// tick jumps to at when it lies ahead, or advances one step when at is zero.
func (c *virtualClock) tick(at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case at.IsZero():
		c.now = c.now.Add(c.step)
	case at.After(c.now):
		c.now = at
	}
}

// #endregion clock

// #region replay

// Replay runs every turn of f against store, which should be empty. Store
// failures abort the run; invariant violations are recorded per turn.
func Replay(ctx context.Context, store *state.Store, f *Fixture, opts ...orchestrator.Option) ([]Result, error) {
	start := f.Start
	if start.IsZero() {
		start = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	clock := &virtualClock{now: start, step: f.Step()}
	orch := orchestrator.New(store, f.Config.ToConfig(),
		append([]orchestrator.Option{orchestrator.WithClock(clock.Now)}, opts...)...)

	sessionID := f.SessionID
	if sessionID == "" {
		sessionID = "replay"
	}

	for i, h := range f.History {
		clock.tick(h.At)
		in := signals.ObservationInput{Persona: h.Persona, Intent: h.Intent, Quality: h.Quality}
		if _, err := orch.Observe(ctx, h.SessionID, in); err != nil {
			return nil, fmt.Errorf("history %d: %w", i, err)
		}
	}

	results := make([]Result, 0, len(f.Turns))
	for i, turn := range f.Turns {
		turnID := turn.TurnID
		if turnID == "" {
			turnID = fmt.Sprintf("turn-%d", i+1)
		}
		for j, ev := range turn.Signals {
			clock.tick(ev.At)
			if err := apply(ctx, orch, sessionID, ev); err != nil {
				return results, fmt.Errorf("turn %s signal %d: %w", turnID, j, err)
			}
		}

		clock.tick(turn.At)
		g, err := orch.PreTurn(ctx, sessionID, orchestrator.TurnContext{
			TurnID:  turnID,
			Intent:  turn.Intent,
			Persona: turn.Persona,
		})
		r := Result{TurnID: turnID}
		if err != nil {
			if !errors.Is(err, state.ErrInvariantViolation) {
				return results, fmt.Errorf("turn %s: %w", turnID, err)
			}
			r.Action = ActionViolation
			r.Reason = err.Error()
			r.Err = err
		} else {
			r.Action = ActionOf(g)
			r.ShouldProceed = g.ShouldProceed
			r.Health = g.Health
			r.Alerts = alert.Kinds(g.Alerts)
			if g.Intervention != nil {
				r.Reason = g.Intervention.Reason
			}
		}

		if turn.Defer {
			orch.Defer(sessionID)
		}
		if turn.Outcome != nil && turn.Outcome.Observation != nil {
			clock.tick(turn.Outcome.At)
			fb, err := orch.PostTurn(ctx, sessionID, *turn.Outcome.Observation, turn.Outcome.Incident)
			switch {
			case err == nil:
				r.Backfill = fb.Backfill
			case errors.Is(err, state.ErrInvariantViolation):
				r.Err = err
			default:
				return append(results, r), fmt.Errorf("turn %s outcome: %w", turnID, err)
			}
		}
		results = append(results, r)
	}
	return results, nil
}

func apply(ctx context.Context, orch *orchestrator.Orchestrator, sessionID string, ev FixtureEvent) error {
	if ev.Observation != nil {
		if _, err := orch.Observe(ctx, sessionID, *ev.Observation); err != nil {
			return err
		}
	}
	if ev.Incident != nil {
		if _, err := orch.Incident(ctx, sessionID, *ev.Incident); err != nil {
			return err
		}
	}
	return nil
}

// ActionOf names what PRE_TURN decided.
func ActionOf(g orchestrator.Guidance) string {
	switch {
	case g.Default:
		return ActionDefault
	case g.Intervention == nil:
		return ActionProceed
	case g.Intervention.Suggested:
		return ActionSuggested
	case g.Intervention.Executed:
		return g.Intervention.ProtocolID
	case g.Intervention.RecordID != "":
		return ActionPending
	default:
		return ActionNoOp
	}
}

// ActionOfDecision names what a logged decision recorded, in the same
// vocabulary as ActionOf.
func ActionOfDecision(e logging.DecisionEntry) string {
	switch e.Action {
	case logging.ActionExecuted:
		return e.ProtocolID
	case logging.ActionNone:
		return ActionProceed
	case logging.ActionSuggested:
		return ActionSuggested
	case logging.ActionPending:
		return ActionPending
	case logging.ActionNoOp:
		return ActionNoOp
	default:
		return ActionDefault
	}
}

// Summarize computes aggregate stats from replay results.
func Summarize(results []Result) Summary {
	s := Summary{TotalTurns: len(results)}
	var effSum float64
	for _, r := range results {
		switch r.Action {
		case ActionDefault:
			s.Defaults++
		case ActionProceed, ActionNoOp:
		case ActionSuggested:
			s.Suggested++
		case ActionPending:
			s.Pending++
		case ActionViolation:
			s.Violations++
		default:
			s.Executed++
			if !r.ShouldProceed {
				s.Halted++
			}
		}
		if r.Backfill != nil {
			s.Backfills++
			effSum += r.Backfill.Effectiveness
		}
	}
	if s.Backfills > 0 {
		s.MeanEffectiveness = effSum / float64(s.Backfills)
	}
	return s
}

// #endregion replay
