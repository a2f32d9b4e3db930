// Package intervention carries out the remediation a matched protocol names.
package intervention

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/danielpatrickdp/attending-controller/internal/metrics"
	"github.com/danielpatrickdp/attending-controller/internal/notify"
	"github.com/danielpatrickdp/attending-controller/internal/optimizer"
	"github.com/danielpatrickdp/attending-controller/internal/protocol"
	"github.com/danielpatrickdp/attending-controller/internal/snapshot"
	"github.com/danielpatrickdp/attending-controller/internal/state"
)

// User-facing hint text. Internal error detail never reaches these.
const (
	hintBoost    = "Slow down and stay fully present with the user before answering."
	hintPause    = "Let's pause for a moment. I want to make sure I'm really following you. Could you tell me, in your own words, what matters most right now?"
	hintEscalate = "I'd like to bring in a person who can help with this. Someone will follow up with you shortly."
)

var haltKinds = []string{string(protocol.KindPauseRecalibrate), string(protocol.KindHumanEscalation)}

// #region executor

// Executor writes intervention records and shapes the turn's guidance.
type Executor struct {
	store       Store
	recommender Recommender
	escalator   Escalator
	config      Config
	clock       func() time.Time
	newID       func() string
	logger      *zap.Logger
}

// NewExecutor creates an executor. escalator and logger may be nil.
func NewExecutor(store Store, recommender Recommender, escalator Escalator, config Config, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		store:       store,
		recommender: recommender,
		escalator:   escalator,
		config:      config,
		clock:       time.Now,
		newID:       uuid.NewString,
		logger:      logger.Named("intervention"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (e *Executor) WithClock(clock func() time.Time) *Executor {
	e.clock = clock
	return e
}

// WithIDFunc overrides record id generation.
func (e *Executor) WithIDFunc(fn func() string) *Executor {
	e.newID = fn
	return e
}

// Execute runs p for the turn in tc. Protocols that are not auto-executed
// are surfaced as suggestions and never write. A second execution for the
// same turn fails with state.ErrDuplicateExecution.
func (e *Executor) Execute(ctx context.Context, p protocol.Protocol, snap *snapshot.ConditionSnapshot, tc Context) (Result, error) {
	if snap == nil {
		return Result{}, fmt.Errorf("execute %s: no snapshot", p.ID)
	}
	current := tc.Persona
	if current == "" {
		current = snap.LastPersona
	}
	res := Result{
		ProtocolID:         p.ID,
		Kind:               p.Kind,
		ShouldProceed:      true,
		PersonaBefore:      current,
		PersonaAfter:       current,
		AttendingIntention: e.config.DefaultIntention,
	}

	if !p.AutoExecute {
		return e.suggest(ctx, p, tc, res)
	}

	switch p.Kind {
	case protocol.KindArchetypeSwitch:
		return e.archetypeSwitch(ctx, p, snap, tc, res)
	case protocol.KindAttendingBoost:
		return e.attendingBoost(ctx, p, snap, tc, res)
	case protocol.KindPauseRecalibrate:
		return e.pause(ctx, p, snap, tc, res)
	case protocol.KindHumanEscalation:
		return e.escalate(ctx, p, snap, tc, res)
	default:
		return Result{}, fmt.Errorf("execute %s: unknown intervention kind %q", p.ID, p.Kind)
	}
}

// #endregion executor

// #region kinds

func (e *Executor) suggest(ctx context.Context, p protocol.Protocol, tc Context, res Result) (Result, error) {
	res.Suggested = true
	res.Reason = "suggestion only"
	if p.Kind == protocol.KindArchetypeSwitch && e.recommender != nil {
		rec, err := e.recommender.Recommend(ctx, optimizer.Context{Intent: tc.Intent, Persona: res.PersonaBefore})
		if err != nil {
			return Result{}, fmt.Errorf("suggest %s: %w", p.ID, err)
		}
		if rec != nil && rec.Persona != res.PersonaBefore {
			res.PersonaAfter = rec.Persona
			res.Reason = fmt.Sprintf("suggest %s (mean %.2f over %d samples)", rec.Persona, rec.Mean, rec.Samples)
		}
	}
	metrics.Interventions.WithLabelValues(string(p.Kind), "suggested").Inc()
	return res, nil
}

func (e *Executor) archetypeSwitch(ctx context.Context, p protocol.Protocol, snap *snapshot.ConditionSnapshot, tc Context, res Result) (Result, error) {
	if e.recommender == nil {
		res.Reason = "no recommender configured"
		return e.noOp(p, res), nil
	}
	rec, err := e.recommender.Recommend(ctx, optimizer.Context{Intent: tc.Intent, Persona: res.PersonaBefore})
	if err != nil {
		return Result{}, fmt.Errorf("archetype switch: %w", err)
	}
	if rec == nil {
		res.Reason = "no persona has enough history"
		return e.noOp(p, res), nil
	}
	if rec.Persona == res.PersonaBefore {
		res.Reason = fmt.Sprintf("%s is already the best persona", rec.Persona)
		return e.noOp(p, res), nil
	}

	res.PersonaAfter = rec.Persona
	res.Hint = fmt.Sprintf("Shift into the %s persona for this reply.", rec.Persona)
	res.Reason = fmt.Sprintf("switch %s -> %s (confidence %.2f)", res.PersonaBefore, rec.Persona, rec.Confidence)
	return e.record(ctx, p, snap, tc, res)
}

func (e *Executor) attendingBoost(ctx context.Context, p protocol.Protocol, snap *snapshot.ConditionSnapshot, tc Context, res Result) (Result, error) {
	res.AttendingIntention = e.config.BoostIntention
	res.Hint = hintBoost
	res.Reason = "raise attending presence for the next turn"
	return e.record(ctx, p, snap, tc, res)
}

func (e *Executor) pause(ctx context.Context, p protocol.Protocol, snap *snapshot.ConditionSnapshot, tc Context, res Result) (Result, error) {
	res.AttendingIntention = e.config.HaltIntention
	if open, err := e.openHalt(ctx, tc.SessionID); err != nil {
		return Result{}, err
	} else if open != nil {
		return e.alreadyOpen(p, open, res), nil
	}

	res.ShouldProceed = false
	res.Hint = hintPause
	res.Reason = "pause and recalibrate"
	return e.record(ctx, p, snap, tc, res)
}

func (e *Executor) escalate(ctx context.Context, p protocol.Protocol, snap *snapshot.ConditionSnapshot, tc Context, res Result) (Result, error) {
	res.AttendingIntention = e.config.HaltIntention
	if open, err := e.openHalt(ctx, tc.SessionID); err != nil {
		return Result{}, err
	} else if open != nil {
		return e.alreadyOpen(p, open, res), nil
	}

	res.ShouldProceed = false
	res.Hint = hintEscalate
	res.Reason = "human escalation"
	res, err := e.record(ctx, p, snap, tc, res)
	if err != nil {
		return Result{}, err
	}

	if e.escalator != nil {
		e.escalator.Fire(notify.Escalation{
			SessionID:      tc.SessionID,
			TurnID:         tc.TurnID,
			InterventionID: res.RecordID,
			ProtocolID:     p.ID,
			Reason:         tc.Trigger,
			Health:         string(snap.Health),
			Quality:        snap.CurrentQuality,
			Incidents:      snap.IncidentCount,
			At:             e.clock(),
		})
	}
	return res, nil
}

// #endregion kinds

// #region helpers

func (e *Executor) openHalt(ctx context.Context, sessionID string) (*state.InterventionRecord, error) {
	open, err := e.store.OpenIntervention(ctx, sessionID, haltKinds, e.clock().Add(-e.config.OpenWindow))
	if err != nil {
		return nil, fmt.Errorf("open intervention lookup: %w", err)
	}
	return open, nil
}

// alreadyOpen lets the turn proceed while an earlier halt awaits its
// back-fill, instead of stacking a second one.
func (e *Executor) alreadyOpen(p protocol.Protocol, open *state.InterventionRecord, res Result) Result {
	res.RecordID = open.ID
	res.Reason = fmt.Sprintf("%s %s still open", open.ActionKind, open.ID)
	metrics.Interventions.WithLabelValues(string(p.Kind), "open").Inc()
	return res
}

func (e *Executor) noOp(p protocol.Protocol, res Result) Result {
	metrics.Interventions.WithLabelValues(string(p.Kind), "false").Inc()
	return res
}

func (e *Executor) record(ctx context.Context, p protocol.Protocol, snap *snapshot.ConditionSnapshot, tc Context, res Result) (Result, error) {
	rec := state.InterventionRecord{
		ID:            e.newID(),
		SessionID:     tc.SessionID,
		TurnID:        tc.TurnID,
		ProtocolID:    p.ID,
		Trigger:       tc.Trigger,
		ActionKind:    string(p.Kind),
		QualityBefore: snap.CurrentQuality,
		CreatedAt:     e.clock(),
	}
	if p.Kind == protocol.KindArchetypeSwitch {
		rec.PersonaBefore = res.PersonaBefore
		rec.PersonaAfter = res.PersonaAfter
	}
	if err := e.store.InsertIntervention(ctx, rec); err != nil {
		return Result{}, fmt.Errorf("execute %s: %w", p.ID, err)
	}

	res.Executed = true
	res.RecordID = rec.ID
	metrics.Interventions.WithLabelValues(string(p.Kind), "true").Inc()
	e.logger.Info("intervention executed",
		zap.String("session", tc.SessionID),
		zap.String("turn", tc.TurnID),
		zap.String("protocol", p.ID),
		zap.String("record", rec.ID),
		zap.Float64("quality_before", rec.QualityBefore),
		zap.Bool("should_proceed", res.ShouldProceed))
	return res, nil
}

// #endregion helpers
