// Package orchestrator runs the per-turn control loop:
// PRE_TURN → response generation → POST_TURN → backfill.
package orchestrator

// #region imports
import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/danielpatrickdp/attending-controller/internal/alert"
	"github.com/danielpatrickdp/attending-controller/internal/intervention"
	"github.com/danielpatrickdp/attending-controller/internal/ledger"
	"github.com/danielpatrickdp/attending-controller/internal/logging"
	"github.com/danielpatrickdp/attending-controller/internal/metrics"
	"github.com/danielpatrickdp/attending-controller/internal/optimizer"
	"github.com/danielpatrickdp/attending-controller/internal/protocol"
	"github.com/danielpatrickdp/attending-controller/internal/signals"
	"github.com/danielpatrickdp/attending-controller/internal/snapshot"
	"github.com/danielpatrickdp/attending-controller/internal/state"
	"github.com/danielpatrickdp/attending-controller/internal/update"
)

// #endregion

// #region session

// session is the per-session context. Its mutex serializes turns of one
// session; different sessions never share one.
type session struct {
	mu       sync.Mutex
	pending  string    // intervention awaiting back-fill
	last     *Guidance // last decided PRE_TURN; a retry of that turn gets it back
	persona  string    // last persona reported by POST_TURN
	lastUsed time.Time // guarded by Orchestrator.mu
}

func (s *session) remember(g Guidance) {
	s.last = &g
}

// #endregion

// #region options

type options struct {
	registry  *protocol.Registry
	escalator intervention.Escalator
	logger    *zap.Logger
	clock     func() time.Time
	newID     func() string
}

// Option customizes an Orchestrator.
type Option func(*options)

// WithRegistry replaces the default protocol ladder.
func WithRegistry(r *protocol.Registry) Option { return func(o *options) { o.registry = r } }

// WithEscalator sets the escalation channel.
func WithEscalator(e intervention.Escalator) Option { return func(o *options) { o.escalator = e } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(o *options) { o.logger = l } }

// WithClock overrides the clock of every component.
func WithClock(c func() time.Time) Option { return func(o *options) { o.clock = c } }

// WithIDFunc overrides id generation for turns, alerts and interventions.
func WithIDFunc(f func() string) Option { return func(o *options) { o.newID = f } }

// #endregion

// #region orchestrator-struct

// Orchestrator is the top-level coordinator for snapshotting, alerting,
// protocol matching, intervention and effectiveness back-fill.
type Orchestrator struct {
	store      *state.Store
	collector  *signals.Collector
	aggregator *snapshot.Aggregator
	ledger     *ledger.Ledger
	optimizer  *optimizer.Optimizer
	alerts     *alert.Generator
	registry   *protocol.Registry
	executor   *intervention.Executor
	updater    *update.Updater
	config     Config
	clock      func() time.Time
	newID      func() string
	logger     *zap.Logger

	mu        sync.Mutex
	sessions  map[string]*session
	lastSweep time.Time
}

// #endregion

// #region constructor

// New creates a fully wired orchestrator over store.
func New(store *state.Store, config Config, opts ...Option) *Orchestrator {
	o := options{clock: time.Now, newID: uuid.NewString}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.registry == nil {
		o.registry = protocol.MustDefault()
	}
	if config.DefaultPersona == "" {
		config.DefaultPersona = DefaultConfig().DefaultPersona
	}

	led := ledger.New(store, config.Ledger).WithClock(o.clock)
	ranker := optimizer.New(led, config.Optimizer)

	return &Orchestrator{
		store:      store,
		collector:  signals.NewCollector(store, o.logger).WithClock(o.clock),
		aggregator: snapshot.NewAggregator(store, config.Aggregator, o.logger).WithClock(o.clock),
		ledger:     led,
		optimizer:  ranker,
		alerts:     alert.NewGenerator(config.Alerts).WithClock(o.clock).WithIDFunc(o.newID),
		registry:   o.registry,
		executor: intervention.NewExecutor(store, ranker, o.escalator, config.Intervention, o.logger).
			WithClock(o.clock).WithIDFunc(o.newID),
		updater:  update.NewUpdater(store, o.logger).WithClock(o.clock),
		config:   config,
		clock:    o.clock,
		newID:    o.newID,
		logger:   o.logger.Named("orchestrator"),
		sessions: make(map[string]*session),
	}
}

// Enabled returns whether the orchestrator intervenes.
func (o *Orchestrator) Enabled() bool {
	return o.config.Enabled
}

// Registry returns the active protocol ladder.
func (o *Orchestrator) Registry() *protocol.Registry {
	return o.registry
}

func (o *Orchestrator) session(id string) *session {
	o.mu.Lock()
	defer o.mu.Unlock()
	now := o.clock()
	s, ok := o.sessions[id]
	if !ok {
		o.evictIdle(now)
		s = &session{}
		o.sessions[id] = s
	}
	s.lastUsed = now
	return s
}

// lookup returns the session without creating one.
func (o *Orchestrator) lookup(id string) *session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sessions[id]
}

// evictIdle drops sessions unused for SessionIdleTTL that hold no pending
// intervention. It sweeps at most once per TTL. Callers hold o.mu.
func (o *Orchestrator) evictIdle(now time.Time) {
	ttl := o.config.SessionIdleTTL
	if ttl <= 0 || now.Sub(o.lastSweep) < ttl {
		return
	}
	o.lastSweep = now
	for id, s := range o.sessions {
		if now.Sub(s.lastUsed) < ttl || !s.mu.TryLock() {
			continue
		}
		idle := s.pending == ""
		s.mu.Unlock()
		if idle {
			delete(o.sessions, id)
		}
	}
}

// #endregion

// #region signals

// Observe records an observation without touching pending interventions.
func (o *Orchestrator) Observe(ctx context.Context, sessionID string, in signals.ObservationInput) (state.Observation, error) {
	return o.collector.Observe(ctx, sessionID, in)
}

// Incident records a dissociation incident.
func (o *Orchestrator) Incident(ctx context.Context, sessionID string, in signals.IncidentInput) (state.DissociationIncident, error) {
	return o.collector.Incident(ctx, sessionID, in)
}

// #endregion

// #region pre-turn

// PreTurn computes the snapshot, raises alerts, matches a protocol and
// executes it if it is automatic. A retry of the last decided turn gets the
// same guidance back. Only invariant violations are returned as errors;
// every other failure degrades to the permissive default guidance.
func (o *Orchestrator) PreTurn(ctx context.Context, sessionID string, tc TurnContext) (Guidance, error) {
	if strings.TrimSpace(sessionID) == "" {
		return Guidance{}, fmt.Errorf("%w: empty session id", ErrInvalidRequest)
	}
	if tc.TurnID == "" {
		tc.TurnID = o.newID()
	}

	s := o.session(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()

	persona := tc.Persona
	if persona == "" {
		persona = s.persona
	}
	if persona == "" {
		persona = o.config.DefaultPersona
	}
	g := o.defaultGuidance(sessionID, tc.TurnID, persona)

	if !o.config.Enabled {
		metrics.Guidance.WithLabelValues("disabled").Inc()
		o.logDecision(sessionID, tc.TurnID, nil, "", logging.ActionDisabled, "orchestrator disabled")
		return g, nil
	}
	if s.last != nil && s.last.TurnID == tc.TurnID {
		metrics.Guidance.WithLabelValues("repeat").Inc()
		return *s.last, nil
	}

	snap, err := o.aggregator.Snapshot(ctx, sessionID)
	if err != nil {
		return o.fallback(g, "snapshot", err), nil
	}
	if snap == nil {
		metrics.Guidance.WithLabelValues("no_data").Inc()
		o.logDecision(sessionID, tc.TurnID, nil, "", logging.ActionDefault, "no observations yet")
		return g, nil
	}
	if tc.Persona == "" && s.persona == "" && snap.LastPersona != "" {
		persona = snap.LastPersona
		g.RecommendedPersona = persona
	}
	g.Default = false
	g.Health = snap.Health

	alerts := o.alerts.Evaluate(snap)
	g.Alerts = alerts
	o.persistAlerts(ctx, sessionID, tc.TurnID, alerts)

	p := o.registry.Match(alerts, snap)
	if p == nil {
		metrics.Guidance.WithLabelValues("proceed").Inc()
		o.logDecision(sessionID, tc.TurnID, alerts, "", logging.ActionNone, "no protocol matched")
		s.remember(g)
		return g, nil
	}

	if s.pending != "" && p.AutoExecute {
		g.AttendingIntention = o.config.Intervention.HaltIntention
		g.Intervention = &intervention.Result{
			ProtocolID:         p.ID,
			Kind:               p.Kind,
			ShouldProceed:      true,
			RecordID:           s.pending,
			PersonaBefore:      persona,
			PersonaAfter:       persona,
			AttendingIntention: g.AttendingIntention,
			Reason:             "awaiting back-fill of " + s.pending,
		}
		metrics.Guidance.WithLabelValues("pending").Inc()
		o.logDecision(sessionID, tc.TurnID, alerts, p.ID, logging.ActionPending, g.Intervention.Reason)
		s.remember(g)
		return g, nil
	}

	res, err := o.executor.Execute(ctx, *p, snap, intervention.Context{
		SessionID: sessionID,
		TurnID:    tc.TurnID,
		Intent:    tc.Intent,
		Persona:   persona,
		Trigger:   joinKinds(alerts),
	})
	if err != nil {
		if errors.Is(err, state.ErrInvariantViolation) {
			o.logger.Error("invariant violation in pre-turn",
				zap.String("session", sessionID), zap.String("turn", tc.TurnID), zap.Error(err))
			return g, err
		}
		return o.fallback(g, "execute", err), nil
	}

	g.Intervention = &res
	g.ShouldProceed = res.ShouldProceed
	g.Hint = res.Hint
	g.AttendingIntention = res.AttendingIntention

	action := logging.ActionNoOp
	switch {
	case res.Suggested:
		action = logging.ActionSuggested
	case res.Executed:
		action = logging.ActionExecuted
		g.RecommendedPersona = res.PersonaAfter
		s.pending = res.RecordID
	case res.RecordID != "":
		// an earlier halt is still open in the store
		action = logging.ActionPending
		s.pending = res.RecordID
	}

	outcome := "proceed"
	if !g.ShouldProceed {
		outcome = "halt"
	}
	metrics.Guidance.WithLabelValues(outcome).Inc()
	o.logDecision(sessionID, tc.TurnID, alerts, p.ID, action, res.Reason)
	o.logger.Info("pre-turn",
		zap.String("session", sessionID),
		zap.String("turn", tc.TurnID),
		zap.String("health", string(snap.Health)),
		zap.Strings("alerts", kindStrings(alerts)),
		zap.String("protocol", p.ID),
		zap.String("action", action),
		zap.Bool("should_proceed", g.ShouldProceed))
	s.remember(g)
	return g, nil
}

func (o *Orchestrator) defaultGuidance(sessionID, turnID, persona string) Guidance {
	return Guidance{
		SessionID:          sessionID,
		TurnID:             turnID,
		ShouldProceed:      true,
		RecommendedPersona: persona,
		AttendingIntention: o.config.Intervention.DefaultIntention,
		Health:             snapshot.HealthUnknown,
		Default:            true,
	}
}

// fallback logs a recoverable failure and returns the permissive default.
func (o *Orchestrator) fallback(g Guidance, stage string, err error) Guidance {
	metrics.StoreErrors.WithLabelValues("pre_turn_" + stage).Inc()
	metrics.Guidance.WithLabelValues("default").Inc()
	o.logger.Warn("pre-turn degraded to default guidance",
		zap.String("session", g.SessionID),
		zap.String("turn", g.TurnID),
		zap.String("stage", stage),
		zap.Error(err))
	o.logDecision(g.SessionID, g.TurnID, nil, "", logging.ActionDefault, stage+" unavailable")
	return o.defaultGuidance(g.SessionID, g.TurnID, g.RecommendedPersona)
}

// #endregion

// #region post-turn

// PostTurn records the realized observation and optional incident, then
// back-fills the pending intervention with the observed quality.
func (o *Orchestrator) PostTurn(ctx context.Context, sessionID string, obs signals.ObservationInput, inc *signals.IncidentInput) (Feedback, error) {
	if strings.TrimSpace(sessionID) == "" {
		return Feedback{}, fmt.Errorf("%w: empty session id", ErrInvalidRequest)
	}
	// nothing is written unless both signals are valid
	if err := signals.ValidateObservation(sessionID, obs); err != nil {
		return Feedback{}, err
	}
	if inc != nil {
		if err := signals.ValidateIncident(sessionID, *inc); err != nil {
			return Feedback{}, err
		}
	}

	s := o.session(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()

	fb := Feedback{SessionID: sessionID}
	recorded, err := o.collector.Observe(ctx, sessionID, obs)
	if err != nil {
		o.logger.Warn("observation not recorded", zap.String("session", sessionID), zap.Error(err))
		fb.Degraded = true
		return fb, nil
	}
	fb.Observation = &recorded
	s.persona = recorded.Persona

	if inc != nil {
		rec, err := o.collector.Incident(ctx, sessionID, *inc)
		if err != nil {
			o.logger.Warn("incident not recorded", zap.String("session", sessionID), zap.Error(err))
			fb.Degraded = true
		} else {
			fb.Incident = &rec
		}
	}

	if s.pending == "" {
		return fb, nil
	}
	res, err := o.updater.Backfill(ctx, s.pending, recorded.Quality)
	switch {
	case err == nil:
		fb.Backfill = &res
		s.pending = ""
	case errors.Is(err, state.ErrInvariantViolation):
		o.logger.Error("invariant violation in post-turn",
			zap.String("session", sessionID), zap.String("intervention", s.pending), zap.Error(err))
		s.pending = ""
		return fb, err
	case errors.Is(err, state.ErrNotFound):
		o.logger.Warn("pending intervention vanished",
			zap.String("session", sessionID), zap.String("intervention", s.pending))
		s.pending = ""
	default:
		// stays pending; the next POST_TURN retries the single write
		o.logger.Warn("back-fill deferred", zap.String("session", sessionID), zap.Error(err))
		fb.Degraded = true
	}
	return fb, nil
}

// Defer drops the pending intervention reference without back-filling it.
// The record stays un-back-filled and its effectiveness unknown.
func (o *Orchestrator) Defer(sessionID string) string {
	s := o.lookup(sessionID)
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	dropped := s.pending
	s.pending = ""
	if dropped != "" {
		o.logger.Info("pending intervention deferred",
			zap.String("session", sessionID), zap.String("intervention", dropped))
	}
	return dropped
}

// Pending returns the intervention awaiting back-fill, or "".
func (o *Orchestrator) Pending(sessionID string) string {
	s := o.lookup(sessionID)
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// #endregion

// #region health

// Health summarizes a session's condition without writing anything.
func (o *Orchestrator) Health(ctx context.Context, sessionID string) (HealthReport, error) {
	if strings.TrimSpace(sessionID) == "" {
		return HealthReport{}, fmt.Errorf("%w: empty session id", ErrInvalidRequest)
	}

	var snap *snapshot.ConditionSnapshot
	var eff []ledger.KindEffectiveness
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		snap, err = o.aggregator.Snapshot(gctx, sessionID)
		return err
	})
	g.Go(func() error {
		var err error
		eff, err = o.ledger.EffectivenessByKind(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return HealthReport{}, fmt.Errorf("health %s: %w", sessionID, err)
	}

	report := HealthReport{
		SessionID:           sessionID,
		Status:              snapshot.HealthUnknown,
		Alerts:              []alert.Alert{},
		Recommendations:     []optimizer.Recommendation{},
		PendingIntervention: o.Pending(sessionID),
	}
	report.Metrics.Effectiveness = eff
	if snap == nil {
		return report, nil
	}

	report.Status = snap.Health
	report.Metrics.CurrentQuality = snap.CurrentQuality
	report.Metrics.AvgQualityLast5 = snap.AvgQualityLast5
	report.Metrics.IncidentCount = snap.IncidentCount
	report.Metrics.ObservationCount = snap.ObservationCount
	report.Metrics.LastPersona = snap.LastPersona
	if alerts := o.alerts.Evaluate(snap); alerts != nil {
		report.Alerts = alerts
	}

	ranked, err := o.optimizer.Rankings(ctx, optimizer.Context{Intent: snap.LastIntent})
	if err != nil {
		return HealthReport{}, fmt.Errorf("health %s: %w", sessionID, err)
	}
	if n := o.config.MaxRecommendations; n > 0 && len(ranked) > n {
		ranked = ranked[:n]
	}
	report.Recommendations = append(report.Recommendations, ranked...)
	return report, nil
}

// #endregion

// #region helpers

func (o *Orchestrator) persistAlerts(ctx context.Context, sessionID, turnID string, alerts []alert.Alert) {
	if len(alerts) == 0 {
		return
	}
	records := make([]state.AlertRecord, len(alerts))
	for i, a := range alerts {
		metrics.Alerts.WithLabelValues(string(a.Level), string(a.Kind)).Inc()
		m, _ := json.Marshal(a.Metrics)
		records[i] = state.AlertRecord{
			ID:          a.ID,
			SessionID:   sessionID,
			TurnID:      turnID,
			Level:       string(a.Level),
			Kind:        string(a.Kind),
			Message:     a.Message,
			MetricsJSON: string(m),
			CreatedAt:   a.Timestamp,
		}
	}
	if err := o.store.InsertAlerts(ctx, records); err != nil {
		metrics.StoreErrors.WithLabelValues("insert_alerts").Inc()
		o.logger.Warn("alerts not persisted", zap.String("session", sessionID), zap.Error(err))
	}
}

func (o *Orchestrator) logDecision(sessionID, turnID string, alerts []alert.Alert, protocolID, action, reason string) {
	err := logging.LogDecision(o.store.DB(), logging.DecisionEntry{
		SessionID:  sessionID,
		TurnID:     turnID,
		AlertKinds: joinKinds(alerts),
		ProtocolID: protocolID,
		Action:     action,
		Reason:     reason,
		CreatedAt:  o.clock(),
	})
	if err != nil {
		metrics.StoreErrors.WithLabelValues("log_decision").Inc()
		o.logger.Warn("decision not logged", zap.String("session", sessionID), zap.Error(err))
	}
}

func kindStrings(alerts []alert.Alert) []string {
	out := make([]string, len(alerts))
	for i, a := range alerts {
		out[i] = string(a.Kind)
	}
	return out
}

func joinKinds(alerts []alert.Alert) string {
	return strings.Join(kindStrings(alerts), ",")
}

// #endregion
