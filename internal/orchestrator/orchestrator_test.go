package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/danielpatrickdp/attending-controller/internal/alert"
	"github.com/danielpatrickdp/attending-controller/internal/logging"
	"github.com/danielpatrickdp/attending-controller/internal/notify"
	"github.com/danielpatrickdp/attending-controller/internal/protocol"
	"github.com/danielpatrickdp/attending-controller/internal/signals"
	"github.com/danielpatrickdp/attending-controller/internal/snapshot"
	"github.com/danielpatrickdp/attending-controller/internal/state"
)

// #region helpers

type virtualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *virtualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *virtualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	store *state.Store
	orch  *Orchestrator
	clock *virtualClock
}

func newFixture(t *testing.T, mutate func(*Config), opts ...Option) *fixture {
	t.Helper()
	s, err := state.NewStore(filepath.Join(t.TempDir(), "orch.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	clock := &virtualClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	var n atomic.Int64
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	opts = append([]Option{
		WithClock(clock.Now),
		WithIDFunc(func() string { return fmt.Sprintf("id-%d", n.Add(1)) }),
	}, opts...)
	return &fixture{store: s, orch: New(s, cfg, opts...), clock: clock}
}

func (f *fixture) observe(t *testing.T, session, persona, intent string, qs ...float64) {
	t.Helper()
	for _, q := range qs {
		f.clock.Advance(time.Minute)
		if _, err := f.orch.Observe(context.Background(), session, signals.ObservationInput{Persona: persona, Intent: intent, Quality: q}); err != nil {
			t.Fatalf("Observe: %v", err)
		}
	}
}

func (f *fixture) hasSession(id string) bool {
	f.orch.mu.Lock()
	defer f.orch.mu.Unlock()
	_, ok := f.orch.sessions[id]
	return ok
}

func (f *fixture) incidents(t *testing.T, session string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		f.clock.Advance(time.Second)
		if _, err := f.orch.Incident(context.Background(), session, signals.IncidentInput{Severity: 0.7, Category: "drift"}); err != nil {
			t.Fatalf("Incident: %v", err)
		}
	}
}

// #endregion helpers

// #region scenario-tests

func TestPreTurn_ScenarioA_PausesThenBackfills(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.observe(t, "s1", "guide", "healing", 0.8, 0.75, 0.3, 0.25, 0.18)

	g, err := f.orch.PreTurn(ctx, "s1", TurnContext{TurnID: "t1", Intent: "healing"})
	if err != nil {
		t.Fatalf("PreTurn: %v", err)
	}
	if g.Health != snapshot.HealthCritical {
		t.Errorf("expected critical, got %s", g.Health)
	}
	if !alert.Has(g.Alerts, alert.KindAttendingCollapse) {
		t.Errorf("expected attending_collapse in %v", alert.Kinds(g.Alerts))
	}
	if g.ShouldProceed {
		t.Fatal("pause must halt the turn")
	}
	if g.Intervention == nil || g.Intervention.Kind != protocol.KindPauseRecalibrate || !g.Intervention.Executed {
		t.Fatalf("expected executed pause, got %+v", g.Intervention)
	}
	if g.Hint == "" {
		t.Error("expected explanatory hint")
	}
	pending := f.orch.Pending("s1")
	if pending == "" {
		t.Fatal("expected pending intervention")
	}

	// The user answers; the retried turn proceeds while the pause is open.
	f.clock.Advance(time.Minute)
	g2, err := f.orch.PreTurn(ctx, "s1", TurnContext{TurnID: "t2", Intent: "healing"})
	if err != nil {
		t.Fatalf("PreTurn retry: %v", err)
	}
	if !g2.ShouldProceed || g2.AttendingIntention != 0.9 {
		t.Fatalf("expected resumed turn with raised intention, got %+v", g2)
	}

	fb, err := f.orch.PostTurn(ctx, "s1", signals.ObservationInput{Persona: "guide", Intent: "healing", Quality: 0.5}, nil)
	if err != nil {
		t.Fatalf("PostTurn: %v", err)
	}
	if fb.Backfill == nil || fb.Backfill.InterventionID != pending {
		t.Fatalf("expected back-fill of %s, got %+v", pending, fb.Backfill)
	}
	if math.Abs(fb.Backfill.Effectiveness-0.82) > 1e-9 {
		t.Errorf("expected effectiveness 0.82, got %f", fb.Backfill.Effectiveness)
	}
	if f.orch.Pending("s1") != "" {
		t.Error("pending must clear after back-fill")
	}

	recs, _ := f.store.ListInterventions(ctx, "s1", 10)
	if len(recs) != 1 {
		t.Fatalf("expected exactly one intervention record, got %d", len(recs))
	}
	decisions, _ := logging.ListDecisions(ctx, f.store.DB(), "s1", 10)
	if len(decisions) != 2 || decisions[1].Action != logging.ActionExecuted || decisions[0].Action != logging.ActionPending {
		t.Fatalf("unexpected decision log %+v", decisions)
	}
	stored, _ := f.store.ListAlerts(ctx, "s1", 20)
	if len(stored) == 0 {
		t.Error("alerts must be persisted")
	}
}

func TestPreTurn_ScenarioB_BoostProceeds(t *testing.T) {
	f := newFixture(t, nil)
	f.observe(t, "s1", "guide", "", 0.6)
	f.incidents(t, "s1", 6)

	g, err := f.orch.PreTurn(context.Background(), "s1", TurnContext{TurnID: "t1"})
	if err != nil {
		t.Fatalf("PreTurn: %v", err)
	}
	if g.Health != snapshot.HealthCritical || !alert.Has(g.Alerts, alert.KindRapidDissociation) {
		t.Fatalf("expected critical with rapid_dissociation, got %s %v", g.Health, alert.Kinds(g.Alerts))
	}
	if g.Intervention == nil || g.Intervention.Kind != protocol.KindAttendingBoost {
		t.Fatalf("expected attending_boost, got %+v", g.Intervention)
	}
	if !g.ShouldProceed || g.AttendingIntention != 0.8 {
		t.Fatalf("boost must proceed with raised intention, got %+v", g)
	}
}

func TestPreTurn_ScenarioC_ArchetypeSwitch(t *testing.T) {
	f := newFixture(t, nil)
	f.observe(t, "history", "sage", "healing", 0.82, 0.82, 0.82, 0.82, 0.82)
	f.observe(t, "history", "mentor", "grief", 0.55, 0.55, 0.55, 0.55)
	f.observe(t, "s1", "guide", "healing", 0.38, 0.36, 0.35)

	g, err := f.orch.PreTurn(context.Background(), "s1", TurnContext{TurnID: "t1", Intent: "healing", Persona: "guide"})
	if err != nil {
		t.Fatalf("PreTurn: %v", err)
	}
	if g.Intervention == nil || g.Intervention.Kind != protocol.KindArchetypeSwitch || !g.Intervention.Executed {
		t.Fatalf("expected executed archetype switch, got %+v", g.Intervention)
	}
	if g.RecommendedPersona != "sage" || !g.ShouldProceed {
		t.Fatalf("expected sage and proceed, got %+v", g)
	}
}

func TestPreTurn_ScenarioD_NewSession(t *testing.T) {
	f := newFixture(t, nil)
	g, err := f.orch.PreTurn(context.Background(), "fresh", TurnContext{})
	if err != nil {
		t.Fatalf("PreTurn: %v", err)
	}
	if !g.ShouldProceed || !g.Default || g.RecommendedPersona != "guide" || g.AttendingIntention != 0.5 {
		t.Fatalf("expected permissive default, got %+v", g)
	}
	if g.Health != snapshot.HealthUnknown || g.Intervention != nil {
		t.Fatalf("expected unknown health and no intervention, got %+v", g)
	}
	if g.TurnID == "" {
		t.Error("expected generated turn id")
	}
}

// #endregion scenario-tests

// #region invariant-tests

func TestPreTurn_RetrySameTurnReturnsFirstGuidance(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.observe(t, "s1", "guide", "", 0.8, 0.75, 0.3, 0.25, 0.18)

	first, err := f.orch.PreTurn(ctx, "s1", TurnContext{TurnID: "t1"})
	if err != nil {
		t.Fatalf("first PreTurn: %v", err)
	}
	if first.ShouldProceed || first.Intervention == nil {
		t.Fatalf("expected halting pause, got %+v", first)
	}

	again, err := f.orch.PreTurn(ctx, "s1", TurnContext{TurnID: "t1"})
	if err != nil {
		t.Fatalf("retried PreTurn: %v", err)
	}
	if again.ShouldProceed || again.Default || again.Hint != first.Hint {
		t.Fatalf("retry must repeat the halt, got %+v", again)
	}
	if again.Intervention == nil || again.Intervention.RecordID != first.Intervention.RecordID {
		t.Fatalf("retry must point at the same record, got %+v", again.Intervention)
	}
	if recs, _ := f.store.ListInterventions(ctx, "s1", 10); len(recs) != 1 {
		t.Fatalf("expected one intervention record, got %d", len(recs))
	}
	if decisions, _ := logging.ListDecisions(ctx, f.store.DB(), "s1", 10); len(decisions) != 1 {
		t.Fatalf("expected one logged decision, got %d", len(decisions))
	}
}

func TestPreTurn_ReexecutingEarlierTurnRaises(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.observe(t, "s1", "guide", "", 0.6)
	f.incidents(t, "s1", 6)

	for _, turn := range []string{"t1", "t2"} {
		g, err := f.orch.PreTurn(ctx, "s1", TurnContext{TurnID: turn})
		if err != nil {
			t.Fatalf("PreTurn %s: %v", turn, err)
		}
		if g.Intervention == nil || !g.Intervention.Executed {
			t.Fatalf("expected boost on %s, got %+v", turn, g.Intervention)
		}
		if _, err := f.orch.PostTurn(ctx, "s1", signals.ObservationInput{Persona: "guide", Quality: 0.6}, nil); err != nil {
			t.Fatalf("PostTurn %s: %v", turn, err)
		}
	}

	// t1 already holds a record; executing it again is a second write
	_, err := f.orch.PreTurn(ctx, "s1", TurnContext{TurnID: "t1"})
	if !errors.Is(err, state.ErrDuplicateExecution) {
		t.Fatalf("expected duplicate execution, got %v", err)
	}
}

func TestPostTurn_DoubleBackfillRaises(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.observe(t, "s1", "guide", "", 0.6)
	f.incidents(t, "s1", 6)
	if _, err := f.orch.PreTurn(ctx, "s1", TurnContext{TurnID: "t1"}); err != nil {
		t.Fatalf("PreTurn: %v", err)
	}

	// Another writer back-fills first.
	pending := f.orch.Pending("s1")
	if err := f.store.BackfillIntervention(ctx, pending, 0.7, 0.6, f.clock.Now()); err != nil {
		t.Fatalf("BackfillIntervention: %v", err)
	}

	_, err := f.orch.PostTurn(ctx, "s1", signals.ObservationInput{Persona: "guide", Quality: 0.9}, nil)
	if !errors.Is(err, state.ErrAlreadyBackfilled) {
		t.Fatalf("expected ErrAlreadyBackfilled, got %v", err)
	}
	rec, _ := f.store.GetIntervention(ctx, pending)
	if *rec.QualityAfter != 0.7 {
		t.Fatalf("first back-fill must stand, got %v", *rec.QualityAfter)
	}
}

func TestPostTurn_InvalidSignal(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.orch.PostTurn(context.Background(), "s1", signals.ObservationInput{Persona: "guide", Quality: 1.5}, nil)
	if !errors.Is(err, signals.ErrInvalidSignal) {
		t.Fatalf("expected ErrInvalidSignal, got %v", err)
	}
}

func TestPostTurn_InvalidIncidentWritesNothing(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.observe(t, "s1", "guide", "", 0.8, 0.75, 0.3, 0.25, 0.18)
	if _, err := f.orch.PreTurn(ctx, "s1", TurnContext{TurnID: "t1"}); err != nil {
		t.Fatalf("PreTurn: %v", err)
	}
	pending := f.orch.Pending("s1")

	obs := signals.ObservationInput{Persona: "guide", Quality: 0.6}
	_, err := f.orch.PostTurn(ctx, "s1", obs, &signals.IncidentInput{Severity: 2, Category: "drift"})
	if !errors.Is(err, signals.ErrInvalidSignal) {
		t.Fatalf("expected ErrInvalidSignal, got %v", err)
	}
	if rows, _ := f.store.RecentObservations(ctx, "s1", 100); len(rows) != 5 {
		t.Fatalf("rejected turn must not record its observation, got %d rows", len(rows))
	}
	if f.orch.Pending("s1") != pending {
		t.Fatal("rejected turn must leave the pending intervention alone")
	}

	fb, err := f.orch.PostTurn(ctx, "s1", obs, &signals.IncidentInput{Severity: 0.2, Category: "drift"})
	if err != nil {
		t.Fatalf("PostTurn retry: %v", err)
	}
	if fb.Backfill == nil || fb.Backfill.InterventionID != pending {
		t.Fatalf("expected back-fill of %s, got %+v", pending, fb.Backfill)
	}
	if rows, _ := f.store.RecentObservations(ctx, "s1", 100); len(rows) != 6 {
		t.Fatalf("expected the turn recorded once, got %d rows", len(rows))
	}
}

func TestPostTurn_RecordsIncident(t *testing.T) {
	f := newFixture(t, nil)
	fb, err := f.orch.PostTurn(context.Background(), "s1",
		signals.ObservationInput{Persona: "guide", Quality: 0.7},
		&signals.IncidentInput{Severity: 0.4, Category: "loop"})
	if err != nil {
		t.Fatalf("PostTurn: %v", err)
	}
	if fb.Observation == nil || fb.Incident == nil || fb.Backfill != nil {
		t.Fatalf("unexpected feedback %+v", fb)
	}
}

func TestDefer_LeavesRecordUnbackfilled(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.observe(t, "s1", "guide", "", 0.6)
	f.incidents(t, "s1", 6)
	f.orch.PreTurn(ctx, "s1", TurnContext{TurnID: "t1"})

	dropped := f.orch.Defer("s1")
	if dropped == "" {
		t.Fatal("expected a pending intervention to drop")
	}
	fb, err := f.orch.PostTurn(ctx, "s1", signals.ObservationInput{Persona: "guide", Quality: 0.8}, nil)
	if err != nil || fb.Backfill != nil {
		t.Fatalf("deferred intervention must not be back-filled: %+v %v", fb, err)
	}
	rec, _ := f.store.GetIntervention(ctx, dropped)
	if rec.Backfilled() {
		t.Fatal("record must stay un-back-filled")
	}
}

// #endregion invariant-tests

// #region degradation-tests

func TestPreTurn_StoreUnavailableFallsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	mock.ExpectQuery("SELECT id, session_id, persona").WillReturnError(errors.New("disk I/O error"))

	o := New(state.NewStoreWithDB(db), DefaultConfig())
	g, err := o.PreTurn(context.Background(), "s1", TurnContext{TurnID: "t1"})
	if err != nil {
		t.Fatalf("store outage must not surface, got %v", err)
	}
	if !g.ShouldProceed || !g.Default || g.Intervention != nil {
		t.Fatalf("expected permissive default, got %+v", g)
	}
}

func TestPreTurn_KillSwitch(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.Enabled = false })
	f.observe(t, "s1", "guide", "", 0.8, 0.75, 0.3, 0.25, 0.18)

	g, err := f.orch.PreTurn(context.Background(), "s1", TurnContext{TurnID: "t1"})
	if err != nil {
		t.Fatalf("PreTurn: %v", err)
	}
	if !g.ShouldProceed || g.Intervention != nil {
		t.Fatalf("disabled orchestrator must not intervene, got %+v", g)
	}
	if recs, _ := f.store.ListInterventions(context.Background(), "s1", 10); len(recs) != 0 {
		t.Fatal("disabled orchestrator must not write interventions")
	}
}

func TestPreTurn_EmptySession(t *testing.T) {
	f := newFixture(t, nil)
	if _, err := f.orch.PreTurn(context.Background(), " ", TurnContext{}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

// #endregion degradation-tests

// #region escalation-tests

type recordingEscalator struct {
	mu  sync.Mutex
	got []notify.Escalation
}

func (r *recordingEscalator) Fire(e notify.Escalation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, e)
}

func TestPreTurn_CompoundCrisisEscalates(t *testing.T) {
	esc := &recordingEscalator{}
	f := newFixture(t, nil, WithEscalator(esc))
	f.observe(t, "s1", "guide", "", 0.3, 0.1)
	f.incidents(t, "s1", 7)

	g, err := f.orch.PreTurn(context.Background(), "s1", TurnContext{TurnID: "t1"})
	if err != nil {
		t.Fatalf("PreTurn: %v", err)
	}
	if g.Intervention == nil || g.Intervention.Kind != protocol.KindHumanEscalation || g.ShouldProceed {
		t.Fatalf("expected halting escalation, got %+v", g.Intervention)
	}
	if len(esc.got) != 1 || esc.got[0].SessionID != "s1" {
		t.Fatalf("expected one escalation, got %+v", esc.got)
	}
}

// #endregion escalation-tests

// #region health-tests

func TestHealth(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	empty, err := f.orch.Health(ctx, "nobody")
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if empty.Status != snapshot.HealthUnknown || len(empty.Alerts) != 0 {
		t.Fatalf("expected unknown status, got %+v", empty)
	}

	f.observe(t, "history", "sage", "healing", 0.9, 0.9, 0.9)
	f.observe(t, "s1", "guide", "healing", 0.8, 0.75, 0.3, 0.25, 0.18)
	r, err := f.orch.Health(ctx, "s1")
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if r.Status != snapshot.HealthCritical || !alert.Has(r.Alerts, alert.KindAttendingCollapse) {
		t.Fatalf("unexpected report %+v", r)
	}
	if r.Metrics.ObservationCount != 5 || r.Metrics.CurrentQuality != 0.18 {
		t.Errorf("unexpected metrics %+v", r.Metrics)
	}
	if len(r.Recommendations) == 0 || r.Recommendations[0].Persona != "sage" {
		t.Errorf("expected sage recommendation, got %+v", r.Recommendations)
	}
	if recs, _ := f.store.ListInterventions(ctx, "s1", 10); len(recs) != 0 {
		t.Error("health must not write")
	}
}

// #endregion health-tests

// #region concurrency-tests

func TestSessionsRunInParallel(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			session := fmt.Sprintf("s%d", i)
			for turn := 0; turn < 3; turn++ {
				if _, err := f.orch.PreTurn(ctx, session, TurnContext{TurnID: fmt.Sprintf("t%d", turn)}); err != nil {
					errs <- err
					return
				}
				if _, err := f.orch.PostTurn(ctx, session, signals.ObservationInput{Persona: "guide", Quality: 0.7}, nil); err != nil {
					errs <- err
					return
				}
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent session failed: %v", err)
	}
}

func TestSessions_ReadsDoNotCreateEntries(t *testing.T) {
	f := newFixture(t, nil)
	if _, err := f.orch.Health(context.Background(), "ghost"); err != nil {
		t.Fatalf("Health: %v", err)
	}
	if f.orch.Pending("ghost") != "" || f.orch.Defer("ghost") != "" {
		t.Fatal("unknown session has nothing pending")
	}
	if f.hasSession("ghost") {
		t.Fatal("read-only calls must not create session state")
	}
}

func TestSessions_IdleEvicted(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.observe(t, "quiet", "guide", "", 0.9)
	f.orch.PreTurn(ctx, "quiet", TurnContext{TurnID: "t1"})
	f.observe(t, "halted", "guide", "", 0.8, 0.75, 0.3, 0.25, 0.18)
	f.orch.PreTurn(ctx, "halted", TurnContext{TurnID: "t1"})
	pending := f.orch.Pending("halted")
	if pending == "" {
		t.Fatal("expected a pending pause")
	}

	f.clock.Advance(7 * time.Hour)
	f.orch.PreTurn(ctx, "fresh", TurnContext{})

	if f.hasSession("quiet") {
		t.Error("idle session without pending work must be evicted")
	}
	if !f.hasSession("halted") || f.orch.Pending("halted") != pending {
		t.Error("session with a pending intervention must be kept")
	}
	if !f.hasSession("fresh") {
		t.Error("new session must be tracked")
	}
}

// #endregion concurrency-tests
