package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/danielpatrickdp/attending-controller/internal/state"
)

func newStore(t *testing.T) *state.Store {
	t.Helper()
	s, err := state.NewStore(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

var now = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

func TestPersonaPerformance_Window(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	add := func(id, persona string, q float64, age time.Duration) {
		err := s.AppendObservation(ctx, state.Observation{
			ID: id, SessionID: "s", Persona: persona, Intent: "healing", Quality: q, CreatedAt: now.Add(-age),
		})
		if err != nil {
			t.Fatalf("AppendObservation: %v", err)
		}
	}
	add("1", "sage", 0.8, time.Hour)
	add("2", "sage", 0.6, 29*24*time.Hour)
	add("3", "sage", 0.1, 31*24*time.Hour)

	l := New(s, DefaultConfig()).WithClock(func() time.Time { return now })
	recs, err := l.PersonaPerformance(ctx)
	if err != nil {
		t.Fatalf("PersonaPerformance: %v", err)
	}
	if len(recs) != 1 || recs[0].Count != 2 {
		t.Fatalf("expected one record of 2 samples, got %+v", recs)
	}
	if m := recs[0].Mean(); m < 0.699 || m > 0.701 {
		t.Errorf("expected mean 0.7, got %f", m)
	}
}

func TestMean_Empty(t *testing.T) {
	if (PerformanceRecord{}).Mean() != 0 {
		t.Fatal("empty record mean must be 0")
	}
}

func TestEffectivenessByKind(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	for i, id := range []string{"a", "b", "c"} {
		s.InsertIntervention(ctx, state.InterventionRecord{
			ID: id, SessionID: "s", TurnID: id, ProtocolID: "p", Trigger: "x",
			ActionKind: "attending_boost", QualityBefore: 0.4, CreatedAt: now.Add(-time.Duration(i) * time.Minute),
		})
	}
	s.BackfillIntervention(ctx, "a", 0.6, 0.7, now)

	l := New(s, DefaultConfig()).WithClock(func() time.Time { return now })
	got, err := l.EffectivenessByKind(ctx)
	if err != nil {
		t.Fatalf("EffectivenessByKind: %v", err)
	}
	if len(got) != 1 || got[0].Samples != 1 || got[0].Mean != 0.7 {
		t.Fatalf("un-back-filled records must be excluded, got %+v", got)
	}
}
