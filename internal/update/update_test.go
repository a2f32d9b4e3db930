package update

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/danielpatrickdp/attending-controller/internal/state"
)

var now = time.Date(2026, 5, 2, 12, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*state.Store, *Updater) {
	t.Helper()
	s, err := state.NewStore(filepath.Join(t.TempDir(), "update.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, NewUpdater(s, nil).WithClock(func() time.Time { return now })
}

func insert(t *testing.T, s *state.Store, id string, before float64) {
	t.Helper()
	err := s.InsertIntervention(context.Background(), state.InterventionRecord{
		ID: id, SessionID: "s1", TurnID: "t-" + id, ProtocolID: "attending_boost",
		Trigger: "rapid_dissociation", ActionKind: "attending_boost",
		QualityBefore: before, CreatedAt: now.Add(-time.Minute),
	})
	if err != nil {
		t.Fatalf("InsertIntervention: %v", err)
	}
}

func TestEffectiveness(t *testing.T) {
	tests := []struct {
		name          string
		before, after float64
		want          float64
	}{
		{"no-change", 0.4, 0.4, 0.5},
		{"improved", 0.2, 0.5, 0.8},
		{"worse", 0.6, 0.3, 0.2},
		{"clamped-high", 0.0, 1.0, 1.0},
		{"clamped-low", 1.0, 0.0, 0.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Effectiveness(tt.before, tt.after); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("got %f, want %f", got, tt.want)
			}
		})
	}
}

func TestBackfill_WritesOnce(t *testing.T) {
	s, u := setup(t)
	ctx := context.Background()
	insert(t, s, "iv1", 0.18)

	res, err := u.Backfill(ctx, "iv1", 0.48)
	if err != nil {
		t.Fatalf("Backfill: %v", err)
	}
	if math.Abs(res.Effectiveness-0.8) > 1e-9 {
		t.Fatalf("expected effectiveness 0.8, got %f", res.Effectiveness)
	}
	if res.Decision.Action != "backfilled" {
		t.Errorf("expected backfilled decision, got %s", res.Decision.Action)
	}

	_, err = u.Backfill(ctx, "iv1", 0.9)
	if !errors.Is(err, state.ErrAlreadyBackfilled) {
		t.Fatalf("expected ErrAlreadyBackfilled, got %v", err)
	}
	if !errors.Is(err, state.ErrInvariantViolation) {
		t.Fatalf("double backfill must be an invariant violation")
	}

	rec, err := s.GetIntervention(ctx, "iv1")
	if err != nil {
		t.Fatalf("GetIntervention: %v", err)
	}
	if rec.QualityAfter == nil || *rec.QualityAfter != 0.48 {
		t.Fatalf("first result must be preserved, got %+v", rec.QualityAfter)
	}
	if rec.BackfilledAt == nil || !rec.BackfilledAt.Equal(now) {
		t.Errorf("expected backfilled_at from clock")
	}
}

func TestBackfill_Unknown(t *testing.T) {
	_, u := setup(t)
	_, err := u.Backfill(context.Background(), "missing", 0.5)
	if !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestBackfill_RejectsOutOfRange(t *testing.T) {
	s, u := setup(t)
	insert(t, s, "iv2", 0.5)
	for _, q := range []float64{-0.1, 1.1, math.NaN()} {
		if _, err := u.Backfill(context.Background(), "iv2", q); err == nil {
			t.Errorf("quality %v must be rejected", q)
		}
	}
	rec, _ := s.GetIntervention(context.Background(), "iv2")
	if rec.Backfilled() {
		t.Fatal("rejected input must not write")
	}
}
