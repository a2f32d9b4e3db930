package optimizer

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/danielpatrickdp/attending-controller/internal/ledger"
)

type fakeSource struct {
	recs []ledger.PerformanceRecord
	err  error
}

func (f fakeSource) PersonaPerformance(context.Context) ([]ledger.PerformanceRecord, error) {
	return f.recs, f.err
}

func TestGroupOf(t *testing.T) {
	tests := []struct {
		intent string
		want   string
	}{
		{"grief", "support"},
		{"  Healing ", "support"},
		{"existential", "reflection"},
		{"planning", "practical"},
		{"juggling", "intent:juggling"},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.intent, func(t *testing.T) {
			if got := GroupOf(tt.intent); got != tt.want {
				t.Errorf("GroupOf(%q) = %q, want %q", tt.intent, got, tt.want)
			}
		})
	}
}

func TestSameGroup(t *testing.T) {
	if !SameGroup("grief", "anxiety") {
		t.Error("grief and anxiety share the support group")
	}
	if SameGroup("grief", "planning") {
		t.Error("grief and planning are in different groups")
	}
	if SameGroup("", "") {
		t.Error("empty intents never share a group")
	}
	if !SameGroup("juggling", "juggling") || SameGroup("juggling", "knitting") {
		t.Error("unknown intents form singleton groups")
	}
}

func TestRecommend_ScenarioC(t *testing.T) {
	src := fakeSource{recs: []ledger.PerformanceRecord{
		{Persona: "sage", Intent: "healing", Sum: 0.82 * 5, Count: 5},
		{Persona: "mentor", Intent: "grief", Sum: 0.55 * 4, Count: 4},
		{Persona: "trickster", Intent: "planning", Sum: 0.99 * 9, Count: 9},
	}}
	rec, err := New(src, DefaultConfig()).Recommend(context.Background(), Context{Intent: "healing"})
	if err != nil {
		t.Fatalf("Recommend: %v", err)
	}
	if rec == nil || rec.Persona != "sage" {
		t.Fatalf("expected sage, got %+v", rec)
	}
	if rec.Confidence != 0.5 {
		t.Errorf("expected confidence 0.5, got %f", rec.Confidence)
	}
	if math.Abs(rec.Mean-0.82) > 1e-9 {
		t.Errorf("expected mean 0.82, got %f", rec.Mean)
	}
}

func TestRecommend_BelowMinimumSamples(t *testing.T) {
	src := fakeSource{recs: []ledger.PerformanceRecord{
		{Persona: "sage", Intent: "grief", Sum: 1.9, Count: 2},
	}}
	rec, err := New(src, DefaultConfig()).Recommend(context.Background(), Context{Intent: "grief"})
	if err != nil {
		t.Fatalf("Recommend: %v", err)
	}
	if rec != nil {
		t.Fatalf("two samples must not qualify, got %+v", rec)
	}
}

func TestRecommend_SamplesAggregateAcrossGroup(t *testing.T) {
	src := fakeSource{recs: []ledger.PerformanceRecord{
		{Persona: "sage", Intent: "grief", Sum: 1.6, Count: 2},
		{Persona: "sage", Intent: "comfort", Sum: 0.8, Count: 1},
	}}
	rec, _ := New(src, DefaultConfig()).Recommend(context.Background(), Context{Intent: "anxiety"})
	if rec == nil || rec.Samples != 3 {
		t.Fatalf("expected 3 pooled samples, got %+v", rec)
	}
}

func TestRecommend_EmptyIntentConsidersAll(t *testing.T) {
	src := fakeSource{recs: []ledger.PerformanceRecord{
		{Persona: "sage", Intent: "grief", Sum: 2.1, Count: 3},
		{Persona: "guide", Intent: "planning", Sum: 2.7, Count: 3},
	}}
	rec, _ := New(src, DefaultConfig()).Recommend(context.Background(), Context{})
	if rec == nil || rec.Persona != "guide" {
		t.Fatalf("expected guide, got %+v", rec)
	}
}

func TestRank_TieBreaksByName(t *testing.T) {
	recs := []ledger.PerformanceRecord{
		{Persona: "zen", Intent: "task", Sum: 1.8, Count: 3},
		{Persona: "abbot", Intent: "task", Sum: 1.8, Count: 3},
	}
	for i := 0; i < 20; i++ {
		ranked := Rank(recs, "task", DefaultConfig())
		if len(ranked) != 2 || ranked[0].Persona != "abbot" {
			t.Fatalf("expected abbot first on tie, got %+v", ranked)
		}
	}
}

func TestRank_ConfidenceCaps(t *testing.T) {
	ranked := Rank([]ledger.PerformanceRecord{{Persona: "sage", Intent: "task", Sum: 20, Count: 40}}, "task", DefaultConfig())
	if ranked[0].Confidence != 1 {
		t.Fatalf("expected confidence capped at 1, got %f", ranked[0].Confidence)
	}
}

func TestRecommend_SourceError(t *testing.T) {
	_, err := New(fakeSource{err: errors.New("down")}, DefaultConfig()).Recommend(context.Background(), Context{Intent: "grief"})
	if err == nil {
		t.Fatal("expected source error")
	}
}
