package snapshot

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/danielpatrickdp/attending-controller/internal/signals"
	"github.com/danielpatrickdp/attending-controller/internal/state"
)

func TestProperty_ObservationRoundTrip(t *testing.T) {
	store, err := state.NewStore(filepath.Join(t.TempDir(), "snapshot.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	at := now
	tick := func() time.Time {
		at = at.Add(time.Second)
		return at
	}
	collector := signals.NewCollector(store, nil).WithClock(tick)
	agg := NewAggregator(store, DefaultAggregatorConfig(), nil).WithClock(func() time.Time { return at })
	ctx := context.Background()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)
	sessions := 0

	properties.Property("the newest observation is reflected exactly as current_quality", prop.ForAll(
		func(history []float64, q float64) bool {
			sessions++
			session := fmt.Sprintf("s%d", sessions)
			for _, h := range append(slices.Clone(history), q) {
				if _, err := collector.Observe(ctx, session, signals.ObservationInput{Persona: "sage", Quality: h}); err != nil {
					return false
				}
			}
			snap, err := agg.Snapshot(ctx, session)
			if err != nil || snap == nil {
				return false
			}
			return snap.CurrentQuality == q && snap.ObservationCount == min(len(history)+1, 5)
		},
		gen.SliceOf(gen.Float64Range(0, 1)),
		gen.Float64Range(0, 1),
	))

	properties.TestingRun(t)
}
