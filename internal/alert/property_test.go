package alert

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/danielpatrickdp/attending-controller/internal/snapshot"
)

func TestProperty_HealthyQuietSnapshotsRaiseNothing(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)
	g := NewGenerator(DefaultConfig())

	properties.Property("quality >= 0.5 with no incidents yields no alerts", prop.ForAll(
		func(q, avg float64) bool {
			return len(g.Evaluate(snap(q, avg, 0))) == 0
		},
		gen.Float64Range(0.5, 1.0),
		gen.Float64Range(0.0, 1.0),
	))

	properties.TestingRun(t)
}

func TestProperty_CollapseIsExactlyOnce(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)
	g := NewGenerator(DefaultConfig())

	properties.Property("quality < 0.2 yields exactly one critical attending_collapse", prop.ForAll(
		func(q, avg float64, incidents int) bool {
			count := 0
			for _, a := range g.Evaluate(snap(q, avg, incidents)) {
				if a.Kind == KindAttendingCollapse {
					if a.Level != LevelCritical {
						return false
					}
					count++
				}
			}
			return count == 1
		},
		gen.Float64Range(0.0, 0.1999),
		gen.Float64Range(0.0, 1.0),
		gen.IntRange(0, 20),
	))

	properties.TestingRun(t)
}

func TestProperty_EvaluateIsDeterministic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)
	g := NewGenerator(DefaultConfig())

	properties.Property("same snapshot yields the same kinds", prop.ForAll(
		func(q, avg float64, incidents int) bool {
			s := snap(q, avg, incidents)
			a, b := Kinds(g.Evaluate(s)), Kinds(g.Evaluate(s))
			if len(a) != len(b) {
				return false
			}
			for i := range a {
				if a[i] != b[i] {
					return false
				}
			}
			return s.Health != snapshot.HealthCritical || Has(g.Evaluate(s), KindCriticalHealth)
		},
		gen.Float64Range(0.0, 1.0),
		gen.Float64Range(0.0, 1.0),
		gen.IntRange(0, 20),
	))

	properties.TestingRun(t)
}
