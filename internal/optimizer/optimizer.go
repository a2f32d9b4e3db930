// Package optimizer ranks personas by their historical quality for an intent group.
package optimizer

import (
	"context"
	"math"
	"sort"

	"github.com/danielpatrickdp/attending-controller/internal/ledger"
)

// #region types

// Context is the turn context a recommendation is made for.
type Context struct {
	Intent  string `json:"intent,omitempty"`
	Persona string `json:"persona,omitempty"` // current persona, informational
}

// Recommendation is one ranked persona.
type Recommendation struct {
	Persona    string  `json:"persona"`
	Confidence float64 `json:"confidence"`
	Mean       float64 `json:"mean_quality"`
	Samples    int     `json:"samples"`
}

// Config holds eligibility and confidence parameters.
type Config struct {
	MinSamples            int // fewer qualifying observations are never recommended
	FullConfidenceSamples int // sample count at which confidence reaches 1
}

// DefaultConfig returns the 3-sample / 10-sample defaults.
func DefaultConfig() Config {
	return Config{MinSamples: 3, FullConfidenceSamples: 10}
}

// PerformanceSource is the ledger read the optimizer ranks over.
type PerformanceSource interface {
	PersonaPerformance(ctx context.Context) ([]ledger.PerformanceRecord, error)
}

// #endregion types

// #region optimizer

// Optimizer recommends personas from ledger state without mutating it.
type Optimizer struct {
	source PerformanceSource
	config Config
}

// New creates an Optimizer.
func New(source PerformanceSource, config Config) *Optimizer {
	return &Optimizer{source: source, config: config}
}

// Recommend returns the best eligible persona for c, or nil if none qualifies.
func (o *Optimizer) Recommend(ctx context.Context, c Context) (*Recommendation, error) {
	ranked, err := o.Rankings(ctx, c)
	if err != nil {
		return nil, err
	}
	if len(ranked) == 0 {
		return nil, nil
	}
	best := ranked[0]
	return &best, nil
}

// Rankings returns every eligible persona for c, best first.
func (o *Optimizer) Rankings(ctx context.Context, c Context) ([]Recommendation, error) {
	recs, err := o.source.PersonaPerformance(ctx)
	if err != nil {
		return nil, err
	}
	return Rank(recs, c.Intent, o.config), nil
}

// #endregion optimizer

// #region rank

// Rank is the pure ranking behind Recommend. With an empty intent every
// record qualifies; otherwise only records in the intent's group do.
// Ties on mean quality break by persona name so the order is total.
func Rank(records []ledger.PerformanceRecord, intent string, config Config) []Recommendation {
	type accum struct {
		sum   float64
		count int
	}
	byPersona := make(map[string]*accum)
	for _, r := range records {
		if intent != "" && !SameGroup(intent, r.Intent) {
			continue
		}
		a, ok := byPersona[r.Persona]
		if !ok {
			a = &accum{}
			byPersona[r.Persona] = a
		}
		a.sum += r.Sum
		a.count += r.Count
	}

	out := make([]Recommendation, 0, len(byPersona))
	for persona, a := range byPersona {
		if a.count < config.MinSamples || a.count == 0 {
			continue
		}
		out = append(out, Recommendation{
			Persona:    persona,
			Confidence: confidence(a.count, config.FullConfidenceSamples),
			Mean:       a.sum / float64(a.count),
			Samples:    a.count,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Mean != out[j].Mean {
			return out[i].Mean > out[j].Mean
		}
		return out[i].Persona < out[j].Persona
	})
	return out
}

func confidence(samples, full int) float64 {
	if full <= 0 {
		return 1
	}
	return math.Min(1, float64(samples)/float64(full))
}

// #endregion rank
