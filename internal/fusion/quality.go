// Package fusion merges answers from multiple sources into one quality-scored
// result.
package fusion

import (
	"math"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/quotefall/internal/model"
)

// Weights blends the five quality dimensions into the overall score.
// The weights must sum to 1.
type Weights struct {
	Freshness    float64 `yaml:"freshness" mapstructure:"freshness"`
	Completeness float64 `yaml:"completeness" mapstructure:"completeness"`
	Accuracy     float64 `yaml:"accuracy" mapstructure:"accuracy"`
	Reputation   float64 `yaml:"reputation" mapstructure:"reputation"`
	Latency      float64 `yaml:"latency" mapstructure:"latency"`
}

// DefaultWeights returns the default quality blend.
func DefaultWeights() Weights {
	return Weights{
		Freshness:    0.25,
		Completeness: 0.20,
		Accuracy:     0.25,
		Reputation:   0.20,
		Latency:      0.10,
	}
}

// Validate checks that the weights sum to 1 within a small tolerance.
func (w Weights) Validate() error {
	sum := w.Freshness + w.Completeness + w.Accuracy + w.Reputation + w.Latency
	if math.Abs(sum-1.0) > 1e-6 {
		return eris.Errorf("fusion: quality weights sum to %.6f, want 1", sum)
	}
	return nil
}

// ScoreParams holds the scoring knobs shared across capabilities.
type ScoreParams struct {
	Weights Weights

	// FreshnessHalfLife controls freshness decay: 2^(-age/halfLife).
	FreshnessHalfLife time.Duration
	// FreshnessFloor is the minimum freshness for any dated value.
	FreshnessFloor float64
	// LatencyBudget is the response time that scores zero on the latency
	// dimension; instant responses score one.
	LatencyBudget time.Duration
	// DefaultAccuracy is assigned when only one source answered and no
	// disagreement signal exists.
	DefaultAccuracy float64
}

// DefaultScoreParams returns sensible scoring defaults.
func DefaultScoreParams() ScoreParams {
	return ScoreParams{
		Weights:           DefaultWeights(),
		FreshnessHalfLife: 15 * time.Minute,
		FreshnessFloor:    0.05,
		LatencyBudget:     5 * time.Second,
		DefaultAccuracy:   0.8,
	}
}

func (p ScoreParams) withDefaults() ScoreParams {
	d := DefaultScoreParams()
	if p.FreshnessHalfLife <= 0 {
		p.FreshnessHalfLife = d.FreshnessHalfLife
	}
	if p.FreshnessFloor < 0 {
		p.FreshnessFloor = d.FreshnessFloor
	}
	if p.LatencyBudget <= 0 {
		p.LatencyBudget = d.LatencyBudget
	}
	if p.DefaultAccuracy <= 0 {
		p.DefaultAccuracy = d.DefaultAccuracy
	}
	zero := Weights{}
	if p.Weights == zero {
		p.Weights = d.Weights
	}
	return p
}

// Overall computes the weighted blend of the five dimensions.
func (p ScoreParams) Overall(q model.QualityScore) float64 {
	w := p.Weights
	return clamp01(q.Freshness*w.Freshness +
		q.Completeness*w.Completeness +
		q.Accuracy*w.Accuracy +
		q.Reputation*w.Reputation +
		q.Latency*w.Latency)
}

// FreshnessAt scores how fresh a value dated asOf is at now, using
// half-life decay with a floor. A zero asOf is treated as current.
func (p ScoreParams) FreshnessAt(asOf, now time.Time) float64 {
	if asOf.IsZero() || !now.After(asOf) {
		return 1
	}
	age := now.Sub(asOf)
	fresh := math.Pow(2, -age.Seconds()/p.FreshnessHalfLife.Seconds())
	if fresh < p.FreshnessFloor {
		return p.FreshnessFloor
	}
	return fresh
}

// Completeness is the fraction of expected payload fields present.
// An empty expectation list scores one.
func Completeness(payload map[string]any, expected []string) float64 {
	if len(expected) == 0 {
		return 1
	}
	present := 0
	for _, f := range expected {
		if v, ok := payload[f]; ok && v != nil {
			present++
		}
	}
	return float64(present) / float64(len(expected))
}

// LatencyScore maps response time onto [0, 1] against the budget.
func (p ScoreParams) LatencyScore(latency time.Duration) float64 {
	if latency <= 0 {
		return 1
	}
	return clamp01(1 - latency.Seconds()/p.LatencyBudget.Seconds())
}

// Reputation decays the descriptor's reliability seed by the source's
// recent failure rate (failures / (successes + failures)).
func Reputation(seed float64, successes, failures int64) float64 {
	seed = clamp01(seed)
	total := successes + failures
	if total == 0 {
		return seed
	}
	failRate := float64(failures) / float64(total)
	return clamp01(seed * (1 - 0.5*failRate))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
