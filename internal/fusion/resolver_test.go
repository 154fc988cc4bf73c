package fusion

import (
	"testing"

	"github.com/sells-group/quotefall/internal/model"
)

func scored(id string, priority int, overall float64, payload map[string]any) model.SourceResult {
	return model.SourceResult{
		SourceID: id,
		Priority: priority,
		Payload:  payload,
		Quality: model.QualityScore{
			Freshness:    overall,
			Completeness: overall,
			Accuracy:     overall,
			Reputation:   overall,
			Latency:      overall,
			Overall:      overall,
		},
	}
}

func pricePolicy() model.CapabilityPolicy {
	return model.CapabilityPolicy{PrimaryField: "price"}
}

func TestResolve_SingleResultPassthrough(t *testing.T) {
	r := NewResolver(DefaultScoreParams())
	results := []model.SourceResult{scored("alpha", 1, 0.9, map[string]any{"price": 101.5})}

	out, err := r.Resolve(model.CapabilityPrice, "AAPL", results, StrategyWeightedAverage, pricePolicy())
	if err != nil {
		t.Fatal(err)
	}
	if out.Payload["price"] != 101.5 {
		t.Errorf("payload should pass through, got %v", out.Payload["price"])
	}
	if out.Quality.Accuracy != 0.8 {
		t.Errorf("single result gets the default accuracy, got %f", out.Quality.Accuracy)
	}
	if len(out.Sources) != 1 || out.Sources[0] != "alpha" {
		t.Errorf("unexpected sources: %v", out.Sources)
	}
}

func TestResolve_EmptyAndUnknownStrategy(t *testing.T) {
	r := NewResolver(DefaultScoreParams())

	if _, err := r.Resolve(model.CapabilityPrice, "AAPL", nil, StrategyConsensus, pricePolicy()); err == nil {
		t.Error("empty result set should error")
	}

	two := []model.SourceResult{
		scored("alpha", 1, 0.9, map[string]any{"price": 100.0}),
		scored("beta", 2, 0.8, map[string]any{"price": 100.0}),
	}
	if _, err := r.Resolve(model.CapabilityPrice, "AAPL", two, "majority_vote", pricePolicy()); err == nil {
		t.Error("unknown strategy should error")
	}
}

func TestHighestQuality_MaxWinsRegardlessOfOrder(t *testing.T) {
	r := NewResolver(DefaultScoreParams())
	a := scored("alpha", 1, 0.6, map[string]any{"price": 100.0})
	b := scored("beta", 2, 0.9, map[string]any{"price": 103.0})
	c := scored("gamma", 3, 0.7, map[string]any{"price": 99.0})

	orders := [][]model.SourceResult{
		{a, b, c}, {c, b, a}, {b, a, c}, {c, a, b},
	}
	for i, results := range orders {
		out, err := r.Resolve(model.CapabilityPrice, "AAPL", results, StrategyHighestQuality, pricePolicy())
		if err != nil {
			t.Fatal(err)
		}
		if out.Payload["price"] != 103.0 {
			t.Errorf("order %d: expected beta's payload, got %v", i, out.Payload["price"])
		}
		if len(out.Sources) != 3 {
			t.Errorf("order %d: all contributors should be listed, got %v", i, out.Sources)
		}
	}
}

func TestHighestQuality_TieBreaksOnPriority(t *testing.T) {
	r := NewResolver(DefaultScoreParams())
	results := []model.SourceResult{
		scored("beta", 2, 0.8, map[string]any{"price": 103.0}),
		scored("alpha", 1, 0.8, map[string]any{"price": 100.0}),
	}

	out, err := r.Resolve(model.CapabilityPrice, "AAPL", results, StrategyHighestQuality, pricePolicy())
	if err != nil {
		t.Fatal(err)
	}
	if out.Payload["price"] != 100.0 {
		t.Errorf("tie should go to the higher-priority source, got %v", out.Payload["price"])
	}
}

func TestConsensus_MajorityWins(t *testing.T) {
	r := NewResolver(DefaultScoreParams())
	results := []model.SourceResult{
		scored("alpha", 1, 0.9, map[string]any{"price": 100.0}),
		scored("beta", 2, 0.7, map[string]any{"price": 250.0}),
		scored("gamma", 3, 0.6, map[string]any{"price": 100.0}),
	}

	out, err := r.Resolve(model.CapabilityPrice, "AAPL", results, StrategyConsensus, pricePolicy())
	if err != nil {
		t.Fatal(err)
	}
	if out.Payload["price"] != 100.0 {
		t.Errorf("majority value should win, got %v", out.Payload["price"])
	}
	want := 2.0 / 3.0
	if diff := out.Quality.Accuracy - want; diff < -1e-9 || diff > 1e-9 {
		t.Errorf("accuracy should be agreement fraction %f, got %f", want, out.Quality.Accuracy)
	}
}

func TestConsensus_FloatNoiseStillAgrees(t *testing.T) {
	r := NewResolver(DefaultScoreParams())
	results := []model.SourceResult{
		scored("alpha", 1, 0.9, map[string]any{"price": 100.000000001}),
		scored("beta", 2, 0.8, map[string]any{"price": 100.000000002}),
	}

	out, err := r.Resolve(model.CapabilityPrice, "AAPL", results, StrategyConsensus, pricePolicy())
	if err != nil {
		t.Fatal(err)
	}
	if out.Quality.Accuracy != 1 {
		t.Errorf("sub-rounding differences should count as agreement, got accuracy %f", out.Quality.Accuracy)
	}
}

func TestWeightedAverage_IdenticalValuesFullAccuracy(t *testing.T) {
	r := NewResolver(DefaultScoreParams())
	results := []model.SourceResult{
		scored("alpha", 1, 0.9, map[string]any{"price": 200.0}),
		scored("beta", 2, 0.5, map[string]any{"price": 200.0}),
	}

	out, err := r.Resolve(model.CapabilityPrice, "AAPL", results, StrategyWeightedAverage, pricePolicy())
	if err != nil {
		t.Fatal(err)
	}
	if out.Payload["price"] != 200.0 {
		t.Errorf("identical values average to themselves, got %v", out.Payload["price"])
	}
	if out.Quality.Accuracy != 1 {
		t.Errorf("zero dispersion should yield accuracy 1, got %f", out.Quality.Accuracy)
	}
}

func TestWeightedAverage_DispersionLowersAccuracy(t *testing.T) {
	r := NewResolver(DefaultScoreParams())

	resolve := func(a, b float64) *model.FusionResult {
		results := []model.SourceResult{
			scored("alpha", 1, 0.9, map[string]any{"price": a}),
			scored("beta", 2, 0.9, map[string]any{"price": b}),
		}
		out, err := r.Resolve(model.CapabilityPrice, "AAPL", results, StrategyWeightedAverage, pricePolicy())
		if err != nil {
			t.Fatal(err)
		}
		return out
	}

	near := resolve(100.0, 101.0) // 1% apart
	far := resolve(100.0, 150.0)  // 50% apart
	if far.Quality.Accuracy >= near.Quality.Accuracy {
		t.Errorf("wider disagreement should score lower accuracy: far=%f near=%f",
			far.Quality.Accuracy, near.Quality.Accuracy)
	}
	if near.Quality.Accuracy >= 1 {
		t.Errorf("any disagreement should cost some accuracy, got %f", near.Quality.Accuracy)
	}
}

func TestWeightedAverage_MeanLeansTowardHigherQuality(t *testing.T) {
	r := NewResolver(DefaultScoreParams())
	results := []model.SourceResult{
		scored("alpha", 1, 0.9, map[string]any{"price": 100.0, "currency": "USD"}),
		scored("beta", 2, 0.1, map[string]any{"price": 200.0}),
	}

	out, err := r.Resolve(model.CapabilityPrice, "AAPL", results, StrategyWeightedAverage, pricePolicy())
	if err != nil {
		t.Fatal(err)
	}
	mean, ok := out.Payload["price"].(float64)
	if !ok {
		t.Fatalf("expected numeric price, got %T", out.Payload["price"])
	}
	if mean <= 100 || mean >= 150 {
		t.Errorf("quality-weighted mean should lean toward alpha, got %f", mean)
	}
	// Non-primary fields come from the best contributor.
	if out.Payload["currency"] != "USD" {
		t.Errorf("expected alpha's payload fields, got %v", out.Payload)
	}
	// The winner's payload must not be mutated in place.
	if results[0].Payload["price"] != 100.0 {
		t.Errorf("input payload was mutated: %v", results[0].Payload)
	}
}

func TestWeightedAverage_NonNumericFallsBack(t *testing.T) {
	r := NewResolver(DefaultScoreParams())
	results := []model.SourceResult{
		scored("alpha", 1, 0.9, map[string]any{"price": "n/a"}),
		scored("beta", 2, 0.6, map[string]any{"price": 100.0}),
	}

	out, err := r.Resolve(model.CapabilityPrice, "AAPL", results, StrategyWeightedAverage, pricePolicy())
	if err != nil {
		t.Fatal(err)
	}
	// Falls back to highest quality when fewer than two numeric samples exist.
	if out.Payload["price"] != "n/a" {
		t.Errorf("expected highest-quality fallback, got %v", out.Payload["price"])
	}
}
