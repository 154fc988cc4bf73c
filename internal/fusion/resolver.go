package fusion

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/rotisserie/eris"

	"github.com/sells-group/quotefall/internal/model"
)

// Conflict-resolution strategies.
const (
	StrategyHighestQuality  = "highest_quality"
	StrategyConsensus       = "consensus"
	StrategyWeightedAverage = "weighted_average"
)

// Resolver merges scored source results according to a strategy.
type Resolver struct {
	params ScoreParams
}

// NewResolver creates a resolver with the given scoring parameters.
func NewResolver(params ScoreParams) *Resolver {
	return &Resolver{params: params.withDefaults()}
}

// Params exposes the effective scoring parameters (defaults applied).
func (r *Resolver) Params() ScoreParams {
	return r.params
}

// Resolve combines results into a single FusionResult. With a single result
// it passes through with the configured default accuracy. The input slice is
// not modified.
func (r *Resolver) Resolve(capability model.Capability, key string, results []model.SourceResult, strategy string, policy model.CapabilityPolicy) (*model.FusionResult, error) {
	if len(results) == 0 {
		return nil, eris.New("fusion: no results to resolve")
	}

	if len(results) == 1 {
		only := results[0]
		only.Quality.Accuracy = r.params.DefaultAccuracy
		only.Quality.Overall = r.params.Overall(only.Quality)
		return r.assemble(capability, key, only, []string{only.SourceID}), nil
	}

	switch strategy {
	case StrategyHighestQuality, "":
		return r.resolveHighestQuality(capability, key, results), nil
	case StrategyConsensus:
		return r.resolveConsensus(capability, key, results, policy), nil
	case StrategyWeightedAverage:
		return r.resolveWeightedAverage(capability, key, results, policy), nil
	default:
		return nil, eris.Errorf("fusion: unknown strategy %q", strategy)
	}
}

// resolveHighestQuality picks the single result with the maximal overall
// score; ties break toward the higher-priority (lower rank) source.
func (r *Resolver) resolveHighestQuality(capability model.Capability, key string, results []model.SourceResult) *model.FusionResult {
	best := results[0]
	for _, res := range results[1:] {
		if res.Quality.Overall > best.Quality.Overall ||
			(res.Quality.Overall == best.Quality.Overall && res.Priority < best.Priority) {
			best = res
		}
	}
	return r.assemble(capability, key, best, contributorIDs(results))
}

// resolveConsensus picks the primary-field value with the most agreeing
// sources; ties break by highest quality among the tied values' contributors.
// Accuracy reflects the agreement fraction.
func (r *Resolver) resolveConsensus(capability model.Capability, key string, results []model.SourceResult, policy model.CapabilityPolicy) *model.FusionResult {
	groups := make(map[string][]model.SourceResult)
	for _, res := range results {
		groups[consensusKey(res, policy.PrimaryField)] = append(groups[consensusKey(res, policy.PrimaryField)], res)
	}

	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	// Deterministic iteration before picking the winner.
	sort.Strings(keys)

	var winner []model.SourceResult
	for _, k := range keys {
		g := groups[k]
		switch {
		case winner == nil, len(g) > len(winner):
			winner = g
		case len(g) == len(winner) && bestOverall(g) > bestOverall(winner):
			winner = g
		}
	}

	best := winner[0]
	for _, res := range winner[1:] {
		if res.Quality.Overall > best.Quality.Overall ||
			(res.Quality.Overall == best.Quality.Overall && res.Priority < best.Priority) {
			best = res
		}
	}

	best.Quality.Accuracy = float64(len(winner)) / float64(len(results))
	best.Quality.Overall = r.params.Overall(best.Quality)
	return r.assemble(capability, key, best, contributorIDs(results))
}

// resolveWeightedAverage blends the numeric primary field across sources
// using each source's overall quality as weight. Dispersion across sources
// lowers the accuracy dimension: accuracy = 1 - coefficient of variation
// (clamped to [0, 1]).
func (r *Resolver) resolveWeightedAverage(capability model.Capability, key string, results []model.SourceResult, policy model.CapabilityPolicy) *model.FusionResult {
	type sample struct {
		res model.SourceResult
		val float64
	}
	samples := make([]sample, 0, len(results))
	for _, res := range results {
		if v, ok := numericField(res.Payload, policy.PrimaryField); ok {
			samples = append(samples, sample{res: res, val: v})
		}
	}

	// Without at least two numeric samples there is nothing to average.
	if len(samples) < 2 {
		return r.resolveHighestQuality(capability, key, results)
	}

	var weightSum, weighted float64
	for _, s := range samples {
		w := s.res.Quality.Overall
		if w <= 0 {
			w = 1e-6
		}
		weightSum += w
		weighted += w * s.val
	}
	mean := weighted / weightSum

	// Unweighted population dispersion across sources.
	var plainMean float64
	for _, s := range samples {
		plainMean += s.val
	}
	plainMean /= float64(len(samples))
	var variance float64
	for _, s := range samples {
		d := s.val - plainMean
		variance += d * d
	}
	variance /= float64(len(samples))

	accuracy := 1.0
	if plainMean != 0 {
		cv := math.Sqrt(variance) / math.Abs(plainMean)
		accuracy = clamp01(1 - cv)
	} else if variance > 0 {
		accuracy = 0
	}

	best := samples[0].res
	for _, s := range samples[1:] {
		if s.res.Quality.Overall > best.Quality.Overall ||
			(s.res.Quality.Overall == best.Quality.Overall && s.res.Priority < best.Priority) {
			best = s.res
		}
	}

	payload := make(map[string]any, len(best.Payload))
	for k, v := range best.Payload {
		payload[k] = v
	}
	payload[policy.PrimaryField] = mean

	best.Payload = payload
	best.Quality.Accuracy = accuracy
	best.Quality.Overall = r.params.Overall(best.Quality)
	return r.assemble(capability, key, best, contributorIDs(results))
}

func (r *Resolver) assemble(capability model.Capability, key string, chosen model.SourceResult, sources []string) *model.FusionResult {
	return &model.FusionResult{
		Capability: capability,
		Key:        key,
		Payload:    chosen.Payload,
		Quality:    chosen.Quality,
		Sources:    sources,
	}
}

func contributorIDs(results []model.SourceResult) []string {
	ids := make([]string, 0, len(results))
	for _, res := range results {
		ids = append(ids, res.SourceID)
	}
	return ids
}

func bestOverall(results []model.SourceResult) float64 {
	best := 0.0
	for _, res := range results {
		if res.Quality.Overall > best {
			best = res.Quality.Overall
		}
	}
	return best
}

func consensusKey(res model.SourceResult, primaryField string) string {
	v, ok := res.Payload[primaryField]
	if !ok {
		return "<absent>"
	}
	if f, ok := numericField(res.Payload, primaryField); ok {
		// Round so float noise does not break agreement.
		return fmt.Sprintf("%.6g", f)
	}
	return fmt.Sprintf("%v", v)
}

func numericField(payload map[string]any, field string) (float64, bool) {
	v, ok := payload[field]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
