// Package monitoring exposes the engine's per-source health for external
// health-check and admin tooling, and raises webhook alerts on degradation.
// This is a read-only reporting surface, not a control interface.
package monitoring

import (
	"time"

	"github.com/sells-group/quotefall/internal/breaker"
	"github.com/sells-group/quotefall/internal/governor"
	"github.com/sells-group/quotefall/internal/model"
)

// Engine is the slice of the orchestrator the collector reads from.
type Engine interface {
	Descriptors() []*model.SourceDescriptor
	Totals(sourceID string) (successes, failures int64)
	Governor() *governor.Governor
	Breakers() *breaker.Breakers
}

// SourceHealth is a point-in-time view of one source.
type SourceHealth struct {
	SourceID            string               `json:"source_id"`
	Name                string               `json:"name"`
	Priority            int                  `json:"priority"`
	CircuitState        string               `json:"circuit_state"`
	ConsecutiveFailures int                  `json:"consecutive_failures"`
	Trips               int                  `json:"trips"`
	Successes           int64                `json:"successes"`
	Failures            int64                `json:"failures"`
	FailRate            float64              `json:"fail_rate"`
	Rate                governor.Utilization `json:"rate"`
}

// Snapshot holds health for every configured source.
type Snapshot struct {
	Sources     []SourceHealth `json:"sources"`
	CollectedAt time.Time      `json:"collected_at"`
}

// Collector gathers per-source health from the engine.
type Collector struct {
	engine Engine
}

// NewCollector creates a metrics collector over the engine.
func NewCollector(engine Engine) *Collector {
	return &Collector{engine: engine}
}

// Collect gathers a snapshot of every source's circuit, counter, and rate
// window state.
func (c *Collector) Collect() *Snapshot {
	snap := &Snapshot{CollectedAt: time.Now().UTC()}

	brk := c.engine.Breakers()
	gov := c.engine.Governor()

	for _, desc := range c.engine.Descriptors() {
		successes, failures := c.engine.Totals(desc.ID)
		consecutive, trips := brk.Counters(desc.ID)

		h := SourceHealth{
			SourceID:            desc.ID,
			Name:                desc.Name,
			Priority:            desc.Priority,
			CircuitState:        brk.State(desc.ID).String(),
			ConsecutiveFailures: consecutive,
			Trips:               trips,
			Successes:           successes,
			Failures:            failures,
			Rate:                gov.Utilization(desc.ID),
		}
		if total := successes + failures; total > 0 {
			h.FailRate = float64(failures) / float64(total)
		}
		snap.Sources = append(snap.Sources, h)
	}

	return snap
}
