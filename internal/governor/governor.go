// Package governor enforces per-source rate-limit budgets: a rolling
// one-minute window, a short burst window, and a daily quota.
package governor

import (
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/quotefall/internal/model"
)

// Admission reasons reported in Decision.Reason.
const (
	ReasonOK             = "ok"
	ReasonDisabled       = "disabled"
	ReasonUnknownSource  = "unknown_source"
	ReasonMinuteExceeded = "minute_exhausted"
	ReasonBurstExceeded  = "burst_exhausted"
	ReasonDailyExceeded  = "daily_exhausted"
)

// DefaultSafetyMargin scales advertised ceilings down to absorb clock skew
// and concurrent racing.
const DefaultSafetyMargin = 0.95

// Decision is the outcome of one admission check. Wait is a hint for how
// long until the blocking window rolls over; whether to sleep or fall
// through to the next source is the caller's policy.
type Decision struct {
	Allow  bool
	Wait   time.Duration
	Reason string
}

// Utilization is a read-only snapshot of one source's window state.
type Utilization struct {
	SourceID      string `json:"source_id"`
	MinuteUsed    int    `json:"minute_used"`
	MinuteCeiling int    `json:"minute_ceiling"`
	BurstUsed     int    `json:"burst_used"`
	BurstCeiling  int    `json:"burst_ceiling"`
	DayUsed       int    `json:"day_used"`
	DayCeiling    int    `json:"day_ceiling"` // 0 = unlimited
}

// windowState is the mutable rate state for one source. Guarded by mu;
// nothing outside the governor touches it.
type windowState struct {
	mu       sync.Mutex
	minute   []time.Time
	burst    []time.Time
	dayCount int
	dayStart time.Time // UTC midnight of the current quota day
}

// Governor tracks admission windows for all configured sources. Admission
// increments counters at decision time, so concurrent callers cannot
// collectively over-admit.
type Governor struct {
	margin  float64
	sources map[string]*model.SourceDescriptor

	mu     sync.Mutex
	states map[string]*windowState

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// New creates a governor for the given descriptors. A margin outside (0, 1]
// falls back to DefaultSafetyMargin.
func New(descriptors []*model.SourceDescriptor, margin float64) *Governor {
	if margin <= 0 || margin > 1 {
		margin = DefaultSafetyMargin
	}
	srcs := make(map[string]*model.SourceDescriptor, len(descriptors))
	for _, d := range descriptors {
		srcs[d.ID] = d
	}
	return &Governor{
		margin:  margin,
		sources: srcs,
		states:  make(map[string]*windowState),
		nowFunc: time.Now,
	}
}

// Admit decides whether a call to sourceID may proceed now. Both windows
// must have headroom; on success both counters (and the daily counter) are
// incremented immediately.
func (g *Governor) Admit(sourceID string) Decision {
	desc, ok := g.sources[sourceID]
	if !ok {
		return Decision{Allow: false, Reason: ReasonUnknownSource}
	}
	if desc.Disabled() {
		return Decision{Allow: false, Reason: ReasonDisabled}
	}

	now := g.nowFunc()
	st := g.state(sourceID)

	st.mu.Lock()
	defer st.mu.Unlock()

	g.prune(st, desc, now)

	// Daily quota rolls over at UTC midnight, matching provider resets.
	if desc.Rate.DailyCeiling > 0 && st.dayCount >= desc.Rate.DailyCeiling {
		wait := st.dayStart.Add(24 * time.Hour).Sub(now)
		return Decision{Allow: false, Wait: wait, Reason: ReasonDailyExceeded}
	}

	if len(st.minute) >= g.effectiveCeiling(desc.Rate.PerMinute) {
		wait := st.minute[0].Add(time.Minute).Sub(now)
		if wait < 0 {
			wait = 0
		}
		return Decision{Allow: false, Wait: wait, Reason: ReasonMinuteExceeded}
	}

	window, ceiling := g.burstProfile(desc)
	if len(st.burst) >= ceiling {
		wait := st.burst[0].Add(window).Sub(now)
		if wait < 0 {
			wait = 0
		}
		return Decision{Allow: false, Wait: wait, Reason: ReasonBurstExceeded}
	}

	st.minute = append(st.minute, now)
	st.burst = append(st.burst, now)
	st.dayCount++
	return Decision{Allow: true, Reason: ReasonOK}
}

// Utilization returns the current window usage for one source.
func (g *Governor) Utilization(sourceID string) Utilization {
	desc, ok := g.sources[sourceID]
	if !ok {
		return Utilization{SourceID: sourceID}
	}

	st := g.state(sourceID)
	st.mu.Lock()
	defer st.mu.Unlock()
	g.prune(st, desc, g.nowFunc())

	_, burstCeiling := g.burstProfile(desc)
	return Utilization{
		SourceID:      sourceID,
		MinuteUsed:    len(st.minute),
		MinuteCeiling: g.effectiveCeiling(desc.Rate.PerMinute),
		BurstUsed:     len(st.burst),
		BurstCeiling:  burstCeiling,
		DayUsed:       st.dayCount,
		DayCeiling:    desc.Rate.DailyCeiling,
	}
}

// Snapshot returns utilization for every configured source.
func (g *Governor) Snapshot() []Utilization {
	out := make([]Utilization, 0, len(g.sources))
	for id := range g.sources {
		out = append(out, g.Utilization(id))
	}
	return out
}

func (g *Governor) state(sourceID string) *windowState {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.states[sourceID]
	if !ok {
		now := g.nowFunc().UTC()
		st = &windowState{dayStart: now.Truncate(24 * time.Hour)}
		g.states[sourceID] = st
	}
	return st
}

// prune drops window entries that have aged out and rolls the quota day.
// Caller holds st.mu.
func (g *Governor) prune(st *windowState, desc *model.SourceDescriptor, now time.Time) {
	minuteCutoff := now.Add(-time.Minute)
	st.minute = trimBefore(st.minute, minuteCutoff)

	window, _ := g.burstProfile(desc)
	st.burst = trimBefore(st.burst, now.Add(-window))

	day := now.UTC().Truncate(24 * time.Hour)
	if day.After(st.dayStart) {
		if st.dayCount > 0 {
			zap.L().Debug("rate governor: daily quota reset",
				zap.String("source", desc.ID),
				zap.Int("used", st.dayCount),
			)
		}
		st.dayStart = day
		st.dayCount = 0
	}
}

func (g *Governor) effectiveCeiling(advertised int) int {
	eff := int(math.Floor(float64(advertised) * g.margin))
	if eff < 1 {
		eff = 1
	}
	return eff
}

// burstProfile resolves the burst window and effective ceiling, supplying
// defaults when the descriptor leaves them unset. Even "unlimited" sources
// keep a burst ceiling.
func (g *Governor) burstProfile(desc *model.SourceDescriptor) (time.Duration, int) {
	window := desc.Rate.BurstWindow
	if window <= 0 {
		window = 10 * time.Second
	}
	ceiling := desc.Rate.BurstCeiling
	if ceiling <= 0 {
		ceiling = desc.Rate.PerMinute / 6
		if ceiling < 1 {
			ceiling = 1
		}
	}
	return window, g.effectiveCeiling(ceiling)
}

func trimBefore(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0], ts[i:]...)
}
