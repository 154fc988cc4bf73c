package model

import "time"

// Outcome classifies a single fetch attempt.
type Outcome string

const (
	OutcomeSuccess     Outcome = "success"
	OutcomeTimeout     Outcome = "timeout"
	OutcomeError       Outcome = "error"
	OutcomeRateLimited Outcome = "rate_limited"
	OutcomeCircuitOpen Outcome = "circuit_open"
)

// AttemptRecord is the ephemeral per-call record produced by the
// orchestrator. It feeds the breaker's failure counter and the per-request
// attempt trail; it is never persisted beyond the request.
type AttemptRecord struct {
	SourceID  string        `json:"source_id"`
	StartedAt time.Time     `json:"started_at"`
	Outcome   Outcome       `json:"outcome"`
	Latency   time.Duration `json:"latency"`
	ErrClass  string        `json:"err_class,omitempty"`
}

// QualityScore is the composite confidence attached to every returned value.
// All dimensions are in [0, 1]; Overall is the configured weighted blend.
type QualityScore struct {
	Freshness    float64 `json:"freshness"`
	Completeness float64 `json:"completeness"`
	Accuracy     float64 `json:"accuracy"`
	Reputation   float64 `json:"reputation"`
	Latency      float64 `json:"latency"`
	Overall      float64 `json:"overall"`
}

// SourceResult is one source's answer plus its scored quality, before fusion.
type SourceResult struct {
	SourceID string         `json:"source_id"`
	Priority int            `json:"priority"`
	Payload  map[string]any `json:"payload"`
	AsOf     time.Time      `json:"as_of"`
	Latency  time.Duration  `json:"latency"`
	Quality  QualityScore   `json:"quality"`
}

// FusionResult is what the engine hands back to the caller. Unavailable=true
// with an empty payload is the typed "no data anywhere" answer; Attempts
// carries the per-source rejection trail so callers can tell "no data" from
// "system error".
type FusionResult struct {
	Capability  Capability      `json:"capability"`
	Key         string          `json:"key"`
	Payload     map[string]any  `json:"payload,omitempty"`
	Quality     QualityScore    `json:"quality"`
	Sources     []string        `json:"sources,omitempty"`
	FromCache   bool            `json:"from_cache"`
	Unavailable bool            `json:"unavailable,omitempty"`
	Attempts    []AttemptRecord `json:"attempts,omitempty"`
}
