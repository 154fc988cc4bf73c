// Package engine implements the fallback orchestrator: cache-first,
// priority-ordered source cascade gated by the circuit breaker and rate
// governor, with optional parallel validation probes feeding fusion.
package engine

import (
	"context"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/quotefall/internal/breaker"
	"github.com/sells-group/quotefall/internal/cachegw"
	"github.com/sells-group/quotefall/internal/fusion"
	"github.com/sells-group/quotefall/internal/governor"
	"github.com/sells-group/quotefall/internal/model"
	"github.com/sells-group/quotefall/internal/source"
)

// Config holds orchestrator policy.
type Config struct {
	// Policies maps capability to its freshness/deadline/fusion policy.
	Policies map[model.Capability]model.CapabilityPolicy

	// DefaultPolicy applies to capabilities without an explicit policy.
	DefaultPolicy model.CapabilityPolicy

	// AdmitRetryMax is the largest governor wait the orchestrator will sleep
	// through before falling to the next source. Default: 500ms.
	AdmitRetryMax time.Duration

	// DiscrepancyInvalidateRatio is the relative deviation between the
	// primary result and a validation probe above which the cache entry is
	// invalidated. Default: 0.25.
	DiscrepancyInvalidateRatio float64
}

func (c Config) withDefaults() Config {
	if c.AdmitRetryMax <= 0 {
		c.AdmitRetryMax = 500 * time.Millisecond
	}
	if c.DiscrepancyInvalidateRatio <= 0 {
		c.DiscrepancyInvalidateRatio = 0.25
	}
	if c.DefaultPolicy.Deadline <= 0 {
		c.DefaultPolicy.Deadline = 5 * time.Second
	}
	if c.DefaultPolicy.AttemptTimeout <= 0 {
		c.DefaultPolicy.AttemptTimeout = 2 * time.Second
	}
	if c.DefaultPolicy.Freshness <= 0 {
		c.DefaultPolicy.Freshness = 30 * time.Second
	}
	if c.DefaultPolicy.CacheTTL <= 0 {
		c.DefaultPolicy.CacheTTL = 5 * time.Minute
	}
	if c.DefaultPolicy.ProbeTimeout <= 0 {
		c.DefaultPolicy.ProbeTimeout = time.Second
	}
	if c.DefaultPolicy.Strategy == "" {
		c.DefaultPolicy.Strategy = fusion.StrategyHighestQuality
	}
	return c
}

// sourceStats tracks rolling success/failure totals for one source.
type sourceStats struct {
	successes atomic.Int64
	failures  atomic.Int64
}

// Engine is the fallback orchestrator. One instance per process, created at
// startup and shared by all requests; all mutable shared state lives in the
// governor, breakers, and per-source counters, each locked per source.
type Engine struct {
	cfg         Config
	descriptors []*model.SourceDescriptor
	adapters    *source.Registry
	gov         *governor.Governor
	brk         *breaker.Breakers
	cache       cachegw.Gateway
	resolver    *fusion.Resolver

	stats map[string]*sourceStats

	// nowFunc and sleepFunc allow test injection of time.
	nowFunc   func() time.Time
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// New wires an engine from its collaborators. cache may be nil (cache-less
// operation); everything else is required.
func New(cfg Config, descriptors []*model.SourceDescriptor, adapters *source.Registry, gov *governor.Governor, brk *breaker.Breakers, cache cachegw.Gateway, resolver *fusion.Resolver) *Engine {
	stats := make(map[string]*sourceStats, len(descriptors))
	for _, d := range descriptors {
		stats[d.ID] = &sourceStats{}
	}
	return &Engine{
		cfg:         cfg.withDefaults(),
		descriptors: descriptors,
		adapters:    adapters,
		gov:         gov,
		brk:         brk,
		cache:       cache,
		resolver:    resolver,
		stats:       stats,
		nowFunc:     time.Now,
		sleepFunc:   sleepCtx,
	}
}

// Fetch returns the freshest, most trustworthy value of a capability for a
// key, trying sources in priority order. Per-source failures never surface
// as errors: an exhausted cascade comes back as a typed unavailable result.
// Only ErrDeadlineExceeded and ErrNoCandidates propagate.
func (e *Engine) Fetch(ctx context.Context, capability model.Capability, key string) (*model.FusionResult, error) {
	policy := e.Policy(capability)
	requestID := uuid.New().String()
	cacheKey := cachegw.Key(capability, key)
	log := zap.L().With(
		zap.String("component", "engine"),
		zap.String("request_id", requestID),
		zap.String("capability", string(capability)),
		zap.String("key", key),
	)

	// Step 1: cache lookup. A fresh-enough entry short-circuits all network
	// logic; entries older than the capability freshness read as misses.
	if cached := e.fromCache(ctx, cacheKey, capability, key, policy, log); cached != nil {
		return cached, nil
	}

	candidates := e.Candidates(capability)
	if len(candidates) == 0 {
		return nil, ErrNoCandidates
	}

	ctx, cancel := context.WithTimeout(ctx, policy.Deadline)
	defer cancel()

	var attempts []model.AttemptRecord
	var primary *model.SourceResult
	tried := make(map[string]bool, len(candidates))

	// Steps 3–4: strict priority order, breaker then governor before every
	// network attempt, first success wins.
	for _, desc := range candidates {
		if ctx.Err() != nil {
			return nil, ErrDeadlineExceeded
		}
		tried[desc.ID] = true

		rec, res := e.trySource(ctx, desc, capability, key, policy, policy.AttemptTimeout)
		attempts = append(attempts, rec)
		if res != nil {
			primary = res
			break
		}
	}

	if primary == nil {
		if ctx.Err() != nil {
			return nil, ErrDeadlineExceeded
		}
		log.Warn("all sources exhausted",
			zap.Int("attempts", len(attempts)),
		)
		return &model.FusionResult{
			Capability:  capability,
			Key:         key,
			Unavailable: true,
			Attempts:    attempts,
		}, nil
	}

	results := []model.SourceResult{*primary}

	// Step 5: fire validation probes at untried candidates. Probe failures
	// only affect the quality score, never the primary result.
	if policy.ValidationProbes > 0 {
		results = append(results, e.validationProbes(ctx, capability, key, policy, candidates, tried)...)
	}

	fused, err := e.resolver.Resolve(capability, key, results, policy.Strategy, policy)
	if err != nil {
		// Resolution problems are internal; fall back to the primary alone.
		log.Error("fusion failed, returning primary result", zap.Error(err))
		fused = &model.FusionResult{
			Capability: capability,
			Key:        key,
			Payload:    primary.Payload,
			Quality:    primary.Quality,
			Sources:    []string{primary.SourceID},
		}
	}
	fused.Attempts = attempts

	// Step 6 of the lifecycle: write through unless probes disagreed hard
	// enough to distrust the value.
	if e.disagreementTooLarge(results, policy, log) {
		e.invalidate(ctx, cacheKey, log)
	} else {
		e.store(ctx, cacheKey, fused.Payload, policy.CacheTTL, log)
	}

	return fused, nil
}

// trySource runs the breaker/governor gate and, if admitted, one network
// attempt. Returns the attempt record and a result on success.
func (e *Engine) trySource(ctx context.Context, desc *model.SourceDescriptor, capability model.Capability, key string, policy model.CapabilityPolicy, timeout time.Duration) (model.AttemptRecord, *model.SourceResult) {
	start := e.nowFunc()
	rec := model.AttemptRecord{SourceID: desc.ID, StartedAt: start}

	allowed, _ := e.brk.Allow(desc.ID)
	if !allowed {
		rec.Outcome = model.OutcomeCircuitOpen
		return rec, nil
	}

	dec := e.gov.Admit(desc.ID)
	if !dec.Allow && dec.Wait > 0 && dec.Wait <= e.cfg.AdmitRetryMax {
		// One bounded retry after a short window rollover.
		if err := e.sleepFunc(ctx, dec.Wait); err == nil {
			dec = e.gov.Admit(desc.ID)
		}
	}
	if !dec.Allow {
		e.brk.Cancel(desc.ID)
		rec.Outcome = model.OutcomeRateLimited
		rec.ErrClass = dec.Reason
		return rec, nil
	}

	adapter := e.adapters.Get(desc.ID)
	if adapter == nil || !adapter.Supports(capability) {
		e.brk.Cancel(desc.ID)
		rec.Outcome = model.OutcomeError
		rec.ErrClass = "no_adapter"
		return rec, nil
	}

	raw, err := e.invoke(ctx, adapter, capability, key, timeout)
	rec.Latency = e.nowFunc().Sub(start)

	if err != nil {
		rec.Outcome = source.ClassifyOutcome(err)
		rec.ErrClass = string(rec.Outcome)
		e.brk.Record(desc.ID, false)
		e.stat(desc.ID).failures.Add(1)
		zap.L().Warn("source attempt failed",
			zap.String("component", "engine"),
			zap.String("source", desc.ID),
			zap.String("capability", string(capability)),
			zap.String("outcome", string(rec.Outcome)),
			zap.Duration("latency", rec.Latency),
			zap.Error(err),
		)
		return rec, nil
	}

	rec.Outcome = model.OutcomeSuccess
	e.brk.Record(desc.ID, true)
	e.stat(desc.ID).successes.Add(1)

	res := e.score(desc, policy, raw, rec.Latency)
	return rec, &res
}

// invoke places the adapter call under a per-attempt timeout strictly below
// the remaining overall deadline. The call runs in its own goroutine so a
// misbehaving adapter past the deadline is abandoned, not waited on.
func (e *Engine) invoke(ctx context.Context, adapter source.Adapter, capability model.Capability, key string, timeout time.Duration) (*source.RawResult, error) {
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		raw *source.RawResult
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		raw, err := adapter.Fetch(callCtx, capability, key)
		ch <- outcome{raw: raw, err: err}
	}()

	select {
	case o := <-ch:
		return o.raw, o.err
	case <-callCtx.Done():
		return nil, callCtx.Err()
	}
}

// validationProbes queries up to policy.ValidationProbes untried candidates
// in parallel with a short timeout, purely to feed the fusion resolver.
func (e *Engine) validationProbes(ctx context.Context, capability model.Capability, key string, policy model.CapabilityPolicy, candidates []*model.SourceDescriptor, tried map[string]bool) []model.SourceResult {
	var targets []*model.SourceDescriptor
	for _, desc := range candidates {
		if tried[desc.ID] {
			continue
		}
		targets = append(targets, desc)
		if len(targets) >= policy.ValidationProbes {
			break
		}
	}
	if len(targets) == 0 {
		return nil
	}

	var mu sync.Mutex
	var results []model.SourceResult

	g, probeCtx := errgroup.WithContext(ctx)
	for _, desc := range targets {
		g.Go(func() error {
			_, res := e.trySource(probeCtx, desc, capability, key, policy, policy.ProbeTimeout)
			if res != nil {
				mu.Lock()
				results = append(results, *res)
				mu.Unlock()
			}
			// Probe failures never propagate.
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// score turns a raw adapter answer into a quality-scored source result.
// Accuracy is left for the resolver, which owns the disagreement signal.
func (e *Engine) score(desc *model.SourceDescriptor, policy model.CapabilityPolicy, raw *source.RawResult, latency time.Duration) model.SourceResult {
	params := e.resolver.Params()
	st := e.stat(desc.ID)

	q := model.QualityScore{
		Freshness:    params.FreshnessAt(raw.AsOf, e.nowFunc()),
		Completeness: fusion.Completeness(raw.Payload, policy.ExpectedFields),
		Accuracy:     params.DefaultAccuracy,
		Reputation:   fusion.Reputation(desc.Reliability, st.successes.Load(), st.failures.Load()),
		Latency:      params.LatencyScore(latency),
	}
	q.Overall = params.Overall(q)

	return model.SourceResult{
		SourceID: desc.ID,
		Priority: desc.Priority,
		Payload:  raw.Payload,
		AsOf:     raw.AsOf,
		Latency:  latency,
		Quality:  q,
	}
}

func (e *Engine) fromCache(ctx context.Context, cacheKey string, capability model.Capability, key string, policy model.CapabilityPolicy, log *zap.Logger) *model.FusionResult {
	if e.cache == nil {
		return nil
	}
	entry, err := e.cache.Get(ctx, cacheKey)
	if err != nil {
		log.Warn("cache read failed", zap.Error(err))
		return nil
	}
	if entry == nil {
		return nil
	}
	age := entry.Age(e.nowFunc())
	if age > policy.Freshness {
		return nil
	}

	params := e.resolver.Params()
	q := model.QualityScore{
		Freshness:    params.FreshnessAt(entry.StoredAt, e.nowFunc()),
		Completeness: fusion.Completeness(entry.Payload, policy.ExpectedFields),
		Accuracy:     params.DefaultAccuracy,
		Reputation:   1,
		Latency:      1,
	}
	q.Overall = params.Overall(q)

	log.Debug("cache hit", zap.Duration("age", age))
	return &model.FusionResult{
		Capability: capability,
		Key:        key,
		Payload:    entry.Payload,
		Quality:    q,
		FromCache:  true,
	}
}

func (e *Engine) store(ctx context.Context, cacheKey string, payload map[string]any, ttl time.Duration, log *zap.Logger) {
	if e.cache == nil || payload == nil || ctx.Err() != nil {
		return
	}
	if err := e.cache.Set(ctx, cacheKey, payload, ttl); err != nil {
		log.Warn("cache write failed", zap.Error(err))
	}
}

func (e *Engine) invalidate(ctx context.Context, cacheKey string, log *zap.Logger) {
	if e.cache == nil {
		return
	}
	if err := e.cache.Delete(ctx, cacheKey); err != nil {
		log.Warn("cache invalidation failed", zap.Error(err))
	}
}

// disagreementTooLarge compares validation-probe values against the primary
// (results[0]) on the policy's primary field. Above the configured ratio the
// discrepancy is logged and the cached value dropped so the next read
// refetches; the already-returned result stands.
func (e *Engine) disagreementTooLarge(results []model.SourceResult, policy model.CapabilityPolicy, log *zap.Logger) bool {
	if len(results) < 2 || policy.PrimaryField == "" {
		return false
	}
	base, ok := numeric(results[0].Payload[policy.PrimaryField])
	if !ok || base == 0 {
		return false
	}
	for _, res := range results[1:] {
		v, ok := numeric(res.Payload[policy.PrimaryField])
		if !ok {
			continue
		}
		dev := math.Abs(v-base) / math.Abs(base)
		if dev > e.cfg.DiscrepancyInvalidateRatio {
			log.Warn("validation probe disagrees with primary result",
				zap.String("primary_source", results[0].SourceID),
				zap.String("probe_source", res.SourceID),
				zap.Float64("primary_value", base),
				zap.Float64("probe_value", v),
				zap.Float64("deviation", dev),
			)
			return true
		}
	}
	return false
}

// Candidates returns the descriptors supporting a capability in try order:
// priority rank, then lower cost, then higher reliability. Disabled sources
// are excluded.
func (e *Engine) Candidates(capability model.Capability) []*model.SourceDescriptor {
	var out []*model.SourceDescriptor
	for _, desc := range e.descriptors {
		if desc.Supports(capability) && !desc.Disabled() {
			out = append(out, desc)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		if out[i].CostPerCall != out[j].CostPerCall {
			return out[i].CostPerCall < out[j].CostPerCall
		}
		return out[i].Reliability > out[j].Reliability
	})
	return out
}

// Policy resolves the effective policy for a capability, filling gaps from
// the default policy.
func (e *Engine) Policy(capability model.Capability) model.CapabilityPolicy {
	p, ok := e.cfg.Policies[capability]
	if !ok {
		return e.cfg.DefaultPolicy
	}
	d := e.cfg.DefaultPolicy
	if p.Freshness <= 0 {
		p.Freshness = d.Freshness
	}
	if p.Deadline <= 0 {
		p.Deadline = d.Deadline
	}
	if p.AttemptTimeout <= 0 {
		p.AttemptTimeout = d.AttemptTimeout
	}
	if p.CacheTTL <= 0 {
		p.CacheTTL = d.CacheTTL
	}
	if p.ProbeTimeout <= 0 {
		p.ProbeTimeout = d.ProbeTimeout
	}
	if p.Strategy == "" {
		p.Strategy = d.Strategy
	}
	return p
}

// Descriptors returns the configured source descriptors.
func (e *Engine) Descriptors() []*model.SourceDescriptor {
	return e.descriptors
}

// Totals returns the rolling success/failure counts for one source.
func (e *Engine) Totals(sourceID string) (successes, failures int64) {
	st := e.stat(sourceID)
	return st.successes.Load(), st.failures.Load()
}

// Governor exposes the rate governor for the observability surface.
func (e *Engine) Governor() *governor.Governor { return e.gov }

// Breakers exposes the circuit breakers for the observability surface.
func (e *Engine) Breakers() *breaker.Breakers { return e.brk }

func (e *Engine) stat(sourceID string) *sourceStats {
	if st, ok := e.stats[sourceID]; ok {
		return st
	}
	// Unknown sources get a throwaway counter rather than a nil deref.
	return &sourceStats{}
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
