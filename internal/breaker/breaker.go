// Package breaker isolates failing sources behind a per-source three-state
// circuit breaker with exponential cooldown.
package breaker

import (
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// State represents the state of one source's circuit.
type State int

const (
	// StateClosed is the normal operating state — calls flow through.
	StateClosed State = iota
	// StateOpen means too many failures — calls are rejected immediately.
	StateOpen
	// StateHalfOpen allows a single probe call to test recovery.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when a call is rejected because the circuit is open.
var ErrCircuitOpen = eris.New("circuit breaker is open")

// Config controls breaker behavior for every source.
type Config struct {
	// FailureThreshold is the number of consecutive failures before opening
	// the circuit. Default: 5.
	FailureThreshold int

	// BaseCooldown is how long the circuit stays open after the first trip.
	// Default: 30s. Doubles on each repeated trip, capped at MaxCooldown.
	BaseCooldown time.Duration

	// MaxCooldown caps the exponential cooldown growth. Default: 10m.
	MaxCooldown time.Duration

	// OnStateChange is called when a circuit transitions between states.
	OnStateChange func(sourceID string, from, to State)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		BaseCooldown:     30 * time.Second,
		MaxCooldown:      10 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.BaseCooldown <= 0 {
		c.BaseCooldown = 30 * time.Second
	}
	if c.MaxCooldown <= 0 {
		c.MaxCooldown = 10 * time.Minute
	}
	return c
}

// circuit is the mutable state for one source. Guarded by mu.
type circuit struct {
	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	trips               int
	lastTransition      time.Time
	probeInFlight       bool
}

// Breakers manages circuit state for all sources, keyed by source id.
type Breakers struct {
	cfg Config

	mu       sync.RWMutex
	circuits map[string]*circuit

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// New creates a breaker registry with the given config.
func New(cfg Config) *Breakers {
	return &Breakers{
		cfg:      cfg.withDefaults(),
		circuits: make(map[string]*circuit),
		nowFunc:  time.Now,
	}
}

// Allow reports whether a call to the source may proceed. In half-open,
// exactly one probe is admitted; concurrent callers are rejected until the
// probe's outcome is recorded.
func (b *Breakers) Allow(sourceID string) (bool, State) {
	c := b.get(sourceID)
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateClosed:
		return true, StateClosed
	case StateOpen:
		if b.nowFunc().Sub(c.lastTransition) >= b.cooldown(c.trips) {
			b.transition(sourceID, c, StateHalfOpen)
			c.probeInFlight = true
			return true, StateHalfOpen
		}
		return false, StateOpen
	case StateHalfOpen:
		if c.probeInFlight {
			return false, StateHalfOpen
		}
		c.probeInFlight = true
		return true, StateHalfOpen
	default:
		return true, c.state
	}
}

// Record reports the outcome of a call previously admitted by Allow.
func (b *Breakers) Record(sourceID string, success bool) {
	c := b.get(sourceID)
	c.mu.Lock()
	defer c.mu.Unlock()

	if success {
		switch c.state {
		case StateHalfOpen:
			// Recovery: back to closed, counters cleared, cooldown growth
			// restarts from the base.
			b.transition(sourceID, c, StateClosed)
			c.consecutiveFailures = 0
			c.trips = 0
			c.probeInFlight = false
		case StateClosed:
			c.consecutiveFailures = 0
		}
		return
	}

	c.consecutiveFailures++

	switch c.state {
	case StateClosed:
		if c.consecutiveFailures >= b.cfg.FailureThreshold {
			c.trips++
			b.transition(sourceID, c, StateOpen)
		}
	case StateHalfOpen:
		// Failed probe reopens with a doubled cooldown.
		c.trips++
		c.probeInFlight = false
		b.transition(sourceID, c, StateOpen)
	}
}

// Cancel releases an admission returned by Allow without recording an
// outcome, for callers that decided not to place the call after all (e.g.
// rate-limited before reaching the network). A half-open probe slot is
// freed; closed-state admissions are a no-op.
func (b *Breakers) Cancel(sourceID string) {
	c := b.get(sourceID)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateHalfOpen {
		c.probeInFlight = false
	}
}

// State returns the current state for a source, accounting for an elapsed
// cooldown (an open circuit past its cooldown reads as half-open).
func (b *Breakers) State(sourceID string) State {
	c := b.get(sourceID)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateOpen && b.nowFunc().Sub(c.lastTransition) >= b.cooldown(c.trips) {
		return StateHalfOpen
	}
	return c.state
}

// Counters returns the consecutive-failure count and trip count for a source.
func (b *Breakers) Counters(sourceID string) (consecutiveFailures, trips int) {
	c := b.get(sourceID)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.consecutiveFailures, c.trips
}

// Reset forces a source's circuit back to closed. Useful for admin tooling
// and tests.
func (b *Breakers) Reset(sourceID string) {
	c := b.get(sourceID)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateClosed {
		b.transition(sourceID, c, StateClosed)
	}
	c.consecutiveFailures = 0
	c.trips = 0
	c.probeInFlight = false
}

// States returns a snapshot of every tracked circuit's state.
func (b *Breakers) States() map[string]State {
	b.mu.RLock()
	ids := make([]string, 0, len(b.circuits))
	for id := range b.circuits {
		ids = append(ids, id)
	}
	b.mu.RUnlock()

	states := make(map[string]State, len(ids))
	for _, id := range ids {
		states[id] = b.State(id)
	}
	return states
}

// cooldown returns the open-state cooldown for the given trip count:
// base * 2^(trips-1), capped at MaxCooldown.
func (b *Breakers) cooldown(trips int) time.Duration {
	if trips <= 1 {
		return b.cfg.BaseCooldown
	}
	d := b.cfg.BaseCooldown
	for i := 1; i < trips; i++ {
		d *= 2
		if d >= b.cfg.MaxCooldown {
			return b.cfg.MaxCooldown
		}
	}
	return d
}

func (b *Breakers) get(sourceID string) *circuit {
	b.mu.RLock()
	c, ok := b.circuits[sourceID]
	b.mu.RUnlock()
	if ok {
		return c
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	// Double-check after acquiring write lock.
	if c, ok = b.circuits[sourceID]; ok {
		return c
	}
	c = &circuit{state: StateClosed, lastTransition: b.nowFunc()}
	b.circuits[sourceID] = c
	return c
}

// transition flips a circuit's state. Caller holds c.mu.
func (b *Breakers) transition(sourceID string, c *circuit, to State) {
	from := c.state
	c.state = to
	c.lastTransition = b.nowFunc()
	if b.cfg.OnStateChange != nil && from != to {
		b.cfg.OnStateChange(sourceID, from, to)
	}
}
