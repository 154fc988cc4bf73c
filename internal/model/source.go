// Package model defines the core data types shared across the engine.
package model

import "time"

// Capability is a category of data a source can answer (e.g. "price").
type Capability string

// Well-known capabilities. The engine treats capabilities as opaque keys;
// these constants exist so callers and config agree on spelling.
const (
	CapabilityPrice        Capability = "price"
	CapabilityFundamentals Capability = "fundamentals"
	CapabilityOwnership    Capability = "ownership"
	CapabilityNews         Capability = "news"
)

// RateProfile describes a provider's advertised rate limits.
// A per-minute ceiling of 0 or below means the source is disabled;
// DailyCeiling 0 means unlimited daily quota (the burst ceiling still
// applies).
type RateProfile struct {
	PerMinute    int           `yaml:"per_minute" json:"per_minute"`
	BurstWindow  time.Duration `yaml:"burst_window" json:"burst_window"`
	BurstCeiling int           `yaml:"burst_ceiling" json:"burst_ceiling"`
	DailyCeiling int           `yaml:"daily_ceiling" json:"daily_ceiling"`
}

// SourceDescriptor is the static configuration for one provider.
// Immutable after load; other components hold references, never copies.
type SourceDescriptor struct {
	ID           string       `yaml:"id" json:"id"`
	Name         string       `yaml:"name" json:"name"`
	Priority     int          `yaml:"priority" json:"priority"`
	Capabilities []Capability `yaml:"capabilities" json:"capabilities"`
	Rate         RateProfile  `yaml:"rate" json:"rate"`
	CostPerCall  float64      `yaml:"cost_per_call" json:"cost_per_call"`
	Reliability  float64      `yaml:"reliability" json:"reliability"`

	// Endpoints maps capability to a URL template for the reference HTTP
	// adapter ({symbol} is replaced with the normalized symbol). Empty for
	// sources whose adapters are registered programmatically.
	Endpoints map[Capability]string `yaml:"endpoints,omitempty" json:"endpoints,omitempty"`
}

// Supports reports whether the descriptor declares the capability.
func (d *SourceDescriptor) Supports(c Capability) bool {
	for _, cap := range d.Capabilities {
		if cap == c {
			return true
		}
	}
	return false
}

// Disabled reports whether the rate profile disables the source entirely.
func (d *SourceDescriptor) Disabled() bool {
	return d.Rate.PerMinute <= 0
}

// CapabilityPolicy holds the per-capability business knobs: how fresh cached
// data must be, how long a fetch may take, and how results are fused.
type CapabilityPolicy struct {
	Freshness        time.Duration `yaml:"freshness" json:"freshness"`
	Deadline         time.Duration `yaml:"deadline" json:"deadline"`
	AttemptTimeout   time.Duration `yaml:"attempt_timeout" json:"attempt_timeout"`
	CacheTTL         time.Duration `yaml:"cache_ttl" json:"cache_ttl"`
	Strategy         string        `yaml:"strategy" json:"strategy"`
	ValidationProbes int           `yaml:"validation_probes" json:"validation_probes"`
	ProbeTimeout     time.Duration `yaml:"probe_timeout" json:"probe_timeout"`

	// ExpectedFields drives the completeness quality dimension.
	ExpectedFields []string `yaml:"expected_fields" json:"expected_fields"`
	// PrimaryField names the numeric payload field that consensus and
	// weighted_average fusion operate on.
	PrimaryField string `yaml:"primary_field" json:"primary_field"`
}
