package config

import (
	"os"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/quotefall/internal/fusion"
	"github.com/sells-group/quotefall/internal/model"
)

// SourceBook is the loaded source configuration: the provider descriptors
// and the per-capability fetch policies.
type SourceBook struct {
	Sources  []*model.SourceDescriptor
	Policies map[model.Capability]model.CapabilityPolicy
	Default  model.CapabilityPolicy
}

type rawRate struct {
	PerMinute       int `yaml:"per_minute"`
	BurstWindowSecs int `yaml:"burst_window_secs"`
	BurstCeiling    int `yaml:"burst_ceiling"`
	DailyCeiling    int `yaml:"daily_ceiling"`
}

type rawSource struct {
	ID           string            `yaml:"id"`
	Name         string            `yaml:"name"`
	Priority     int               `yaml:"priority"`
	Capabilities []string          `yaml:"capabilities"`
	Rate         rawRate           `yaml:"rate"`
	CostPerCall  float64           `yaml:"cost_per_call"`
	Reliability  float64           `yaml:"reliability"`
	Endpoints    map[string]string `yaml:"endpoints"`
}

type rawPolicy struct {
	FreshnessSecs    int      `yaml:"freshness_secs"`
	DeadlineMs       int      `yaml:"deadline_ms"`
	AttemptTimeoutMs int      `yaml:"attempt_timeout_ms"`
	CacheTTLSecs     int      `yaml:"cache_ttl_secs"`
	Strategy         string   `yaml:"strategy"`
	ValidationProbes int      `yaml:"validation_probes"`
	ProbeTimeoutMs   int      `yaml:"probe_timeout_ms"`
	ExpectedFields   []string `yaml:"expected_fields"`
	PrimaryField     string   `yaml:"primary_field"`
}

type rawBook struct {
	Sources      []rawSource          `yaml:"sources"`
	Capabilities map[string]rawPolicy `yaml:"capabilities"`
	Defaults     rawPolicy            `yaml:"defaults"`
}

// LoadSourceBook reads the source book from a YAML file.
func LoadSourceBook(path string) (*SourceBook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "config: read source book %s", path)
	}

	var raw rawBook
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, eris.Wrap(err, "config: parse source book")
	}

	if len(raw.Sources) == 0 {
		return nil, eris.New("config: source book declares no sources")
	}

	book := &SourceBook{
		Policies: make(map[model.Capability]model.CapabilityPolicy, len(raw.Capabilities)),
		Default:  raw.Defaults.toPolicy(),
	}

	seen := make(map[string]bool, len(raw.Sources))
	for _, rs := range raw.Sources {
		if rs.ID == "" {
			return nil, eris.New("config: source with empty id")
		}
		if seen[rs.ID] {
			return nil, eris.Errorf("config: duplicate source id %q", rs.ID)
		}
		seen[rs.ID] = true
		if rs.Reliability < 0 || rs.Reliability > 1 {
			return nil, eris.Errorf("config: source %s reliability %.2f outside [0, 1]", rs.ID, rs.Reliability)
		}

		desc := &model.SourceDescriptor{
			ID:          rs.ID,
			Name:        rs.Name,
			Priority:    rs.Priority,
			CostPerCall: rs.CostPerCall,
			Reliability: rs.Reliability,
			Rate: model.RateProfile{
				PerMinute:    rs.Rate.PerMinute,
				BurstWindow:  time.Duration(rs.Rate.BurstWindowSecs) * time.Second,
				BurstCeiling: rs.Rate.BurstCeiling,
				DailyCeiling: rs.Rate.DailyCeiling,
			},
		}
		for _, c := range rs.Capabilities {
			desc.Capabilities = append(desc.Capabilities, model.Capability(c))
		}
		if len(rs.Endpoints) > 0 {
			desc.Endpoints = make(map[model.Capability]string, len(rs.Endpoints))
			for c, u := range rs.Endpoints {
				desc.Endpoints[model.Capability(c)] = u
			}
		}
		book.Sources = append(book.Sources, desc)
	}

	for name, rp := range raw.Capabilities {
		if rp.Strategy != "" {
			switch rp.Strategy {
			case fusion.StrategyHighestQuality, fusion.StrategyConsensus, fusion.StrategyWeightedAverage:
			default:
				return nil, eris.Errorf("config: capability %s has unknown strategy %q", name, rp.Strategy)
			}
		}
		book.Policies[model.Capability(name)] = rp.toPolicy()
	}

	return book, nil
}

func (rp rawPolicy) toPolicy() model.CapabilityPolicy {
	return model.CapabilityPolicy{
		Freshness:        time.Duration(rp.FreshnessSecs) * time.Second,
		Deadline:         time.Duration(rp.DeadlineMs) * time.Millisecond,
		AttemptTimeout:   time.Duration(rp.AttemptTimeoutMs) * time.Millisecond,
		CacheTTL:         time.Duration(rp.CacheTTLSecs) * time.Second,
		Strategy:         rp.Strategy,
		ValidationProbes: rp.ValidationProbes,
		ProbeTimeout:     time.Duration(rp.ProbeTimeoutMs) * time.Millisecond,
		ExpectedFields:   rp.ExpectedFields,
		PrimaryField:     rp.PrimaryField,
	}
}
