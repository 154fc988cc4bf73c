// Package config loads the application configuration and the source book,
// and installs the global logger.
package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/quotefall/internal/fusion"
	"github.com/sells-group/quotefall/internal/monitoring"
)

// Config holds the full application configuration.
type Config struct {
	Cache      CacheConfig            `yaml:"cache" mapstructure:"cache"`
	Governor   GovernorConfig         `yaml:"governor" mapstructure:"governor"`
	Breaker    BreakerConfig          `yaml:"breaker" mapstructure:"breaker"`
	Fusion     FusionConfig           `yaml:"fusion" mapstructure:"fusion"`
	Engine     EngineConfig           `yaml:"engine" mapstructure:"engine"`
	Server     ServerConfig           `yaml:"server" mapstructure:"server"`
	Log        LogConfig              `yaml:"log" mapstructure:"log"`
	Monitoring monitoring.AlertConfig `yaml:"monitoring" mapstructure:"monitoring"`

	// SourcesFile points at the YAML source book (descriptors + policies).
	SourcesFile string `yaml:"sources_file" mapstructure:"sources_file"`
}

// CacheConfig selects and configures the cache gateway backend.
type CacheConfig struct {
	// Driver is one of "memory", "sqlite", "postgres", or "none".
	Driver      string `yaml:"driver" mapstructure:"driver"`
	Path        string `yaml:"path" mapstructure:"path"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// GovernorConfig tunes rate admission.
type GovernorConfig struct {
	SafetyMargin float64 `yaml:"safety_margin" mapstructure:"safety_margin"`
}

// BreakerConfig tunes the circuit breakers.
type BreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	BaseCooldownSecs int `yaml:"base_cooldown_secs" mapstructure:"base_cooldown_secs"`
	MaxCooldownSecs  int `yaml:"max_cooldown_secs" mapstructure:"max_cooldown_secs"`
}

// FusionConfig tunes quality scoring and fusion.
type FusionConfig struct {
	Weights               fusion.Weights `yaml:"weights" mapstructure:"weights"`
	FreshnessHalfLifeSecs int            `yaml:"freshness_half_life_secs" mapstructure:"freshness_half_life_secs"`
	FreshnessFloor        float64        `yaml:"freshness_floor" mapstructure:"freshness_floor"`
	LatencyBudgetMs       int            `yaml:"latency_budget_ms" mapstructure:"latency_budget_ms"`
	DefaultAccuracy       float64        `yaml:"default_accuracy" mapstructure:"default_accuracy"`
}

// ScoreParams converts the config into fusion scoring parameters.
func (f FusionConfig) ScoreParams() fusion.ScoreParams {
	p := fusion.DefaultScoreParams()
	zero := fusion.Weights{}
	if f.Weights != zero {
		p.Weights = f.Weights
	}
	if f.FreshnessHalfLifeSecs > 0 {
		p.FreshnessHalfLife = time.Duration(f.FreshnessHalfLifeSecs) * time.Second
	}
	if f.FreshnessFloor > 0 {
		p.FreshnessFloor = f.FreshnessFloor
	}
	if f.LatencyBudgetMs > 0 {
		p.LatencyBudget = time.Duration(f.LatencyBudgetMs) * time.Millisecond
	}
	if f.DefaultAccuracy > 0 {
		p.DefaultAccuracy = f.DefaultAccuracy
	}
	return p
}

// EngineConfig tunes the orchestrator.
type EngineConfig struct {
	AdmitRetryMaxMs            int     `yaml:"admit_retry_max_ms" mapstructure:"admit_retry_max_ms"`
	DiscrepancyInvalidateRatio float64 `yaml:"discrepancy_invalidate_ratio" mapstructure:"discrepancy_invalidate_ratio"`
}

// ServerConfig configures the observability HTTP server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures the global logger.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from config.yaml (optional) and QUOTEFALL_*
// environment variables, with defaults applied.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.quotefall")

	v.SetEnvPrefix("QUOTEFALL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("cache.driver", "memory")
	v.SetDefault("cache.path", "quotefall.db")
	v.SetDefault("governor.safety_margin", 0.95)
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.base_cooldown_secs", 30)
	v.SetDefault("breaker.max_cooldown_secs", 600)
	v.SetDefault("fusion.weights.freshness", 0.25)
	v.SetDefault("fusion.weights.completeness", 0.20)
	v.SetDefault("fusion.weights.accuracy", 0.25)
	v.SetDefault("fusion.weights.reputation", 0.20)
	v.SetDefault("fusion.weights.latency", 0.10)
	v.SetDefault("fusion.freshness_half_life_secs", 900)
	v.SetDefault("fusion.freshness_floor", 0.05)
	v.SetDefault("fusion.latency_budget_ms", 5000)
	v.SetDefault("fusion.default_accuracy", 0.8)
	v.SetDefault("engine.admit_retry_max_ms", 500)
	v.SetDefault("engine.discrepancy_invalidate_ratio", 0.25)
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("monitoring.failure_rate_threshold", 0.5)
	v.SetDefault("monitoring.min_samples", 5)
	v.SetDefault("monitoring.quota_alert_fraction", 0.9)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("sources_file", "sources.yaml")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	if err := cfg.Fusion.ScoreParams().Weights.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
