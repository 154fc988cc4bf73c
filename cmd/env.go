package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/quotefall/internal/breaker"
	"github.com/sells-group/quotefall/internal/cachegw"
	"github.com/sells-group/quotefall/internal/config"
	"github.com/sells-group/quotefall/internal/engine"
	"github.com/sells-group/quotefall/internal/fusion"
	"github.com/sells-group/quotefall/internal/governor"
	"github.com/sells-group/quotefall/internal/source"
	"github.com/sells-group/quotefall/internal/source/httpsource"
)

// Env bundles the wired engine and its collaborators for the commands.
// One Env per process; components share state only through it.
type Env struct {
	Book   *config.SourceBook
	Engine *engine.Engine
	Cache  cachegw.Gateway
}

// Close releases the cache backend.
func (e *Env) Close() {
	if e.Cache != nil {
		if err := e.Cache.Close(); err != nil {
			zap.L().Warn("cache close failed", zap.Error(err))
		}
	}
}

// initEngine builds the engine from config: source book, adapters, governor,
// breakers, cache gateway, and fusion resolver.
func initEngine(ctx context.Context) (*Env, error) {
	book, err := config.LoadSourceBook(cfg.SourcesFile)
	if err != nil {
		return nil, err
	}

	registry := source.NewRegistry()
	for _, desc := range book.Sources {
		if len(desc.Endpoints) == 0 {
			zap.L().Warn("source has no endpoints configured, skipping adapter",
				zap.String("source", desc.ID),
			)
			continue
		}
		registry.Register(httpsource.New(desc, httpsource.Options{}))
	}

	gov := governor.New(book.Sources, cfg.Governor.SafetyMargin)

	brk := breaker.New(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		BaseCooldown:     time.Duration(cfg.Breaker.BaseCooldownSecs) * time.Second,
		MaxCooldown:      time.Duration(cfg.Breaker.MaxCooldownSecs) * time.Second,
		OnStateChange: func(sourceID string, from, to breaker.State) {
			zap.L().Info("circuit state change",
				zap.String("source", sourceID),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	cache, err := openCache(ctx)
	if err != nil {
		return nil, err
	}

	resolver := fusion.NewResolver(cfg.Fusion.ScoreParams())

	eng := engine.New(engine.Config{
		Policies:                   book.Policies,
		DefaultPolicy:              book.Default,
		AdmitRetryMax:              time.Duration(cfg.Engine.AdmitRetryMaxMs) * time.Millisecond,
		DiscrepancyInvalidateRatio: cfg.Engine.DiscrepancyInvalidateRatio,
	}, book.Sources, registry, gov, brk, cache, resolver)

	return &Env{Book: book, Engine: eng, Cache: cache}, nil
}

func openCache(ctx context.Context) (cachegw.Gateway, error) {
	switch cfg.Cache.Driver {
	case "", "memory":
		return cachegw.NewMemory(0), nil
	case "sqlite":
		return cachegw.NewSQLite(cfg.Cache.Path)
	case "postgres":
		return cachegw.NewPostgres(ctx, cfg.Cache.DatabaseURL)
	case "none":
		return nil, nil
	default:
		return nil, eris.Errorf("unknown cache driver %q", cfg.Cache.Driver)
	}
}
