package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lggm33/AFP-Project/internal/bus"
	"github.com/lggm33/AFP-Project/internal/cache"
	"github.com/lggm33/AFP-Project/internal/domain"
	"github.com/lggm33/AFP-Project/internal/extract"
	"github.com/lggm33/AFP-Project/internal/feedback"
	"github.com/lggm33/AFP-Project/internal/metrics"
	"github.com/lggm33/AFP-Project/internal/pipeline"
	"github.com/lggm33/AFP-Project/internal/quota"
	"github.com/lggm33/AFP-Project/internal/repository"
	"github.com/lggm33/AFP-Project/internal/review"
	"github.com/lggm33/AFP-Project/internal/router"
	"github.com/lggm33/AFP-Project/internal/rules"
	"github.com/lggm33/AFP-Project/internal/strategy"
	"github.com/lggm33/AFP-Project/internal/suggest"
)

// app holds the wired components shared by every command.
type app struct {
	repo     domain.Repository
	cache    domain.Cache
	bus      domain.EventBus
	metrics  *metrics.Metrics
	engine   *rules.Engine
	pipeline *pipeline.Pipeline
	feedback *feedback.Service
	review   *review.Service
}

// options selects the optional components a command needs.
type options struct {
	withBus bool
}

func newApp(cfg *domain.Config, opts options) (*app, error) {
	a := &app{}

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize repository: %w", err)
	}
	a.repo = repo
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	c, err := cache.New(cfg.Cache)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize cache: %w", err)
	}
	a.cache = c
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	if opts.withBus {
		b, err := bus.New(cfg.EventBus)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to initialize event bus: %w", err)
		}
		a.bus = b
		slog.Info("event bus initialized", "type", cfg.EventBus.Type)
	}

	if cfg.Metrics.Enabled {
		a.metrics = metrics.New()
	}

	// Initialize Rule Engine
	engine, err := rules.NewEngine(cfg.Extraction.MaxWorkers)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize rule engine: %w", err)
	}
	a.engine = engine

	// Strategy suggestion is optional
	var suggester extract.Suggester
	if cfg.Suggest.Enabled {
		client, err := suggest.New(cfg.Suggest, a.cache)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to initialize suggestion client: %w", err)
		}
		suggester = client
		if cfg.Suggest.Budget > 0 {
			suggester = quota.NewGuard(client, quota.NewLimiter(a.cache, cfg.Suggest.Budget, cfg.Suggest.BudgetWindow))
		}
		slog.Info("strategy suggestion enabled", "model", cfg.Suggest.Model, "budget", cfg.Suggest.Budget)
	}

	orch := extract.NewOrchestrator(strategy.NewExecutor(nil), suggester, extract.Options{
		SuggestTimeout: cfg.Extraction.SuggestTimeout,
		MaxWorkers:     cfg.Extraction.MaxWorkers,
	})

	rt := router.NewRouter()
	rt.DefaultThreshold = cfg.Extraction.DefaultThreshold

	a.pipeline = pipeline.New(a.repo, a.cache, a.bus, orch, a.engine, rt, a.metrics, pipeline.Options{
		TemplateTTL: cfg.Cache.TemplateTTL,
		SharedQueue: len(cfg.Worker.TenantIDs) == 0,
	})
	a.feedback = feedback.NewService(a.repo, a.cache, a.bus, orch, a.metrics, feedback.Options{
		SampleSize:       cfg.Extraction.AccuracySampleSize,
		CorrectionWeight: cfg.Extraction.CorrectionWeight,
	})
	a.review = review.NewService(a.repo, a.feedback, a.bus)

	return a, nil
}

// Ping checks every backing service.
func (a *app) Ping(ctx context.Context) error {
	var errs []error
	if err := a.repo.Ping(ctx); err != nil {
		errs = append(errs, fmt.Errorf("repository: %w", err))
	}
	if err := a.cache.Ping(ctx); err != nil {
		errs = append(errs, fmt.Errorf("cache: %w", err))
	}
	if a.bus != nil {
		if err := a.bus.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("event bus: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Close releases resources in reverse start order.
func (a *app) Close() {
	if a.engine != nil {
		a.engine.Close()
	}
	if a.bus != nil {
		if err := a.bus.Close(); err != nil {
			slog.Warn("failed to close event bus", "error", err)
		}
	}
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			slog.Warn("failed to close cache", "error", err)
		}
	}
	if a.repo != nil {
		if err := a.repo.Close(); err != nil {
			slog.Warn("failed to close repository", "error", err)
		}
	}
}
