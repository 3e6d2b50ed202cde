package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/polzovatel/ai-agent-for-desktop-vision/internal/agent"
	"github.com/polzovatel/ai-agent-for-desktop-vision/internal/automation"
	"github.com/polzovatel/ai-agent-for-desktop-vision/internal/browser"
	"github.com/polzovatel/ai-agent-for-desktop-vision/internal/config"
	"github.com/polzovatel/ai-agent-for-desktop-vision/internal/events"
	"github.com/polzovatel/ai-agent-for-desktop-vision/internal/llm"
	"github.com/polzovatel/ai-agent-for-desktop-vision/internal/oracle"
	"github.com/polzovatel/ai-agent-for-desktop-vision/internal/runs"
	"github.com/polzovatel/ai-agent-for-desktop-vision/internal/snapshot"
	"github.com/polzovatel/ai-agent-for-desktop-vision/internal/tools"
	"github.com/polzovatel/ai-agent-for-desktop-vision/internal/vision"
)

// app is everything a command needs to start runs.
type app struct {
	backend  snapshot.Backend
	browser  *browser.Controller
	hub      *events.Hub
	registry *runs.Registry
	closers  []func()
}

func (r *app) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	client, err := newLLM(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("llm init: %w", err)
	}
	orc := oracle.New(client, logger).WithTemperature(float32(cfg.Oracle.Temperature))

	rt := &app{hub: events.NewHub(0)}
	if err := rt.openBackend(ctx, cfg, logger); err != nil {
		rt.Close()
		return nil, err
	}
	rt.registry = runs.NewRegistry(newRunner(cfg, orc, rt.backend, logger), rt.hub, logger)
	return rt, nil
}

func newLLM(cfg *config.Config, logger zerolog.Logger) (llm.Client, error) {
	client, err := llm.NewClientWithLogger(llm.Config{
		Provider:  cfg.LLM.Provider,
		Model:     cfg.LLM.Model,
		APIKey:    cfg.LLM.APIKey,
		BaseURL:   cfg.LLM.BaseURL,
		MaxTokens: cfg.LLM.MaxTokens,
	}, logger.With().Str("comp", "llm").Logger())
	if err != nil {
		return nil, err
	}
	if rps := cfg.Oracle.RequestsPerSecond; rps > 0 {
		client = llm.WithRateLimit(client, rate.NewLimiter(rate.Limit(rps), max(cfg.Oracle.Burst, 1)))
	}
	return client, nil
}

func (r *app) openBackend(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	switch cfg.Automation.Backend {
	case config.BackendBrowser:
		launcher, err := browser.NewLauncher(ctx, browser.Options{
			Headless: cfg.Browser.Headless,
			Width:    cfg.Browser.Width,
			Height:   cfg.Browser.Height,
		}, logger)
		if err != nil {
			return fmt.Errorf("browser init: %w", err)
		}
		r.closers = append(r.closers, func() { _ = launcher.Close() })

		ctrl, err := launcher.NewController(ctx, cfg.Browser.Storage)
		if err != nil {
			return fmt.Errorf("browser controller: %w", err)
		}
		r.closers = append(r.closers, func() { _ = ctrl.Close(context.Background()) })
		if cfg.Browser.StartURL != "" {
			if err := ctrl.Navigate(ctx, cfg.Browser.StartURL); err != nil {
				return fmt.Errorf("open %s: %w", cfg.Browser.StartURL, err)
			}
		}
		r.backend, r.browser = ctrl, ctrl
	default:
		client, err := automation.New(automation.Config{
			BaseURL:     cfg.Automation.BaseURL,
			Timeout:     cfg.Automation.Timeout,
			ScaleFactor: cfg.Automation.ScaleFactor,
		}, logger.With().Str("comp", "automation").Logger())
		if err != nil {
			return fmt.Errorf("automation client: %w", err)
		}
		r.backend = client
	}
	return nil
}

func agentConfig(cfg config.AgentConfig) agent.Config {
	return agent.Config{
		MaxSteps:               cfg.MaxSteps,
		MaxRetries:             cfg.MaxRetries,
		MaxConsecutiveFailures: cfg.MaxConsecutiveFailures,
		GridSize:               cfg.GridSize,
		SettleDelay:            cfg.SettleDelay,
		StepDelay:              cfg.StepDelay,
		SnapshotTimeout:        cfg.SnapshotTimeout,
	}
}

// newRunner builds a fresh loop for every run so a per-run model override
// never leaks into the next one.
func newRunner(cfg *config.Config, orc *oracle.Oracle, backend snapshot.Backend, logger zerolog.Logger) runs.Runner {
	return func(ctx context.Context, id string, req runs.Request) agent.Result {
		o := orc.WithModel(req.Model)
		locator := vision.NewLocator(backend, o, cfg.Agent.GridSize, logger,
			vision.WithSnapshotTimeout(cfg.Agent.SnapshotTimeout))
		exec := tools.New(backend, locator, logger, tools.WithSettleDelay(cfg.Agent.ActionSettleDelay))
		orch := agent.NewOrchestrator(agentConfig(cfg.Agent), o, backend, exec, logger)
		return orch.Run(ctx, agent.Task{RunID: id, Goal: req.Goal})
	}
}
