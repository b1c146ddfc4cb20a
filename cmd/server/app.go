package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"primebud.com/primebud-chat/internal/config"
	"primebud.com/primebud-chat/internal/dispatch"
	"primebud.com/primebud-chat/internal/llm"
	"primebud.com/primebud-chat/internal/logging"
	"primebud.com/primebud-chat/internal/modes"
)

const (
	defaultGroqModel   = "llama-3.3-70b-versatile"
	defaultOpenAIModel = "gpt-4o-mini"
)

// app holds what every subcommand needs: configuration, logger, registry and dispatcher.
type app struct {
	cfg        *config.Config
	logger     *zap.Logger
	registry   *modes.Registry
	dispatcher *dispatch.Dispatcher
	// images is nil unless OpenAI is configured.
	images     *llm.OpenAICompatible
	closers    []func() error
}

func (a *app) Close() {
	for _, c := range a.closers {
		if err := c(); err != nil {
			a.logger.Warn("Error during shutdown", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}

// providerSet is what buildProviders wires up.
type providerSet struct {
	chat    map[string]llm.Provider
	images     *llm.OpenAICompatible
	closers    []func() error
}

// buildProviders registers every provider that has credentials. Ollama needs
// none and is always present.
func buildProviders(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*providerSet, error) {
	providers := make(map[string]llm.Provider)
	set := &providerSet{chat: providers}

	if cfg.GroqAPIKey != "" {
		base := cfg.GroqBaseURL
		if base == "" {
			base = llm.GroqBaseURL
		}
		groq, err := llm.NewOpenAICompatible(modes.ProviderGroq, base, cfg.GroqAPIKey, defaultGroqModel)
		if err != nil {
			return nil, err
		}
		providers[modes.ProviderGroq] = groq
	}
	if cfg.OpenAIAPIKey != "" {
		base := cfg.OpenAIBaseURL
		if base == "" {
			base = llm.OpenAIBaseURL
		}
		openai, err := llm.NewOpenAICompatible(modes.ProviderOpenAI, base, cfg.OpenAIAPIKey, defaultOpenAIModel)
		if err != nil {
			return nil, err
		}
		providers[modes.ProviderOpenAI] = openai
		set.images = openai
	}
	if cfg.GeminiAPIKey != "" {
		g, err := llm.NewGemini(ctx, cfg.GeminiAPIKey, llm.DefaultGeminiModel)
		if err != nil {
			return nil, fmt.Errorf("failed to create Gemini client: %w", err)
		}
		providers[modes.ProviderGemini] = g
		set.closers = append(set.closers, g.Close)
	}
	providers[modes.ProviderOllama] = llm.NewOllama(cfg.OllamaURL, cfg.OllamaModel)

	for name, p := range providers {
		providers[name] = llm.Limited(p, cfg.ProviderRPS, 1)
		logger.Info("Provider enabled", zap.String("provider", name), zap.String("default_model", p.DefaultModel()))
	}
	return set, nil
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	if !cfg.EnvFileLoaded {
		logger.Debug("No .env file found, relying on environment variables")
	}

	registry, err := config.LoadRegistry(cfg.ModesFile, cfg.DefaultMode)
	if err != nil {
		return nil, fmt.Errorf("failed to load modes: %w", err)
	}

	set, err := buildProviders(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	d, err := dispatch.New(registry, set.chat, dispatch.Options{
		Fallback:     cfg.LocalFallback,
		Workers:      cfg.PipelineWorkers,
		StageTimeout: cfg.PipelineStageTimeout,
		Pipelines:    dispatch.BuiltinPipelines(),
	}, logger.Named("dispatch"))
	if err != nil {
		return nil, fmt.Errorf("failed to build dispatcher: %w", err)
	}

	return &app{cfg: cfg, logger: logger, registry: registry, dispatcher: d, images: set.images, closers: set.closers}, nil
}
