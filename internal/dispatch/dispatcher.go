// Package dispatch turns a mode key and a conversation history into one
// provider call (or a fixed multi-model pipeline) and returns the generated text.
//
// Provider failures never escape as errors: they come back as a Reply whose
// Text is a human-readable error string and whose Failed flag is set.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"primebud.com/primebud-chat/internal/llm"
	"primebud.com/primebud-chat/internal/modes"
)

const (
	DefaultWorkers      = 2
	DefaultStageTimeout = 45 * time.Second
)

// Turn is one user submission plus the context it is answered in.
type Turn struct {
	Mode    string
	Profile string
	// History holds prior turns, oldest first, without the system prompt.
	History []llm.Message
	Input   string
}

// Reply is the outcome of a Turn. When Failed is set, Text is an error message
// meant to be shown to the user in place of a model answer.
type Reply struct {
	Text     string `json:"text"`
	Failed   bool   `json:"failed"`
	Mode     string `json:"mode"`
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
}

// ConfigError reports a preset whose provider has no credentials and no fallback.
type ConfigError struct {
	Provider string
}

func (e *ConfigError) Error() string {
	env := providerEnvVar(e.Provider)
	return fmt.Sprintf("❌ Error: %s is not configured. Set the %s environment variable to use the %s provider.", env, env, e.Provider)
}

func providerEnvVar(provider string) string {
	switch provider {
	case modes.ProviderOllama:
		return "OLLAMA_URL"
	default:
		return strings.ToUpper(provider) + "_API_KEY"
	}
}

type Options struct {
	// Fallback names the provider used when a preset's provider is not configured.
	Fallback     string
	Workers      int
	StageTimeout time.Duration
	Pipelines    []Pipeline
}

type Dispatcher struct {
	registry     *modes.Registry
	providers    map[string]llm.Provider
	fallback     string
	pipelines    map[string]*Pipeline
	workers      int
	stageTimeout time.Duration
	logger       *zap.Logger
}

// New validates every pipeline against the registry and builds a Dispatcher.
func New(registry *modes.Registry, providers map[string]llm.Provider, opts Options, logger *zap.Logger) (*Dispatcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		registry:     registry,
		providers:    providers,
		fallback:     opts.Fallback,
		pipelines:    make(map[string]*Pipeline, len(opts.Pipelines)),
		workers:      opts.Workers,
		stageTimeout: opts.StageTimeout,
		logger:       logger,
	}
	if d.workers <= 0 {
		d.workers = DefaultWorkers
	}
	if d.stageTimeout <= 0 {
		d.stageTimeout = DefaultStageTimeout
	}
	if d.fallback != "" {
		if _, ok := providers[d.fallback]; !ok {
			logger.Warn("Local fallback provider is not configured; ignoring", zap.String("provider", d.fallback))
			d.fallback = ""
		}
	}

	for i := range opts.Pipelines {
		p := opts.Pipelines[i]
		if _, err := p.levels(); err != nil {
			return nil, err
		}
		for _, s := range p.Stages {
			preset, ok := registry.Resolve(s.Mode)
			if !ok {
				return nil, fmt.Errorf("pipeline %s: stage %s uses unknown mode %q", p.Name, s.Name, s.Mode)
			}
			if preset.Pipeline != "" {
				return nil, fmt.Errorf("pipeline %s: stage %s uses pipeline mode %q", p.Name, s.Name, s.Mode)
			}
		}
		d.pipelines[p.Name] = &p
	}
	for _, preset := range registry.Presets() {
		if preset.Pipeline != "" {
			if _, ok := d.pipelines[preset.Pipeline]; !ok {
				return nil, fmt.Errorf("mode %s references unknown pipeline %q", preset.Key, preset.Pipeline)
			}
		}
	}
	return d, nil
}

// Generate answers turn with a single complete response.
func (d *Dispatcher) Generate(ctx context.Context, turn Turn) Reply {
	return d.dispatch(ctx, turn, nil)
}

// Stream answers turn, calling fn with each fragment as it arrives. The
// returned Reply carries the accumulated text.
func (d *Dispatcher) Stream(ctx context.Context, turn Turn, fn llm.FragmentFunc) Reply {
	return d.dispatch(ctx, turn, fn)
}

func (d *Dispatcher) dispatch(ctx context.Context, turn Turn, fn llm.FragmentFunc) Reply {
	preset, found := d.registry.Resolve(turn.Mode)
	if !found && turn.Mode != "" {
		d.logger.Debug("Unknown mode, using default", zap.String("mode", turn.Mode), zap.String("default", preset.Key))
	}
	profile, ok := d.registry.Profile(turn.Profile)
	if !ok {
		d.logger.Debug("Unknown profile ignored", zap.String("profile", turn.Profile))
	}

	if preset.Pipeline != "" {
		return d.runPipeline(ctx, d.pipelines[preset.Pipeline], preset, profile, turn, fn)
	}

	res, err := d.call(ctx, preset, profile, turn.History, turn.Input, fn)
	reply := Reply{Text: res.text, Mode: preset.Key, Provider: res.provider, Model: res.model}
	if err != nil {
		reply.Text = failureText(res.provider, err)
		reply.Failed = true
		d.logger.Warn("Provider call failed",
			zap.String("mode", preset.Key),
			zap.String("provider", res.provider),
			zap.Error(err))
	}
	return reply
}

func failureText(provider string, err error) string {
	var cfgErr *ConfigError
	if errors.As(err, &cfgErr) {
		return cfgErr.Error()
	}
	return fmt.Sprintf("❌ Error calling %s API: %v", provider, err)
}

type callResult struct {
	text     string
	provider string
	model    string
}

// resolveProvider picks the preset's provider, or the local fallback when the
// preset's provider is not configured.
func (d *Dispatcher) resolveProvider(preset modes.Preset) (llm.Provider, string, error) {
	if p, ok := d.providers[preset.Provider]; ok {
		model := preset.Model
		if model == "" {
			model = p.DefaultModel()
		}
		return p, model, nil
	}
	if d.fallback != "" {
		p := d.providers[d.fallback]
		d.logger.Info("Provider not configured, using local fallback",
			zap.String("provider", preset.Provider),
			zap.String("fallback", d.fallback))
		return p, p.DefaultModel(), nil
	}
	return nil, "", &ConfigError{Provider: preset.Provider}
}

// BuildMessages lays out the provider message array: system prompt, history, user input.
func BuildMessages(systemPrompt string, history []llm.Message, input string) []llm.Message {
	msgs := make([]llm.Message, 0, len(history)+2)
	if systemPrompt != "" {
		msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: systemPrompt})
	}
	msgs = append(msgs, history...)
	return append(msgs, llm.Message{Role: llm.RoleUser, Content: input})
}

func (d *Dispatcher) call(ctx context.Context, preset modes.Preset, profile *modes.Profile, history []llm.Message, input string, fn llm.FragmentFunc) (callResult, error) {
	res := callResult{provider: preset.Provider}
	provider, model, err := d.resolveProvider(preset)
	if err != nil {
		return res, err
	}
	res.provider = provider.Name()
	res.model = model

	req := &llm.Request{
		Model:       model,
		Messages:    BuildMessages(modes.SystemPrompt(preset, profile), history, input),
		Temperature: preset.Temperature,
		MaxTokens:   preset.MaxTokens,
	}

	start := time.Now()
	if fn != nil {
		res.text, err = provider.Stream(ctx, req, fn)
	} else {
		res.text, err = provider.Complete(ctx, req)
	}
	d.logger.Debug("Provider call finished",
		zap.String("mode", preset.Key),
		zap.String("provider", res.provider),
		zap.String("model", model),
		zap.Int("messages", len(req.Messages)),
		zap.Duration("duration", time.Since(start)))
	if err != nil {
		return res, err
	}
	if strings.TrimSpace(res.text) == "" {
		return res, errors.New("empty response")
	}
	return res, nil
}
