// Package modes defines the response presets a conversation can run under.
//
// A Preset bundles a system prompt, sampling temperature, output budget and
// target provider/model. Presets are fixed once the Registry is built; unknown
// keys resolve to the registry's default preset.
package modes

import (
	"fmt"
	"sort"
	"strings"
)

// DefaultKey is the preset used when a conversation names no mode or an unknown one.
const DefaultKey = "v1_5"

// Provider names a preset can target.
const (
	ProviderGroq   = "groq"
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
	ProviderGemini = "gemini"
)

const defaultGroqModel = "llama-3.3-70b-versatile"

type Preset struct {
	Key          string  `json:"key" toml:"key" yaml:"key"`
	Label        string  `json:"label" toml:"label" yaml:"label"`
	Description  string  `json:"description" toml:"description" yaml:"description"`
	SystemPrompt string  `json:"-" toml:"system_prompt" yaml:"system_prompt"`
	Temperature  float64 `json:"temperature" toml:"temperature" yaml:"temperature"`
	MaxTokens    int     `json:"max_tokens" toml:"max_tokens" yaml:"max_tokens"`
	Provider     string  `json:"provider" toml:"provider" yaml:"provider"`
	Model        string  `json:"model" toml:"model" yaml:"model"`
	// Pipeline, when set, routes the turn through the named multi-model pipeline.
	Pipeline string `json:"pipeline,omitempty" toml:"pipeline" yaml:"pipeline"`
}

// Profile is an optional persona layered on top of a preset's system prompt.
type Profile struct {
	Key      string `json:"key" toml:"key" yaml:"key"`
	Label    string `json:"label" toml:"label" yaml:"label"`
	Guidance string `json:"-" toml:"guidance" yaml:"guidance"`
}

func (p Preset) validate() error {
	if p.Key == "" {
		return fmt.Errorf("preset key is required")
	}
	if p.Temperature < 0 || p.Temperature > 2 {
		return fmt.Errorf("preset %s: temperature %.2f out of range [0, 2]", p.Key, p.Temperature)
	}
	if p.MaxTokens <= 0 {
		return fmt.Errorf("preset %s: max_tokens must be positive", p.Key)
	}
	if p.Pipeline == "" && p.Provider == "" {
		return fmt.Errorf("preset %s: provider is required", p.Key)
	}
	return nil
}

// SystemPrompt returns the preset prompt followed by the profile guidance, if any.
func SystemPrompt(p Preset, profile *Profile) string {
	if profile == nil || profile.Guidance == "" {
		return p.SystemPrompt
	}
	return p.SystemPrompt + "\n\n" + profile.Guidance
}

// Registry resolves mode keys and profile keys. It is read-only after New.
type Registry struct {
	presets    map[string]Preset
	profiles   map[string]Profile
	defaultKey string
}

// New builds a registry from presets and profiles. defaultKey must name one of
// the presets.
func New(presets []Preset, profiles []Profile, defaultKey string) (*Registry, error) {
	r := &Registry{
		presets:    make(map[string]Preset, len(presets)),
		profiles:   make(map[string]Profile, len(profiles)),
		defaultKey: defaultKey,
	}
	for _, p := range presets {
		if err := p.validate(); err != nil {
			return nil, err
		}
		r.presets[p.Key] = p
	}
	for _, p := range profiles {
		if p.Key == "" {
			return nil, fmt.Errorf("profile key is required")
		}
		r.profiles[p.Key] = p
	}
	if _, ok := r.presets[defaultKey]; !ok {
		return nil, fmt.Errorf("default mode %q is not a defined preset", defaultKey)
	}
	return r, nil
}

// Resolve returns the preset for key, falling back to the default preset.
// The boolean reports whether key itself was found.
func (r *Registry) Resolve(key string) (Preset, bool) {
	if p, ok := r.presets[key]; ok {
		return p, true
	}
	return r.presets[r.defaultKey], false
}

// Has reports whether key names a preset.
func (r *Registry) Has(key string) bool {
	_, ok := r.presets[key]
	return ok
}

// Profile looks up a persona; an empty key means no persona.
func (r *Registry) Profile(key string) (*Profile, bool) {
	if key == "" {
		return nil, true
	}
	p, ok := r.profiles[strings.ToLower(key)]
	if !ok {
		return nil, false
	}
	return &p, true
}

func (r *Registry) DefaultKey() string { return r.defaultKey }

// Presets returns every preset ordered by key.
func (r *Registry) Presets() []Preset {
	out := make([]Preset, 0, len(r.presets))
	for _, p := range r.presets {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Profiles returns every profile ordered by key.
func (r *Registry) Profiles() []Profile {
	out := make([]Profile, 0, len(r.profiles))
	for _, p := range r.profiles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Merge returns base with overrides replacing entries of the same key and
// new keys appended.
func Merge[T any](base, overrides []T, key func(T) string) []T {
	idx := make(map[string]int, len(base))
	out := append([]T(nil), base...)
	for i, item := range out {
		idx[key(item)] = i
	}
	for _, item := range overrides {
		if i, ok := idx[key(item)]; ok {
			out[i] = item
			continue
		}
		idx[key(item)] = len(out)
		out = append(out, item)
	}
	return out
}

// BuiltinPresets are the stock modes, all served by Groq except the pipeline modes.
func BuiltinPresets() []Preset {
	return []Preset{
		{
			Key:          "flash",
			Label:        "🚀 PrimeBud Flash",
			Description:  "Fast, direct answers",
			SystemPrompt: "You are a fast and direct assistant. Answer concisely and objectively.",
			Temperature:  0.3,
			MaxTokens:    500,
			Provider:     ProviderGroq,
			Model:        defaultGroqModel,
		},
		{
			Key:          "standard",
			Label:        "⚡ PrimeBud",
			Description:  "Balance between speed and quality",
			SystemPrompt: "You are a helpful, balanced assistant. Give complete answers without being excessively long.",
			Temperature:  0.7,
			MaxTokens:    1500,
			Provider:     ProviderGroq,
			Model:        defaultGroqModel,
		},
		{
			Key:          "light",
			Label:        "💡 PrimeBud Light",
			Description:  "Simple answers that are easy to understand",
			SystemPrompt: "You are an assistant who explains concepts simply and accessibly. Use clear language and practical examples.",
			Temperature:  0.5,
			MaxTokens:    1000,
			Provider:     ProviderGroq,
			Model:        defaultGroqModel,
		},
		{
			Key:          "pro",
			Label:        "🎯 PrimeBud Pro",
			Description:  "Technical, detailed answers",
			SystemPrompt: "You are a specialised technical assistant. Give detailed answers with precise technical explanations.",
			Temperature:  0.8,
			MaxTokens:    2500,
			Provider:     ProviderGroq,
			Model:        defaultGroqModel,
		},
		{
			Key:          "ultra",
			Label:        "🔥 PrimeBud Ultra",
			Description:  "Deep, comprehensive analysis",
			SystemPrompt: "You are a highly specialised assistant. Provide deep analysis, consider multiple perspectives and be extremely thorough.",
			Temperature:  0.9,
			MaxTokens:    4000,
			Provider:     ProviderGroq,
			Model:        defaultGroqModel,
		},
		{
			Key:          "helper",
			Label:        "🤝 PrimeBud Helper",
			Description:  "Friendly, supportive assistant",
			SystemPrompt: "You are a friendly and helpful assistant. Be empathetic, use a conversational tone and help the user warmly.",
			Temperature:  0.7,
			MaxTokens:    2000,
			Provider:     ProviderGroq,
			Model:        defaultGroqModel,
		},
		{
			Key:          "v1_5",
			Label:        "⭐ PrimeBud 1.5",
			Description:  "Hybrid of clarity and depth",
			SystemPrompt: "You are PrimeBud 1.5, a hybrid assistant that combines clarity with depth. Give well-structured answers, detailed when needed, while always staying clear and objective.",
			Temperature:  0.75,
			MaxTokens:    3000,
			Provider:     ProviderGroq,
			Model:        defaultGroqModel,
		},
		{
			Key:         "chain",
			Label:       "🔗 PrimeBud Chain",
			Description: "Summarize, answer, then explain the answer",
			Temperature: 0.7,
			MaxTokens:   3000,
			Pipeline:    "chain",
		},
		{
			Key:         "council",
			Label:       "🏛️ PrimeBud Council",
			Description: "Two independent drafts merged into one answer",
			Temperature: 0.7,
			MaxTokens:   3000,
			Pipeline:    "council",
		},
	}
}

// BuiltinProfiles are the persona sub-selectors.
func BuiltinProfiles() []Profile {
	return []Profile{
		{Key: "professor", Label: "🧑‍🏫 Professor", Guidance: "Act as a teacher who specialises in creative lesson planning. Structure answers as a lesson with goals, activities and a short recap."},
		{Key: "designer", Label: "🎨 Designer", Guidance: "Act as a creative designer specialised in visual ideas. Describe layouts, palettes and typography concretely."},
		{Key: "coder", Label: "💻 Coder", Guidance: "Act as an expert programmer in Python and JavaScript. Prefer working code in fenced blocks with brief explanations."},
		{Key: "strategist", Label: "🧭 Strategist", Guidance: "Act as a strategy consultant specialised in planning and innovation. Lay out a detailed, staged plan toward the user's goal."},
	}
}
