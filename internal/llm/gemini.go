package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

const DefaultGeminiModel = "gemini-1.5-flash-latest"

// Gemini wraps the Google generative AI client. Gemini names the assistant
// role "model" and takes the system prompt separately from the history.
type Gemini struct {
	client       *genai.Client
	defaultModel string
}

func NewGemini(ctx context.Context, apiKey, defaultModel string) (*Gemini, error) {
	if apiKey == "" {
		return nil, ErrNotConfigured
	}
	if defaultModel == "" {
		defaultModel = DefaultGeminiModel
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &Gemini{client: client, defaultModel: defaultModel}, nil
}

func (g *Gemini) Close() error {
	return g.client.Close()
}

func (g *Gemini) Name() string         { return "gemini" }
func (g *Gemini) DefaultModel() string { return g.defaultModel }

// toGeminiHistory splits req into the system instruction, the prior turns and
// the final user turn. Consecutive turns of the same role are merged because
// Gemini expects strictly alternating roles.
func toGeminiHistory(messages []Message) (system string, history []*genai.Content, last *genai.Content, err error) {
	var systemParts []string
	for _, m := range messages {
		role := m.Role
		switch role {
		case RoleSystem:
			systemParts = append(systemParts, m.Content)
			continue
		case RoleAssistant:
			role = "model"
		case RoleUser:
		default:
			return "", nil, nil, fmt.Errorf("unsupported role %q", m.Role)
		}
		if n := len(history); n > 0 && history[n-1].Role == role {
			prev := history[n-1]
			prev.Parts = append(prev.Parts, genai.Text(m.Content))
			continue
		}
		history = append(history, &genai.Content{Role: role, Parts: []genai.Part{genai.Text(m.Content)}})
	}
	if len(history) == 0 || history[len(history)-1].Role != RoleUser {
		return "", nil, nil, errors.New("last message in history is not from 'user'")
	}
	last = history[len(history)-1]
	return strings.Join(systemParts, "\n\n"), history[:len(history)-1], last, nil
}

func (g *Gemini) session(req *Request) (*genai.ChatSession, *genai.Content, error) {
	system, history, last, err := toGeminiHistory(req.Messages)
	if err != nil {
		return nil, nil, err
	}
	modelName := req.Model
	if modelName == "" {
		modelName = g.defaultModel
	}
	model := g.client.GenerativeModel(modelName)
	if system != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}
	}
	temp := float32(req.Temperature)
	maxTokens := int32(req.MaxTokens)
	model.GenerationConfig = genai.GenerationConfig{
		Temperature:     &temp,
		MaxOutputTokens: &maxTokens,
	}

	cs := model.StartChat()
	cs.History = history
	return cs, last, nil
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			b.WriteString(string(txt))
		}
	}
	return b.String()
}

func (g *Gemini) Complete(ctx context.Context, req *Request) (string, error) {
	cs, last, err := g.session(req)
	if err != nil {
		return "", err
	}
	resp, err := cs.SendMessage(ctx, last.Parts...)
	if err != nil {
		return "", fmt.Errorf("gemini chat SendMessage failed: %w", err)
	}
	text := responseText(resp)
	if text == "" {
		return "", errors.New("gemini returned an empty response")
	}
	return text, nil
}

func (g *Gemini) Stream(ctx context.Context, req *Request, fn FragmentFunc) (string, error) {
	cs, last, err := g.session(req)
	if err != nil {
		return "", err
	}
	var full strings.Builder
	iter := cs.SendMessageStream(ctx, last.Parts...)
	for {
		resp, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return full.String(), nil
		}
		if err != nil {
			return full.String(), fmt.Errorf("gemini stream failed: %w", err)
		}
		if delta := responseText(resp); delta != "" {
			full.WriteString(delta)
			if fn != nil {
				fn(delta)
			}
		}
	}
}
