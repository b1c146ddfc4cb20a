package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

const (
	GroqBaseURL   = "https://api.groq.com/openai/v1"
	OpenAIBaseURL = "https://api.openai.com/v1"
)

// OpenAICompatible speaks the /chat/completions protocol shared by Groq and
// OpenAI through langchaingo's openai client.
type OpenAICompatible struct {
	name         string
	baseURL      string
	apiKey       string
	defaultModel string
	httpClient   *http.Client
	llm          *openai.LLM
}

// NewOpenAICompatible creates a client for the API at baseURL. With an empty
// apiKey every call fails with ErrNotConfigured. Requests carry no
// client-side timeout; callers bound them with ctx.
func NewOpenAICompatible(name, baseURL, apiKey, defaultModel string) (*OpenAICompatible, error) {
	c := &OpenAICompatible{
		name:         name,
		baseURL:      strings.TrimRight(baseURL, "/"),
		apiKey:       apiKey,
		defaultModel: defaultModel,
		httpClient:   &http.Client{},
	}
	if apiKey == "" {
		return c, nil
	}
	client, err := openai.New(
		openai.WithToken(apiKey),
		openai.WithBaseURL(c.baseURL),
		openai.WithModel(defaultModel),
		openai.WithHTTPClient(c.httpClient),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s client: %w", name, err)
	}
	c.llm = client
	return c, nil
}

func (c *OpenAICompatible) Name() string         { return c.name }
func (c *OpenAICompatible) DefaultModel() string { return c.defaultModel }

func messageContents(messages []Message) []llms.MessageContent {
	out := make([]llms.MessageContent, 0, len(messages))
	for _, m := range messages {
		role := llms.ChatMessageTypeHuman
		switch m.Role {
		case RoleSystem:
			role = llms.ChatMessageTypeSystem
		case RoleAssistant:
			role = llms.ChatMessageTypeAI
		}
		out = append(out, llms.TextParts(role, m.Content))
	}
	return out
}

func (c *OpenAICompatible) generate(ctx context.Context, req *Request, extra ...llms.CallOption) (*llms.ContentChoice, error) {
	if c.llm == nil {
		return nil, ErrNotConfigured
	}
	model := req.Model
	if model == "" {
		model = c.defaultModel
	}
	opts := append([]llms.CallOption{
		llms.WithModel(model),
		llms.WithTemperature(req.Temperature),
		llms.WithMaxTokens(req.MaxTokens),
	}, extra...)

	resp, err := c.llm.GenerateContent(ctx, messageContents(req.Messages), opts...)
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, openai.ErrEmptyResponse
	}
	return resp.Choices[0], nil
}

func (c *OpenAICompatible) Complete(ctx context.Context, req *Request) (string, error) {
	choice, err := c.generate(ctx, req)
	if err != nil {
		return "", err
	}
	return choice.Content, nil
}

// Stream relays every delta to fn. A stream that closes before any choice
// reported a finish_reason was cut off and is returned with
// ErrStreamTruncated alongside the partial text.
func (c *OpenAICompatible) Stream(ctx context.Context, req *Request, fn FragmentFunc) (string, error) {
	var full strings.Builder
	choice, err := c.generate(ctx, req, llms.WithStreamingFunc(func(_ context.Context, chunk []byte) error {
		if len(chunk) == 0 {
			return nil
		}
		full.Write(chunk)
		if fn != nil {
			fn(string(chunk))
		}
		return nil
	}))
	if err != nil {
		return full.String(), err
	}
	if choice.StopReason == "" {
		return full.String(), ErrStreamTruncated
	}
	return full.String(), nil
}
