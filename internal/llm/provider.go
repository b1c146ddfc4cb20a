// Package llm talks to chat-completion providers: OpenAI-compatible hosted
// APIs (Groq, OpenAI), a local Ollama server and Gemini.
package llm

import (
	"context"
	"errors"
	"fmt"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

var (
	// ErrNotConfigured is returned for a provider that has no credentials.
	ErrNotConfigured = errors.New("provider not configured")
	// ErrStreamTruncated is returned when a stream closes before its terminator.
	ErrStreamTruncated = errors.New("stream ended before completion")
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a provider-agnostic chat completion request. Temperature and
// MaxTokens are always sent as given.
type Request struct {
	Model       string
	Messages    []Message
	Temperature float64
	MaxTokens   int
}

// FragmentFunc receives each incremental piece of a streamed response.
type FragmentFunc func(fragment string)

// Provider is implemented by every backend.
type Provider interface {
	Name() string
	// DefaultModel is used when a request is rerouted to this provider.
	DefaultModel() string
	Complete(ctx context.Context, req *Request) (string, error)
	// Stream calls fn for every text fragment as it arrives and returns the
	// accumulated text.
	Stream(ctx context.Context, req *Request, fn FragmentFunc) (string, error)
}

// APIError is a non-2xx answer from the Ollama server.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s API returned status %d", e.Provider, e.StatusCode)
	}
	return fmt.Sprintf("%s API returned status %d: %s", e.Provider, e.StatusCode, e.Body)
}
