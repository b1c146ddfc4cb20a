package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const (
	DefaultOllamaURL   = "http://localhost:11434"
	DefaultOllamaModel = "llama3.2"

	// maxChunkSize caps a single streamed line.
	maxChunkSize = 1024 * 1024
	// errorBodyLimit bounds how much of an error response is kept.
	errorBodyLimit = 2048
)

// Ollama talks to a locally hosted model server over /api/chat.
type Ollama struct {
	baseURL      string
	defaultModel string
	client       *http.Client
}

func NewOllama(baseURL, defaultModel string) *Ollama {
	if baseURL == "" {
		baseURL = DefaultOllamaURL
	}
	if defaultModel == "" {
		defaultModel = DefaultOllamaModel
	}
	return &Ollama{
		baseURL:      strings.TrimRight(baseURL, "/"),
		defaultModel: defaultModel,
		client:       &http.Client{},
	}
}

// WithHTTPClient replaces the HTTP client.
func (o *Ollama) WithHTTPClient(client *http.Client) *Ollama {
	o.client = client
	return o
}

func (o *Ollama) Name() string         { return "ollama" }
func (o *Ollama) DefaultModel() string { return o.defaultModel }

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict"`
}

type ollamaChatRequest struct {
	Model    string        `json:"model"`
	Messages []Message     `json:"messages"`
	Stream   bool          `json:"stream"`
	Options  ollamaOptions `json:"options"`
}

type ollamaChatResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Done  bool   `json:"done"`
	Error string `json:"error,omitempty"`
}

func (o *Ollama) post(ctx context.Context, req *Request, stream bool) (*http.Response, error) {
	model := req.Model
	if model == "" {
		model = o.defaultModel
	}
	body, err := json.Marshal(ollamaChatRequest{
		Model:    model,
		Messages: req.Messages,
		Stream:   stream,
		Options:  ollamaOptions{Temperature: req.Temperature, NumPredict: req.MaxTokens},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, readAPIError(o.Name(), resp)
	}
	return resp, nil
}

func readAPIError(provider string, resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
	return &APIError{Provider: provider, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
}

func (o *Ollama) Complete(ctx context.Context, req *Request) (string, error) {
	resp, err := o.post(ctx, req, false)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if out.Error != "" {
		return "", errors.New(out.Error)
	}
	return out.Message.Content, nil
}

// Stream reads the newline-delimited JSON objects Ollama emits until one has
// done=true. Running out of lines first yields ErrStreamTruncated.
func (o *Ollama) Stream(ctx context.Context, req *Request, fn FragmentFunc) (string, error) {
	resp, err := o.post(ctx, req, true)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var full strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxChunkSize)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk ollamaChatResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			return full.String(), fmt.Errorf("failed to parse stream chunk: %w", err)
		}
		if chunk.Error != "" {
			return full.String(), errors.New(chunk.Error)
		}
		if delta := chunk.Message.Content; delta != "" {
			full.WriteString(delta)
			if fn != nil {
				fn(delta)
			}
		}
		if chunk.Done {
			return full.String(), nil
		}
	}
	if err := scanner.Err(); err != nil {
		return full.String(), fmt.Errorf("failed to read stream: %w", err)
	}
	return full.String(), ErrStreamTruncated
}
