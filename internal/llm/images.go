package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
)

const DefaultImageModel = "gpt-image-1"

// ImageSizes lists the square sizes an image may be requested in.
var ImageSizes = []string{"256x256", "512x512", "1024x1024"}

// ErrInvalidImageSize is returned for a size outside ImageSizes.
var ErrInvalidImageSize = errors.New("invalid image size")

func ValidImageSize(size string) bool {
	return slices.Contains(ImageSizes, size)
}

type ImageRequest struct {
	Prompt string
	Size   string
	Model  string
}

// Image is a generated picture as raw bytes.
type Image struct {
	Model string
	Size  string
	Data  []byte
}

type imageGenerationRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Size   string `json:"size"`
	N      int    `json:"n"`
}

type imageGenerationResponse struct {
	Data []struct {
		B64JSON string `json:"b64_json"`
	} `json:"data"`
}

// GenerateImage calls /images/generations and decodes the first base64 image.
func (c *OpenAICompatible) GenerateImage(ctx context.Context, req *ImageRequest) (*Image, error) {
	if c.apiKey == "" {
		return nil, ErrNotConfigured
	}
	if !ValidImageSize(req.Size) {
		return nil, fmt.Errorf("%w %q", ErrInvalidImageSize, req.Size)
	}
	model := req.Model
	if model == "" {
		model = DefaultImageModel
	}
	body, err := json.Marshal(imageGenerationRequest{Model: model, Prompt: req.Prompt, Size: req.Size, N: 1})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/images/generations", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, readAPIError(c.name, resp)
	}

	var out imageGenerationResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(out.Data) == 0 || out.Data[0].B64JSON == "" {
		return nil, errors.New("response contained no image")
	}
	data, err := base64.StdEncoding.DecodeString(out.Data[0].B64JSON)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return &Image{Model: model, Size: req.Size, Data: data}, nil
}
