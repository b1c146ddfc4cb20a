package core

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"primebud.com/primebud-chat/internal/llm"
)

// DefaultImageSize is used when a request names no size.
const DefaultImageSize = "256x256"

// ErrImagesUnavailable is returned when no image provider is configured.
var ErrImagesUnavailable = errors.New("image generation is not configured")

// ImageGenerator renders a prompt into a picture.
type ImageGenerator interface {
	GenerateImage(ctx context.Context, req *llm.ImageRequest) (*llm.Image, error)
}

// SetImageGenerator enables GenerateImage.
func (s *ChatService) SetImageGenerator(g ImageGenerator) {
	s.images = g
}

// GenerateImage creates one picture for the signed-in account. Images are
// returned to the caller and never stored in a conversation.
func (s *ChatService) GenerateImage(ctx context.Context, sess *Session, prompt, size string) (*llm.Image, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil, fmt.Errorf("%w: prompt cannot be empty", ErrInvalidInput)
	}
	if size == "" {
		size = DefaultImageSize
	}
	if !llm.ValidImageSize(size) {
		return nil, fmt.Errorf("%w: size must be one of %s", ErrInvalidInput, strings.Join(llm.ImageSizes, ", "))
	}
	if s.images == nil {
		return nil, ErrImagesUnavailable
	}

	if s.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.requestTimeout)
		defer cancel()
	}
	img, err := s.images.GenerateImage(ctx, &llm.ImageRequest{Prompt: prompt, Size: size})
	if err != nil {
		s.logger.Warn("Image generation failed",
			zap.String("username", sess.Account.Username),
			zap.String("size", size),
			zap.Error(err))
		return nil, fmt.Errorf("failed to generate image: %w", err)
	}
	s.logger.Info("Image generated",
		zap.String("username", sess.Account.Username),
		zap.String("model", img.Model),
		zap.String("size", size),
		zap.Int("bytes", len(img.Data)))
	return img, nil
}
