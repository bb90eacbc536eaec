// Package embeddings provides image and text embedding services that map both
// modalities into one comparison space.
package embeddings

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/nickcecere/imgrep/internal/config"
)

// Provider represents an embedding provider type.
type Provider string

const (
	ProviderClipServer Provider = "clipserver"
	ProviderOpenAI     Provider = "openai"
	ProviderONNX       Provider = "onnx"
)

var (
	// ErrDecode is returned when input is not valid image data.
	ErrDecode = errors.New("invalid image data")

	// ErrONNXDisabled is returned when the onnx provider is selected in a
	// binary built without the onnx tag.
	ErrONNXDisabled = errors.New("onnx provider not compiled in (build with -tags onnx)")
)

// Service defines the interface for multimodal embedding services.
type Service interface {
	// EmbedImage generates an embedding for a decoded image.
	EmbedImage(ctx context.Context, img image.Image) ([]float32, error)

	// EmbedText normalizes and embeds a free-text query.
	EmbedText(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns the embedding dimensions for this model.
	Dimensions() int

	// Provider returns the provider name.
	Provider() Provider

	// ModelName returns the model name.
	ModelName() string

	// Close releases model resources.
	Close() error
}

// Known model dimensions
var modelDimensions = map[string]int{
	// clip-as-service names
	"ViT-B-32::openai": 512,
	"ViT-B-16::openai": 512,
	"ViT-L-14::openai": 768,
	"RN50::openai":     1024,

	// Hugging Face names (Infinity and other OpenAI-compatible servers)
	"openai/clip-vit-base-patch32":  512,
	"openai/clip-vit-base-patch16":  512,
	"openai/clip-vit-large-patch14": 768,
	"jinaai/jina-clip-v1":           768,
	"jina-clip-v1":                  768,

	// Local ONNX export
	"clip-vit-b-32": clipDim,
}

// GetModelDimensions returns the known dimensions for a model, or 0 if unknown.
func GetModelDimensions(model string) int {
	return modelDimensions[model]
}

// NewService creates an embedding service based on the configuration.
func NewService(cfg *config.Config) (Service, error) {
	timeout := time.Duration(cfg.Embeddings.Timeout) * time.Second

	switch Provider(cfg.Embeddings.Provider) {
	case ProviderClipServer:
		return NewClipServerService(
			cfg.Embeddings.ClipServer.URL,
			cfg.Embeddings.ClipServer.Model,
			timeout,
		)
	case ProviderOpenAI:
		return NewOpenAIService(
			cfg.Embeddings.OpenAI.APIKey,
			cfg.Embeddings.OpenAI.Model,
			cfg.Embeddings.OpenAI.BaseURL,
			cfg.Embeddings.OpenAI.Dimensions,
		)
	case ProviderONNX:
		return NewONNXService(
			cfg.Embeddings.ONNX.ModelsDir,
			cfg.Embeddings.ONNX.LibraryPath,
		)
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s", cfg.Embeddings.Provider)
	}
}

// firstEmbedding unwraps a single-input response.
func firstEmbedding(embeddings [][]float32) ([]float32, error) {
	if len(embeddings) == 0 || len(embeddings[0]) == 0 {
		return nil, fmt.Errorf("no embedding returned")
	}
	return embeddings[0], nil
}
