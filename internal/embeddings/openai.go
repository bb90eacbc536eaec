package embeddings

import (
	"context"
	"fmt"
	"image"
	"sync/atomic"

	"github.com/charmbracelet/log"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// OpenAIService implements the embedding service against an
// OpenAI-compatible /embeddings endpoint serving a multimodal model, such as
// Infinity or a self-hosted CLIP gateway.
type OpenAIService struct {
	client     openai.Client
	model      string
	dimensions atomic.Int64 // width of the last response; read concurrently
}

// NewOpenAIService creates a new OpenAI-compatible embedding service. The API
// key may be empty only when a custom base URL is set.
func NewOpenAIService(apiKey, model, baseURL string, dimensions int) (*OpenAIService, error) {
	if apiKey == "" && baseURL == "" {
		return nil, fmt.Errorf("OpenAI API key is required")
	}

	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}

	client := openai.NewClient(opts...)

	if dimensions == 0 {
		dimensions = GetModelDimensions(model)
		if dimensions == 0 {
			dimensions = clipDim
			log.Debug("Unknown model dimensions, defaulting", "model", model, "dimensions", dimensions)
		}
	}

	svc := &OpenAIService{
		client: client,
		model:  model,
	}
	svc.dimensions.Store(int64(dimensions))

	return svc, nil
}

// EmbedImage generates an embedding for an image sent as a data URI.
func (s *OpenAIService) EmbedImage(ctx context.Context, img image.Image) ([]float32, error) {
	uri, err := EncodeDataURI(img)
	if err != nil {
		return nil, err
	}

	embeddings, err := s.embed(ctx, uri, option.WithJSONSet("modality", "image"))
	if err != nil {
		return nil, err
	}

	return firstEmbedding(embeddings)
}

// EmbedText generates an embedding for normalized query text.
func (s *OpenAIService) EmbedText(ctx context.Context, text string) ([]float32, error) {
	embeddings, err := s.embed(ctx, NormalizeText(text))
	if err != nil {
		return nil, err
	}

	return firstEmbedding(embeddings)
}

// Dimensions returns the embedding dimensions.
func (s *OpenAIService) Dimensions() int {
	return int(s.dimensions.Load())
}

// Provider returns the provider name.
func (s *OpenAIService) Provider() Provider {
	return ProviderOpenAI
}

// ModelName returns the model name.
func (s *OpenAIService) ModelName() string {
	return s.model
}

// Close is a no-op for remote providers.
func (s *OpenAIService) Close() error {
	return nil
}

// embed performs the actual embedding request for a single input.
func (s *OpenAIService) embed(ctx context.Context, input string, opts ...option.RequestOption) ([][]float32, error) {
	log.Debug("Requesting embeddings from OpenAI-compatible endpoint", "model", s.model)

	resp, err := s.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(s.model),
		Input: openai.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: []string{input},
		},
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create embeddings: %w", err)
	}

	embeddings := make([][]float32, 1)
	for _, data := range resp.Data {
		idx := int(data.Index)
		if idx >= len(embeddings) {
			continue
		}
		embedding := make([]float32, len(data.Embedding))
		for i, v := range data.Embedding {
			embedding[i] = float32(v)
		}
		embeddings[idx] = embedding
	}

	if len(embeddings[0]) > 0 {
		s.dimensions.Store(int64(len(embeddings[0])))
	}

	return embeddings, nil
}
