package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
)

// ClipServerService implements the embedding service against a
// clip-as-service HTTP gateway. The model is fixed by the server; the
// configured name only identifies it in the cache.
type ClipServerService struct {
	baseURL    string
	model      string
	dimensions atomic.Int64 // width of the last response; read concurrently
	client     *http.Client
}

// clipDoc is one document in a clip-as-service request or response.
type clipDoc struct {
	Text      string    `json:"text,omitempty"`
	URI       string    `json:"uri,omitempty"`
	Embedding []float32 `json:"embedding,omitempty"`
}

// clipRequest is the request body for the /post endpoint.
type clipRequest struct {
	Data         []clipDoc `json:"data"`
	ExecEndpoint string    `json:"execEndpoint"`
}

// clipResponse is the response from the /post endpoint.
type clipResponse struct {
	Data []clipDoc `json:"data"`
}

// NewClipServerService creates a new clip-as-service embedding service.
func NewClipServerService(baseURL, model string, timeout time.Duration) (*ClipServerService, error) {
	if baseURL == "" {
		baseURL = "http://localhost:51000"
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	dimensions := GetModelDimensions(model)
	if dimensions == 0 {
		// corrected on first response
		dimensions = clipDim
		log.Debug("Unknown model dimensions, defaulting", "model", model, "dimensions", dimensions)
	}

	svc := &ClipServerService{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		model:   model,
		client: &http.Client{
			Timeout: timeout,
		},
	}
	svc.dimensions.Store(int64(dimensions))

	return svc, nil
}

// EmbedImage generates an embedding for an image.
func (s *ClipServerService) EmbedImage(ctx context.Context, img image.Image) ([]float32, error) {
	uri, err := EncodeDataURI(img)
	if err != nil {
		return nil, err
	}

	embeddings, err := s.embedDocs(ctx, []clipDoc{{URI: uri}})
	if err != nil {
		return nil, err
	}

	return firstEmbedding(embeddings)
}

// EmbedText generates an embedding for normalized query text.
func (s *ClipServerService) EmbedText(ctx context.Context, text string) ([]float32, error) {
	embeddings, err := s.embedDocs(ctx, []clipDoc{{Text: NormalizeText(text)}})
	if err != nil {
		return nil, err
	}

	return firstEmbedding(embeddings)
}

// Dimensions returns the embedding dimensions.
func (s *ClipServerService) Dimensions() int {
	return int(s.dimensions.Load())
}

// Provider returns the provider name.
func (s *ClipServerService) Provider() Provider {
	return ProviderClipServer
}

// ModelName returns the model name.
func (s *ClipServerService) ModelName() string {
	return s.model
}

// Close is a no-op; the HTTP client holds no model state.
func (s *ClipServerService) Close() error {
	return nil
}

// embedDocs performs the actual embedding request.
func (s *ClipServerService) embedDocs(ctx context.Context, docs []clipDoc) ([][]float32, error) {
	jsonBody, err := json.Marshal(clipRequest{Data: docs, ExecEndpoint: "/"})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := s.baseURL + "/post"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	log.Debug("Requesting embeddings from clip server", "model", s.model, "count", len(docs))

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("clip server returned status %d: %s", resp.StatusCode, string(body))
	}

	var result clipResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	embeddings := make([][]float32, 0, len(result.Data))
	for _, doc := range result.Data {
		embeddings = append(embeddings, doc.Embedding)
	}

	if len(embeddings) > 0 && len(embeddings[0]) > 0 {
		s.dimensions.Store(int64(len(embeddings[0])))
	}

	return embeddings, nil
}
