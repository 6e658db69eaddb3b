package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"

	"github.com/kestrelsec/watchtower"
)

// EmbeddingClient implements watchtower.EmbeddingProvider against the
// OpenAI-style /embeddings endpoint. The local sentence-embedding model is
// served by any OpenAI-compatible runtime.
type EmbeddingClient struct {
	apiKey     string
	model      string
	baseURL    string
	dimensions int
	client     *http.Client
	name       string
}

// EmbeddingOption configures an EmbeddingClient.
type EmbeddingOption func(*EmbeddingClient)

// WithEmbeddingHTTPClient replaces the default http.Client.
func WithEmbeddingHTTPClient(c *http.Client) EmbeddingOption {
	return func(e *EmbeddingClient) { e.client = c }
}

// WithEmbeddingName overrides the reported provider name.
func WithEmbeddingName(name string) EmbeddingOption {
	return func(e *EmbeddingClient) { e.name = name }
}

// NewEmbeddingClient creates an embedding client. dimensions is the vector
// size the model produces; it is reported via Dimensions() and checked
// against responses.
func NewEmbeddingClient(apiKey, model, baseURL string, dimensions int, opts ...EmbeddingOption) *EmbeddingClient {
	e := &EmbeddingClient{
		apiKey:     apiKey,
		model:      model,
		baseURL:    baseURL,
		dimensions: dimensions,
		client:     &http.Client{},
		name:       "openai-embeddings",
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name returns the provider name.
func (e *EmbeddingClient) Name() string { return e.name }

// Dimensions returns the embedding vector size.
func (e *EmbeddingClient) Dimensions() int { return e.dimensions }

// Embed returns one vector per input text, in input order.
func (e *EmbeddingClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	payload, err := json.Marshal(EmbeddingRequest{Model: e.model, Input: texts})
	if err != nil {
		return nil, &watchtower.ErrLLM{Provider: e.name, Message: fmt.Sprintf("marshal request: %v", err)}
	}

	url := e.baseURL + "/embeddings"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &watchtower.ErrLLM{Provider: e.name, Message: fmt.Sprintf("create request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, &watchtower.ErrHTTP{
			Status:     resp.StatusCode,
			Body:       string(body),
			RetryAfter: watchtower.ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	var embResp EmbeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&embResp); err != nil {
		return nil, &watchtower.ErrLLM{Provider: e.name, Message: fmt.Sprintf("decode response: %v", err)}
	}
	if len(embResp.Data) != len(texts) {
		return nil, &watchtower.ErrLLM{Provider: e.name,
			Message: fmt.Sprintf("got %d embeddings for %d inputs", len(embResp.Data), len(texts))}
	}

	// the API may return vectors out of order; index is authoritative
	sort.Slice(embResp.Data, func(i, j int) bool { return embResp.Data[i].Index < embResp.Data[j].Index })

	out := make([][]float32, len(embResp.Data))
	for i, d := range embResp.Data {
		if e.dimensions > 0 && len(d.Embedding) != e.dimensions {
			return nil, &watchtower.ErrLLM{Provider: e.name,
				Message: fmt.Sprintf("embedding dimension %d, expected %d", len(d.Embedding), e.dimensions)}
		}
		out[i] = d.Embedding
	}
	return out, nil
}

var _ watchtower.EmbeddingProvider = (*EmbeddingClient)(nil)
