package watchtower

import "context"

// Provider abstracts the chat-completion backend.
type Provider interface {
	// Chat sends a request and returns a complete response. When req.Tools
	// is non-empty, the response may contain tool calls.
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
	// ChatStream streams tokens into ch, then returns the final response
	// with usage stats. ch is closed when streaming completes or on error.
	ChatStream(ctx context.Context, req ChatRequest, ch chan<- string) (ChatResponse, error)
	// Name returns the provider name (e.g. "openai").
	Name() string
}

// EmbeddingProvider abstracts text embedding.
type EmbeddingProvider interface {
	// Embed returns embedding vectors for the given texts, in order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Dimensions returns the embedding vector size.
	Dimensions() int
	// Name returns the provider name.
	Name() string
}
