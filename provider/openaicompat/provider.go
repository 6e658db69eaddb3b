package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/kestrelsec/watchtower"
)

// Provider implements watchtower.Provider for any OpenAI-compatible API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
	name    string
	logger  *slog.Logger

	temperature *float64
	topP        *float64
	maxTokens   int
	toolChoice  any
}

// NewProvider creates an OpenAI-compatible chat provider.
//
// baseURL is the API base (e.g. "https://api.openai.com/v1",
// "http://localhost:11434/v1"). The /chat/completions path is appended
// automatically.
func NewProvider(apiKey, model, baseURL string, opts ...ProviderOption) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   model,
		baseURL: baseURL,
		client:  &http.Client{},
		name:    "openai",
		logger:  watchtower.NopLogger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the provider name (default "openai", configurable via WithName).
func (p *Provider) Name() string { return p.name }

// Chat sends a non-streaming chat request and returns the complete response.
// When req.Tools is non-empty, the response may contain ToolCalls.
func (p *Provider) Chat(ctx context.Context, req watchtower.ChatRequest) (watchtower.ChatResponse, error) {
	start := time.Now()
	body := p.buildBody(req)

	resp, err := p.sendHTTP(ctx, body)
	if err != nil {
		return watchtower.ChatResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return watchtower.ChatResponse{}, p.httpErr(resp)
	}

	var chatResp ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return watchtower.ChatResponse{}, &watchtower.ErrLLM{Provider: p.name, Message: fmt.Sprintf("decode response: %v", err)}
	}

	out := parseResponse(chatResp)
	p.logger.Debug("chat completed",
		"provider", p.name, "model", p.model,
		"tool_calls", len(out.ToolCalls), "duration", time.Since(start))
	return out, nil
}

// ChatStream streams text deltas into ch, then returns the final accumulated
// response. ch is closed when streaming completes or on error.
func (p *Provider) ChatStream(ctx context.Context, req watchtower.ChatRequest, ch chan<- string) (watchtower.ChatResponse, error) {
	body := p.buildBody(req)
	body.Stream = true
	body.StreamOptions = &StreamOptions{IncludeUsage: true}

	resp, err := p.sendHTTP(ctx, body)
	if err != nil {
		close(ch)
		return watchtower.ChatResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		close(ch)
		return watchtower.ChatResponse{}, p.httpErr(resp)
	}

	// streamSSE closes ch when done.
	return streamSSE(ctx, resp.Body, ch)
}

// buildBody converts a watchtower ChatRequest into the wire format.
func (p *Provider) buildBody(req watchtower.ChatRequest) ChatRequest {
	var msgs []Message
	for _, m := range req.Messages {
		switch {
		case m.Role == "assistant" && len(m.ToolCalls) > 0:
			var tcs []ToolCallRequest
			for _, tc := range m.ToolCalls {
				tcs = append(tcs, ToolCallRequest{
					ID:   tc.ID,
					Type: "function",
					Function: FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Args),
					},
				})
			}
			msgs = append(msgs, Message{Role: "assistant", Content: m.Content, ToolCalls: tcs})

		case m.Role == "tool":
			msgs = append(msgs, Message{Role: "tool", Content: m.Content, ToolCallID: m.ToolCallID})

		default:
			msgs = append(msgs, Message{Role: m.Role, Content: m.Content})
		}
	}

	body := ChatRequest{
		Model:       p.model,
		Messages:    msgs,
		Temperature: p.temperature,
		TopP:        p.topP,
		MaxTokens:   p.maxTokens,
	}
	if len(req.Tools) > 0 {
		body.Tools = buildToolDefs(req.Tools)
		body.ToolChoice = p.toolChoice
	}
	return body
}

// buildToolDefs converts watchtower ToolDefinitions to OpenAI tool format.
func buildToolDefs(tools []watchtower.ToolDefinition) []Tool {
	out := make([]Tool, 0, len(tools))
	for _, t := range tools {
		params := t.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{}`)
		}
		out = append(out, Tool{
			Type: "function",
			Function: Function{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return out
}

// parseResponse extracts content, tool calls, and usage from choices[0].
func parseResponse(resp ChatResponse) watchtower.ChatResponse {
	var out watchtower.ChatResponse
	if len(resp.Choices) > 0 && resp.Choices[0].Message != nil {
		msg := resp.Choices[0].Message
		out.Content = msg.Content
		out.ToolCalls = parseToolCalls(msg.ToolCalls)
	}
	if resp.Usage != nil {
		out.Usage = watchtower.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
	}
	return out
}

// parseToolCalls converts wire tool calls to watchtower ToolCalls. The API
// returns function.arguments as a JSON string; invalid JSON becomes {}.
func parseToolCalls(tcs []ToolCallRequest) []watchtower.ToolCall {
	if len(tcs) == 0 {
		return nil
	}
	out := make([]watchtower.ToolCall, 0, len(tcs))
	for _, tc := range tcs {
		args := json.RawMessage(tc.Function.Arguments)
		if !json.Valid(args) {
			args = json.RawMessage(`{}`)
		}
		out = append(out, watchtower.ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: args,
		})
	}
	return out
}

// sendHTTP marshals the request body and posts it to the chat completions
// endpoint.
func (p *Provider) sendHTTP(ctx context.Context, body ChatRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &watchtower.ErrLLM{Provider: p.name, Message: fmt.Sprintf("marshal request: %v", err)}
	}

	url := p.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &watchtower.ErrLLM{Provider: p.name, Message: fmt.Sprintf("create request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	return p.client.Do(httpReq)
}

// httpErr reads the response body and returns an ErrHTTP for the retry
// wrapper. Parses the Retry-After header when present.
func (p *Provider) httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	return &watchtower.ErrHTTP{
		Status:     resp.StatusCode,
		Body:       string(body),
		RetryAfter: watchtower.ParseRetryAfter(resp.Header.Get("Retry-After")),
	}
}

var _ watchtower.Provider = (*Provider)(nil)
