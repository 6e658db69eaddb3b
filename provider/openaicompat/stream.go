package openaicompat

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/kestrelsec/watchtower"
)

// streamSSE reads an SSE stream from body, sends text deltas to ch, and
// returns the fully accumulated response (content + tool calls + usage).
//
// The channel is closed when streaming completes. The context cancels
// channel sends when the consumer is gone.
//
// SSE format expected:
//
//	data: {"id":"...","choices":[...]}\n
//	data: [DONE]\n
func streamSSE(ctx context.Context, body io.Reader, ch chan<- string) (watchtower.ChatResponse, error) {
	defer close(ch)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	var fullContent strings.Builder
	var usage watchtower.Usage

	// Tool calls stream incrementally: each chunk carries an index, and
	// arguments arrive as string fragments.
	type partialToolCall struct {
		ID   string
		Name string
		Args strings.Builder
	}
	var toolCalls []partialToolCall

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk ChatResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue // skip malformed chunks
		}

		if chunk.Usage != nil {
			usage.InputTokens = chunk.Usage.PromptTokens
			usage.OutputTokens = chunk.Usage.CompletionTokens
		}
		if len(chunk.Choices) == 0 {
			continue // usage-only chunk
		}
		delta := chunk.Choices[0].Delta
		if delta == nil {
			continue
		}

		if delta.Content != "" {
			fullContent.WriteString(delta.Content)
			select {
			case ch <- delta.Content:
			case <-ctx.Done():
				return watchtower.ChatResponse{}, ctx.Err()
			}
		}

		for _, tc := range delta.ToolCalls {
			idx := tc.Index
			for len(toolCalls) <= idx {
				toolCalls = append(toolCalls, partialToolCall{})
			}
			if tc.ID != "" {
				toolCalls[idx].ID = tc.ID
			}
			if tc.Function.Name != "" {
				toolCalls[idx].Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				toolCalls[idx].Args.WriteString(tc.Function.Arguments)
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return watchtower.ChatResponse{}, err
	}

	var calls []watchtower.ToolCall
	for _, tc := range toolCalls {
		args := json.RawMessage(tc.Args.String())
		if !json.Valid(args) {
			args = json.RawMessage(`{}`)
		}
		calls = append(calls, watchtower.ToolCall{ID: tc.ID, Name: tc.Name, Args: args})
	}

	return watchtower.ChatResponse{
		Content:   fullContent.String(),
		ToolCalls: calls,
		Usage:     usage,
	}, nil
}
