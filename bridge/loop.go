package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/kestrelsec/watchtower"
)

// SessionStore is the slice of the session store the loop persists through.
type SessionStore interface {
	Messages(ctx context.Context, sessionID string) ([]watchtower.StoredMessage, error)
	AppendMessage(ctx context.Context, msg watchtower.StoredMessage) error
}

// ContextSource provides the grounding block prepended to the system prompt.
type ContextSource interface {
	Context(ctx context.Context) (string, error)
}

// Reply is the outcome of one user turn.
type Reply struct {
	Text     string
	Thinking string
}

const systemPrompt = `You are a security operations assistant for a Wazuh deployment.
Answer questions about security events using the available tools and the
event context provided. Be precise; cite event ids and rule levels when
relevant. If the archive has no matching data, say so.`

const maxIterationsNote = "You have used all available tool calls. Summarize what you found and respond to the user."

// Loop runs the bounded tool dispatch loop for user turns. One loop instance
// serves all sessions; turns on distinct sessions run concurrently, turns on
// the same session are rejected with a conflict.
type Loop struct {
	provider watchtower.Provider
	client   *Client
	store    SessionStore
	cag      ContextSource
	logger   *slog.Logger
	maxIter  int

	mu     sync.Mutex
	active map[string]bool
}

// LoopOption configures a Loop.
type LoopOption func(*Loop)

// WithContextSource attaches the event context builder.
func WithContextSource(c ContextSource) LoopOption {
	return func(l *Loop) { l.cag = c }
}

// WithMaxIterations bounds the tool-call rounds per turn (default: 4).
func WithMaxIterations(n int) LoopOption {
	return func(l *Loop) { l.maxIter = n }
}

// WithLogger sets a structured logger for the loop.
func WithLogger(lg *slog.Logger) LoopOption {
	return func(l *Loop) { l.logger = lg }
}

// NewLoop creates a Loop over the provider, tool client, and session store.
func NewLoop(p watchtower.Provider, c *Client, store SessionStore, opts ...LoopOption) *Loop {
	l := &Loop{
		provider: p,
		client:   c,
		store:    store,
		logger:   watchtower.NopLogger,
		maxIter:  4,
		active:   make(map[string]bool),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Run executes one user turn against the session. A second concurrent turn
// on the same session fails with KindConflict. Messages are persisted in
// stable order only after the turn completes; a cancelled turn persists
// nothing.
func (l *Loop) Run(ctx context.Context, sessionID, userText string) (Reply, error) {
	if !l.acquire(sessionID) {
		return Reply{}, watchtower.E(watchtower.KindConflict, "bridge.Run",
			"a turn is already in progress for this session", nil)
	}
	defer l.release(sessionID)
	start := time.Now()

	history, err := l.store.Messages(ctx, sessionID)
	if err != nil {
		return Reply{}, fmt.Errorf("bridge: load history: %w", err)
	}

	tools, err := l.client.ListTools(ctx)
	if err != nil {
		return Reply{}, fmt.Errorf("bridge: list tools: %w", err)
	}

	messages := []watchtower.ChatMessage{watchtower.SystemMessage(l.systemPrompt(ctx))}
	for _, m := range history {
		messages = append(messages, chatMessageFromStored(m))
	}
	messages = append(messages, watchtower.UserMessage(userText))

	// pending rows are persisted together after a successful turn; on
	// cancellation or error nothing is written
	pending := []watchtower.StoredMessage{{
		ID:        watchtower.NewID(),
		SessionID: sessionID,
		Role:      "user",
		Content:   userText,
		CreatedAt: watchtower.NowUnix(),
	}}

	var thinking []string
	for i := 0; i < l.maxIter; i++ {
		resp, err := l.provider.Chat(ctx, watchtower.ChatRequest{Messages: messages, Tools: tools})
		if err != nil {
			return Reply{}, err
		}

		visible, thought := StripThinking(resp.Content)
		if thought != "" {
			thinking = append(thinking, thought)
		}

		if len(resp.ToolCalls) == 0 {
			pending = append(pending, watchtower.StoredMessage{
				ID:        watchtower.NewID(),
				SessionID: sessionID,
				Role:      "assistant",
				Content:   visible,
				Thinking:  strings.Join(thinking, "\n"),
				CreatedAt: watchtower.NowUnix(),
			})
			if err := l.persist(ctx, pending); err != nil {
				return Reply{}, err
			}
			l.logger.Debug("bridge: turn completed",
				"session", sessionID, "iterations", i+1, "duration", time.Since(start))
			return Reply{Text: visible, Thinking: strings.Join(thinking, "\n")}, nil
		}

		messages = append(messages, watchtower.ChatMessage{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		callsJSON, _ := json.Marshal(resp.ToolCalls)
		pending = append(pending, watchtower.StoredMessage{
			ID:        watchtower.NewID(),
			SessionID: sessionID,
			Role:      "assistant",
			Content:   visible,
			ToolCalls: string(callsJSON),
			Thinking:  thought,
			CreatedAt: watchtower.NowUnix(),
		})

		for _, tc := range resp.ToolCalls {
			if err := ctx.Err(); err != nil {
				return Reply{}, err
			}
			result, err := l.client.CallTool(ctx, tc.Name, tc.Args)
			if err != nil {
				return Reply{}, fmt.Errorf("bridge: tool %s: %w", tc.Name, err)
			}
			messages = append(messages, watchtower.ToolResultMessage(tc.ID, result))
			pending = append(pending, watchtower.StoredMessage{
				ID:        watchtower.NewID(),
				SessionID: sessionID,
				Role:      "tool",
				Content:   result,
				ToolCalls: tc.ID,
				CreatedAt: watchtower.NowUnix(),
			})
		}
	}

	// iteration budget exhausted: one final call without tools
	l.logger.Warn("bridge: max iterations reached, forcing synthesis", "session", sessionID, "max", l.maxIter)
	messages = append(messages, watchtower.UserMessage(maxIterationsNote))
	resp, err := l.provider.Chat(ctx, watchtower.ChatRequest{Messages: messages})
	if err != nil {
		return Reply{}, err
	}
	visible, thought := StripThinking(resp.Content)
	if thought != "" {
		thinking = append(thinking, thought)
	}
	pending = append(pending, watchtower.StoredMessage{
		ID:        watchtower.NewID(),
		SessionID: sessionID,
		Role:      "assistant",
		Content:   visible,
		Thinking:  strings.Join(thinking, "\n"),
		CreatedAt: watchtower.NowUnix(),
	})
	if err := l.persist(ctx, pending); err != nil {
		return Reply{}, err
	}
	return Reply{Text: visible, Thinking: strings.Join(thinking, "\n")}, nil
}

func (l *Loop) persist(ctx context.Context, pending []watchtower.StoredMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, m := range pending {
		if err := l.store.AppendMessage(ctx, m); err != nil {
			return fmt.Errorf("bridge: persist message: %w", err)
		}
	}
	return nil
}

func (l *Loop) systemPrompt(ctx context.Context) string {
	if l.cag == nil {
		return systemPrompt
	}
	block, err := l.cag.Context(ctx)
	if err != nil {
		l.logger.Warn("bridge: context block unavailable", "error", err)
		return systemPrompt
	}
	return systemPrompt + "\n\n" + block
}

func (l *Loop) acquire(sessionID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active[sessionID] {
		return false
	}
	l.active[sessionID] = true
	return true
}

func (l *Loop) release(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.active, sessionID)
}

func chatMessageFromStored(m watchtower.StoredMessage) watchtower.ChatMessage {
	msg := watchtower.ChatMessage{Role: m.Role, Content: m.Content}
	switch m.Role {
	case "assistant":
		if m.ToolCalls != "" {
			_ = json.Unmarshal([]byte(m.ToolCalls), &msg.ToolCalls)
		}
	case "tool":
		// the tool call id rides in the ToolCalls column for tool rows
		msg.ToolCallID = m.ToolCalls
	}
	return msg
}

var thinkRe = regexp.MustCompile(`(?s)<think>.*?</think>`)

// StripThinking removes <think>...</think> regions from model output and
// returns the visible text plus the concatenated thinking content.
func StripThinking(s string) (visible, thinking string) {
	matches := thinkRe.FindAllString(s, -1)
	if len(matches) == 0 {
		return strings.TrimSpace(s), ""
	}
	var parts []string
	for _, m := range matches {
		inner := strings.TrimSuffix(strings.TrimPrefix(m, "<think>"), "</think>")
		if t := strings.TrimSpace(inner); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.TrimSpace(thinkRe.ReplaceAllString(s, "")), strings.Join(parts, "\n")
}
