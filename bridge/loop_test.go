package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kestrelsec/watchtower"
	"github.com/kestrelsec/watchtower/toolsrv"
)

// scriptedProvider returns canned responses in order.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []watchtower.ChatResponse
	requests  []watchtower.ChatRequest
	block     chan struct{} // when set, Chat waits for ctx or release
}

func (p *scriptedProvider) Chat(ctx context.Context, req watchtower.ChatRequest) (watchtower.ChatResponse, error) {
	if p.block != nil {
		select {
		case <-p.block:
		case <-ctx.Done():
			return watchtower.ChatResponse{}, ctx.Err()
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if len(p.responses) == 0 {
		return watchtower.ChatResponse{Content: "out of script"}, nil
	}
	resp := p.responses[0]
	p.responses = p.responses[1:]
	return resp, nil
}

func (p *scriptedProvider) ChatStream(ctx context.Context, req watchtower.ChatRequest, ch chan<- string) (watchtower.ChatResponse, error) {
	close(ch)
	return p.Chat(ctx, req)
}

func (p *scriptedProvider) Name() string { return "scripted" }

// memStore is an in-memory SessionStore.
type memStore struct {
	mu       sync.Mutex
	messages map[string][]watchtower.StoredMessage
}

func newMemStore() *memStore {
	return &memStore{messages: make(map[string][]watchtower.StoredMessage)}
}

func (m *memStore) Messages(ctx context.Context, sessionID string) ([]watchtower.StoredMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]watchtower.StoredMessage(nil), m.messages[sessionID]...), nil
}

func (m *memStore) AppendMessage(ctx context.Context, msg watchtower.StoredMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[msg.SessionID] = append(m.messages[msg.SessionID], msg)
	return nil
}

// echoTool is a minimal tool behind the in-memory tool server.
type echoTool struct {
	fail bool
}

func (e *echoTool) Definitions() []watchtower.ToolDefinition {
	return []watchtower.ToolDefinition{{
		Name:        "get_recent_events",
		Description: "recent events",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"hours":{"type":"integer"}}}`),
	}}
}

func (e *echoTool) Execute(ctx context.Context, name string, args json.RawMessage) (watchtower.ToolResult, error) {
	if e.fail {
		return watchtower.ToolResult{Error: "archive unavailable"}, nil
	}
	return watchtower.ToolResult{Content: `{"count":1,"events":[{"id":7,"rule_level":9}]}`}, nil
}

// newTestClient wires a Client to a toolsrv.Server over in-memory pipes.
func newTestClient(t *testing.T, tool watchtower.Tool) *Client {
	t.Helper()
	registry := watchtower.NewToolRegistry()
	registry.Add(tool)

	toSrvR, toSrvW := io.Pipe()
	fromSrvR, fromSrvW := io.Pipe()
	srv := toolsrv.NewServer(registry, toolsrv.WithStreams(toSrvR, fromSrvW))

	ctx, cancel := context.WithCancel(context.Background())
	go srv.Serve(ctx)
	t.Cleanup(func() { cancel(); toSrvW.Close() })

	return NewClient(fromSrvR, toSrvW)
}

func toolCallResponse(id, name, args string) watchtower.ChatResponse {
	return watchtower.ChatResponse{
		ToolCalls: []watchtower.ToolCall{{ID: id, Name: name, Args: json.RawMessage(args)}},
	}
}

func TestDispatchLoopSeedScenario(t *testing.T) {
	// model returns one tool call then a final text; persisted order is
	// user -> assistant(tool_calls) -> tool(result) -> assistant(text)
	provider := &scriptedProvider{responses: []watchtower.ChatResponse{
		toolCallResponse("call_1", "get_recent_events", `{"hours":1}`),
		{Content: "One critical event in the last hour: id 7 at level 9."},
	}}
	store := newMemStore()
	loop := NewLoop(provider, newTestClient(t, &echoTool{}), store)

	reply, err := loop.Run(context.Background(), "sess-1", "anything critical in the last hour?")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(reply.Text, "id 7") {
		t.Errorf("reply = %q", reply.Text)
	}

	msgs := store.messages["sess-1"]
	roles := make([]string, len(msgs))
	for i, m := range msgs {
		roles[i] = m.Role
	}
	want := []string{"user", "assistant", "tool", "assistant"}
	if len(roles) != len(want) {
		t.Fatalf("roles = %v, want %v", roles, want)
	}
	for i := range want {
		if roles[i] != want[i] {
			t.Fatalf("roles = %v, want %v", roles, want)
		}
	}
	if msgs[1].ToolCalls == "" {
		t.Error("assistant tool_calls payload not persisted")
	}
	if msgs[2].ToolCalls != "call_1" {
		t.Errorf("tool row call id = %q, want call_1", msgs[2].ToolCalls)
	}
	if !strings.Contains(msgs[2].Content, `"count":1`) {
		t.Errorf("tool result = %q", msgs[2].Content)
	}
}

func TestNoToolCallsSingleAssistantRow(t *testing.T) {
	provider := &scriptedProvider{responses: []watchtower.ChatResponse{
		{Content: "All quiet."},
	}}
	store := newMemStore()
	loop := NewLoop(provider, newTestClient(t, &echoTool{}), store)

	if _, err := loop.Run(context.Background(), "s", "status?"); err != nil {
		t.Fatal(err)
	}
	msgs := store.messages["s"]
	if len(msgs) != 2 || msgs[0].Role != "user" || msgs[1].Role != "assistant" {
		t.Fatalf("messages = %+v", msgs)
	}
	if msgs[1].ToolCalls != "" {
		t.Error("no tool rows expected")
	}
}

func TestToolErrorStillProducesFinalAnswer(t *testing.T) {
	provider := &scriptedProvider{responses: []watchtower.ChatResponse{
		toolCallResponse("call_1", "get_recent_events", `{}`),
		{Content: "The archive is unavailable right now."},
	}}
	store := newMemStore()
	loop := NewLoop(provider, newTestClient(t, &echoTool{fail: true}), store)

	reply, err := loop.Run(context.Background(), "s", "status?")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if reply.Text == "" {
		t.Error("expected a final answer despite the tool error")
	}
	msgs := store.messages["s"]
	if len(msgs) != 4 {
		t.Fatalf("got %d messages, want 4", len(msgs))
	}
	if !strings.Contains(msgs[2].Content, `"status":"error"`) {
		t.Errorf("tool row should carry the structured error, got %q", msgs[2].Content)
	}
}

func TestMaxIterationsForcesSynthesis(t *testing.T) {
	// model asks for tools forever; after 4 rounds the loop forces a final
	// answer without tools
	var responses []watchtower.ChatResponse
	for i := 0; i < 4; i++ {
		responses = append(responses, toolCallResponse(fmt.Sprintf("call_%d", i), "get_recent_events", `{}`))
	}
	responses = append(responses, watchtower.ChatResponse{Content: "summary"})
	provider := &scriptedProvider{responses: responses}
	store := newMemStore()
	loop := NewLoop(provider, newTestClient(t, &echoTool{}), store)

	reply, err := loop.Run(context.Background(), "s", "dig deep")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if reply.Text != "summary" {
		t.Errorf("reply = %q, want forced synthesis text", reply.Text)
	}

	// 4 tool rounds + 1 synthesis call
	if len(provider.requests) != 5 {
		t.Fatalf("model called %d times, want 5", len(provider.requests))
	}
	last := provider.requests[4]
	if len(last.Tools) != 0 {
		t.Error("synthesis call must not advertise tools")
	}
	lastMsg := last.Messages[len(last.Messages)-1]
	if lastMsg.Role != "user" || !strings.Contains(lastMsg.Content, "Summarize") {
		t.Errorf("synthesis nudge missing, got %+v", lastMsg)
	}
}

func TestConcurrentTurnSameSessionConflicts(t *testing.T) {
	block := make(chan struct{})
	provider := &scriptedProvider{
		block:     block,
		responses: []watchtower.ChatResponse{{Content: "done"}},
	}
	store := newMemStore()
	loop := NewLoop(provider, newTestClient(t, &echoTool{}), store)

	done := make(chan error, 1)
	go func() {
		_, err := loop.Run(context.Background(), "same", "first")
		done <- err
	}()
	time.Sleep(20 * time.Millisecond) // let the first turn take the lock

	_, err := loop.Run(context.Background(), "same", "second")
	if watchtower.KindOf(err) != watchtower.KindConflict {
		t.Errorf("second turn error kind = %v, want Conflict", watchtower.KindOf(err))
	}

	close(block)
	if err := <-done; err != nil {
		t.Fatalf("first turn: %v", err)
	}

	// the session is free again afterwards
	provider.mu.Lock()
	provider.responses = []watchtower.ChatResponse{{Content: "again"}}
	provider.mu.Unlock()
	if _, err := loop.Run(context.Background(), "same", "third"); err != nil {
		t.Errorf("third turn after release: %v", err)
	}
}

func TestCancelledTurnPersistsNothing(t *testing.T) {
	block := make(chan struct{})
	provider := &scriptedProvider{block: block}
	store := newMemStore()
	loop := NewLoop(provider, newTestClient(t, &echoTool{}), store)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := loop.Run(ctx, "s", "hello")
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	if err := <-done; err == nil {
		t.Fatal("expected cancellation error")
	}
	if len(store.messages["s"]) != 0 {
		t.Errorf("cancelled turn persisted %d messages", len(store.messages["s"]))
	}
}

func TestStripThinking(t *testing.T) {
	visible, thinking := StripThinking("<think>the user wants recent events</think>All quiet today.")
	if visible != "All quiet today." {
		t.Errorf("visible = %q", visible)
	}
	if thinking != "the user wants recent events" {
		t.Errorf("thinking = %q", thinking)
	}

	visible, thinking = StripThinking("no tags here")
	if visible != "no tags here" || thinking != "" {
		t.Errorf("passthrough failed: %q %q", visible, thinking)
	}

	visible, thinking = StripThinking("<think>a</think>mid<think>b</think> end")
	if visible != "mid end" {
		t.Errorf("visible = %q", visible)
	}
	if thinking != "a\nb" {
		t.Errorf("thinking = %q", thinking)
	}
}

func TestThinkingLandsInSeparateField(t *testing.T) {
	provider := &scriptedProvider{responses: []watchtower.ChatResponse{
		{Content: "<think>checking the archive</think>Nothing unusual."},
	}}
	store := newMemStore()
	loop := NewLoop(provider, newTestClient(t, &echoTool{}), store)

	reply, err := loop.Run(context.Background(), "s", "status?")
	if err != nil {
		t.Fatal(err)
	}
	if reply.Text != "Nothing unusual." {
		t.Errorf("text = %q", reply.Text)
	}
	if reply.Thinking != "checking the archive" {
		t.Errorf("thinking = %q", reply.Thinking)
	}
	msgs := store.messages["s"]
	if msgs[1].Thinking != "checking the archive" {
		t.Errorf("persisted thinking = %q", msgs[1].Thinking)
	}
	if strings.Contains(msgs[1].Content, "<think>") {
		t.Error("thinking leaked into persisted content")
	}
}

func TestHistoryIsReplayedToModel(t *testing.T) {
	store := newMemStore()
	store.messages["s"] = []watchtower.StoredMessage{
		{ID: "1", SessionID: "s", Role: "user", Content: "earlier question"},
		{ID: "2", SessionID: "s", Role: "assistant", Content: "earlier answer"},
	}
	provider := &scriptedProvider{responses: []watchtower.ChatResponse{{Content: "followup answer"}}}
	loop := NewLoop(provider, newTestClient(t, &echoTool{}), store)

	if _, err := loop.Run(context.Background(), "s", "and now?"); err != nil {
		t.Fatal(err)
	}
	req := provider.requests[0]
	// system + 2 history + new user
	if len(req.Messages) != 4 {
		t.Fatalf("model saw %d messages, want 4", len(req.Messages))
	}
	if req.Messages[1].Content != "earlier question" || req.Messages[2].Content != "earlier answer" {
		t.Error("history not replayed in order")
	}
}
