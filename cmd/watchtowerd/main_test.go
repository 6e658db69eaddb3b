package main

import (
	"context"
	"fmt"
	"testing"

	"github.com/kestrelsec/watchtower"
)

type stubProvider struct {
	err error
}

func (s *stubProvider) Chat(ctx context.Context, req watchtower.ChatRequest) (watchtower.ChatResponse, error) {
	if s.err != nil {
		return watchtower.ChatResponse{}, s.err
	}
	return watchtower.ChatResponse{Content: "pong"}, nil
}

func (s *stubProvider) ChatStream(ctx context.Context, req watchtower.ChatRequest, ch chan<- string) (watchtower.ChatResponse, error) {
	close(ch)
	return s.Chat(ctx, req)
}

func (s *stubProvider) Name() string { return "stub" }

func TestProbeModelFailsWhenEndpointUnreachable(t *testing.T) {
	p := &stubProvider{err: fmt.Errorf("dial tcp 127.0.0.1:11434: connection refused")}
	if err := probeModel(context.Background(), p, watchtower.NopLogger); err == nil {
		t.Fatal("expected an error when the chat endpoint is down")
	}
}

func TestProbeModelSucceedsWhenEndpointResponds(t *testing.T) {
	p := &stubProvider{}
	if err := probeModel(context.Background(), p, watchtower.NopLogger); err != nil {
		t.Fatalf("probeModel: %v", err)
	}
}
