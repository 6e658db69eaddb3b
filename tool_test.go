package watchtower

import (
	"context"
	"encoding/json"
	"testing"
)

type countTool struct {
	name     string
	executed int
}

func (c *countTool) Definitions() []ToolDefinition {
	return []ToolDefinition{{Name: c.name, Description: "test tool"}}
}

func (c *countTool) Execute(_ context.Context, name string, _ json.RawMessage) (ToolResult, error) {
	c.executed++
	return ToolResult{Content: "ran " + name}, nil
}

func TestToolRegistryDispatchesByName(t *testing.T) {
	a := &countTool{name: "search_events"}
	b := &countTool{name: "get_statistics"}
	r := NewToolRegistry()
	r.Add(a)
	r.Add(b)

	res, err := r.Execute(context.Background(), "get_statistics", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Content != "ran get_statistics" {
		t.Errorf("Content = %q", res.Content)
	}
	if a.executed != 0 || b.executed != 1 {
		t.Errorf("dispatch counts: a=%d b=%d", a.executed, b.executed)
	}
}

func TestToolRegistryUnknownTool(t *testing.T) {
	r := NewToolRegistry()
	r.Add(&countTool{name: "search_events"})

	res, err := r.Execute(context.Background(), "does_not_exist", nil)
	if err != nil {
		t.Fatalf("unknown tool should be a ToolResult error, got: %v", err)
	}
	if res.Error == "" {
		t.Error("expected a user-facing error for an unknown tool")
	}
}

func TestToolRegistryAllDefinitions(t *testing.T) {
	r := NewToolRegistry()
	r.Add(&countTool{name: "search_events"})
	r.Add(&countTool{name: "get_statistics"})

	defs := r.AllDefinitions()
	if len(defs) != 2 {
		t.Fatalf("got %d definitions, want 2", len(defs))
	}
	if defs[0].Name != "search_events" || defs[1].Name != "get_statistics" {
		t.Errorf("definition order: %q, %q", defs[0].Name, defs[1].Name)
	}
}
