package toolsrv

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	readability "github.com/go-shiori/go-readability"

	"github.com/kestrelsec/watchtower"
	"github.com/kestrelsec/watchtower/archive"
	"github.com/kestrelsec/watchtower/retrieve"
)

// Archive is the slice of the event store the tools read.
type Archive interface {
	RecentEvents(ctx context.Context, window time.Duration, minLevel, limit int) ([]watchtower.Event, error)
	AgentStats(ctx context.Context) ([]archive.AgentStat, error)
	RuleStats(ctx context.Context, limit int) ([]archive.RuleStat, error)
	SearchLike(ctx context.Context, term string, limit int) ([]watchtower.Event, error)
}

// Searcher is the hybrid retrieval surface behind check_wazuh_log.
type Searcher interface {
	Search(ctx context.Context, query string, k int, f retrieve.Filters) ([]retrieve.Result, error)
}

// SecurityTools is the tool catalog served to the chat model.
type SecurityTools struct {
	store    Archive
	searcher Searcher

	fetchTimeout time.Duration
}

var _ watchtower.Tool = (*SecurityTools)(nil)

// NewSecurityTools creates the catalog over the archive and searcher.
func NewSecurityTools(store Archive, searcher Searcher) *SecurityTools {
	return &SecurityTools{store: store, searcher: searcher, fetchTimeout: 15 * time.Second}
}

func (t *SecurityTools) Definitions() []watchtower.ToolDefinition {
	return []watchtower.ToolDefinition{
		{
			Name:        "check_wazuh_log",
			Description: "Search archived Wazuh security events by free-text query using hybrid semantic and keyword retrieval. Returns the most relevant events with full log lines.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"query": {"type": "string", "description": "Free-text security question or keywords"},
					"max_results": {"type": "integer", "description": "Maximum events to return (default 10)"},
					"days_range": {"type": "integer", "description": "How many trailing days to search (default 7)"}
				},
				"required": ["query"]
			}`),
		},
		{
			Name:        "get_recent_events",
			Description: "List the most recent security events within the last N hours.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"hours": {"type": "integer", "description": "Trailing window in hours (default 24)"},
					"limit": {"type": "integer", "description": "Maximum events to return (default 20)"}
				}
			}`),
		},
		{
			Name:        "get_agent_statistics",
			Description: "Per-agent event counts and maximum severity across the whole archive.",
			Parameters:  json.RawMessage(`{"type": "object", "properties": {}}`),
		},
		{
			Name:        "get_rule_statistics",
			Description: "Most frequently triggered Wazuh rules with counts and levels.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"limit": {"type": "integer", "description": "Maximum rules to return (default 10)"}
				}
			}`),
		},
		{
			Name:        "search_logs",
			Description: "Exact substring search over rule descriptions and raw log lines.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"term": {"type": "string", "description": "Substring to match"},
					"limit": {"type": "integer", "description": "Maximum events to return (default 20)"}
				},
				"required": ["term"]
			}`),
		},
		{
			Name:        "fetch_advisory",
			Description: "Fetch a security advisory or vendor bulletin URL and return its readable text content.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"url": {"type": "string", "description": "HTTP(S) URL of the advisory page"}
				},
				"required": ["url"]
			}`),
		},
	}
}

func (t *SecurityTools) Execute(ctx context.Context, name string, args json.RawMessage) (watchtower.ToolResult, error) {
	switch name {
	case "check_wazuh_log":
		return t.checkWazuhLog(ctx, args)
	case "get_recent_events":
		return t.getRecentEvents(ctx, args)
	case "get_agent_statistics":
		return t.getAgentStatistics(ctx)
	case "get_rule_statistics":
		return t.getRuleStatistics(ctx, args)
	case "search_logs":
		return t.searchLogs(ctx, args)
	case "fetch_advisory":
		return t.fetchAdvisory(ctx, args)
	default:
		return watchtower.ToolResult{Error: "unknown tool: " + name}, nil
	}
}

func (t *SecurityTools) checkWazuhLog(ctx context.Context, args json.RawMessage) (watchtower.ToolResult, error) {
	var params struct {
		Query      string `json:"query"`
		MaxResults int    `json:"max_results"`
		DaysRange  int    `json:"days_range"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return watchtower.ToolResult{Error: "invalid arguments: " + err.Error()}, nil
	}
	if params.Query == "" {
		return watchtower.ToolResult{Error: "query is required"}, nil
	}
	if params.MaxResults <= 0 {
		params.MaxResults = 10
	}
	if params.DaysRange <= 0 {
		params.DaysRange = 7
	}

	results, err := t.searcher.Search(ctx, params.Query, params.MaxResults, retrieve.Filters{
		Start: time.Now().AddDate(0, 0, -params.DaysRange),
	})
	if err != nil {
		return watchtower.ToolResult{Error: fmt.Sprintf("search failed: %v", err)}, nil
	}
	return jsonResult(map[string]any{
		"query":   params.Query,
		"count":   len(results),
		"results": results,
	})
}

func (t *SecurityTools) getRecentEvents(ctx context.Context, args json.RawMessage) (watchtower.ToolResult, error) {
	var params struct {
		Hours int `json:"hours"`
		Limit int `json:"limit"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &params); err != nil {
			return watchtower.ToolResult{Error: "invalid arguments: " + err.Error()}, nil
		}
	}
	if params.Hours <= 0 {
		params.Hours = 24
	}
	if params.Limit <= 0 {
		params.Limit = 20
	}

	events, err := t.store.RecentEvents(ctx, time.Duration(params.Hours)*time.Hour, 0, params.Limit)
	if err != nil {
		return watchtower.ToolResult{Error: fmt.Sprintf("archive query failed: %v", err)}, nil
	}
	return jsonResult(map[string]any{"count": len(events), "events": events})
}

func (t *SecurityTools) getAgentStatistics(ctx context.Context) (watchtower.ToolResult, error) {
	stats, err := t.store.AgentStats(ctx)
	if err != nil {
		return watchtower.ToolResult{Error: fmt.Sprintf("archive query failed: %v", err)}, nil
	}
	return jsonResult(map[string]any{"count": len(stats), "agents": stats})
}

func (t *SecurityTools) getRuleStatistics(ctx context.Context, args json.RawMessage) (watchtower.ToolResult, error) {
	var params struct {
		Limit int `json:"limit"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &params); err != nil {
			return watchtower.ToolResult{Error: "invalid arguments: " + err.Error()}, nil
		}
	}
	if params.Limit <= 0 {
		params.Limit = 10
	}
	stats, err := t.store.RuleStats(ctx, params.Limit)
	if err != nil {
		return watchtower.ToolResult{Error: fmt.Sprintf("archive query failed: %v", err)}, nil
	}
	return jsonResult(map[string]any{"count": len(stats), "rules": stats})
}

func (t *SecurityTools) searchLogs(ctx context.Context, args json.RawMessage) (watchtower.ToolResult, error) {
	var params struct {
		Term  string `json:"term"`
		Limit int    `json:"limit"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return watchtower.ToolResult{Error: "invalid arguments: " + err.Error()}, nil
	}
	if params.Term == "" {
		return watchtower.ToolResult{Error: "term is required"}, nil
	}
	if params.Limit <= 0 {
		params.Limit = 20
	}
	events, err := t.store.SearchLike(ctx, params.Term, params.Limit)
	if err != nil {
		return watchtower.ToolResult{Error: fmt.Sprintf("archive query failed: %v", err)}, nil
	}
	return jsonResult(map[string]any{"count": len(events), "events": events})
}

func (t *SecurityTools) fetchAdvisory(ctx context.Context, args json.RawMessage) (watchtower.ToolResult, error) {
	var params struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return watchtower.ToolResult{Error: "invalid arguments: " + err.Error()}, nil
	}
	if params.URL == "" {
		return watchtower.ToolResult{Error: "url is required"}, nil
	}

	article, err := readability.FromURL(params.URL, t.fetchTimeout)
	if err != nil {
		return watchtower.ToolResult{Error: fmt.Sprintf("fetch failed: %v", err)}, nil
	}
	text := article.TextContent
	const maxRunes = 20000
	if r := []rune(text); len(r) > maxRunes {
		text = string(r[:maxRunes]) + "\n[truncated]"
	}
	return jsonResult(map[string]any{
		"url":     params.URL,
		"title":   article.Title,
		"content": text,
	})
}

func jsonResult(v any) (watchtower.ToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return watchtower.ToolResult{Error: "encode result: " + err.Error()}, nil
	}
	return watchtower.ToolResult{Content: string(data)}, nil
}
