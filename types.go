package watchtower

import (
	"encoding/json"
	"time"
)

// TimestampLayout is the canonical event timestamp form: UTC, millisecond
// precision, fixed width. Two timestamps in this form compare
// chronologically as plain strings, which the watermark logic relies on.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// CanonicalTimestamp renders t in the canonical event timestamp form.
func CanonicalTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// --- Domain types (archive records) ---

// Event is one parsed security record from the Wazuh alert stream.
// Events are created by the ingest pipeline and never mutated afterwards.
type Event struct {
	ID              int64  `json:"id"`
	Timestamp       string `json:"timestamp"` // ISO-8601; lexicographic order == chronological
	AgentID         string `json:"agent_id"`
	AgentName       string `json:"agent_name"`
	Location        string `json:"location"`
	Decoder         string `json:"decoder"`
	RuleID          int    `json:"rule_id"`
	RuleLevel       int    `json:"rule_level"` // 0-15
	RuleDescription string `json:"rule_description"`
	MitreID         string `json:"mitre_id,omitempty"`
	MitreTactic     string `json:"mitre_tactic,omitempty"`
	MitreTechnique  string `json:"mitre_technique,omitempty"`
	FullLog         string `json:"full_log"`
	RawJSON         string `json:"raw_json"`
	ContentHash     string `json:"content_hash"`
	CreatedAt       int64  `json:"created_at"`
}

// Watermark is the single-row ingest control record: the greatest timestamp
// successfully committed and a running total of appended events.
type Watermark struct {
	Timestamp     string `json:"timestamp"`
	TotalIngested int64  `json:"total_ingested"`
}

// Severity bands used by the alert monitor and dashboards.
// Thresholds are configurable; these are the defaults.
const (
	DefaultCriticalLevel = 8
	DefaultHighLevel     = 6
	DefaultMediumLevel   = 5
)

// SeverityBand classifies a rule level against the given thresholds.
// Returns "critical", "high", "medium", or "low".
func SeverityBand(level, critical, high, medium int) string {
	switch {
	case level >= critical:
		return "critical"
	case level >= high:
		return "high"
	case level >= medium:
		return "medium"
	default:
		return "low"
	}
}

// --- Session store types ---

// Session is one user conversation. MessageCount is maintained by the store
// and always equals the number of child messages.
type Session struct {
	ID           string `json:"id"`
	UserID       string `json:"user_id"`
	Title        string `json:"title"`
	MessageCount int    `json:"message_count"`
	CreatedAt    int64  `json:"created_at"`
	UpdatedAt    int64  `json:"updated_at"`
}

// StoredMessage is one persisted chat message. ToolCalls holds the raw
// tool-call payload for assistant messages; Thinking holds model-internal
// reasoning stripped from the user-visible content.
type StoredMessage struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	Role      string `json:"role"` // "system", "user", "assistant", "tool"
	Content   string `json:"content"`
	ToolCalls string `json:"tool_calls,omitempty"` // JSON array, empty when none
	Thinking  string `json:"thinking,omitempty"`
	CreatedAt int64  `json:"created_at"`
}

// User is an authenticated operator account.
type User struct {
	ID           string `json:"id"`
	Username     string `json:"username"`
	Email        string `json:"email"`
	PasswordHash string `json:"-"`
	DisplayName  string `json:"display_name"`
	Active       bool   `json:"active"`
	Admin        bool   `json:"admin"`
	CreatedAt    int64  `json:"created_at"`
	LastLoginAt  int64  `json:"last_login_at,omitempty"`
}

// --- LLM protocol types ---

type ChatMessage struct {
	Role       string     `json:"role"` // "system", "user", "assistant", "tool"
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

type ChatRequest struct {
	Messages []ChatMessage    `json:"messages"`
	Tools    []ToolDefinition `json:"tools,omitempty"`
}

type ChatResponse struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     Usage      `json:"usage"`
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ToolDefinition describes a callable tool advertised to the chat model.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
}

// --- ChatMessage constructors ---

func UserMessage(text string) ChatMessage {
	return ChatMessage{Role: "user", Content: text}
}

func SystemMessage(text string) ChatMessage {
	return ChatMessage{Role: "system", Content: text}
}

func AssistantMessage(text string) ChatMessage {
	return ChatMessage{Role: "assistant", Content: text}
}

func ToolResultMessage(callID, content string) ChatMessage {
	return ChatMessage{Role: "tool", Content: content, ToolCallID: callID}
}
