package toolsrv

import "encoding/json"

// Wire protocol: one JSON object per line in each direction.
//
// Request:  {"id": <any>, "method": "list_tools"}
//           {"id": <any>, "method": "call_tool", "name": "...", "arguments": {...}}
// Response: {"id": <any>, "result": <payload>}
//           {"id": <any>, "error": {"code": <int>, "message": "..."}}
//
// Tool-level failures are carried inside result as
// {"status":"error","message":...,"tool_name":...}; the error member is
// reserved for protocol faults (parse errors, unknown methods).

const (
	MethodListTools = "list_tools"
	MethodCallTool  = "call_tool"
)

// Protocol error codes.
const (
	ErrCodeParse          = -32700
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
)

// Request is one client message.
type Request struct {
	ID        json.RawMessage `json:"id"`
	Method    string          `json:"method"`
	Name      string          `json:"name,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Response is one server message.
type Response struct {
	ID     json.RawMessage `json:"id"`
	Result any             `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
}

// RPCError is a protocol-level fault.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// ToolError is the structured in-band failure payload for a tool call.
type ToolError struct {
	Status   string `json:"status"` // always "error"
	Message  string `json:"message"`
	ToolName string `json:"tool_name"`
}

// NewToolError builds the in-band failure payload.
func NewToolError(tool, message string) ToolError {
	return ToolError{Status: "error", Message: message, ToolName: tool}
}
