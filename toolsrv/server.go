// Package toolsrv serves the security tool catalog over a line-delimited
// JSON protocol on stdio. The chat bridge is the only intended client.
package toolsrv

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/kestrelsec/watchtower"
)

// Server dispatches tool requests against a registry.
type Server struct {
	registry *watchtower.ToolRegistry
	logger   *slog.Logger

	// reader/writer can be overridden for testing (defaults to stdin/stdout).
	reader io.Reader
	writer io.Writer
	mu     sync.Mutex // protects writes
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithStreams overrides stdin/stdout, used by in-process tests.
func WithStreams(r io.Reader, w io.Writer) ServerOption {
	return func(s *Server) { s.reader = r; s.writer = w }
}

// WithLogger sets a structured logger for the server.
func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// NewServer creates a Server over the given tool registry.
func NewServer(registry *watchtower.ToolRegistry, opts ...ServerOption) *Server {
	s := &Server{
		registry: registry,
		logger:   watchtower.NopLogger,
		reader:   os.Stdin,
		writer:   os.Stdout,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Serve reads requests line by line until the reader is closed or ctx is
// cancelled. Malformed lines get a parse-error response; they never stop
// the loop.
func (s *Server) Serve(ctx context.Context) error {
	scanner := bufio.NewScanner(s.reader)
	scanner.Buffer(make([]byte, 0, 10<<20), 10<<20) // 10MB max message

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		s.handleLine(ctx, line)
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("toolsrv: read input: %w", err)
	}
	return nil
}

func (s *Server) handleLine(ctx context.Context, data []byte) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		s.write(Response{
			ID:    json.RawMessage("null"),
			Error: &RPCError{Code: ErrCodeParse, Message: "parse error"},
		})
		return
	}

	switch req.Method {
	case MethodListTools:
		s.write(Response{ID: req.ID, Result: s.registry.AllDefinitions()})
	case MethodCallTool:
		s.write(s.callTool(ctx, &req))
	default:
		s.write(Response{
			ID:    req.ID,
			Error: &RPCError{Code: ErrCodeMethodNotFound, Message: "method not found: " + req.Method},
		})
	}
}

// callTool executes the named tool. Tool failures ride inside result; only
// protocol misuse produces the error member.
func (s *Server) callTool(ctx context.Context, req *Request) Response {
	if req.Name == "" {
		return Response{
			ID:    req.ID,
			Error: &RPCError{Code: ErrCodeInvalidParams, Message: "call_tool requires a name"},
		}
	}
	s.logger.Debug("toolsrv: call", "tool", req.Name)

	result, err := s.registry.Execute(ctx, req.Name, req.Arguments)
	if err != nil {
		// execution infrastructure failed; still an in-band tool error so
		// the model can recover
		return Response{ID: req.ID, Result: NewToolError(req.Name, err.Error())}
	}
	if result.Error != "" {
		return Response{ID: req.ID, Result: NewToolError(req.Name, result.Error)}
	}
	return Response{ID: req.ID, Result: json.RawMessage(result.Content)}
}

func (s *Server) write(resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("toolsrv: marshal response", "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	data = append(data, '\n')
	if _, err := s.writer.Write(data); err != nil {
		s.logger.Error("toolsrv: write response", "error", err)
	}
}
