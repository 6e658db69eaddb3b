// Package bridge connects the chat model to the tool server: it discovers
// the tool catalog, runs the bounded dispatch loop for each user turn, and
// persists the conversation.
package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/kestrelsec/watchtower"
	"github.com/kestrelsec/watchtower/toolsrv"
)

// Client talks the tool-server line protocol over any reader/writer pair:
// a child process's stdio in production, an in-memory pipe in tests.
type Client struct {
	w       io.Writer
	scanner *bufio.Scanner
	nextID  atomic.Int64

	mu sync.Mutex // one in-flight request at a time

	toolsOnce sync.Once
	tools     []watchtower.ToolDefinition
	toolsErr  error
}

// NewClient creates a Client over the given streams.
func NewClient(r io.Reader, w io.Writer) *Client {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 10<<20), 10<<20)
	return &Client{w: w, scanner: sc}
}

// ListTools returns the server's tool catalog. The first call hits the
// server; the result is cached for the life of the connection.
func (c *Client) ListTools(ctx context.Context) ([]watchtower.ToolDefinition, error) {
	c.toolsOnce.Do(func() {
		resp, err := c.roundTrip(ctx, toolsrv.Request{Method: toolsrv.MethodListTools})
		if err != nil {
			c.toolsErr = err
			return
		}
		if err := json.Unmarshal(resp, &c.tools); err != nil {
			c.toolsErr = fmt.Errorf("bridge: decode tool list: %w", err)
		}
	})
	return c.tools, c.toolsErr
}

// CallTool invokes a named tool and returns the raw result JSON. Tool-level
// failures arrive inside the payload, not as an error.
func (c *Client) CallTool(ctx context.Context, name string, args json.RawMessage) (string, error) {
	resp, err := c.roundTrip(ctx, toolsrv.Request{
		Method:    toolsrv.MethodCallTool,
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		return "", err
	}
	return string(resp), nil
}

// roundTrip sends one request and reads responses until the matching id
// comes back. ctx cancellation is honored between requests; a read in
// flight finishes its line first.
func (c *Client) roundTrip(ctx context.Context, req toolsrv.Request) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id := c.nextID.Add(1)
	req.ID = json.RawMessage(strconv.FormatInt(id, 10))

	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("bridge: encode request: %w", err)
	}
	data = append(data, '\n')
	if _, err := c.w.Write(data); err != nil {
		return nil, fmt.Errorf("bridge: write request: %w", err)
	}

	for c.scanner.Scan() {
		var resp struct {
			ID     json.RawMessage   `json:"id"`
			Result json.RawMessage   `json:"result"`
			Error  *toolsrv.RPCError `json:"error"`
		}
		if err := json.Unmarshal(c.scanner.Bytes(), &resp); err != nil {
			continue // not ours; keep reading
		}
		if string(resp.ID) != strconv.FormatInt(id, 10) {
			continue
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("bridge: tool server error %d: %s", resp.Error.Code, resp.Error.Message)
		}
		return resp.Result, nil
	}
	if err := c.scanner.Err(); err != nil {
		return nil, fmt.Errorf("bridge: read response: %w", err)
	}
	return nil, fmt.Errorf("bridge: tool server closed the connection")
}
