package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/voicegate/gateway/pkg/provider/llm"
)

// DefaultPendingTimeout is the deadline applied to every outstanding JSON-RPC
// request; a caller's context deadline, when earlier, ends the wait sooner.
const DefaultPendingTimeout = 15 * time.Second

// Sender delivers a raw JSON-RPC payload to the device over the session's
// {type:"mcp", payload:...} wire envelope. Subsession never touches the
// WebSocket itself — the kernel owns the single outbound writer.
type Sender func(payload json.RawMessage) error

const jsonrpcVersion = "2.0"

// rpcRequest is a JSON-RPC 2.0 request or notification (Id omitted).
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      *int64 `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// rpcResponse is a JSON-RPC 2.0 response, either a result or an error.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string { return fmt.Sprintf("mcp: rpc error %d: %s", e.Code, e.Message) }

// toolsListResult is the result shape of a tools/list call.
type toolsListResult struct {
	Tools      []json.RawMessage `json:"tools"`
	NextCursor string            `json:"nextCursor,omitempty"`
}

// mcpToolDef mirrors the JSON-RPC tool descriptor shape on the wire, decoded
// into the engine-facing [llm.ToolDefinition].
type mcpToolDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

type pendingEntry struct {
	resolve chan rpcResponse
}

// Subsession is the device-facing JSON-RPC 2.0 client role: the kernel is
// the client, the device is the server for its own declared tool set. This
// is the mirror image of [mcphost.Host], which is the client for
// server-side MCP tools — Subsession reuses none of that package's SDK
// transport (there is no stdio/HTTP process on the other end, only this
// session's own WebSocket), only the same mutex-guarded pending-table shape.
//
// Id allocation is a monotonic counter starting at 1. Every outstanding
// request is tracked in the pending table until resolved by a matching
// response or cancelled by Close/timeout.
type Subsession struct {
	send Sender

	mu      sync.Mutex
	nextID  int64
	pending map[int64]pendingEntry
	closed  bool
}

// NewSubsession creates a Subsession that writes outbound JSON-RPC payloads
// via send.
func NewSubsession(send Sender) *Subsession {
	return &Subsession{
		send:    send,
		nextID:  1,
		pending: make(map[int64]pendingEntry),
	}
}

// Initialize performs the MCP initialize handshake. clientInfo is passed
// through verbatim as the "clientInfo" param.
func (s *Subsession) Initialize(ctx context.Context, protocolVersion string, capabilities map[string]any, clientInfo map[string]any) (json.RawMessage, error) {
	resp, err := s.call(ctx, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    capabilities,
		"clientInfo":      clientInfo,
	})
	if err != nil {
		return nil, err
	}
	return resp.Result, nil
}

// ListTools performs the paginated tools/list exchange to completion,
// merging every page into a single tool definition set usable by an
// [engine.VoiceEngine].
func (s *Subsession) ListTools(ctx context.Context) ([]llm.ToolDefinition, error) {
	var out []llm.ToolDefinition
	cursor := ""
	for {
		resp, err := s.call(ctx, "tools/list", map[string]any{"cursor": cursor})
		if err != nil {
			return nil, err
		}
		var page toolsListResult
		if err := json.Unmarshal(resp.Result, &page); err != nil {
			return nil, fmt.Errorf("mcp: decode tools/list result: %w", err)
		}
		for _, raw := range page.Tools {
			var t mcpToolDef
			if err := json.Unmarshal(raw, &t); err != nil {
				continue // malformed tool descriptor: log and drop, per protocol tolerance
			}
			out = append(out, llm.ToolDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			})
		}
		if page.NextCursor == "" {
			return out, nil
		}
		cursor = page.NextCursor
	}
}

// CallTool invokes a device-declared tool and returns its raw JSON-RPC
// result payload.
func (s *Subsession) CallTool(ctx context.Context, name string, arguments any) (json.RawMessage, error) {
	resp, err := s.call(ctx, "tools/call", map[string]any{
		"name":      name,
		"arguments": arguments,
	})
	if err != nil {
		return nil, err
	}
	return resp.Result, nil
}

// call allocates an id, registers a pending entry, sends the request, and
// blocks until the response arrives, ctx is done, or the default timeout
// elapses.
func (s *Subsession) call(ctx context.Context, method string, params any) (rpcResponse, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return rpcResponse{}, fmt.Errorf("mcp: subsession closed")
	}
	id := s.nextID
	s.nextID++
	entry := pendingEntry{resolve: make(chan rpcResponse, 1)}
	s.pending[id] = entry
	s.mu.Unlock()

	raw, err := json.Marshal(rpcRequest{JSONRPC: jsonrpcVersion, ID: &id, Method: method, Params: params})
	if err != nil {
		s.removePending(id)
		return rpcResponse{}, fmt.Errorf("mcp: encode %s request: %w", method, err)
	}
	if err := s.send(raw); err != nil {
		s.removePending(id)
		return rpcResponse{}, fmt.Errorf("mcp: send %s request: %w", method, err)
	}

	timeout := time.NewTimer(DefaultPendingTimeout)
	defer timeout.Stop()

	select {
	case resp := <-entry.resolve:
		if resp.Error != nil {
			return rpcResponse{}, resp.Error
		}
		return resp, nil
	case <-ctx.Done():
		s.removePending(id)
		return rpcResponse{}, ctx.Err()
	case <-timeout.C:
		s.removePending(id)
		return rpcResponse{}, fmt.Errorf("mcp: %s request %d timed out after %s", method, id, DefaultPendingTimeout)
	}
}

// HandleInbound dispatches a raw JSON-RPC response frame received from the
// device to its pending request. A frame with an unknown id or malformed
// payload is dropped rather than failing the session, per protocol
// tolerance: the caller should log the returned error and continue.
func (s *Subsession) HandleInbound(raw json.RawMessage) error {
	var resp rpcResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return fmt.Errorf("mcp: decode inbound frame: %w", err)
	}
	if resp.ID == nil {
		return fmt.Errorf("mcp: inbound frame has no id (notifications from device are not expected)")
	}

	s.mu.Lock()
	entry, ok := s.pending[*resp.ID]
	if ok {
		delete(s.pending, *resp.ID)
	}
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("mcp: inbound frame references unknown id %d", *resp.ID)
	}
	entry.resolve <- resp
	return nil
}

// Close cancels every outstanding pending request with a "canceled" error.
// Safe to call more than once.
func (s *Subsession) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id, entry := range s.pending {
		entry.resolve <- rpcResponse{Error: &rpcError{Code: -32800, Message: "canceled"}}
		delete(s.pending, id)
	}
}

func (s *Subsession) removePending(id int64) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}
