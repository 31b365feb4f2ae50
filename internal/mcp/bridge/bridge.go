// Package bridge wires MCP tools into a session's conversation engine.
//
// A [Bridge] translates between the MCP Host's tool catalogue and an
// [engine.VoiceEngine]'s native function-calling interface. On creation it
// declares the budget-appropriate tool set on the engine and registers an
// OnToolCall handler that routes all tool calls back through the MCP Host
// for execution.
//
// Typical usage:
//
//	b, err := bridge.NewBridge(host, eng, mcp.BudgetFast)
//	if err != nil { ... }
//	defer b.Close()
//
//	// mid-session, a device announces it can afford deeper tools
//	if err := b.UpdateTier(ctx, mcp.BudgetDeep); err != nil { ... }
package bridge

import (
	"context"
	"fmt"
	"time"

	"github.com/voicegate/gateway/internal/engine"
	"github.com/voicegate/gateway/internal/mcp"
)

// defaultToolTimeout is the context deadline applied to each tool execution
// when no external context is available (the engine's OnToolCall handler
// receives no context from the pipeline goroutine that invoked it).
const defaultToolTimeout = 30 * time.Second

// Option is a functional option for configuring a [Bridge].
type Option func(*Bridge)

// WithToolTimeout sets the deadline applied to each individual tool execution
// within the OnToolCall handler. If a tool call exceeds this duration the
// context is cancelled and an error is returned to the engine.
//
// The default is 30 seconds.
func WithToolTimeout(d time.Duration) Option {
	return func(b *Bridge) {
		b.toolTimeout = d
	}
}

// Bridge wires server-side MCP tools (the Host's catalogue — things like
// dice rolls or a scratch memory note, as opposed to the tools a device
// itself declares over its own McpSubsession) into a session's engine. It
// declares budget-appropriate tool definitions on the engine and routes tool
// calls back through the MCP Host for execution.
//
// The bridge is tied to a single engine instance and should be created when
// the pipeline run starts and discarded when it ends. Bridge is safe for
// concurrent use.
type Bridge struct {
	host        mcp.Host
	eng         engine.VoiceEngine
	tier        mcp.BudgetTier
	toolTimeout time.Duration
}

// NewBridge creates a Bridge that declares tools from host filtered by tier
// on the given engine. It immediately calls eng.SetTools with the appropriate
// definitions and registers a handler via eng.OnToolCall.
//
// The handler routes all tool calls to host.ExecuteTool. Tool executions are
// bounded by a 30-second context timeout (configurable via [WithToolTimeout]).
//
// Returns an error if either host or eng is nil, or if the initial
// eng.SetTools call fails.
func NewBridge(host mcp.Host, eng engine.VoiceEngine, tier mcp.BudgetTier, opts ...Option) (*Bridge, error) {
	if host == nil {
		return nil, fmt.Errorf("bridge: host must not be nil")
	}
	if eng == nil {
		return nil, fmt.Errorf("bridge: engine must not be nil")
	}

	b := &Bridge{
		host:        host,
		eng:         eng,
		tier:        tier,
		toolTimeout: defaultToolTimeout,
	}
	for _, opt := range opts {
		opt(b)
	}

	tools := host.AvailableTools(tier)
	if err := eng.SetTools(tools); err != nil {
		return nil, fmt.Errorf("bridge: failed to set initial tools for tier %s: %w", tier, err)
	}

	eng.OnToolCall(b.handleToolCall)
	return b, nil
}

// handleToolCall is the handler registered on the engine via OnToolCall. It
// executes the named MCP tool with the given JSON-encoded args and returns
// the tool's content string. A 30-second (configurable) context timeout is
// applied because OnToolCall does not propagate a caller context.
func (b *Bridge) handleToolCall(name string, args string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), b.toolTimeout)
	defer cancel()

	result, err := b.host.ExecuteTool(ctx, name, args)
	if err != nil {
		return "", fmt.Errorf("bridge: tool %q execution failed: %w", name, err)
	}
	return result.Content, nil
}

// UpdateTier changes the active budget tier, retrieves the newly appropriate
// tool set from the MCP Host, and updates the engine via SetTools.
//
// ctx is respected for cancellation — if ctx is done before SetTools is
// called, UpdateTier returns without modifying the engine.
//
// Returns an error if ctx is already cancelled or if SetTools fails.
func (b *Bridge) UpdateTier(ctx context.Context, newTier mcp.BudgetTier) error {
	tools := b.host.AvailableTools(newTier)

	// Respect cancellation before mutating the engine.
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("bridge: context cancelled before updating tools: %w", err)
	}

	if err := b.eng.SetTools(tools); err != nil {
		return fmt.Errorf("bridge: failed to update tools for tier %s: %w", newTier, err)
	}
	b.tier = newTier
	return nil
}

// Close deregisters the tool-call handler from the engine. After Close, any
// tool call requests from the LLM will not be handled. Close does not close
// the underlying engine or MCP Host — callers are responsible for their own
// lifecycle management.
func (b *Bridge) Close() {
	b.eng.OnToolCall(nil)
}
