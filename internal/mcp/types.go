package mcp

import "github.com/voicegate/gateway/pkg/types"

// Transport selects the connection mechanism for an MCP server.
type Transport string

const (
	// TransportStdio spawns a subprocess and communicates over stdin/stdout.
	TransportStdio Transport = "stdio"

	// TransportStreamableHTTP communicates via the MCP Streamable HTTP protocol.
	TransportStreamableHTTP Transport = "streamable-http"
)

// IsValid reports whether t is a recognised transport.
func (t Transport) IsValid() bool {
	return t == TransportStdio || t == TransportStreamableHTTP
}

// BudgetTier controls which MCP tools are visible to the LLM based on latency constraints.
type BudgetTier = types.BudgetTier

const (
	// BudgetFast allows only tools with ≤ 500ms estimated latency.
	BudgetFast = types.BudgetFast

	// BudgetStandard allows tools with ≤ 1500ms estimated latency.
	BudgetStandard = types.BudgetStandard

	// BudgetDeep admits tools of every host tier; the engine's budget filter
	// still drops tools estimated above 4000ms (see BudgetTier.MaxLatencyMs).
	BudgetDeep = types.BudgetDeep
)
