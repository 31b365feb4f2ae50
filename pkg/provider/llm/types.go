package llm

import "github.com/voicegate/gateway/pkg/types"

// Message represents a single message in an LLM conversation history.
type Message = types.Message

// ToolCall represents a tool/function invocation requested by the LLM.
type ToolCall = types.ToolCall

// ToolDefinition describes a tool that can be offered to an LLM.
type ToolDefinition = types.ToolDefinition

// ModelCapabilities describes what an LLM model supports.
type ModelCapabilities = types.ModelCapabilities
