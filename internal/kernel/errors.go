package kernel

import "fmt"

// ErrorCode classifies a session-level failure for propagation decisions and
// for the "code" field of the client-visible error envelope.
type ErrorCode string

const (
	// ErrProtocol covers malformed envelopes, unknown envelope types, and
	// handshake timeout/failure. Fatal during handshake; non-fatal after.
	ErrProtocol ErrorCode = "protocol"

	// ErrCodec covers Opus decode/encode failures. Always contained: drop
	// the frame, increment a counter, continue.
	ErrCodec ErrorCode = "codec"

	// ErrAdapter covers STT/LLM/TTS/embedding upstream failures. Subdivided
	// into Transient and Terminal via AdapterError.Transient.
	ErrAdapter ErrorCode = "adapter"

	// ErrMcp covers a JSON-RPC error object, a pending-request timeout, or an
	// id mismatch on an inbound MCP frame.
	ErrMcp ErrorCode = "mcp"

	// ErrPolicy covers buffer overflow, outbound queue overflow, and idle
	// timeout. Always closes the session.
	ErrPolicy ErrorCode = "policy"

	// ErrPeer covers an unknown relay target or a peer whose queue is full
	// or who has disconnected.
	ErrPeer ErrorCode = "peer"
)

// ProtocolError reports a malformed envelope, an unrecognized envelope type,
// or a handshake that failed to complete.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return fmt.Sprintf("protocol: %s", e.Reason) }
func (e *ProtocolError) Code() ErrorCode { return ErrProtocol }

// CodecError reports an Opus decode or encode failure. Always recoverable:
// the caller drops the frame and continues.
type CodecError struct {
	Cause error
}

func (e *CodecError) Error() string { return fmt.Sprintf("codec: %v", e.Cause) }
func (e *CodecError) Unwrap() error  { return e.Cause }
func (e *CodecError) Code() ErrorCode { return ErrCodec }

// AdapterError reports an STT/LLM/TTS/embedding upstream failure.
//
// Transient errors (e.g. a single request timeout) are expected to succeed
// on retry and only tear down the current PipelineRun. Terminal errors (e.g.
// an authentication failure) additionally signal that retrying the same
// adapter is pointless for the remainder of the session.
type AdapterError struct {
	Adapter   string // "stt" | "llm" | "tts" | "embedding"
	Cause     error
	Transient bool
}

func (e *AdapterError) Error() string {
	kind := "terminal"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("adapter(%s,%s): %v", e.Adapter, kind, e.Cause)
}
func (e *AdapterError) Unwrap() error  { return e.Cause }
func (e *AdapterError) Code() ErrorCode { return ErrAdapter }

// McpError reports a JSON-RPC error object, a pending-request timeout, or an
// id mismatch.
type McpError struct {
	Method string
	Cause  error
}

func (e *McpError) Error() string { return fmt.Sprintf("mcp(%s): %v", e.Method, e.Cause) }
func (e *McpError) Unwrap() error  { return e.Cause }
func (e *McpError) Code() ErrorCode { return ErrMcp }

// PolicyError reports a resource-limit violation: buffer overflow, outbound
// queue overflow, or idle timeout. Always closes the session.
type PolicyError struct {
	Reason string
}

func (e *PolicyError) Error() string { return fmt.Sprintf("policy: %s", e.Reason) }
func (e *PolicyError) Code() ErrorCode { return ErrPolicy }

// PeerError reports a relay failure: unknown target device-id, or a peer
// whose session has dropped or whose queue is full.
type PeerError struct {
	DeviceID string
	Reason   string
}

func (e *PeerError) Error() string {
	return fmt.Sprintf("peer(%s): %s", e.DeviceID, e.Reason)
}
func (e *PeerError) Code() ErrorCode { return ErrPeer }

// codeOf extracts the ErrorCode of any of the taxonomy's error types, or
// ErrProtocol for anything unrecognized (conservative default: treat as
// worth surfacing to the client rather than silently dropping).
func codeOf(err error) ErrorCode {
	switch e := err.(type) {
	case *ProtocolError:
		return e.Code()
	case *CodecError:
		return e.Code()
	case *AdapterError:
		return e.Code()
	case *McpError:
		return e.Code()
	case *PolicyError:
		return e.Code()
	case *PeerError:
		return e.Code()
	default:
		return ErrProtocol
	}
}
