// Package wire defines the JSON envelopes exchanged over the device↔gateway
// WebSocket control channel.
//
// The protocol uses dynamic, loosely-typed envelopes on the wire (a "type"
// discriminator plus a free-form payload) — the same shape the config
// loader's validate-at-the-boundary idiom targets for YAML. Rather than
// decode into `map[string]any` and type-assert throughout the kernel, each
// envelope gets its own Go struct and a tagged union (Envelope) that decodes
// the discriminator first and then the matching payload, producing one
// aggregate error when a client sends something malformed.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Envelope types exchanged client→server.
const (
	TypeHello            = "hello"
	TypeListen           = "listen"
	TypeAbort            = "abort"
	TypeChat             = "chat"
	TypeWakeWordDetected = "wake_word_detected"
	TypeIot              = "iot"
	TypeMcp              = "mcp"
	TypeFriend           = "friend"
)

// Envelope types exchanged server→client, in addition to the shared ones
// above (hello, mcp, friend).
const (
	TypeStt         = "stt"
	TypeLlm         = "llm"
	TypeTts         = "tts"
	TypeTtsFallback = "tts_fallback"
	TypeTtsDisabled = "tts_disabled"
	TypeFriendAck   = "friend_ack"
	TypeError       = "error"
)

// AudioParams describes the negotiated audio wire profile.
type AudioParams struct {
	Format         string `json:"format"`
	SampleRate     int    `json:"sample_rate"`
	Channels       int    `json:"channels"`
	FrameDuration  int    `json:"frame_duration"`
}

// Features advertises client capability flags.
type Features struct {
	MCP bool `json:"mcp"`
}

// HelloRequest is the client→server handshake envelope.
type HelloRequest struct {
	Type        string      `json:"type"`
	Version     int         `json:"version"`
	Transport   string      `json:"transport"`
	DeviceID    string      `json:"device_id"`
	DeviceName  string      `json:"device_name"`
	Features    Features    `json:"features"`
	AudioParams AudioParams `json:"audio_params"`
}

// Validate checks the fields required to accept a handshake. It returns a
// single joined error naming every problem found, not just the first.
func (h HelloRequest) Validate() error {
	var errs []error
	if h.Type != TypeHello {
		errs = append(errs, fmt.Errorf("wire: type must be %q, got %q", TypeHello, h.Type))
	}
	if h.DeviceID == "" {
		errs = append(errs, errors.New("wire: device_id is required"))
	}
	if h.AudioParams.Format != "opus" {
		errs = append(errs, fmt.Errorf("wire: audio_params.format must be \"opus\", got %q", h.AudioParams.Format))
	}
	if h.AudioParams.SampleRate != 16000 {
		errs = append(errs, fmt.Errorf("wire: audio_params.sample_rate must be 16000, got %d", h.AudioParams.SampleRate))
	}
	if h.AudioParams.Channels != 1 {
		errs = append(errs, fmt.Errorf("wire: audio_params.channels must be 1, got %d", h.AudioParams.Channels))
	}
	switch h.AudioParams.FrameDuration {
	case 0, 20, 40, 60:
	default:
		errs = append(errs, fmt.Errorf("wire: audio_params.frame_duration must be one of 20, 40, 60, got %d", h.AudioParams.FrameDuration))
	}
	return errors.Join(errs...)
}

// HelloReply is the server→client handshake acknowledgment: the request
// envelope echoed back with the negotiated session_id attached.
type HelloReply struct {
	Type        string      `json:"type"`
	Version     int         `json:"version"`
	Transport   string      `json:"transport"`
	DeviceID    string      `json:"device_id"`
	DeviceName  string      `json:"device_name,omitempty"`
	Features    Features    `json:"features"`
	AudioParams AudioParams `json:"audio_params"`
	SessionID   string      `json:"session_id"`
}

// Listen is the client→server envelope driving manual listen-state control.
type Listen struct {
	Type  string `json:"type"`
	State string `json:"state"` // "start" | "stop" | "detect"
	Mode  string `json:"mode,omitempty"` // "auto" | "manual"
}

// Abort is the client→server envelope preempting the active pipeline.
type Abort struct {
	Type   string `json:"type"`
	Reason string `json:"reason,omitempty"`
}

// Chat is the client→server text-only turn (bypassing STT).
type Chat struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	State string `json:"state"` // "complete"
}

// WakeWordDetected is the client→server wake-word pre-roll notification.
type WakeWordDetected struct {
	Type       string  `json:"type"`
	Keyword    string  `json:"keyword"`
	Confidence float64 `json:"confidence"`
}

// Iot carries device descriptor/state payloads. The kernel decodes the
// message and then drops it: its contents are neither interpreted, stored
// nor forwarded.
type Iot struct {
	Type        string          `json:"type"`
	Descriptors json.RawMessage `json:"descriptors,omitempty"`
	States      json.RawMessage `json:"states,omitempty"`
}

// Mcp carries a JSON-RPC 2.0 payload in either direction.
type Mcp struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Friend is the client→server relay request, and also the server→client
// delivered-message shape (From/Timestamp are populated only server-side).
type Friend struct {
	Type      string          `json:"type"`
	ClientID  string          `json:"clientid,omitempty"`
	From      string          `json:"from,omitempty"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// FriendAck is the server→client relay-delivery acknowledgment.
type FriendAck struct {
	Type   string `json:"type"`
	To     string `json:"to"`
	Status string `json:"status"` // "delivered" | "unknown" | "dropped"
}

// Stt is the server→client transcription result envelope.
type Stt struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Llm is the server→client streamed-response-text envelope.
type Llm struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	Emotion string `json:"emotion,omitempty"`
}

// Tts is the server→client audio-lifecycle envelope.
type Tts struct {
	Type  string `json:"type"`
	State string `json:"state"` // "start" | "sentence_start" | "stop"
	Text  string `json:"text,omitempty"`
}

// TtsFallback is emitted in place of audio when synthesis is unavailable;
// whether Text is meant to substitute for speech (e.g. read by an on-device
// TTS) or is informational only is a per-deployment decision — see
// DESIGN.md.
type TtsFallback struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// TtsDisabled announces that the session has no TTS adapter configured.
type TtsDisabled struct {
	Type string `json:"type"`
}

// Error is the server→client error envelope.
type Error struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// typeOnly is decoded first to read the discriminator before dispatching to
// the envelope-specific struct.
type typeOnly struct {
	Type string `json:"type"`
}

// DecodeClientEnvelope reads the "type" discriminator from raw and decodes
// it into the matching client→server struct, returned as `any`. Callers type
// switch on the result. Returns an error naming the unrecognized type or any
// JSON decode failure.
func DecodeClientEnvelope(raw []byte) (any, error) {
	var head typeOnly
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("wire: decode envelope: %w", err)
	}

	var v any
	switch head.Type {
	case TypeHello:
		v = &HelloRequest{}
	case TypeListen:
		v = &Listen{}
	case TypeAbort:
		v = &Abort{}
	case TypeChat:
		v = &Chat{}
	case TypeWakeWordDetected:
		v = &WakeWordDetected{}
	case TypeIot:
		v = &Iot{}
	case TypeMcp:
		v = &Mcp{}
	case TypeFriend:
		v = &Friend{}
	default:
		return nil, fmt.Errorf("wire: unrecognized envelope type %q", head.Type)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return nil, fmt.Errorf("wire: decode %q envelope: %w", head.Type, err)
	}
	return v, nil
}
