// Package codec implements Opus↔PCM framing for the 16 kHz mono device audio
// profile.
//
// Unlike the teacher's pkg/audio/discord package (48 kHz stereo Opus at a
// fixed 20 ms frame, one decoder per Discord participant), a device session
// negotiates its frame duration at hello from {20, 40, 60} ms and always
// speaks 16 kHz mono. The gopus wrapping, int16⇄byte conversion, and
// short-tail zero-padding policy are ported directly from that file and
// pkg/audio/convert.go; only the sample-rate/channel/duration parameters
// change.
package codec

import (
	"fmt"

	"layeh.com/gopus"
)

// SampleRate is the fixed PCM sample rate for the device audio profile.
const SampleRate = 16000

// Channels is the fixed channel count for the device audio profile (mono).
const Channels = 1

// AllowedFrameDurationsMs lists the frame durations a device may negotiate at
// hello. Any other value must be rejected at handshake.
var AllowedFrameDurationsMs = [...]int{20, 40, 60}

// ValidFrameDuration reports whether ms is one of the negotiable frame
// durations.
func ValidFrameDuration(ms int) bool {
	for _, v := range AllowedFrameDurationsMs {
		if v == ms {
			return true
		}
	}
	return false
}

// FrameSamples returns the number of PCM samples in one frame of the given
// duration at the fixed 16 kHz sample rate.
func FrameSamples(frameDurationMs int) int {
	return SampleRate * frameDurationMs / 1000
}

// FrameCodec decodes inbound Opus packets to PCM and encodes outbound PCM to
// Opus, at a fixed frame duration negotiated once per session. A FrameCodec
// owns its own decoder/encoder state and must not be shared across sessions.
type FrameCodec struct {
	frameDurationMs int
	frameSize       int // samples per frame
	dec             *gopus.Decoder
	enc             *gopus.Encoder
}

// New constructs a FrameCodec for the given frame duration (20, 40, or 60 ms).
// Returns an error if frameDurationMs is not one of the negotiable values.
func New(frameDurationMs int) (*FrameCodec, error) {
	if !ValidFrameDuration(frameDurationMs) {
		return nil, fmt.Errorf("codec: frame duration %dms not in %v", frameDurationMs, AllowedFrameDurationsMs)
	}

	dec, err := gopus.NewDecoder(SampleRate, Channels)
	if err != nil {
		return nil, fmt.Errorf("codec: create opus decoder: %w", err)
	}
	enc, err := gopus.NewEncoder(SampleRate, Channels, gopus.Audio)
	if err != nil {
		return nil, fmt.Errorf("codec: create opus encoder: %w", err)
	}

	return &FrameCodec{
		frameDurationMs: frameDurationMs,
		frameSize:       FrameSamples(frameDurationMs),
		dec:             dec,
		enc:             enc,
	}, nil
}

// FrameDurationMs returns the negotiated frame duration in milliseconds.
func (c *FrameCodec) FrameDurationMs() int { return c.frameDurationMs }

// Decode decodes one Opus packet into little-endian int16 PCM bytes. A
// zero-length packet is the end-of-input sentinel and is returned as (nil,
// nil) without touching the decoder — callers must check for this case before
// treating a nil return as an error.
//
// A decode failure is recoverable: callers should drop the frame, increment a
// counter, and continue — it must never tear down the session.
func (c *FrameCodec) Decode(opusPacket []byte) ([]byte, error) {
	if len(opusPacket) == 0 {
		return nil, nil
	}
	pcm, err := c.dec.Decode(opusPacket, c.frameSize, false)
	if err != nil {
		return nil, fmt.Errorf("codec: opus decode: %w", err)
	}
	return int16sToBytes(pcm), nil
}

// Encode encodes one block of little-endian int16 PCM bytes into an Opus
// packet. A residual block shorter than one frame is zero-padded before
// encoding (lossy tail policy: the padding is silence, not original signal).
func (c *FrameCodec) Encode(pcmBytes []byte) ([]byte, error) {
	need := c.frameSize * 2
	if len(pcmBytes) < need {
		padded := make([]byte, need)
		copy(padded, pcmBytes)
		pcmBytes = padded
	}
	pcm := bytesToInt16s(pcmBytes)
	opusPacket, err := c.enc.Encode(pcm, c.frameSize, len(pcmBytes))
	if err != nil {
		return nil, fmt.Errorf("codec: opus encode: %w", err)
	}
	return opusPacket, nil
}

// int16sToBytes converts a slice of int16 PCM samples to little-endian bytes.
func int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// bytesToInt16s converts little-endian bytes to a slice of int16 PCM samples.
func bytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}
