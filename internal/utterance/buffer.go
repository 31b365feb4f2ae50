// Package utterance implements the fixed-capacity PCM accumulator backing one
// in-progress utterance.
//
// It plays the same role the teacher's orchestrator.UtteranceBuffer plays for
// cross-device text awareness — a capacity-bounded store with eviction on
// overflow — but repurposed: this buffer holds raw PCM for exactly one
// utterance rather than a rolling window of many, evicts by truncating the
// tail instead of dropping the head, and is single-writer/single-reader
// rather than RWMutex-shared across readers.
package utterance

import "sync"

// Buffer is a fixed-capacity ring of PCM bytes scoped to one in-progress
// utterance. Append is the ingest path (single writer); Finalize is the
// pipeline path (single reader) and may only be called once.
type Buffer struct {
	mu        sync.Mutex
	data      []byte
	maxBytes  int
	truncated bool
	final     bool
}

// NewBuffer constructs a Buffer capped at maxDuration of PCM at the given
// sample rate, 16-bit mono (2 bytes per sample).
func NewBuffer(maxDurationMs, sampleRate int) *Buffer {
	maxSamples := sampleRate * maxDurationMs / 1000
	return &Buffer{
		data:     make([]byte, 0, maxSamples*2),
		maxBytes: maxSamples * 2,
	}
}

// Append adds a decoded PCM chunk to the buffer. It reports overflow=true
// when the chunk fills the buffer to exactly its capacity or would exceed
// it; in that case only the bytes that fit are kept and the caller must treat this as a forced
// speech-end (finalize immediately — the buffer accepts no further data).
//
// Append on an already-finalized buffer is a no-op returning overflow=false;
// callers must not append after Finalize.
func (b *Buffer) Append(pcm []byte) (overflow bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.final {
		return false
	}

	room := b.maxBytes - len(b.data)
	if len(pcm) >= room {
		b.data = append(b.data, pcm[:room]...)
		b.truncated = true
		return true
	}
	b.data = append(b.data, pcm...)
	return false
}

// Finalize closes the buffer to further writes and returns a contiguous view
// of the accumulated PCM along with whether the utterance was truncated by
// capacity overflow. Finalize is idempotent: subsequent calls return the same
// view.
func (b *Buffer) Finalize() (pcm []byte, truncated bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.final = true
	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out, b.truncated
}

// Len reports the number of PCM bytes currently held.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}
