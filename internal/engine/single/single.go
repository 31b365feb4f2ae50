// Package single implements a single-model STT → LLM → TTS voice engine.
//
// Unlike the fast/strong dual-model cascade used for latency-critical voice
// dialogue, a device session talks to exactly one LLM per turn. Process blocks
// until the full reply text (and any tool calls) is available, while audio is
// streamed to TTS sentence-by-sentence as the model generates it so playback
// can start before generation finishes.
package single

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/voicegate/gateway/internal/engine"
	"github.com/voicegate/gateway/internal/mcp"
	"github.com/voicegate/gateway/pkg/memory"
	"github.com/voicegate/gateway/pkg/provider/llm"
	"github.com/voicegate/gateway/pkg/provider/stt"
	"github.com/voicegate/gateway/pkg/provider/tts"
	"github.com/voicegate/gateway/pkg/types"
)

const (
	// defaultTranscriptBuf is the default buffer depth of the transcript channel.
	defaultTranscriptBuf = 32

	// defaultTextBuf is the buffer depth of the text channel passed to TTS.
	// Sized to absorb several sentences without blocking the generation loop.
	defaultTextBuf = 16

	// minFallbackSentenceChars is the rune count after which an otherwise
	// unpunctuated whitespace run is treated as a sentence boundary, so TTS
	// starts on long unpunctuated output instead of buffering indefinitely.
	minFallbackSentenceChars = 80
)

// asciiSentenceTerminators and cjkSentenceTerminators are the punctuation
// runes that end a sentence. ASCII terminators require trailing whitespace
// to disambiguate from abbreviations/decimals; CJK terminators end a
// sentence on their own since CJK text is not conventionally
// space-delimited.
const (
	asciiSentenceTerminators = ".!?"
	cjkSentenceTerminators   = "。？！；"
)

// Engine implements [engine.VoiceEngine] using a single LLM for the full reply.
//
// Engine is safe for concurrent use. Only one [Engine.Process] call should be in
// flight per session at a time; concurrent calls are not coordinated against
// each other beyond the internal mutex guarding shared state.
type Engine struct {
	llmP llm.Provider
	sttP stt.Provider // nil = STT is skipped; input audio is ignored
	ttsP tts.Provider
	voice tts.VoiceProfile

	transcriptBuf int

	mu            sync.Mutex
	toolHandler   func(name, args string) (string, error)
	tools         []llm.ToolDefinition
	pendingUpdate *engine.ContextUpdate
	transcriptCh  chan memory.TranscriptEntry
	done          chan struct{}
	closed        bool
}

// Compile-time assertion that Engine satisfies the engine.VoiceEngine interface.
var _ engine.VoiceEngine = (*Engine)(nil)

// Option is a functional option for configuring an Engine during construction.
type Option func(*Engine)

// WithSTT configures an STT provider for audio input processing. When set,
// [Engine.Process] transcribes the supplied audio frame before calling the LLM.
// If nil, the input frame is ignored and the caller is expected to have already
// appended the user's utterance to PromptContext.Messages.
func WithSTT(s stt.Provider) Option {
	return func(e *Engine) { e.sttP = s }
}

// WithTranscriptBuffer sets the buffer capacity of the transcript channel
// returned by [Engine.Transcripts]. Default is 32.
func WithTranscriptBuffer(n int) Option {
	return func(e *Engine) { e.transcriptBuf = n }
}

// New constructs a single-model Engine backed by the given providers and voice
// profile. llmP and ttsP must be non-nil. Options are applied after the engine
// is initialised with its defaults.
func New(llmP llm.Provider, ttsP tts.Provider, voice tts.VoiceProfile, opts ...Option) *Engine {
	e := &Engine{
		llmP:          llmP,
		ttsP:          ttsP,
		voice:         voice,
		transcriptBuf: defaultTranscriptBuf,
		done:          make(chan struct{}),
	}
	for _, o := range opts {
		o(e)
	}
	// Create transcript channel after options so WithTranscriptBuffer takes effect.
	e.transcriptCh = make(chan memory.TranscriptEntry, e.transcriptBuf)
	return e
}

// ─── VoiceEngine interface ────────────────────────────────────────────────────

// Process handles a complete voice interaction.
//
// It applies any pending [engine.ContextUpdate] from a prior [Engine.InjectContext]
// call, transcribes input via the configured STT provider (if any), streams the
// LLM's reply, and pipes completed sentences to TTS as they are produced. Process
// blocks until the LLM has finished generating so the returned [engine.Response]
// carries the complete Text and any ToolCalls; audio continues streaming on
// [engine.Response.Audio] after Process returns if synthesis has not caught up.
func (e *Engine) Process(ctx context.Context, input types.AudioFrame, prompt engine.PromptContext) (*engine.Response, error) {
	e.mu.Lock()
	if e.pendingUpdate != nil {
		prompt = mergeContextUpdate(prompt, *e.pendingUpdate)
		e.pendingUpdate = nil
	}
	tools := make([]llm.ToolDefinition, len(e.tools))
	copy(tools, e.tools)
	e.mu.Unlock()

	var sttText string
	if e.sttP != nil && len(input.Data) > 0 {
		transcript, err := e.transcribe(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("single: transcription failed: %w", err)
		}
		if transcript.Text != "" {
			sttText = transcript.Text
			prompt.Messages = append(prompt.Messages, llm.Message{
				Role:    "user",
				Content: transcript.Text,
			})
			e.emitTranscript(memory.TranscriptEntry{
				Text:        transcript.Text,
				RawText:     transcript.Text,
				IsAssistant: false,
			})
		}
	}

	req := e.buildPrompt(prompt, filterToolsByBudget(tools, prompt.BudgetTier))

	llmCh, err := e.llmP.StreamCompletion(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("single: LLM stream failed: %w", err)
	}

	textCh := make(chan string, defaultTextBuf)
	audioCh, err := e.ttsP.SynthesizeStream(ctx, textCh, e.voice)
	if err != nil {
		close(textCh)
		drainChunks(llmCh)
		return nil, fmt.Errorf("single: TTS start failed: %w", err)
	}

	resp := &engine.Response{Audio: audioCh, SttText: sttText}
	full, toolCalls, streamErr := e.forwardSentences(ctx, llmCh, textCh)
	resp.Text = full
	resp.ToolCalls = toolCalls
	if streamErr != nil {
		resp.SetStreamErr(streamErr)
	}

	if full != "" {
		e.emitTranscript(memory.TranscriptEntry{
			Text:        full,
			RawText:     full,
			IsAssistant: true,
		})
	}

	return resp, nil
}

// InjectContext queues a context update to be merged on the next [Engine.Process]
// call. It is non-blocking and safe to call concurrently.
func (e *Engine) InjectContext(_ context.Context, update engine.ContextUpdate) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pendingUpdate = &update
	return nil
}

// SetTools replaces the tool set offered to the LLM on the next [Engine.Process]
// call. Pass a nil or empty slice to disable tool calling.
func (e *Engine) SetTools(tools []llm.ToolDefinition) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(tools) == 0 {
		e.tools = nil
		return nil
	}
	cp := make([]llm.ToolDefinition, len(tools))
	copy(cp, tools)
	e.tools = cp
	return nil
}

// OnToolCall registers handler as the executor for LLM tool calls. Execution is
// the caller's responsibility: the handler is stored for the orchestrator to use
// when acting on [engine.Response.ToolCalls]; Process itself never invokes it.
func (e *Engine) OnToolCall(handler func(name string, args string) (string, error)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.toolHandler = handler
}

// Transcripts returns a read-only channel that emits [memory.TranscriptEntry]
// values. The channel is closed when the engine is closed.
//
// The returned channel is the same value for the lifetime of the engine — it is
// assigned once in [New] and never mutated — so no lock is required.
func (e *Engine) Transcripts() <-chan memory.TranscriptEntry {
	return e.transcriptCh
}

// Close releases all resources held by the engine and closes the Transcripts
// channel. Close is safe to call multiple times; subsequent calls return nil.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	close(e.done)
	close(e.transcriptCh)
	return nil
}

// ─── Internal helpers ─────────────────────────────────────────────────────────

// emitTranscript publishes entry on the transcript channel without blocking the
// caller indefinitely if the channel is full or the engine has been closed.
func (e *Engine) emitTranscript(entry memory.TranscriptEntry) {
	select {
	case e.transcriptCh <- entry:
	case <-e.done:
	default:
	}
}

// transcribe runs input through the configured STT provider and returns the
// final transcript. Partial results are drained and discarded; only the last
// final transcript received before the session closes is returned.
func (e *Engine) transcribe(ctx context.Context, input types.AudioFrame) (types.Transcript, error) {
	sess, err := e.sttP.StartStream(ctx, stt.StreamConfig{
		SampleRate: input.SampleRate,
		Channels:   input.Channels,
	})
	if err != nil {
		return types.Transcript{}, fmt.Errorf("start stream: %w", err)
	}

	var final types.Transcript
	done := make(chan struct{})
	go func() {
		defer close(done)
		for t := range sess.Finals() {
			final = t
		}
	}()
	go func() {
		for range sess.Partials() {
		}
	}()

	if err := sess.SendAudio(input.Data); err != nil {
		sess.Close()
		return types.Transcript{}, fmt.Errorf("send audio: %w", err)
	}
	if err := sess.Close(); err != nil {
		return types.Transcript{}, fmt.Errorf("close session: %w", err)
	}

	select {
	case <-done:
		return final, nil
	case <-ctx.Done():
		return types.Transcript{}, ctx.Err()
	}
}

// buildPrompt constructs the [llm.CompletionRequest] from prompt and tools.
func (e *Engine) buildPrompt(prompt engine.PromptContext, tools []llm.ToolDefinition) llm.CompletionRequest {
	var sb strings.Builder
	sb.WriteString(prompt.SystemPrompt)
	if prompt.HotContext != "" {
		sb.WriteString("\n\n")
		sb.WriteString(prompt.HotContext)
	}
	for _, r := range prompt.PreFetchResults {
		sb.WriteString("\n\n")
		sb.WriteString(r)
	}

	msgs := make([]llm.Message, len(prompt.Messages))
	copy(msgs, prompt.Messages)

	return llm.CompletionRequest{
		SystemPrompt: sb.String(),
		Messages:     msgs,
		Tools:        tools,
	}
}

// forwardSentences reads token chunks from ch, accumulates them into complete
// sentences, and writes each sentence to textCh as soon as it is ready so TTS
// can start speaking before the whole reply is generated. It returns the full
// accumulated text, any tool calls seen across the stream, and the error (if
// any) that caused the stream to end early.
func (e *Engine) forwardSentences(ctx context.Context, ch <-chan llm.Chunk, textCh chan<- string) (string, []llm.ToolCall, error) {
	defer close(textCh)

	var full strings.Builder
	var buf strings.Builder
	var toolCalls []llm.ToolCall

	for {
		select {
		case <-ctx.Done():
			return full.String(), toolCalls, ctx.Err()
		case chunk, ok := <-ch:
			if !ok {
				flush(ctx, textCh, &buf)
				return full.String(), toolCalls, nil
			}

			if chunk.Text != "" {
				full.WriteString(chunk.Text)
				buf.WriteString(chunk.Text)
			}
			if len(chunk.ToolCalls) > 0 {
				toolCalls = append(toolCalls, chunk.ToolCalls...)
			}

			for {
				idx := firstSentenceBoundary(buf.String())
				if idx < 0 {
					break
				}
				sentence := buf.String()[:idx+1]
				rest := buf.String()[idx+1:]
				buf.Reset()
				buf.WriteString(strings.TrimLeft(rest, " \t\n\r"))
				select {
				case textCh <- sentence:
				case <-ctx.Done():
					return full.String(), toolCalls, ctx.Err()
				}
			}

			if chunk.FinishReason != "" {
				flush(ctx, textCh, &buf)
				return full.String(), toolCalls, nil
			}
		}
	}
}

// flush sends any remaining buffered text to textCh and resets buf.
func flush(ctx context.Context, textCh chan<- string, buf *strings.Builder) {
	if buf.Len() == 0 {
		return
	}
	select {
	case textCh <- buf.String():
	case <-ctx.Done():
	}
	buf.Reset()
}

// firstSentenceBoundary returns the byte index of the last byte of the first
// complete sentence in s: an ASCII terminator followed by whitespace, a CJK
// terminator on its own, or — past minFallbackSentenceChars runes with
// neither — the start of a whitespace run. Returns -1 if s has no boundary
// yet.
func firstSentenceBoundary(s string) int {
	runeCount := 0
	prevEnd := 0
	for i, r := range s {
		switch {
		case strings.ContainsRune(asciiSentenceTerminators, r):
			if next, size := utf8.DecodeRuneInString(s[i+1:]); size > 0 && isSentenceWhitespace(next) {
				return i
			}
		case strings.ContainsRune(cjkSentenceTerminators, r):
			return i + utf8.RuneLen(r) - 1
		case isSentenceWhitespace(r):
			if runeCount >= minFallbackSentenceChars && prevEnd > 0 {
				return prevEnd - 1
			}
		}
		runeCount++
		prevEnd = i + utf8.RuneLen(r)
	}
	return -1
}

func isSentenceWhitespace(r rune) bool {
	switch r {
	case ' ', '\n', '\r', '\t':
		return true
	default:
		return false
	}
}

// drainChunks discards all remaining chunks from ch. Used to prevent the LLM
// provider's internal goroutine from blocking when Process aborts before the
// stream is exhausted.
func drainChunks(ch <-chan llm.Chunk) {
	go func() {
		for range ch {
		}
	}()
}

// filterToolsByBudget returns the subset of tools whose estimated duration fits
// within tier's latency budget. Tools with no declared estimate are always kept.
func filterToolsByBudget(tools []llm.ToolDefinition, tier mcp.BudgetTier) []llm.ToolDefinition {
	if len(tools) == 0 {
		return nil
	}
	maxMs := tier.MaxLatencyMs()
	out := make([]llm.ToolDefinition, 0, len(tools))
	for _, t := range tools {
		if t.EstimatedDurationMs == 0 || t.EstimatedDurationMs <= maxMs {
			out = append(out, t)
		}
	}
	return out
}

// mergeContextUpdate applies a [engine.ContextUpdate] onto a [engine.PromptContext],
// returning the merged result. Zero-value fields in update are ignored.
func mergeContextUpdate(prompt engine.PromptContext, update engine.ContextUpdate) engine.PromptContext {
	if update.Identity != "" {
		prompt.SystemPrompt = update.Identity
	}
	if update.Scene != "" {
		prompt.HotContext = update.Scene
	}
	if len(update.RecentUtterances) > 0 {
		extra := make([]llm.Message, len(update.RecentUtterances))
		for i, u := range update.RecentUtterances {
			role := "user"
			if u.IsAssistant {
				role = "assistant"
			}
			extra[i] = llm.Message{
				Role:    role,
				Content: u.Text,
				Name:    u.SpeakerName,
			}
		}
		msgs := make([]llm.Message, len(prompt.Messages)+len(extra))
		copy(msgs, prompt.Messages)
		copy(msgs[len(prompt.Messages):], extra)
		prompt.Messages = msgs
	}
	return prompt
}
