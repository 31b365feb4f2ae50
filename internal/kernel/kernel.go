// Package kernel implements the per-connection session state machine: the
// handshake, listen-mode/VAD-driven utterance assembly, STT→LLM→TTS pipeline
// orchestration, barge-in cancellation, outbound serialization, and friend
// relay.
//
// Grounded on internal/engine/single/single.go's cancellation shape
// (Response.Err()/SetStreamErr, generalized here to a per-PipelineRun
// context.CancelFunc) and on the config package's "validate at the boundary,
// report one aggregate error" idiom for envelope handling.
package kernel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voicegate/gateway/internal/codec"
	"github.com/voicegate/gateway/internal/engine"
	"github.com/voicegate/gateway/internal/mcp"
	"github.com/voicegate/gateway/internal/peer"
	"github.com/voicegate/gateway/internal/utterance"
	"github.com/voicegate/gateway/internal/wire"
	"github.com/voicegate/gateway/pkg/provider/vad"
	"github.com/voicegate/gateway/pkg/types"
)

// State is a SessionKernel lifecycle state.
type State int

const (
	StateGreeting State = iota
	StateReady
	StateListening
	StateThinking
	StateSpeaking
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateGreeting:
		return "greeting"
	case StateReady:
		return "ready"
	case StateListening:
		return "listening"
	case StateThinking:
		return "thinking"
	case StateSpeaking:
		return "speaking"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// Writer is the single outbound-frame sink a Kernel drives. ConnectionMux
// supplies the live WebSocket implementation; tests supply a recorder.
type Writer interface {
	WriteJSON(v any) error
	WriteBinary(b []byte) error
}

// Config holds the tunables governing one session's kernel.
type Config struct {
	MaxUtteranceMs      int
	OutboundQueueDepth  int
	MaxConsecutiveDrops int
	HandshakeTimeout    time.Duration
	IdleTimeout         time.Duration
	VAD                 vad.Config
	SystemPrompt        string
}

// DefaultConfig returns the spec's suggested defaults.
func DefaultConfig() Config {
	return Config{
		MaxUtteranceMs:      30_000,
		OutboundQueueDepth:  200,
		MaxConsecutiveDrops: 5,
		HandshakeTimeout:    10 * time.Second,
		IdleTimeout:         60 * time.Second,
		VAD: vad.Config{
			SampleRate:       codec.SampleRate,
			FrameSizeMs:      20,
			SpeechThreshold:  0.5,
			SilenceThreshold: 0.35,
		},
	}
}

// Kernel owns one connection's full lifecycle: handshake, listen-state,
// utterance assembly, pipeline orchestration, and outbound serialization.
//
// A Kernel is driven by its owner (ConnectionMux) feeding HandleText and
// HandleBinary as frames arrive from the socket; Kernel drives the outbound
// writer itself via an internal goroutine started by Start.
type Kernel struct {
	cfg    Config
	writer Writer
	eng    engine.VoiceEngine
	vadEng vad.Engine
	peers  *peer.Registry
	codec  *codec.FrameCodec
	logger *slog.Logger

	mu          sync.Mutex
	state       State
	sessionID   string
	deviceID    string
	clientID    string
	listenMode  string
	vadSession  vad.SessionHandle
	buf         *utterance.Buffer
	sub         *mcp.Subsession
	mcpEnabled  bool
	lastActive  time.Time
	cancelRun   context.CancelFunc
	pipelineWG  sync.WaitGroup

	outq       *outboundQueue
	writerDone chan struct{}
	closeOnce  sync.Once
}

// New constructs a Kernel in StateGreeting. The Kernel has no FrameCodec
// until the hello handshake: handleHello builds it from the frame duration
// the client requests (60ms when the client leaves it unset), and binary
// frames received before then are ignored.
func New(cfg Config, writer Writer, eng engine.VoiceEngine, vadEng vad.Engine, peers *peer.Registry, logger *slog.Logger) *Kernel {
	if logger == nil {
		logger = slog.Default()
	}
	k := &Kernel{
		cfg:        cfg,
		writer:     writer,
		eng:        eng,
		vadEng:     vadEng,
		peers:      peers,
		logger:     logger,
		state:      StateGreeting,
		listenMode: "auto",
		outq:       newOutboundQueue(cfg.OutboundQueueDepth, cfg.MaxConsecutiveDrops),
		writerDone: make(chan struct{}),
		lastActive: time.Now(),
	}
	k.outq.OnCongestion(k.onCongestion)
	return k
}

// Start launches the outbound writer goroutine. Must be called once before
// any HandleText/HandleBinary call.
func (k *Kernel) Start() {
	go k.runWriter()
}

// State reports the kernel's current lifecycle state.
func (k *Kernel) State() State {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.state
}

// SessionID reports the assigned session-id, empty before handshake
// completes.
func (k *Kernel) SessionID() string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.sessionID
}

// runWriter drains the outbound queue to the socket until Close.
func (k *Kernel) runWriter() {
	defer close(k.writerDone)
	for {
		msg, ok := k.outq.Pop()
		if !ok {
			return
		}
		var err error
		if msg.kind == outboundAudio {
			err = k.writer.WriteBinary(msg.audio)
		} else {
			err = k.writer.WriteJSON(msg.control)
		}
		if err != nil {
			k.logger.Warn("kernel: outbound write failed", "error", err)
		}
	}
}

func (k *Kernel) emit(v any) {
	k.outq.Push(outboundMsg{kind: outboundControl, control: v})
}

func (k *Kernel) emitAudio(frame []byte) {
	k.outq.Push(outboundMsg{kind: outboundAudio, audio: frame})
}

func (k *Kernel) emitError(code ErrorCode, message string) {
	k.emit(wire.Error{Type: wire.TypeError, Code: string(code), Message: message})
}

// touch records inbound activity for idle-timeout tracking.
func (k *Kernel) touch() {
	k.mu.Lock()
	k.lastActive = time.Now()
	k.mu.Unlock()
}

// IdleSince reports how long it has been since the last inbound frame.
func (k *Kernel) IdleSince() time.Duration {
	k.mu.Lock()
	defer k.mu.Unlock()
	return time.Since(k.lastActive)
}

// HandleText decodes and dispatches one inbound JSON control envelope.
func (k *Kernel) HandleText(raw []byte) {
	k.touch()

	env, err := wire.DecodeClientEnvelope(raw)
	if err != nil {
		k.handleProtocolError(err)
		return
	}

	switch v := env.(type) {
	case *wire.HelloRequest:
		k.handleHello(v)
	case *wire.Listen:
		k.handleListen(v)
	case *wire.Abort:
		k.handleAbort(v)
	case *wire.Chat:
		k.handleChat(v)
	case *wire.WakeWordDetected:
		// Informational pre-roll; no state transition defined beyond
		// surfacing it for optional device-side UI, so no-op here.
	case *wire.Iot:
		// Opaque session state; the kernel does not interpret it.
	case *wire.Mcp:
		k.handleMcpFrame(v)
	case *wire.Friend:
		k.handleFriend(v)
	}
}

func (k *Kernel) handleProtocolError(err error) {
	k.mu.Lock()
	state := k.state
	k.mu.Unlock()

	pe := &ProtocolError{Reason: err.Error()}
	if state == StateGreeting {
		k.emitError(pe.Code(), pe.Error())
		k.closeSession("handshake failed: " + err.Error())
		return
	}
	k.emitError(pe.Code(), pe.Error())
}

// HandleBinary decodes one inbound Opus frame (or the zero-length
// end-of-stream sentinel). During Listening it feeds the active
// AudioBuffer/VAD session; during Thinking/Speaking it still runs VAD so a
// speech-start edge can barge in on the in-flight PipelineRun.
func (k *Kernel) HandleBinary(frame []byte) {
	k.touch()

	k.mu.Lock()
	state := k.state
	buf := k.buf
	c := k.codec
	vadSess := k.vadSession
	mode := k.listenMode
	k.mu.Unlock()

	if c == nil {
		return
	}

	switch state {
	case StateListening:
		if buf == nil {
			return
		}
		pcm, err := c.Decode(frame)
		if err != nil {
			k.logger.Debug("kernel: codec decode failed, dropping frame", "error", err)
			return
		}
		if pcm == nil {
			// End-of-input sentinel: treat as an immediate speech-end.
			k.finalizeUtterance(false)
			return
		}

		overflow := buf.Append(pcm)
		if overflow {
			k.finalizeUtterance(true)
			return
		}

		if mode == "auto" && vadSess != nil {
			ev, err := vadSess.ProcessFrame(pcm)
			if err != nil {
				k.logger.Debug("kernel: vad processing failed", "error", err)
				return
			}
			switch ev.Type {
			case vad.VADSpeechEnd:
				k.finalizeUtterance(false)
			case vad.VADSpeechStart:
				// Barge-in mid-listen with no active pipeline is a no-op; a
				// speech-start while already listening simply continues the
				// same utterance.
			}
		}

	case StateThinking, StateSpeaking:
		if mode != "auto" || vadSess == nil {
			return
		}
		pcm, err := c.Decode(frame)
		if err != nil || pcm == nil {
			return
		}
		ev, err := vadSess.ProcessFrame(pcm)
		if err != nil {
			k.logger.Debug("kernel: vad processing failed", "error", err)
			return
		}
		if ev.Type == vad.VADSpeechStart {
			k.bargeIn(pcm)
		}
	}
}

// handleHello performs the Greeting→Ready transition.
func (k *Kernel) handleHello(h *wire.HelloRequest) {
	k.mu.Lock()
	if k.state != StateGreeting {
		k.mu.Unlock()
		return
	}
	k.mu.Unlock()

	if err := h.Validate(); err != nil {
		k.emitError(ErrProtocol, err.Error())
		k.closeSession("invalid hello: " + err.Error())
		return
	}

	frameMs := h.AudioParams.FrameDuration
	if frameMs == 0 {
		frameMs = 60
	}
	fc, err := codec.New(frameMs)
	if err != nil {
		k.emitError(ErrCodec, err.Error())
		k.closeSession("unsupported audio params: " + err.Error())
		return
	}

	sessionID := uuid.NewString()

	k.mu.Lock()
	k.sessionID = sessionID
	k.deviceID = h.DeviceID
	k.codec = fc
	k.mcpEnabled = h.Features.MCP
	k.state = StateReady
	k.mu.Unlock()

	reply := wire.HelloReply{
		Type:       wire.TypeHello,
		Version:    h.Version,
		Transport:  h.Transport,
		DeviceID:   h.DeviceID,
		DeviceName: h.DeviceName,
		Features:   h.Features,
		AudioParams: wire.AudioParams{
			Format:        "opus",
			SampleRate:    codec.SampleRate,
			Channels:      codec.Channels,
			FrameDuration: frameMs,
		},
		SessionID: sessionID,
	}
	k.emit(reply)

	if k.peers != nil {
		k.peers.Publish(h.DeviceID, kernelPeerHandle{k})
	}

	if h.Features.MCP {
		k.mu.Lock()
		k.sub = mcp.NewSubsession(func(payload json.RawMessage) error {
			k.emit(wire.Mcp{Type: wire.TypeMcp, Payload: payload})
			return nil
		})
		k.mu.Unlock()
		go k.initMCP()
	}
}

// initMCP drives the MCP initialize → tools/list exchange and wires the
// merged tool set into the engine. Runs off the hot path since it may block
// on device round-trips.
func (k *Kernel) initMCP() {
	k.mu.Lock()
	sub := k.sub
	k.mu.Unlock()
	if sub == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), mcp.DefaultPendingTimeout)
	defer cancel()

	if _, err := sub.Initialize(ctx, "2024-11-05", map[string]any{}, map[string]any{"name": "gateway-kernel"}); err != nil {
		k.emitError(ErrMcp, fmt.Sprintf("mcp initialize failed: %v", err))
		return
	}
	tools, err := sub.ListTools(ctx)
	if err != nil {
		k.emitError(ErrMcp, fmt.Sprintf("mcp tools/list failed: %v", err))
		return
	}
	if err := k.eng.SetTools(tools); err != nil {
		k.logger.Warn("kernel: SetTools from device MCP catalogue failed", "error", err)
	}
}

func (k *Kernel) handleMcpFrame(m *wire.Mcp) {
	k.mu.Lock()
	sub := k.sub
	k.mu.Unlock()
	if sub == nil {
		return
	}
	if err := sub.HandleInbound(m.Payload); err != nil {
		k.logger.Debug("kernel: dropping malformed/unknown mcp frame", "error", err)
	}
}

// handleListen drives the Ready→Listening transition in manual mode and
// manual listen:stop/start overrides.
func (k *Kernel) handleListen(l *wire.Listen) {
	k.mu.Lock()
	state := k.state
	k.mu.Unlock()

	if l.Mode != "" {
		k.mu.Lock()
		k.listenMode = l.Mode
		k.mu.Unlock()
	}

	switch l.State {
	case "start":
		switch state {
		case StateReady:
			k.openUtterance()
		case StateThinking, StateSpeaking:
			k.bargeIn(nil)
		}
	case "stop":
		if state == StateListening {
			k.finalizeUtterance(false)
		}
	}
}

// openUtterance performs the Ready→Listening transition: open AudioBuffer,
// allocate utterance-id (the buffer itself is the utterance's identity for
// this implementation's purposes).
func (k *Kernel) openUtterance() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.state != StateReady {
		return
	}
	k.openUtteranceLocked()
}

// openUtteranceLocked allocates a fresh AudioBuffer/VAD session and
// transitions to Listening. Caller must hold k.mu and have already verified
// the current state permits the transition.
func (k *Kernel) openUtteranceLocked() {
	k.buf = utterance.NewBuffer(k.cfg.MaxUtteranceMs, codec.SampleRate)
	if k.vadEng != nil {
		vcfg := k.cfg.VAD
		if k.codec != nil {
			// VAD consumes the decoded frames as they arrive, so its frame
			// size is the duration negotiated at hello.
			vcfg.FrameSizeMs = k.codec.FrameDurationMs()
		}
		sess, err := k.vadEng.NewSession(vcfg)
		if err == nil {
			k.vadSession = sess
		}
	}
	k.state = StateListening
}

// bargeIn performs the Thinking/Speaking→Listening transition: cancel the
// active PipelineRun, tell the client its TTS output stopped, and open a new
// utterance. initialPCM, when non-nil, is the decoded frame whose VAD
// speech-start edge triggered the barge-in and is folded into the new
// utterance's buffer so it isn't lost.
func (k *Kernel) bargeIn(initialPCM []byte) {
	k.mu.Lock()
	if k.state != StateThinking && k.state != StateSpeaking {
		k.mu.Unlock()
		return
	}
	cancel := k.cancelRun
	if k.vadSession != nil {
		k.vadSession.Close()
		k.vadSession = nil
	}
	k.openUtteranceLocked()
	if initialPCM != nil {
		k.buf.Append(initialPCM)
	}
	k.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	k.emit(wire.Tts{Type: wire.TypeTts, State: "stop"})
}

// finalizeUtterance performs the Listening→Thinking transition: finalize
// the buffer and start a PipelineRun.
func (k *Kernel) finalizeUtterance(truncated bool) {
	k.mu.Lock()
	if k.state != StateListening || k.buf == nil {
		k.mu.Unlock()
		return
	}
	pcm, bufTruncated := k.buf.Finalize()
	truncated = truncated || bufTruncated
	k.buf = nil
	k.mu.Unlock()

	if truncated {
		k.logger.Warn("kernel: utterance truncated by buffer overflow")
	}

	if len(pcm) == 0 {
		// An empty utterance (e.g. a zero-length frame immediately after
		// listen:start) is discarded without invoking STT.
		k.returnToReady()
		return
	}

	k.mu.Lock()
	k.state = StateThinking
	k.mu.Unlock()

	k.startPipeline(types.AudioFrame{
		Data:       pcm,
		SampleRate: codec.SampleRate,
		Channels:   codec.Channels,
	})
}

// handleChat drives a text-only turn (no STT) straight into a PipelineRun,
// valid from Ready.
func (k *Kernel) handleChat(c *wire.Chat) {
	k.mu.Lock()
	if k.state != StateReady {
		k.mu.Unlock()
		return
	}
	k.state = StateThinking
	k.mu.Unlock()

	k.startPipelineWithText(c.Text)
}

// startPipeline runs the STT→LLM→TTS pipeline for one recorded utterance.
// Cancelling any prior run and starting a new one is the barge-in
// mechanism: only one PipelineRun may be active at a time.
func (k *Kernel) startPipeline(frame types.AudioFrame) {
	k.runPipeline(func(ctx context.Context) (*engine.Response, error) {
		return k.eng.Process(ctx, frame, engine.PromptContext{SystemPrompt: k.cfg.SystemPrompt})
	})
}

func (k *Kernel) startPipelineWithText(text string) {
	k.runPipeline(func(ctx context.Context) (*engine.Response, error) {
		return k.eng.Process(ctx, types.AudioFrame{}, engine.PromptContext{
			SystemPrompt: k.cfg.SystemPrompt,
			Messages:     []types.Message{{Role: "user", Content: text}},
		})
	})
}

func (k *Kernel) runPipeline(invoke func(ctx context.Context) (*engine.Response, error)) {
	ctx, cancel := context.WithCancel(context.Background())

	k.mu.Lock()
	if k.cancelRun != nil {
		k.cancelRun() // preempt any prior run — only one PipelineRun is active
	}
	k.cancelRun = cancel
	k.mu.Unlock()

	k.pipelineWG.Add(1)
	go func() {
		defer k.pipelineWG.Done()
		defer cancel()
		k.drivePipeline(ctx, invoke)
	}()
}

// drivePipeline executes one PipelineRun to completion: emit stt/llm control
// frames as they become available, stream TTS audio through the outbound
// queue framed by the negotiated codec, and return the session to Ready.
func (k *Kernel) drivePipeline(ctx context.Context, invoke func(ctx context.Context) (*engine.Response, error)) {
	resp, err := invoke(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return // cancelled by abort/barge-in; the new run owns the session now
		}
		ae := &AdapterError{Adapter: "engine", Cause: err, Transient: true}
		k.emitError(ae.Code(), ae.Error())
		k.returnToReady()
		return
	}

	if resp.SttText != "" {
		k.emit(wire.Stt{Type: wire.TypeStt, Text: resp.SttText})
	}
	if resp.Text != "" {
		k.emit(wire.Llm{Type: wire.TypeLlm, Text: resp.Text})
	}

	if resp.Audio == nil {
		// No TTS adapter produced a stream for this turn; tell the client to
		// fall back to whatever text display it has rather than waiting on
		// audio that will never arrive.
		k.emit(wire.TtsDisabled{Type: wire.TypeTtsDisabled})
		k.returnToReady()
		return
	}

	k.mu.Lock()
	if k.state != StateClosing {
		k.state = StateSpeaking
	}
	k.mu.Unlock()
	k.emit(wire.Tts{Type: wire.TypeTts, State: "start"})

	fc := k.currentCodec()
	for pcmChunk := range resp.Audio {
		if ctx.Err() != nil {
			drainAudio(resp.Audio)
			return
		}
		if fc == nil {
			continue
		}
		opusFrame, encErr := fc.Encode(pcmChunk)
		if encErr != nil {
			k.logger.Debug("kernel: tts frame encode failed, dropping", "error", encErr)
			continue
		}
		k.emitAudio(opusFrame)
	}

	if err := resp.Err(); err != nil && ctx.Err() == nil {
		ae := &AdapterError{Adapter: "engine", Cause: err, Transient: true}
		k.emitError(ae.Code(), ae.Error())
		if resp.Text != "" {
			// Synthesis broke down mid-stream; fall back to text so the
			// device can still surface the reply.
			k.emit(wire.TtsFallback{Type: wire.TypeTtsFallback, Text: resp.Text})
		}
	}

	k.emit(wire.Tts{Type: wire.TypeTts, State: "stop"})
	k.returnToReady()
}

func drainAudio(ch <-chan []byte) {
	for range ch {
	}
}

func (k *Kernel) currentCodec() *codec.FrameCodec {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.codec
}

func (k *Kernel) returnToReady() {
	k.mu.Lock()
	if k.state != StateClosing {
		k.state = StateReady
	}
	k.cancelRun = nil
	if k.vadSession != nil {
		k.vadSession.Close()
		k.vadSession = nil
	}
	k.mu.Unlock()
}

// onCongestion is invoked by the outbound queue once consecutive audio-frame
// drops reach cfg.MaxConsecutiveDrops: the dropped frames have broken TTS
// intelligibility, so the in-flight PipelineRun is cancelled and the client
// is told playback stopped.
func (k *Kernel) onCongestion() {
	k.mu.Lock()
	state := k.state
	cancel := k.cancelRun
	k.mu.Unlock()

	if state != StateThinking && state != StateSpeaking {
		return
	}
	k.logger.Warn("kernel: outbound congestion, cancelling pipeline run")
	if cancel != nil {
		cancel()
	}
	k.emit(wire.Tts{Type: wire.TypeTts, State: "stop"})
	k.returnToReady()
}

// handleAbort performs the Thinking/Speaking→Ready transition.
func (k *Kernel) handleAbort(a *wire.Abort) {
	k.mu.Lock()
	state := k.state
	cancel := k.cancelRun
	k.mu.Unlock()

	if state != StateThinking && state != StateSpeaking {
		return
	}
	if cancel != nil {
		cancel()
	}
	k.emit(wire.Tts{Type: wire.TypeTts, State: "stop"})
	k.returnToReady()
}

// handleFriend relays a message to another registered device.
func (k *Kernel) handleFriend(f *wire.Friend) {
	if k.peers == nil {
		k.emit(wire.FriendAck{Type: wire.TypeFriendAck, To: f.ClientID, Status: "unknown"})
		return
	}
	handle, ok := k.peers.Lookup(f.ClientID)
	if !ok {
		k.emit(wire.FriendAck{Type: wire.TypeFriendAck, To: f.ClientID, Status: "unknown"})
		return
	}

	k.mu.Lock()
	from := k.deviceID
	k.mu.Unlock()

	payload := wire.Friend{Type: wire.TypeFriend, From: from, Data: f.Data, Timestamp: time.Now().Unix()}
	raw, err := json.Marshal(payload)
	if err != nil {
		k.emit(wire.FriendAck{Type: wire.TypeFriendAck, To: f.ClientID, Status: "dropped"})
		return
	}

	switch handle.Offer(raw) {
	case peer.OfferAccepted:
		k.emit(wire.FriendAck{Type: wire.TypeFriendAck, To: f.ClientID, Status: "delivered"})
	case peer.OfferFull:
		k.emit(wire.FriendAck{Type: wire.TypeFriendAck, To: f.ClientID, Status: "dropped"})
	case peer.OfferClosed:
		k.emit(wire.FriendAck{Type: wire.TypeFriendAck, To: f.ClientID, Status: "unknown"})
	}
}

// Close tears the session down: cancels any active pipeline, revokes the
// peer registration, resolves outstanding MCP pendings as canceled, and
// stops the outbound writer. Safe to call more than once.
func (k *Kernel) Close() {
	k.closeOnce.Do(func() {
		k.closeSession("session closed")
	})
}

func (k *Kernel) closeSession(reason string) {
	k.mu.Lock()
	k.state = StateClosing
	cancel := k.cancelRun
	sub := k.sub
	deviceID := k.deviceID
	k.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	k.pipelineWG.Wait()

	if sub != nil {
		sub.Close()
	}
	if k.peers != nil && deviceID != "" {
		k.peers.Revoke(deviceID)
	}

	k.outq.Close()
	<-k.writerDone

	k.logger.Info("kernel: session closed", "reason", reason)
}

// kernelPeerHandle adapts a Kernel to peer.Handle for registry publication.
type kernelPeerHandle struct{ k *Kernel }

func (h kernelPeerHandle) Offer(message []byte) peer.OfferResult {
	var env wire.Friend
	if err := json.Unmarshal(message, &env); err != nil {
		return peer.OfferClosed
	}
	h.k.mu.Lock()
	state := h.k.state
	h.k.mu.Unlock()
	if state == StateClosing {
		return peer.OfferClosed
	}
	before := h.k.outq.Len()
	if before >= h.k.cfg.OutboundQueueDepth {
		return peer.OfferFull
	}
	h.k.emit(env)
	return peer.OfferAccepted
}
