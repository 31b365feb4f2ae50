// Package gateway implements the ConnectionMux: the HTTP/WebSocket upgrade
// endpoint that accepts device connections, validates the connection query
// parameters, and hands each accepted socket off to a new [kernel.Kernel].
//
// Grounded on internal/health.Handler's http.ServeMux registration idiom and
// on pkg/provider/stt/deepgram's coder/websocket client usage, mirrored here
// for the server (Accept) side.
package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/voicegate/gateway/internal/engine"
	"github.com/voicegate/gateway/internal/kernel"
	"github.com/voicegate/gateway/internal/peer"
	"github.com/voicegate/gateway/pkg/provider/vad"
)

// refuseMissingIdentity is the non-standard WebSocket close code used to
// refuse a connection missing a required device-id or client-id, per
// spec.md §4.8.
const refuseMissingIdentity = websocket.StatusCode(4001)

// EngineFactory constructs a fresh VoiceEngine for one accepted session.
// Called once per connection, after the query parameters are validated.
type EngineFactory func(ctx context.Context, deviceID string) (engine.VoiceEngine, error)

// Mux is the ConnectionMux: it accepts device WebSocket connections, parses
// and validates the connection parameters, and drives each accepted
// connection's [kernel.Kernel] until the socket closes.
type Mux struct {
	cfg       kernel.Config
	engines   EngineFactory
	vadEng    vad.Engine
	peers     *peer.Registry
	logger    *slog.Logger
	idleTimeout time.Duration
	pingInterval time.Duration

	mu       sync.Mutex
	active   int
}

// New constructs a Mux. cfg supplies the per-session kernel tunables;
// engines builds the per-session VoiceEngine; vadEng and peers are shared
// process-wide across all sessions.
func New(cfg kernel.Config, engines EngineFactory, vadEng vad.Engine, peers *peer.Registry, idleTimeout, pingInterval time.Duration, logger *slog.Logger) *Mux {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mux{
		cfg:          cfg,
		engines:      engines,
		vadEng:       vadEng,
		peers:        peers,
		logger:       logger,
		idleTimeout:  idleTimeout,
		pingInterval: pingInterval,
	}
}

// ActiveSessions reports the number of connections currently being served.
func (m *Mux) ActiveSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// ServeHTTP upgrades the request to a WebSocket connection and serves one
// device session for the lifetime of the socket.
func (m *Mux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	deviceID := q.Get("device-id")
	if deviceID == "" {
		deviceID = q.Get("device_id")
	}
	clientID := q.Get("client-id")
	if clientID == "" {
		clientID = q.Get("client_id")
	}
	clientType := q.Get("client_type")
	auth := r.Header.Get("Authorization")
	if auth == "" {
		auth = q.Get("authorization")
	}
	_ = clientType // surfaced for future authorization policy, not interpreted here

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{})
	if err != nil {
		m.logger.Warn("gateway: websocket accept failed", "error", err)
		return
	}

	if deviceID == "" || clientID == "" {
		_ = conn.Close(refuseMissingIdentity, "device_id and client_id are required")
		return
	}

	m.mu.Lock()
	m.active++
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.active--
		m.mu.Unlock()
	}()

	ctx := r.Context()
	eng, err := m.engines(ctx, deviceID)
	if err != nil {
		m.logger.Error("gateway: engine construction failed", "device_id", deviceID, "error", err)
		_ = conn.Close(websocket.StatusInternalError, "engine unavailable")
		return
	}
	defer eng.Close()

	writer := &socketWriter{conn: conn}
	k := kernel.New(m.cfg, writer, eng, m.vadEng, m.peers, m.logger.With("device_id", deviceID, "client_id", clientID))
	k.Start()
	defer k.Close()

	m.serve(ctx, conn, k)
}

// serve reads frames off conn and dispatches them to k until the socket
// closes, an idle timeout elapses, or ctx is cancelled. Also drives the
// ping heartbeat.
func (m *Mux) serve(ctx context.Context, conn *websocket.Conn, k *kernel.Kernel) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if m.pingInterval > 0 {
		go m.pingLoop(ctx, conn)
	}

	for {
		if m.idleTimeout > 0 && k.IdleSince() > m.idleTimeout {
			_ = conn.Close(websocket.StatusPolicyViolation, "idle timeout")
			return
		}

		readCtx, readCancel := context.WithTimeout(ctx, max(m.idleTimeout, time.Second))
		typ, data, err := conn.Read(readCtx)
		readCancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// Read timeout just means no frame arrived this tick — the idle
			// check at the top of the loop decides whether that's fatal.
			if readCtx.Err() != nil && ctx.Err() == nil {
				continue
			}
			return
		}

		switch typ {
		case websocket.MessageText:
			k.HandleText(data)
		case websocket.MessageBinary:
			k.HandleBinary(data)
		}
	}
}

func (m *Mux) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(m.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// socketWriter adapts a *websocket.Conn to kernel.Writer.
type socketWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *socketWriter) WriteJSON(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return wsjson.Write(ctx, s.conn, v)
}

func (s *socketWriter) WriteBinary(b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.conn.Write(ctx, websocket.MessageBinary, b)
}
