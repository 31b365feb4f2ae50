// Package app wires all gateway subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run starts the HTTP/WebSocket listener and blocks until the
// context is cancelled, and Shutdown tears everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithSessionStore, WithKnowledgeGraph, etc.). When an option is not
// provided, New creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/voicegate/gateway/internal/config"
	"github.com/voicegate/gateway/internal/engine"
	"github.com/voicegate/gateway/internal/engine/single"
	"github.com/voicegate/gateway/internal/gateway"
	"github.com/voicegate/gateway/internal/health"
	"github.com/voicegate/gateway/internal/kernel"
	"github.com/voicegate/gateway/internal/mcp"
	"github.com/voicegate/gateway/internal/mcp/mcphost"
	"github.com/voicegate/gateway/internal/peer"
	"github.com/voicegate/gateway/internal/vad"
	"github.com/voicegate/gateway/pkg/memory"
	"github.com/voicegate/gateway/pkg/memory/postgres"
	"github.com/voicegate/gateway/pkg/provider/embeddings"
	"github.com/voicegate/gateway/pkg/provider/llm"
	"github.com/voicegate/gateway/pkg/provider/stt"
	"github.com/voicegate/gateway/pkg/provider/tts"
	providervad "github.com/voicegate/gateway/pkg/provider/vad"
)

// Providers holds one interface value per configured external provider. Nil
// means the provider is not configured. Populated by main.go via the config
// registry.
type Providers struct {
	LLM        llm.Provider
	STT        stt.Provider
	TTS        tts.Provider
	Embeddings embeddings.Provider
}

// App owns all subsystem lifetimes and orchestrates the voice gateway.
type App struct {
	cfg       *config.Config
	providers *Providers

	// Subsystems — initialised in New, torn down in Shutdown.
	mcpHost mcp.Host
	sessions memory.SessionStore
	graph    memory.KnowledgeGraph
	peers    *peer.Registry
	vadEngine providervad.Engine
	mux      *gateway.Mux
	server   *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithSessionStore injects a session store instead of creating one from config.
func WithSessionStore(s memory.SessionStore) Option {
	return func(a *App) { a.sessions = s }
}

// WithKnowledgeGraph injects a knowledge graph instead of creating one from config.
func WithKnowledgeGraph(g memory.KnowledgeGraph) Option {
	return func(a *App) { a.graph = g }
}

// WithMCPHost injects an MCP host instead of creating one from config.
func WithMCPHost(h mcp.Host) Option {
	return func(a *App) { a.mcpHost = h }
}

// WithPeerRegistry injects a peer registry instead of creating a fresh one.
func WithPeerRegistry(r *peer.Registry) Option {
	return func(a *App) { a.peers = r }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry). Use Option
// functions to inject test doubles for any subsystem.
//
// New performs all initialisation synchronously: memory store connection,
// MCP server registration, peer registry, and the connection mux.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		providers: providers,
		vadEngine: vad.NewEngine(),
	}
	for _, o := range opts {
		o(a)
	}

	if a.peers == nil {
		a.peers = peer.NewRegistry()
	}

	if err := a.initMemory(ctx); err != nil {
		return nil, fmt.Errorf("app: init memory: %w", err)
	}

	if err := a.initMCP(ctx); err != nil {
		return nil, fmt.Errorf("app: init mcp: %w", err)
	}

	a.initMux()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initMemory sets up the PostgreSQL memory store, or uses injected mocks, or
// skips entirely when memory is disabled.
func (a *App) initMemory(ctx context.Context) error {
	if !a.cfg.Memory.Enabled {
		return nil
	}
	if a.sessions != nil && a.graph != nil {
		return nil // both injected
	}

	dsn := a.cfg.Memory.PostgresDSN
	if dsn == "" {
		return fmt.Errorf("memory.postgres_dsn is required when memory.enabled is true")
	}

	dims := a.cfg.Memory.EmbeddingDimensions
	if dims == 0 {
		dims = 1536 // sensible default for OpenAI text-embedding-3-small
	}

	store, err := postgres.NewStore(ctx, dsn, dims)
	if err != nil {
		return err
	}

	if a.sessions == nil {
		a.sessions = store.L1()
	}
	if a.graph == nil {
		a.graph = store
	}

	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	return nil
}

// initMCP sets up the MCP host and registers configured servers.
func (a *App) initMCP(ctx context.Context) error {
	if a.mcpHost == nil {
		a.mcpHost = mcphost.New()
	}
	a.closers = append(a.closers, a.mcpHost.Close)

	for _, srv := range a.cfg.MCP.Servers {
		serverCfg := mcp.ServerConfig{
			Name:      srv.Name,
			Transport: srv.Transport,
			Command:   srv.Command,
			URL:       srv.URL,
			Env:       srv.Env,
		}
		if err := a.mcpHost.RegisterServer(ctx, serverCfg); err != nil {
			return fmt.Errorf("register mcp server %q: %w", srv.Name, err)
		}
		slog.Info("registered MCP server", "name", srv.Name)
	}

	if len(a.cfg.MCP.Servers) > 0 {
		if err := a.mcpHost.Calibrate(ctx); err != nil {
			slog.Warn("MCP calibration failed, using declared latencies", "err", err)
		}
	}

	return nil
}

// initMux builds the kernel config and the ConnectionMux that will accept
// device sessions once Run starts listening.
func (a *App) initMux() {
	kcfg := kernel.DefaultConfig()
	if a.cfg.Session.MaxUtteranceSeconds > 0 {
		kcfg.MaxUtteranceMs = int(a.cfg.Session.MaxUtteranceSeconds * 1000)
	}
	if a.cfg.Session.OutboundQueueDepth > 0 {
		kcfg.OutboundQueueDepth = a.cfg.Session.OutboundQueueDepth
	}
	if a.cfg.Session.MaxConsecutiveDrops > 0 {
		kcfg.MaxConsecutiveDrops = a.cfg.Session.MaxConsecutiveDrops
	}
	if a.cfg.VAD.EnergyThreshold > 0 {
		kcfg.VAD.SpeechThreshold = a.cfg.VAD.EnergyThreshold
	}

	a.mux = gateway.New(
		kcfg,
		a.newEngine,
		a.vadEngine,
		a.peers,
		a.cfg.Server.IdleTimeout,
		a.cfg.Server.PingInterval,
		slog.Default(),
	)
}

// newEngine constructs a fresh VoiceEngine for one accepted device session.
func (a *App) newEngine(_ context.Context, deviceID string) (engine.VoiceEngine, error) {
	if a.providers.LLM == nil {
		return nil, errors.New("no LLM provider configured")
	}
	if a.providers.TTS == nil {
		return nil, errors.New("no TTS provider configured")
	}

	opts := []single.Option{}
	if a.providers.STT != nil {
		opts = append(opts, single.WithSTT(a.providers.STT))
	}
	eng := single.New(a.providers.LLM, a.providers.TTS, tts.VoiceProfile{}, opts...)

	if a.sessions != nil {
		go a.recordTranscripts(deviceID, eng)
	}
	return eng, nil
}

// recordTranscripts drains the engine's transcript channel and writes
// entries to the session store for one device session.
func (a *App) recordTranscripts(deviceID string, eng engine.VoiceEngine) {
	ch := eng.Transcripts()
	for entry := range ch {
		if err := a.sessions.WriteEntry(context.Background(), deviceID, entry); err != nil {
			slog.Warn("failed to record transcript", "device_id", deviceID, "err", err)
		}
	}
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// SessionStore returns the session transcript store. May be nil if memory
// is not configured.
func (a *App) SessionStore() memory.SessionStore { return a.sessions }

// KnowledgeGraph returns the knowledge graph. May be nil if memory is not
// configured.
func (a *App) KnowledgeGraph() memory.KnowledgeGraph { return a.graph }

// MCPHost returns the MCP host.
func (a *App) MCPHost() mcp.Host { return a.mcpHost }

// PeerRegistry returns the process-wide peer registry.
func (a *App) PeerRegistry() *peer.Registry { return a.peers }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the HTTP server (WebSocket upgrade endpoint plus health checks)
// and blocks until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/ws", a.mux)

	checkers := []health.Checker{}
	if a.sessions != nil {
		checkers = append(checkers, health.Checker{
			Name: "memory",
			Check: func(ctx context.Context) error {
				_, err := a.sessions.GetRecent(ctx, "healthcheck", time.Minute)
				return err
			},
		})
	}
	health.New(checkers...).Register(mux)

	a.server = &http.Server{
		Addr:    a.cfg.Server.ListenAddr,
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("gateway listening", "addr", a.cfg.Server.ListenAddr)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in the order they were initialised. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if a.server != nil {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			if err := a.server.Shutdown(shutdownCtx); err != nil {
				slog.Warn("http server shutdown error", "err", err)
			}
			cancel()
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
