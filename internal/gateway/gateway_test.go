package gateway

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	enginemock "github.com/voicegate/gateway/internal/engine/mock"
	"github.com/voicegate/gateway/internal/engine"
	"github.com/voicegate/gateway/internal/kernel"
	"github.com/voicegate/gateway/internal/peer"
	"github.com/voicegate/gateway/internal/wire"
)

func newTestMux(t *testing.T, factory EngineFactory) *Mux {
	t.Helper()
	cfg := kernel.DefaultConfig()
	return New(cfg, factory, nil, peer.NewRegistry(), time.Minute, 0, nil)
}

func dialClient(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func TestServeHTTP_RefusesConnectionMissingDeviceID(t *testing.T) {
	t.Parallel()
	mux := newTestMux(t, func(context.Context, string) (engine.VoiceEngine, error) {
		return &enginemock.VoiceEngine{}, nil
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?client_id=c1"
	conn := dialClient(t, url)
	defer conn.CloseNow()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	if err == nil {
		t.Fatal("Read: want error after server refuses connection")
	}
	if got := websocket.CloseStatus(err); got != 4001 {
		t.Errorf("close status: got %v, want 4001", got)
	}
}

func TestServeHTTP_CompletesHandshake(t *testing.T) {
	t.Parallel()
	mux := newTestMux(t, func(context.Context, string) (engine.VoiceEngine, error) {
		return &enginemock.VoiceEngine{}, nil
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?device_id=dev-1&client_id=c1"
	conn := dialClient(t, url)
	defer conn.CloseNow()

	hello, err := json.Marshal(wire.HelloRequest{
		Type:       wire.TypeHello,
		Version:    1,
		Transport:  "websocket",
		DeviceID:   "dev-1",
		DeviceName: "test-device",
		AudioParams: wire.AudioParams{
			Format:        "opus",
			SampleRate:    16000,
			Channels:      1,
			FrameDuration: 60,
		},
	})
	if err != nil {
		t.Fatalf("marshal hello: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, hello); err != nil {
		t.Fatalf("write hello: %v", err)
	}

	readCtx, readCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer readCancel()
	typ, data, err := conn.Read(readCtx)
	if err != nil {
		t.Fatalf("read hello reply: %v", err)
	}
	if typ != websocket.MessageText {
		t.Fatalf("reply message type: got %v, want text", typ)
	}

	var reply wire.HelloReply
	if err := json.Unmarshal(data, &reply); err != nil {
		t.Fatalf("unmarshal reply: %v", err)
	}
	if reply.SessionID == "" {
		t.Error("HelloReply.SessionID: want non-empty")
	}
}

func TestServeHTTP_EngineConstructionFailureClosesSocket(t *testing.T) {
	t.Parallel()
	wantErr := &engineConstructionError{}
	mux := newTestMux(t, func(context.Context, string) (engine.VoiceEngine, error) {
		return nil, wantErr
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?device_id=dev-1&client_id=c1"
	conn := dialClient(t, url)
	defer conn.CloseNow()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	if err == nil {
		t.Fatal("Read: want error after engine construction fails")
	}
}

type engineConstructionError struct{}

func (e *engineConstructionError) Error() string { return "engine unavailable" }
