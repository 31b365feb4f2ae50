package mcp_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/voicegate/gateway/internal/mcp"
)

// loopback wires a Subsession's outbound sends back into HandleInbound via a
// caller-supplied responder, simulating a device that answers every request.
type loopback struct {
	sub      *mcp.Subsession
	respond  func(req map[string]any) (json.RawMessage, error)
}

func (l *loopback) send(payload json.RawMessage) error {
	var req map[string]any
	if err := json.Unmarshal(payload, &req); err != nil {
		return err
	}
	go func() {
		result, rpcErr := l.respond(req)
		resp := map[string]any{"jsonrpc": "2.0", "id": req["id"]}
		if rpcErr != nil {
			resp["error"] = map[string]any{"code": -32000, "message": rpcErr.Error()}
		} else {
			resp["result"] = json.RawMessage(result)
		}
		raw, _ := json.Marshal(resp)
		l.sub.HandleInbound(raw)
	}()
	return nil
}

func TestInitialize_RoundTrip(t *testing.T) {
	t.Parallel()
	lb := &loopback{}
	sub := mcp.NewSubsession(lb.send)
	lb.sub = sub
	lb.respond = func(req map[string]any) (json.RawMessage, error) {
		if req["method"] != "initialize" {
			t.Errorf("method: got %v, want initialize", req["method"])
		}
		return json.RawMessage(`{"protocolVersion":"2024-11-05"}`), nil
	}

	result, err := sub.Initialize(context.Background(), "2024-11-05", nil, nil)
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if string(result) != `{"protocolVersion":"2024-11-05"}` {
		t.Errorf("Initialize result: got %s", result)
	}
}

func TestListTools_MergesPaginatedResults(t *testing.T) {
	t.Parallel()
	lb := &loopback{}
	sub := mcp.NewSubsession(lb.send)
	lb.sub = sub

	calls := 0
	lb.respond = func(req map[string]any) (json.RawMessage, error) {
		calls++
		params := req["params"].(map[string]any)
		if params["cursor"] == "" {
			return json.RawMessage(`{"tools":[{"name":"set_light","description":"turn a light on or off","inputSchema":{"type":"object"}}],"nextCursor":"page2"}`), nil
		}
		return json.RawMessage(`{"tools":[{"name":"set_thermostat","description":"set target temperature","inputSchema":{"type":"object"}}]}`), nil
	}

	tools, err := sub.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if calls != 2 {
		t.Errorf("pagination calls: got %d, want 2", calls)
	}
	if len(tools) != 2 {
		t.Fatalf("tools: got %d, want 2", len(tools))
	}
	if tools[0].Name != "set_light" || tools[1].Name != "set_thermostat" {
		t.Errorf("tools: got %+v", tools)
	}
}

func TestCallTool_PropagatesDeviceError(t *testing.T) {
	t.Parallel()
	lb := &loopback{}
	sub := mcp.NewSubsession(lb.send)
	lb.sub = sub
	lb.respond = func(req map[string]any) (json.RawMessage, error) {
		return nil, errDeviceFailed
	}

	_, err := sub.CallTool(context.Background(), "set_light", map[string]any{"on": true})
	if err == nil {
		t.Fatal("CallTool: want error from device")
	}
}

var errDeviceFailed = deviceError("tool execution failed")

type deviceError string

func (e deviceError) Error() string { return string(e) }

func TestCall_TimesOutWithoutResponse(t *testing.T) {
	t.Parallel()
	sub := mcp.NewSubsession(func(payload json.RawMessage) error { return nil }) // never responds

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := sub.Initialize(ctx, "2024-11-05", nil, nil)
	if err == nil {
		t.Fatal("Initialize: want error when context is cancelled before a reply arrives")
	}
}

func TestHandleInbound_UnknownIDIsReportedNotFatal(t *testing.T) {
	t.Parallel()
	sub := mcp.NewSubsession(func(payload json.RawMessage) error { return nil })

	err := sub.HandleInbound(json.RawMessage(`{"jsonrpc":"2.0","id":999,"result":{}}`))
	if err == nil {
		t.Error("HandleInbound: want error for unknown id")
	}
}

func TestClose_CancelsPendingRequests(t *testing.T) {
	t.Parallel()
	sub := mcp.NewSubsession(func(payload json.RawMessage) error { return nil })

	done := make(chan error, 1)
	go func() {
		_, err := sub.Initialize(context.Background(), "2024-11-05", nil, nil)
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	sub.Close()
	sub.Close() // idempotent

	select {
	case err := <-done:
		if err == nil {
			t.Error("Initialize after Close: want canceled error")
		}
	case <-time.After(time.Second):
		t.Fatal("Initialize did not return after Close")
	}
}
