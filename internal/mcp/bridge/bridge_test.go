package bridge_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/voicegate/gateway/internal/engine/mock"
	"github.com/voicegate/gateway/internal/mcp"
	"github.com/voicegate/gateway/internal/mcp/bridge"
	mckmock "github.com/voicegate/gateway/internal/mcp/mock"
	"github.com/voicegate/gateway/pkg/provider/llm"
)

// lastHandler returns the most recently registered OnToolCall handler, or nil
// if none has been registered (or the most recent registration cleared it).
func lastHandler(eng *mock.VoiceEngine) func(string, string) (string, error) {
	if len(eng.ToolCallHandlers) == 0 {
		return nil
	}
	return eng.ToolCallHandlers[len(eng.ToolCallHandlers)-1]
}

// TestNewBridge_CallsSetTools verifies that NewBridge immediately declares
// the tier-appropriate tool set on the engine.
func TestNewBridge_CallsSetTools(t *testing.T) {
	t.Parallel()
	tools := []llm.ToolDefinition{
		{Name: "get_weather", Description: "Look up current weather"},
	}
	host := &mckmock.Host{AvailableToolsResult: tools}
	eng := &mock.VoiceEngine{}

	_, err := bridge.NewBridge(host, eng, mcp.BudgetFast)
	if err != nil {
		t.Fatalf("NewBridge returned unexpected error: %v", err)
	}

	if got := len(eng.SetToolsCalls); got != 1 {
		t.Fatalf("expected 1 SetTools call, got %d", got)
	}
	got := eng.SetToolsCalls[0].Tools
	if len(got) != 1 || got[0].Name != "get_weather" {
		t.Errorf("unexpected tools declared on engine: %v", got)
	}
}

// TestNewBridge_RegistersToolCallHandler verifies that NewBridge registers a
// non-nil ToolCallHandler on the engine.
func TestNewBridge_RegistersToolCallHandler(t *testing.T) {
	t.Parallel()
	host := &mckmock.Host{}
	eng := &mock.VoiceEngine{}

	_, err := bridge.NewBridge(host, eng, mcp.BudgetFast)
	if err != nil {
		t.Fatalf("NewBridge returned unexpected error: %v", err)
	}

	if lastHandler(eng) == nil {
		t.Error("expected a ToolCallHandler to be registered after NewBridge, got nil")
	}
	if got := eng.CallCountOnToolCall; got != 1 {
		t.Errorf("expected OnToolCall to be called once, got %d", got)
	}
}

// TestNewBridge_ToolCallRoutedThroughHost verifies that when the engine
// triggers a tool call, the bridge executes it via host.ExecuteTool and
// returns the content string.
func TestNewBridge_ToolCallRoutedThroughHost(t *testing.T) {
	t.Parallel()
	host := &mckmock.Host{
		ExecuteToolResult: &mcp.ToolResult{Content: `{"condition":"clear","tempC":21}`},
	}
	eng := &mock.VoiceEngine{}

	_, err := bridge.NewBridge(host, eng, mcp.BudgetFast)
	if err != nil {
		t.Fatalf("NewBridge returned unexpected error: %v", err)
	}

	handler := lastHandler(eng)
	if handler == nil {
		t.Fatal("ToolCallHandler is nil — cannot invoke tool")
	}

	result, err := handler("get_weather", `{"city":"Berlin"}`)
	if err != nil {
		t.Fatalf("handler returned unexpected error: %v", err)
	}
	if want := `{"condition":"clear","tempC":21}`; result != want {
		t.Errorf("handler result = %q, want %q", result, want)
	}

	if got := host.CallCount("ExecuteTool"); got != 1 {
		t.Errorf("expected 1 ExecuteTool call, got %d", got)
	}
	calls := host.Calls()
	var execCall *mckmock.Call
	for i := range calls {
		if calls[i].Method == "ExecuteTool" {
			execCall = &calls[i]
			break
		}
	}
	if execCall == nil {
		t.Fatal("ExecuteTool call not recorded")
	}
	if execCall.Args[0] != "get_weather" {
		t.Errorf("ExecuteTool name = %q, want %q", execCall.Args[0], "get_weather")
	}
	if execCall.Args[1] != `{"city":"Berlin"}` {
		t.Errorf("ExecuteTool args = %q, want %q", execCall.Args[1], `{"city":"Berlin"}`)
	}
}

// TestNewBridge_ToolCallError verifies that ExecuteTool errors are surfaced as
// handler errors.
func TestNewBridge_ToolCallError(t *testing.T) {
	t.Parallel()
	host := &mckmock.Host{
		ExecuteToolErr: errors.New("tool server unavailable"),
	}
	eng := &mock.VoiceEngine{}

	_, err := bridge.NewBridge(host, eng, mcp.BudgetFast)
	if err != nil {
		t.Fatalf("NewBridge returned unexpected error: %v", err)
	}

	handler := lastHandler(eng)
	_, err = handler("broken_tool", `{}`)
	if err == nil {
		t.Fatal("expected handler to return an error when ExecuteTool fails")
	}
}

// TestBridge_UpdateTier verifies that UpdateTier fetches the new tier's tools
// and updates the engine.
func TestBridge_UpdateTier(t *testing.T) {
	t.Parallel()
	fastTools := []llm.ToolDefinition{{Name: "get_weather"}}
	deepTools := []llm.ToolDefinition{{Name: "get_weather"}, {Name: "web_search"}}

	host := &mckmock.Host{AvailableToolsResult: fastTools}
	eng := &mock.VoiceEngine{}

	b, err := bridge.NewBridge(host, eng, mcp.BudgetFast)
	if err != nil {
		t.Fatalf("NewBridge returned unexpected error: %v", err)
	}

	// Simulate host returning richer tool set for DEEP tier.
	host.AvailableToolsResult = deepTools

	if err := b.UpdateTier(context.Background(), mcp.BudgetDeep); err != nil {
		t.Fatalf("UpdateTier returned unexpected error: %v", err)
	}

	// Expect two SetTools calls: initial + update.
	if got := len(eng.SetToolsCalls); got != 2 {
		t.Fatalf("expected 2 SetTools calls, got %d", got)
	}
	updated := eng.SetToolsCalls[1].Tools
	if len(updated) != 2 {
		t.Errorf("expected 2 tools after UpdateTier to DEEP, got %d: %v", len(updated), updated)
	}
}

// TestBridge_UpdateTier_CancelledContext verifies that UpdateTier respects a
// cancelled context and does not mutate the engine.
func TestBridge_UpdateTier_CancelledContext(t *testing.T) {
	t.Parallel()
	host := &mckmock.Host{}
	eng := &mock.VoiceEngine{}

	b, err := bridge.NewBridge(host, eng, mcp.BudgetFast)
	if err != nil {
		t.Fatalf("NewBridge returned unexpected error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // cancel immediately

	if err := b.UpdateTier(ctx, mcp.BudgetDeep); err == nil {
		t.Error("expected UpdateTier to return an error for a cancelled context")
	}

	// Only the initial SetTools call should have happened.
	if got := len(eng.SetToolsCalls); got != 1 {
		t.Errorf("expected 1 SetTools call (no update), got %d", got)
	}
}

// TestBridge_Close verifies that Close deregisters the ToolCallHandler.
func TestBridge_Close(t *testing.T) {
	t.Parallel()
	host := &mckmock.Host{}
	eng := &mock.VoiceEngine{}

	b, err := bridge.NewBridge(host, eng, mcp.BudgetFast)
	if err != nil {
		t.Fatalf("NewBridge returned unexpected error: %v", err)
	}

	b.Close()

	if got := lastHandler(eng); got != nil {
		t.Error("expected ToolCallHandler to be nil after Close")
	}
}

// TestBridge_WithToolTimeout verifies that the timeout option is accepted without error.
func TestBridge_WithToolTimeout(t *testing.T) {
	t.Parallel()
	host := &mckmock.Host{}
	eng := &mock.VoiceEngine{}

	_, err := bridge.NewBridge(host, eng, mcp.BudgetFast, bridge.WithToolTimeout(5*time.Second))
	if err != nil {
		t.Fatalf("NewBridge with custom timeout returned unexpected error: %v", err)
	}
}

// TestNewBridge_NilHost verifies that NewBridge rejects a nil host.
func TestNewBridge_NilHost(t *testing.T) {
	t.Parallel()
	eng := &mock.VoiceEngine{}
	_, err := bridge.NewBridge(nil, eng, mcp.BudgetFast)
	if err == nil {
		t.Error("expected error for nil host, got nil")
	}
}

// TestNewBridge_NilEngine verifies that NewBridge rejects a nil engine.
func TestNewBridge_NilEngine(t *testing.T) {
	t.Parallel()
	host := &mckmock.Host{}
	_, err := bridge.NewBridge(host, nil, mcp.BudgetFast)
	if err == nil {
		t.Error("expected error for nil engine, got nil")
	}
}
