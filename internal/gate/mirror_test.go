package gate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mcpguard/mcpguard/internal/config"
)

// scriptedUpstream answers CallTool with a fixed text result and counts calls.
type scriptedUpstream struct {
	calls atomic.Int32
	text  string
	err   error
}

func (s *scriptedUpstream) CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	return mcp.NewToolResultText(s.text), nil
}

func (s *scriptedUpstream) Close() error { return nil }

// callToolEnvelope is the JSON-RPC response shape we care about in tests.
type callToolEnvelope struct {
	Result struct {
		IsError bool `json:"isError"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"result"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func callTool(t *testing.T, srv *server.MCPServer, tool string, args map[string]any) callToolEnvelope {
	t.Helper()

	params := map[string]any{"name": tool}
	if args != nil {
		params["arguments"] = args
	}
	raw, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "tools/call",
		"params":  params,
	})
	if err != nil {
		t.Fatal(err)
	}

	resp := srv.HandleMessage(context.Background(), raw)
	if resp == nil {
		t.Fatal("no response from mirror")
	}
	respJSON, err := json.Marshal(resp)
	if err != nil {
		t.Fatal(err)
	}

	var envelope callToolEnvelope
	if err := json.Unmarshal(respJSON, &envelope); err != nil {
		t.Fatalf("bad response %s: %v", respJSON, err)
	}
	return envelope
}

func resultText(t *testing.T, env callToolEnvelope) string {
	t.Helper()
	if env.Error != nil {
		t.Fatalf("unexpected protocol error: %+v", env.Error)
	}
	var parts []string
	for _, c := range env.Result.Content {
		parts = append(parts, c.Text)
	}
	return strings.Join(parts, "\n")
}

func newMirrorUnderTest(up *scriptedUpstream, cfg config.GateConfig, observe CallObserver) *server.MCPServer {
	g := &Gate{
		Name:   "db",
		Client: up,
		Tools: []mcp.Tool{
			mcp.NewToolWithRawSchema("query", "run a query", permissiveSchema),
		},
	}
	return NewMirror(g, cfg, testLogger(), observe)
}

func TestMirror_BlocksMatchingCall(t *testing.T) {
	up := &scriptedUpstream{text: "rows: 0"}
	cfg := config.GateConfig{
		URL:          "http://upstream",
		Block:        []string{"DROP", "DELETE"},
		BlockMessage: "no",
	}
	srv := newMirrorUnderTest(up, cfg, nil)

	env := callTool(t, srv, "query", map[string]any{"query": "DROP TABLE x"})

	if !env.Result.IsError {
		t.Fatal("expected a blocked (error) result")
	}
	if text := resultText(t, env); !strings.Contains(text, "no") {
		t.Errorf("block text = %q, want configured message", text)
	}
	if n := up.calls.Load(); n != 0 {
		t.Fatalf("upstream was invoked %d times for a blocked call", n)
	}
}

func TestMirror_DefaultBlockMessageNamesPattern(t *testing.T) {
	up := &scriptedUpstream{text: "ok"}
	cfg := config.GateConfig{URL: "http://upstream", Block: []string{"drop"}}
	srv := newMirrorUnderTest(up, cfg, nil)

	env := callTool(t, srv, "query", map[string]any{"query": "DROP TABLE x"})

	if !env.Result.IsError {
		t.Fatal("expected a blocked result")
	}
	if text := resultText(t, env); !strings.Contains(text, `"drop"`) {
		t.Errorf("default block text = %q, should name the pattern", text)
	}
}

func TestMirror_BlocksOnNestedArguments(t *testing.T) {
	up := &scriptedUpstream{text: "ok"}
	cfg := config.GateConfig{URL: "http://upstream", Block: []string{"rm -rf"}}
	srv := newMirrorUnderTest(up, cfg, nil)

	env := callTool(t, srv, "query", map[string]any{
		"batch": []any{
			map[string]any{"cmd": "ls"},
			map[string]any{"cmd": "RM -RF /"},
		},
	})

	if !env.Result.IsError {
		t.Fatal("expected nested argument to be blocked")
	}
	if n := up.calls.Load(); n != 0 {
		t.Fatal("upstream contacted for a blocked call")
	}
}

func TestMirror_ForwardsCleanCall(t *testing.T) {
	up := &scriptedUpstream{text: "rows: 1"}
	cfg := config.GateConfig{URL: "http://upstream", Block: []string{"DROP"}}
	srv := newMirrorUnderTest(up, cfg, nil)

	env := callTool(t, srv, "query", map[string]any{"query": "SELECT 1"})

	if env.Result.IsError {
		t.Fatalf("clean call returned error result: %+v", env.Result)
	}
	if text := resultText(t, env); text != "rows: 1" {
		t.Errorf("result = %q, want upstream's raw response", text)
	}
	if n := up.calls.Load(); n != 1 {
		t.Fatalf("upstream calls = %d, want 1", n)
	}
}

func TestMirror_DisabledGateNeverBlocks(t *testing.T) {
	up := &scriptedUpstream{text: "done"}
	off := false
	cfg := config.GateConfig{URL: "http://upstream", Enabled: &off, Block: []string{"DROP"}}
	srv := newMirrorUnderTest(up, cfg, nil)

	env := callTool(t, srv, "query", map[string]any{"query": "DROP TABLE x"})

	if env.Result.IsError {
		t.Fatal("disabled gate must not block")
	}
	if n := up.calls.Load(); n != 1 {
		t.Fatalf("upstream calls = %d, want 1", n)
	}
}

func TestMirror_UpstreamFailureBecomesErrorResult(t *testing.T) {
	up := &scriptedUpstream{err: errors.New("connection reset")}
	cfg := config.GateConfig{URL: "http://upstream"}
	srv := newMirrorUnderTest(up, cfg, nil)

	env := callTool(t, srv, "query", map[string]any{"query": "SELECT 1"})

	if !env.Result.IsError {
		t.Fatal("expected error result for upstream failure")
	}
	if text := resultText(t, env); !strings.Contains(text, "connection reset") {
		t.Errorf("error text = %q, should describe the failure", text)
	}
}

func TestMirror_ObserverSeesDecisions(t *testing.T) {
	up := &scriptedUpstream{text: "ok"}
	cfg := config.GateConfig{URL: "http://upstream", Block: []string{"drop"}}

	var events []string
	observe := func(gateName, tool string, blocked bool, pattern string) {
		events = append(events, fmt.Sprintf("%s/%s blocked=%v pattern=%s", gateName, tool, blocked, pattern))
	}
	srv := newMirrorUnderTest(up, cfg, observe)

	callTool(t, srv, "query", map[string]any{"query": "DROP TABLE x"})
	callTool(t, srv, "query", map[string]any{"query": "SELECT 1"})

	if len(events) != 2 {
		t.Fatalf("events = %v", events)
	}
	if events[0] != "db/query blocked=true pattern=drop" {
		t.Errorf("blocked event = %q", events[0])
	}
	if events[1] != "db/query blocked=false pattern=" {
		t.Errorf("forwarded event = %q", events[1])
	}
}
