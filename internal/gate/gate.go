// Package gate owns the upstream side of the proxy: lazily-established
// MCP connections keyed by gate name, and the client-facing mirror that
// wraps each upstream tool with block-rule enforcement.
package gate

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mcpguard/mcpguard/internal/config"
)

const clientName = "mcpguard"
const clientVersion = "1.0.0"

// Gate is one established upstream connection plus the tool set the
// upstream exposed at connect time.
type Gate struct {
	Name   string
	Client UpstreamClient
	Tools  []mcp.Tool
}

// UpstreamClient is the slice of the MCP client the gate layer needs.
// *client.Client satisfies it; tests substitute fakes.
type UpstreamClient interface {
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

// Connect dials the upstream over streamable HTTP, performs the MCP
// handshake, and snapshots the full tool list.
func Connect(ctx context.Context, name string, cfg config.GateConfig) (*Gate, error) {
	c, err := client.NewStreamableHttpClient(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial upstream %s: %w", cfg.URL, err)
	}

	if err := c.Start(ctx); err != nil {
		c.Close()
		return nil, fmt.Errorf("start upstream transport: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: clientName, Version: clientVersion}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		c.Close()
		return nil, fmt.Errorf("initialize upstream: %w", err)
	}

	var tools []mcp.Tool
	var cursor mcp.Cursor
	for {
		listReq := mcp.ListToolsRequest{}
		listReq.Params.Cursor = cursor
		res, err := c.ListTools(ctx, listReq)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("list upstream tools: %w", err)
		}
		tools = append(tools, res.Tools...)
		if res.NextCursor == "" {
			break
		}
		cursor = res.NextCursor
	}

	return &Gate{Name: name, Client: c, Tools: tools}, nil
}
