package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mcpguard/mcpguard/internal/config"
	"github.com/mcpguard/mcpguard/internal/policy"
)

// Argument shape validation stays upstream's responsibility, so every
// mirrored tool advertises an open object schema.
var permissiveSchema = json.RawMessage(`{"type":"object","additionalProperties":true}`)

// CallObserver is notified after each tool invocation has been decided.
type CallObserver func(gateName, tool string, blocked bool, pattern string)

// NewMirror builds the client-facing MCP server for one gate: one tool per
// upstream tool, each wrapped with block-rule evaluation and forwarding.
func NewMirror(g *Gate, cfg config.GateConfig, logger *slog.Logger, observe CallObserver) *server.MCPServer {
	srv := server.NewMCPServer(
		fmt.Sprintf("mcpguard-%s", g.Name),
		clientVersion,
		server.WithToolCapabilities(false),
	)
	for _, tool := range g.Tools {
		mirrored := mcp.NewToolWithRawSchema(tool.Name, tool.Description, permissiveSchema)
		srv.AddTool(mirrored, forwardHandler(g, cfg, tool.Name, logger, observe))
	}
	return srv
}

func forwardHandler(g *Gate, cfg config.GateConfig, tool string, logger *slog.Logger, observe CallObserver) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if cfg.BlockingEnabled() {
			if res := policy.Evaluate(req.GetArguments(), cfg.Block); res.Blocked {
				logger.Warn("tool call blocked",
					"gate", g.Name,
					"tool", tool,
					"pattern", res.Pattern,
				)
				if observe != nil {
					observe(g.Name, tool, true, res.Pattern)
				}
				return mcp.NewToolResultError(blockText(cfg, res.Pattern)), nil
			}
		}

		forward := mcp.CallToolRequest{}
		forward.Params.Name = tool
		forward.Params.Arguments = req.Params.Arguments

		result, err := g.Client.CallTool(ctx, forward)
		if err != nil {
			logger.Error("upstream call failed", "gate", g.Name, "tool", tool, "error", err)
			return mcp.NewToolResultError(fmt.Sprintf("upstream call failed: %v", err)), nil
		}

		if observe != nil {
			observe(g.Name, tool, false, "")
		}
		return result, nil
	}
}

func blockText(cfg config.GateConfig, pattern string) string {
	if cfg.BlockMessage != "" {
		return cfg.BlockMessage
	}
	return fmt.Sprintf("call blocked: argument matched pattern %q", pattern)
}
