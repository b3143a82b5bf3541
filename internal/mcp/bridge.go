package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/shipworks/ship/internal/tools"
)

// toolCaller is the slice of the MCP client the bridge needs. Satisfied by
// *mcpclient.Client.
type toolCaller interface {
	CallTool(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error)
}

// BridgeTool exposes one remote MCP tool through the tool registry.
type BridgeTool struct {
	server        string
	tool          mcpgo.Tool
	caller        toolCaller
	timeout       time.Duration
	needsApproval bool
	connected     *atomic.Bool
}

func newBridgeTool(server string, tool mcpgo.Tool, caller toolCaller, timeout time.Duration, needsApproval bool, connected *atomic.Bool) *BridgeTool {
	return &BridgeTool{
		server:        server,
		tool:          tool,
		caller:        caller,
		timeout:       timeout,
		needsApproval: needsApproval,
		connected:     connected,
	}
}

// Name is the registry-facing name: `<server>:<tool>`.
func (t *BridgeTool) Name() string { return t.server + ":" + t.tool.Name }

// OriginalName is the server-side tool name.
func (t *BridgeTool) OriginalName() string { return t.tool.Name }

func (t *BridgeTool) Description() string {
	if t.tool.Description != "" {
		return t.tool.Description
	}
	return fmt.Sprintf("Tool %s from MCP server %s", t.tool.Name, t.server)
}

func (t *BridgeTool) Parameters() map[string]any {
	data, err := json.Marshal(t.tool.InputSchema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var schema map[string]any
	if err := json.Unmarshal(data, &schema); err != nil || schema == nil {
		return map[string]any{"type": "object"}
	}
	if _, ok := schema["type"]; !ok {
		schema["type"] = "object"
	}
	return schema
}

// NeedsApproval gates the call when the server is configured that way.
func (t *BridgeTool) NeedsApproval(args map[string]any) bool { return t.needsApproval }

func (t *BridgeTool) Execute(ctx context.Context, rc *tools.RunContext, args map[string]any) *tools.Result {
	if t.connected != nil && !t.connected.Load() {
		return tools.Errorf("MCP server %s is disconnected", t.server)
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	req := mcpgo.CallToolRequest{}
	req.Params.Name = t.tool.Name
	req.Params.Arguments = args

	result, err := t.caller.CallTool(ctx, req)
	if err != nil {
		return tools.ErrorResult(fmt.Sprintf("mcp %s: %v", t.Name(), err)).WithError(err)
	}

	text := flattenContent(result.Content)
	if result.IsError {
		if text == "" {
			text = fmt.Sprintf("mcp %s reported an error", t.Name())
		}
		return tools.ErrorResult(text)
	}
	if text == "" {
		text = "(no content)"
	}
	return tools.NewResult(text)
}

func flattenContent(content []mcpgo.Content) string {
	var parts []string
	for _, c := range content {
		switch block := c.(type) {
		case mcpgo.TextContent:
			parts = append(parts, block.Text)
		case *mcpgo.TextContent:
			parts = append(parts, block.Text)
		default:
			// Non-text blocks (images, resources) are summarized.
			if data, err := json.Marshal(c); err == nil {
				parts = append(parts, string(data))
			}
		}
	}
	return strings.TrimSpace(strings.Join(parts, "\n"))
}
