package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// MCPCaller is the slice of an MCP client session the adapter needs.
type MCPCaller interface {
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
}

// MCPInvoker bridges the engine's tool-invocation interface to tools served
// by an MCP server (git, issue tracker, cluster, anything speaking the
// protocol).
type MCPInvoker struct {
	caller MCPCaller
}

func NewMCPInvoker(caller MCPCaller) *MCPInvoker {
	return &MCPInvoker{caller: caller}
}

// Invoke calls the named MCP tool and returns its concatenated text content.
// A tool-level error result becomes a plain error so the classifier sees the
// server's message.
func (m *MCPInvoker) Invoke(ctx context.Context, tool string, args map[string]string) (string, error) {
	arguments := make(map[string]any, len(args))
	for k, v := range args {
		arguments[k] = v
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = tool
	req.Params.Arguments = arguments

	res, err := m.caller.CallTool(ctx, req)
	if err != nil {
		return "", fmt.Errorf("calling tool %s: %w", tool, err)
	}

	text := flattenContent(res.Content)
	if res.IsError {
		if text == "" {
			text = "tool reported an error with no message"
		}
		return "", fmt.Errorf("tool %s: %s", tool, text)
	}
	return text, nil
}

func flattenContent(content []mcp.Content) string {
	var parts []string
	for _, c := range content {
		if tc, ok := c.(mcp.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}
