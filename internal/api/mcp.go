package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/remedy/internal/engine"
	"github.com/kalambet/remedy/internal/skill"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Engine   Engine
	Remedies RemedyLister
	History  HistoryReader
}

// NewMCPServer creates an MCP server exposing skill execution and the remedy
// memory as tools.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"remedy",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("remedy: skill execution engine with self-healing retries and a learned remedy memory."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("run_skill",
			mcp.WithDescription("Start a skill run from a YAML definition. Returns the run id immediately; poll get_run for progress."),
			mcp.WithString("yaml", mcp.Description("Skill definition in YAML"), mcp.Required()),
			mcp.WithString("args", mcp.Description("Optional JSON object of initial run arguments")),
		),
		mcpRunSkill(deps),
	)

	s.AddTool(
		mcp.NewTool("get_run",
			mcp.WithDescription("Get the current snapshot of a run: status, per-step results, attempt counts."),
			mcp.WithString("run_id", mcp.Description("Run identifier returned by run_skill"), mcp.Required()),
		),
		mcpGetRun(deps),
	)

	s.AddTool(
		mcp.NewTool("cancel_run",
			mcp.WithDescription("Request cooperative cancellation of a run. Idempotent."),
			mcp.WithString("run_id", mcp.Description("Run identifier"), mcp.Required()),
		),
		mcpCancelRun(deps),
	)

	s.AddTool(
		mcp.NewTool("list_runs",
			mcp.WithDescription("List known runs, newest first."),
		),
		mcpListRuns(deps),
	)

	s.AddTool(
		mcp.NewTool("list_remedies",
			mcp.WithDescription("List cached remedies: failure signatures with the action that fixed them and its success record."),
			mcp.WithNumber("limit", mcp.Description("Maximum number of records (default 50)")),
		),
		mcpListRemedies(deps),
	)

	s.AddTool(
		mcp.NewTool("run_history",
			mcp.WithDescription("Read the learning log: per-attempt outcomes across all runs, newest first."),
			mcp.WithNumber("limit", mcp.Description("Maximum number of entries (default 50)")),
		),
		mcpRunHistory(deps),
	)

	return s
}

func mcpRunSkill(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		yamlDoc, err := req.RequireString("yaml")
		if err != nil {
			return mcpError("yaml is required"), nil
		}

		def, err := skill.Parse([]byte(yamlDoc))
		if err != nil {
			return mcpError(fmt.Sprintf("invalid skill yaml: %v", err)), nil
		}

		var args map[string]string
		if raw := req.GetString("args", ""); raw != "" {
			if err := json.Unmarshal([]byte(raw), &args); err != nil {
				return mcpError(fmt.Sprintf("invalid args JSON: %v", err)), nil
			}
		}

		runID, err := deps.Engine.Start(ctx, def, args)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to start run: %v", err)), nil
		}

		return mcpText(fmt.Sprintf("Started run %s", runID)), nil
	}
}

func mcpGetRun(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		runID, err := req.RequireString("run_id")
		if err != nil {
			return mcpError("run_id is required"), nil
		}

		snap, err := deps.Engine.Get(runID)
		if errors.Is(err, engine.ErrRunNotFound) {
			return mcpError(fmt.Sprintf("run %s not found", runID)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to get run: %v", err)), nil
		}

		b, err := json.Marshal(snap)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal run: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpCancelRun(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		runID, err := req.RequireString("run_id")
		if err != nil {
			return mcpError("run_id is required"), nil
		}

		err = deps.Engine.Cancel(runID)
		if errors.Is(err, engine.ErrRunNotFound) {
			return mcpError(fmt.Sprintf("run %s not found", runID)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to cancel run: %v", err)), nil
		}

		return mcpText(fmt.Sprintf("Cancellation requested for run %s", runID)), nil
	}
}

func mcpListRuns(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		runs := deps.Engine.List()
		if len(runs) == 0 {
			return mcpText("[]"), nil
		}
		b, err := json.Marshal(runs)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal runs: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpListRemedies(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 50)
		if limit <= 0 {
			limit = 50
		}
		if limit > 500 {
			limit = 500
		}

		records, err := deps.Remedies.Remedies(ctx, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list remedies: %v", err)), nil
		}
		if len(records) == 0 {
			return mcpText("[]"), nil
		}

		b, err := json.Marshal(records)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal remedies: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpRunHistory(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 50)
		if limit <= 0 {
			limit = 50
		}
		if limit > 500 {
			limit = 500
		}

		entries, err := deps.History.Recent(ctx, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to read history: %v", err)), nil
		}
		if len(entries) == 0 {
			return mcpText("[]"), nil
		}

		b, err := json.Marshal(entries)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal history: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
