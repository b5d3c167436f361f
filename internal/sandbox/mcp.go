package sandbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// ExecTool exposes the executor as the MCP tool "exec_cmd".
type ExecTool struct {
	exec *Executor
}

// NewExecTool wraps an executor.
func NewExecTool(e *Executor) *ExecTool {
	return &ExecTool{exec: e}
}

// Definition returns the MCP tool definition for exec_cmd.
func (t *ExecTool) Definition() mcp.Tool {
	return mcp.NewTool("exec_cmd",
		mcp.WithDescription("Run an allow-listed command inside the VX11 sandbox root and return its output."),
		mcp.WithString("cmd",
			mcp.Required(),
			mcp.Description("Base command, e.g. ls or git"),
		),
		mcp.WithArray("args",
			mcp.Description("Command arguments"),
			mcp.WithStringItems(),
		),
		mcp.WithString("cwd",
			mcp.Description("Working directory relative to the sandbox root"),
		),
		mcp.WithNumber("timeout",
			mcp.Description("Timeout in seconds (capped by the sandbox maximum)"),
		),
	)
}

// Handle processes the exec_cmd tool call.
func (t *ExecTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	cmd := req.GetString("cmd", "")
	if cmd == "" {
		return mcp.NewToolResultError("'cmd' is required"), nil
	}
	res, err := t.exec.Exec(ctx, Request{
		Cmd:     cmd,
		Args:    req.GetStringSlice("args", nil),
		Cwd:     req.GetString("cwd", ""),
		Timeout: req.GetFloat("timeout", 0),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("exec_cmd denied: %v", err)), nil
	}
	data, err := json.Marshal(res)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encoding result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// NewMCPServer builds an MCP server exposing the sandbox tools.
func NewMCPServer(e *Executor, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"vx11-sandbox",
		version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)
	tool := NewExecTool(e)
	s.AddTool(tool.Definition(), tool.Handle)
	return s
}

// ServeStdio serves the MCP server over stdin/stdout until EOF.
func ServeStdio(e *Executor, version string) error {
	return server.ServeStdio(NewMCPServer(e, version))
}
