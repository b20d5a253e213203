package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/conduitworks/maestro/pkg/schema"
)

// ToolCaller is the slice of an MCP client the tool executor needs.
type ToolCaller interface {
	CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
}

// toolInput is the accepted input shape for tool tasks.
type toolInput struct {
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ToolExecutor runs tool tasks against an MCP tool server.
type ToolExecutor struct {
	caller ToolCaller
	logger *slog.Logger
}

// NewToolExecutor creates a ToolExecutor.
func NewToolExecutor(caller ToolCaller, logger *slog.Logger) *ToolExecutor {
	return &ToolExecutor{caller: caller, logger: logger}
}

// ConnectMCP dials an MCP server over streamable HTTP, runs the initialize
// handshake, and returns the client plus a close func.
func ConnectMCP(ctx context.Context, baseURL string) (*mcpclient.Client, func() error, error) {
	c, err := mcpclient.NewStreamableHttpClient(baseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("create mcp client: %w", err)
	}
	if err := c.Start(ctx); err != nil {
		return nil, nil, fmt.Errorf("start mcp client: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "maestro", Version: "1.0.0"}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		_ = c.Close()
		return nil, nil, fmt.Errorf("initialize mcp session: %w", err)
	}
	return c, c.Close, nil
}

func (e *ToolExecutor) Execute(ctx context.Context, task Task) (*Result, error) {
	var in toolInput
	if err := json.Unmarshal(task.Input, &in); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"invalid tool input: %s", err.Error()).WithTask(task.TaskID).WithCause(err)
	}
	if in.Tool == "" {
		return nil, schema.NewError(schema.ErrCodeValidation,
			"tool input requires a tool name").WithTask(task.TaskID)
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = in.Tool
	req.Params.Arguments = in.Arguments

	result, err := e.caller.CallTool(ctx, req)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"tool %q call failed: %s", in.Tool, err.Error()).WithTask(task.TaskID).WithCause(err)
	}

	text := joinTextContent(result)
	if result.IsError {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"tool %q reported error: %s", in.Tool, text).WithTask(task.TaskID)
	}

	e.logger.DebugContext(ctx, "tool task completed", "task_id", task.TaskID, "tool", in.Tool)
	return &Result{Output: toJSONOutput(text)}, nil
}

// joinTextContent concatenates all text content blocks of a tool result.
func joinTextContent(result *mcp.CallToolResult) string {
	var parts []string
	for _, c := range result.Content {
		if tc, ok := mcp.AsTextContent(c); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// toJSONOutput keeps tool output JSON when it already is, otherwise wraps it.
func toJSONOutput(text string) json.RawMessage {
	trimmed := strings.TrimSpace(text)
	if json.Valid([]byte(trimmed)) && trimmed != "" {
		return json.RawMessage(trimmed)
	}
	wrapped, _ := json.Marshal(map[string]string{"text": text})
	return wrapped
}
