package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/conduitworks/maestro/pkg/schema"
)

const maxAgentResponseBytes = 4 << 20

// agentInput is the accepted input shape for agent tasks. Endpoint overrides
// the executor's base URL for a single task.
type agentInput struct {
	Agent    string          `json:"agent"`
	Endpoint string          `json:"endpoint,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// AgentExecutor delegates agent tasks to a remote agent service over HTTP.
// The agent receives the task payload as a JSON POST body and must answer
// with a JSON document, which becomes the task output.
type AgentExecutor struct {
	client  *http.Client
	baseURL string
	logger  *slog.Logger
}

// NewAgentExecutor creates an AgentExecutor. client may be nil to use
// http.DefaultClient.
func NewAgentExecutor(client *http.Client, baseURL string, logger *slog.Logger) *AgentExecutor {
	if client == nil {
		client = http.DefaultClient
	}
	return &AgentExecutor{client: client, baseURL: baseURL, logger: logger}
}

func (e *AgentExecutor) Execute(ctx context.Context, task Task) (*Result, error) {
	var in agentInput
	if err := json.Unmarshal(task.Input, &in); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"invalid agent input: %s", err.Error()).WithTask(task.TaskID).WithCause(err)
	}
	if in.Agent == "" {
		return nil, schema.NewError(schema.ErrCodeValidation,
			"agent input requires an agent name").WithTask(task.TaskID)
	}

	url := in.Endpoint
	if url == "" {
		url = fmt.Sprintf("%s/agents/%s/invoke", e.baseURL, in.Agent)
	}

	body := in.Payload
	if len(body) == 0 {
		body = json.RawMessage(`{}`)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "build agent request").
			WithTask(task.TaskID).WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Instance-ID", task.InstanceID)
	req.Header.Set("X-Task-ID", task.TaskID)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"agent %q unreachable: %s", in.Agent, err.Error()).WithTask(task.TaskID).WithCause(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxAgentResponseBytes))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"read agent %q response: %s", in.Agent, err.Error()).WithTask(task.TaskID).WithCause(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"agent %q returned status %d: %s", in.Agent, resp.StatusCode, truncate(string(raw), 512)).
			WithTask(task.TaskID).
			WithDetails(map[string]any{"status": resp.StatusCode})
	}

	if !json.Valid(raw) {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"agent %q returned non-JSON response", in.Agent).WithTask(task.TaskID)
	}

	e.logger.DebugContext(ctx, "agent task completed", "task_id", task.TaskID, "agent", in.Agent)
	return &Result{Output: raw}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
