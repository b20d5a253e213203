package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"

	openai "github.com/sashabaranov/go-openai"

	"github.com/conduitworks/maestro/pkg/schema"
)

// ChatClient is the slice of the OpenAI client the LLM executor needs.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// llmInput is the accepted input shape for llm tasks. Either prompt or
// messages must be set; messages wins when both are present.
type llmInput struct {
	Model       string       `json:"model,omitempty"`
	System      string       `json:"system,omitempty"`
	Prompt      string       `json:"prompt,omitempty"`
	Messages    []llmMessage `json:"messages,omitempty"`
	Temperature float32      `json:"temperature,omitempty"`
	MaxTokens   int          `json:"max_tokens,omitempty"`
}

type llmMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// llmOutput is what an llm task produces.
type llmOutput struct {
	Content      string `json:"content"`
	Model        string `json:"model"`
	FinishReason string `json:"finish_reason,omitempty"`
	Usage        struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// LLMExecutor runs llm tasks against a chat-completion API.
type LLMExecutor struct {
	client       ChatClient
	defaultModel string
	logger       *slog.Logger
}

// NewLLMExecutor creates an LLMExecutor. defaultModel is used when the task
// input names none.
func NewLLMExecutor(client ChatClient, defaultModel string, logger *slog.Logger) *LLMExecutor {
	return &LLMExecutor{client: client, defaultModel: defaultModel, logger: logger}
}

func (e *LLMExecutor) Execute(ctx context.Context, task Task) (*Result, error) {
	var in llmInput
	if err := json.Unmarshal(task.Input, &in); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"invalid llm input: %s", err.Error()).WithTask(task.TaskID).WithCause(err)
	}
	if in.Prompt == "" && len(in.Messages) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation,
			"llm input requires prompt or messages").WithTask(task.TaskID)
	}

	model := in.Model
	if model == "" {
		model = e.defaultModel
	}

	req := openai.ChatCompletionRequest{
		Model:       model,
		Temperature: in.Temperature,
		MaxTokens:   in.MaxTokens,
	}
	if in.System != "" {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{
			Role: openai.ChatMessageRoleSystem, Content: in.System,
		})
	}
	if len(in.Messages) > 0 {
		for _, m := range in.Messages {
			req.Messages = append(req.Messages, openai.ChatCompletionMessage{
				Role: m.Role, Content: m.Content,
			})
		}
	} else {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{
			Role: openai.ChatMessageRoleUser, Content: in.Prompt,
		})
	}

	resp, err := e.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"chat completion failed: %s", err.Error()).WithTask(task.TaskID).WithCause(err)
	}
	if len(resp.Choices) == 0 {
		return nil, schema.NewError(schema.ErrCodeExecution,
			"chat completion returned no choices").WithTask(task.TaskID)
	}

	var out llmOutput
	out.Content = resp.Choices[0].Message.Content
	out.Model = resp.Model
	out.FinishReason = string(resp.Choices[0].FinishReason)
	out.Usage.PromptTokens = resp.Usage.PromptTokens
	out.Usage.CompletionTokens = resp.Usage.CompletionTokens
	out.Usage.TotalTokens = resp.Usage.TotalTokens

	e.logger.DebugContext(ctx, "llm task completed",
		"task_id", task.TaskID, "model", out.Model, "total_tokens", out.Usage.TotalTokens)

	raw, err := json.Marshal(out)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeInternal, "marshal llm output").
			WithTask(task.TaskID).WithCause(err)
	}
	return &Result{Output: raw}, nil
}
