// Package openai adapts the OpenAI chat completions API to llm.Client.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"advisor0/app/core/llm"
)

type Client struct {
	client openai.Client
	model  string
}

// NewClient builds a chat client for the given model. An empty API key is
// allowed at construction time; Chat reports llm.ErrNotConfigured instead.
func NewClient(apiKey, model string) *Client {
	var opts []option.RequestOption
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	return &Client{
		client: openai.NewClient(opts...),
		model:  model,
	}
}

func (c *Client) Chat(ctx context.Context, req llm.ChatRequest) (llm.ChatResponse, error) {
	if c == nil {
		return llm.ChatResponse{}, llm.ErrNotConfigured
	}

	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(req.System),
			openai.UserMessage(req.User),
		},
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	for _, tool := range req.Tools {
		params.Tools = append(params.Tools, openai.ChatCompletionFunctionTool(openai.FunctionDefinitionParam{
			Name:        tool.Name,
			Description: openai.String(tool.Description),
			Parameters:  openai.FunctionParameters(tool.Parameters),
		}))
	}

	completion, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return llm.ChatResponse{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(completion.Choices) == 0 {
		return llm.ChatResponse{}, fmt.Errorf("chat completion: empty choices")
	}

	message := completion.Choices[0].Message
	resp := llm.ChatResponse{Content: strings.TrimSpace(message.Content)}
	for _, call := range message.ToolCalls {
		args := call.Function.Arguments
		if strings.TrimSpace(args) == "" {
			args = "{}"
		}
		resp.ToolCalls = append(resp.ToolCalls, llm.ToolCall{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: json.RawMessage(args),
		})
	}
	return resp, nil
}
