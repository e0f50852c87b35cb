// Package llm abstracts the conversational model behind the orchestrator.
// The orchestrator only ever sees ChatRequest and ChatResponse; provider
// wiring lives in subpackages.
package llm

import (
	"context"
	"encoding/json"
	"errors"
)

var ErrNotConfigured = errors.New("llm: client not configured")

// ToolDef describes one callable tool advertised to the model.
type ToolDef struct {
	Name        string
	Description string
	// Parameters is a JSON Schema object describing the arguments.
	Parameters map[string]interface{}
}

// ToolCall is the model asking for one tool invocation.
type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// ChatRequest is one orchestrator turn sent to the model.
type ChatRequest struct {
	System      string
	User        string
	Tools       []ToolDef
	Temperature float64
}

// ChatResponse carries either assistant text or tool calls, mirroring the
// two branches of the dispatch loop.
type ChatResponse struct {
	Content   string
	ToolCalls []ToolCall
}

// Client is implemented by model providers.
type Client interface {
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
}
