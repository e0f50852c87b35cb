// Package tools hosts the callable tool surface the model dispatches
// against while processing a task.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"advisor0/app/core/llm"
)

const (
	ResultStatusSuccess = "success"
	ResultStatusFailed  = "failed"
)

// Call is one invocation request, scoped to the task being processed.
type Call struct {
	UserID string
	TaskID string
	Name   string
	Args   json.RawMessage
}

// Result is the envelope handed back to the model as a tool outcome.
type Result struct {
	Tool       string      `json:"tool"`
	Status     string      `json:"status"`
	Message    string      `json:"message,omitempty"`
	Data       interface{} `json:"data,omitempty"`
	DurationMS int64       `json:"duration_ms"`
}

// Handler executes one tool. The returned value is serialized into the
// result envelope.
type Handler func(ctx context.Context, call Call) (interface{}, error)

type entry struct {
	def     llm.ToolDef
	handler Handler
}

// Registry maps tool names to handlers and advertises their schemas.
type Registry struct {
	entries map[string]entry
	order   []string
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

func (r *Registry) Register(def llm.ToolDef, handler Handler) {
	name := strings.TrimSpace(def.Name)
	if name == "" || handler == nil {
		return
	}
	if _, exists := r.entries[name]; !exists {
		r.order = append(r.order, name)
	}
	r.entries[name] = entry{def: def, handler: handler}
}

// Defs returns tool definitions in registration order, the set advertised
// to the model on every turn.
func (r *Registry) Defs() []llm.ToolDef {
	defs := make([]llm.ToolDef, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.entries[name].def)
	}
	return defs
}

// Execute runs one tool call. Failures are folded into the result envelope
// rather than returned, so a bad call never aborts the dispatch loop.
func (r *Registry) Execute(ctx context.Context, call Call) Result {
	started := time.Now()
	name := strings.TrimSpace(call.Name)
	e, ok := r.entries[name]
	if !ok {
		return Result{
			Tool:       name,
			Status:     ResultStatusFailed,
			Message:    fmt.Sprintf("unsupported tool %q", name),
			DurationMS: time.Since(started).Milliseconds(),
		}
	}
	if len(call.Args) == 0 {
		call.Args = json.RawMessage("{}")
	}

	data, err := e.handler(ctx, call)
	if err != nil {
		return Result{
			Tool:       name,
			Status:     ResultStatusFailed,
			Message:    err.Error(),
			DurationMS: time.Since(started).Milliseconds(),
		}
	}
	return Result{
		Tool:       name,
		Status:     ResultStatusSuccess,
		Data:       data,
		DurationMS: time.Since(started).Milliseconds(),
	}
}
