// Package tools provides the executor registry for server-side tools.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/tobyms/foreman/internal/llm"
)

// ExecutorFunc defines a server-side tool executor.
type ExecutorFunc func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

// Definition describes a tool to the model.
type Definition struct {
	Name        string
	Description string
	Parameters  map[string]interface{} // JSON schema
}

// Registry stores tool executors keyed by tool name. It is constructed at
// startup and passed explicitly to the engine and the job processor.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]ExecutorFunc
	defs      map[string]Definition
}

// NewRegistry creates an empty tool executor registry.
func NewRegistry() *Registry {
	return &Registry{
		executors: make(map[string]ExecutorFunc),
		defs:      make(map[string]Definition),
	}
}

// Register adds a new executor for a tool name.
func (r *Registry) Register(def Definition, exec ExecutorFunc) error {
	if def.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if exec == nil {
		return fmt.Errorf("executor is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.executors[def.Name]; exists {
		return fmt.Errorf("executor already registered for %s", def.Name)
	}
	r.executors[def.Name] = exec
	r.defs[def.Name] = def
	return nil
}

// MustRegister adds an executor or panics.
func (r *Registry) MustRegister(def Definition, exec ExecutorFunc) {
	if err := r.Register(def, exec); err != nil {
		panic(err)
	}
}

// Execute runs the executor for the tool name.
func (r *Registry) Execute(ctx context.Context, toolName string, args json.RawMessage) (json.RawMessage, error) {
	if toolName == "" {
		return nil, fmt.Errorf("tool name is required")
	}
	r.mu.RLock()
	exec := r.executors[toolName]
	r.mu.RUnlock()
	if exec == nil {
		return nil, fmt.Errorf("no executor registered for %s", toolName)
	}
	return exec(ctx, args)
}

// Definitions returns the tool definitions in model wire format, sorted by
// name for stable prompts.
func (r *Registry) Definitions() []llm.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]llm.Tool, 0, len(names))
	for _, name := range names {
		def := r.defs[name]
		params := map[string]interface{}{
			"type":       "object",
			"properties": def.Parameters,
		}
		out = append(out, llm.Tool{
			Type: "function",
			Function: llm.ToolFunction{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  params,
			},
		})
	}
	return out
}
