package tool

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/drape-ai/drape/internal/logging"
	"github.com/drape-ai/drape/internal/provider"
)

// Registry holds the closed tool set and dispatches calls by name.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// DefaultRegistry registers all built-in tools. todoStore persists the
// per-project todo lists; searcher performs external web searches.
func DefaultRegistry(todoStore *TodoStore, searcher WebSearcher) *Registry {
	r := NewRegistry()

	r.Register(NewReadFileTool())
	r.Register(NewWriteFileTool())
	r.Register(NewEditFileTool())
	r.Register(NewListDirectoryTool())
	r.Register(NewRunCommandTool())
	r.Register(NewGlobSearchTool())
	r.Register(NewGrepSearchTool())
	r.Register(NewWebSearchTool(searcher))
	r.Register(NewTodoWriteTool(todoStore))
	r.Register(NewAskUserQuestionTool())
	r.Register(NewSignalCompletionTool())

	return r
}

// Register adds a tool.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Definitions returns the tool contracts offered to the model, in stable
// name order.
func (r *Registry) Definitions() []provider.ToolDef {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]provider.ToolDef, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, provider.ToolDef{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Execute dispatches one tool call. Unknown names and execution failures
// come back as error outcomes so they surface to the model as tool errors,
// not transport errors.
func (r *Registry) Execute(ctx context.Context, name string, input json.RawMessage, tc *Context) Outcome {
	t, ok := r.Get(name)
	if !ok {
		return Errorf("unknown tool %q", name)
	}

	outcome := t.Execute(ctx, input, tc)
	if outcome.Kind == OutcomeError {
		logging.Debug().
			Str("tool", name).
			Str("project", tc.ProjectID).
			Str("error", outcome.Err).
			Msg("tool returned error")
	}
	return outcome
}
