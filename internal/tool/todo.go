package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/drape-ai/drape/pkg/types"
)

// TodoStore persists per-project todo lists under the data directory.
type TodoStore struct {
	mu  sync.Mutex
	dir string
}

// NewTodoStore creates the store rooted at dir.
func NewTodoStore(dir string) *TodoStore {
	return &TodoStore{dir: dir}
}

// Get returns the current todo list for a project.
func (s *TodoStore) Get(projectID string) []types.Todo {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path(projectID))
	if err != nil {
		return nil
	}
	var todos []types.Todo
	if err := json.Unmarshal(data, &todos); err != nil {
		return nil
	}
	return todos
}

// Set replaces the todo list for a project.
func (s *TodoStore) Set(projectID string, todos []types.Todo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(todos, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path(projectID), data, 0644)
}

func (s *TodoStore) path(projectID string) string {
	return filepath.Join(s.dir, projectID+".json")
}

const todoWriteDescription = `Replaces the project's task list.

Usage:
- Send the complete list every time
- status is one of pending, in_progress, completed
- At most one item may be in_progress`

// TodoWriteTool replaces the agent-managed task list.
type TodoWriteTool struct {
	store *TodoStore
}

// NewTodoWriteTool creates the tool.
func NewTodoWriteTool(store *TodoStore) *TodoWriteTool {
	return &TodoWriteTool{store: store}
}

func (t *TodoWriteTool) Name() string        { return "todo_write" }
func (t *TodoWriteTool) Description() string { return todoWriteDescription }

func (t *TodoWriteTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"todos": {
				"type": "array",
				"description": "The full task list",
				"items": {
					"type": "object",
					"properties": {
						"content": {"type": "string", "description": "Imperative task description"},
						"activeForm": {"type": "string", "description": "Present-continuous form shown while in progress"},
						"status": {"type": "string", "description": "pending, in_progress or completed"}
					},
					"required": ["content", "status"]
				}
			}
		},
		"required": ["todos"]
	}`)
}

type todoWriteInput struct {
	Todos []types.Todo `json:"todos"`
}

func (t *TodoWriteTool) Execute(ctx context.Context, input json.RawMessage, tc *Context) Outcome {
	var params todoWriteInput
	if err := json.Unmarshal(input, &params); err != nil {
		return Errorf("invalid input: %v", err)
	}

	inProgress := 0
	for _, todo := range params.Todos {
		switch todo.Status {
		case types.TodoPending, types.TodoInProgress, types.TodoCompleted:
		default:
			return Errorf("invalid status %q", todo.Status)
		}
		if todo.Status == types.TodoInProgress {
			inProgress++
		}
	}
	if inProgress > 1 {
		return Errorf("at most one todo may be in_progress")
	}

	if err := t.store.Set(tc.ProjectID, params.Todos); err != nil {
		return Errorf("persist todos: %v", err)
	}

	outcome := Ok(fmt.Sprintf("Todo list updated (%d items)", len(params.Todos)))
	outcome.Todos = params.Todos
	return outcome
}
