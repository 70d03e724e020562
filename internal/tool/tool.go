// Package tool implements the closed tool set the agent loop dispatches
// against the workspace, plus the security policy for shell commands.
package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/drape-ai/drape/internal/container"
	"github.com/drape-ai/drape/pkg/types"
)

// OutcomeKind tags a tool result.
type OutcomeKind string

const (
	OutcomeOK       OutcomeKind = "ok"
	OutcomePause    OutcomeKind = "pause"
	OutcomeComplete OutcomeKind = "complete"
	OutcomeError    OutcomeKind = "error"
)

// Outcome is the sum type a tool execution produces. Pause and Complete are
// sentinels the agent loop interprets as stop conditions.
type Outcome struct {
	Kind      OutcomeKind  `json:"kind"`
	Content   string       `json:"content,omitempty"`
	Questions []string     `json:"questions,omitempty"`
	Result    string       `json:"result,omitempty"`
	Err       string       `json:"error,omitempty"`
	Todos     []types.Todo `json:"todos,omitempty"`
}

// Ok builds a successful outcome.
func Ok(content string) Outcome {
	return Outcome{Kind: OutcomeOK, Content: content}
}

// Pause builds the ask-user sentinel.
func Pause(questions []string) Outcome {
	return Outcome{Kind: OutcomePause, Questions: questions}
}

// Complete builds the completion sentinel.
func Complete(result string) Outcome {
	return Outcome{Kind: OutcomeComplete, Result: result}
}

// Errorf builds an error outcome.
func Errorf(format string, args ...any) Outcome {
	return Outcome{Kind: OutcomeError, Err: fmt.Sprintf(format, args...)}
}

// Text is the outcome content fed back to the model as the tool result.
func (o Outcome) Text() string {
	switch o.Kind {
	case OutcomeError:
		return "Error: " + o.Err
	case OutcomePause:
		return "Waiting for the user to answer."
	case OutcomeComplete:
		return o.Result
	default:
		return o.Content
	}
}

// Context carries per-call workspace bindings into a tool.
type Context struct {
	ProjectID  string
	ProjectDir string // host-side working copy
	Session    *types.Session

	// Exec runs a command inside the workspace container.
	Exec func(ctx context.Context, command string, timeout time.Duration) (*container.ExecResult, error)

	// NotifyFile hints the in-container agent about a changed file so the
	// dev server hot-reloads. Best-effort.
	NotifyFile func(path, content string)
}

// Tool is one named entry of the registry.
type Tool interface {
	// Name is part of the wire contract with the model.
	Name() string

	// Description is shown to the model.
	Description() string

	// Parameters is the JSON Schema of the input.
	Parameters() json.RawMessage

	// Execute runs the tool. Transport-level problems are returned as error
	// outcomes, never as panics.
	Execute(ctx context.Context, input json.RawMessage, tc *Context) Outcome
}
