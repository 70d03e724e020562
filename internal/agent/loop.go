// Package agent runs the ReAct reasoning loop: it streams model output,
// dispatches tool calls against the workspace, enforces monthly budgets,
// guards against oscillation, and emits the AgentEvent sequence the SSE
// layer forwards to the client.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/drape-ai/drape/internal/config"
	"github.com/drape-ai/drape/internal/container"
	"github.com/drape-ai/drape/internal/provider"
	"github.com/drape-ai/drape/internal/tool"
	"github.com/drape-ai/drape/internal/usage"
	"github.com/drape-ai/drape/pkg/types"
)

// Workspace is the slice of the orchestrator the loop needs.
type Workspace interface {
	GetOrCreateContainer(ctx context.Context, userID, projectID string) (*types.Session, error)
	ListFiles(projectID string, limit int) []string
}

// ContainerExecutor is the slice of the in-container agent client the loop
// needs for tool dispatch.
type ContainerExecutor interface {
	Exec(ctx context.Context, agentURL, command, cwd string, timeout time.Duration, silent bool) (*container.ExecResult, error)
	NotifyFile(ctx context.Context, agentURL, path, content string)
}

const (
	// MaxIterations bounds the reasoning loop.
	MaxIterations = 50
	// ToolTimeout bounds a single tool dispatch.
	ToolTimeout = 60 * time.Second
	// oscillationLimit is the consecutive-identical-tool threshold.
	oscillationLimit = 5
)

// ImageInput is an inline base64 image attached to the prompt.
type ImageInput struct {
	MediaType string `json:"mediaType"`
	Data      string `json:"data"`
}

// RunOptions parameterize one agent run.
type RunOptions struct {
	UserID    string
	ProjectID string
	Prompt    string
	Images    []ImageInput
	Mode      string // fast, plan, execute
	Model     string // registry short name
	Plan      string // billing plan id
}

// Loop drives agent runs.
type Loop struct {
	cfg       *config.Config
	providers *provider.Registry
	tools     *tool.Registry
	usage     *usage.Store
	workspace Workspace
	agent     ContainerExecutor
}

// New wires the loop.
func New(cfg *config.Config, providers *provider.Registry, tools *tool.Registry, usageStore *usage.Store, orch Workspace, agent ContainerExecutor) *Loop {
	return &Loop{
		cfg:       cfg,
		providers: providers,
		tools:     tools,
		usage:     usageStore,
		workspace: orch,
		agent:     agent,
	}
}

// Run executes one agent run, producing a lazy event sequence. The channel
// closes when the run ends; cancellation of ctx stops the run between
// yields.
func (l *Loop) Run(ctx context.Context, opts RunOptions) <-chan types.AgentEvent {
	events := make(chan types.AgentEvent, 16)
	go func() {
		defer close(events)
		defer func() {
			if r := recover(); r != nil {
				l.emit(ctx, events, types.AgentEvent{
					Type: types.EventFatalError,
					Data: types.FatalErrorData{
						Error: fmt.Sprint(r),
						Stack: string(debug.Stack()),
					},
				})
			}
		}()
		l.run(ctx, opts, events)
	}()
	return events
}

// emit writes one event unless the client is gone.
func (l *Loop) emit(ctx context.Context, events chan<- types.AgentEvent, ev types.AgentEvent) bool {
	select {
	case <-ctx.Done():
		return false
	case events <- ev:
		return true
	}
}

func (l *Loop) run(ctx context.Context, opts RunOptions, events chan<- types.AgentEvent) {
	if opts.Mode == "" {
		opts.Mode = ModeExecute
	}

	if !l.emit(ctx, events, types.AgentEvent{
		Type: types.EventStart,
		Data: types.StartData{Mode: opts.Mode, ProjectID: opts.ProjectID, Model: opts.Model},
	}) {
		return
	}

	// Budget gate: runs before any model call.
	budget := l.cfg.PlanBudget(opts.Plan)
	spent := l.usage.MonthlyCostEur(opts.UserID)
	if budget > 0 && spent >= budget {
		l.emit(ctx, events, types.AgentEvent{
			Type: types.EventBudgetExceeded,
			Data: types.BudgetExceededData{Plan: opts.Plan, PercentUsed: spent / budget * 100},
		})
		return
	}

	session, err := l.workspace.GetOrCreateContainer(ctx, opts.UserID, opts.ProjectID)
	if err != nil {
		l.emit(ctx, events, types.AgentEvent{
			Type: types.EventError,
			Data: types.ErrorData{Error: "workspace unavailable: " + err.Error()},
		})
		return
	}

	files := l.workspace.ListFiles(opts.ProjectID, maxFileListing+1)
	systemPrompt := buildSystemPrompt(opts.Mode, files, session)
	toolCtx := l.toolContext(opts.ProjectID, session)

	messages := []provider.Message{userMessage(opts)}

	var (
		filesCreated  []string
		filesModified []string
		writtenPaths  = map[string]bool{}
		totalTokens   int
		lastFirstTool string
		repeatCount   int
	)

	for iteration := 1; iteration <= MaxIterations; iteration++ {
		if !l.emit(ctx, events, types.AgentEvent{
			Type: types.EventIterationStart,
			Data: types.IterationStartData{Iteration: iteration, MaxIterations: MaxIterations},
		}) {
			return
		}

		stream, spec, err := l.providers.ChatStream(ctx, opts.Model, provider.Request{
			Messages:     messages,
			Tools:        l.tools.Definitions(),
			SystemPrompt: systemPrompt,
		})
		if err != nil {
			l.emit(ctx, events, types.AgentEvent{
				Type: types.EventError,
				Data: types.ErrorData{Error: "AI error: " + err.Error()},
			})
			return
		}

		done, ok := l.forwardStream(ctx, stream, events)
		if !ok {
			return
		}

		// Usage accounting for this call.
		cost := spec.CostEur(done.Usage.InputTokens, done.Usage.OutputTokens, done.Usage.CachedTokens)
		l.usage.Append(types.AIUsageEntry{
			UserID:       opts.UserID,
			Model:        spec.ShortName,
			InputTokens:  done.Usage.InputTokens,
			OutputTokens: done.Usage.OutputTokens,
			CachedTokens: done.Usage.CachedTokens,
			CostEur:      cost,
			Timestamp:    time.Now(),
		})
		totalTokens += done.Usage.InputTokens + done.Usage.OutputTokens

		assistant := assistantMessage(done)
		messages = append(messages, assistant)

		if len(done.ToolCalls) == 0 {
			l.emit(ctx, events, types.AgentEvent{
				Type: types.EventComplete,
				Data: types.CompleteData{
					Result:        done.FullText,
					FilesCreated:  filesCreated,
					FilesModified: filesModified,
					TokensUsed:    totalTokens,
					Iterations:    iteration,
				},
			})
			return
		}

		// Oscillation guard on the first tool of consecutive iterations.
		first := done.ToolCalls[0].Name
		if first == lastFirstTool {
			repeatCount++
		} else {
			lastFirstTool = first
			repeatCount = 1
		}
		var resultBlocks []provider.Block
		for _, call := range done.ToolCalls {
			outcome := l.dispatch(ctx, call, toolCtx)

			switch outcome.Kind {
			case tool.OutcomePause:
				l.emit(ctx, events, types.AgentEvent{
					Type: types.EventAskUserQuestion,
					Data: types.AskUserQuestionData{Questions: outcome.Questions},
				})
				return

			case tool.OutcomeComplete:
				l.emit(ctx, events, types.AgentEvent{
					Type: types.EventComplete,
					Data: types.CompleteData{
						Result:        outcome.Result,
						FilesCreated:  filesCreated,
						FilesModified: filesModified,
						TokensUsed:    totalTokens,
						Iterations:    iteration,
					},
				})
				return

			case tool.OutcomeError:
				l.emit(ctx, events, types.AgentEvent{
					Type: types.EventToolError,
					Data: types.ToolErrorData{ID: call.ID, Tool: call.Name, Error: outcome.Err},
				})
				resultBlocks = append(resultBlocks, provider.Block{
					Type:      provider.BlockToolResult,
					ToolUseID: call.ID,
					Content:   outcome.Text(),
					IsError:   true,
				})
				continue
			}

			trackFiles(call, &filesCreated, &filesModified, writtenPaths)

			if len(outcome.Todos) > 0 {
				l.emit(ctx, events, types.AgentEvent{
					Type: types.EventTodoUpdate,
					Data: types.TodoUpdateData{Todos: outcome.Todos},
				})
			}

			var inputAny any
			json.Unmarshal(call.Input, &inputAny)
			l.emit(ctx, events, types.AgentEvent{
				Type: types.EventToolComplete,
				Data: types.ToolCompleteData{
					ID:      call.ID,
					Tool:    call.Name,
					Result:  outcome.Text(),
					Success: true,
					Input:   inputAny,
				},
			})

			resultBlocks = append(resultBlocks, provider.Block{
				Type:      provider.BlockToolResult,
				ToolUseID: call.ID,
				Content:   outcome.Text(),
			})
		}

		messages = append(messages, provider.Message{Role: provider.RoleUser, Blocks: resultBlocks})

		// The guard fires only after the iteration's tools have completed,
		// so their results still reach the event stream.
		if repeatCount >= oscillationLimit {
			l.emit(ctx, events, types.AgentEvent{
				Type: types.EventError,
				Data: types.ErrorData{Error: fmt.Sprintf("stuck in a loop calling %s", first)},
			})
			return
		}
	}

	l.emit(ctx, events, types.AgentEvent{
		Type: types.EventBudgetExceeded,
		Data: types.BudgetExceededData{Message: "Maximum iterations reached"},
	})
}

// forwardStream relays provider chunks as agent events and returns the
// terminal done chunk. ok is false when the run must stop.
func (l *Loop) forwardStream(ctx context.Context, stream <-chan provider.Chunk, events chan<- types.AgentEvent) (provider.Chunk, bool) {
	for chunk := range stream {
		var ev types.AgentEvent
		switch chunk.Type {
		case provider.ChunkText:
			ev = types.AgentEvent{Type: types.EventTextDelta, Data: types.TextDeltaData{Text: chunk.Text}}
		case provider.ChunkThinkingStart:
			ev = types.AgentEvent{Type: types.EventThinkingStart, Data: struct{}{}}
		case provider.ChunkThinking:
			ev = types.AgentEvent{Type: types.EventThinking, Data: types.ThinkingData{Text: chunk.Text}}
		case provider.ChunkThinkingEnd:
			ev = types.AgentEvent{Type: types.EventThinkingEnd, Data: struct{}{}}
		case provider.ChunkToolStart:
			ev = types.AgentEvent{Type: types.EventToolStart, Data: types.ToolStartData{ID: chunk.ID, Tool: chunk.Name}}
		case provider.ChunkToolUse:
			var inputAny any
			json.Unmarshal(chunk.Input, &inputAny)
			ev = types.AgentEvent{Type: types.EventToolInput, Data: types.ToolInputData{ID: chunk.ID, Tool: chunk.Name, Input: inputAny}}
		case provider.ChunkError:
			l.emit(ctx, events, types.AgentEvent{
				Type: types.EventError,
				Data: types.ErrorData{Error: "AI error: " + chunk.Err},
			})
			return provider.Chunk{}, false
		case provider.ChunkDone:
			return chunk, true
		default:
			continue
		}

		if !l.emit(ctx, events, ev) {
			return provider.Chunk{}, false
		}
	}

	l.emit(ctx, events, types.AgentEvent{
		Type: types.EventError,
		Data: types.ErrorData{Error: "AI error: stream ended without a terminal chunk"},
	})
	return provider.Chunk{}, false
}

// dispatch runs one tool call under the tool timeout.
func (l *Loop) dispatch(ctx context.Context, call provider.ToolCall, toolCtx *tool.Context) tool.Outcome {
	callCtx, cancel := context.WithTimeout(ctx, ToolTimeout)
	defer cancel()
	return l.tools.Execute(callCtx, call.Name, call.Input, toolCtx)
}

// ExecuteTool runs a single tool outside any loop.
func (l *Loop) ExecuteTool(ctx context.Context, userID, projectID, toolName string, input json.RawMessage) (tool.Outcome, error) {
	session, err := l.workspace.GetOrCreateContainer(ctx, userID, projectID)
	if err != nil {
		return tool.Outcome{}, err
	}
	toolCtx := l.toolContext(projectID, session)

	callCtx, cancel := context.WithTimeout(ctx, ToolTimeout)
	defer cancel()
	return l.tools.Execute(callCtx, toolName, input, toolCtx), nil
}

// toolContext binds tools to the project's workspace.
func (l *Loop) toolContext(projectID string, session *types.Session) *tool.Context {
	return &tool.Context{
		ProjectID:  projectID,
		ProjectDir: l.cfg.ProjectDir(projectID),
		Session:    session,
		Exec: func(ctx context.Context, command string, timeout time.Duration) (*container.ExecResult, error) {
			return l.agent.Exec(ctx, session.AgentURL, command, "/home/coder/project", timeout, false)
		},
		NotifyFile: func(path, content string) {
			notifyCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			l.agent.NotifyFile(notifyCtx, session.AgentURL, path, content)
		},
	}
}

// trackFiles maintains the created/modified sets for the completion event.
func trackFiles(call provider.ToolCall, created, modified *[]string, written map[string]bool) {
	var input struct {
		FilePath string `json:"file_path"`
	}
	if err := json.Unmarshal(call.Input, &input); err != nil || input.FilePath == "" {
		return
	}

	switch call.Name {
	case "write_file":
		if written[input.FilePath] {
			*modified = appendUnique(*modified, input.FilePath)
		} else {
			written[input.FilePath] = true
			*created = appendUnique(*created, input.FilePath)
		}
	case "edit_file":
		*modified = appendUnique(*modified, input.FilePath)
	}
}

func appendUnique(list []string, item string) []string {
	for _, existing := range list {
		if existing == item {
			return list
		}
	}
	return append(list, item)
}

// userMessage builds the opening user turn: plain text, or text plus inline
// base64 image blocks.
func userMessage(opts RunOptions) provider.Message {
	if len(opts.Images) == 0 {
		return provider.TextMessage(provider.RoleUser, opts.Prompt)
	}

	blocks := []provider.Block{{Type: provider.BlockText, Text: opts.Prompt}}
	for _, img := range opts.Images {
		blocks = append(blocks, provider.Block{
			Type:      provider.BlockImage,
			MediaType: img.MediaType,
			Data:      img.Data,
		})
	}
	return provider.Message{Role: provider.RoleUser, Blocks: blocks}
}

// assistantMessage assembles the assistant turn from the terminal chunk.
func assistantMessage(done provider.Chunk) provider.Message {
	var blocks []provider.Block
	if done.FullText != "" {
		blocks = append(blocks, provider.Block{Type: provider.BlockText, Text: done.FullText})
	}
	for _, call := range done.ToolCalls {
		blocks = append(blocks, provider.Block{
			Type:      provider.BlockToolUse,
			ID:        call.ID,
			Name:      call.Name,
			Input:     call.Input,
			Signature: call.Signature,
		})
	}
	if len(blocks) == 0 {
		blocks = append(blocks, provider.Block{Type: provider.BlockText, Text: ""})
	}
	return provider.Message{Role: provider.RoleAssistant, Blocks: blocks}
}
