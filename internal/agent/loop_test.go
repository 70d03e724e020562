package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drape-ai/drape/internal/config"
	"github.com/drape-ai/drape/internal/container"
	"github.com/drape-ai/drape/internal/provider"
	"github.com/drape-ai/drape/internal/tool"
	"github.com/drape-ai/drape/internal/usage"
	"github.com/drape-ai/drape/pkg/types"
)

// scriptedProvider replays canned done chunks, one per iteration.
type scriptedProvider struct {
	turns []provider.Chunk
	calls int
	reqs  []provider.Request
}

func (p *scriptedProvider) Name() string { return "anthropic" }

func (p *scriptedProvider) ChatStream(ctx context.Context, modelID string, req provider.Request) (<-chan provider.Chunk, error) {
	p.reqs = append(p.reqs, req)
	if p.calls >= len(p.turns) {
		return nil, fmt.Errorf("no scripted turn %d", p.calls)
	}
	done := p.turns[p.calls]
	p.calls++

	out := make(chan provider.Chunk, 8)
	go func() {
		defer close(out)
		for _, tc := range done.ToolCalls {
			out <- provider.Chunk{Type: provider.ChunkToolStart, ID: tc.ID, Name: tc.Name}
			out <- provider.Chunk{Type: provider.ChunkToolUse, ID: tc.ID, Name: tc.Name, Input: tc.Input}
		}
		if done.FullText != "" {
			out <- provider.Chunk{Type: provider.ChunkText, Text: done.FullText}
		}
		out <- done
	}()
	return out, nil
}

// fakeWorkspace satisfies Workspace without a container runtime.
type fakeWorkspace struct {
	dir string
}

func (w *fakeWorkspace) GetOrCreateContainer(ctx context.Context, userID, projectID string) (*types.Session, error) {
	now := time.Now()
	return &types.Session{
		UserID: userID, ProjectID: projectID,
		ContainerID: "c1", AgentURL: "http://10.0.0.2:4000",
		ServerID: "local", CreatedAt: now, LastUsed: now,
	}, nil
}

func (w *fakeWorkspace) ListFiles(projectID string, limit int) []string {
	return []string{"package.json", "src/index.ts"}
}

// fakeExecutor satisfies ContainerExecutor.
type fakeExecutor struct{}

func (e *fakeExecutor) Exec(ctx context.Context, agentURL, command, cwd string, timeout time.Duration, silent bool) (*container.ExecResult, error) {
	return &container.ExecResult{ExitCode: 0, Stdout: "ok"}, nil
}

func (e *fakeExecutor) NotifyFile(ctx context.Context, agentURL, path, content string) {}

type loopFixture struct {
	loop     *Loop
	usage    *usage.Store
	cfg      *config.Config
	provider *scriptedProvider
}

func newFixture(t *testing.T, turns []provider.Chunk) *loopFixture {
	t.Helper()

	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.ProjectsRoot = t.TempDir()

	scripted := &scriptedProvider{turns: turns}
	providers := provider.NewRegistry(cfg)
	providers.Register("anthropic", scripted)

	usageStore := usage.New(filepath.Join(cfg.DataDir, "usage.jsonl"))
	tools := tool.DefaultRegistry(tool.NewTodoStore(filepath.Join(cfg.DataDir, "todos")), nil)

	return &loopFixture{
		loop:     New(cfg, providers, tools, usageStore, &fakeWorkspace{dir: cfg.ProjectsRoot}, &fakeExecutor{}),
		usage:    usageStore,
		cfg:      cfg,
		provider: scripted,
	}
}

func runOpts() RunOptions {
	return RunOptions{
		UserID:    "u1",
		ProjectID: "p1",
		Prompt:    "do the thing",
		Mode:      ModeExecute,
		Model:     "claude-sonnet-4",
		Plan:      "free",
	}
}

func collectEvents(t *testing.T, events <-chan types.AgentEvent) []types.AgentEvent {
	t.Helper()
	var out []types.AgentEvent
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("run did not finish")
		}
	}
}

func eventTypes(events []types.AgentEvent) []types.AgentEventType {
	out := make([]types.AgentEventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func doneChunk(text string, calls ...provider.ToolCall) provider.Chunk {
	stop := "end_turn"
	if len(calls) > 0 {
		stop = "tool_use"
	}
	return provider.Chunk{
		Type: provider.ChunkDone, FullText: text, ToolCalls: calls,
		StopReason: stop,
		Usage:      provider.Usage{InputTokens: 100, OutputTokens: 50},
	}
}

func TestRunPlainCompletion(t *testing.T) {
	f := newFixture(t, []provider.Chunk{doneChunk("All set, nothing to change.")})

	events := collectEvents(t, f.loop.Run(context.Background(), runOpts()))
	typesSeen := eventTypes(events)
	assert.Equal(t, []types.AgentEventType{
		types.EventStart, types.EventIterationStart, types.EventTextDelta, types.EventComplete,
	}, typesSeen)

	complete := events[len(events)-1].Data.(types.CompleteData)
	assert.Equal(t, "All set, nothing to change.", complete.Result)
	assert.Equal(t, 150, complete.TokensUsed)
	assert.Equal(t, 1, complete.Iterations)
}

func TestRunRecordsUsage(t *testing.T) {
	f := newFixture(t, []provider.Chunk{doneChunk("done")})

	collectEvents(t, f.loop.Run(context.Background(), runOpts()))

	entries := f.usage.MonthlyEntries("u1")
	require.Len(t, entries, 1)
	assert.Equal(t, 100, entries[0].InputTokens)
	assert.Equal(t, 50, entries[0].OutputTokens)
	assert.Greater(t, entries[0].CostEur, 0.0)
}

func TestRunBudgetGate(t *testing.T) {
	f := newFixture(t, []provider.Chunk{doneChunk("should never run")})

	// Pre-load usage at exactly the free budget.
	f.usage.Append(types.AIUsageEntry{UserID: "u1", Model: "claude-sonnet-4", CostEur: 1.50, Timestamp: time.Now()})

	events := collectEvents(t, f.loop.Run(context.Background(), runOpts()))
	assert.Equal(t, []types.AgentEventType{types.EventStart, types.EventBudgetExceeded}, eventTypes(events))

	data := events[1].Data.(types.BudgetExceededData)
	assert.Equal(t, "free", data.Plan)
	assert.InDelta(t, 100.0, data.PercentUsed, 0.01)

	// No model call was made.
	assert.Len(t, f.usage.MonthlyEntries("u1"), 1)
}

func TestRunToolCallRoundTrip(t *testing.T) {
	writeInput := json.RawMessage(`{"file_path":"src/new.ts","content":"export {}"}`)
	f := newFixture(t, []provider.Chunk{
		doneChunk("", provider.ToolCall{ID: "t1", Name: "write_file", Input: writeInput}),
		doneChunk("", provider.ToolCall{ID: "t2", Name: "signal_completion", Input: json.RawMessage(`{"result":"created the file"}`)}),
	})

	events := collectEvents(t, f.loop.Run(context.Background(), runOpts()))
	typesSeen := eventTypes(events)

	assert.Contains(t, typesSeen, types.EventToolStart)
	assert.Contains(t, typesSeen, types.EventToolInput)
	assert.Contains(t, typesSeen, types.EventToolComplete)

	complete := events[len(events)-1].Data.(types.CompleteData)
	assert.Equal(t, "created the file", complete.Result)
	assert.Equal(t, []string{"src/new.ts"}, complete.FilesCreated)
}

func TestRunOscillationGuard(t *testing.T) {
	read := provider.ToolCall{ID: "t", Name: "read_file", Input: json.RawMessage(`{"file_path":"a.txt"}`)}

	turns := make([]provider.Chunk, 6)
	for i := range turns {
		turns[i] = doneChunk("", read)
	}
	f := newFixture(t, turns)

	projectDir := f.cfg.ProjectDir("p1")
	require.NoError(t, os.MkdirAll(projectDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(projectDir, "a.txt"), []byte("a"), 0644))

	events := collectEvents(t, f.loop.Run(context.Background(), runOpts()))

	iterations, completes := 0, 0
	for _, ev := range events {
		switch ev.Type {
		case types.EventIterationStart:
			iterations++
		case types.EventToolComplete:
			completes++
		}
	}
	assert.Equal(t, 5, iterations, "the guard fires on the 5th consecutive identical tool")
	assert.Equal(t, 5, completes, "the 5th iteration's tool still completes before the error")

	last := events[len(events)-1]
	require.Equal(t, types.EventError, last.Type)
	assert.Contains(t, last.Data.(types.ErrorData).Error, "stuck in a loop calling read_file")
}

func TestRunFourRepeatsDoNotTerminate(t *testing.T) {
	read := provider.ToolCall{ID: "t", Name: "read_file", Input: json.RawMessage(`{"file_path":"a.txt"}`)}
	list := provider.ToolCall{ID: "t", Name: "list_directory", Input: json.RawMessage(`{}`)}

	f := newFixture(t, []provider.Chunk{
		doneChunk("", read), doneChunk("", read), doneChunk("", read), doneChunk("", read),
		doneChunk("", list),
		doneChunk("wrapped up"),
	})

	events := collectEvents(t, f.loop.Run(context.Background(), runOpts()))
	last := events[len(events)-1]
	assert.Equal(t, types.EventComplete, last.Type, "four repeats then a different tool must not trip the guard")
}

func TestRunAskUserPauses(t *testing.T) {
	f := newFixture(t, []provider.Chunk{
		doneChunk("", provider.ToolCall{
			ID: "t1", Name: "ask_user_question",
			Input: json.RawMessage(`{"questions":["Postgres or SQLite?"]}`),
		}),
	})

	events := collectEvents(t, f.loop.Run(context.Background(), runOpts()))
	last := events[len(events)-1]
	require.Equal(t, types.EventAskUserQuestion, last.Type)
	assert.Equal(t, []string{"Postgres or SQLite?"}, last.Data.(types.AskUserQuestionData).Questions)
}

func TestRunToolErrorFeedsBack(t *testing.T) {
	f := newFixture(t, []provider.Chunk{
		doneChunk("", provider.ToolCall{ID: "t1", Name: "read_file", Input: json.RawMessage(`{"file_path":"missing.txt"}`)}),
		doneChunk("recovered"),
	})

	events := collectEvents(t, f.loop.Run(context.Background(), runOpts()))
	typesSeen := eventTypes(events)
	assert.Contains(t, typesSeen, types.EventToolError)
	assert.Equal(t, types.EventComplete, events[len(events)-1].Type,
		"the model gets the error as a tool result and can recover")
}

func TestRunTodoUpdateEvent(t *testing.T) {
	f := newFixture(t, []provider.Chunk{
		doneChunk("", provider.ToolCall{
			ID: "t1", Name: "todo_write",
			Input: json.RawMessage(`{"todos":[{"content":"Build navbar","status":"in_progress"}]}`),
		}),
		doneChunk("done"),
	})

	events := collectEvents(t, f.loop.Run(context.Background(), runOpts()))

	var sawTodos bool
	for _, ev := range events {
		if ev.Type == types.EventTodoUpdate {
			sawTodos = true
			data := ev.Data.(types.TodoUpdateData)
			require.Len(t, data.Todos, 1)
			assert.Equal(t, "Build navbar", data.Todos[0].Content)
		}
	}
	assert.True(t, sawTodos)
}

func TestRunMaxIterations(t *testing.T) {
	read := provider.ToolCall{ID: "t", Name: "glob_search", Input: json.RawMessage(`{"pattern":"*.ts"}`)}
	list := provider.ToolCall{ID: "t", Name: "list_directory", Input: json.RawMessage(`{}`)}

	// Alternate tools so the oscillation guard never fires.
	turns := make([]provider.Chunk, MaxIterations)
	for i := range turns {
		if i%2 == 0 {
			turns[i] = doneChunk("", read)
		} else {
			turns[i] = doneChunk("", list)
		}
	}
	f := newFixture(t, turns)

	events := collectEvents(t, f.loop.Run(context.Background(), runOpts()))
	last := events[len(events)-1]
	require.Equal(t, types.EventBudgetExceeded, last.Type)
	assert.Equal(t, "Maximum iterations reached", last.Data.(types.BudgetExceededData).Message)
}

func TestRunClientDisconnectStops(t *testing.T) {
	read := provider.ToolCall{ID: "t", Name: "list_directory", Input: json.RawMessage(`{}`)}
	turns := make([]provider.Chunk, 10)
	for i := range turns {
		turns[i] = doneChunk("", read)
	}
	f := newFixture(t, turns)

	ctx, cancel := context.WithCancel(context.Background())
	events := f.loop.Run(ctx, runOpts())

	// Read a couple of events, then disconnect.
	<-events
	<-events
	cancel()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return // channel closed: loop stopped
			}
		case <-deadline:
			t.Fatal("loop did not stop after disconnect")
		}
	}
}

func TestToolResultIDRoundTrip(t *testing.T) {
	// Scripted run with two tool calls in one turn.
	f := newFixture(t, []provider.Chunk{
		doneChunk("",
			provider.ToolCall{ID: "use_1", Name: "list_directory", Input: json.RawMessage(`{}`)},
			provider.ToolCall{ID: "use_2", Name: "glob_search", Input: json.RawMessage(`{"pattern":"*.md"}`)},
		),
		doneChunk("done"),
	})

	collectEvents(t, f.loop.Run(context.Background(), runOpts()))

	require.Len(t, f.provider.reqs, 2)
	second := f.provider.reqs[1]

	// The final user message of the second request carries exactly one
	// tool_result per emitted tool_use id.
	last := second.Messages[len(second.Messages)-1]
	require.Equal(t, provider.RoleUser, last.Role)

	counts := map[string]int{}
	for _, b := range last.Blocks {
		require.Equal(t, provider.BlockToolResult, b.Type)
		counts[b.ToolUseID]++
	}
	assert.Equal(t, map[string]int{"use_1": 1, "use_2": 1}, counts)
}

func TestBuildSystemPromptModes(t *testing.T) {
	session := &types.Session{
		AgentURL: "http://10.0.0.2:4000",
		ProjectInfo: &types.ProjectInfo{
			Type:           types.ProjectNext,
			PackageManager: types.PNPM,
		},
	}

	plan := buildSystemPrompt(ModePlan, []string{"a.ts"}, session)
	assert.Contains(t, plan, "Do NOT execute")
	assert.Contains(t, plan, "todo_write")

	execute := buildSystemPrompt(ModeExecute, []string{"a.ts"}, session)
	assert.Contains(t, execute, "Project type: nextjs")
	assert.Contains(t, execute, "Package manager: pnpm")
	assert.Contains(t, execute, "a.ts")
}

func TestBuildSystemPromptCapsListing(t *testing.T) {
	files := make([]string, 500)
	for i := range files {
		files[i] = fmt.Sprintf("src/file%03d.ts", i)
	}

	prompt := buildSystemPrompt(ModeFast, files, nil)
	assert.Contains(t, prompt, "src/file000.ts")
	assert.Contains(t, prompt, "src/file199.ts")
	assert.NotContains(t, prompt, "src/file200.ts")
	assert.Contains(t, prompt, "300 more files")
}
