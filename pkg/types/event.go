package types

// AgentEventType tags an event flowing from the agent loop to the client.
// The tag is the SSE event name on the wire.
type AgentEventType string

const (
	EventStart           AgentEventType = "start"
	EventIterationStart  AgentEventType = "iteration_start"
	EventThinkingStart   AgentEventType = "thinking_start"
	EventThinking        AgentEventType = "thinking"
	EventThinkingEnd     AgentEventType = "thinking_end"
	EventTextDelta       AgentEventType = "text_delta"
	EventToolStart       AgentEventType = "tool_start"
	EventToolInput       AgentEventType = "tool_input"
	EventToolComplete    AgentEventType = "tool_complete"
	EventToolError       AgentEventType = "tool_error"
	EventTodoUpdate      AgentEventType = "todo_update"
	EventAskUserQuestion AgentEventType = "ask_user_question"
	EventComplete        AgentEventType = "complete"
	EventBudgetExceeded  AgentEventType = "budget_exceeded"
	EventError           AgentEventType = "error"
	EventFatalError      AgentEventType = "fatal_error"
	EventDone            AgentEventType = "done"
)

// AgentEvent is one event emitted by the agent loop.
type AgentEvent struct {
	Type AgentEventType `json:"type"`
	Data any            `json:"data"`
}

// StartData opens every run.
type StartData struct {
	Mode      string `json:"mode"`
	ProjectID string `json:"projectId"`
	Model     string `json:"model"`
}

// IterationStartData marks the beginning of one reasoning iteration.
type IterationStartData struct {
	Iteration     int `json:"iteration"`
	MaxIterations int `json:"maxIterations"`
}

// TextDeltaData carries one streamed text fragment.
type TextDeltaData struct {
	Text string `json:"text"`
}

// ThinkingData carries one streamed reasoning fragment.
type ThinkingData struct {
	Text string `json:"text"`
}

// ToolStartData announces a tool invocation before its input is complete.
type ToolStartData struct {
	ID   string `json:"id"`
	Tool string `json:"tool"`
}

// ToolInputData carries the fully assembled tool input.
type ToolInputData struct {
	ID    string `json:"id"`
	Tool  string `json:"tool"`
	Input any    `json:"input"`
}

// ToolCompleteData reports a finished tool call.
type ToolCompleteData struct {
	ID      string `json:"id"`
	Tool    string `json:"tool"`
	Result  string `json:"result"`
	Success bool   `json:"success"`
	Input   any    `json:"input,omitempty"`
}

// ToolErrorData reports a failed tool call.
type ToolErrorData struct {
	ID    string `json:"id"`
	Tool  string `json:"tool"`
	Error string `json:"error"`
}

// TodoUpdateData carries the replaced todo list.
type TodoUpdateData struct {
	Todos []Todo `json:"todos"`
}

// AskUserQuestionData pauses the run until the user answers.
type AskUserQuestionData struct {
	Questions []string `json:"questions"`
}

// CompleteData closes a successful run.
type CompleteData struct {
	Result        string   `json:"result"`
	FilesCreated  []string `json:"filesCreated,omitempty"`
	FilesModified []string `json:"filesModified,omitempty"`
	TokensUsed    int      `json:"tokensUsed"`
	Iterations    int      `json:"iterations"`
}

// BudgetExceededData stops a run before (or at) the budget ceiling.
type BudgetExceededData struct {
	Plan        string  `json:"plan,omitempty"`
	PercentUsed float64 `json:"percentUsed,omitempty"`
	Message     string  `json:"message,omitempty"`
}

// ErrorData is a recoverable, named failure surfaced to the client.
type ErrorData struct {
	Error string `json:"error"`
}

// FatalErrorData is an unanticipated failure inside the loop.
type FatalErrorData struct {
	Error string `json:"error"`
	Stack string `json:"stack,omitempty"`
}
