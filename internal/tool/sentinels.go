package tool

import (
	"context"
	"encoding/json"
)

const askUserQuestionDescription = `Pauses the run and asks the user one or more questions.

Usage:
- Use when you cannot proceed without user input
- The run resumes when the user answers`

// AskUserQuestionTool is the pause sentinel.
type AskUserQuestionTool struct{}

// NewAskUserQuestionTool creates the tool.
func NewAskUserQuestionTool() *AskUserQuestionTool { return &AskUserQuestionTool{} }

func (t *AskUserQuestionTool) Name() string        { return "ask_user_question" }
func (t *AskUserQuestionTool) Description() string { return askUserQuestionDescription }

func (t *AskUserQuestionTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"questions": {
				"type": "array",
				"description": "Questions for the user",
				"items": {"type": "string"}
			}
		},
		"required": ["questions"]
	}`)
}

type askUserQuestionInput struct {
	Questions []string `json:"questions"`
}

func (t *AskUserQuestionTool) Execute(ctx context.Context, input json.RawMessage, tc *Context) Outcome {
	var params askUserQuestionInput
	if err := json.Unmarshal(input, &params); err != nil {
		return Errorf("invalid input: %v", err)
	}
	if len(params.Questions) == 0 {
		return Errorf("questions is required")
	}
	return Pause(params.Questions)
}

const signalCompletionDescription = `Signals that the requested work is finished.

Usage:
- result summarizes what was done
- Call this exactly once, as the final action`

// SignalCompletionTool is the completion sentinel.
type SignalCompletionTool struct{}

// NewSignalCompletionTool creates the tool.
func NewSignalCompletionTool() *SignalCompletionTool { return &SignalCompletionTool{} }

func (t *SignalCompletionTool) Name() string        { return "signal_completion" }
func (t *SignalCompletionTool) Description() string { return signalCompletionDescription }

func (t *SignalCompletionTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"result": {
				"type": "string",
				"description": "Summary of the completed work"
			}
		},
		"required": ["result"]
	}`)
}

type signalCompletionInput struct {
	Result string `json:"result"`
}

func (t *SignalCompletionTool) Execute(ctx context.Context, input json.RawMessage, tc *Context) Outcome {
	var params signalCompletionInput
	if err := json.Unmarshal(input, &params); err != nil {
		return Errorf("invalid input: %v", err)
	}
	return Complete(params.Result)
}
