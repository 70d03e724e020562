package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

const (
	defaultRunTimeout = 60 * time.Second
	maxRunTimeout     = 10 * time.Minute
	maxRunOutput      = 30000
)

const runCommandDescription = `Executes a shell command inside the workspace container.

Usage:
- The working directory is the project root
- Optional timeout in milliseconds
- Destructive and exfiltration commands are rejected`

// RunCommandTool routes shell commands to the container after the security
// deny-list check.
type RunCommandTool struct{}

// NewRunCommandTool creates the tool.
func NewRunCommandTool() *RunCommandTool { return &RunCommandTool{} }

func (t *RunCommandTool) Name() string        { return "run_command" }
func (t *RunCommandTool) Description() string { return runCommandDescription }

func (t *RunCommandTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"command": {
				"type": "string",
				"description": "The shell command to run"
			},
			"timeout": {
				"type": "integer",
				"description": "Timeout in milliseconds (default 60000)"
			}
		},
		"required": ["command"]
	}`)
}

type runCommandInput struct {
	Command string `json:"command"`
	Timeout int    `json:"timeout,omitempty"`
}

func (t *RunCommandTool) Execute(ctx context.Context, input json.RawMessage, tc *Context) Outcome {
	var params runCommandInput
	if err := json.Unmarshal(input, &params); err != nil {
		return Errorf("invalid input: %v", err)
	}
	if params.Command == "" {
		return Errorf("command is required")
	}

	if err := CheckCommand(params.Command); err != nil {
		return Errorf("%v", err)
	}

	timeout := defaultRunTimeout
	if params.Timeout > 0 {
		timeout = time.Duration(params.Timeout) * time.Millisecond
		if timeout > maxRunTimeout {
			timeout = maxRunTimeout
		}
	}

	result, err := tc.Exec(ctx, params.Command, timeout)
	if err != nil {
		return Errorf("exec: %v", err)
	}

	output := result.Output()
	if len(output) > maxRunOutput {
		output = output[:maxRunOutput] + "\n... (output truncated)"
	}

	if result.ExitCode != 0 {
		return Ok(fmt.Sprintf("%s\n(exit code %d)", output, result.ExitCode))
	}
	if output == "" {
		return Ok("(no output)")
	}
	return Ok(output)
}
