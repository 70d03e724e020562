package agent

import (
	"fmt"
	"strings"

	"github.com/drape-ai/drape/pkg/types"
)

// maxFileListing caps the project file listing embedded in the system prompt.
const maxFileListing = 200

// Mode selects the agent's intent and tone.
const (
	ModeFast    = "fast"
	ModePlan    = "plan"
	ModeExecute = "execute"
)

const fastBase = `You are a fast, pragmatic coding assistant working inside a sandboxed project workspace.
Make the smallest change that satisfies the request. Prefer editing existing files over creating new ones.
When the work is done, call signal_completion with a short summary.`

const planBase = `You are a planning assistant working inside a sandboxed project workspace.
Explore the project, then produce a concrete implementation plan as a task list.
Do NOT execute the plan: no file writes, no commands. Finish by calling todo_write with the
full task list and then signal_completion with a summary of the plan.`

const executeBase = `You are a careful coding agent working inside a sandboxed project workspace.
Work through the request step by step: read before you edit, keep the todo list current with
todo_write, and verify your changes with run_command where it helps.
If you are blocked on a decision only the user can make, call ask_user_question.
When everything is done and verified, call signal_completion with a summary.`

// buildSystemPrompt assembles the mode base, a truncated project file
// listing, and session environment hints.
func buildSystemPrompt(mode string, files []string, session *types.Session) string {
	var sb strings.Builder

	switch mode {
	case ModePlan:
		sb.WriteString(planBase)
	case ModeFast:
		sb.WriteString(fastBase)
	default:
		sb.WriteString(executeBase)
	}

	sb.WriteString("\n\n## Project files\n")
	if len(files) == 0 {
		sb.WriteString("(empty project)\n")
	} else {
		shown := files
		truncated := false
		if len(shown) > maxFileListing {
			shown = shown[:maxFileListing]
			truncated = true
		}
		for _, f := range shown {
			sb.WriteString(f)
			sb.WriteString("\n")
		}
		if truncated {
			fmt.Fprintf(&sb, "... and %d more files\n", len(files)-maxFileListing)
		}
	}

	sb.WriteString("\n## Environment\n")
	sb.WriteString("Project directory: /home/coder/project\n")
	if session != nil {
		if session.AgentURL != "" {
			fmt.Fprintf(&sb, "Workspace agent: %s\n", session.AgentURL)
		}
		if session.ProjectInfo != nil {
			fmt.Fprintf(&sb, "Project type: %s\n", session.ProjectInfo.Type)
			if session.ProjectInfo.PackageManager != "" {
				fmt.Fprintf(&sb, "Package manager: %s\n", session.ProjectInfo.PackageManager)
			}
		}
	}

	return sb.String()
}
