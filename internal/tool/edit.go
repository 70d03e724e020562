package tool

import (
	"context"
	"encoding/json"
	"os"
	"strings"

	"github.com/drape-ai/drape/internal/event"
)

const editFileDescription = `Performs an exact string replacement in a file.

Usage:
- old_string must appear in the file exactly as given
- Only the first occurrence is replaced, as a literal (not a pattern)
- Fails on binary files
- Returns a diff of the change`

// EditFileTool replaces the first literal occurrence of a substring.
type EditFileTool struct{}

// NewEditFileTool creates the tool.
func NewEditFileTool() *EditFileTool { return &EditFileTool{} }

func (t *EditFileTool) Name() string        { return "edit_file" }
func (t *EditFileTool) Description() string { return editFileDescription }

func (t *EditFileTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"file_path": {
				"type": "string",
				"description": "Path of the file to edit"
			},
			"old_string": {
				"type": "string",
				"description": "The exact text to replace"
			},
			"new_string": {
				"type": "string",
				"description": "The text to replace it with"
			}
		},
		"required": ["file_path", "old_string", "new_string"]
	}`)
}

type editFileInput struct {
	FilePath  string `json:"file_path"`
	OldString string `json:"old_string"`
	NewString string `json:"new_string"`
}

func (t *EditFileTool) Execute(ctx context.Context, input json.RawMessage, tc *Context) Outcome {
	var params editFileInput
	if err := json.Unmarshal(input, &params); err != nil {
		return Errorf("invalid input: %v", err)
	}
	if params.FilePath == "" {
		return Errorf("file_path is required")
	}

	path, err := resolvePath(tc.ProjectDir, params.FilePath)
	if err != nil {
		return Errorf("%v", err)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return Errorf("read %s: %v", params.FilePath, err)
	}
	if isBinary(content) {
		return Errorf("%s is a binary file", params.FilePath)
	}

	before := string(content)
	if !strings.Contains(before, params.OldString) {
		return Errorf("old_string not found in %s", params.FilePath)
	}

	after := strings.Replace(before, params.OldString, params.NewString, 1)

	if err := os.WriteFile(path, []byte(after), 0644); err != nil {
		return Errorf("write %s: %v", params.FilePath, err)
	}

	if tc.NotifyFile != nil {
		tc.NotifyFile(params.FilePath, after)
	}
	event.Publish(event.FileEdited, event.FileData{ProjectID: tc.ProjectID, Path: params.FilePath})

	return Ok(renderDiff(before, after))
}
