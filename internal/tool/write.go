package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/drape-ai/drape/internal/event"
)

const writeFileDescription = `Writes a file in the project, creating parent directories as needed.

Usage:
- Overwrites the file if it already exists
- The dev server is notified so the preview hot-reloads`

// WriteFileTool writes project files.
type WriteFileTool struct{}

// NewWriteFileTool creates the tool.
func NewWriteFileTool() *WriteFileTool { return &WriteFileTool{} }

func (t *WriteFileTool) Name() string        { return "write_file" }
func (t *WriteFileTool) Description() string { return writeFileDescription }

func (t *WriteFileTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"file_path": {
				"type": "string",
				"description": "Path of the file to write"
			},
			"content": {
				"type": "string",
				"description": "The full file content"
			},
			"description": {
				"type": "string",
				"description": "Short description of the change"
			}
		},
		"required": ["file_path", "content"]
	}`)
}

type writeFileInput struct {
	FilePath    string `json:"file_path"`
	Content     string `json:"content"`
	Description string `json:"description,omitempty"`
}

func (t *WriteFileTool) Execute(ctx context.Context, input json.RawMessage, tc *Context) Outcome {
	var params writeFileInput
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

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return Errorf("create directory: %v", err)
	}
	if err := os.WriteFile(path, []byte(params.Content), 0644); err != nil {
		return Errorf("write %s: %v", params.FilePath, err)
	}

	if tc.NotifyFile != nil {
		tc.NotifyFile(params.FilePath, params.Content)
	}
	event.Publish(event.FileEdited, event.FileData{ProjectID: tc.ProjectID, Path: params.FilePath})

	msg := fmt.Sprintf("Wrote %s (%d bytes)", params.FilePath, len(params.Content))
	if params.Description != "" {
		msg += ": " + params.Description
	}
	return Ok(msg)
}
