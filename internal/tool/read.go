package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const readFileDescription = `Reads a file from the project.

Usage:
- file_path may be relative to the project root or the absolute container path
- Binary files return a one-line summary instead of their contents`

// ReadFileTool returns file contents.
type ReadFileTool struct{}

// NewReadFileTool creates the tool.
func NewReadFileTool() *ReadFileTool { return &ReadFileTool{} }

func (t *ReadFileTool) Name() string        { return "read_file" }
func (t *ReadFileTool) Description() string { return readFileDescription }

func (t *ReadFileTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"file_path": {
				"type": "string",
				"description": "Path of the file to read"
			}
		},
		"required": ["file_path"]
	}`)
}

type readFileInput struct {
	FilePath string `json:"file_path"`
}

func (t *ReadFileTool) Execute(ctx context.Context, input json.RawMessage, tc *Context) Outcome {
	var params readFileInput
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
		return Ok(fmt.Sprintf("%s is a binary file (%d bytes)", filepath.Base(path), len(content)))
	}
	return Ok(string(content))
}
