package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const listDirectoryDescription = `Lists files in a project directory.

Usage:
- path defaults to the project root
- recursive returns the full file list under the path
- Dependency and build directories are excluded`

// ListDirectoryTool lists files.
type ListDirectoryTool struct{}

// NewListDirectoryTool creates the tool.
func NewListDirectoryTool() *ListDirectoryTool { return &ListDirectoryTool{} }

func (t *ListDirectoryTool) Name() string        { return "list_directory" }
func (t *ListDirectoryTool) Description() string { return listDirectoryDescription }

func (t *ListDirectoryTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {
				"type": "string",
				"description": "Directory to list (default: project root)"
			},
			"recursive": {
				"type": "boolean",
				"description": "List all files under the path"
			}
		}
	}`)
}

type listDirectoryInput struct {
	Path      string `json:"path,omitempty"`
	Recursive bool   `json:"recursive,omitempty"`
}

func (t *ListDirectoryTool) Execute(ctx context.Context, input json.RawMessage, tc *Context) Outcome {
	var params listDirectoryInput
	if len(input) > 0 {
		if err := json.Unmarshal(input, &params); err != nil {
			return Errorf("invalid input: %v", err)
		}
	}

	dir, err := resolvePath(tc.ProjectDir, params.Path)
	if err != nil {
		return Errorf("%v", err)
	}

	if params.Recursive {
		return t.listRecursive(dir, tc.ProjectDir)
	}
	return t.listFlat(dir, tc.ProjectDir)
}

func (t *ListDirectoryTool) listFlat(dir, projectDir string) Outcome {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Errorf("list %s: %v", dir, err)
	}

	var lines []string
	for _, e := range entries {
		if ignoredDirs[e.Name()] {
			continue
		}
		if e.IsDir() {
			lines = append(lines, e.Name()+"/")
		} else {
			lines = append(lines, e.Name())
		}
	}
	sort.Strings(lines)

	if len(lines) == 0 {
		return Ok("(empty directory)")
	}
	return Ok(strings.Join(lines, "\n"))
}

func (t *ListDirectoryTool) listRecursive(dir, projectDir string) Outcome {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if ignoredDirs[d.Name()] && path != dir {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(projectDir, path)
		if err != nil {
			return nil
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return Errorf("walk %s: %v", dir, err)
	}

	sort.Strings(files)
	if len(files) == 0 {
		return Ok("(no files)")
	}
	return Ok(fmt.Sprintf("%d files:\n%s", len(files), strings.Join(files, "\n")))
}
