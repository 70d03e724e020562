package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

const globSearchDescription = `Finds files by name pattern.

Usage:
- Supports glob patterns like "**/*.tsx" or "src/**/*.css"
- Dependency and build directories are excluded`

// GlobSearchTool matches filenames against a glob pattern.
type GlobSearchTool struct{}

// NewGlobSearchTool creates the tool.
func NewGlobSearchTool() *GlobSearchTool { return &GlobSearchTool{} }

func (t *GlobSearchTool) Name() string        { return "glob_search" }
func (t *GlobSearchTool) Description() string { return globSearchDescription }

func (t *GlobSearchTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"pattern": {
				"type": "string",
				"description": "The glob pattern to match"
			},
			"path": {
				"type": "string",
				"description": "Directory to search in (default: project root)"
			}
		},
		"required": ["pattern"]
	}`)
}

type globSearchInput struct {
	Pattern string `json:"pattern"`
	Path    string `json:"path,omitempty"`
}

func (t *GlobSearchTool) Execute(ctx context.Context, input json.RawMessage, tc *Context) Outcome {
	var params globSearchInput
	if err := json.Unmarshal(input, &params); err != nil {
		return Errorf("invalid input: %v", err)
	}
	if params.Pattern == "" {
		return Errorf("pattern is required")
	}

	dir, err := resolvePath(tc.ProjectDir, params.Path)
	if err != nil {
		return Errorf("%v", err)
	}

	matches, err := doublestar.Glob(os.DirFS(dir), params.Pattern)
	if err != nil {
		return Errorf("glob %q: %v", params.Pattern, err)
	}

	var files []string
	for _, m := range matches {
		if inIgnoredDir(m) {
			continue
		}
		files = append(files, m)
	}
	sort.Strings(files)

	if len(files) == 0 {
		return Ok("No files matched the pattern")
	}
	return Ok(fmt.Sprintf("%d matches:\n%s", len(files), strings.Join(files, "\n")))
}

func inIgnoredDir(path string) bool {
	for _, part := range strings.Split(path, "/") {
		if ignoredDirs[part] {
			return true
		}
	}
	return false
}
