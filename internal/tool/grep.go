package tool

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

const maxGrepMatches = 100

const grepSearchDescription = `Searches file contents with a regular expression.

Usage:
- Full regex syntax (e.g. "useState\\(", "class\\s+\\w+")
- include filters files by glob (e.g. "*.tsx")
- Results are bounded; narrow the pattern if truncated`

// GrepSearchTool searches file contents.
type GrepSearchTool struct{}

// NewGrepSearchTool creates the tool.
func NewGrepSearchTool() *GrepSearchTool { return &GrepSearchTool{} }

func (t *GrepSearchTool) Name() string        { return "grep_search" }
func (t *GrepSearchTool) Description() string { return grepSearchDescription }

func (t *GrepSearchTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"pattern": {
				"type": "string",
				"description": "The regex pattern to search for"
			},
			"path": {
				"type": "string",
				"description": "Directory to search in (default: project root)"
			},
			"include": {
				"type": "string",
				"description": "File glob to include (e.g. \"*.ts\")"
			}
		},
		"required": ["pattern"]
	}`)
}

type grepSearchInput struct {
	Pattern string `json:"pattern"`
	Path    string `json:"path,omitempty"`
	Include string `json:"include,omitempty"`
}

func (t *GrepSearchTool) Execute(ctx context.Context, input json.RawMessage, tc *Context) Outcome {
	var params grepSearchInput
	if err := json.Unmarshal(input, &params); err != nil {
		return Errorf("invalid input: %v", err)
	}
	if params.Pattern == "" {
		return Errorf("pattern is required")
	}

	re, err := regexp.Compile(params.Pattern)
	if err != nil {
		return Errorf("invalid pattern: %v", err)
	}

	dir, err := resolvePath(tc.ProjectDir, params.Path)
	if err != nil {
		return Errorf("%v", err)
	}

	var matches []string
	truncated := false

	filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || truncated {
			if truncated {
				return filepath.SkipAll
			}
			return nil
		}
		if d.IsDir() {
			if ignoredDirs[d.Name()] && path != dir {
				return filepath.SkipDir
			}
			return nil
		}

		rel, err := filepath.Rel(tc.ProjectDir, path)
		if err != nil {
			return nil
		}
		if params.Include != "" {
			ok, err := doublestar.Match(params.Include, filepath.Base(path))
			if err != nil || !ok {
				return nil
			}
		}

		f, err := os.Open(path)
		if err != nil {
			return nil
		}
		defer f.Close()

		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		lineNo := 0
		for scanner.Scan() {
			lineNo++
			line := scanner.Text()
			if strings.ContainsRune(line, 0) {
				return nil // binary
			}
			if re.MatchString(line) {
				matches = append(matches, fmt.Sprintf("%s:%d: %s", rel, lineNo, strings.TrimSpace(line)))
				if len(matches) >= maxGrepMatches {
					truncated = true
					return filepath.SkipAll
				}
			}
		}
		return nil
	})

	if len(matches) == 0 {
		return Ok("No matches found")
	}

	out := fmt.Sprintf("%d matches:\n%s", len(matches), strings.Join(matches, "\n"))
	if truncated {
		out += "\n... (results truncated)"
	}
	return Ok(out)
}
