package tool

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"
)

// containerProjectDir is where the project is mounted inside the container.
// Models frequently address files by this absolute path.
const containerProjectDir = "/home/coder/project"

// ignoredDirs are excluded from listings and searches.
var ignoredDirs = map[string]bool{
	"node_modules": true,
	".git":         true,
	".next":        true,
	"dist":         true,
	"build":        true,
	".cache":       true,
	".turbo":       true,
}

// resolvePath maps a model-supplied path onto the host project directory and
// confines it there. Container-absolute paths are translated; traversal
// outside the project is rejected.
func resolvePath(projectDir, p string) (string, error) {
	if p == "" || p == "." {
		return projectDir, nil
	}

	if strings.HasPrefix(p, containerProjectDir) {
		p = strings.TrimPrefix(p, containerProjectDir)
		p = strings.TrimPrefix(p, "/")
	} else if filepath.IsAbs(p) {
		return "", fmt.Errorf("path %q is outside the project", p)
	}

	full := filepath.Clean(filepath.Join(projectDir, p))
	rel, err := filepath.Rel(projectDir, full)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("path %q escapes the project directory", p)
	}
	return full, nil
}

// isBinary reports whether content looks like a binary file.
func isBinary(content []byte) bool {
	if len(content) > 8000 {
		content = content[:8000]
	}
	return bytes.IndexByte(content, 0) >= 0
}
