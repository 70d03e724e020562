// Package detect classifies a project tree into a runnable ProjectInfo:
// project type, install and start commands, dev-server port, and package
// manager. Detection is pure filesystem inspection.
package detect

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/drape-ai/drape/pkg/types"
)

// monorepoDirs are the well-known locations a runnable app hides in.
var monorepoDirs = []string{"client", "frontend", "web", "app"}

// monorepoGlobs are scanned one level deep.
var monorepoGlobs = []string{"apps", "packages"}

var nextMajorRe = regexp.MustCompile(`(\d+)`)

// packageJSON is the subset of the manifest the detector reads.
type packageJSON struct {
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"devDependencies"`
	Scripts         map[string]string `json:"scripts"`
	Workspaces      json.RawMessage   `json:"workspaces"`
}

func (p *packageJSON) dep(name string) (string, bool) {
	if v, ok := p.Dependencies[name]; ok {
		return v, true
	}
	v, ok := p.DevDependencies[name]
	return v, ok
}

// Detect classifies the project at dir.
func Detect(dir string) (*types.ProjectInfo, error) {
	info, err := detectAt(dir, dir)
	if err != nil {
		return nil, err
	}
	return info, nil
}

// detectAt runs the cascade inside dir; root is the project root used for
// workspace-aware install command placement.
func detectAt(root, dir string) (*types.ProjectInfo, error) {
	pm := detectPackageManager(dir)
	manifest := readManifest(dir)

	// 1. Next.js: a framework config file or a declared dependency.
	if hasAny(dir, "next.config.js", "next.config.mjs", "next.config.ts") || depExists(manifest, "next") {
		return nextProject(manifest, pm), nil
	}

	// 2. Vite.
	if hasAny(dir, "vite.config.js", "vite.config.ts", "vite.config.mjs") || depExists(manifest, "vite") {
		return viteProject(pm), nil
	}

	// 3. Expo / React Native Web.
	if depExists(manifest, "expo") || depExists(manifest, "react-native-web") {
		return expoProject(pm), nil
	}

	// 4. Plain static site.
	if hasAny(dir, "index.html") && manifest == nil {
		return staticProject("Static HTML site"), nil
	}

	// 5. Monorepo recursion, only from the root.
	if root == dir {
		if info := detectMonorepo(root); info != nil {
			return info, nil
		}
	}

	// 6. Generic Node project.
	if manifest != nil {
		return nodeProject(manifest, pm), nil
	}

	// 7. Python markers.
	if hasAny(dir, "requirements.txt", "pyproject.toml", "setup.py") {
		return &types.ProjectInfo{
			Type:          types.ProjectPython,
			Description:   "Python project",
			StartCommand:  "python3 -m http.server 3000",
			DevServerPort: types.DefaultDevServerPort,
		}, nil
	}

	// 8. Nothing recognized.
	info := staticProject("Unclassified project")
	info.Type = types.ProjectUnknown
	return info, nil
}

// detectMonorepo re-applies the framework checks inside known subdirectories.
func detectMonorepo(root string) *types.ProjectInfo {
	candidates := make([]string, 0, len(monorepoDirs))
	candidates = append(candidates, monorepoDirs...)
	for _, parent := range monorepoGlobs {
		entries, err := os.ReadDir(filepath.Join(root, parent))
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() {
				candidates = append(candidates, filepath.Join(parent, e.Name()))
			}
		}
	}

	for _, sub := range candidates {
		subDir := filepath.Join(root, sub)
		if !hasAny(subDir, "package.json") {
			continue
		}

		pm := detectPackageManager(subDir)
		if pm == types.NPM {
			// Lockfiles usually live at the monorepo root.
			pm = detectPackageManager(root)
		}
		manifest := readManifest(subDir)

		var info *types.ProjectInfo
		switch {
		case hasAny(subDir, "next.config.js", "next.config.mjs", "next.config.ts") || depExists(manifest, "next"):
			info = nextProject(manifest, pm)
		case hasAny(subDir, "vite.config.js", "vite.config.ts", "vite.config.mjs") || depExists(manifest, "vite"):
			info = viteProject(pm)
		case depExists(manifest, "expo") || depExists(manifest, "react-native-web"):
			info = expoProject(pm)
		default:
			continue
		}

		info.Subdirectory = sub
		info.StartCommand = fmt.Sprintf("cd %s && %s", sub, info.StartCommand)
		if info.InstallCommand != "" && !workspaceRoot(root) {
			// No workspace declaration at the root: the install runs inside
			// the subdirectory. The installer resolves InstallDir as its cwd,
			// so the command itself stays unprefixed.
			info.InstallDir = sub
		}
		info.Description = info.Description + " (monorepo: " + sub + ")"
		return info
	}
	return nil
}

// workspaceRoot reports whether installs should run at the repo root.
func workspaceRoot(root string) bool {
	if hasAny(root, "pnpm-workspace.yaml", "pnpm-workspace.yml") {
		return true
	}
	manifest := readManifest(root)
	return manifest != nil && len(manifest.Workspaces) > 0 && string(manifest.Workspaces) != "null"
}

func nextProject(manifest *packageJSON, pm types.PackageManager) *types.ProjectInfo {
	start := runPrefix(pm) + " next dev"
	if major := nextMajor(manifest); major >= 15 {
		start += " --turbopack"
	}
	if !strings.Contains(start, "--port") {
		start += " --port 3000"
	}
	return &types.ProjectInfo{
		Type:           types.ProjectNext,
		Description:    "Next.js application",
		InstallCommand: installCommand(pm),
		StartCommand:   start,
		DevServerPort:  types.DefaultDevServerPort,
		PackageManager: pm,
	}
}

func viteProject(pm types.PackageManager) *types.ProjectInfo {
	return &types.ProjectInfo{
		Type:           types.ProjectVite,
		Description:    "Vite application",
		InstallCommand: installCommand(pm),
		StartCommand:   runPrefix(pm) + " vite --host 0.0.0.0 --port 3000",
		DevServerPort:  types.DefaultDevServerPort,
		PackageManager: pm,
	}
}

func expoProject(pm types.PackageManager) *types.ProjectInfo {
	install := installCommand(pm)
	if pm == types.NPM {
		install = "npm install --legacy-peer-deps"
	}
	return &types.ProjectInfo{
		Type:           types.ProjectExpo,
		Description:    "Expo / React Native Web application",
		InstallCommand: install,
		// Custom start scripts are ignored so the port stays pinned.
		StartCommand:   runPrefix(pm) + " expo start --web --port 3000",
		DevServerPort:  types.DefaultDevServerPort,
		PackageManager: pm,
	}
}

func nodeProject(manifest *packageJSON, pm types.PackageManager) *types.ProjectInfo {
	info := &types.ProjectInfo{
		Type:           types.ProjectNode,
		Description:    "Node.js project",
		InstallCommand: installCommand(pm),
		DevServerPort:  types.DefaultDevServerPort,
		PackageManager: pm,
	}
	switch {
	case manifest.Scripts["dev"] != "":
		info.StartCommand = string(pm) + " run dev"
	case manifest.Scripts["start"] != "":
		info.StartCommand = string(pm) + " run start"
	default:
		info.StartCommand = staticStartCommand
	}
	return info
}

const staticStartCommand = "npx serve -l 3000 ."

func staticProject(description string) *types.ProjectInfo {
	return &types.ProjectInfo{
		Type:          types.ProjectStatic,
		Description:   description,
		StartCommand:  staticStartCommand,
		DevServerPort: types.DefaultDevServerPort,
	}
}

// nextMajor infers the declared Next.js major version; 0 when unknown.
func nextMajor(manifest *packageJSON) int {
	if manifest == nil {
		return 0
	}
	rangeStr, ok := manifest.dep("next")
	if !ok {
		return 0
	}
	m := nextMajorRe.FindString(rangeStr)
	if m == "" {
		return 0
	}
	major, err := strconv.Atoi(m)
	if err != nil {
		return 0
	}
	return major
}

// detectPackageManager keys off the lockfile: pnpm, then yarn, then npm.
func detectPackageManager(dir string) types.PackageManager {
	if hasAny(dir, "pnpm-lock.yaml") {
		return types.PNPM
	}
	if hasAny(dir, "yarn.lock") {
		return types.Yarn
	}
	return types.NPM
}

func installCommand(pm types.PackageManager) string {
	switch pm {
	case types.PNPM:
		return "pnpm install --frozen-lockfile"
	case types.Yarn:
		return "yarn install --frozen-lockfile"
	default:
		return "npm install"
	}
}

// runPrefix is how a package binary is invoked under each manager.
func runPrefix(pm types.PackageManager) string {
	switch pm {
	case types.PNPM:
		return "pnpm exec"
	case types.Yarn:
		return "yarn"
	default:
		return "npx"
	}
}

func readManifest(dir string) *packageJSON {
	data, err := os.ReadFile(filepath.Join(dir, "package.json"))
	if err != nil {
		return nil
	}
	var manifest packageJSON
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil
	}
	return &manifest
}

func depExists(manifest *packageJSON, name string) bool {
	if manifest == nil {
		return false
	}
	_, ok := manifest.dep(name)
	return ok
}

func hasAny(dir string, names ...string) bool {
	for _, name := range names {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			return true
		}
	}
	return false
}
