package detect

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drape-ai/drape/pkg/types"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestDetectNextWithTurbopack(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "package.json", `{"dependencies":{"next":"^15.1.0","react":"^19.0.0"}}`)
	writeFile(t, dir, "next.config.ts", "export default {}")

	info, err := Detect(dir)
	require.NoError(t, err)
	assert.Equal(t, types.ProjectNext, info.Type)
	assert.Contains(t, info.StartCommand, "--turbopack")
	assert.Contains(t, info.StartCommand, "--port 3000")
	assert.Equal(t, types.NPM, info.PackageManager)
}

func TestDetectNext14NoTurbo(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "package.json", `{"dependencies":{"next":"14.2.3"}}`)

	info, err := Detect(dir)
	require.NoError(t, err)
	assert.Equal(t, types.ProjectNext, info.Type)
	assert.NotContains(t, info.StartCommand, "--turbopack")
	assert.Contains(t, info.StartCommand, "--port 3000")
}

func TestDetectVite(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "package.json", `{"devDependencies":{"vite":"^5.0.0"}}`)
	writeFile(t, dir, "vite.config.ts", "export default {}")
	writeFile(t, dir, "pnpm-lock.yaml", "lockfileVersion: 9")

	info, err := Detect(dir)
	require.NoError(t, err)
	assert.Equal(t, types.ProjectVite, info.Type)
	assert.Contains(t, info.StartCommand, "--host 0.0.0.0")
	assert.Contains(t, info.StartCommand, "--port 3000")
	assert.Equal(t, types.PNPM, info.PackageManager)
	assert.Contains(t, info.InstallCommand, "--frozen-lockfile")
}

func TestDetectExpoLegacyPeerDeps(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "package.json", `{"dependencies":{"expo":"~51.0.0"},"scripts":{"start":"expo start --port 8081"}}`)

	info, err := Detect(dir)
	require.NoError(t, err)
	assert.Equal(t, types.ProjectExpo, info.Type)
	assert.Equal(t, "npm install --legacy-peer-deps", info.InstallCommand)
	// Custom script ports are ignored; the workspace port is pinned.
	assert.Contains(t, info.StartCommand, "--port 3000")
}

func TestDetectStatic(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "index.html", "<html></html>")

	info, err := Detect(dir)
	require.NoError(t, err)
	assert.Equal(t, types.ProjectStatic, info.Type)
	assert.Contains(t, info.StartCommand, "3000")
	assert.False(t, info.NeedsInstall())
}

func TestDetectMonorepoSubdirectory(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "package.json", `{"private":true}`)
	writeFile(t, dir, filepath.Join("apps", "web", "package.json"), `{"dependencies":{"next":"^15.0.0"}}`)
	writeFile(t, dir, filepath.Join("apps", "web", "next.config.js"), "module.exports = {}")

	info, err := Detect(dir)
	require.NoError(t, err)
	assert.Equal(t, types.ProjectNext, info.Type)
	assert.Equal(t, filepath.Join("apps", "web"), info.Subdirectory)
	assert.Contains(t, info.StartCommand, "cd "+filepath.Join("apps", "web")+" && ")
	// No workspace declaration: the install runs inside the subdirectory,
	// carried as InstallDir so the installer's cwd and cache-key scan agree.
	assert.Equal(t, filepath.Join("apps", "web"), info.InstallDir)
	assert.NotContains(t, info.InstallCommand, "cd ")
}

func TestDetectMonorepoWorkspaceInstallAtRoot(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "package.json", `{"workspaces":["apps/*"]}`)
	writeFile(t, dir, filepath.Join("apps", "web", "package.json"), `{"dependencies":{"vite":"^5.0.0"}}`)

	info, err := Detect(dir)
	require.NoError(t, err)
	assert.Equal(t, types.ProjectVite, info.Type)
	assert.Equal(t, filepath.Join("apps", "web"), info.Subdirectory)
	assert.Empty(t, info.InstallDir, "workspace installs run at the monorepo root")
	assert.NotContains(t, info.InstallCommand, "cd ")
}

func TestDetectGenericNodeScripts(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "package.json", `{"scripts":{"dev":"node server.js"}}`)
	writeFile(t, dir, "yarn.lock", "")

	info, err := Detect(dir)
	require.NoError(t, err)
	assert.Equal(t, types.ProjectNode, info.Type)
	assert.Equal(t, "yarn run dev", info.StartCommand)
	assert.Equal(t, types.Yarn, info.PackageManager)
}

func TestDetectGenericNodeStartFallback(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "package.json", `{"scripts":{"start":"node index.js"}}`)

	info, err := Detect(dir)
	require.NoError(t, err)
	assert.Equal(t, "npm run start", info.StartCommand)
}

func TestDetectPython(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "requirements.txt", "flask\n")

	info, err := Detect(dir)
	require.NoError(t, err)
	assert.Equal(t, types.ProjectPython, info.Type)
	assert.Contains(t, info.StartCommand, "http.server 3000")
}

func TestDetectUnknown(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "README.md", "# nothing here")

	info, err := Detect(dir)
	require.NoError(t, err)
	assert.Equal(t, types.ProjectUnknown, info.Type)
	assert.Equal(t, staticStartCommand, info.StartCommand)
}

func TestNextMajorParsing(t *testing.T) {
	cases := map[string]int{
		"^15.1.0":  15,
		"14.2.3":   14,
		"~13.0.0":  13,
		">=15":     15,
		"latest":   0,
		"15.x":     15,
	}
	for rangeStr, want := range cases {
		m := &packageJSON{Dependencies: map[string]string{"next": rangeStr}}
		assert.Equal(t, want, nextMajor(m), "range %q", rangeStr)
	}
}
