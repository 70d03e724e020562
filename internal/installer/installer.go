// Package installer installs project dependencies inside the workspace
// container behind a three-level cache: an in-tree marker (L1), an on-host
// archive (L2), and a fresh install (L3). Concurrent installs for the same
// project share one in-flight result.
package installer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/drape-ai/drape/internal/config"
	"github.com/drape-ai/drape/internal/container"
	"github.com/drape-ai/drape/internal/logging"
	"github.com/drape-ai/drape/pkg/types"
)

// MarkerFile records the cache key of the last successful install inside
// the effective project directory.
const MarkerFile = ".package-json-hash"

// containerProjectDir is the project mount point inside the container.
const containerProjectDir = "/home/coder/project"

// containerArchiveDir is where the host archive cache appears in-container.
const containerArchiveDir = "/data/cache/node-modules"

// lockfiles in resolution order.
var lockfiles = []string{"pnpm-lock.yaml", "yarn.lock", "package-lock.json"}

// frozen-lockfile incompatibility markers in install output.
var lockfileBreakMarkers = []string{"LOCKFILE_BREAKING_CHANGE", "not compatible"}

// Error is a structured install failure carrying the output tail.
type Error struct {
	ProjectID string
	Tail      string
}

func (e *Error) Error() string {
	return fmt.Sprintf("dependency install failed for %s:\n%s", e.ProjectID, e.Tail)
}

// Installer runs dependency installs through the in-container agent.
type Installer struct {
	cfg   *config.Config
	agent *container.AgentClient
	group singleflight.Group
}

// New creates an Installer.
func New(cfg *config.Config, agent *container.AgentClient) *Installer {
	return &Installer{cfg: cfg, agent: agent}
}

// Install ensures the project's dependencies are present. While one install
// is in flight for a project, concurrent callers await the same result.
func (i *Installer) Install(ctx context.Context, projectID string, session *types.Session, info *types.ProjectInfo) error {
	if !info.NeedsInstall() {
		return nil
	}

	_, err, _ := i.group.Do(projectID, func() (any, error) {
		return nil, i.install(ctx, projectID, session, info)
	})
	return err
}

func (i *Installer) install(ctx context.Context, projectID string, session *types.Session, info *types.ProjectInfo) error {
	hostDir := i.installHostDir(projectID, info)
	cwd := installContainerDir(info)

	key, err := CacheKey(hostDir, info.PackageManager)
	if err != nil {
		return fmt.Errorf("compute install cache key: %w", err)
	}

	// L1: marker matches and an installed tree exists.
	if i.markerMatches(hostDir, key) && treeExists(hostDir) {
		logging.Debug().Str("project", projectID).Str("key", key).Msg("install cache hit (L1)")
		return nil
	}

	// L2: restore from the on-host archive, extracted in-container.
	restored, err := i.tryRestoreArchive(ctx, session, cwd, key)
	if err != nil {
		logging.Warn().Str("project", projectID).Err(err).Msg("archive restore failed, falling through to install")
	}
	if restored {
		logging.Info().Str("project", projectID).Str("key", key).Msg("install cache hit (L2)")
		i.writeMarker(hostDir, key)
		return nil
	}

	// L3: fresh install.
	if err := i.freshInstall(ctx, projectID, session, info, cwd); err != nil {
		return err
	}

	i.writeMarker(hostDir, key)

	// Produce the archive for future installs; failures only cost the cache.
	go i.produceArchive(context.Background(), projectID, session, cwd, key)

	return nil
}

// CacheKey is a 128-bit digest over the manifest bytes, the first lockfile
// found, and the package-manager identifier.
func CacheKey(dir string, pm types.PackageManager) (string, error) {
	manifest, err := os.ReadFile(filepath.Join(dir, "package.json"))
	if err != nil {
		return "", err
	}

	h := sha256.New()
	h.Write(manifest)
	for _, name := range lockfiles {
		if data, err := os.ReadFile(filepath.Join(dir, name)); err == nil {
			h.Write(data)
			break
		}
	}
	h.Write([]byte(pm))

	return hex.EncodeToString(h.Sum(nil)[:16]), nil
}

// installHostDir is the host-side directory the install command runs in:
// InstallDir under the project root, or the root itself. A workspace
// monorepo keeps InstallDir empty even when the app lives in a
// subdirectory, so the cache key hashes the root manifest and lockfile.
func (i *Installer) installHostDir(projectID string, info *types.ProjectInfo) string {
	dir := i.cfg.ProjectDir(projectID)
	if info.InstallDir != "" {
		return filepath.Join(dir, info.InstallDir)
	}
	return dir
}

// installContainerDir mirrors installHostDir inside the container mount.
func installContainerDir(info *types.ProjectInfo) string {
	if info.InstallDir != "" {
		return containerProjectDir + "/" + filepath.ToSlash(info.InstallDir)
	}
	return containerProjectDir
}

func (i *Installer) markerMatches(hostDir, key string) bool {
	data, err := os.ReadFile(filepath.Join(hostDir, MarkerFile))
	return err == nil && strings.TrimSpace(string(data)) == key
}

func (i *Installer) writeMarker(hostDir, key string) {
	if err := os.WriteFile(filepath.Join(hostDir, MarkerFile), []byte(key+"\n"), 0644); err != nil {
		logging.Warn().Err(err).Msg("install marker write failed")
	}
}

func treeExists(hostDir string) bool {
	info, err := os.Stat(filepath.Join(hostDir, "node_modules"))
	return err == nil && info.IsDir()
}

// tryRestoreArchive extracts <hash>.tar.gz into the working directory
// inside the container. The exec prints RESTORED or MISS.
func (i *Installer) tryRestoreArchive(ctx context.Context, session *types.Session, cwd, key string) (bool, error) {
	archive := containerArchiveDir + "/" + key + ".tar.gz"
	script := fmt.Sprintf(
		"if [ -f %s ]; then tar -xzf %s -C %s && echo RESTORED; else echo MISS; fi",
		archive, archive, cwd,
	)

	result, err := i.agent.Exec(ctx, session.AgentURL, script, cwd, container.InstallExecTimeout, true)
	if err != nil {
		return false, err
	}
	return strings.Contains(result.Output(), "RESTORED"), nil
}

// produceArchive tars node_modules into the content-addressed cache.
func (i *Installer) produceArchive(ctx context.Context, projectID string, session *types.Session, cwd, key string) {
	archive := containerArchiveDir + "/" + key + ".tar.gz"
	script := fmt.Sprintf(
		"mkdir -p %s && tar -czf %s.tmp -C %s node_modules && mv %s.tmp %s",
		containerArchiveDir, archive, cwd, archive, archive,
	)

	if _, err := i.agent.Exec(ctx, session.AgentURL, script, cwd, container.InstallExecTimeout, true); err != nil {
		logging.Warn().Str("project", projectID).Err(err).Msg("install archive creation failed")
		return
	}
	logging.Debug().Str("project", projectID).Str("key", key).Msg("install archive written")
}

// freshInstall runs the project's install command. A frozen-lockfile
// incompatibility triggers one retry with the flag stripped.
func (i *Installer) freshInstall(ctx context.Context, projectID string, session *types.Session, info *types.ProjectInfo, cwd string) error {
	command := info.InstallCommand

	result, err := i.agent.Exec(ctx, session.AgentURL, command, cwd, container.InstallExecTimeout, false)
	if err != nil {
		return fmt.Errorf("install exec: %w", err)
	}

	if result.ExitCode != 0 && strings.Contains(command, "--frozen-lockfile") && hasLockfileBreak(result.Output()) {
		relaxed := strings.TrimSpace(strings.ReplaceAll(command, "--frozen-lockfile", ""))
		logging.Info().Str("project", projectID).Msg("lockfile incompatible, retrying without --frozen-lockfile")

		result, err = i.agent.Exec(ctx, session.AgentURL, relaxed, cwd, container.InstallExecTimeout, false)
		if err != nil {
			return fmt.Errorf("install exec: %w", err)
		}
	}

	if result.ExitCode != 0 {
		return &Error{ProjectID: projectID, Tail: outputTail(result.Output(), 10)}
	}
	return nil
}

func hasLockfileBreak(output string) bool {
	for _, marker := range lockfileBreakMarkers {
		if strings.Contains(output, marker) {
			return true
		}
	}
	return false
}

// outputTail returns the last n non-empty lines of output.
func outputTail(output string, n int) string {
	lines := strings.Split(output, "\n")
	var kept []string
	for i := len(lines) - 1; i >= 0 && len(kept) < n; i-- {
		if strings.TrimSpace(lines[i]) != "" {
			kept = append([]string{lines[i]}, kept...)
		}
	}
	return strings.Join(kept, "\n")
}
