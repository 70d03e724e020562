// Package workspace composes the container driver, project detector,
// dependency installer and dev-server supervisor into the public workspace
// verbs: warm, preview, exec, release. It also runs the idle reaper and
// adopts orphaned containers on startup.
package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/drape-ai/drape/internal/config"
	"github.com/drape-ai/drape/internal/container"
	"github.com/drape-ai/drape/internal/detect"
	"github.com/drape-ai/drape/internal/devserver"
	"github.com/drape-ai/drape/internal/event"
	"github.com/drape-ai/drape/internal/installer"
	"github.com/drape-ai/drape/internal/logging"
	"github.com/drape-ai/drape/internal/registry"
	"github.com/drape-ai/drape/pkg/types"
)

const (
	containerProjectDir = "/home/coder/project"
	agentStartupBudget  = 30 * time.Second
	reaperInterval      = time.Minute
)

// ProgressFunc reports startPreview progress. step is one of
// container, clone, detect, install, server, starting, ready.
type ProgressFunc func(step, message string)

// PreviewResult is the successful outcome of StartPreview.
type PreviewResult struct {
	PreviewURL  string             `json:"previewUrl"`
	AgentURL    string             `json:"agentUrl"`
	ContainerID string             `json:"containerId"`
	ProjectInfo *types.ProjectInfo `json:"projectInfo"`
}

// Orchestrator owns workspace lifecycles.
type Orchestrator struct {
	cfg        *config.Config
	registry   *registry.Registry
	driver     *container.Driver
	installer  *installer.Installer
	supervisor *devserver.Supervisor
	watchers   *watcherSet

	reaperStop chan struct{}
}

// New wires the orchestrator.
func New(cfg *config.Config, reg *registry.Registry, driver *container.Driver) *Orchestrator {
	return &Orchestrator{
		cfg:        cfg,
		registry:   reg,
		driver:     driver,
		installer:  installer.New(cfg, driver.Agent()),
		supervisor: devserver.New(driver.Agent()),
		watchers:   newWatcherSet(),
		reaperStop: make(chan struct{}),
	}
}

// Registry exposes the session registry to the HTTP layer.
func (o *Orchestrator) Registry() *registry.Registry { return o.registry }

// Supervisor exposes the dev-server supervisor (log passthrough).
func (o *Orchestrator) Supervisor() *devserver.Supervisor { return o.supervisor }

// GetOrCreateContainer returns a session with a healthy container, creating
// or recreating one as needed. Runs under the per-key session lock.
func (o *Orchestrator) GetOrCreateContainer(ctx context.Context, userID, projectID string) (*types.Session, error) {
	var session *types.Session
	err := o.registry.WithLock(userID, projectID, func() error {
		var err error
		session, err = o.getOrCreateLocked(ctx, userID, projectID)
		return err
	})
	return session, err
}

func (o *Orchestrator) getOrCreateLocked(ctx context.Context, userID, projectID string) (*types.Session, error) {
	if existing := o.registry.Get(userID, projectID); existing != nil {
		if o.probeContainer(ctx, existing) {
			existing.Touch()
			o.registry.Set(existing)
			return existing, nil
		}

		logging.Warn().
			Str("project", projectID).
			Str("container", existing.ContainerID).
			Msg("container unhealthy, recreating")
		o.destroySession(ctx, existing)
	}

	record, err := o.driver.Create(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}

	// Not fatal: the agent may still be booting; execs retry anyway.
	if err := o.driver.Agent().WaitForAgent(ctx, record.AgentURL, agentStartupBudget); err != nil {
		logging.Warn().Str("project", projectID).Err(err).Msg("agent slow to become healthy")
	}

	now := time.Now()
	session := &types.Session{
		UserID:      userID,
		ProjectID:   projectID,
		ContainerID: record.ID,
		AgentURL:    record.AgentURL,
		PreviewPort: record.PreviewPort,
		ServerID:    record.ServerID,
		CreatedAt:   now,
		LastUsed:    now,
	}
	o.registry.Set(session)

	event.Publish(event.SessionCreated, event.SessionData{UserID: userID, ProjectID: projectID})
	return session, nil
}

// probeContainer checks container health with a trivial exec.
func (o *Orchestrator) probeContainer(ctx context.Context, session *types.Session) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	result, err := o.driver.Agent().Exec(probeCtx, session.AgentURL, "echo ok", containerProjectDir, 5*time.Second, true)
	return err == nil && result.ExitCode == 0
}

// WarmProject prepares a workspace in the background: container, optional
// clone, detection, then install + dev-server start off the request path.
func (o *Orchestrator) WarmProject(ctx context.Context, userID, projectID, repoURL, authToken string) (*types.Session, error) {
	session, err := o.GetOrCreateContainer(ctx, userID, projectID)
	if err != nil {
		return nil, err
	}

	if repoURL != "" && !o.hasManifest(projectID) {
		if err := o.CloneRepository(ctx, userID, projectID, repoURL, authToken); err != nil {
			return nil, err
		}
	}

	info, err := detect.Detect(o.cfg.ProjectDir(projectID))
	if err != nil {
		return nil, fmt.Errorf("detect project: %w", err)
	}

	o.registry.WithLock(userID, projectID, func() error {
		session.ProjectInfo = info
		session.Touch()
		o.registry.Set(session)
		return nil
	})

	o.watchers.start(projectID, o.cfg.ProjectDir(projectID))

	if o.supervisor.IsResponding(ctx, session) {
		return session, nil
	}

	go o.prepare(context.Background(), userID, projectID, session, info)
	return session, nil
}

// prepare runs install + start off the caller's request. On success the
// session is stamped preparedAt.
func (o *Orchestrator) prepare(ctx context.Context, userID, projectID string, session *types.Session, info *types.ProjectInfo) {
	if err := o.installer.Install(ctx, projectID, session, info); err != nil {
		logging.Error().Str("project", projectID).Err(err).Msg("background install failed")
		return
	}
	if err := o.supervisor.Start(ctx, session, info); err != nil {
		logging.Error().Str("project", projectID).Err(err).Msg("background dev-server start failed")
		event.Publish(event.PreviewFailed, event.PreviewData{ProjectID: projectID, Reason: err.Error()})
		return
	}

	o.registry.WithLock(userID, projectID, func() error {
		if s := o.registry.Get(userID, projectID); s != nil {
			now := time.Now()
			s.PreparedAt = &now
			o.registry.Set(s)
		}
		return nil
	})
	event.Publish(event.PreviewReady, event.PreviewData{ProjectID: projectID, URL: o.cfg.PreviewURL(projectID)})
}

// StartPreview brings the project preview fully up, reporting progress. The
// fast path reuses a healthy dev server when the project type is unchanged.
func (o *Orchestrator) StartPreview(ctx context.Context, userID, projectID string, onProgress ProgressFunc, repoURL, authToken string) (*PreviewResult, error) {
	if onProgress == nil {
		onProgress = func(string, string) {}
	}

	// Fast path.
	if session := o.registry.Get(userID, projectID); session != nil && session.ProjectInfo != nil {
		if o.supervisor.IsResponding(ctx, session) {
			info, err := detect.Detect(o.cfg.ProjectDir(projectID))
			if err == nil && info.Type == session.ProjectInfo.Type {
				if err := o.scanRunning(ctx, session); err != nil {
					return nil, err
				}
				o.registry.Touch(userID, projectID)
				onProgress("ready", "Preview ready")
				return o.result(session), nil
			}

			// Type changed: restart from scratch.
			logging.Info().
				Str("project", projectID).
				Str("from", string(session.ProjectInfo.Type)).
				Msg("project type changed, restarting dev server")
			o.supervisor.Stop(ctx, session)
		}
	}

	// Slow path.
	onProgress("container", "Preparing workspace")
	session, err := o.GetOrCreateContainer(ctx, userID, projectID)
	if err != nil {
		return nil, err
	}

	if repoURL != "" && !o.hasManifest(projectID) {
		onProgress("clone", "Cloning repository")
		if err := o.CloneRepository(ctx, userID, projectID, repoURL, authToken); err != nil {
			return nil, err
		}
	}

	onProgress("detect", "Analyzing project")
	info, err := detect.Detect(o.cfg.ProjectDir(projectID))
	if err != nil {
		return nil, fmt.Errorf("detect project: %w", err)
	}

	o.registry.WithLock(userID, projectID, func() error {
		session.ProjectInfo = info
		session.Touch()
		o.registry.Set(session)
		return nil
	})

	onProgress("install", "Installing dependencies")
	if err := o.installer.Install(ctx, projectID, session, info); err != nil {
		return nil, err
	}

	onProgress("server", "Starting dev server")
	onProgress("starting", info.Description)
	if err := o.supervisor.Start(ctx, session, info); err != nil {
		return nil, err
	}

	o.registry.WithLock(userID, projectID, func() error {
		if s := o.registry.Get(userID, projectID); s != nil {
			now := time.Now()
			s.PreparedAt = &now
			s.Touch()
			o.registry.Set(s)
		}
		return nil
	})

	o.watchers.start(projectID, o.cfg.ProjectDir(projectID))
	onProgress("ready", "Preview ready")
	return o.result(session), nil
}

// scanRunning checks an already-responding dev server for app errors.
func (o *Orchestrator) scanRunning(ctx context.Context, session *types.Session) error {
	return o.supervisor.CheckRunning(ctx, session)
}

// StopPreview stops the dev server but keeps the container.
func (o *Orchestrator) StopPreview(ctx context.Context, userID, projectID string) error {
	session := o.registry.Get(userID, projectID)
	if session == nil {
		return nil
	}
	o.supervisor.Stop(ctx, session)
	return nil
}

// Exec runs a command inside the project container.
func (o *Orchestrator) Exec(ctx context.Context, userID, projectID, command, cwd string) (*container.ExecResult, error) {
	session, err := o.GetOrCreateContainer(ctx, userID, projectID)
	if err != nil {
		return nil, err
	}
	if cwd == "" {
		cwd = containerProjectDir
	}
	return o.driver.Agent().Exec(ctx, session.AgentURL, command, cwd, container.DefaultExecTimeout, false)
}

// ListFiles returns the project's file list, ignored directories excluded.
func (o *Orchestrator) ListFiles(projectID string, limit int) []string {
	root := o.cfg.ProjectDir(projectID)

	var files []string
	filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if limit > 0 && len(files) >= limit {
			return filepath.SkipAll
		}
		name := d.Name()
		if d.IsDir() {
			switch name {
			case "node_modules", ".git", ".next", "dist", "build":
				if path != root {
					return filepath.SkipDir
				}
			}
			return nil
		}
		if rel, err := filepath.Rel(root, path); err == nil {
			files = append(files, rel)
		}
		return nil
	})
	return files
}

// Release tears the workspace down: watcher, dev server, container, session.
func (o *Orchestrator) Release(ctx context.Context, userID, projectID string) error {
	return o.registry.WithLock(userID, projectID, func() error {
		session := o.registry.Get(userID, projectID)
		if session == nil {
			return nil
		}
		o.destroySession(ctx, session)
		return nil
	})
}

// destroySession is the lock-held teardown shared by release, recreate and
// the reaper.
func (o *Orchestrator) destroySession(ctx context.Context, session *types.Session) {
	o.watchers.stop(session.ProjectID)
	o.supervisor.Stop(ctx, session)

	if session.ContainerID != "" {
		if err := o.driver.Destroy(ctx, session.ServerID, session.ContainerID); err != nil {
			logging.Warn().
				Str("project", session.ProjectID).
				Err(err).
				Msg("container destroy failed")
		}
	}

	o.registry.Delete(session.UserID, session.ProjectID)
	event.Publish(event.SessionDeleted, event.SessionData{UserID: session.UserID, ProjectID: session.ProjectID})
}

// StartReaper destroys idle sessions once a minute until Shutdown.
func (o *Orchestrator) StartReaper() {
	go func() {
		ticker := time.NewTicker(reaperInterval)
		defer ticker.Stop()

		for {
			select {
			case <-o.reaperStop:
				return
			case <-ticker.C:
				o.reapIdle(context.Background())
			}
		}
	}()
}

// reapIdle sweeps every session; one failure never aborts the sweep.
func (o *Orchestrator) reapIdle(ctx context.Context) {
	for _, session := range o.registry.All() {
		if time.Since(session.LastUsed) <= o.cfg.IdleTimeout {
			continue
		}

		s := session
		err := o.registry.WithLock(s.UserID, s.ProjectID, func() error {
			current := o.registry.Get(s.UserID, s.ProjectID)
			if current == nil || time.Since(current.LastUsed) <= o.cfg.IdleTimeout {
				return nil
			}
			logging.Info().
				Str("project", s.ProjectID).
				Dur("idle", time.Since(current.LastUsed)).
				Msg("reaping idle workspace")
			o.destroySession(ctx, current)
			return nil
		})
		if err != nil {
			logging.Warn().Str("project", s.ProjectID).Err(err).Msg("reap failed")
		}
	}
}

// Shutdown stops the reaper and all watchers.
func (o *Orchestrator) Shutdown() {
	close(o.reaperStop)
	o.watchers.stopAll()
}

// AdoptOrphans binds workspace containers that have no session to legacy
// session records so startup recovers them instead of leaking them.
func (o *Orchestrator) AdoptOrphans(ctx context.Context) {
	for _, record := range o.driver.List(ctx) {
		if record.ProjectID == "" || o.registry.GetByContainer(record.ID) != nil {
			continue
		}

		agentURL, err := o.driver.AgentURLFor(ctx, record.ServerID, record.ID)
		if err != nil {
			logging.Warn().Str("container", record.ID).Err(err).Msg("orphan not adoptable")
			continue
		}

		now := time.Now()
		o.registry.Set(&types.Session{
			UserID:      registry.LegacyUserID,
			ProjectID:   record.ProjectID,
			ContainerID: record.ID,
			AgentURL:    agentURL,
			ServerID:    record.ServerID,
			CreatedAt:   record.CreatedAt,
			LastUsed:    now,
		})
		logging.Info().
			Str("project", record.ProjectID).
			Str("container", record.ID).
			Msg("adopted orphaned workspace container")
	}
}

func (o *Orchestrator) hasManifest(projectID string) bool {
	_, err := os.Stat(filepath.Join(o.cfg.ProjectDir(projectID), "package.json"))
	return err == nil
}

func (o *Orchestrator) result(session *types.Session) *PreviewResult {
	return &PreviewResult{
		PreviewURL:  o.cfg.PreviewURL(session.ProjectID),
		AgentURL:    session.AgentURL,
		ContainerID: session.ContainerID,
		ProjectInfo: session.ProjectInfo,
	}
}
