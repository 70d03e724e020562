// Package devserver starts and supervises the project dev server inside the
// workspace container: readiness probing, crash-loop detection from the
// server log, and classification of user-actionable startup failures.
package devserver

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/drape-ai/drape/internal/container"
	"github.com/drape-ai/drape/internal/logging"
	"github.com/drape-ai/drape/pkg/types"
)

const (
	readyTimeout   = 60 * time.Second
	probeInterval  = 2 * time.Second
	logTailDelay   = 8 * time.Second
	serverLogPath  = "/home/coder/server.log"
	containerDir   = "/home/coder/project"
	devServerProbe = "curl -s -o /dev/null -w '%{http_code}' --max-time 3 http://localhost:3000/ || echo 000"
)

// Supervisor manages dev-server lifecycles. Start calls for the same
// project share one in-flight attempt.
type Supervisor struct {
	agent *container.AgentClient
	group singleflight.Group
}

// New creates a Supervisor.
func New(agent *container.AgentClient) *Supervisor {
	return &Supervisor{agent: agent}
}

// Start brings the dev server up and waits until it responds. Returns a
// *Failure for classified startup problems.
func (s *Supervisor) Start(ctx context.Context, session *types.Session, info *types.ProjectInfo) error {
	_, err, _ := s.group.Do(session.ProjectID, func() (any, error) {
		return nil, s.start(ctx, session, info)
	})
	return err
}

func (s *Supervisor) start(ctx context.Context, session *types.Session, info *types.ProjectInfo) error {
	// Already responding: a concurrent warm got here first.
	if s.IsResponding(ctx, session) {
		return s.checkResponseForErrors(ctx, session)
	}

	cwd := containerDir
	command := info.StartCommand
	if info.Subdirectory != "" && !strings.HasPrefix(command, "cd ") {
		command = fmt.Sprintf("cd %s && %s", info.Subdirectory, command)
	}

	if err := s.agent.Setup(ctx, session.AgentURL, command, cwd); err != nil {
		return fmt.Errorf("dev server setup: %w", err)
	}

	if err := s.waitForReady(ctx, session); err != nil {
		return err
	}

	return s.checkResponseForErrors(ctx, session)
}

// IsResponding probes the dev server from inside the container. Any HTTP
// status >= 200 counts as responding.
func (s *Supervisor) IsResponding(ctx context.Context, session *types.Session) bool {
	result, err := s.agent.Exec(ctx, session.AgentURL, devServerProbe, containerDir, 10*time.Second, true)
	if err != nil {
		return false
	}
	code, err := strconv.Atoi(strings.TrimSpace(result.Stdout))
	return err == nil && code >= 200
}

// waitForReady polls the dev server until it responds or the startup budget
// runs out. After 8 s the server log is also tailed for crash loops.
func (s *Supervisor) waitForReady(ctx context.Context, session *types.Session) error {
	started := time.Now()

	for {
		if s.IsResponding(ctx, session) {
			return nil
		}

		if time.Since(started) > logTailDelay {
			tail, err := s.tailLog(ctx, session)
			if err == nil && DetectCrash(tail) {
				failure := ClassifyCrash(tail)
				logging.Warn().
					Str("project", session.ProjectID).
					Str("kind", string(failure.Kind)).
					Msg("dev server crash loop detected")
				return failure
			}
		}

		if time.Since(started) > readyTimeout {
			return &Failure{
				Kind:    FailureExit,
				Message: "The dev server did not start within 60 seconds",
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(probeInterval):
		}
	}
}

// CheckRunning scans an already-responding dev server for app errors.
func (s *Supervisor) CheckRunning(ctx context.Context, session *types.Session) error {
	return s.checkResponseForErrors(ctx, session)
}

// checkResponseForErrors fetches / and scans >= 500 bodies for known
// user-actionable failure patterns. A responding server with an app error
// is a terminal failure for this start.
func (s *Supervisor) checkResponseForErrors(ctx context.Context, session *types.Session) error {
	script := "curl -s --max-time 5 -w '\\nHTTP_CODE:%{http_code}' http://localhost:3000/"
	result, err := s.agent.Exec(ctx, session.AgentURL, script, containerDir, 15*time.Second, true)
	if err != nil {
		return nil // probe failure is not an app error
	}

	body, code := splitProbeOutput(result.Stdout)
	if code < 500 {
		return nil
	}

	if failure := ScanBody(body); failure != nil {
		return failure
	}
	return nil
}

func splitProbeOutput(output string) (string, int) {
	idx := strings.LastIndex(output, "HTTP_CODE:")
	if idx < 0 {
		return output, 0
	}
	code, _ := strconv.Atoi(strings.TrimSpace(output[idx+len("HTTP_CODE:"):]))
	return strings.TrimSpace(output[:idx]), code
}

// tailLog reads the last lines of the in-container server log.
func (s *Supervisor) tailLog(ctx context.Context, session *types.Session) (string, error) {
	result, err := s.agent.Exec(ctx, session.AgentURL, "tail -n 100 "+serverLogPath+" 2>/dev/null || true", containerDir, 10*time.Second, true)
	if err != nil {
		return "", err
	}
	return result.Output(), nil
}

// TailLog exposes the server log tail for callers (log passthrough route).
func (s *Supervisor) TailLog(ctx context.Context, session *types.Session) (string, error) {
	return s.tailLog(ctx, session)
}

// Stop kills the dev server best-effort and clears any pending start lock
// for the project.
func (s *Supervisor) Stop(ctx context.Context, session *types.Session) {
	script := "pkill -f 'node' 2>/dev/null; fuser -k 3000/tcp 2>/dev/null; true"
	if _, err := s.agent.Exec(ctx, session.AgentURL, script, containerDir, 15*time.Second, true); err != nil {
		logging.Debug().Str("project", session.ProjectID).Err(err).Msg("dev server stop failed")
	}
	s.group.Forget(session.ProjectID)
}
