package workspace

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/drape-ai/drape/internal/container"
	"github.com/drape-ai/drape/internal/logging"
)

// tokenHosts are the code hosts that accept token-in-URL authentication.
var tokenHosts = map[string]bool{
	"github.com":    true,
	"gitlab.com":    true,
	"bitbucket.org": true,
}

// CloneRepository clones repoURL into the project working copy. Idempotent:
// a directory that already contains a repository returns success without
// re-cloning.
func (o *Orchestrator) CloneRepository(ctx context.Context, userID, projectID, repoURL, authToken string) error {
	session := o.registry.Get(userID, projectID)
	if session == nil {
		return fmt.Errorf("no session for project %s", projectID)
	}

	hostDir := o.cfg.ProjectDir(projectID)
	if _, err := os.Stat(filepath.Join(hostDir, ".git")); err == nil {
		logging.Debug().Str("project", projectID).Msg("repository already cloned")
		return nil
	}

	cloneURL, err := injectToken(repoURL, authToken)
	if err != nil {
		return err
	}

	command := fmt.Sprintf("git clone %s .", shellQuote(cloneURL))
	result, err := o.driver.Agent().Exec(ctx, session.AgentURL, command, containerProjectDir, container.CloneExecTimeout, true)
	if err != nil {
		return fmt.Errorf("clone exec: %w", err)
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("git clone failed: %s", strings.TrimSpace(result.Stderr))
	}

	logging.Info().Str("project", projectID).Msg("repository cloned")
	return nil
}

// injectToken embeds an auth token into the clone URL for supported hosts.
// Unsupported hosts get the URL unchanged.
func injectToken(repoURL, authToken string) (string, error) {
	if authToken == "" {
		return repoURL, nil
	}

	u, err := url.Parse(repoURL)
	if err != nil {
		return "", fmt.Errorf("invalid repository URL: %w", err)
	}
	if !tokenHosts[u.Hostname()] {
		return repoURL, nil
	}

	u.User = url.UserPassword("oauth2", authToken)
	return u.String(), nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
