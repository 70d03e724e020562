package container

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/drape-ai/drape/internal/logging"
)

// Exec timeouts by caller intent.
const (
	DefaultExecTimeout = 60 * time.Second
	InstallExecTimeout = 300 * time.Second
	CloneExecTimeout   = 120 * time.Second
)

const (
	execMaxAttempts = 6
	execBackoffCap  = 8 * time.Second
	execBackoffStep = 2 * time.Second

	healthPollInterval = 500 * time.Millisecond
)

// ExecResult is the outcome of a command run inside the container.
type ExecResult struct {
	ExitCode int    `json:"exitCode"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// Output concatenates stdout and stderr for log scanning.
func (r *ExecResult) Output() string {
	if r.Stderr == "" {
		return r.Stdout
	}
	if r.Stdout == "" {
		return r.Stderr
	}
	return r.Stdout + "\n" + r.Stderr
}

// AgentClient talks to the agent process inside a workspace container.
type AgentClient struct {
	client *http.Client
}

// NewAgentClient builds a client without a global timeout; per-call
// deadlines come from the request context.
func NewAgentClient() *AgentClient {
	return &AgentClient{
		client: &http.Client{},
	}
}

type execRequest struct {
	Command string `json:"command"`
	Cwd     string `json:"cwd,omitempty"`
}

// Exec POSTs a command to the in-container agent and returns its result.
// Transient failures (502/503/504, connection reset/refused, timeout,
// socket hang up) are retried up to 6 times with backoff
// min(2000*attempt, 8000) ms. Anything else is raised immediately.
func (a *AgentClient) Exec(ctx context.Context, agentURL, command, cwd string, timeout time.Duration, silent bool) (*ExecResult, error) {
	if timeout <= 0 {
		timeout = DefaultExecTimeout
	}

	body, err := json.Marshal(execRequest{Command: command, Cwd: cwd})
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 1; attempt <= execMaxAttempts; attempt++ {
		result, retriable, err := a.execOnce(ctx, agentURL, body, timeout)
		if err == nil {
			if !silent {
				logging.Debug().
					Str("command", command).
					Int("exitCode", result.ExitCode).
					Msg("container exec")
			}
			return result, nil
		}
		if !retriable {
			return nil, err
		}
		lastErr = err

		if attempt < execMaxAttempts {
			backoff := min(execBackoffStep*time.Duration(attempt), execBackoffCap)
			if !silent {
				logging.Warn().
					Err(err).
					Int("attempt", attempt).
					Dur("backoff", backoff).
					Msg("container exec retrying")
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return nil, fmt.Errorf("container exec failed after %d attempts: %w", execMaxAttempts, lastErr)
}

// execOnce performs a single exec round-trip. The bool reports whether the
// failure is worth retrying.
func (a *AgentClient) execOnce(ctx context.Context, agentURL string, body []byte, timeout time.Duration) (*ExecResult, bool, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, agentURL+"/exec", bytes.NewReader(body))
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		return nil, isTransientTransport(err), err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		io.Copy(io.Discard, resp.Body)
		return nil, true, fmt.Errorf("agent returned %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return nil, false, fmt.Errorf("agent returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var result ExecResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, false, fmt.Errorf("decode exec response: %w", err)
	}
	return &result, false, nil
}

// isTransientTransport classifies connection-level failures worth retrying.
func isTransientTransport(err error) bool {
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "socket hang up") ||
		strings.Contains(msg, "EOF")
}

// WaitForAgent polls GET /health every 500 ms until the agent responds 200
// or the timeout elapses.
func (a *AgentClient) WaitForAgent(ctx context.Context, agentURL string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	for {
		callCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		req, err := http.NewRequestWithContext(callCtx, http.MethodGet, agentURL+"/health", nil)
		if err == nil {
			resp, err := a.client.Do(req)
			if err == nil {
				io.Copy(io.Discard, resp.Body)
				resp.Body.Close()
				if resp.StatusCode == http.StatusOK {
					cancel()
					return nil
				}
			}
		}
		cancel()

		if time.Now().After(deadline) {
			return fmt.Errorf("agent at %s not healthy after %s", agentURL, timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(healthPollInterval):
		}
	}
}

// Setup POSTs the dev-server start command to /setup. The endpoint launches
// the command with output tailed to server.log; the call is fire-and-forget.
func (a *AgentClient) Setup(ctx context.Context, agentURL, command, cwd string) error {
	body, err := json.Marshal(execRequest{Command: command, Cwd: cwd})
	if err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, agentURL+"/setup", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return nil
}

type fileNotification struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// NotifyFile hints the in-container agent that a file changed so the dev
// server hot-reloads. The response is ignored; failures are logged only.
func (a *AgentClient) NotifyFile(ctx context.Context, agentURL, path, content string) {
	body, err := json.Marshal(fileNotification{Path: path, Content: content})
	if err != nil {
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, agentURL+"/file", bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		logging.Debug().Err(err).Str("path", path).Msg("file notification failed")
		return
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}
