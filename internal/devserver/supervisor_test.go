package devserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drape-ai/drape/internal/container"
	"github.com/drape-ai/drape/pkg/types"
)

// fakeContainerAgent simulates the in-container agent: /exec answers the
// curl probes and log tails, /setup records the start command.
type fakeContainerAgent struct {
	mu           sync.Mutex
	srv          *httptest.Server
	setupCalls   []string
	probeStatus  string // status code returned by the dev-server probe
	probeBody    string
	logTail      string
	probesServed int
}

func newFakeContainerAgent(t *testing.T) *fakeContainerAgent {
	f := &fakeContainerAgent{probeStatus: "000"}
	mux := http.NewServeMux()

	mux.HandleFunc("/setup", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Command string `json:"command"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.setupCalls = append(f.setupCalls, req.Command)
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("/exec", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Command string `json:"command"`
		}
		json.NewDecoder(r.Body).Decode(&req)

		f.mu.Lock()
		defer f.mu.Unlock()

		var result container.ExecResult
		switch {
		case strings.Contains(req.Command, "-w '%{http_code}'"):
			f.probesServed++
			result = container.ExecResult{ExitCode: 0, Stdout: f.probeStatus}
		case strings.Contains(req.Command, "HTTP_CODE"):
			result = container.ExecResult{ExitCode: 0, Stdout: f.probeBody + "\nHTTP_CODE:" + f.probeStatus}
		case strings.Contains(req.Command, "tail"):
			result = container.ExecResult{ExitCode: 0, Stdout: f.logTail}
		default:
			result = container.ExecResult{ExitCode: 0}
		}
		json.NewEncoder(w).Encode(result)
	})

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeContainerAgent) session() *types.Session {
	return &types.Session{UserID: "u1", ProjectID: "p1", AgentURL: f.srv.URL}
}

func (f *fakeContainerAgent) setProbe(status, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probeStatus = status
	f.probeBody = body
}

func nextInfo() *types.ProjectInfo {
	return &types.ProjectInfo{
		Type:          types.ProjectNext,
		StartCommand:  "npx next dev --port 3000",
		DevServerPort: 3000,
	}
}

func TestStartAlreadyResponding(t *testing.T) {
	fake := newFakeContainerAgent(t)
	fake.setProbe("200", "<html>ok</html>")

	s := New(container.NewAgentClient())
	err := s.Start(context.Background(), fake.session(), nextInfo())
	require.NoError(t, err)
	assert.Empty(t, fake.setupCalls, "no setup call when the dev server already responds")
}

func TestStartLaunchesAndWaits(t *testing.T) {
	fake := newFakeContainerAgent(t)

	s := New(container.NewAgentClient())

	// Flip to responding shortly after the setup call lands.
	go func() {
		for {
			fake.mu.Lock()
			launched := len(fake.setupCalls) > 0
			fake.mu.Unlock()
			if launched {
				fake.setProbe("200", "<html>ok</html>")
				return
			}
		}
	}()

	err := s.Start(context.Background(), fake.session(), nextInfo())
	require.NoError(t, err)

	require.Len(t, fake.setupCalls, 1)
	assert.Equal(t, "npx next dev --port 3000", fake.setupCalls[0])
}

func TestStartRespondingWithAppErrorFails(t *testing.T) {
	fake := newFakeContainerAgent(t)
	fake.setProbe("500", "Invalid environment variables\n DATABASE_URL: [ 'Required' ]")

	s := New(container.NewAgentClient())
	err := s.Start(context.Background(), fake.session(), nextInfo())
	require.Error(t, err)

	var failure *Failure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, FailureMissingEnv, failure.Kind)
	assert.Equal(t, []string{"DATABASE_URL"}, failure.Variables)
}

func TestIsResponding(t *testing.T) {
	fake := newFakeContainerAgent(t)
	s := New(container.NewAgentClient())

	assert.False(t, s.IsResponding(context.Background(), fake.session()))

	fake.setProbe("404", "") // any status >= 200 counts
	assert.True(t, s.IsResponding(context.Background(), fake.session()))
}
