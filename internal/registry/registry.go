// Package registry maintains the (userID, projectID) → session mapping.
//
// The full map persists to a single JSON file, rewritten on a coalescing
// debounce so bursts of mutations cost one disk write. Mutations to a single
// key are serialized through WithLock; distinct keys never contend.
package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/drape-ai/drape/internal/logging"
	"github.com/drape-ai/drape/pkg/types"
)

// LegacyUserID tags sessions loaded from persistence files that predate
// user-scoped keys, and sessions synthesized for adopted containers.
const LegacyUserID = "legacy"

// saveDebounce coalesces persistence writes.
const saveDebounce = time.Second

// Registry holds all session records.
type Registry struct {
	mu       sync.RWMutex
	sessions map[types.SessionKey]*types.Session

	lockMu sync.Mutex
	locks  map[types.SessionKey]*sync.Mutex

	path      string
	saveMu    sync.Mutex
	saveTimer *time.Timer
}

// persistedState is the on-disk shape.
type persistedState struct {
	Sessions []*types.Session `json:"sessions"`
}

// legacyState is the pre-user-key on-disk shape: projectID → session.
type legacyState map[string]*types.Session

// New creates a registry persisting to path and loads any existing state.
func New(path string) *Registry {
	r := &Registry{
		sessions: make(map[types.SessionKey]*types.Session),
		locks:    make(map[types.SessionKey]*sync.Mutex),
		path:     path,
	}
	r.load()
	return r
}

// load reads the persistence file. Failure is logged and treated as an
// empty registry.
func (r *Registry) load() {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if !os.IsNotExist(err) {
			logging.Error().Err(err).Str("path", r.path).Msg("session registry load failed, starting empty")
		}
		return
	}

	var state persistedState
	if err := json.Unmarshal(data, &state); err == nil && state.Sessions != nil {
		for _, s := range state.Sessions {
			if s.UserID == "" {
				s.UserID = LegacyUserID
			}
			r.sessions[s.Key()] = s
		}
		return
	}

	// Older files stored a flat projectID → session map without user keys.
	var legacy legacyState
	if err := json.Unmarshal(data, &legacy); err != nil {
		logging.Error().Err(err).Str("path", r.path).Msg("session registry load failed, starting empty")
		return
	}
	for projectID, s := range legacy {
		if s.ProjectID == "" {
			s.ProjectID = projectID
		}
		s.UserID = LegacyUserID
		r.sessions[s.Key()] = s
	}
}

// Get returns the session for a key, or nil.
func (r *Registry) Get(userID, projectID string) *types.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[types.SessionKey{UserID: userID, ProjectID: projectID}]
}

// GetByProject returns the most recently used session for a project,
// regardless of user. Used by proxies that have no user context.
func (r *Registry) GetByProject(projectID string) *types.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var latest *types.Session
	for _, s := range r.sessions {
		if s.ProjectID != projectID {
			continue
		}
		if latest == nil || s.LastUsed.After(latest.LastUsed) {
			latest = s
		}
	}
	return latest
}

// GetByContainer returns the session bound to a container id, or nil.
func (r *Registry) GetByContainer(containerID string) *types.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, s := range r.sessions {
		if s.ContainerID == containerID {
			return s
		}
	}
	return nil
}

// ListByUser returns all sessions for a user, most recently used first.
func (r *Registry) ListByUser(userID string) []*types.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*types.Session
	for _, s := range r.sessions {
		if s.UserID == userID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastUsed.After(out[j].LastUsed)
	})
	return out
}

// All returns a snapshot of every session. The reaper sweeps over this.
func (r *Registry) All() []*types.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*types.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Set stores a session and schedules persistence.
func (r *Registry) Set(s *types.Session) {
	r.mu.Lock()
	r.sessions[s.Key()] = s
	r.mu.Unlock()
	r.scheduleSave()
}

// Delete removes a session and schedules persistence.
func (r *Registry) Delete(userID, projectID string) {
	r.mu.Lock()
	delete(r.sessions, types.SessionKey{UserID: userID, ProjectID: projectID})
	r.mu.Unlock()
	r.scheduleSave()
}

// Touch stamps lastUsed on an existing session.
func (r *Registry) Touch(userID, projectID string) {
	r.mu.Lock()
	if s := r.sessions[types.SessionKey{UserID: userID, ProjectID: projectID}]; s != nil {
		s.Touch()
	}
	r.mu.Unlock()
	r.scheduleSave()
}

// WithLock serializes fn against any other WithLock call on the same key.
// Calls on distinct keys do not block each other.
func (r *Registry) WithLock(userID, projectID string, fn func() error) error {
	key := types.SessionKey{UserID: userID, ProjectID: projectID}

	r.lockMu.Lock()
	lock, ok := r.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[key] = lock
	}
	r.lockMu.Unlock()

	lock.Lock()
	defer lock.Unlock()
	return fn()
}

// scheduleSave coalesces writes onto a single timer.
func (r *Registry) scheduleSave() {
	r.saveMu.Lock()
	defer r.saveMu.Unlock()

	if r.saveTimer != nil {
		return
	}
	r.saveTimer = time.AfterFunc(saveDebounce, func() {
		r.saveMu.Lock()
		r.saveTimer = nil
		r.saveMu.Unlock()
		r.Flush()
	})
}

// Flush writes the registry to disk immediately. Save failures are logged
// and do not fail the in-memory write.
func (r *Registry) Flush() {
	r.mu.RLock()
	state := persistedState{Sessions: make([]*types.Session, 0, len(r.sessions))}
	for _, s := range r.sessions {
		state.Sessions = append(state.Sessions, s)
	}
	r.mu.RUnlock()

	sort.Slice(state.Sessions, func(i, j int) bool {
		a, b := state.Sessions[i], state.Sessions[j]
		if a.UserID != b.UserID {
			return a.UserID < b.UserID
		}
		return a.ProjectID < b.ProjectID
	})

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		logging.Error().Err(err).Msg("session registry marshal failed")
		return
	}

	if err := os.MkdirAll(filepath.Dir(r.path), 0755); err != nil {
		logging.Error().Err(err).Msg("session registry save failed")
		return
	}

	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		logging.Error().Err(err).Msg("session registry save failed")
		return
	}
	if err := os.Rename(tmp, r.path); err != nil {
		os.Remove(tmp)
		logging.Error().Err(err).Msg("session registry save failed")
	}
}

// Close flushes any pending state.
func (r *Registry) Close() {
	r.saveMu.Lock()
	if r.saveTimer != nil {
		r.saveTimer.Stop()
		r.saveTimer = nil
	}
	r.saveMu.Unlock()
	r.Flush()
}
