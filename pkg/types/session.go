// Package types provides the core data types for the Drape backend.
package types

import "time"

// Session binds a (userID, projectID) pair to a workspace container.
type Session struct {
	UserID      string       `json:"userID"`
	ProjectID   string       `json:"projectID"`
	ContainerID string       `json:"containerID"`
	AgentURL    string       `json:"agentURL"`
	PreviewPort int          `json:"previewPort,omitempty"`
	ServerID    string       `json:"serverID"`
	CreatedAt   time.Time    `json:"createdAt"`
	LastUsed    time.Time    `json:"lastUsed"`
	PreparedAt  *time.Time   `json:"preparedAt,omitempty"`
	ProjectInfo *ProjectInfo `json:"projectInfo,omitempty"`
}

// SessionKey identifies a session record.
type SessionKey struct {
	UserID    string `json:"userID"`
	ProjectID string `json:"projectID"`
}

// Key returns the session's registry key.
func (s *Session) Key() SessionKey {
	return SessionKey{UserID: s.UserID, ProjectID: s.ProjectID}
}

// Touch stamps the session as used now.
func (s *Session) Touch() {
	s.LastUsed = time.Now()
}

// ContainerState is the lifecycle state of a workspace container.
type ContainerState string

const (
	ContainerCreating ContainerState = "creating"
	ContainerRunning  ContainerState = "running"
	ContainerStopping ContainerState = "stopping"
	ContainerStopped  ContainerState = "stopped"
	ContainerError    ContainerState = "error"
)

// ContainerRecord is the driver's view of a workspace container.
// The container runtime remains the source of truth.
type ContainerRecord struct {
	ID          string         `json:"id"`
	ProjectID   string         `json:"projectID"`
	ServerID    string         `json:"serverID"`
	State       ContainerState `json:"state"`
	AgentURL    string         `json:"agentURL"`
	PreviewPort int            `json:"previewPort,omitempty"`
	Image       string         `json:"image"`
	CreatedAt   time.Time      `json:"createdAt"`
}
