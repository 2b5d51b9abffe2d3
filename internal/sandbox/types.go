// Package sandbox is the provisioning facade: it creates isolated agent
// workspaces, runs their processes, relays prompt turns and tears the
// whole thing down again.
package sandbox

import "time"

// Status is the externally visible lifecycle of a sandbox.
type Status string

const (
	StatusProvisioning Status = "provisioning"
	StatusRunning      Status = "running"
	StatusTerminated   Status = "terminated"
	StatusFailed       Status = "failed"
)

// Sandbox is the internal record for one provisioned workspace.
type Sandbox struct {
	ID            string
	Status        Status
	DirectoryPath string

	// EndpointURL is set for remote sandboxes reached over HTTP; local
	// sandboxes talk to their agent over stdio and leave it empty.
	EndpointURL string

	AgentPID      int
	DevServerPID  int
	DevServerPort int

	CreatedAt     time.Time
	LastHeartbeat time.Time
	TerminatedAt  time.Time
}

// Info is the caller-facing projection of a sandbox.
type Info struct {
	ID            string
	Status        Status
	DirectoryPath string
	EndpointURL   string
	AgentPID      int
	DevServerPID  int
	DevServerPort int
	CreatedAt     time.Time
	LastHeartbeat time.Time
	TerminatedAt  time.Time
}

func (s *Sandbox) info() Info {
	return Info{
		ID:            s.ID,
		Status:        s.Status,
		DirectoryPath: s.DirectoryPath,
		EndpointURL:   s.EndpointURL,
		AgentPID:      s.AgentPID,
		DevServerPID:  s.DevServerPID,
		DevServerPort: s.DevServerPort,
		CreatedAt:     s.CreatedAt,
		LastHeartbeat: s.LastHeartbeat,
		TerminatedAt:  s.TerminatedAt,
	}
}

// FilesystemEntry describes one child of a sandbox output directory.
type FilesystemEntry struct {
	Name        string
	Path        string
	IsDirectory bool
	SizeBytes   int64
	ModifiedAt  time.Time
}

// LLMConfig selects the model the sandboxed agent drives.
type LLMConfig struct {
	Provider  string
	ModelName string
	APIKey    string
	APIBase   string
}

// ProvisionConfig is everything Provision needs to build a sandbox.
type ProvisionConfig struct {
	// KnowledgePath is linked into the sandbox as the files directory.
	KnowledgePath string

	LLM LLMConfig

	// DisabledTools are denied in the agent's runtime config on top of
	// the built-in shell denials.
	DisabledTools []string

	// Port pins the dev server port; zero allocates from the pool.
	Port int

	// RestoreSnapshot, when set, seeds outputs/ from a stored snapshot
	// before the processes start.
	RestoreSnapshot string
}

// HeartbeatFunc is invoked on sandbox activity so an external reaper can
// tell idle sandboxes from busy ones. Nil disables the callbacks.
type HeartbeatFunc func(sandboxID string, at time.Time)
