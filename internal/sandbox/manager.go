package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/harunnryd/daiku/internal/acp"
	"github.com/harunnryd/daiku/internal/concurrency"
	"github.com/harunnryd/daiku/internal/config"
	"github.com/harunnryd/daiku/internal/errors"
	"github.com/harunnryd/daiku/internal/layout"
	"github.com/harunnryd/daiku/internal/pathutil"
	"github.com/harunnryd/daiku/internal/procman"
	"github.com/harunnryd/daiku/internal/snapshot"
)

// Manager owns the full sandbox lifecycle. All public methods are safe for
// concurrent use; operations on the same sandbox are serialized through a
// per-sandbox lock.
type Manager struct {
	cfg      *config.Config
	layout   *layout.Manager
	procs    *procman.Manager
	snaps    *snapshot.Manager
	registry *registry
	locks    *concurrency.SandboxLockManager
	ports    *portAllocator

	heartbeat HeartbeatFunc

	handshakeTimeout time.Duration
	messageTimeout   time.Duration
	terminateTimeout time.Duration
	readinessTimeout time.Duration
	healthTimeout    time.Duration
}

// NewManager wires the facade from configuration. The heartbeat callback
// may be nil when no idle reaping is in place.
func NewManager(cfg *config.Config, heartbeat HeartbeatFunc) (*Manager, error) {
	layoutMgr, err := layout.NewManager(cfg.Sandbox.BasePath, cfg.Templates)
	if err != nil {
		return nil, err
	}

	pollInterval, err := config.DurationOrDefault(cfg.DevServer.PollInterval, config.DefaultDevServerPollInterval)
	if err != nil {
		return nil, err
	}
	readinessTimeout, err := config.DurationOrDefault(cfg.DevServer.ReadinessTimeout, config.DefaultDevServerReadinessTimeout)
	if err != nil {
		return nil, err
	}
	handshakeTimeout, err := config.DurationOrDefault(cfg.ACP.HandshakeTimeout, config.DefaultACPHandshakeTimeout)
	if err != nil {
		return nil, err
	}
	messageTimeout, err := config.DurationOrDefault(cfg.ACP.MessageTimeout, config.DefaultACPMessageTimeout)
	if err != nil {
		return nil, err
	}
	terminateTimeout, err := config.DurationOrDefault(cfg.ACP.TerminateTimeout, config.DefaultACPTerminateTimeout)
	if err != nil {
		return nil, err
	}
	healthTimeout, err := config.DurationOrDefault(cfg.Remote.HealthTimeout, config.DefaultRemoteHealthTimeout)
	if err != nil {
		return nil, err
	}

	store, err := snapshot.NewFSStore(cfg.Snapshot.StorePath)
	if err != nil {
		return nil, err
	}

	ports, err := newPortAllocator(cfg.Sandbox.BasePath, cfg.Sandbox.PortRangeStart, cfg.Sandbox.PortRangeEnd)
	if err != nil {
		return nil, err
	}

	return &Manager{
		cfg:              cfg,
		layout:           layoutMgr,
		procs:            procman.NewManager(pollInterval),
		snaps:            snapshot.NewManager(store),
		registry:         newRegistry(),
		locks:            concurrency.NewSandboxLockManager(),
		ports:            ports,
		heartbeat:        heartbeat,
		handshakeTimeout: handshakeTimeout,
		messageTimeout:   messageTimeout,
		terminateTimeout: terminateTimeout,
		readinessTimeout: readinessTimeout,
		healthTimeout:    healthTimeout,
	}, nil
}

func newSandboxID() string {
	return "sb_" + strings.ToLower(ulid.Make().String())
}

// Provision builds a complete sandbox: directory scaffold, agent process,
// dev server. Either everything comes up and the sandbox is registered
// running, or every trace of the attempt is rolled back and nothing is
// registered at all.
func (m *Manager) Provision(ctx context.Context, pc ProvisionConfig) (Info, error) {
	if pc.LLM.Provider == "" || pc.LLM.ModelName == "" {
		return Info{}, errors.InvalidInput("provision requires an LLM provider and model name")
	}

	id := newSandboxID()
	slog.Info("provisioning sandbox", "sandboxID", id, "provider", pc.LLM.Provider, "model", pc.LLM.ModelName)

	dirPath, err := m.layout.CreateSandboxDir(id)
	if err != nil {
		return Info{}, err
	}

	var agent, dev *procman.Handle
	cleanup := func() {
		if dev != nil {
			m.procs.TerminateHandle(dev, m.terminateTimeout)
		}
		if agent != nil {
			m.procs.TerminateHandle(agent, m.terminateTimeout)
		}
		if err := m.layout.Cleanup(dirPath); err != nil {
			slog.Warn("failed to clean up after provision failure", "sandboxID", id, "error", err)
		}
	}

	if err := m.scaffold(ctx, dirPath, pc); err != nil {
		cleanup()
		return Info{}, errors.Wrap(err, errors.ErrProvision, fmt.Sprintf("scaffold sandbox %s", id))
	}

	port := pc.Port
	if port == 0 {
		port, err = m.ports.Allocate()
		if err != nil {
			cleanup()
			return Info{}, err
		}
	}

	agent, err = m.procs.StartAgentProcess(dirPath, m.cfg.Agent.Command, nil)
	if err != nil {
		cleanup()
		return Info{}, err
	}

	dev, err = m.procs.StartDevServer(
		m.layout.WebPath(dirPath),
		m.cfg.DevServer.Command,
		m.cfg.DevServer.CacheDir,
		port,
		m.readinessTimeout,
	)
	if err != nil {
		cleanup()
		return Info{}, err
	}

	now := time.Now().UTC()
	sb := &Sandbox{
		ID:            id,
		Status:        StatusRunning,
		DirectoryPath: dirPath,
		AgentPID:      agent.PID(),
		DevServerPID:  dev.PID(),
		DevServerPort: port,
		CreatedAt:     now,
		LastHeartbeat: now,
	}
	m.registry.store(&entry{sandbox: sb, agent: agent, dev: dev})
	m.touch(id)

	slog.Info("sandbox running",
		"sandboxID", id,
		"agentPID", sb.AgentPID,
		"devServerPID", sb.DevServerPID,
		"port", port)
	return sb.info(), nil
}

func (m *Manager) scaffold(ctx context.Context, dirPath string, pc ProvisionConfig) error {
	if pc.KnowledgePath != "" {
		if err := m.layout.SetupFilesSymlink(dirPath, pc.KnowledgePath); err != nil {
			return err
		}
	}
	if err := m.layout.SetupOutputs(dirPath); err != nil {
		return err
	}
	if err := m.layout.SetupEnv(dirPath); err != nil {
		return err
	}
	if err := m.layout.SetupInstructions(dirPath, false); err != nil {
		return err
	}
	if err := m.layout.SetupUserUploads(dirPath); err != nil {
		return err
	}
	if err := m.layout.SetupRuntimeConfig(dirPath, layout.RuntimeConfig{
		Provider:      pc.LLM.Provider,
		ModelName:     pc.LLM.ModelName,
		APIKey:        pc.LLM.APIKey,
		APIBase:       pc.LLM.APIBase,
		DisabledTools: pc.DisabledTools,
	}, false); err != nil {
		return err
	}
	if err := m.layout.SetupSkills(dirPath, m.cfg.Templates.OverwriteSkills); err != nil {
		return err
	}
	if pc.RestoreSnapshot != "" {
		if err := m.snaps.Restore(ctx, pc.RestoreSnapshot, m.layout.OutputsPath(dirPath)); err != nil {
			return err
		}
	}
	return nil
}

// AttachRemote registers an already-running remote sandbox reachable at
// baseURL. The endpoint must answer its health check before it is adopted.
func (m *Manager) AttachRemote(ctx context.Context, baseURL string) (Info, error) {
	if baseURL == "" {
		return Info{}, errors.InvalidInput("remote base URL is empty")
	}

	client := acp.NewHTTPClient(baseURL, m.clientOptions())
	probeCtx, cancel := context.WithTimeout(ctx, m.healthTimeout)
	defer cancel()
	if !client.HealthCheck(probeCtx) {
		return Info{}, errors.Transient(fmt.Sprintf("remote sandbox at %s failed its health check", baseURL))
	}

	now := time.Now().UTC()
	sb := &Sandbox{
		ID:            newSandboxID(),
		Status:        StatusRunning,
		EndpointURL:   baseURL,
		CreatedAt:     now,
		LastHeartbeat: now,
	}
	m.registry.store(&entry{sandbox: sb, client: client})
	slog.Info("remote sandbox attached", "sandboxID", sb.ID, "baseURL", baseURL)
	return sb.info(), nil
}

func (m *Manager) clientOptions() acp.Options {
	return acp.Options{
		HandshakeTimeout: m.handshakeTimeout,
		MessageTimeout:   m.messageTimeout,
	}
}

// SendMessage relays a prompt to the sandbox agent. The protocol client is
// built and handshaken lazily on the first message, against processes that
// provisioning already started.
func (m *Manager) SendMessage(ctx context.Context, sandboxID, text string) (*MessageStream, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.InvalidInput("message text is empty")
	}
	e, ok := m.registry.lookup(sandboxID)
	if !ok {
		return nil, errors.NotFound(fmt.Sprintf("sandbox %s", sandboxID))
	}

	m.locks.Lock(sandboxID)
	defer m.locks.Unlock(sandboxID)

	client, err := m.ensureClient(ctx, e)
	if err != nil {
		return nil, err
	}

	stream, err := client.SendMessage(ctx, text)
	if err != nil {
		return nil, errors.MapError(err)
	}
	m.touch(sandboxID)
	return &MessageStream{inner: stream, sandboxID: sandboxID, touch: m.touchAt}, nil
}

// ensureClient builds and handshakes the protocol client on first use.
// Callers hold the sandbox lock.
func (m *Manager) ensureClient(ctx context.Context, e *entry) (acp.Client, error) {
	if e.client == nil {
		if e.sandbox.EndpointURL != "" {
			e.client = acp.NewHTTPClient(e.sandbox.EndpointURL, m.clientOptions())
		} else {
			if e.agent == nil || e.agent.State() != procman.StateRunning {
				return nil, errors.Transient(fmt.Sprintf("agent process for sandbox %s is not running", e.sandbox.ID))
			}
			e.client = acp.NewExecClient(e.agent.Stdin, e.agent.Stdout, m.clientOptions())
		}
	}
	if _, err := e.client.Initialize(ctx, e.sandbox.DirectoryPath); err != nil {
		return nil, err
	}
	return e.client, nil
}

// CancelAgent interrupts the in-flight turn, if any. A no-op for unknown
// sandboxes and for sandboxes with no active session.
func (m *Manager) CancelAgent(ctx context.Context, sandboxID string) error {
	e, ok := m.registry.lookup(sandboxID)
	if !ok || e.client == nil {
		return nil
	}
	return e.client.Cancel(ctx)
}

// ListDirectory lists one level of the sandbox outputs tree, directories
// first, each group ordered by lowercase name.
func (m *Manager) ListDirectory(sandboxID, relPath string) ([]FilesystemEntry, error) {
	e, ok := m.registry.lookup(sandboxID)
	if !ok {
		return nil, errors.NotFound(fmt.Sprintf("sandbox %s", sandboxID))
	}
	if e.sandbox.EndpointURL != "" {
		return nil, errors.InvalidInput("remote sandboxes have no local filesystem")
	}

	root := m.layout.OutputsPath(e.sandbox.DirectoryPath)
	target, err := pathutil.ContainedJoin(root, relPath)
	if err != nil {
		return nil, err
	}

	dirEntries, err := os.ReadDir(target)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NotFound(fmt.Sprintf("directory %s", relPath))
		}
		return nil, errors.InvalidInput(fmt.Sprintf("%s is not a listable directory", relPath))
	}

	entries := make([]FilesystemEntry, 0, len(dirEntries))
	for _, de := range dirEntries {
		fe := FilesystemEntry{
			Name:        de.Name(),
			Path:        strings.TrimPrefix(strings.TrimPrefix(relPath, "/")+"/"+de.Name(), "/"),
			IsDirectory: de.IsDir(),
		}
		if info, err := de.Info(); err == nil {
			if !de.IsDir() {
				fe.SizeBytes = info.Size()
			}
			fe.ModifiedAt = info.ModTime().UTC()
		}
		entries = append(entries, fe)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IsDirectory != entries[j].IsDirectory {
			return entries[i].IsDirectory
		}
		return strings.ToLower(entries[i].Name) < strings.ToLower(entries[j].Name)
	})
	return entries, nil
}

// ReadFile returns the contents of one file under the sandbox outputs
// tree, containment-checked the same way as ListDirectory.
func (m *Manager) ReadFile(sandboxID, relPath string) ([]byte, error) {
	e, ok := m.registry.lookup(sandboxID)
	if !ok {
		return nil, errors.NotFound(fmt.Sprintf("sandbox %s", sandboxID))
	}
	if e.sandbox.EndpointURL != "" {
		return nil, errors.InvalidInput("remote sandboxes have no local filesystem")
	}

	root := m.layout.OutputsPath(e.sandbox.DirectoryPath)
	target, err := pathutil.ContainedJoin(root, relPath)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(target)
	if err != nil {
		return nil, errors.NotFound(fmt.Sprintf("file %s", relPath))
	}
	if info.IsDir() {
		return nil, errors.InvalidInput(fmt.Sprintf("%s is a directory", relPath))
	}
	content, err := os.ReadFile(target)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrInternal, fmt.Sprintf("read %s", relPath))
	}
	return content, nil
}

// CreateSnapshot archives the sandbox outputs directory.
func (m *Manager) CreateSnapshot(ctx context.Context, sandboxID string) (*snapshot.Result, error) {
	e, ok := m.registry.lookup(sandboxID)
	if !ok {
		return nil, errors.NotFound(fmt.Sprintf("sandbox %s", sandboxID))
	}
	if e.sandbox.EndpointURL != "" {
		return nil, errors.InvalidInput("remote sandboxes cannot be snapshotted locally")
	}

	result, err := m.snaps.Create(ctx, sandboxID, m.layout.OutputsPath(e.sandbox.DirectoryPath))
	if err != nil {
		return nil, err
	}
	m.touch(sandboxID)
	return result, nil
}

// HealthCheck reports whether the sandbox is fully serviceable: the agent
// is alive and the dev server answers HTTP. Unknown sandboxes are simply
// unhealthy, not an error.
func (m *Manager) HealthCheck(ctx context.Context, sandboxID string) bool {
	e, ok := m.registry.lookup(sandboxID)
	if !ok {
		return false
	}

	if e.sandbox.EndpointURL != "" {
		probeCtx, cancel := context.WithTimeout(ctx, m.healthTimeout)
		defer cancel()
		client := e.client
		if client == nil {
			client = acp.NewHTTPClient(e.sandbox.EndpointURL, m.clientOptions())
		}
		return client.HealthCheck(probeCtx)
	}

	if !m.procs.IsProcessRunning(e.sandbox.AgentPID) {
		return false
	}
	if e.sandbox.DevServerPort > 0 {
		url := fmt.Sprintf("http://localhost:%d/", e.sandbox.DevServerPort)
		return m.procs.WaitForServer(url, m.healthTimeout)
	}
	return true
}

// Terminate tears a sandbox down: protocol client closed, processes
// stopped with escalation, directory removed, registry entry dropped.
// Terminating an unknown or already-terminated sandbox is a no-op.
func (m *Manager) Terminate(sandboxID string) error {
	e, ok := m.registry.remove(sandboxID)
	if !ok {
		return nil
	}

	m.locks.Lock(sandboxID)
	defer func() {
		m.locks.Unlock(sandboxID)
		m.locks.Forget(sandboxID)
	}()

	if e.client != nil {
		cancelCtx, cancel := context.WithTimeout(context.Background(), m.terminateTimeout)
		if err := e.client.Cancel(cancelCtx); err != nil {
			slog.Debug("cancel during terminate failed", "sandboxID", sandboxID, "error", err)
		}
		cancel()
		if err := e.client.Close(); err != nil {
			slog.Debug("client close during terminate failed", "sandboxID", sandboxID, "error", err)
		}
	}

	m.procs.TerminateHandle(e.agent, m.terminateTimeout)
	m.procs.TerminateHandle(e.dev, m.terminateTimeout)

	if e.sandbox.DirectoryPath != "" {
		if err := m.layout.Cleanup(e.sandbox.DirectoryPath); err != nil {
			slog.Warn("sandbox directory cleanup failed", "sandboxID", sandboxID, "error", err)
		}
	}

	e.sandbox.Status = StatusTerminated
	e.sandbox.TerminatedAt = time.Now().UTC()
	slog.Info("sandbox terminated", "sandboxID", sandboxID)
	return nil
}

// Info returns the current projection of one sandbox.
func (m *Manager) Info(sandboxID string) (Info, error) {
	e, ok := m.registry.lookup(sandboxID)
	if !ok {
		return Info{}, errors.NotFound(fmt.Sprintf("sandbox %s", sandboxID))
	}
	return e.sandbox.info(), nil
}

// List returns projections of every registered sandbox, newest first.
func (m *Manager) List() []Info {
	var infos []Info
	for _, id := range m.registry.ids() {
		if e, ok := m.registry.lookup(id); ok {
			infos = append(infos, e.sandbox.info())
		}
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].CreatedAt.After(infos[j].CreatedAt)
	})
	return infos
}

// ProcessInfo exposes resource usage of the sandbox processes.
func (m *Manager) ProcessInfo(sandboxID string) (agent, dev *procman.ProcessInfo, err error) {
	e, ok := m.registry.lookup(sandboxID)
	if !ok {
		return nil, nil, errors.NotFound(fmt.Sprintf("sandbox %s", sandboxID))
	}
	agent, _ = m.procs.GetProcessInfo(e.sandbox.AgentPID)
	dev, _ = m.procs.GetProcessInfo(e.sandbox.DevServerPID)
	return agent, dev, nil
}

func (m *Manager) touch(sandboxID string) {
	m.touchAt(sandboxID, time.Now().UTC())
}

func (m *Manager) touchAt(sandboxID string, at time.Time) {
	if e, ok := m.registry.lookup(sandboxID); ok {
		e.sandbox.LastHeartbeat = at
	}
	if m.heartbeat != nil {
		m.heartbeat(sandboxID, at)
	}
}
