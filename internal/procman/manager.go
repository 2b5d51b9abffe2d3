package procman

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/shlex"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/harunnryd/daiku/internal/errors"
)

const (
	defaultPollInterval = 500 * time.Millisecond
	exitPollInterval    = 100 * time.Millisecond
	killConfirmTimeout  = 2 * time.Second
	probeTimeout        = 2 * time.Second
)

// Manager starts, probes and terminates sandbox child processes.
type Manager struct {
	pollInterval time.Duration
	probe        *http.Client
}

// NewManager builds a Manager polling readiness at the given interval;
// zero means the default 500ms.
func NewManager(pollInterval time.Duration) *Manager {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	return &Manager{
		pollInterval: pollInterval,
		probe:        &http.Client{Timeout: probeTimeout},
	}
}

func buildCommand(command string) ([]string, error) {
	argv, err := shlex.Split(command)
	if err != nil {
		return nil, errors.InvalidInput(fmt.Sprintf("parse command %q: %v", command, err))
	}
	if len(argv) == 0 {
		return nil, errors.InvalidInput("empty command")
	}
	return argv, nil
}

func mergeEnv(extra map[string]string) []string {
	env := os.Environ()
	for key, value := range extra {
		env = append(env, key+"="+value)
	}
	return env
}

// StartAgentProcess launches the agent inside cwd with stdio pipes attached
// for the protocol client. Stderr is captured so startup failures carry the
// agent's complaints.
func (m *Manager) StartAgentProcess(cwd, command string, env map[string]string) (*Handle, error) {
	argv, err := buildCommand(command)
	if err != nil {
		return nil, err
	}

	output := newTailBuffer()
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = cwd
	cmd.Env = mergeEnv(env)
	cmd.Stderr = output

	// Raw pipes instead of StdinPipe/StdoutPipe: the reaper calls Wait as
	// soon as the process starts, and Wait closes toolchain-managed pipes,
	// which could drop the agent's final protocol lines before the reader
	// drains them. With os.Pipe the read end outlives Wait and sees a
	// clean EOF when the agent exits.
	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, errors.Provision(fmt.Sprintf("open agent stdin: %v", err))
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		return nil, errors.Provision(fmt.Sprintf("open agent stdout: %v", err))
	}
	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW

	handle := newHandle(cmd, output)
	handle.Stdin = stdinW
	handle.Stdout = stdoutR
	err = handle.start()

	// The child owns these ends now; keeping them open in the parent
	// would stop the reader from ever seeing EOF.
	stdinR.Close()
	stdoutW.Close()
	if err != nil {
		stdinW.Close()
		stdoutR.Close()
		return nil, errors.Provision(fmt.Sprintf("start agent %q: %v", command, err))
	}
	slog.Info("agent process started", "pid", handle.PID(), "cwd", cwd)
	return handle, nil
}

// StartDevServer launches the web dev server on the given port and blocks
// until it answers HTTP or the timeout elapses. A stale build cache under
// webDir is cleared first so the server never serves artifacts from a
// previous sandbox life.
func (m *Manager) StartDevServer(webDir, command, cacheDir string, port int, timeout time.Duration) (*Handle, error) {
	if cacheDir != "" {
		stale := filepath.Join(webDir, cacheDir)
		if err := os.RemoveAll(stale); err != nil {
			slog.Warn("failed to clear build cache", "path", stale, "error", err)
		}
	}

	rendered := strings.ReplaceAll(command, "{port}", strconv.Itoa(port))
	argv, err := buildCommand(rendered)
	if err != nil {
		return nil, err
	}

	output := newTailBuffer()
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = webDir
	cmd.Env = mergeEnv(map[string]string{"PORT": strconv.Itoa(port)})
	cmd.Stdout = output
	cmd.Stderr = output

	handle := newHandle(cmd, output)
	if err := handle.start(); err != nil {
		return nil, errors.Provision(fmt.Sprintf("start dev server %q: %v", rendered, err))
	}

	url := fmt.Sprintf("http://localhost:%d/", port)
	if !m.waitForServer(url, timeout, handle) {
		m.TerminateProcess(handle.PID(), 5*time.Second)
		return nil, errors.Provision(fmt.Sprintf(
			"dev server on port %d did not become ready within %s; recent output:\n%s",
			port, timeout, handle.Output()))
	}
	slog.Info("dev server ready", "pid", handle.PID(), "port", port)
	return handle, nil
}

// WaitForServer polls url until it answers or timeout elapses. Used both
// for dev-server startup and for later health checks.
func (m *Manager) WaitForServer(url string, timeout time.Duration) bool {
	return m.waitForServer(url, timeout, nil)
}

// waitForServer distinguishes "nothing listening yet" from "listening but
// unhappy": an error status means the server is alive but not yet ready,
// so polling continues until it answers with success. When a handle is
// given, polling stops early if the process dies.
func (m *Manager) waitForServer(url string, timeout time.Duration, h *Handle) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if h != nil && h.State() != StateRunning {
			slog.Debug("server process exited during readiness wait", "pid", h.PID())
			return false
		}
		resp, err := m.probe.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode < http.StatusBadRequest {
				return true
			}
			slog.Debug("server listening but not ready", "url", url, "status", resp.StatusCode)
		}
		// Otherwise connection refused or reset: no listener yet.
		time.Sleep(m.pollInterval)
	}
	return false
}

// IsProcessRunning reports whether pid is alive. A permission error on the
// probe signal still means the process exists.
func (m *Manager) IsProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return err == syscall.EPERM
}

// ProcessInfo is a point-in-time snapshot of a child's resource usage.
type ProcessInfo struct {
	PID        int32
	Name       string
	Cmdline    string
	CPUPercent float64
	MemoryRSS  uint64
	CreateTime int64
}

// GetProcessInfo inspects pid; the second return is false when the process
// does not exist or cannot be inspected.
func (m *Manager) GetProcessInfo(pid int) (*ProcessInfo, bool) {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return nil, false
	}

	info := &ProcessInfo{PID: proc.Pid}
	if name, err := proc.Name(); err == nil {
		info.Name = name
	}
	if cmdline, err := proc.Cmdline(); err == nil {
		info.Cmdline = cmdline
	}
	if cpu, err := proc.CPUPercent(); err == nil {
		info.CPUPercent = cpu
	}
	if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
		info.MemoryRSS = mem.RSS
	}
	if created, err := proc.CreateTime(); err == nil {
		info.CreateTime = created
	}
	return info, true
}

// TerminateProcess stops pid gracefully, escalating to SIGKILL when it
// ignores SIGTERM past the timeout. Returns true when a signal was
// actually delivered, false when the process was already gone.
func (m *Manager) TerminateProcess(pid int, timeout time.Duration) bool {
	return m.terminate(pid, timeout, nil)
}

// TerminateHandle stops a managed process and records on its handle
// whether escalation to SIGKILL was required.
func (m *Manager) TerminateHandle(h *Handle, timeout time.Duration) bool {
	if h == nil {
		return false
	}
	return m.terminate(h.PID(), timeout, h.markKilled)
}

func (m *Manager) terminate(pid int, timeout time.Duration, onKill func()) bool {
	if pid <= 0 || !m.IsProcessRunning(pid) {
		return false
	}

	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		if err == syscall.ESRCH {
			return false
		}
		slog.Warn("SIGTERM delivery failed", "pid", pid, "error", err)
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !m.IsProcessRunning(pid) {
			slog.Debug("process exited after SIGTERM", "pid", pid)
			return true
		}
		time.Sleep(exitPollInterval)
	}

	slog.Warn("process ignored SIGTERM, escalating", "pid", pid)
	if onKill != nil {
		onKill()
	}
	if err := syscall.Kill(pid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
		slog.Warn("SIGKILL delivery failed", "pid", pid, "error", err)
	}

	// One bounded confirmation cycle after SIGKILL so callers can rely on
	// the pid being gone once this returns.
	confirm := time.Now().Add(killConfirmTimeout)
	for time.Now().Before(confirm) {
		if !m.IsProcessRunning(pid) {
			return true
		}
		time.Sleep(exitPollInterval)
	}
	slog.Warn("process still signalable after SIGKILL", "pid", pid)
	return true
}
