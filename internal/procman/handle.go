package procman

import (
	"io"
	"os/exec"
	"sync"

	"github.com/harunnryd/daiku/internal/concurrency"
)

// State is the lifecycle of a managed OS process.
type State string

const (
	StateNotStarted State = "not_started"
	StateRunning    State = "running"
	StateExited     State = "exited"
	StateKilled     State = "killed"
)

// Handle wraps one managed child process. Stdin and Stdout are non-nil only
// for agent processes started with pipes attached.
type Handle struct {
	Stdin  io.WriteCloser
	Stdout io.ReadCloser

	mu       sync.Mutex
	cmd      *exec.Cmd
	state    State
	exitCode int
	output   *tailBuffer
	done     chan struct{}
}

func newHandle(cmd *exec.Cmd, output *tailBuffer) *Handle {
	return &Handle{
		cmd:    cmd,
		state:  StateNotStarted,
		output: output,
		done:   make(chan struct{}),
	}
}

// start launches the process and spawns the reaper that collects its exit
// status, so no child is ever left as a zombie.
func (h *Handle) start() error {
	if err := h.cmd.Start(); err != nil {
		return err
	}
	h.mu.Lock()
	h.state = StateRunning
	h.mu.Unlock()

	concurrency.SafeGo(func() {
		err := h.cmd.Wait()

		h.mu.Lock()
		defer h.mu.Unlock()
		if h.state == StateRunning {
			h.state = StateExited
		}
		if h.cmd.ProcessState != nil {
			h.exitCode = h.cmd.ProcessState.ExitCode()
		} else if err != nil {
			h.exitCode = -1
		}
		close(h.done)
	}, nil)
	return nil
}

// PID returns the OS process ID, or 0 before start.
func (h *Handle) PID() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// State returns the current lifecycle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// ExitCode is meaningful once State is StateExited or StateKilled.
func (h *Handle) ExitCode() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode
}

// Done is closed when the process has been reaped.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// markKilled records that termination was forced rather than graceful.
func (h *Handle) markKilled() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateRunning {
		h.state = StateKilled
	}
}

// Output returns the captured tail of the process's combined output.
// Empty for processes started without capture.
func (h *Handle) Output() string {
	if h.output == nil {
		return ""
	}
	return h.output.String()
}

// tailBuffer keeps the last maxOutputBytes of everything written to it, so
// startup failures can attach recent process output without letting a
// chatty child grow memory without bound.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

const maxOutputBytes = 64 * 1024

func newTailBuffer() *tailBuffer {
	return &tailBuffer{max: maxOutputBytes}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if len(b.buf) > b.max {
		b.buf = b.buf[len(b.buf)-b.max:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
