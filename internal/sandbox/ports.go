package sandbox

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gofrs/flock"

	"github.com/harunnryd/daiku/internal/errors"
)

// portAllocator hands out dev-server ports from a configured range. The
// cursor lives in a small state file guarded by a file lock, so multiple
// daiku processes on the same host never race to the same port.
type portAllocator struct {
	start     int
	end       int
	statePath string
	lock      *flock.Flock
}

type portState struct {
	NextPort int `json:"next_port"`
}

func newPortAllocator(stateDir string, start, end int) (*portAllocator, error) {
	if start <= 0 || end < start {
		return nil, errors.InvalidInput(fmt.Sprintf("invalid port range %d-%d", start, end))
	}
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, errors.Wrap(err, errors.ErrInternal, "create port state dir")
	}
	return &portAllocator{
		start:     start,
		end:       end,
		statePath: filepath.Join(stateDir, "ports.json"),
		lock:      flock.New(filepath.Join(stateDir, "ports.lock")),
	}, nil
}

// Allocate returns the next free port in the range, checking each
// candidate with a real bind so ports taken by other programs are skipped.
func (a *portAllocator) Allocate() (int, error) {
	if err := a.lock.Lock(); err != nil {
		return 0, errors.Wrap(err, errors.ErrInternal, "acquire port lock")
	}
	defer a.lock.Unlock()

	cursor := a.loadCursor()
	span := a.end - a.start + 1
	for i := 0; i < span; i++ {
		candidate := a.start + (cursor-a.start+i)%span
		if !portFree(candidate) {
			continue
		}
		a.saveCursor(candidate + 1)
		return candidate, nil
	}
	return 0, errors.Provision(fmt.Sprintf("no free port in range %d-%d", a.start, a.end))
}

func (a *portAllocator) loadCursor() int {
	raw, err := os.ReadFile(a.statePath)
	if err != nil {
		return a.start
	}
	var state portState
	if err := json.Unmarshal(raw, &state); err != nil {
		return a.start
	}
	if state.NextPort < a.start || state.NextPort > a.end {
		return a.start
	}
	return state.NextPort
}

func (a *portAllocator) saveCursor(next int) {
	if next > a.end {
		next = a.start
	}
	raw, err := json.Marshal(portState{NextPort: next})
	if err != nil {
		return
	}
	// Best effort: a lost cursor only costs a few extra bind probes.
	_ = os.WriteFile(a.statePath, raw, 0o644)
}

func portFree(port int) bool {
	l, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	l.Close()
	return true
}
