package sandbox

import (
	"time"

	"github.com/harunnryd/daiku/internal/acp"
)

// MessageStream relays a prompt turn's events while marking the sandbox
// active on every one, so heartbeat-based reaping never kills a sandbox
// mid-turn.
type MessageStream struct {
	inner     *acp.EventStream
	sandboxID string
	touch     func(sandboxID string, at time.Time)
}

// Next returns the next event of the turn; io.EOF once it has completed.
func (s *MessageStream) Next() (acp.Event, error) {
	ev, err := s.inner.Next()
	if err == nil && s.touch != nil {
		s.touch(s.sandboxID, time.Now().UTC())
	}
	return ev, err
}
