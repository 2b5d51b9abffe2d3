package sandbox

import (
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/harunnryd/daiku/internal/acp"
	"github.com/harunnryd/daiku/internal/procman"
)

// entry bundles a sandbox with its live runtime attachments. The protocol
// client is nil until the first prompt forces a handshake.
type entry struct {
	sandbox *Sandbox
	client  acp.Client
	agent   *procman.Handle
	dev     *procman.Handle
}

// registry is the in-memory sandbox table. All mutation goes through the
// per-sandbox lock manager; the map itself only needs to be safe for
// concurrent lookup and insert.
type registry struct {
	entries *xsync.MapOf[string, *entry]
}

func newRegistry() *registry {
	return &registry{entries: xsync.NewMapOf[string, *entry]()}
}

func (r *registry) store(e *entry) {
	r.entries.Store(e.sandbox.ID, e)
}

func (r *registry) lookup(sandboxID string) (*entry, bool) {
	return r.entries.Load(sandboxID)
}

// remove deletes and returns the entry, reporting whether it was present.
// Terminate uses this so two concurrent terminations cannot both win.
func (r *registry) remove(sandboxID string) (*entry, bool) {
	return r.entries.LoadAndDelete(sandboxID)
}

func (r *registry) ids() []string {
	var ids []string
	r.entries.Range(func(id string, _ *entry) bool {
		ids = append(ids, id)
		return true
	})
	return ids
}
