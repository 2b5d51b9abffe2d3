package concurrency

import "sync"

// SandboxLockManager serializes prompt turns on a single sandbox.
// Operations on different sandbox ids never block each other.
type SandboxLockManager struct {
	locks map[string]*sync.Mutex
	mu    sync.Mutex
}

func NewSandboxLockManager() *SandboxLockManager {
	return &SandboxLockManager{
		locks: make(map[string]*sync.Mutex),
	}
}

func (m *SandboxLockManager) Lock(sandboxID string) {
	m.mu.Lock()
	lock, ok := m.locks[sandboxID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[sandboxID] = lock
	}
	m.mu.Unlock()
	lock.Lock()
}

func (m *SandboxLockManager) Unlock(sandboxID string) {
	m.mu.Lock()
	lock, ok := m.locks[sandboxID]
	if ok {
		lock.Unlock()
	}
	m.mu.Unlock()
}

// Forget drops the lock entry for a sandbox that no longer exists.
func (m *SandboxLockManager) Forget(sandboxID string) {
	m.mu.Lock()
	delete(m.locks, sandboxID)
	m.mu.Unlock()
}
