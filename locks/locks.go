// Package locks provides the per-UID named mutex serializing implicit
// scheduling passes. At most one scheduling operation runs for a given
// event UID at a time, across organizer updates and attendee replies.
package locks

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sync"
)

// UIDToken derives the lock name for an event UID. Hashing keeps lock
// names fixed-length regardless of what clients put in UID.
func UIDToken(uid string) string {
	sum := md5.Sum([]byte(uid))
	return "schedule-uid:" + hex.EncodeToString(sum[:])
}

// Manager hands out exclusive named locks. The zero value is not usable;
// call NewManager.
type Manager struct {
	mu   sync.Mutex
	held map[string]chan struct{}
}

// NewManager builds a lock manager.
func NewManager() *Manager {
	return &Manager{held: make(map[string]chan struct{})}
}

// Acquire takes the named lock, blocking until it is free or the context
// ends. The returned release function must be called exactly once,
// unconditionally, on completion or failure.
func (m *Manager) Acquire(ctx context.Context, name string) (func(), error) {
	for {
		m.mu.Lock()
		waiter, taken := m.held[name]
		if !taken {
			m.held[name] = make(chan struct{})
			m.mu.Unlock()
			var once sync.Once
			return func() {
				once.Do(func() { m.release(name) })
			}, nil
		}
		m.mu.Unlock()

		select {
		case <-waiter:
			// Holder released; race for it again.
		case <-ctx.Done():
			return nil, fmt.Errorf("acquire lock %q: %w", name, ctx.Err())
		}
	}
}

func (m *Manager) release(name string) {
	m.mu.Lock()
	waiter := m.held[name]
	delete(m.held, name)
	m.mu.Unlock()
	close(waiter)
}
