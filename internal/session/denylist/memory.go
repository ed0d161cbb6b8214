package denylist

import (
	"context"
	"sync"
	"time"
)

// Memory is a process-local Denylist. Revocations are not shared between
// replicas; use Redis when running more than one.
type Memory struct {
	mu      sync.Mutex
	entries map[string]time.Time // id -> expiry
	now     func() time.Time
}

// NewMemory returns an empty Memory denylist.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]time.Time), now: time.Now}
}

func (m *Memory) Revoke(_ context.Context, id string, ttl time.Duration) error {
	if ttl <= 0 || id == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.sweep(now)
	m.entries[id] = now.Add(ttl)
	return nil
}

func (m *Memory) IsRevoked(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exp, ok := m.entries[id]
	if !ok {
		return false, nil
	}
	if !m.now().Before(exp) {
		delete(m.entries, id)
		return false, nil
	}
	return true, nil
}

// Len returns the number of live entries.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweep(m.now())
	return len(m.entries)
}

func (m *Memory) sweep(now time.Time) {
	for id, exp := range m.entries {
		if !now.Before(exp) {
			delete(m.entries, id)
		}
	}
}
