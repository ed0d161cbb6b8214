package secretstore

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"
)

// MemoryBackend is an in-process Backend. Tests use it to stage rotations and
// outages; it can also stand in for Vault in local tooling.
type MemoryBackend struct {
	mu      sync.RWMutex
	secrets map[string]map[string]any
	err     error
	// block, when non-nil, is waited on by every Read (or until ctx ends).
	block chan struct{}

	reads atomic.Int64
}

// NewMemoryBackend returns an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{secrets: make(map[string]map[string]any)}
}

// Put stores fields at path, replacing what was there.
func (m *MemoryBackend) Put(path string, fields map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.secrets[path] = maps.Clone(fields)
}

// SetError makes every Read fail with err until cleared with nil.
func (m *MemoryBackend) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Block makes Reads wait until the returned release func is called.
func (m *MemoryBackend) Block() (release func()) {
	ch := make(chan struct{})
	m.mu.Lock()
	m.block = ch
	m.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			m.block = nil
			m.mu.Unlock()
			close(ch)
		})
	}
}

// Reads returns how many Read calls reached the backend.
func (m *MemoryBackend) Reads() int64 {
	return m.reads.Load()
}

// Read implements Backend.
func (m *MemoryBackend) Read(ctx context.Context, path string) (map[string]any, error) {
	m.reads.Add(1)
	m.mu.RLock()
	block := m.block
	m.mu.RUnlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.err != nil {
		return nil, m.err
	}
	fields, ok := m.secrets[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSecretNotFound, path)
	}
	return maps.Clone(fields), nil
}

// Health implements HealthReporter.
func (m *MemoryBackend) Health(context.Context) (*Health, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.err != nil {
		return &Health{Status: "unhealthy", Sealed: true}, m.err
	}
	return &Health{Status: "healthy", Initialized: true}, nil
}
