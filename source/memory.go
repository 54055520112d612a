package source

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
)

// Memory is a Source over an in-memory buffer.
type Memory struct {
	name string
	r    *bytes.Reader
	size int64
}

// NewMemory wraps data. The slice must not be modified while the source is in use.
func NewMemory(name string, data []byte) *Memory {
	return &Memory{name: name, r: bytes.NewReader(data), size: int64(len(data))}
}

func (m *Memory) ReadAt(p []byte, off int64) (int, error) { return m.r.ReadAt(p, off) }
func (m *Memory) Size() int64                              { return m.size }
func (m *Memory) Name() string                             { return m.name }
func (m *Memory) Close() error                             { return nil }

// MemFS is a concurrent-safe in-memory file namespace, addressed with the
// /vsimem/ prefix by FS.
type MemFS struct {
	mu    sync.RWMutex
	files map[string][]byte
}

func NewMemFS() *MemFS {
	return &MemFS{files: make(map[string][]byte)}
}

// Put stores a copy of data under name.
func (m *MemFS) Put(name string, data []byte) {
	cp := make([]byte, len(data))
	copy(cp, data)
	m.mu.Lock()
	m.files[cleanMemName(name)] = cp
	m.mu.Unlock()
}

// Remove deletes name, returning whether it existed.
func (m *MemFS) Remove(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := cleanMemName(name)
	_, ok := m.files[key]
	delete(m.files, key)
	return ok
}

func (m *MemFS) Open(_ context.Context, name string) (Source, error) {
	m.mu.RLock()
	data, ok := m.files[cleanMemName(name)]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("memfs %s: %w", name, ErrNotExist)
	}
	return NewMemory(name, data), nil
}

func (m *MemFS) Stat(_ context.Context, name string) (int64, error) {
	m.mu.RLock()
	data, ok := m.files[cleanMemName(name)]
	m.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("memfs %s: %w", name, ErrNotExist)
	}
	return int64(len(data)), nil
}

func cleanMemName(name string) string {
	name = strings.TrimPrefix(name, memPrefix)
	return strings.TrimPrefix(name, "/")
}
