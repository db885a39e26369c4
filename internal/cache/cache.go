// Package cache holds the durable write-through snapshot of the task forest.
// Implementations never return errors to callers; failures are logged and a
// failed read looks like a miss.
package cache

import (
	"io"
	"log/slog"
	"sync"
)

type Cache interface {
	Read(key string) ([]byte, bool)
	Write(key string, value []byte)
}

// Deleter is implemented by caches that can drop a key outright.
type Deleter interface {
	Delete(key string)
}

// Drop removes key, falling back to an empty write when c cannot delete.
func Drop(c Cache, key string) {
	if d, ok := c.(Deleter); ok {
		d.Delete(key)
		return
	}
	c.Write(key, nil)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{data: map[string][]byte{}}
}

func (m *Memory) Read(key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok || len(v) == 0 {
		return nil, false
	}
	return append([]byte(nil), v...), true
}

func (m *Memory) Write(key string, value []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), value...)
}

func (m *Memory) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
}
