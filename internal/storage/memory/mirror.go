package memory

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// Mirror keeps mirrored artifacts in memory and returns memory:// URIs.
type Mirror struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMirror creates an empty Mirror.
func NewMirror() *Mirror {
	return &Mirror{objects: make(map[string][]byte)}
}

// PutObject stores the content of r under path.
func (m *Mirror) PutObject(_ context.Context, path, _ string, r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read object %s: %w", path, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[path] = data
	return "memory://" + path, nil
}

// Object returns a copy of the stored bytes for path.
func (m *Mirror) Object(path string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[path]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), data...), true
}
