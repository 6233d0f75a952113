package objectstore

import (
	"context"
	"sort"
	"sync"

	"github.com/rotisserie/eris"
)

// Object is a stored payload and its content type.
type Object struct {
	Content     []byte
	ContentType string
}

// Memory is an in-process Store for dry runs and tests.
type Memory struct {
	mu      sync.RWMutex
	objects map[string]Object
	order   []string
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{objects: make(map[string]Object)}
}

// Put implements Store.
func (m *Memory) Put(ctx context.Context, key string, content []byte, contentType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	k, err := CleanKey(key)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[k]; !ok {
		m.order = append(m.order, k)
	}
	m.objects[k] = Object{Content: append([]byte(nil), content...), ContentType: contentType}
	return nil
}

// Get implements Store.
func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	k, err := CleanKey(key)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[k]
	if !ok {
		return nil, eris.Wrapf(ErrNotFound, "objectstore: %s", k)
	}
	return append([]byte(nil), obj.Content...), nil
}

// Object returns the stored object and whether it exists.
func (m *Memory) Object(key string) (Object, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	return obj, ok
}

// Keys returns stored keys sorted.
func (m *Memory) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := append([]string(nil), m.order...)
	sort.Strings(out)
	return out
}

// WriteOrder returns keys in first-write order.
func (m *Memory) WriteOrder() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.order...)
}
