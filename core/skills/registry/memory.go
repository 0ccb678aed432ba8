package registry

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Store used by tests and single-node deployments,
// mirroring registry/store/memory's map-backed shape.
type Memory struct {
	mu          sync.RWMutex
	descriptors map[string]Descriptor
	now         func() time.Time
}

var _ Store = (*Memory)(nil)

// NewMemory builds an empty Memory registry. now defaults to time.Now.
func NewMemory(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{descriptors: make(map[string]Descriptor), now: now}
}

func (m *Memory) Register(_ context.Context, d Descriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d.RegisteredAt = m.now()
	m.descriptors[d.Skill] = d
	return nil
}

func (m *Memory) Lookup(_ context.Context, name string) (Descriptor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.descriptors[name]
	if !ok {
		return Descriptor{}, ErrNotFound
	}
	return d, nil
}

func (m *Memory) List(_ context.Context) ([]Descriptor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Descriptor, 0, len(m.descriptors))
	for _, d := range m.descriptors {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Skill < out[j].Skill })
	return out, nil
}

func (m *Memory) Deregister(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.descriptors[name]; !ok {
		return ErrNotFound
	}
	delete(m.descriptors, name)
	return nil
}
