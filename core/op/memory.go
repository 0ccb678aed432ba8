package op

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Store used by tests, mirroring core/run.Memory's
// map-backed idiom.
type Memory struct {
	mu  sync.Mutex
	ops map[string]Op
	now func() time.Time
}

var _ Store = (*Memory)(nil)

// NewMemory builds an empty Memory store. now defaults to time.Now.
func NewMemory(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{ops: make(map[string]Op), now: now}
}

// CreateAll implements Store.
func (m *Memory) CreateAll(_ context.Context, runID string, ops []Op) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range ops {
		o.RunID = runID
		if o.Status == "" {
			o.Status = StatusPending
		}
		m.ops[o.ID()] = o
	}
	return nil
}

// Load implements Store.
func (m *Memory) Load(_ context.Context, runID string, index int) (Op, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.ops[Op{RunID: runID, Index: index}.ID()]
	if !ok {
		return Op{}, ErrNotFound
	}
	return o, nil
}

// ListByRun implements Store.
func (m *Memory) ListByRun(_ context.Context, runID string) ([]Op, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Op
	for _, o := range m.ops {
		if o.RunID == runID {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

// MarkSucceeded implements Store. The fencing token is accepted but not
// independently verified: Memory is a single-process test double with no
// concurrent writers to fence against, the same simplification
// core/run.Memory documents for TransitionStatus.
func (m *Memory) MarkSucceeded(_ context.Context, runID string, index int, resultRef string, _ int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := Op{RunID: runID, Index: index}.ID()
	o, ok := m.ops[key]
	if !ok {
		return ErrNotFound
	}
	o.Status = StatusSucceeded
	o.ResultRef = resultRef
	m.ops[key] = o
	return nil
}

// MarkFailed implements Store.
func (m *Memory) MarkFailed(_ context.Context, runID string, index int, terminal bool, _ int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := Op{RunID: runID, Index: index}.ID()
	o, ok := m.ops[key]
	if !ok {
		return ErrNotFound
	}
	o.Attempt++
	if terminal {
		o.Status = StatusDead
	} else {
		o.Status = StatusFailed
	}
	m.ops[key] = o
	return nil
}
