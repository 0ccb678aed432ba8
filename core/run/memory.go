package run

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Store used by tests and by the single-replica
// demo path, mirroring core/outbox.Memory's map-backed test-double idiom.
type Memory struct {
	mu           sync.Mutex
	runs         map[string]Run
	byIdemKey    map[string]string // idempotency key -> run id
	now          func() time.Time
}

var _ Store = (*Memory)(nil)

// NewMemory builds an empty Memory store. now defaults to time.Now.
func NewMemory(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{runs: make(map[string]Run), byIdemKey: make(map[string]string), now: now}
}

// Create implements Store.
func (m *Memory) Create(_ context.Context, r Run) (Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r.IdempotencyKey != "" {
		if existingID, ok := m.byIdemKey[r.IdempotencyKey]; ok {
			return m.runs[existingID], nil
		}
	}
	if r.Status == "" {
		r.Status = StatusQueued
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = m.now()
	}
	m.runs[r.ID] = r
	if r.IdempotencyKey != "" {
		m.byIdemKey[r.IdempotencyKey] = r.ID
	}
	return r, nil
}

// Load implements Store.
func (m *Memory) Load(_ context.Context, runID string) (Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return Run{}, ErrNotFound
	}
	return r, nil
}

// TransitionStatus implements Store. The fencing token is accepted but not
// independently verified here: Memory is a single-process test double with
// no concurrent writers to fence against, unlike MongoStore, whose write
// filter rejects a token lower than the one stored on the run document.
func (m *Memory) TransitionStatus(_ context.Context, runID string, newStatus Status, fencingToken int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return ErrNotFound
	}
	if r.Status.Terminal() && r.Status != newStatus {
		return ErrTerminal
	}
	r.Status = newStatus
	switch newStatus {
	case StatusRunning:
		if r.StartedAt.IsZero() {
			r.StartedAt = m.now()
		}
	default:
		if newStatus.Terminal() {
			r.CompletedAt = m.now()
		}
	}
	m.runs[runID] = r
	return nil
}

// LookupByIdempotencyKey implements Store.
func (m *Memory) LookupByIdempotencyKey(_ context.Context, key string) (Run, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byIdemKey[key]
	if !ok {
		return Run{}, false, nil
	}
	return m.runs[id], true, nil
}
