package lock

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Locker used by unit tests and the single-replica
// demo path. It mirrors MongoLocker's CAS semantics without a database.
type Memory struct {
	mu     sync.Mutex
	leases map[string]Lease
	now    func() time.Time
}

var _ interface {
	Locker
	GarbageCollector
} = (*Memory)(nil)

// NewMemory constructs a Memory locker. now defaults to time.Now when nil.
func NewMemory(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{leases: make(map[string]Lease), now: now}
}

// Acquire implements Locker.
func (m *Memory) Acquire(_ context.Context, resource, holder string, lease time.Duration) (Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	existing, ok := m.leases[resource]
	if ok && existing.Holder != holder && !existing.Expired(now) {
		return Lease{}, ErrHeldByOther
	}
	next := Lease{
		Resource:       resource,
		Holder:         holder,
		AcquiredAt:     now,
		LeaseExpiresAt: now.Add(lease),
		FencingToken:   existing.FencingToken + 1,
	}
	m.leases[resource] = next
	return next, nil
}

// Renew implements Locker.
func (m *Memory) Renew(_ context.Context, resource, holder string, fencingToken int64, lease time.Duration) (Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.leases[resource]
	if !ok || existing.Holder != holder || existing.FencingToken != fencingToken {
		return Lease{}, ErrStaleFencingToken
	}
	existing.LeaseExpiresAt = m.now().Add(lease)
	m.leases[resource] = existing
	return existing, nil
}

// Release implements Locker.
func (m *Memory) Release(_ context.Context, resource, holder string, fencingToken int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.leases[resource]
	if !ok || existing.Holder != holder || existing.FencingToken != fencingToken {
		return nil
	}
	delete(m.leases, resource)
	return nil
}

// Current implements Locker.
func (m *Memory) Current(_ context.Context, resource string) (Lease, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.leases[resource]
	return l, ok, nil
}

// GC implements GarbageCollector.
func (m *Memory) GC(_ context.Context, olderThan time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-olderThan)
	removed := 0
	for resource, lease := range m.leases {
		if lease.LeaseExpiresAt.Before(cutoff) {
			delete(m.leases, resource)
			removed++
		}
	}
	return removed, nil
}
