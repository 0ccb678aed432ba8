package queue

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memoryItem struct {
	runID          string
	opIndex        int
	attempt        int
	visibleAt      time.Time
	claimedBy      string
	claimToken     string
	claimExpiresAt time.Time
}

// Memory is an in-process Queue implementation for unit tests and local
// tooling, mirroring the teacher's in-memory store convention (e.g.
// features/session/mongo/clients/mongo/inmem.Store) rather than the
// production broker/database lanes.
type Memory struct {
	mu    sync.Mutex
	items map[string]*memoryItem
	seq   int
	now   func() time.Time
}

// NewMemory constructs a Memory queue. now defaults to time.Now when nil.
func NewMemory(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{items: make(map[string]*memoryItem), now: now}
}

func key(runID string, opIndex int) string {
	return runID + "#" + itoa(opIndex)
}

// Enqueue implements Queue.
func (m *Memory) Enqueue(_ context.Context, runID string, opIndex int, visibleAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(runID, opIndex)
	if it, ok := m.items[k]; ok {
		it.visibleAt = visibleAt
		return nil
	}
	m.items[k] = &memoryItem{runID: runID, opIndex: opIndex, visibleAt: visibleAt}
	return nil
}

// Claim implements Queue.
func (m *Memory) Claim(_ context.Context, worker string, max int, invisibility time.Duration) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	keys := make([]string, 0, len(m.items))
	for k := range m.items {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []Message
	for _, k := range keys {
		if len(out) >= max {
			break
		}
		it := m.items[k]
		if it.visibleAt.After(now) {
			continue
		}
		if it.claimedBy != "" && it.claimExpiresAt.After(now) {
			continue
		}
		m.seq++
		it.claimedBy = worker
		it.claimToken = itoa(m.seq)
		it.claimExpiresAt = now.Add(invisibility)
		it.attempt++
		out = append(out, Message{
			RunID:      it.runID,
			OpIndex:    it.opIndex,
			Partition:  Partition(it.runID, 16),
			Attempt:    it.attempt,
			ClaimToken: it.claimToken,
			ClaimedAt:  now,
			VisibleAt:  it.claimExpiresAt,
		})
	}
	return out, nil
}

// Ack implements Queue.
func (m *Memory) Ack(_ context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(msg.RunID, msg.OpIndex)
	it, ok := m.items[k]
	if !ok || it.claimToken != msg.ClaimToken {
		return ErrNotClaimed
	}
	delete(m.items, k)
	return nil
}

// Nack implements Queue.
func (m *Memory) Nack(_ context.Context, msg Message, visibleAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(msg.RunID, msg.OpIndex)
	it, ok := m.items[k]
	if !ok || it.claimToken != msg.ClaimToken {
		return ErrNotClaimed
	}
	it.claimedBy = ""
	it.claimToken = ""
	it.visibleAt = visibleAt
	return nil
}

// Extend implements Queue.
func (m *Memory) Extend(_ context.Context, msg Message, invisibility time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(msg.RunID, msg.OpIndex)
	it, ok := m.items[k]
	if !ok || it.claimToken != msg.ClaimToken {
		return ErrNotClaimed
	}
	it.claimExpiresAt = m.now().Add(invisibility)
	return nil
}
