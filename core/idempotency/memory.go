package idempotency

import (
	"errors"
	"sync"
	"time"

	"context"
)

type memoryRecord struct {
	status      RecordStatus
	owner       string
	fingerprint string
	result      []byte
	expiresAt   time.Time
	committedAt time.Time
}

// Memory is an in-process Store + ReplayLog used by unit tests and the
// single-replica demo path. Every method takes the same lock for the
// duration of its CAS check-and-mutate, matching the single-shot semantics
// the Mongo implementation achieves via FindOneAndUpdate.
type Memory struct {
	mu      sync.Mutex
	records map[string]*memoryRecord
	replay  map[string]ReplayEntry
	mismatches []MismatchEntry
	now     func() time.Time
}

// NewMemory constructs a Memory store. now defaults to time.Now when nil.
func NewMemory(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{
		records: make(map[string]*memoryRecord),
		replay:  make(map[string]ReplayEntry),
		now:     now,
	}
}

// ClaimOrReturn implements Store.
func (m *Memory) ClaimOrReturn(_ context.Context, key, paramsFingerprint, owner string, ttl time.Duration) (ClaimResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	rec, ok := m.records[key]
	if !ok {
		m.records[key] = &memoryRecord{
			status:      StatusInFlight,
			owner:       owner,
			fingerprint: paramsFingerprint,
			expiresAt:   now.Add(ttl),
		}
		return ClaimResult{Outcome: Claimed}, nil
	}

	if rec.status == StatusCommitted {
		return ClaimResult{Outcome: Cached, Result: rec.result, ParamFingerprint: rec.fingerprint}, nil
	}
	if rec.fingerprint != paramsFingerprint {
		return ClaimResult{}, ErrParamMismatch
	}
	if rec.owner == owner {
		return ClaimResult{Outcome: AlreadyOwned}, nil
	}
	if rec.expiresAt.After(now) {
		return ClaimResult{Outcome: Contended, OtherOwner: rec.owner}, nil
	}
	// Expired in-flight owner: take over.
	rec.owner = owner
	rec.expiresAt = now.Add(ttl)
	return ClaimResult{Outcome: Claimed}, nil
}

// Commit implements Store.
func (m *Memory) Commit(_ context.Context, key, owner string, result []byte, paramsFingerprint string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[key]
	if !ok || rec.status != StatusInFlight || rec.owner != owner {
		return nil, ErrNotInFlight
	}
	if rec.fingerprint != paramsFingerprint {
		return nil, ErrParamMismatch
	}
	rec.status = StatusCommitted
	rec.result = result
	rec.committedAt = m.now()
	return result, nil
}

// PurgeCommittedBefore implements both Retainer and ReplayRetainer: Memory
// backs the Store and ReplayLog ports with the same struct, so one pass
// purges committed records and replay entries together (unlike production,
// where MongoStore and MongoReplayLog are separate collections purged
// independently with their own retention windows).
func (m *Memory) PurgeCommittedBefore(_ context.Context, committedBefore time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for key, rec := range m.records {
		if rec.status == StatusCommitted && rec.committedAt.Before(committedBefore) {
			delete(m.records, key)
			removed++
		}
	}
	for key, e := range m.replay {
		if e.CommittedAt.Before(committedBefore) {
			delete(m.replay, key)
			removed++
		}
	}
	return removed, nil
}

// Abandon implements Store.
func (m *Memory) Abandon(_ context.Context, key, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[key]
	if ok && rec.status == StatusInFlight && rec.owner == owner {
		delete(m.records, key)
	}
	return nil
}

// Append implements ReplayLog.
func (m *Memory) Append(_ context.Context, e ReplayEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := e.RunID + "#" + itoa(e.OpIndex)
	if _, exists := m.replay[k]; exists {
		return errors.New("idempotency: replay entry already exists for op")
	}
	m.replay[k] = e
	return nil
}

// Load implements ReplayLog.
func (m *Memory) Load(_ context.Context, runID string, opIndex int) (ReplayEntry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.replay[runID+"#"+itoa(opIndex)]
	return e, ok, nil
}

// VerifyReplay implements ReplayLog.
func (m *Memory) VerifyReplay(ctx context.Context, runID string, opIndex int, recomputedResultHash string) (ReplayVerdict, error) {
	entry, ok, err := m.Load(ctx, runID, opIndex)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrNotInFlight
	}
	if entry.ResultHash == recomputedResultHash {
		return Match, nil
	}
	return Mismatch, nil
}

// RecordMismatch implements MismatchRecorder.
func (m *Memory) RecordMismatch(_ context.Context, mm MismatchEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mismatches = append(m.mismatches, mm)
	return nil
}

// Mismatches returns every recorded mismatch, for test assertions.
func (m *Memory) Mismatches() []MismatchEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MismatchEntry, len(m.mismatches))
	copy(out, m.mismatches)
	return out
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	neg := i < 0
	if neg {
		i = -i
	}
	var buf [20]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	if neg {
		pos--
		buf[pos] = '-'
	}
	return string(buf[pos:])
}
