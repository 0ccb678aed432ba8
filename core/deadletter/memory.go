package deadletter

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// MemoryArchive is an in-process Archive used by tests, mirroring
// core/outbox.Memory's map-backed test-double idiom.
type MemoryArchive struct {
	mu      sync.Mutex
	entries map[string]Entry
	now     func() time.Time
}

var _ interface {
	Archive
	Retainer
} = (*MemoryArchive)(nil)

// NewMemoryArchive builds an empty MemoryArchive. now defaults to time.Now.
func NewMemoryArchive(now func() time.Time) *MemoryArchive {
	if now == nil {
		now = time.Now
	}
	return &MemoryArchive{entries: make(map[string]Entry), now: now}
}

func (a *MemoryArchive) Append(_ context.Context, e Entry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, existing := range a.entries {
		if existing.RunID == e.RunID && existing.OpIndex == e.OpIndex {
			return errors.New("deadletter: entry already archived for this run and op")
		}
	}
	if e.Status == "" {
		e.Status = StatusUnmatched
	}
	a.entries[e.ID] = e
	return nil
}

func (a *MemoryArchive) Get(_ context.Context, id string) (Entry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.entries[id]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return e, nil
}

func (a *MemoryArchive) ListByStatus(_ context.Context, status EntryStatus, max int) ([]Entry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []Entry
	for _, e := range a.entries {
		if e.Status == status {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ArchivedAt.Before(out[j].ArchivedAt) })
	if len(out) > max {
		out = out[:max]
	}
	return out, nil
}

func (a *MemoryArchive) UpdateCatalogMatch(_ context.Context, id, catalogMatch string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.entries[id]
	if !ok {
		return ErrNotFound
	}
	e.CatalogMatch = catalogMatch
	e.Status = StatusMatched
	a.entries[id] = e
	return nil
}

func (a *MemoryArchive) MarkRecovered(_ context.Context, id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.entries[id]
	if !ok {
		return ErrNotFound
	}
	e.Status = StatusRecovered
	a.entries[id] = e
	return nil
}

// PurgeRecoveredBefore implements Retainer.
func (a *MemoryArchive) PurgeRecoveredBefore(_ context.Context, archivedBefore time.Time) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	removed := 0
	for id, e := range a.entries {
		if e.Status == StatusRecovered && e.ArchivedAt.Before(archivedBefore) {
			delete(a.entries, id)
			removed++
		}
	}
	return removed, nil
}

// MemoryCandidateStore is an in-process CandidateStore used by tests.
type MemoryCandidateStore struct {
	mu         sync.Mutex
	candidates map[string]Candidate
	now        func() time.Time
}

var _ CandidateStore = (*MemoryCandidateStore)(nil)

// NewMemoryCandidateStore builds an empty MemoryCandidateStore.
func NewMemoryCandidateStore(now func() time.Time) *MemoryCandidateStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryCandidateStore{candidates: make(map[string]Candidate), now: now}
}

func (s *MemoryCandidateStore) Propose(_ context.Context, c Candidate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.Status == "" {
		c.Status = CandidateProposed
	}
	s.candidates[c.ID] = c
	return nil
}

func (s *MemoryCandidateStore) Get(_ context.Context, id string) (Candidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.candidates[id]
	if !ok {
		return Candidate{}, ErrNotFound
	}
	return c, nil
}

func (s *MemoryCandidateStore) ListByDeadLetter(_ context.Context, deadLetterID string) ([]Candidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Candidate
	for _, c := range s.candidates {
		if c.DeadLetterID == deadLetterID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryCandidateStore) ListPendingApproval(_ context.Context, max int) ([]Candidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Candidate
	for _, c := range s.candidates {
		if c.Status == CandidateProposed {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > max {
		out = out[:max]
	}
	return out, nil
}

func (s *MemoryCandidateStore) Decide(_ context.Context, id string, approve bool, approver string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.candidates[id]
	if !ok || c.Status != CandidateProposed {
		return ErrNotFound
	}
	if approve {
		c.Status = CandidateApproved
	} else {
		c.Status = CandidateRejected
	}
	c.Approver = approver
	c.DecidedAt = s.now()
	s.candidates[id] = c
	return nil
}

func (s *MemoryCandidateStore) MarkExecuted(_ context.Context, id, childRunID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.candidates[id]
	if !ok || c.Status != CandidateApproved {
		return ErrNotFound
	}
	c.Status = CandidateExecuted
	c.ChildRunID = childRunID
	s.candidates[id] = c
	return nil
}
