package audit

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"
)

// Memory is an in-process Ledger used by tests.
type Memory struct {
	mu      sync.Mutex
	records []Record
	seq     int
	now     func() time.Time
}

var _ Ledger = (*Memory)(nil)

// NewMemory builds an empty Memory ledger. now defaults to time.Now.
func NewMemory(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{now: now}
}

func (m *Memory) Append(_ context.Context, r Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.At.IsZero() {
		r.At = m.now()
	}
	if r.ID == "" {
		m.seq++
		r.ID = "audit-" + strconv.Itoa(m.seq)
	}
	m.records = append(m.records, r)
	return nil
}

func (m *Memory) ListByRun(_ context.Context, runID string, max int) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, r := range m.records {
		if r.RunID == runID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	if max > 0 && len(out) > max {
		out = out[:max]
	}
	return out, nil
}
