package stream

import (
	"context"
	"sync"
)

// Memory is an in-process EventStream used by tests: every Publish fans out
// synchronously to every currently-open Subscription for that run, mirroring
// pulseStream's one-stream-per-run topology without a Redis dependency.
type Memory struct {
	mu   sync.Mutex
	subs map[string][]chan Event
}

var _ EventStream = (*Memory)(nil)

// NewMemory builds an empty Memory event stream.
func NewMemory() *Memory {
	return &Memory{subs: make(map[string][]chan Event)}
}

func (m *Memory) Publish(_ context.Context, evt Event) error {
	m.mu.Lock()
	subs := append([]chan Event(nil), m.subs[evt.RunID]...)
	m.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- evt:
		default:
		}
	}
	return nil
}

func (m *Memory) Tail(_ context.Context, runID string) (Subscription, error) {
	ch := make(chan Event, 16)
	m.mu.Lock()
	m.subs[runID] = append(m.subs[runID], ch)
	m.mu.Unlock()
	return &memorySubscription{mem: m, runID: runID, ch: ch}, nil
}

type memorySubscription struct {
	mem   *Memory
	runID string
	ch    chan Event
}

func (s *memorySubscription) Events() <-chan Event { return s.ch }

func (s *memorySubscription) Close(_ context.Context) {
	s.mem.mu.Lock()
	defer s.mem.mu.Unlock()
	chans := s.mem.subs[s.runID]
	for i, ch := range chans {
		if ch == s.ch {
			s.mem.subs[s.runID] = append(chans[:i], chans[i+1:]...)
			close(ch)
			return
		}
	}
}
