package skills

import (
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerSettings configures one (skill × target) circuit breaker. It
// mirrors gobreaker.Settings' shape but drops the fields the bank derives
// itself (Name, OnStateChange), keeping the descriptor-facing surface
// small.
type BreakerSettings struct {
	// MaxRequestsHalfOpen bounds probe requests allowed while half-open.
	MaxRequestsHalfOpen uint32
	// OpenWindow is the rolling window over which failure counts accumulate.
	OpenWindow time.Duration
	// OpenTimeout is how long the breaker stays open before probing again.
	OpenTimeout time.Duration
	// FailureThreshold trips the breaker once consecutive failures reach it.
	FailureThreshold uint32
}

// DefaultBreakerSettings returns the bank's default per-breaker policy.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		MaxRequestsHalfOpen: 1,
		OpenWindow:          time.Minute,
		OpenTimeout:         30 * time.Second,
		FailureThreshold:    5,
	}
}

func (s BreakerSettings) toGobreaker(name string) gobreaker.Settings {
	threshold := s.FailureThreshold
	if threshold == 0 {
		threshold = DefaultBreakerSettings().FailureThreshold
	}
	return gobreaker.Settings{
		Name:        name,
		MaxRequests: s.MaxRequestsHalfOpen,
		Interval:    s.OpenWindow,
		Timeout:     s.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
	}
}

// BreakerBank lazily creates and caches one circuit breaker per
// (skill, target) pair (spec §4.3), grounded on github.com/sony/gobreaker
// adopted from the jordigilh-kubernaut pack member. It uses gobreaker's
// classic (non-generic) CircuitBreaker, whose Execute takes a
// func() (interface{}, error) — the bank type-asserts the result back to
// []byte, since every skill adapter returns raw result bytes.
type BreakerBank struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewBreakerBank builds an empty bank.
func NewBreakerBank() *BreakerBank {
	return &BreakerBank{breakers: make(map[string]*gobreaker.CircuitBreaker)}
}

// Execute runs fn through the breaker for (skill, target), creating it with
// settings on first use.
func (b *BreakerBank) Execute(skill, target string, settings BreakerSettings, fn func() ([]byte, error)) ([]byte, error) {
	breaker := b.breakerFor(skill, target, settings)
	result, err := breaker.Execute(func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		return nil, err
	}
	out, _ := result.([]byte)
	return out, nil
}

// State reports the current breaker state for (skill, target), or
// gobreaker.StateClosed if no breaker has been created yet.
func (b *BreakerBank) State(skill, target string) gobreaker.State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if br, ok := b.breakers[bankKey(skill, target)]; ok {
		return br.State()
	}
	return gobreaker.StateClosed
}

func (b *BreakerBank) breakerFor(skill, target string, settings BreakerSettings) *gobreaker.CircuitBreaker {
	key := bankKey(skill, target)
	b.mu.Lock()
	defer b.mu.Unlock()
	if br, ok := b.breakers[key]; ok {
		return br
	}
	br := gobreaker.NewCircuitBreaker(settings.toGobreaker(key))
	b.breakers[key] = br
	return br
}

func bankKey(skill, target string) string {
	return skill + "|" + target
}
