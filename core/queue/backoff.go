package queue

import (
	"hash/fnv"
	"math"
	"math/rand"
	"time"
)

// BackoffConfig mirrors the shape of runtime/a2a/retry.Config, generalised
// from "retry a client call" to "schedule the next queue visibility".
type BackoffConfig struct {
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	Jitter            float64
}

// DefaultBackoffConfig returns the queue's default nack backoff schedule.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialBackoff:    500 * time.Millisecond,
		MaxBackoff:        5 * time.Minute,
		BackoffMultiplier: 2.0,
		Jitter:            0.2,
	}
}

// NextVisibleAt computes the next visibility deadline for a nacked message.
// Unlike runtime/a2a/retry's use of the global math/rand source, the jitter
// here is seeded from (runID, attempt) so that recomputing the same
// decision — e.g. after a crash replays the nack — always yields the same
// delay, keeping the maintenance reconciler's schedule deterministic.
func NextVisibleAt(now time.Time, cfg BackoffConfig, runID string, attempt int) time.Time {
	backoff := float64(cfg.InitialBackoff) * math.Pow(cfg.BackoffMultiplier, float64(attempt-1))
	if backoff > float64(cfg.MaxBackoff) {
		backoff = float64(cfg.MaxBackoff)
	}
	if cfg.Jitter > 0 {
		r := deterministicRand(runID, attempt)
		jitterRange := backoff * cfg.Jitter
		backoff += (r.Float64()*2 - 1) * jitterRange
	}
	if backoff < 0 {
		backoff = 0
	}
	return now.Add(time.Duration(backoff))
}

// deterministicRand returns a rand.Rand seeded from the run id and attempt
// number, not wall-clock time, so the same (run, attempt) pair always
// produces the same jitter.
func deterministicRand(runID string, attempt int) *rand.Rand {
	h := fnv.New64a()
	_, _ = h.Write([]byte(runID))
	seed := int64(h.Sum64() ^ uint64(attempt)*0x9E3779B97F4A7C15)
	return rand.New(rand.NewSource(seed))
}
