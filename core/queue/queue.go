// Package queue implements the Durable Work Queue (spec §4.1, C1): a
// two-lane delivery surface (a broker-backed primary lane and a
// database-backed fallback lane) exposing claim/ack/nack/extend semantics to
// workers. Exactly one lane is active for a given deployment; callers never
// claim from both at once.
package queue

import (
	"context"
	"errors"
	"hash/fnv"
	"time"
)

// Message is a claimed unit of queue work: one (run, op) pair ready for
// execution (spec §3).
type Message struct {
	RunID      string
	OpIndex    int
	Partition  string
	Attempt    int
	ClaimToken string
	ClaimedAt  time.Time
	VisibleAt  time.Time
}

// ErrNotClaimed indicates Ack/Nack/Extend was called with a claim token that
// no longer matches the message's current claim (already acked, expired and
// reclaimed by another worker, or never claimed).
var ErrNotClaimed = errors.New("queue: message is not claimed under this token")

// Queue is the surface workers and the outbox/maintenance loops use to move
// ops through the system. Implementations back either the primary
// (broker) or fallback (database) lane; both satisfy the same contract.
type Queue interface {
	// Enqueue makes (runID, opIndex) visible for claiming at visibleAt.
	Enqueue(ctx context.Context, runID string, opIndex int, visibleAt time.Time) error
	// Claim reserves up to max visible messages for the given worker,
	// extending their visibility by invisibility. Returns fewer than max
	// if fewer are available; never blocks past ctx's deadline.
	Claim(ctx context.Context, worker string, max int, invisibility time.Duration) ([]Message, error)
	// Ack permanently removes a claimed message. Returns ErrNotClaimed if
	// the claim token is stale.
	Ack(ctx context.Context, msg Message) error
	// Nack releases a claimed message back to the queue, scheduling its
	// next visibility at visibleAt (used for retry backoff).
	Nack(ctx context.Context, msg Message, visibleAt time.Time) error
	// Extend pushes out a claimed message's invisibility deadline, for
	// long-running ops whose worker is still alive (heartbeat).
	Extend(ctx context.Context, msg Message, invisibility time.Duration) error
}

// Partition hashes a run id into one of n fixed partitions using FNV-1a,
// giving deterministic per-run ordering: every op for the same run always
// lands on the same partition/stream (spec §4.1).
func Partition(runID string, n int) string {
	if n <= 0 {
		n = 1
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(runID))
	return itoa(int(h.Sum32()) % n)
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
