// Package outbox implements the Outbox Processor (spec §4.4, C4): every
// externally-visible effect a skill produces is written to the outbox in
// the same commit as the idempotency record, then delivered by a single
// leader-gated poller — never by the skill body calling out directly.
package outbox

import (
	"context"
	"errors"
	"time"
)

// Status is the lifecycle state of an outbox entry (spec §4.4), modelled on
// the flowcatalyst reference's status codes but named rather than numeric.
type Status string

const (
	StatusPending  Status = "pending"
	StatusInFlight Status = "in_flight"
	StatusDelivered Status = "delivered"
	StatusFailed   Status = "failed"
)

// Entry is one externally-visible effect queued for delivery (spec §3,
// §4.4). Target identifies the downstream system (e.g. "slack",
// "webhook:acme"); RunID+Target together form the FIFO group key so that
// effects for the same run against the same target are delivered in order.
type Entry struct {
	ID             string
	RunID          string
	OpIndex        int
	Target         string
	Payload        []byte
	IdempotencyKey string
	Status         Status
	Attempt        int
	NextVisibleAt  time.Time
	InFlightSince  time.Time
	LastError      string
	CreatedAt      time.Time
	DeliveredAt    time.Time
}

// GroupKey returns the FIFO ordering key for this entry.
func (e Entry) GroupKey() string { return e.RunID + "|" + e.Target }

// ErrNotInFlight indicates MarkDelivered/MarkFailed was called for an entry
// that is not currently in_flight.
var ErrNotInFlight = errors.New("outbox: entry is not in_flight")

// Store is the persistence surface the processor polls and updates (spec
// §4.4). It follows the flowcatalyst reference's "single poller + status
// transitions, no row locking" design: because exactly one processor
// instance is ever primary (enforced by the leader lock), FetchPending +
// MarkInFlight do not need to be one atomic operation the way
// core/idempotency's claims do.
type Store interface {
	// Enqueue persists a new pending entry.
	Enqueue(ctx context.Context, e Entry) error
	// FetchPending returns up to max pending entries whose NextVisibleAt
	// has elapsed, ordered by CreatedAt (oldest first, preserving FIFO).
	FetchPending(ctx context.Context, max int) ([]Entry, error)
	// MarkInFlight transitions the given ids from pending to in_flight.
	MarkInFlight(ctx context.Context, ids []string) error
	// MarkDelivered transitions an in_flight entry to delivered.
	MarkDelivered(ctx context.Context, id string) error
	// MarkFailed transitions an in_flight entry back to pending (if
	// retryable, scheduling nextVisibleAt) or to failed (terminal).
	MarkFailed(ctx context.Context, id string, retryable bool, nextVisibleAt time.Time, lastErr string) error
	// FetchStuck returns entries left in_flight past staleAfter, used for
	// crash recovery on startup (spec §4.4, mirroring the flowcatalyst
	// reference's doCrashRecovery).
	FetchStuck(ctx context.Context, staleAfter time.Duration) ([]Entry, error)
	// ResetStuck transitions the given ids from in_flight back to pending.
	ResetStuck(ctx context.Context, ids []string) error
}

// Deliverer sends one outbox entry's payload to its target, using
// e.IdempotencyKey as the downstream de-duplication key so retried
// deliveries never double-apply at the external system (spec §4.4, §8 S3).
type Deliverer func(ctx context.Context, e Entry) error
