// Package lock implements the distributed lock with monotonic fencing
// tokens used to serialise run mutations and to elect the outbox/
// maintenance leader (spec §3, Distributed lock; spec §5).
package lock

import (
	"context"
	"errors"
	"time"
)

// Lease describes a held or expired lock lease.
type Lease struct {
	Resource       string
	Holder         string
	AcquiredAt     time.Time
	LeaseExpiresAt time.Time
	FencingToken   int64
}

// Expired reports whether the lease has passed its expiry at t.
func (l Lease) Expired(t time.Time) bool {
	return t.After(l.LeaseExpiresAt)
}

// ErrHeldByOther indicates the resource is currently held by a different,
// unexpired holder.
var ErrHeldByOther = errors.New("lock: held by another holder")

// ErrStaleFencingToken indicates a caller presented a fencing token that no
// longer matches the current lease (spec §3: "stale tokens are rejected").
var ErrStaleFencingToken = errors.New("lock: stale fencing token")

// Locker acquires, renews, and releases leases with monotonically
// increasing fencing tokens. A given resource has at most one holder with a
// non-expired lease at any instant (spec §3 invariant).
//
// Lock acquisition order across the core is fixed: outbox leader lock >
// run lock > idempotency record (spec §5); no component acquires a
// higher-level lock while holding a lower-level one.
type Locker interface {
	// Acquire attempts to take resource for holder with the given lease
	// duration. It succeeds if the resource is unheld, held by holder
	// already, or held by an expired lease. Returns the new Lease
	// (fencing token incremented) or ErrHeldByOther.
	Acquire(ctx context.Context, resource, holder string, lease time.Duration) (Lease, error)
	// Renew extends an existing lease held by holder, verifying the
	// fencing token still matches. Returns ErrStaleFencingToken otherwise.
	Renew(ctx context.Context, resource, holder string, fencingToken int64, lease time.Duration) (Lease, error)
	// Release drops the lease if held by holder with a matching fencing
	// token; otherwise it is a no-op (the caller's lease already expired
	// or was taken over).
	Release(ctx context.Context, resource, holder string, fencingToken int64) error
	// Current returns the resource's current lease, if any.
	Current(ctx context.Context, resource string) (Lease, bool, error)
}

// GarbageCollector is implemented by Lockers that can purge lease rows for
// resources nobody will ever re-acquire (a completed run's lock, a retired
// outbox group) — the maintenance orchestrator's lock-GC step (spec §4.6).
// Expired leases are otherwise harmless (Acquire's filter already treats
// them as free) but accumulate as dead rows without this pass.
type GarbageCollector interface {
	// GC deletes leases whose LeaseExpiresAt is older than olderThan and
	// returns the number removed.
	GC(ctx context.Context, olderThan time.Duration) (int, error)
}
