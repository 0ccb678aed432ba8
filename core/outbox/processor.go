package outbox

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"goa.design/goa-ai/core/lock"
	"goa.design/goa-ai/core/queue"
)

// ProcessorConfig configures the outbox Processor (spec §4.4), grounded on
// the flowcatalyst reference's ProcessorConfig (poll interval, batch size,
// recovery thresholds) adapted onto a leader lock instead of a separate
// leader-election package.
type ProcessorConfig struct {
	// LeaderResource is the lock resource name contended for primary status.
	LeaderResource string
	// LeaderLease is how long a held leader lease lasts before renewal.
	LeaderLease time.Duration
	// PollInterval is how often the poller checks for newly pending entries.
	PollInterval time.Duration
	// BatchSize bounds how many pending entries one poll claims.
	BatchSize int
	// GroupBatchSize bounds how many entries one group worker delivers per
	// processBatch call (kept at 1 by default: spec §4.4 delivers entries
	// one at a time so a single failure doesn't block unrelated targets'
	// progress within the same batch).
	GroupBatchSize int
	// StaleAfter is how long an entry may sit in_flight before the crash/
	// periodic recovery scan resets it back to pending.
	StaleAfter time.Duration
	// RecoveryInterval is how often the periodic recovery scan runs.
	RecoveryInterval time.Duration
	Backoff          queue.BackoffConfig
}

// DefaultProcessorConfig returns the processor's default tuning.
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		LeaderResource:   "outbox-processor",
		LeaderLease:      30 * time.Second,
		PollInterval:     time.Second,
		BatchSize:        100,
		GroupBatchSize:   1,
		StaleAfter:       2 * time.Minute,
		RecoveryInterval: 30 * time.Second,
		Backoff:          queue.DefaultBackoffConfig(),
	}
}

// Processor drains pending outbox entries and delivers them, gated by a
// core/lock leader lease so only one instance polls at a time — the
// flowcatalyst reference's "single poller + status transitions, no row
// locking" architecture, with core/lock's fenced lease standing in for its
// separate leader-election package.
type Processor struct {
	store     Store
	locker    lock.Locker
	deliverer Deliverer
	holder    string
	cfg       ProcessorConfig

	groupProcessors sync.Map // map[string]*groupWorker

	mu          sync.Mutex
	fencing     int64
	isPrimary   bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// NewProcessor builds a Processor. holder identifies this process instance
// for leader-lease acquisition (e.g. hostname+pid).
func NewProcessor(store Store, locker lock.Locker, deliverer Deliverer, holder string, cfg ProcessorConfig) *Processor {
	if cfg.PollInterval <= 0 {
		cfg = DefaultProcessorConfig()
	}
	return &Processor{store: store, locker: locker, deliverer: deliverer, holder: holder, cfg: cfg}
}

// Start launches the processor's background loops: leader renewal, crash
// recovery, the poller, and the periodic recovery scan. It returns
// immediately; call Stop to shut down.
func (p *Processor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()

	p.wg.Add(1)
	go p.runLeaderLoop(ctx)

	p.wg.Add(1)
	go p.runPoller(ctx)

	p.wg.Add(1)
	go p.runPeriodicRecovery(ctx)
}

// Stop signals every background loop to exit and waits for them to drain.
func (p *Processor) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
}

// IsPrimary reports whether this instance currently holds the leader lease.
func (p *Processor) IsPrimary() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.isPrimary
}

// runLeaderLoop continuously attempts to acquire/renew the leader lease,
// mirroring the flowcatalyst reference's RedisLeaderElector renewal
// goroutine but layered on core/lock's fencing-token Locker.
func (p *Processor) runLeaderLoop(ctx context.Context) {
	defer p.wg.Done()
	renew := p.cfg.LeaderLease / 3
	if renew <= 0 {
		renew = time.Second
	}
	ticker := time.NewTicker(renew)
	defer ticker.Stop()

	p.tryBecomePrimary(ctx)
	for {
		select {
		case <-ctx.Done():
			p.releaseLeadership(context.Background())
			return
		case <-ticker.C:
			p.tryBecomePrimary(ctx)
		}
	}
}

func (p *Processor) tryBecomePrimary(ctx context.Context) {
	p.mu.Lock()
	fencing := p.fencing
	wasPrimary := p.isPrimary
	p.mu.Unlock()

	var (
		lease lock.Lease
		err   error
	)
	if wasPrimary {
		lease, err = p.locker.Renew(ctx, p.cfg.LeaderResource, p.holder, fencing, p.cfg.LeaderLease)
	} else {
		lease, err = p.locker.Acquire(ctx, p.cfg.LeaderResource, p.holder, p.cfg.LeaderLease)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		if !errors.Is(err, lock.ErrHeldByOther) && !errors.Is(err, lock.ErrStaleFencingToken) {
			slog.Warn("outbox: leader acquisition failed", "error", err)
		}
		p.isPrimary = false
		return
	}
	if !p.isPrimary {
		slog.Info("outbox: became primary", "holder", p.holder, "fencing_token", lease.FencingToken)
		go p.doCrashRecovery(ctx)
	}
	p.isPrimary = true
	p.fencing = lease.FencingToken
}

func (p *Processor) releaseLeadership(ctx context.Context) {
	p.mu.Lock()
	wasPrimary := p.isPrimary
	fencing := p.fencing
	p.isPrimary = false
	p.mu.Unlock()
	if wasPrimary {
		_ = p.locker.Release(ctx, p.cfg.LeaderResource, p.holder, fencing)
	}
}

// doCrashRecovery resets entries left in_flight longer than StaleAfter, such
// as those of a previous primary that crashed. It runs in the background
// when this instance becomes primary (alongside the poller) and on every
// periodic recovery tick — the flowcatalyst reference's doCrashRecovery step.
func (p *Processor) doCrashRecovery(ctx context.Context) {
	stuck, err := p.store.FetchStuck(ctx, p.cfg.StaleAfter)
	if err != nil {
		slog.Warn("outbox: crash recovery scan failed", "error", err)
		return
	}
	if len(stuck) == 0 {
		return
	}
	ids := make([]string, len(stuck))
	for i, e := range stuck {
		ids[i] = e.ID
	}
	if err := p.store.ResetStuck(ctx, ids); err != nil {
		slog.Warn("outbox: crash recovery reset failed", "error", err)
		return
	}
	slog.Info("outbox: crash recovery reset stuck entries", "count", len(ids))
}

// runPeriodicRecovery periodically resets entries that have been in_flight
// longer than StaleAfter — covering a primary that is alive but whose
// group worker goroutine died mid-delivery, not just startup-after-crash.
func (p *Processor) runPeriodicRecovery(ctx context.Context) {
	defer p.wg.Done()
	interval := p.cfg.RecoveryInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !p.IsPrimary() {
				continue
			}
			p.doCrashRecovery(ctx)
		}
	}
}

// runPoller fetches pending entries and distributes them to per-group
// workers, only while this instance holds the leader lease.
func (p *Processor) runPoller(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !p.IsPrimary() {
				continue
			}
			p.doPoll(ctx)
		}
	}
}

func (p *Processor) doPoll(ctx context.Context) {
	entries, err := p.store.FetchPending(ctx, p.cfg.BatchSize)
	if err != nil {
		slog.Warn("outbox: fetch pending failed", "error", err)
		return
	}
	if len(entries) == 0 {
		return
	}
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
		e.Status = StatusInFlight
	}
	if err := p.store.MarkInFlight(ctx, ids); err != nil {
		slog.Warn("outbox: mark in-flight failed", "error", err)
		return
	}
	for _, e := range entries {
		p.distribute(ctx, e)
	}
}

// distribute routes an entry to its (run, target) group worker, creating
// one on first use — directly following the flowcatalyst reference's
// groupProcessors sync.Map + MessageGroupProcessor.tryStart pattern so
// deliveries for the same group stay strictly FIFO while different groups
// proceed concurrently.
func (p *Processor) distribute(ctx context.Context, e Entry) {
	key := e.GroupKey()
	workerI, _ := p.groupProcessors.LoadOrStore(key, newGroupWorker(p, key))
	worker := workerI.(*groupWorker)
	worker.enqueue(ctx, e)
}

// groupWorker processes entries for a single (run, target) group in FIFO
// order, mirroring MessageGroupProcessor's queue + tryStart + processLoop +
// collectBatch shape.
type groupWorker struct {
	p     *Processor
	key   string
	queue chan Entry

	mu         sync.Mutex
	processing bool
}

func newGroupWorker(p *Processor, key string) *groupWorker {
	return &groupWorker{p: p, key: key, queue: make(chan Entry, 1000)}
}

func (w *groupWorker) enqueue(ctx context.Context, e Entry) {
	select {
	case w.queue <- e:
		w.tryStart(ctx)
	default:
		slog.Warn("outbox: group queue full, entry will be redelivered next poll", "group", w.key, "entry_id", e.ID)
	}
}

func (w *groupWorker) tryStart(ctx context.Context) {
	w.mu.Lock()
	if w.processing {
		w.mu.Unlock()
		return
	}
	w.processing = true
	w.mu.Unlock()
	go w.processLoop(ctx)
}

func (w *groupWorker) processLoop(ctx context.Context) {
	defer func() {
		w.mu.Lock()
		w.processing = false
		w.mu.Unlock()
	}()
	for {
		batch := w.collectBatch()
		if len(batch) == 0 {
			return
		}
		for _, e := range batch {
			w.deliver(ctx, e)
		}
	}
}

func (w *groupWorker) collectBatch() []Entry {
	max := w.p.cfg.GroupBatchSize
	if max <= 0 {
		max = 1
	}
	batch := make([]Entry, 0, max)
	for i := 0; i < max; i++ {
		select {
		case e := <-w.queue:
			batch = append(batch, e)
		default:
			return batch
		}
	}
	return batch
}

func (w *groupWorker) deliver(ctx context.Context, e Entry) {
	err := w.p.deliverer(ctx, e)
	if err == nil {
		if markErr := w.p.store.MarkDelivered(ctx, e.ID); markErr != nil {
			slog.Warn("outbox: mark delivered failed", "entry_id", e.ID, "error", markErr)
		}
		return
	}

	retryable := isRetryable(err)
	attempt := e.Attempt + 1
	next := queue.NextVisibleAt(time.Now(), w.p.cfg.Backoff, e.RunID, attempt)
	if markErr := w.p.store.MarkFailed(ctx, e.ID, retryable, next, err.Error()); markErr != nil {
		slog.Warn("outbox: mark failed failed", "entry_id", e.ID, "error", markErr)
	}
}

// permanentError marks a delivery failure as non-retryable (spec §4.4: some
// downstream rejections, e.g. 4xx responses, should land directly in
// failed rather than be retried forever).
type permanentError struct{ err error }

func (p permanentError) Error() string { return p.err.Error() }
func (p permanentError) Unwrap() error { return p.err }

// Permanent wraps err so the processor routes the delivery straight to
// StatusFailed instead of scheduling a retry.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

func isRetryable(err error) bool {
	var perm permanentError
	return !errors.As(err, &perm)
}
