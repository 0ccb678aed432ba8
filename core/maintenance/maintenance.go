// Package maintenance implements the Maintenance Orchestrator (spec §4.6,
// C6): a single leader-gated scheduled loop that runs the durability core's
// background steps — outbox drain, dead-letter reconcile, retention
// cleanup, lock GC, and a partition-rotation no-op hook — in a fixed order,
// grounded in the teacher's Temporal engine worker lifecycle
// (runtime/agent/engine/temporal.Engine Start/Worker/Close) generalised
// from "Temporal worker" to "maintenance loop".
package maintenance

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"goa.design/goa-ai/core/lock"
)

// Step is one named unit of maintenance work, run in the order it appears
// in Orchestrator.Steps.
type Step struct {
	Name string
	Run  func(ctx context.Context) error
}

// Config tunes the Orchestrator's leader election and scheduling.
type Config struct {
	// LeaderResource is the lock resource contended for primary status.
	LeaderResource string
	// LeaderLease is how long a held leader lease lasts before renewal.
	LeaderLease time.Duration
	// Schedule is a robfig/cron/v3 expression (seconds-field parser)
	// describing the loop's cadence, e.g. "*/30 * * * * *".
	Schedule string
	// StepTimeout bounds how long a single step may run before its context
	// is cancelled.
	StepTimeout time.Duration
}

// DefaultConfig returns the orchestrator's default tuning.
func DefaultConfig() Config {
	return Config{
		LeaderResource: "maintenance-orchestrator",
		LeaderLease:    30 * time.Second,
		Schedule:       "*/30 * * * * *",
		StepTimeout:    20 * time.Second,
	}
}

// Orchestrator runs Steps in fixed order on Config.Schedule's cadence,
// gated by a core/lock leader lease so only one replica runs maintenance at
// a time — the same single-primary idiom core/outbox.Processor uses for
// its poller, applied here to a cron-style schedule instead of a bare poll
// ticker.
type Orchestrator struct {
	Steps  []Step
	locker lock.Locker
	holder string
	cfg    Config

	cron *cron.Cron

	mu        sync.Mutex
	fencing   int64
	isPrimary bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewOrchestrator builds an Orchestrator. holder identifies this process
// instance for leader-lease acquisition (e.g. hostname+pid).
func NewOrchestrator(locker lock.Locker, holder string, cfg Config, steps []Step) *Orchestrator {
	if cfg.Schedule == "" {
		cfg = DefaultConfig()
	}
	return &Orchestrator{Steps: steps, locker: locker, holder: holder, cfg: cfg}
}

// Start launches the leader-renewal loop and schedules RunOnce on
// Config.Schedule. It returns immediately; call Close to shut down.
func (o *Orchestrator) Start(ctx context.Context) error {
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(o.cfg.Schedule)
	if err != nil {
		return err
	}

	o.cron = cron.New(cron.WithParser(parser))
	o.cron.Schedule(schedule, cron.FuncJob(func() {
		if !o.IsPrimary() {
			return
		}
		o.RunOnce(ctx)
	}))
	o.cron.Start()

	runCtx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.cancel = cancel
	o.mu.Unlock()

	o.wg.Add(1)
	go o.runLeaderLoop(runCtx)
	return nil
}

// Close stops the cron scheduler and leader-renewal loop, releasing the
// leader lease if held. It blocks until any step in progress has
// finished draining.
func (o *Orchestrator) Close(ctx context.Context) {
	if o.cron != nil {
		stopCtx := o.cron.Stop()
		select {
		case <-stopCtx.Done():
		case <-ctx.Done():
		}
	}
	o.mu.Lock()
	cancel := o.cancel
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	o.wg.Wait()
}

// IsPrimary reports whether this instance currently holds the leader lease.
func (o *Orchestrator) IsPrimary() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.isPrimary
}

// RunOnce executes every step in order, regardless of leadership — exposed
// directly so `orchestratorctl maintenance run-once` can force a pass
// without waiting for the schedule or contending for leadership.
func (o *Orchestrator) RunOnce(ctx context.Context) {
	for _, step := range o.Steps {
		stepCtx, cancel := context.WithTimeout(ctx, o.stepTimeout())
		err := step.Run(stepCtx)
		cancel()
		if err != nil {
			slog.Warn("maintenance: step failed", "step", step.Name, "error", err)
			continue
		}
		slog.Info("maintenance: step completed", "step", step.Name)
	}
}

func (o *Orchestrator) stepTimeout() time.Duration {
	if o.cfg.StepTimeout <= 0 {
		return 20 * time.Second
	}
	return o.cfg.StepTimeout
}

func (o *Orchestrator) runLeaderLoop(ctx context.Context) {
	defer o.wg.Done()
	renew := o.cfg.LeaderLease / 3
	if renew <= 0 {
		renew = time.Second
	}
	ticker := time.NewTicker(renew)
	defer ticker.Stop()

	o.tryBecomePrimary(ctx)
	for {
		select {
		case <-ctx.Done():
			o.releaseLeadership(context.Background())
			return
		case <-ticker.C:
			o.tryBecomePrimary(ctx)
		}
	}
}

func (o *Orchestrator) tryBecomePrimary(ctx context.Context) {
	o.mu.Lock()
	fencing := o.fencing
	wasPrimary := o.isPrimary
	o.mu.Unlock()

	var (
		leased lock.Lease
		err    error
	)
	if wasPrimary {
		leased, err = o.locker.Renew(ctx, o.cfg.LeaderResource, o.holder, fencing, o.cfg.LeaderLease)
	} else {
		leased, err = o.locker.Acquire(ctx, o.cfg.LeaderResource, o.holder, o.cfg.LeaderLease)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if err != nil {
		o.isPrimary = false
		return
	}
	if !o.isPrimary {
		slog.Info("maintenance: became primary", "holder", o.holder, "fencing_token", leased.FencingToken)
	}
	o.isPrimary = true
	o.fencing = leased.FencingToken
}

func (o *Orchestrator) releaseLeadership(ctx context.Context) {
	o.mu.Lock()
	wasPrimary := o.isPrimary
	fencing := o.fencing
	o.isPrimary = false
	o.mu.Unlock()
	if wasPrimary {
		_ = o.locker.Release(ctx, o.cfg.LeaderResource, o.holder, fencing)
	}
}
