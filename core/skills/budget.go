package skills

import (
	"errors"
	"sync"
)

// ErrBudgetExceeded is returned by BudgetTracker.Reserve when the requested cost
// would push a run or tenant over its allotted budget (spec §4.3, §7
// BudgetExceeded).
var ErrBudgetExceeded = errors.New("skills: budget exceeded")

// BudgetTracker holds per-run token/cost budgets and checks them pre-flight,
// before a skill is ever dispatched to its adapter (spec §4.3). It has no
// teacher or pack analogue: budget accounting is specific to this system's
// admission-control story.
type BudgetTracker struct {
	mu        sync.Mutex
	remaining map[string]int
}

// NewBudgetTracker builds an empty tracker.
func NewBudgetTracker() *BudgetTracker {
	return &BudgetTracker{remaining: make(map[string]int)}
}

// Grant sets (or replaces) the remaining budget for a run.
func (t *BudgetTracker) Grant(runID string, amount int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.remaining[runID] = amount
}

// Reserve atomically deducts cost from runID's remaining budget. It returns
// ErrBudgetExceeded without mutating state if the run has no budget entry
// (never granted) or insufficient remaining budget.
func (t *BudgetTracker) Reserve(runID string, cost int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	remaining, ok := t.remaining[runID]
	if !ok || remaining < cost {
		return ErrBudgetExceeded
	}
	t.remaining[runID] = remaining - cost
	return nil
}

// Refund returns cost to runID's remaining budget, used when a reserved op
// is abandoned before it consumes any external effect.
func (t *BudgetTracker) Refund(runID string, cost int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.remaining[runID] += cost
}

// Remaining returns the current remaining budget for a run.
func (t *BudgetTracker) Remaining(runID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remaining[runID]
}
