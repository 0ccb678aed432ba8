package skills

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"goa.design/goa-ai/core/canonical"
	"goa.design/goa-ai/core/idempotency"
	"goa.design/goa-ai/core/skillerr"
)

// ErrUnknownSkill is returned when a Descriptor is not registered in the
// Catalog.
var ErrUnknownSkill = errors.New("skills: unknown skill")

// ErrContended indicates another worker currently owns the idempotency key
// for this op; the caller should leave the message claimed-but-unacked so
// the queue redelivers it once the other worker's lease either commits or
// expires.
var ErrContended = errors.New("skills: op is owned by another worker")

const defaultClaimTTL = 2 * time.Minute

// Result is the outcome of one Runtime.Execute call (spec §4.3, §5
// structured outcome).
type Result struct {
	// Failure is non-nil when the skill call did not produce a usable
	// result; Success fields are meaningless in that case.
	Failure *skillerr.Outcome
	// ResultJSON is the canonical JSON representation of the skill's
	// result, present on success or when Cached replays a prior success.
	ResultJSON []byte
	// ResultHash is sha256(ResultJSON), used by the replay log.
	ResultHash string
	// Cached indicates the result was served from the idempotency store
	// without re-invoking the adapter.
	Cached bool
}

// Succeeded reports whether the call produced a usable result.
func (r Result) Succeeded() bool { return r.Failure == nil }

// Runtime executes skills under the budget/deadline/circuit-breaker/
// idempotency wrapper described in spec §4.3.
type Runtime struct {
	Catalog  *Catalog
	Breakers *BreakerBank
	Budget   *BudgetTracker
	Idem     idempotency.Store
}

// NewRuntime builds a Runtime from its collaborators. Budget may be nil to
// skip budget enforcement (e.g. in tests).
func NewRuntime(catalog *Catalog, breakers *BreakerBank, budget *BudgetTracker, idem idempotency.Store) *Runtime {
	return &Runtime{Catalog: catalog, Breakers: breakers, Budget: budget, Idem: idem}
}

// Execute runs skill against params for (runID, opIndex), owned by owner for
// the duration of the in-flight claim. It never returns an error for a
// skill-level failure — those are reported via Result.Failure — reserving
// the error return for infrastructure failures (idempotency store errors,
// contention) the caller must handle by retrying or nacking.
func (rt *Runtime) Execute(ctx context.Context, runID string, opIndex int, skill string, owner string, params map[string]any) (Result, error) {
	desc, ok := rt.Catalog.Lookup(skill)
	if !ok {
		return Result{}, ErrUnknownSkill
	}

	if err := desc.ValidateParams(params); err != nil {
		return Result{Failure: skillerr.New(skillerr.SchemaMismatch, "params for skill %q failed schema validation: %v", skill, err).WithRetryable(false)}, nil
	}

	if rt.Budget != nil && desc.BudgetCost > 0 {
		if err := rt.Budget.Reserve(runID, desc.BudgetCost); err != nil {
			return Result{Failure: skillerr.New(skillerr.BudgetExceeded, "budget exceeded for skill %q", skill).WithRetryable(false)}, nil
		}
	}

	canonParams, err := canonical.Params(params)
	if err != nil {
		return Result{Failure: skillerr.New(skillerr.ParamMismatch, "canonicalize params: %v", err).WithRetryable(false)}, nil
	}
	fingerprint := canonical.Fingerprint(skill, canonParams, opIndex)
	key := runID + "/" + itoa(opIndex)

	ttl := desc.Timeout
	if ttl <= 0 {
		ttl = defaultClaimTTL
	}
	claim, err := rt.Idem.ClaimOrReturn(ctx, key, fingerprint, owner, ttl)
	if err != nil {
		if errors.Is(err, idempotency.ErrParamMismatch) {
			return Result{Failure: skillerr.New(skillerr.ParamMismatch, "idempotency key %q reused with different params", key).WithRetryable(false)}, nil
		}
		return Result{}, err
	}
	switch claim.Outcome {
	case idempotency.Cached:
		return Result{ResultJSON: claim.Result, ResultHash: canonical.ResultHash(claim.Result), Cached: true}, nil
	case idempotency.Contended:
		return Result{}, ErrContended
	}

	execCtx := ctx
	var cancel context.CancelFunc
	if desc.Timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, desc.Timeout)
		defer cancel()
	}

	settings := desc.BreakerSettings
	if settings == (BreakerSettings{}) {
		settings = DefaultBreakerSettings()
	}
	resultBytes, execErr := rt.Breakers.Execute(desc.Skill, desc.Target, settings, func() ([]byte, error) {
		return desc.Adapter.Execute(execCtx, params)
	})

	if execErr != nil {
		outcome := classify(execErr, desc)
		if outcome.Retryable {
			_ = rt.Idem.Abandon(ctx, key, owner)
			if rt.Budget != nil && desc.BudgetCost > 0 {
				rt.Budget.Refund(runID, desc.BudgetCost)
			}
		}
		return Result{Failure: outcome}, nil
	}

	var decodedResult any
	if err := json.Unmarshal(resultBytes, &decodedResult); err != nil {
		return Result{Failure: skillerr.New(skillerr.InternalInvariant, "skill %s returned non-JSON result: %v", desc.Skill, err)}, nil
	}
	canonResult, err := canonical.Params(decodedResult)
	if err != nil {
		return Result{Failure: skillerr.New(skillerr.InternalInvariant, "canonicalize result: %v", err)}, nil
	}
	if _, err := rt.Idem.Commit(ctx, key, owner, canonResult, fingerprint); err != nil {
		return Result{}, err
	}
	return Result{ResultJSON: canonResult, ResultHash: canonical.ResultHash(canonResult)}, nil
}

// classify maps an adapter or breaker error into the fixed skillerr taxonomy.
func classify(err error, desc Descriptor) *skillerr.Outcome {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return skillerr.New(skillerr.CircuitOpen, "circuit open for %s/%s: %v", desc.Skill, desc.Target, err).
			WithRetryable(desc.Retryable(skillerr.CircuitOpen))
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return skillerr.New(skillerr.Deadline, "skill %s exceeded its deadline", desc.Skill).
			WithRetryable(desc.Retryable(skillerr.Deadline))
	}
	if outcome, ok := skillerr.As(err); ok {
		outcome.Retryable = desc.Retryable(outcome.Kind)
		return outcome
	}
	outcome := skillerr.FromError(err)
	outcome.Retryable = desc.Retryable(outcome.Kind)
	return outcome
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
