// Package runtime implements the kernel's Agent Runtime: static code
// admission, dry-run capability inference, and quota-bounded execution
// of an accepted submission against the mediated `browser.*` surface
// (spec §4.5).
package runtime

import (
	"context"
	"errors"
	"fmt"
	goruntime "runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/browserkernel/kernel/internal/audit"
	"github.com/browserkernel/kernel/internal/capability"
	"github.com/browserkernel/kernel/internal/mediation"
	"github.com/browserkernel/kernel/internal/objectmanager"
	"github.com/browserkernel/kernel/internal/runtime/admission"
	"github.com/browserkernel/kernel/internal/transaction"
)

const (
	defaultTimeout         = 30 * time.Second
	defaultOperationBudget = 1000
)

// ExecutionState is the terminal state of a submission.
type ExecutionState string

const (
	StateCompleted     ExecutionState = "completed"
	StateFailed        ExecutionState = "failed"
	StateTimedOut      ExecutionState = "timed_out"
	StateBudgetExhaust ExecutionState = "budget_exhausted"
	StateRejected      ExecutionState = "rejected"
)

// ExecutionResult is returned by Submit (§4.5).
type ExecutionResult struct {
	State       ExecutionState
	Err         error
	AuditRange  []audit.Entry
	RequiredCap []mediation.RequiredCapability
}

// Handler is agent code bound against a mediation API. A submission
// is this function, run once in dry-run mode and once for real.
type Handler func(ctx context.Context, api *mediation.API) error

// Submission is one unit of work the Runtime accepts: the raw source
// (walked by static admission) and the Go closure that actually
// performs the mediated calls the source describes. The kernel's own
// code is the "interpreter" for the small agent surface; binding the
// parsed source to a Handler closure is the Runtime's caller's job
// (kernel wiring), mirroring how the reference never embeds an
// interpreter either — it only mediates already-dispatched handler
// calls.
type Submission struct {
	Principal string
	Source    string
	Run       Handler
	Timeout   time.Duration
	OpBudget  int
}

// Runtime is the kernel's Agent Runtime: one Runtime serves many
// sequential submissions, enforcing one active top-level transaction
// per principal at a time (§5).
type Runtime struct {
	objects *objectmanager.Manager
	coord   *transaction.Coordinator
	broker  *capability.Broker
	log     *audit.Log
	policy  *admission.Policy

	renderer   mediation.Renderer
	governance mediation.Governance

	principalLocks sync.Map // principal -> *sync.Mutex
}

// Config bundles the Runtime's collaborators.
type Config struct {
	Objects    *objectmanager.Manager
	Coord      *transaction.Coordinator
	Broker     *capability.Broker
	Log        *audit.Log
	Policy     *admission.Policy
	Renderer   mediation.Renderer
	Governance mediation.Governance
}

// New constructs a Runtime. The admission Policy is compiled once at
// construction and never mutated (§9: "no mechanism to extend it at
// runtime").
func New(cfg Config) *Runtime {
	return &Runtime{
		objects:    cfg.Objects,
		coord:      cfg.Coord,
		broker:     cfg.Broker,
		log:        cfg.Log,
		policy:     cfg.Policy,
		renderer:   cfg.Renderer,
		governance: cfg.Governance,
	}
}

func (r *Runtime) lockFor(principal string) *sync.Mutex {
	l, _ := r.principalLocks.LoadOrStore(principal, &sync.Mutex{})
	return l.(*sync.Mutex)
}

// Submit admits, dry-runs, and executes sub. Admission rejection never
// touches the principal's lock or any mediated state.
func (r *Runtime) Submit(ctx context.Context, sub Submission) ExecutionResult {
	facts := admission.ExtractFacts(sub.Source)
	decision, err := r.policy.Decide(ctx, facts)
	if err != nil {
		return ExecutionResult{State: StateFailed, Err: fmt.Errorf("admission: %w", err)}
	}
	if !decision.Allowed {
		return ExecutionResult{
			State: StateRejected,
			Err:   &mediation.ValidationError{Rule: "admission", Location: strings.Join(decision.Violations, "; ")},
		}
	}

	lock := r.lockFor(sub.Principal)
	lock.Lock()
	defer lock.Unlock()

	required := r.dryRun(ctx, sub)
	return r.execute(ctx, sub, required)
}

// dryRun runs sub.Run against a stub API that records every
// (op, resource, risk) tuple it would have required, without touching
// real capability state or side effects (§4.5 "Dry-run capability
// inference").
func (r *Runtime) dryRun(ctx context.Context, sub Submission) []mediation.RequiredCapability {
	api := mediation.New(mediation.Config{
		Principal: sub.Principal,
		Objects:   r.objects,
		Coord:     r.coord,
		Caps:      r.broker,
		Log:       r.log,
		Renderer:  r.renderer,
		Budget:    noopBudget{},
		DryRun:    true,
	})
	// Errors from a dry run are intentionally discarded: the only
	// product of this pass is the recorded required-capability set,
	// surfaced to the human governance collaborator (out of scope).
	_ = sub.Run(ctx, api)
	return api.RequiredCapabilities()
}

// execute runs sub.Run for real, enforcing the wall-clock timeout and
// operation-count budget, sampling (not enforcing) the memory
// high-water mark, and aborting any transaction the submission left
// open on an abnormal exit.
func (r *Runtime) execute(ctx context.Context, sub Submission, required []mediation.RequiredCapability) ExecutionResult {
	timeout := sub.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	opBudget := sub.OpBudget
	if opBudget <= 0 {
		opBudget = defaultOperationBudget
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	b := &budget{limit: int64(opBudget)}
	memDone := make(chan struct{})
	go b.sampleMemory(execCtx, memDone)
	defer func() { <-memDone }()

	api := mediation.New(mediation.Config{
		Principal:  sub.Principal,
		Objects:    r.objects,
		Coord:      r.coord,
		Caps:       r.broker,
		Log:        r.log,
		Renderer:   r.renderer,
		Governance: r.governance,
		Budget:     b,
	})

	firstEntry, _ := r.log.Last(ctx, sub.Principal)

	runErr := sub.Run(execCtx, api)

	state := StateCompleted
	var resultErr error
	switch {
	case runErr == nil:
		state = StateCompleted
	case execCtx.Err() == context.DeadlineExceeded:
		state = StateTimedOut
		resultErr = &mediation.Timeout{Op: "submission", Budget: timeout.String()}
	case b.exhausted.Load():
		state = StateBudgetExhaust
		resultErr = &mediation.QuotaExceeded{Kind: mediation.QuotaOperations}
	case execCtx.Err() == context.Canceled:
		state = StateFailed
		resultErr = &mediation.Cancelled{Op: "submission"}
	default:
		state = StateFailed
		resultErr = runErr
	}

	if state != StateCompleted {
		if abortErr := api.AbortAll(); abortErr != nil && resultErr == nil {
			resultErr = abortErr
		}
		var cancelled *mediation.Cancelled
		errorKind := audit.ErrorKindTimeout
		switch {
		case state == StateBudgetExhaust:
			errorKind = audit.ErrorKindQuota
		case errors.As(resultErr, &cancelled):
			errorKind = audit.ErrorKindCancelled
		case state == StateFailed:
			errorKind = audit.ErrorKindTransaction
		}
		_, _ = r.log.Log(ctx, audit.Fields{
			Principal: sub.Principal,
			Op:        "runtime.execute",
			Result:    audit.ResultError,
			ErrorKind: errorKind,
		})
	}

	auditRange, _ := r.auditRangeSince(ctx, sub.Principal, firstEntry)

	return ExecutionResult{
		State:       state,
		Err:         resultErr,
		AuditRange:  auditRange,
		RequiredCap: required,
	}
}

// auditRangeSince returns every entry for principal strictly after
// since (or the whole stream, if since is nil) — the `audit_range`
// value an ExecutionResult reports (§4.5).
func (r *Runtime) auditRangeSince(ctx context.Context, principal string, since *audit.Entry) ([]audit.Entry, error) {
	all, err := r.log.Query(ctx, audit.Filter{Principal: principal, OpPattern: "**"})
	if err != nil {
		return nil, err
	}
	if since == nil {
		return all, nil
	}
	for i, e := range all {
		if e.ID == since.ID {
			return all[i+1:], nil
		}
	}
	return all, nil
}

// noopBudget is used during dry runs, where a separate charge path
// already records required capabilities regardless of quota state.
type noopBudget struct{}

func (noopBudget) Charge(ctx context.Context, op string) error { return nil }

// budget enforces the operation-count quota and samples process
// memory on a ticker to track the high-water mark (best-effort, §4.5).
type budget struct {
	limit     int64
	count     atomic.Int64
	exhausted atomic.Bool
	highWater atomic.Uint64
}

func (b *budget) Charge(ctx context.Context, op string) error {
	select {
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return &mediation.Timeout{Op: op, Budget: "wall-clock"}
		}
		return &mediation.Cancelled{Op: op}
	default:
	}

	n := b.count.Add(1)
	if n > b.limit {
		b.exhausted.Store(true)
		return &mediation.QuotaExceeded{Kind: mediation.QuotaOperations}
	}
	return nil
}

// sampleMemory polls runtime.ReadMemStats on a ticker until ctx is
// done, tracking the high-water mark of heap-in-use bytes. This is a
// best-effort signal only (§4.5 "memory high-water mark (best-effort)")
// — it never aborts a submission on its own.
func (b *budget) sampleMemory(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	var ms goruntime.MemStats
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			goruntime.ReadMemStats(&ms)
			for {
				cur := b.highWater.Load()
				if ms.HeapInuse <= cur {
					break
				}
				if b.highWater.CompareAndSwap(cur, ms.HeapInuse) {
					break
				}
			}
		}
	}
}

// HighWaterMark returns the peak heap-in-use byte count sampled during
// execution. Exposed for tests and operational diagnostics.
func (b *budget) HighWaterMark() uint64 {
	return b.highWater.Load()
}
