package capability

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/browserkernel/kernel/internal/audit"
)

// Broker is the kernel's capability authority: grant/check/require/
// revoke/revoke_all/list over a durably revocable capability set.
// The capability set is guarded by a single lock — contention is low
// per §5 — and every check/require call emits exactly one audit entry.
type Broker struct {
	mu    sync.RWMutex
	byID  map[uuid.UUID]Capability
	store Store
	log   *audit.Log

	nowFunc func() time.Time
}

// New constructs a Broker backed by store, logging every check/require
// outcome to auditLog.
func New(store Store, auditLog *audit.Log) *Broker {
	return &Broker{
		byID:    make(map[uuid.UUID]Capability),
		store:   store,
		log:     auditLog,
		nowFunc: time.Now,
	}
}

// Init replays non-revoked, non-expired grants from the durable store,
// plus every revoked grant (marked Revoked) so find() can still tell a
// post-restart "revoked" denial apart from "no_grant" (P2, §4.3: "a
// revoked capability must not be reloaded as a live grant, but its
// denial reason must survive restart").
func (b *Broker) Init(ctx context.Context) error {
	grants, err := b.store.LoadGrants(ctx, b.nowFunc())
	if err != nil {
		return err
	}
	revoked, err := b.store.LoadRevoked(ctx)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, cap := range grants {
		b.byID[cap.ID] = cap
	}
	for _, cap := range revoked {
		b.byID[cap.ID] = cap
	}
	return nil
}

// Grant issues a new capability and persists it before returning.
func (b *Broker) Grant(ctx context.Context, principal, opPattern, resourcePattern string, risk RiskTier, expiresAt *time.Time, constraints ...Constraint) (uuid.UUID, error) {
	cap := Capability{
		ID:               uuid.New(),
		Principal:        principal,
		OperationPattern: opPattern,
		ResourcePattern:  resourcePattern,
		Risk:             risk,
		ExpiresAt:        expiresAt,
		Constraints:      constraints,
		GrantedAt:        b.nowFunc(),
	}

	if err := b.store.SaveGrant(ctx, cap); err != nil {
		return uuid.Nil, err
	}

	b.mu.Lock()
	b.byID[cap.ID] = cap
	b.mu.Unlock()

	return cap.ID, nil
}

// Check reports whether a capability exists satisfying (op, resource)
// for principal. Like Require, it always writes exactly one audit
// entry reflecting the match outcome (§4.3: "every call to
// check/require emits exactly one audit entry"); unlike Require it
// never raises CapabilityDenied.
func (b *Broker) Check(ctx context.Context, principal, op, resource string, call CallContext) bool {
	matchedRisk, reason, ok := b.find(ctx, principal, op, resource, call)

	fields := audit.Fields{
		Principal: principal,
		Op:        op,
		ObjectID:  resource,
	}

	if ok {
		fields.Result = audit.ResultSuccess
		fields.RiskTier = audit.RiskTier(matchedRisk)
		if _, err := b.log.Log(ctx, fields); err != nil {
			return false
		}
		return true
	}

	fields.Result = audit.ResultDenied
	fields.ErrorKind = audit.ErrorKind(reason)
	if _, err := b.log.Log(ctx, fields); err != nil {
		return false
	}
	return false
}

// Require authorizes (principal, op, resource) or raises
// CapabilityDenied, and always writes exactly one audit entry.
func (b *Broker) Require(ctx context.Context, principal, op, resource string, risk RiskTier, provenance audit.Provenance, call CallContext) (RiskTier, error) {
	matchedRisk, reason, ok := b.find(ctx, principal, op, resource, call)

	fields := audit.Fields{
		Principal:  principal,
		Op:         op,
		ObjectID:   resource,
		Provenance: provenance,
		RiskTier:   audit.RiskTier(risk),
	}

	if ok {
		fields.Result = audit.ResultSuccess
		if _, err := b.log.Log(ctx, fields); err != nil {
			return "", err
		}
		return matchedRisk, nil
	}

	fields.Result = audit.ResultDenied
	fields.ErrorKind = audit.ErrorKind(reason)
	if _, err := b.log.Log(ctx, fields); err != nil {
		return "", err
	}
	return "", &CapabilityDenied{Principal: principal, Op: op, Resource: resource, Reason: reason}
}

// find implements §4.3's matching algorithm and returns the reason a
// denial would carry when ok is false.
func (b *Broker) find(ctx context.Context, principal, op, resource string, call CallContext) (risk RiskTier, reason DenyReason, ok bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	now := call.Now
	if now.IsZero() {
		now = b.nowFunc()
	}

	reason = ReasonNoGrant
	sawExpired := false
	sawConstraintFailure := false
	sawRevoked := false

	for _, cap := range b.byID {
		if cap.Principal != principal {
			continue
		}
		if !audit.MatchOpPattern(cap.OperationPattern, op) {
			continue
		}
		if !matchResourcePattern(cap.ResourcePattern, resource) {
			continue
		}
		if cap.Revoked {
			sawRevoked = true
			continue
		}
		if cap.expired(now) {
			sawExpired = true
			continue
		}

		call.Now = now
		allowed := true
		for _, c := range cap.Constraints {
			ok, err := c.Allow(ctx, call)
			if err != nil || !ok {
				allowed = false
				break
			}
		}
		if !allowed {
			sawConstraintFailure = true
			continue
		}

		return cap.Risk, "", true
	}

	switch {
	case sawRevoked:
		reason = ReasonRevoked
	case sawConstraintFailure:
		reason = ReasonConstraintFails
	case sawExpired:
		reason = ReasonExpired
	default:
		reason = ReasonNoGrant
	}
	return "", reason, false
}

// Revoke tombstones a single capability. The tombstone is durably
// written before Revoke returns; once revoked, cap_id can never match
// again, even across a restart (P2). The capability stays in byID
// marked Revoked rather than being dropped, so a later find() reports
// ReasonRevoked instead of collapsing to ReasonNoGrant.
func (b *Broker) Revoke(ctx context.Context, capID uuid.UUID, reason string) error {
	b.mu.RLock()
	cap, ok := b.byID[capID]
	b.mu.RUnlock()
	if !ok {
		return nil
	}

	if err := b.store.SaveTombstone(ctx, Tombstone{
		CapID:     capID,
		Principal: cap.Principal,
		RevokedAt: b.nowFunc(),
		Reason:    reason,
	}); err != nil {
		return err
	}

	cap.Revoked = true
	b.mu.Lock()
	b.byID[capID] = cap
	b.mu.Unlock()
	return nil
}

// RevokeAll tombstones every capability currently granted to principal.
func (b *Broker) RevokeAll(ctx context.Context, principal, reason string) error {
	b.mu.RLock()
	var ids []uuid.UUID
	for id, cap := range b.byID {
		if cap.Principal == principal {
			ids = append(ids, id)
		}
	}
	b.mu.RUnlock()

	for _, id := range ids {
		if err := b.Revoke(ctx, id, reason); err != nil {
			return err
		}
	}
	return nil
}

// List returns every non-revoked, non-expired capability granted to
// principal.
func (b *Broker) List(principal string) []Capability {
	b.mu.RLock()
	defer b.mu.RUnlock()

	now := b.nowFunc()
	var out []Capability
	for _, cap := range b.byID {
		if cap.Principal != principal {
			continue
		}
		if cap.Revoked || cap.expired(now) {
			continue
		}
		out = append(out, cap)
	}
	return out
}

// SweepExpired removes expired, non-revoked capabilities from the
// in-memory matching set. This is a performance optimization (ground:
// iam-service CronConsumer / discovery-service ScanPoller's
// ticker-loop shape) — §3's I3 already treats an expired capability
// as absent on every check, so this never changes an allow/deny
// outcome. It does change the deny reason: once swept, a request only
// the expired capability matched is denied with ReasonNoGrant rather
// than ReasonExpired. No tombstone is written. Revoked
// capabilities are left in place even if also expired, so find() keeps
// reporting ReasonRevoked rather than losing the entry to the sweep.
func (b *Broker) SweepExpired(ctx context.Context) {
	now := b.nowFunc()

	b.mu.Lock()
	defer b.mu.Unlock()
	for id, cap := range b.byID {
		if !cap.Revoked && cap.expired(now) {
			delete(b.byID, id)
		}
	}
}

// RunSweeper runs SweepExpired on a ticker until ctx is cancelled.
func (b *Broker) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.SweepExpired(ctx)
		}
	}
}
