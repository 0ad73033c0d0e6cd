// Package capability implements the kernel's Capability Broker: grant,
// check, require, revoke, revoke_all and list over durably revocable,
// constraint-bearing capabilities, with T1/T2/T3 risk tiers.
package capability

import (
	"time"

	"github.com/google/uuid"
)

// RiskTier classifies how reversible and how dangerous an operation is.
type RiskTier string

const (
	// T1Read is auto-grantable by policy, never requires approval.
	T1Read RiskTier = "T1_READ"
	// T2Stateful requires an explicit grant but is rollback-safe.
	T2Stateful RiskTier = "T2_STATEFUL"
	// T3Irreversible requires explicit human approval per execution
	// boundary and is never rolled back after commit.
	T3Irreversible RiskTier = "T3_IRREVERSIBLE"
)

// DenyReason enumerates why require() refused a call.
type DenyReason string

const (
	ReasonNoGrant         DenyReason = "no_grant"
	ReasonExpired         DenyReason = "expired"
	ReasonRevoked         DenyReason = "revoked"
	ReasonConstraintFails DenyReason = "constraint_failed"
)

// Capability is a single grant in the Broker's matching set. A
// Capability stays in the Broker's byID map after revocation (Revoked
// set true) rather than being dropped, so find() can tell "revoked"
// apart from "never granted" for the lifetime of the process — and,
// via Init loading LoadRevoked alongside LoadGrants, across a restart
// too.
type Capability struct {
	ID               uuid.UUID
	Principal        string
	OperationPattern string
	ResourcePattern  string
	Risk             RiskTier
	ExpiresAt        *time.Time
	Constraints      []Constraint
	GrantedAt        time.Time
	Revoked          bool
}

func (c Capability) expired(now time.Time) bool {
	return c.ExpiresAt != nil && !now.Before(*c.ExpiresAt)
}

// CapabilityDenied is raised by require() when no capability matches.
type CapabilityDenied struct {
	Principal string
	Op        string
	Resource  string
	Reason    DenyReason
}

func (e *CapabilityDenied) Error() string {
	return "capability denied: " + e.Principal + " " + e.Op + " " + e.Resource + " (" + string(e.Reason) + ")"
}

// CallContext carries the call-site values constraints are evaluated
// against (the URL under navigation and the evaluation time) and is
// supplied by the mediation layer on every check/require call.
type CallContext struct {
	URL string
	Now time.Time
}
