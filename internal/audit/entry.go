// Package audit implements the kernel's append-only, causally linked
// audit log: entry shape, redaction, glob-based query filtering, a
// Postgres-backed durable store, and a NATS JetStream outbox publisher
// that lets an external SIEM replay a principal's stream.
package audit

import (
	"time"

	"github.com/google/uuid"
)

// Result is the terminal outcome recorded for a mediated operation.
type Result string

const (
	ResultSuccess Result = "success"
	ResultDenied  Result = "denied"
	ResultError   Result = "error"
)

// Provenance tags the origin of the values an operation acted on.
type Provenance string

const (
	ProvenanceUser       Provenance = "user"
	ProvenanceAgent      Provenance = "agent"
	ProvenanceWebContent Provenance = "web-content"
	ProvenanceSystem     Provenance = "system"
)

// RiskTier mirrors the Capability Broker's tiers, carried onto the
// audit entry so query(risk_tier=...) does not require a join.
type RiskTier string

const (
	RiskTierT1 RiskTier = "T1_READ"
	RiskTierT2 RiskTier = "T2_STATEFUL"
	RiskTierT3 RiskTier = "T3_IRREVERSIBLE"
)

// ErrorKind enumerates the failure reasons that accompany Result ==
// ResultDenied or ResultError.
type ErrorKind string

const (
	ErrorKindNone        ErrorKind = ""
	ErrorKindCapability  ErrorKind = "capability_denied"
	ErrorKindFirewall    ErrorKind = "firewall"
	ErrorKindCancelled   ErrorKind = "cancelled"
	ErrorKindTimeout     ErrorKind = "timeout"
	ErrorKindQuota       ErrorKind = "quota_exceeded"
	ErrorKindValidation  ErrorKind = "validation"
	ErrorKindRenderer    ErrorKind = "renderer"
	ErrorKindConflict    ErrorKind = "conflict"
	ErrorKindNotFound    ErrorKind = "not_found"
	ErrorKindTransaction ErrorKind = "transaction"
)

// Entry is one immutable record in a principal's causally linked
// audit stream.
type Entry struct {
	ID           uuid.UUID      `json:"id"`
	Timestamp    time.Time      `json:"ts"`
	Principal    string         `json:"principal"`
	Op           string         `json:"op"`
	ObjectID     string         `json:"object,omitempty"`
	Args         map[string]any `json:"args,omitempty"`
	Result       Result         `json:"result"`
	ErrorKind    ErrorKind      `json:"error_kind,omitempty"`
	TxID         string         `json:"tx_id,omitempty"`
	CheckpointID string         `json:"cp_id,omitempty"`
	Provenance   Provenance     `json:"provenance"`
	RiskTier     RiskTier       `json:"risk_tier,omitempty"`
	PrevID       *uuid.UUID     `json:"prev_id,omitempty"`
}

// Fields is the caller-supplied payload for log(); the store stamps
// ID, Timestamp and PrevID.
type Fields struct {
	Principal    string
	Op           string
	ObjectID     string
	Args         map[string]any
	Result       Result
	ErrorKind    ErrorKind
	TxID         string
	CheckpointID string
	Provenance   Provenance
	RiskTier     RiskTier
}
