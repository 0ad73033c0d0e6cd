// Package mediation implements the kernel's single mediation wrapper:
// the `browser.*` surface bound into agent code, the capability
// firewall, the T3 commit-boundary wiring, and the error taxonomy
// every mediated call can raise. It is the only path an agent
// submission has into the Object Manager, Capability Broker,
// Transaction Coordinator and Audit Log (§9 Design Notes: "Replace
// decorator-style audit wrapping ... with a single mediation wrapper").
package mediation

import (
	"fmt"

	"github.com/browserkernel/kernel/internal/audit"
)

// SecurityError is raised by the capability firewall (P6) before a
// call reaches the Broker: a T3 operation whose arguments carry
// web-content provenance.
type SecurityError struct {
	Rule       string
	Op         string
	Provenance audit.Provenance
}

func (e *SecurityError) Error() string {
	return fmt.Sprintf("security: rule %s violated by %s (provenance=%s)", e.Rule, e.Op, e.Provenance)
}

// RendererError wraps a failure reported by the Renderer collaborator.
type RendererError struct {
	Cause error
}

func (e *RendererError) Error() string { return "renderer: " + e.Cause.Error() }
func (e *RendererError) Unwrap() error { return e.Cause }

// QuotaKind enumerates which runtime budget was exhausted.
type QuotaKind string

const (
	QuotaOperations QuotaKind = "operations"
	QuotaMemory     QuotaKind = "memory"
)

// QuotaExceeded is raised when a submission's operation-count budget
// is exhausted. The Runtime only samples memory, so it never raises
// QuotaExceeded with Kind QuotaMemory.
type QuotaExceeded struct {
	Kind QuotaKind
}

func (e *QuotaExceeded) Error() string {
	return "quota exceeded: " + string(e.Kind)
}

// Timeout is raised when a submission's wall-clock budget elapses.
type Timeout struct {
	Op     string
	Budget string
}

func (e *Timeout) Error() string {
	return fmt.Sprintf("timeout: %s exceeded budget %s", e.Op, e.Budget)
}

// Cancelled is raised when a submission observes an external
// cancellation flag at a mediated call boundary.
type Cancelled struct {
	Op string
}

func (e *Cancelled) Error() string { return "cancelled during " + e.Op }

// ValidationError is raised at pre-execution admission time.
type ValidationError struct {
	Rule     string
	Location string
}

func (e *ValidationError) Error() string {
	return "validation: " + e.Rule + " at " + e.Location
}
