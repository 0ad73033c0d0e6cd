// Package transaction implements the kernel's Transaction Coordinator:
// nestable transactions with named checkpoints, a hybrid copy-on-write
// snapshot strategy, and the T3 commit-boundary / irreversibility
// rules.
package transaction

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/browserkernel/kernel/internal/objectid"
)

// State is a transaction's position in its state machine.
type State string

const (
	StateActive    State = "active"
	StateCommitted State = "committed"
	StateAborted   State = "aborted"
)

// TransactionClosedError is raised by any operation attempted on a
// transaction already in a terminal state, and by AdmitT3 when the
// transaction already holds a T3 operation (State is then active).
type TransactionClosedError struct {
	TxID  string
	State State
}

func (e *TransactionClosedError) Error() string {
	return fmt.Sprintf("transaction %s is closed (state=%s)", e.TxID, e.State)
}

// IrreversibleOperationError is raised in place of
// TransactionClosedError by any operation on a closed transaction that
// admitted a T3 operation — including rollback after the T3 commit
// (P5). Op is left empty.
type IrreversibleOperationError struct {
	Op   string
	TxID string
}

func (e *IrreversibleOperationError) Error() string {
	return fmt.Sprintf("cannot roll back transaction %s: T3 operation %q already committed", e.TxID, e.Op)
}

// preImage is the pre-mutation snapshot of a single object, recorded
// once per object per checkpoint interval.
type preImage struct {
	id    objectid.ID
	value *valueSnapshot
	ref   *refSnapshot
}

// Checkpoint is a named point a transaction can roll back to. It owns
// the pre-images recorded since the previous checkpoint (or since
// begin, for the first checkpoint).
type Checkpoint struct {
	ID        string
	Label     string
	preImages map[objectid.ID]preImage
}

func newCheckpoint(label string) *Checkpoint {
	return &Checkpoint{
		ID:        uuid.NewString(),
		Label:     label,
		preImages: make(map[objectid.ID]preImage),
	}
}
