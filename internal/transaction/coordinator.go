package transaction

import (
	"sync"

	"github.com/google/uuid"

	"github.com/browserkernel/kernel/internal/objectid"
)

// ObjectStore is the restore surface the Coordinator needs from the
// Object Manager. Satisfied by *objectmanager.Manager.
type ObjectStore interface {
	Restore(id objectid.ID, attrs map[string]any) error
}

// Coordinator creates top-level and nested transactions against a
// shared ObjectStore.
type Coordinator struct {
	store ObjectStore
}

// New returns a Coordinator that rolls back objects through store.
func New(store ObjectStore) *Coordinator {
	return &Coordinator{store: store}
}

// Begin starts a new transaction. If parent is non-nil, the returned
// transaction is a child whose snapshot chain is independent of the
// parent's until the child commits or aborts (§4.4).
func (c *Coordinator) Begin(parent *Transaction) *Transaction {
	t := &Transaction{
		id:     uuid.NewString(),
		parent: parent,
		state:  StateActive,
		ring:   newRing(),
		store:  c.store,
	}
	t.checkpoints = append(t.checkpoints, newCheckpoint(""))
	return t
}

// Transaction is a single begin/.../commit-or-abort scope, possibly
// nested under a parent transaction.
type Transaction struct {
	mu sync.Mutex

	id     string
	parent *Transaction
	state  State
	hasT3  bool

	checkpoints []*Checkpoint
	ring        *ring
	store       ObjectStore
}

// ID returns the transaction's handle, used as AuditEntry.TxID.
func (t *Transaction) ID() string {
	return t.id
}

// State returns the transaction's current state.
func (t *Transaction) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transaction) closedError() error {
	if t.hasT3 {
		return &IrreversibleOperationError{TxID: t.id}
	}
	return &TransactionClosedError{TxID: t.id, State: t.state}
}

// Checkpoint records a new named checkpoint. Objects touched after
// this call (and before the next checkpoint) have their pre-images
// recorded against it.
func (t *Transaction) Checkpoint(label string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != StateActive {
		return "", t.closedError()
	}
	cp := newCheckpoint(label)
	t.checkpoints = append(t.checkpoints, cp)
	return cp.ID, nil
}

// RecordPreImage records before as the pre-mutation value of id, the
// first time id is touched since the most recent checkpoint. Callers
// (the mediation layer) invoke this with the `before` value returned
// by objectmanager.Manager.Update, only when this transaction is the
// innermost active transaction for the submission.
func (t *Transaction) RecordPreImage(id objectid.ID, before map[string]any) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != StateActive {
		return t.closedError()
	}

	cp := t.checkpoints[len(t.checkpoints)-1]
	if _, exists := cp.preImages[id]; exists {
		return nil
	}
	pi, err := snapshotAttrs(t.ring, before)
	if err != nil {
		return err
	}
	pi.id = id
	cp.preImages[id] = pi
	return nil
}

// Rollback restores object state to what it was when the named
// checkpoint was taken (or to the transaction's start, if label is
// empty), discarding every checkpoint taken since. The transaction
// remains active afterward.
func (t *Transaction) Rollback(label string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != StateActive {
		return t.closedError()
	}
	return t.restoreFromLocked(label)
}

// restoreFromLocked must be called with t.mu held.
func (t *Transaction) restoreFromLocked(label string) error {
	idx := 0
	if label != "" {
		found := false
		for i, cp := range t.checkpoints {
			if cp.Label == label {
				idx = i
				found = true
				break
			}
		}
		if !found {
			return &CheckpointNotFoundError{Label: label, TxID: t.id}
		}
	}

	// For each touched object, the earliest checkpoint at or after idx
	// holds the value closest to the rollback point: a pre-image is
	// recorded on an object's first touch after a checkpoint, so later
	// checkpoints only hold values written after the earlier one.
	seen := make(map[objectid.ID]preImage)
	order := make([]objectid.ID, 0)
	for i := idx; i < len(t.checkpoints); i++ {
		for id, pi := range t.checkpoints[i].preImages {
			if _, ok := seen[id]; !ok {
				seen[id] = pi
				order = append(order, id)
			}
		}
	}

	for _, id := range order {
		if err := t.store.Restore(id, seen[id].attrs()); err != nil {
			return err
		}
	}

	t.checkpoints = t.checkpoints[:idx+1]
	return nil
}

// Commit finalizes the transaction. If it is a child, its checkpoints
// are folded into the parent's checkpoint list so a later parent
// rollback still reaches the child's effects (§9 Open Question: fold,
// to preserve I4).
func (t *Transaction) Commit() error {
	t.mu.Lock()
	if t.state != StateActive {
		err := t.closedError()
		t.mu.Unlock()
		return err
	}
	t.state = StateCommitted
	checkpoints := t.checkpoints
	parent := t.parent
	t.mu.Unlock()

	if parent != nil {
		parent.foldChild(checkpoints)
	}
	t.ring.compact()
	return nil
}

// foldChild appends a committed child's checkpoints onto this
// transaction's own list and retains every ring reference the child
// held, so the parent's own later rollback can still restore them.
func (t *Transaction) foldChild(childCheckpoints []*Checkpoint) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, cp := range childCheckpoints {
		for _, pi := range cp.preImages {
			if pi.ref != nil {
				pi.ref.entry.retain()
			}
		}
		t.checkpoints = append(t.checkpoints, cp)
	}
}

// Abort discards every effect this transaction recorded — "its own
// effects only" (§4.4): a child's abort never touches the parent's
// state, because a child's pre-images never reach the parent's
// checkpoint list unless the child commits.
func (t *Transaction) Abort() error {
	t.mu.Lock()
	if t.state != StateActive {
		err := t.closedError()
		t.mu.Unlock()
		return err
	}
	if err := t.restoreFromLocked(""); err != nil {
		t.mu.Unlock()
		return err
	}
	t.state = StateAborted
	t.mu.Unlock()

	t.ring.compact()
	return nil
}

// AdmitT3 enforces the commit-boundary rule (§4.4): a transaction may
// contain at most one uncommitted T3 operation. Callers must invoke
// this immediately before executing a T3 mediated call and, on
// success, must call Commit() immediately afterward — T3 work is
// never left open inside a transaction.
func (t *Transaction) AdmitT3() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != StateActive {
		return t.closedError()
	}
	if t.hasT3 {
		return &TransactionClosedError{TxID: t.id, State: t.state}
	}
	t.hasT3 = true
	return nil
}

// CheckpointNotFoundError is raised by Rollback when label does not
// name any checkpoint taken in this transaction.
type CheckpointNotFoundError struct {
	Label string
	TxID  string
}

func (e *CheckpointNotFoundError) Error() string {
	return "no checkpoint named " + e.Label + " in transaction " + e.TxID
}
