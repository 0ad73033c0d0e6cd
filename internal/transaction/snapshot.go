package transaction

import (
	"encoding/json"
	"sync"
)

// valueCopyThreshold is the serialized-size boundary below which a
// pre-image is copied by value rather than referenced (§4.4: "Small
// payloads (<= 10 KB serialized) are copied by value").
const valueCopyThreshold = 10 * 1024

// valueSnapshot is a pre-image copied by value.
type valueSnapshot struct {
	attrs map[string]any
}

// refSnapshot is a pre-image referenced by identity into the ring,
// with a refcount tracking how many checkpoints still hold it.
type refSnapshot struct {
	entry *ringEntry
}

type ringEntry struct {
	mu       sync.Mutex
	attrs    map[string]any
	refcount int
}

// Refcount returns the entry's current reference count (exported for
// tests asserting the hybrid snapshot boundary, §8 scenario 5).
func (e *ringEntry) Refcount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.refcount
}

func (e *ringEntry) release() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.refcount--
}

// ring holds every large pre-image recorded by one transaction. An
// entry's refcount starts at 1 (acquire) and grows by one when a child
// commit folds it into the parent (retain); nothing calls release, so
// no refcount drops to zero, compact() removes no entry, and entries
// live as long as the ring's transaction.
type ring struct {
	mu      sync.Mutex
	entries []*ringEntry
}

func newRing() *ring {
	return &ring{}
}

// acquire records a new large pre-image, returning a ref with
// refcount 1.
func (r *ring) acquire(attrs map[string]any) *ringEntry {
	e := &ringEntry{attrs: attrs, refcount: 1}
	r.mu.Lock()
	r.entries = append(r.entries, e)
	r.mu.Unlock()
	return e
}

// retain increments an existing entry's refcount — used when a
// checkpoint's pre-image is folded into a parent transaction on
// commit (§4.4 nesting: "child commit folds its snapshots into the
// parent").
func (e *ringEntry) retain() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.refcount++
}

// compact drops ring entries with no remaining references. Called
// opportunistically after a transaction terminates.
func (r *ring) compact() {
	r.mu.Lock()
	defer r.mu.Unlock()

	live := r.entries[:0]
	for _, e := range r.entries {
		if e.Refcount() > 0 {
			live = append(live, e)
		}
	}
	r.entries = live
}

// snapshotAttrs decides whether attrs should be value-copied or
// ring-referenced, based on its JSON-serialized size (§4.4).
func snapshotAttrs(r *ring, attrs map[string]any) (preImage, error) {
	raw, err := json.Marshal(attrs)
	if err != nil {
		return preImage{}, err
	}

	if len(raw) <= valueCopyThreshold {
		cp := make(map[string]any, len(attrs))
		if err := json.Unmarshal(raw, &cp); err != nil {
			return preImage{}, err
		}
		return preImage{value: &valueSnapshot{attrs: cp}}, nil
	}

	cp := make(map[string]any, len(attrs))
	if err := json.Unmarshal(raw, &cp); err != nil {
		return preImage{}, err
	}
	entry := r.acquire(cp)
	return preImage{ref: &refSnapshot{entry: entry}}, nil
}

func (p preImage) attrs() map[string]any {
	if p.value != nil {
		return p.value.attrs
	}
	if p.ref != nil {
		return p.ref.entry.attrs
	}
	return nil
}
