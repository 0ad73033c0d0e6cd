// Package objectmanager implements the kernel's canonical registry of
// typed resources (Tab, Form, Workspace, Credential) behind stable
// object IDs. update is the only legal mutation path and is private
// to mediated operations — agent code never calls it directly; that
// boundary is enforced by internal/mediation, which is the sole
// caller of Manager.Update.
package objectmanager

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/browserkernel/kernel/internal/objectid"
)

// ErrNotFound is returned (wrapped in ObjectNotFound) when an id is
// unknown or has already been disposed.
var ErrNotFound = fmt.Errorf("object not found")

// ObjectNotFound mirrors the spec's error taxonomy entry.
type ObjectNotFound struct{ ID objectid.ID }

func (e *ObjectNotFound) Error() string { return fmt.Sprintf("object not found: %s", e.ID) }
func (e *ObjectNotFound) Unwrap() error { return ErrNotFound }

// ObjectConflict is raised when an update's expected precondition does
// not match the object's current state.
type ObjectConflict struct {
	ID       objectid.ID
	Expected any
	Actual   any
}

func (e *ObjectConflict) Error() string {
	return fmt.Sprintf("object conflict: %s expected=%v actual=%v", e.ID, e.Expected, e.Actual)
}

// record is the internal storage representation: a typed attribute
// bag, generic over Kind so the registry does not need one map per
// Go type (mirrors how the reference repository layer stores rows as
// generic structs and only types them at the handler boundary).
type record struct {
	kind  Kind
	attrs map[string]any
}

func (r *record) clone() map[string]any {
	out := make(map[string]any, len(r.attrs))
	// Deep-copy via JSON round trip so nested maps/slices are not
	// shared with the live object (get() "returns a deep, immutable
	// view; the caller cannot mutate the live object through it", §4.2).
	raw, err := json.Marshal(r.attrs)
	if err != nil {
		// Attrs are always JSON-marshalable kernel value types; a
		// marshal failure here indicates a programmer error upstream.
		panic(fmt.Sprintf("objectmanager: attrs not JSON-marshalable: %v", err))
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		panic(fmt.Sprintf("objectmanager: attrs round-trip failed: %v", err))
	}
	return out
}

// bucket holds every live object of one Kind behind its own lock, so
// concurrent operations on different kinds never contend (§4.2:
// "safe for concurrent reads and single-writer-per-ID semantics").
type bucket struct {
	mu      sync.RWMutex
	objects map[objectid.ID]*record
}

// Manager is the canonical, concurrency-safe registry of kernel
// objects.
type Manager struct {
	seq     *objectid.Sequence
	bucket  sync.Map // Kind -> *bucket
	events  *eventBus
	nowFunc func() time.Time
}

// New constructs an empty Manager.
func New() *Manager {
	return &Manager{
		seq:     objectid.NewSequence(),
		events:  newEventBus(),
		nowFunc: time.Now,
	}
}

func (m *Manager) bucketFor(kind Kind) *bucket {
	if b, ok := m.bucket.Load(kind); ok {
		return b.(*bucket)
	}
	b := &bucket{objects: make(map[objectid.ID]*record)}
	actual, _ := m.bucket.LoadOrStore(kind, b)
	return actual.(*bucket)
}

// Create allocates a new stable ID and stores attrs under it.
func (m *Manager) Create(kind Kind, attrs map[string]any) (objectid.ID, error) {
	if err := validateAttrs(kind, attrs); err != nil {
		return "", err
	}
	id := m.seq.Next(string(kind))

	b := m.bucketFor(kind)
	b.mu.Lock()
	b.objects[id] = &record{kind: kind, attrs: copyAttrs(attrs)}
	b.mu.Unlock()

	m.events.publish(LifecycleEvent{Type: EventCreated, ID: id, Kind: kind, At: m.nowFunc()})
	return id, nil
}

// Get returns a deep, immutable view of the object, or ObjectNotFound
// if it does not exist or has been disposed.
func (m *Manager) Get(id objectid.ID) (map[string]any, error) {
	kind := Kind(id.Type())
	b := m.bucketFor(kind)

	b.mu.RLock()
	defer b.mu.RUnlock()
	rec, ok := b.objects[id]
	if !ok {
		return nil, &ObjectNotFound{ID: id}
	}
	return rec.clone(), nil
}

// Update is the only legal mutation path. mutate receives a deep copy
// of the current attrs and returns the new attrs to store. Update
// returns the pre-mutation attrs (the caller — internal/mediation —
// passes it to the active transaction's RecordPreImage as the
// checkpoint pre-image when one is open) and the post-mutation attrs.
func (m *Manager) Update(id objectid.ID, mutate func(current map[string]any) (map[string]any, error)) (before, after map[string]any, err error) {
	kind := Kind(id.Type())
	b := m.bucketFor(kind)

	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.objects[id]
	if !ok {
		return nil, nil, &ObjectNotFound{ID: id}
	}

	before = rec.clone()
	next, err := mutate(rec.clone())
	if err != nil {
		return nil, nil, err
	}
	if err := validateAttrs(kind, next); err != nil {
		return nil, nil, err
	}
	rec.attrs = copyAttrs(next)
	after = rec.clone()

	m.events.publish(LifecycleEvent{Type: EventUpdated, ID: id, Kind: kind, At: m.nowFunc()})
	return before, after, nil
}

// Restore force-sets an object's attrs without going through mutate —
// used only by the Transaction Coordinator during rollback, which must
// bypass ordinary validation hooks to restore an exact prior snapshot
// (I4: bit-identical restoration).
func (m *Manager) Restore(id objectid.ID, attrs map[string]any) error {
	kind := Kind(id.Type())
	b := m.bucketFor(kind)

	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.objects[id]
	if !ok {
		return &ObjectNotFound{ID: id}
	}
	rec.attrs = copyAttrs(attrs)
	m.events.publish(LifecycleEvent{Type: EventUpdated, ID: id, Kind: kind, At: m.nowFunc()})
	return nil
}

// Dispose destroys an object. Its ID is never returned again (I2: the
// per-type counter is never rewound, so dispose plus a later Create
// can never collide).
func (m *Manager) Dispose(id objectid.ID) error {
	kind := Kind(id.Type())
	b := m.bucketFor(kind)

	b.mu.Lock()
	_, ok := b.objects[id]
	if ok {
		delete(b.objects, id)
	}
	b.mu.Unlock()

	if !ok {
		return &ObjectNotFound{ID: id}
	}
	m.events.publish(LifecycleEvent{Type: EventDestroyed, ID: id, Kind: kind, At: m.nowFunc()})
	return nil
}

// ListByType returns a deep-copied view of every live object of kind.
func (m *Manager) ListByType(kind Kind) map[objectid.ID]map[string]any {
	b := m.bucketFor(kind)
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[objectid.ID]map[string]any, len(b.objects))
	for id, rec := range b.objects {
		out[id] = rec.clone()
	}
	return out
}

// Subscribe registers a lifecycle-event listener. Call the returned
// function to unsubscribe.
func (m *Manager) Subscribe(bufferSize int) (<-chan LifecycleEvent, func()) {
	return m.events.Subscribe(bufferSize)
}

func copyAttrs(attrs map[string]any) map[string]any {
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}

func validateAttrs(kind Kind, attrs map[string]any) error {
	if kind == KindForm {
		kindVal, ok := attrs["kind"]
		if !ok {
			return nil
		}
		s, ok := kindVal.(string)
		if !ok || !ValidFormKinds[FormKind(s)] {
			return fmt.Errorf("objectmanager: unknown form kind %v", kindVal)
		}
	}
	return nil
}
