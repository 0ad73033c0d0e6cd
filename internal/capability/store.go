package capability

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Tombstone is a durable record that a capability has been revoked.
// Its mere presence makes the capability permanently unsatisfiable,
// even across process restarts (P2: no zombie tokens).
type Tombstone struct {
	CapID     uuid.UUID
	Principal string
	RevokedAt time.Time
	Reason    string
}

// Store is the durable backing for grants and revocation tombstones.
// revoke/revoke_all write a Tombstone before returning; Init() replays
// non-revoked, non-expired grants and cross-checks the tombstone table
// so a revoked capability can never resurrect after restart.
type Store interface {
	SaveGrant(ctx context.Context, cap Capability) error
	SaveTombstone(ctx context.Context, t Tombstone) error
	IsTombstoned(ctx context.Context, capID uuid.UUID) (bool, error)
	// LoadGrants returns every grant not excluded by a tombstone and
	// not expired as of now.
	LoadGrants(ctx context.Context, now time.Time) ([]Capability, error)
	// LoadRevoked returns every grant that IS excluded by a tombstone,
	// with Revoked set true, so a fresh Broker can still tell
	// "revoked" apart from "never granted" after a restart (§4.3
	// "grants are re-emitted from the tombstone store at startup").
	LoadRevoked(ctx context.Context) ([]Capability, error)
}

// MemoryStore is an in-process Store used by tests and single-process
// deployments without Postgres configured.
type MemoryStore struct {
	grants     map[uuid.UUID]Capability
	tombstones map[uuid.UUID]Tombstone
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		grants:     make(map[uuid.UUID]Capability),
		tombstones: make(map[uuid.UUID]Tombstone),
	}
}

func (s *MemoryStore) SaveGrant(ctx context.Context, cap Capability) error {
	s.grants[cap.ID] = cap
	return nil
}

func (s *MemoryStore) SaveTombstone(ctx context.Context, t Tombstone) error {
	s.tombstones[t.CapID] = t
	return nil
}

func (s *MemoryStore) IsTombstoned(ctx context.Context, capID uuid.UUID) (bool, error) {
	_, ok := s.tombstones[capID]
	return ok, nil
}

func (s *MemoryStore) LoadGrants(ctx context.Context, now time.Time) ([]Capability, error) {
	var out []Capability
	for id, cap := range s.grants {
		if _, tombstoned := s.tombstones[id]; tombstoned {
			continue
		}
		if cap.expired(now) {
			continue
		}
		out = append(out, cap)
	}
	return out, nil
}

func (s *MemoryStore) LoadRevoked(ctx context.Context) ([]Capability, error) {
	var out []Capability
	for id, cap := range s.grants {
		if _, tombstoned := s.tombstones[id]; tombstoned {
			cap.Revoked = true
			out = append(out, cap)
		}
	}
	return out, nil
}
