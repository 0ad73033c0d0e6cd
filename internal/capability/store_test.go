package capability

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_LoadGrantsExcludesTombstonedAndExpired(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	live := Capability{ID: uuid.New(), Principal: "agent:1", GrantedAt: now}
	require.NoError(t, store.SaveGrant(ctx, live))

	past := now.Add(-time.Hour)
	expired := Capability{ID: uuid.New(), Principal: "agent:1", ExpiresAt: &past, GrantedAt: now}
	require.NoError(t, store.SaveGrant(ctx, expired))

	revoked := Capability{ID: uuid.New(), Principal: "agent:1", GrantedAt: now}
	require.NoError(t, store.SaveGrant(ctx, revoked))
	require.NoError(t, store.SaveTombstone(ctx, Tombstone{CapID: revoked.ID, Principal: "agent:1", RevokedAt: now}))

	grants, err := store.LoadGrants(ctx, now)
	require.NoError(t, err)
	require.Len(t, grants, 1)
	assert.Equal(t, live.ID, grants[0].ID)
}

func TestMemoryStore_LoadRevoked(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	live := Capability{ID: uuid.New(), Principal: "agent:1", GrantedAt: now}
	require.NoError(t, store.SaveGrant(ctx, live))

	revoked := Capability{ID: uuid.New(), Principal: "agent:1", GrantedAt: now}
	require.NoError(t, store.SaveGrant(ctx, revoked))
	require.NoError(t, store.SaveTombstone(ctx, Tombstone{CapID: revoked.ID, Principal: "agent:1", RevokedAt: now}))

	got, err := store.LoadRevoked(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, revoked.ID, got[0].ID)
	assert.True(t, got[0].Revoked)
}

func TestMemoryStore_IsTombstoned(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	id := uuid.New()

	tombstoned, err := store.IsTombstoned(ctx, id)
	require.NoError(t, err)
	assert.False(t, tombstoned)

	require.NoError(t, store.SaveTombstone(ctx, Tombstone{CapID: id, Principal: "agent:1", RevokedAt: time.Now()}))

	tombstoned, err = store.IsTombstoned(ctx, id)
	require.NoError(t, err)
	assert.True(t, tombstoned)
}
