package capability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/browserkernel/kernel/internal/audit"
)

func newTestBroker(t *testing.T, store Store) *Broker {
	t.Helper()
	salt, err := audit.NewSalt()
	require.NoError(t, err)
	log := audit.New(audit.NewMemoryStore(), nil, salt)
	return New(store, log)
}

func TestBroker_GrantCheckRequire(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t, NewMemoryStore())

	_, err := b.Grant(ctx, "agent:1", "tab.read", "tab:*", T1Read, nil)
	require.NoError(t, err)

	assert.True(t, b.Check(ctx, "agent:1", "tab.read", "tab:42", CallContext{}))

	risk, err := b.Require(ctx, "agent:1", "tab.read", "tab:42", T1Read, audit.ProvenanceAgent, CallContext{})
	require.NoError(t, err)
	assert.Equal(t, T1Read, risk)
}

func TestBroker_RequireDeniedNoGrant(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t, NewMemoryStore())

	_, err := b.Require(ctx, "agent:1", "tab.read", "tab:42", T1Read, audit.ProvenanceAgent, CallContext{})
	require.Error(t, err)
	var denied *CapabilityDenied
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, ReasonNoGrant, denied.Reason)
}

func TestBroker_RequireWritesExactlyOneAuditEntry(t *testing.T) {
	ctx := context.Background()
	salt, err := audit.NewSalt()
	require.NoError(t, err)
	store := audit.NewMemoryStore()
	log := audit.New(store, nil, salt)
	b := New(NewMemoryStore(), log)

	_, _ = b.Require(ctx, "agent:1", "tab.read", "tab:42", T1Read, audit.ProvenanceAgent, CallContext{})

	entries, err := log.Query(ctx, audit.Filter{Principal: "agent:1"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, audit.ResultDenied, entries[0].Result)
	assert.Equal(t, audit.ErrorKind(ReasonNoGrant), entries[0].ErrorKind)
}

// P2: after revoke + process restart (re-Init from the durable
// store), require never returns true for that capability again, and
// reports ReasonRevoked rather than collapsing to ReasonNoGrant.
func TestBroker_RevokeSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	b1 := newTestBroker(t, store)
	capID, err := b1.Grant(ctx, "agent:1", "tab.read", "tab:*", T1Read, nil)
	require.NoError(t, err)
	require.NoError(t, b1.Init(ctx))

	require.NoError(t, b1.Revoke(ctx, capID, "test revoke"))

	// Simulate a process restart: a fresh Broker over the same store.
	b2 := newTestBroker(t, store)
	require.NoError(t, b2.Init(ctx))

	_, err = b2.Require(ctx, "agent:1", "tab.read", "tab:42", T1Read, audit.ProvenanceAgent, CallContext{})
	require.Error(t, err)
	var denied *CapabilityDenied
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, ReasonRevoked, denied.Reason, "a revoked capability must be reloaded as revoked, not silently dropped")
}

func TestBroker_RevokeReportsRevokedNotNoGrant(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t, NewMemoryStore())

	capID, err := b.Grant(ctx, "agent:1", "tab.read", "tab:*", T1Read, nil)
	require.NoError(t, err)
	require.NoError(t, b.Revoke(ctx, capID, "test revoke"))

	_, err = b.Require(ctx, "agent:1", "tab.read", "tab:42", T1Read, audit.ProvenanceAgent, CallContext{})
	require.Error(t, err)
	var denied *CapabilityDenied
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, ReasonRevoked, denied.Reason)
}

func TestBroker_CheckWritesAuditEntry(t *testing.T) {
	ctx := context.Background()
	salt, err := audit.NewSalt()
	require.NoError(t, err)
	store := audit.NewMemoryStore()
	log := audit.New(store, nil, salt)
	b := New(NewMemoryStore(), log)

	_, err = b.Grant(ctx, "agent:1", "tab.read", "tab:*", T1Read, nil)
	require.NoError(t, err)

	assert.True(t, b.Check(ctx, "agent:1", "tab.read", "tab:42", CallContext{}))
	assert.False(t, b.Check(ctx, "agent:1", "form.fill", "form:1", CallContext{}))

	entries, err := log.Query(ctx, audit.Filter{Principal: "agent:1"})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, audit.ResultSuccess, entries[0].Result)
	assert.Equal(t, audit.ResultDenied, entries[1].Result)
	assert.Equal(t, audit.ErrorKind(ReasonNoGrant), entries[1].ErrorKind)
}

func TestBroker_RevokeAll(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t, NewMemoryStore())

	_, err := b.Grant(ctx, "agent:1", "tab.read", "tab:*", T1Read, nil)
	require.NoError(t, err)
	_, err = b.Grant(ctx, "agent:1", "form.fill", "form:*", T2Stateful, nil)
	require.NoError(t, err)

	require.NoError(t, b.RevokeAll(ctx, "agent:1", "test"))

	assert.Empty(t, b.List("agent:1"))
	assert.False(t, b.Check(ctx, "agent:1", "tab.read", "tab:42", CallContext{}))
}

func TestBroker_List(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t, NewMemoryStore())

	_, err := b.Grant(ctx, "agent:1", "tab.read", "tab:*", T1Read, nil)
	require.NoError(t, err)
	_, err = b.Grant(ctx, "agent:2", "tab.read", "tab:*", T1Read, nil)
	require.NoError(t, err)

	list := b.List("agent:1")
	require.Len(t, list, 1)
	assert.Equal(t, "agent:1", list[0].Principal)
}

func TestBroker_ConstraintFailureReason(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t, NewMemoryStore())

	_, err := b.Grant(ctx, "agent:1", "tab.navigate", "tab:*", T2Stateful, nil, URLGlob{Pattern: "https://allowed.example/*"})
	require.NoError(t, err)

	_, err = b.Require(ctx, "agent:1", "tab.navigate", "tab:1", T2Stateful, audit.ProvenanceAgent, CallContext{URL: "https://denied.example/x"})
	require.Error(t, err)
	var denied *CapabilityDenied
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, ReasonConstraintFails, denied.Reason)
}

func TestBroker_OperationGlobMatching(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t, NewMemoryStore())

	_, err := b.Grant(ctx, "agent:1", "tab.*", "tab:*", T1Read, nil)
	require.NoError(t, err)

	assert.True(t, b.Check(ctx, "agent:1", "tab.navigate", "tab:1", CallContext{}))
	assert.True(t, b.Check(ctx, "agent:1", "tab.extract", "tab:2", CallContext{}))
	assert.False(t, b.Check(ctx, "agent:1", "form.submit", "form:1", CallContext{}))
}
