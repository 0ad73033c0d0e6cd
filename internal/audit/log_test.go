package audit

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	salt, err := NewSalt()
	require.NoError(t, err)
	return New(NewMemoryStore(), nil, salt)
}

func TestLog_LogAndLast(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()

	id, err := l.Log(ctx, Fields{Principal: "agent:1", Op: "tab.navigate", Result: ResultSuccess, Provenance: ProvenanceAgent})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	last, err := l.Last(ctx, "agent:1")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, id, last.ID)
	assert.Nil(t, last.PrevID)
}

// P3-adjacent: within one principal's stream, prev_id forms a dense chain.
func TestLog_PrevIDChainDensePerPrincipal(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()

	first, err := l.Log(ctx, Fields{Principal: "agent:1", Op: "tab.open", Result: ResultSuccess, Provenance: ProvenanceAgent})
	require.NoError(t, err)

	second, err := l.Log(ctx, Fields{Principal: "agent:1", Op: "tab.navigate", Result: ResultSuccess, Provenance: ProvenanceAgent})
	require.NoError(t, err)

	entries, err := l.Query(ctx, Filter{Principal: "agent:1"})
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Nil(t, entries[0].PrevID)
	require.NotNil(t, entries[1].PrevID)
	assert.Equal(t, first, entries[0].ID)
	assert.Equal(t, second, entries[1].ID)
	assert.Equal(t, first, *entries[1].PrevID)
}

func TestLog_PrevIDIndependentAcrossPrincipals(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()

	_, err := l.Log(ctx, Fields{Principal: "agent:1", Op: "tab.open", Result: ResultSuccess, Provenance: ProvenanceAgent})
	require.NoError(t, err)
	_, err = l.Log(ctx, Fields{Principal: "agent:2", Op: "tab.open", Result: ResultSuccess, Provenance: ProvenanceAgent})
	require.NoError(t, err)

	entries, err := l.Query(ctx, Filter{Principal: "agent:2"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Nil(t, entries[0].PrevID, "a different principal's first entry must not chain off another principal's stream")
}

func TestLog_QueryOpGlob(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()

	_, err := l.Log(ctx, Fields{Principal: "agent:1", Op: "tab.navigate", Result: ResultSuccess, Provenance: ProvenanceAgent})
	require.NoError(t, err)
	_, err = l.Log(ctx, Fields{Principal: "agent:1", Op: "form.submit", Result: ResultSuccess, Provenance: ProvenanceAgent})
	require.NoError(t, err)

	entries, err := l.Query(ctx, Filter{Principal: "agent:1", OpPattern: "tab.*"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "tab.navigate", entries[0].Op)
}

// P7: redaction applies even when the log() caller passes a secret
// value straight through — the store never sees it verbatim.
func TestLog_RedactsSensitiveArgsBeforePersisting(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()

	_, err := l.Log(ctx, Fields{
		Principal:  "agent:1",
		Op:         "credential.use",
		Result:     ResultSuccess,
		Provenance: ProvenanceAgent,
		Args:       map[string]any{"password": "hunter2"},
	})
	require.NoError(t, err)

	entries, err := l.Query(ctx, Filter{Principal: "agent:1"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	for _, v := range entries[0].Args {
		assert.NotEqual(t, "hunter2", v)
	}
}

type failingStore struct{ err error }

func (f *failingStore) Append(ctx context.Context, e Entry) error { return f.err }
func (f *failingStore) Query(ctx context.Context, filt Filter) ([]Entry, error) {
	return nil, f.err
}
func (f *failingStore) Last(ctx context.Context, principal string) (*Entry, error) {
	return nil, f.err
}

// §4.1 fail-closed: a store write failure surfaces as AuditWriteError.
func TestLog_StoreFailureWrapsAsAuditWriteError(t *testing.T) {
	salt, err := NewSalt()
	require.NoError(t, err)
	l := New(&failingStore{err: errors.New("disk full")}, nil, salt)

	_, err = l.Log(context.Background(), Fields{Principal: "agent:1", Op: "tab.open", Result: ResultSuccess, Provenance: ProvenanceAgent})
	require.Error(t, err)
	var writeErr *AuditWriteError
	assert.ErrorAs(t, err, &writeErr)
}

func TestLog_QueryFailureWrapsAsAuditQueryError(t *testing.T) {
	salt, err := NewSalt()
	require.NoError(t, err)
	l := New(&failingStore{err: errors.New("connection reset")}, nil, salt)

	_, err = l.Query(context.Background(), Filter{Principal: "agent:1"})
	require.Error(t, err)
	var queryErr *AuditQueryError
	assert.ErrorAs(t, err, &queryErr)
}

type recordingPublisher struct{ published []Entry }

func (p *recordingPublisher) Publish(ctx context.Context, e Entry) error {
	p.published = append(p.published, e)
	return nil
}

func TestLog_PublishesToOutboxOnSuccess(t *testing.T) {
	salt, err := NewSalt()
	require.NoError(t, err)
	pub := &recordingPublisher{}
	l := New(NewMemoryStore(), pub, salt)

	id, err := l.Log(context.Background(), Fields{Principal: "agent:1", Op: "tab.open", Result: ResultSuccess, Provenance: ProvenanceAgent})
	require.NoError(t, err)

	require.Len(t, pub.published, 1)
	assert.Equal(t, id, pub.published[0].ID)
}
