package audit

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// AuditWriteError wraps a store failure on log(). It is fatal for the
// originating operation — the kernel must treat the operation as
// denied if its audit record could not be persisted (fail-closed,
// §4.1).
type AuditWriteError struct{ Cause error }

func (e *AuditWriteError) Error() string { return fmt.Sprintf("audit write failed: %v", e.Cause) }
func (e *AuditWriteError) Unwrap() error { return e.Cause }

// AuditQueryError wraps a recoverable query failure.
type AuditQueryError struct{ Cause error }

func (e *AuditQueryError) Error() string { return fmt.Sprintf("audit query failed: %v", e.Cause) }
func (e *AuditQueryError) Unwrap() error { return e.Cause }

// Filter selects entries for query(). Zero-value fields are
// unconstrained. OpPattern uses the glob semantics of MatchOpPattern.
type Filter struct {
	Principal    string
	OpPattern    string
	TxID         string
	Result       Result
	RiskTier     RiskTier
	Since        time.Time
	Until        time.Time
	Limit        int
}

// Store is the durable persistence boundary a Log writes through.
// store_postgres.go provides the production implementation; tests use
// an in-memory fake satisfying the same interface.
type Store interface {
	Append(ctx context.Context, e Entry) error
	Query(ctx context.Context, f Filter) ([]Entry, error)
	Last(ctx context.Context, principal string) (*Entry, error)
}

// Publisher emits a durably-appended entry onto an external transport
// (NATS JetStream in production) so it can be replayed by export().
// A nil Publisher is valid — export() then has no live replay feed,
// only the store-backed query/last path.
type Publisher interface {
	Publish(ctx context.Context, e Entry) error
}

// Log is the append-only, causally linked audit log: log/query/export/last.
type Log struct {
	store     Store
	publisher Publisher
	salt      *Salt
	nowFunc   func() time.Time

	mu      sync.Mutex // serializes log() per §5's single-writer audit log
	prevIDs map[string]uuid.UUID
}

// New constructs a Log backed by store, optionally publishing every
// appended entry to publisher (pass nil to disable).
func New(store Store, publisher Publisher, salt *Salt) *Log {
	return &Log{
		store:     store,
		publisher: publisher,
		salt:      salt,
		nowFunc:   time.Now,
		prevIDs:   make(map[string]uuid.UUID),
	}
}

// Log appends fields as a new entry, redacting sensitive argument
// names, and returns its ID. A store failure is returned wrapped as
// AuditWriteError and MUST be treated by the caller as fatal for the
// originating mediated operation.
func (l *Log) Log(ctx context.Context, fields Fields) (uuid.UUID, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := uuid.New()
	var prev *uuid.UUID
	if p, ok := l.prevIDs[fields.Principal]; ok {
		prevCopy := p
		prev = &prevCopy
	}

	entry := Entry{
		ID:           id,
		Timestamp:    l.nowFunc(),
		Principal:    fields.Principal,
		Op:           fields.Op,
		ObjectID:     fields.ObjectID,
		Args:         Redact(l.salt, fields.Args),
		Result:       fields.Result,
		ErrorKind:    fields.ErrorKind,
		TxID:         fields.TxID,
		CheckpointID: fields.CheckpointID,
		Provenance:   fields.Provenance,
		RiskTier:     fields.RiskTier,
		PrevID:       prev,
	}

	if err := l.store.Append(ctx, entry); err != nil {
		return uuid.Nil, &AuditWriteError{Cause: err}
	}
	l.prevIDs[fields.Principal] = id

	if l.publisher != nil {
		// Publish failures never fail the originating operation — the
		// durable store append already succeeded; the outbox feed is a
		// best-effort replay convenience for export(), not the source
		// of truth.
		_ = l.publisher.Publish(ctx, entry)
	}

	return id, nil
}

// Query returns entries matching f, most recent last.
func (l *Log) Query(ctx context.Context, f Filter) ([]Entry, error) {
	entries, err := l.store.Query(ctx, f)
	if err != nil {
		return nil, &AuditQueryError{Cause: err}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Timestamp.Before(entries[j].Timestamp) })
	return entries, nil
}

// Last returns the most recent entry for principal, or nil if none exists.
func (l *Log) Last(ctx context.Context, principal string) (*Entry, error) {
	e, err := l.store.Last(ctx, principal)
	if err != nil {
		return nil, &AuditQueryError{Cause: err}
	}
	return e, nil
}

// Export returns every entry for principal, oldest first (by
// timestamp), suitable for a downstream SIEM replaying a principal's
// stream from its first entry.
func (l *Log) Export(ctx context.Context, principal string) ([]Entry, error) {
	return l.Query(ctx, Filter{Principal: principal, OpPattern: "**"})
}
