package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is the durable Store backing the audit log's
// `entries` table (§6), instrumented via the pool's otelpgx tracer
// set up by the caller (ground: audit-service cmd/api/main.go's
// pgxpool.ParseConfig + otelpgx.NewTracer wiring).
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps an already-configured pool. The caller is
// responsible for setting poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()
// before constructing the pool, and for calling Migrate (which creates
// the entries table) before use; the grants and revocations tables come
// from capability.PostgresStore.Migrate, and no kernel_meta table is
// created.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const schema = `
CREATE TABLE IF NOT EXISTS entries (
	id UUID PRIMARY KEY,
	ts TIMESTAMPTZ NOT NULL,
	principal TEXT NOT NULL,
	op TEXT NOT NULL,
	object TEXT,
	args JSONB,
	result TEXT NOT NULL,
	error_kind TEXT,
	tx_id TEXT,
	cp_id TEXT,
	provenance TEXT NOT NULL,
	risk_tier TEXT,
	prev_id UUID
);
CREATE INDEX IF NOT EXISTS entries_principal_ts_idx ON entries (principal, ts);
CREATE INDEX IF NOT EXISTS entries_op_idx ON entries (op);
`

// Migrate creates the entries table and its indexes if they do not
// already exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}

func (s *PostgresStore) Append(ctx context.Context, e Entry) error {
	args, err := json.Marshal(e.Args)
	if err != nil {
		return fmt.Errorf("marshal args: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO entries (id, ts, principal, op, object, args, result, error_kind, tx_id, cp_id, provenance, risk_tier, prev_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`,
		e.ID, e.Timestamp, e.Principal, e.Op, nullableString(e.ObjectID), args,
		string(e.Result), nullableString(string(e.ErrorKind)), nullableString(e.TxID),
		nullableString(e.CheckpointID), string(e.Provenance), nullableString(string(e.RiskTier)),
		prevIDArg(e.PrevID),
	)
	if err != nil {
		return fmt.Errorf("insert entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) Query(ctx context.Context, f Filter) ([]Entry, error) {
	clauses := []string{"1=1"}
	var params []any
	p := func(v any) string {
		params = append(params, v)
		return fmt.Sprintf("$%d", len(params))
	}

	if f.Principal != "" {
		clauses = append(clauses, "principal = "+p(f.Principal))
	}
	if f.TxID != "" {
		clauses = append(clauses, "tx_id = "+p(f.TxID))
	}
	if f.Result != "" {
		clauses = append(clauses, "result = "+p(string(f.Result)))
	}
	if f.RiskTier != "" {
		clauses = append(clauses, "risk_tier = "+p(string(f.RiskTier)))
	}
	if !f.Since.IsZero() {
		clauses = append(clauses, "ts >= "+p(f.Since))
	}
	if !f.Until.IsZero() {
		clauses = append(clauses, "ts <= "+p(f.Until))
	}
	// op glob filters are evaluated in Go after the row scan: Postgres
	// LIKE semantics do not map cleanly onto "*"/"**" segment matching,
	// and the table is small enough per principal that a post-filter
	// is cheaper than teaching SQL the glob grammar.

	query := fmt.Sprintf(`
		SELECT id, ts, principal, op, object, args, result, error_kind, tx_id, cp_id, provenance, risk_tier, prev_id
		FROM entries
		WHERE %s
		ORDER BY ts ASC
	`, strings.Join(clauses, " AND "))

	rows, err := s.pool.Query(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		if f.OpPattern != "" && !MatchOpPattern(f.OpPattern, e.Op) {
			continue
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out, nil
}

func (s *PostgresStore) Last(ctx context.Context, principal string) (*Entry, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, ts, principal, op, object, args, result, error_kind, tx_id, cp_id, provenance, risk_tier, prev_id
		FROM entries
		WHERE principal = $1
		ORDER BY ts DESC
		LIMIT 1
	`, principal)

	e, err := scanEntry(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &e, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var (
		e         Entry
		object    *string
		args      []byte
		errorKind *string
		txID      *string
		cpID      *string
		riskTier  *string
		prevID    *uuid.UUID
		ts        time.Time
	)
	if err := row.Scan(&e.ID, &ts, &e.Principal, &e.Op, &object, &args,
		&e.Result, &errorKind, &txID, &cpID, &e.Provenance, &riskTier, &prevID); err != nil {
		return Entry{}, fmt.Errorf("scan entry: %w", err)
	}
	e.Timestamp = ts
	e.ObjectID = deref(object)
	e.ErrorKind = ErrorKind(deref(errorKind))
	e.TxID = deref(txID)
	e.CheckpointID = deref(cpID)
	e.RiskTier = RiskTier(deref(riskTier))
	e.PrevID = prevID
	if len(args) > 0 {
		if err := json.Unmarshal(args, &e.Args); err != nil {
			return Entry{}, fmt.Errorf("unmarshal args: %w", err)
		}
	}
	return e, nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func prevIDArg(id *uuid.UUID) any {
	if id == nil {
		return nil
	}
	return *id
}
