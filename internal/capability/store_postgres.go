package capability

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists grants and revocation tombstones (§6:
// `revocations(cap_id, principal, revoked_at, reason)`, plus a
// `grants` table so non-revoked capabilities survive a restart).
// Revoking writes the tombstone inside a transaction before returning
// (ground: iam-service RevokeApiKey's single-statement transactional
// revoke, generalized to the insert-tombstone-before-ack discipline
// §4.3 requires).
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const capabilitySchema = `
CREATE TABLE IF NOT EXISTS grants (
	cap_id UUID PRIMARY KEY,
	principal TEXT NOT NULL,
	operation_pattern TEXT NOT NULL,
	resource_pattern TEXT NOT NULL,
	risk TEXT NOT NULL,
	expires_at TIMESTAMPTZ,
	granted_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS revocations (
	cap_id TEXT PRIMARY KEY,
	principal TEXT NOT NULL,
	revoked_at TIMESTAMPTZ NOT NULL,
	reason TEXT NOT NULL
);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, capabilitySchema)
	return err
}

func (s *PostgresStore) SaveGrant(ctx context.Context, cap Capability) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO grants (cap_id, principal, operation_pattern, resource_pattern, risk, expires_at, granted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (cap_id) DO NOTHING
	`, cap.ID, cap.Principal, cap.OperationPattern, cap.ResourcePattern, string(cap.Risk), cap.ExpiresAt, cap.GrantedAt)
	if err != nil {
		return fmt.Errorf("save grant: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveTombstone(ctx context.Context, t Tombstone) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tombstone tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO revocations (cap_id, principal, revoked_at, reason)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (cap_id) DO NOTHING
	`, t.CapID.String(), t.Principal, t.RevokedAt, t.Reason)
	if err != nil {
		return fmt.Errorf("insert tombstone: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tombstone tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsTombstoned(ctx context.Context, capID uuid.UUID) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM revocations WHERE cap_id = $1)`, capID.String()).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check tombstone: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) LoadGrants(ctx context.Context, now time.Time) ([]Capability, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT g.cap_id, g.principal, g.operation_pattern, g.resource_pattern, g.risk, g.expires_at, g.granted_at
		FROM grants g
		LEFT JOIN revocations r ON r.cap_id = g.cap_id::text
		WHERE r.cap_id IS NULL AND (g.expires_at IS NULL OR g.expires_at > $1)
	`, now)
	if err != nil {
		return nil, fmt.Errorf("load grants: %w", err)
	}
	defer rows.Close()

	var out []Capability
	for rows.Next() {
		var (
			cap       Capability
			risk      string
			expiresAt *time.Time
		)
		if err := rows.Scan(&cap.ID, &cap.Principal, &cap.OperationPattern, &cap.ResourcePattern, &risk, &expiresAt, &cap.GrantedAt); err != nil {
			return nil, fmt.Errorf("scan grant: %w", err)
		}
		cap.Risk = RiskTier(risk)
		cap.ExpiresAt = expiresAt
		out = append(out, cap)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) LoadRevoked(ctx context.Context) ([]Capability, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT g.cap_id, g.principal, g.operation_pattern, g.resource_pattern, g.risk, g.expires_at, g.granted_at
		FROM grants g
		INNER JOIN revocations r ON r.cap_id = g.cap_id::text
	`)
	if err != nil {
		return nil, fmt.Errorf("load revoked: %w", err)
	}
	defer rows.Close()

	var out []Capability
	for rows.Next() {
		var (
			cap       Capability
			risk      string
			expiresAt *time.Time
		)
		if err := rows.Scan(&cap.ID, &cap.Principal, &cap.OperationPattern, &cap.ResourcePattern, &risk, &expiresAt, &cap.GrantedAt); err != nil {
			return nil, fmt.Errorf("scan revoked grant: %w", err)
		}
		cap.Risk = RiskTier(risk)
		cap.ExpiresAt = expiresAt
		cap.Revoked = true
		out = append(out, cap)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
