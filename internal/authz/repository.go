package authz

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-gallery/meridian/internal/audit"
	"github.com/meridian-gallery/meridian/internal/platform/db"
)

const uniqueViolationCode = "23505"

// PGRepository is the PostgreSQL role store. It implements both the
// resolver's read contract and the admin write contract; writes commit
// the grant change and its audit record in one transaction.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewPGRepository constructs a repository.
func NewPGRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const grantColumns = `identity, tier, permissions, active, expires_at, ip_allow_list, created_by, created_at, updated_by, updated_at`

// GrantsByIdentity returns the grant rows for an identity, newest
// first. The primary key keeps this to at most one row; the ordering
// matters only if that constraint is ever violated out of band.
func (r *PGRepository) GrantsByIdentity(ctx context.Context, identity Identity) ([]Grant, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+grantColumns+` FROM admin_grants WHERE identity = $1 ORDER BY created_at DESC`,
		string(identity))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return scanGrants(rows)
}

// ListGrants returns every grant on record ordered by identity.
func (r *PGRepository) ListGrants(ctx context.Context) ([]Grant, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+grantColumns+` FROM admin_grants ORDER BY identity`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return scanGrants(rows)
}

// CountActiveSuperAdmins reports how many active super_admin grants
// exist. The bootstrap procedure refuses to run once there is one.
func (r *PGRepository) CountActiveSuperAdmins(ctx context.Context) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM admin_grants WHERE tier = $1 AND active`,
		TierSuperAdmin.String()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return count, nil
}

// CreateGrant inserts a grant and appends its audit record atomically.
func (r *PGRepository) CreateGrant(ctx context.Context, grant Grant, record audit.Record) (Grant, error) {
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := audit.InsertTx(ctx, tx, record); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO admin_grants (`+grantColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			grantArgs(grant)...)
		return err
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
			return Grant{}, ErrGrantExists
		}
		return Grant{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return grant, nil
}

// UpdateGrant rewrites a grant and appends its audit record atomically.
func (r *PGRepository) UpdateGrant(ctx context.Context, grant Grant, record audit.Record) (Grant, error) {
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := audit.InsertTx(ctx, tx, record); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx,
			`UPDATE admin_grants
			 SET tier = $2, permissions = $3, active = $4, expires_at = $5,
			     ip_allow_list = $6, updated_by = $7, updated_at = $8
			 WHERE identity = $1`,
			string(grant.Identity), grant.Tier.String(), keyStrings(grant.ExplicitPermissions),
			grant.Active, nullableTime(grant.ExpiresAt), prefixStrings(grant.IPAllowList),
			string(grant.UpdatedBy), grant.UpdatedAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrGrantNotFound
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrGrantNotFound) {
			return Grant{}, ErrGrantNotFound
		}
		return Grant{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return grant, nil
}

// DeactivateGrant marks a grant inactive and appends its audit record
// atomically. The row stays so the grant history remains inspectable.
func (r *PGRepository) DeactivateGrant(ctx context.Context, target Identity, updatedBy Identity, at time.Time, record audit.Record) error {
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := audit.InsertTx(ctx, tx, record); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx,
			`UPDATE admin_grants SET active = FALSE, updated_by = $2, updated_at = $3 WHERE identity = $1`,
			string(target), string(updatedBy), at)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrGrantNotFound
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrGrantNotFound) {
			return ErrGrantNotFound
		}
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func grantArgs(grant Grant) []any {
	return []any{
		string(grant.Identity),
		grant.Tier.String(),
		keyStrings(grant.ExplicitPermissions),
		grant.Active,
		nullableTime(grant.ExpiresAt),
		prefixStrings(grant.IPAllowList),
		string(grant.CreatedBy),
		grant.CreatedAt,
		string(grant.UpdatedBy),
		grant.UpdatedAt,
	}
}

func scanGrants(rows pgx.Rows) ([]Grant, error) {
	defer rows.Close()
	var grants []Grant
	for rows.Next() {
		var (
			grant       Grant
			identity    string
			tierName    string
			permissions []string
			expiresAt   *time.Time
			allowList   []string
			createdBy   string
			updatedBy   string
		)
		if err := rows.Scan(&identity, &tierName, &permissions, &grant.Active, &expiresAt,
			&allowList, &createdBy, &grant.CreatedAt, &updatedBy, &grant.UpdatedAt); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		tier, err := ParseTier(tierName)
		if err != nil {
			return nil, fmt.Errorf("%w: grant for %s carries tier %q", ErrStoreUnavailable, identity, tierName)
		}
		grant.Identity = Identity(identity)
		grant.Tier = tier
		grant.CreatedBy = Identity(createdBy)
		grant.UpdatedBy = Identity(updatedBy)
		for _, key := range permissions {
			grant.ExplicitPermissions = append(grant.ExplicitPermissions, PermissionKey(key))
		}
		if expiresAt != nil {
			grant.ExpiresAt = *expiresAt
		}
		for _, raw := range allowList {
			prefix, err := netip.ParsePrefix(raw)
			if err != nil {
				return nil, fmt.Errorf("%w: grant for %s carries prefix %q", ErrStoreUnavailable, identity, raw)
			}
			grant.IPAllowList = append(grant.IPAllowList, prefix)
		}
		grants = append(grants, grant)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return grants, nil
}

func keyStrings(keys []PermissionKey) []string {
	out := make([]string, len(keys))
	for i, key := range keys {
		out[i] = string(key)
	}
	return out
}

func prefixStrings(prefixes []netip.Prefix) []string {
	out := make([]string, len(prefixes))
	for i, prefix := range prefixes {
		out[i] = prefix.String()
	}
	return out
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
