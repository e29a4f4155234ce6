package audit

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGRepository provides PostgreSQL backed persistence for the audit
// trail. Only inserts and reads exist; the table is append-only.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewPGRepository constructs a repository.
func NewPGRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const insertSQL = `
INSERT INTO admin_audit (id, actor, target_identity, action, before_state, after_state, reason, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

// Insert appends one record.
func (r *PGRepository) Insert(ctx context.Context, record Record) (uuid.UUID, error) {
	if _, err := r.pool.Exec(ctx, insertSQL,
		record.ID, record.Actor, record.TargetIdentity, string(record.Action),
		record.BeforeState, record.AfterState, record.Reason, record.CreatedAt,
	); err != nil {
		return uuid.Nil, fmt.Errorf("audit: insert: %w", err)
	}
	return record.ID, nil
}

// InsertTx appends one record inside a caller-owned transaction. Role
// administration uses it so a grant write and its audit entry commit or
// roll back together.
func InsertTx(ctx context.Context, tx pgx.Tx, record Record) (uuid.UUID, error) {
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	if _, err := tx.Exec(ctx, insertSQL,
		record.ID, record.Actor, record.TargetIdentity, string(record.Action),
		record.BeforeState, record.AfterState, record.Reason, record.CreatedAt,
	); err != nil {
		return uuid.Nil, fmt.Errorf("audit: insert: %w", err)
	}
	return record.ID, nil
}

// Window returns one page of matching records, newest first.
func (r *PGRepository) Window(ctx context.Context, filter Filter, limit, offset int) ([]Record, error) {
	where, args := filterClause(filter)
	query := fmt.Sprintf(`
SELECT id, actor, target_identity, action, before_state, after_state, reason, created_at
FROM admin_audit %s
ORDER BY created_at DESC, id DESC
LIMIT $%d OFFSET $%d`, where, len(args)+1, len(args)+2)
	args = append(args, limit, offset)
	return r.scan(ctx, query, args)
}

// All returns every matching record, newest first.
func (r *PGRepository) All(ctx context.Context, filter Filter) ([]Record, error) {
	where, args := filterClause(filter)
	query := fmt.Sprintf(`
SELECT id, actor, target_identity, action, before_state, after_state, reason, created_at
FROM admin_audit %s
ORDER BY created_at DESC, id DESC`, where)
	return r.scan(ctx, query, args)
}

func (r *PGRepository) scan(ctx context.Context, query string, args []any) ([]Record, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: query: %w", err)
	}
	defer rows.Close()
	var records []Record
	for rows.Next() {
		var record Record
		var action string
		if err := rows.Scan(&record.ID, &record.Actor, &record.TargetIdentity, &action,
			&record.BeforeState, &record.AfterState, &record.Reason, &record.CreatedAt); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		record.Action = Action(action)
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: rows: %w", err)
	}
	return records, nil
}

func filterClause(filter Filter) (string, []any) {
	var conditions []string
	var args []any
	add := func(condition string, value any) {
		args = append(args, value)
		conditions = append(conditions, fmt.Sprintf(condition, len(args)))
	}
	if actor := strings.TrimSpace(filter.Actor); actor != "" {
		add("actor = $%d", actor)
	}
	if target := strings.TrimSpace(filter.Target); target != "" {
		add("target_identity = $%d", target)
	}
	if filter.Action != "" {
		add("action = $%d", string(filter.Action))
	}
	if !filter.From.IsZero() {
		add("created_at >= $%d", filter.From)
	}
	if !filter.To.IsZero() {
		add("created_at <= $%d", filter.To)
	}
	if len(conditions) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(conditions, " AND "), args
}
