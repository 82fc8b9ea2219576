package audit

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/onnwee/limestore/internal/tracing"
)

//go:embed schema.sql
var schemaSQL string

// chainLockKey serializes appends so each entry sees its true predecessor.
const chainLockKey = 0x6c696d65

const logColumns = `id, actor_id, entity_type, entity_id, action, outcome, channel,
	provenance, detail, request_id, ip_address, user_agent, previous_hash, created_at`

// PostgresRepository implements Repository on PostgreSQL.
type PostgresRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgresRepository creates an audit repository backed by db.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db, now: time.Now}
}

// Migrate creates the audit_logs table if it does not exist.
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply audit schema: %w", err)
	}
	return nil
}

// Append stores the entry inside a transaction holding the chain lock.
func (r *PostgresRepository) Append(ctx context.Context, entry Entry) (l *Event, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "audit_logs", tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin audit transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, chainLockKey); err != nil {
		return nil, fmt.Errorf("failed to lock audit chain: %w", err)
	}

	prev := ""
	last, err := scanEvent(tx.QueryRowContext(ctx,
		`SELECT `+logColumns+` FROM audit_logs ORDER BY seq DESC LIMIT 1`))
	switch {
	case err == nil:
		prev = hashEvent(last)
	case !errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("failed to read audit chain head: %w", err)
	}

	l = newEvent(entry, prev, r.now())
	_, err = tx.ExecContext(ctx, `INSERT INTO audit_logs (`+logColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		l.ID, l.ActorID, l.EntityType, l.EntityID, l.Action, l.Outcome, l.Channel,
		l.Provenance, l.Detail, l.RequestID, l.IPAddress, l.UserAgent, l.PreviousHash, l.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert audit log: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit audit log: %w", err)
	}
	return l, nil
}

// QueryByEntity returns events for one entity, newest first.
func (r *PostgresRepository) QueryByEntity(ctx context.Context, entityType, entityID string, limit int) ([]*Event, error) {
	return r.query(ctx, `WHERE entity_type = $1 AND entity_id = $2`, limit, entityType, entityID)
}

// QueryByActor returns events caused by one actor, newest first.
func (r *PostgresRepository) QueryByActor(ctx context.Context, actorID string, limit int) ([]*Event, error) {
	return r.query(ctx, `WHERE actor_id = $1`, limit, actorID)
}

func (r *PostgresRepository) query(ctx context.Context, where string, limit int, args ...any) (logs []*Event, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "audit_logs", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	q := `SELECT ` + logColumns + ` FROM audit_logs ` + where + ` ORDER BY seq DESC`
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit logs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		l, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit log: %w", err)
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// VerifyChain walks the whole table oldest first.
func (r *PostgresRepository) VerifyChain(ctx context.Context) error {
	rows, err := r.db.QueryContext(ctx, `SELECT `+logColumns+` FROM audit_logs ORDER BY seq ASC`)
	if err != nil {
		return fmt.Errorf("failed to read audit chain: %w", err)
	}
	defer rows.Close()

	var logs []*Event
	for rows.Next() {
		l, err := scanEvent(rows)
		if err != nil {
			return fmt.Errorf("failed to scan audit log: %w", err)
		}
		logs = append(logs, l)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	return verifyChain(logs)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*Event, error) {
	var l Event
	err := row.Scan(&l.ID, &l.ActorID, &l.EntityType, &l.EntityID, &l.Action, &l.Outcome,
		&l.Channel, &l.Provenance, &l.Detail, &l.RequestID, &l.IPAddress, &l.UserAgent,
		&l.PreviousHash, &l.CreatedAt)
	if err != nil {
		return nil, err
	}
	l.CreatedAt = l.CreatedAt.UTC()
	return &l, nil
}
