// Package health implements the readiness checks behind GET /ready.
package health

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// ErrSchemaMissing means Postgres answered but a required table is absent,
// usually because migrations have not run against this database.
var ErrSchemaMissing = errors.New("schema missing")

// DBChecker pings Postgres and confirms the ledger tables exist.
type DBChecker struct {
	db     *sql.DB
	tables []string
}

// NewDBChecker checks db and, when given, that each of tables exists.
func NewDBChecker(db *sql.DB, tables ...string) *DBChecker {
	return &DBChecker{db: db, tables: tables}
}

// HealthCheck returns the first failure.
func (c *DBChecker) HealthCheck(ctx context.Context) error {
	if err := c.db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	for _, table := range c.tables {
		var present bool
		if err := c.db.QueryRowContext(ctx, `SELECT to_regclass($1) IS NOT NULL`, table).Scan(&present); err != nil {
			return fmt.Errorf("postgres lookup %s: %w", table, err)
		}
		if !present {
			return fmt.Errorf("%w: table %s", ErrSchemaMissing, table)
		}
	}
	return nil
}

// RedisChecker pings the Redis server shared by rate limits, idempotency
// and cart cleanup.
type RedisChecker struct {
	client redis.UniversalClient
}

func NewRedisChecker(client redis.UniversalClient) *RedisChecker {
	return &RedisChecker{client: client}
}

// HealthCheck sends PING.
func (c *RedisChecker) HealthCheck(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}
