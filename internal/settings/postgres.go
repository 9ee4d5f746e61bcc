package settings

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Schema is the SQL DDL for the settings table. Execute it via
// [PostgresBackend.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS a2dpd_settings (
    key        TEXT PRIMARY KEY,
    value      TEXT NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// DB is the database interface used by [PostgresBackend]. Both
// *pgxpool.Pool and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresBackend is a [Backend] backed by a single PostgreSQL table.
// Each write is its own autocommitted statement, so it is durable once the
// call returns.
type PostgresBackend struct {
	db DB
}

var (
	_ Backend = (*PostgresBackend)(nil)
	_ Pinger  = (*PostgresBackend)(nil)
)

// NewPostgresBackend creates a backend on db. Call
// [PostgresBackend.Migrate] before first use.
func NewPostgresBackend(db DB) *PostgresBackend {
	return &PostgresBackend{db: db}
}

// Migrate executes [Schema].
func (p *PostgresBackend) Migrate(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("settings: migrate: %w", err)
	}
	return nil
}

// Get implements [Backend].
func (p *PostgresBackend) Get(ctx context.Context, key string) (string, bool, error) {
	const query = `SELECT value FROM a2dpd_settings WHERE key = $1`

	var v string
	if err := p.db.QueryRow(ctx, query, key).Scan(&v); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("settings: get %q: %w", key, err)
	}
	return v, true, nil
}

// Set implements [Backend].
func (p *PostgresBackend) Set(ctx context.Context, key, value string) error {
	const query = `
		INSERT INTO a2dpd_settings (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`

	if _, err := p.db.Exec(ctx, query, key, value); err != nil {
		return fmt.Errorf("settings: set %q: %w", key, err)
	}
	return nil
}

// Delete implements [Backend].
func (p *PostgresBackend) Delete(ctx context.Context, key string) error {
	const query = `DELETE FROM a2dpd_settings WHERE key = $1`
	if _, err := p.db.Exec(ctx, query, key); err != nil {
		return fmt.Errorf("settings: delete %q: %w", key, err)
	}
	return nil
}

// Keys implements [Backend].
func (p *PostgresBackend) Keys(ctx context.Context, prefix string) ([]string, error) {
	const query = `SELECT key FROM a2dpd_settings WHERE starts_with(key, $1) ORDER BY key`

	rows, err := p.db.Query(ctx, query, prefix)
	if err != nil {
		return nil, fmt.Errorf("settings: keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("settings: keys: scan: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("settings: keys: %w", err)
	}
	return keys, nil
}

// Ping checks that the database answers.
func (p *PostgresBackend) Ping(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, "SELECT 1"); err != nil {
		return fmt.Errorf("settings: ping: %w", err)
	}
	return nil
}
