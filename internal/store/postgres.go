package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore is a SecretStore backed by Postgres. At-rest encryption is
// the caller's responsibility via a transparently encrypting column (e.g.
// pgcrypto) or by encrypting values before Put — this type stores whatever
// string it is given.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a pooled connection and ensures the backing table
// exists.
func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("store: ping postgres: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS echo_secrets (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`); err != nil {
		return nil, fmt.Errorf("store: create table: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := p.db.QueryRowContext(ctx, `SELECT value FROM echo_secrets WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("store: get %q: %w", key, err)
	}
	return value, true, nil
}

// Put performs an atomic per-key upsert.
func (p *PostgresStore) Put(ctx context.Context, key, value string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO echo_secrets (key, value, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value = $2, updated_at = now()`, key, value)
	if err != nil {
		return fmt.Errorf("store: put %q: %w", key, err)
	}
	return nil
}

func (p *PostgresStore) Delete(ctx context.Context, key string) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM echo_secrets WHERE key = $1`, key); err != nil {
		return fmt.Errorf("store: delete %q: %w", key, err)
	}
	return nil
}

func (p *PostgresStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT key FROM echo_secrets WHERE key LIKE $1`, prefix+"%")
	if err != nil {
		return nil, fmt.Errorf("store: keys %q: %w", prefix, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}
