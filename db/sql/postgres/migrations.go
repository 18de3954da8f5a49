package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

// Schema creates the tables UserDirectory reads from. Statements are
// idempotent.
var Schema = []string{
	`CREATE EXTENSION IF NOT EXISTS citext`,
	`CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    login CITEXT UNIQUE NOT NULL,
    password_hash TEXT NOT NULL,
    first_name TEXT NOT NULL DEFAULT '',
    last_name TEXT NOT NULL DEFAULT '',
    email TEXT NOT NULL DEFAULT '',
    phone TEXT NOT NULL DEFAULT '',
    is_verified BOOLEAN NOT NULL DEFAULT FALSE,
    enabled BOOLEAN NOT NULL DEFAULT TRUE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
	`CREATE TABLE IF NOT EXISTS user_roles (
    user_id TEXT NOT NULL REFERENCES users (id) ON DELETE CASCADE,
    role TEXT NOT NULL,
    PRIMARY KEY (user_id, role)
)`,
}

// ApplyMigrations executes the provided SQL statements in order within the given context.
func ApplyMigrations(ctx context.Context, db *sql.DB, statements ...string) error {
	if db == nil {
		return fmt.Errorf("postgres: db is nil")
	}
	for _, stmt := range statements {
		if stmt == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: migrate: %w", err)
		}
	}
	return nil
}
