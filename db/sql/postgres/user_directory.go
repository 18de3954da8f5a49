package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/adeilh/hotelauth/auth"
	"github.com/adeilh/hotelauth/pii"
)

var ErrLoginInUse = errors.New("postgres: login already in use")

// NewUser is the row written by CreateUser.
type NewUser struct {
	ID           string
	Login        string
	PasswordHash string
	PII          pii.Bundle
	Roles        []string
	IsVerified   bool
	Enabled      bool
}

// UserDirectory reads users from the tables created by Schema. It serves as
// both the PII directory and the login credential store.
type UserDirectory struct {
	db *sql.DB
}

// NewUserDirectory wraps an existing *sql.DB connection.
func NewUserDirectory(db *sql.DB) *UserDirectory {
	return &UserDirectory{db: db}
}

// GetPII returns found=false for an unknown user id.
func (d *UserDirectory) GetPII(ctx context.Context, userID string) (pii.Bundle, bool, error) {
	const query = `SELECT first_name, last_name, email, phone FROM users WHERE id = $1`
	var b pii.Bundle
	err := d.db.QueryRowContext(ctx, query, userID).Scan(&b.FirstName, &b.LastName, &b.Email, &b.Phone)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return pii.Bundle{}, false, nil
		}
		return pii.Bundle{}, false, fmt.Errorf("postgres: get pii: %w", translateUserError(err))
	}
	return b, true, nil
}

// FindCredentials looks a user up by login, case-insensitively.
func (d *UserDirectory) FindCredentials(ctx context.Context, login string) (auth.Credentials, error) {
	const query = `SELECT u.id, u.login, u.password_hash, u.is_verified, u.enabled,
       COALESCE(array_agg(r.role ORDER BY r.role) FILTER (WHERE r.role IS NOT NULL), '{}')
  FROM users u
  LEFT JOIN user_roles r ON r.user_id = u.id
 WHERE u.login = $1
 GROUP BY u.id`
	var (
		c     auth.Credentials
		roles []string
	)
	err := d.db.QueryRowContext(ctx, query, strings.TrimSpace(login)).Scan(
		&c.UserID,
		&c.Login,
		&c.PasswordHash,
		&c.IsVerified,
		&c.Enabled,
		pq.Array(&roles),
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return auth.Credentials{}, auth.ErrUserNotFound
		}
		return auth.Credentials{}, fmt.Errorf("postgres: find credentials: %w", translateUserError(err))
	}
	c.Roles = roles
	return c, nil
}

// CreateUser inserts a user and its roles in one transaction.
func (d *UserDirectory) CreateUser(ctx context.Context, u NewUser) error {
	if u.ID == "" || strings.TrimSpace(u.Login) == "" || u.PasswordHash == "" {
		return auth.ErrUserInvalidInput
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const insertUser = `INSERT INTO users (id, login, password_hash, first_name, last_name, email, phone, is_verified, enabled)
                        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	if _, err := tx.ExecContext(ctx, insertUser,
		u.ID, strings.TrimSpace(u.Login), u.PasswordHash,
		u.PII.FirstName, u.PII.LastName, u.PII.Email, u.PII.Phone,
		u.IsVerified, u.Enabled,
	); err != nil {
		return translateUserError(err)
	}

	const insertRoles = `INSERT INTO user_roles (user_id, role) SELECT $1, unnest($2::text[]) ON CONFLICT DO NOTHING`
	if len(u.Roles) > 0 {
		if _, err := tx.ExecContext(ctx, insertRoles, u.ID, pq.Array(u.Roles)); err != nil {
			return translateUserError(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	return nil
}

func translateUserError(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505":
			return ErrLoginInUse
		}
	}
	return err
}
