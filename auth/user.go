package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

var (
	ErrUserNotFound       = errors.New("auth: user not found")
	ErrUserInvalidInput   = errors.New("auth: invalid user input")
	ErrUserDisabled       = errors.New("auth: user disabled")
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
)

// UserAuthData is the non-personal identity signed into the session cookie.
type UserAuthData struct {
	UserID     string
	Roles      []string
	IsVerified bool
}

// UserSnapshot is the current user as seen through the request's claims.
// PII fields are empty until the enricher has run.
type UserSnapshot struct {
	UserID     string   `json:"userId"`
	FirstName  string   `json:"firstName,omitempty"`
	LastName   string   `json:"lastName,omitempty"`
	Email      string   `json:"email,omitempty"`
	Phone      string   `json:"phone,omitempty"`
	Roles      []string `json:"roles"`
	IsVerified bool     `json:"isVerified"`
}

// Credentials is what a CredentialStore returns for a login name.
type Credentials struct {
	UserID       string
	Login        string
	PasswordHash string
	Roles        []string
	IsVerified   bool
	Enabled      bool
}

// CredentialStore looks up credentials by login. Unknown logins return
// ErrUserNotFound.
type CredentialStore interface {
	FindCredentials(ctx context.Context, login string) (Credentials, error)
}

// Authenticator verifies a login/password pair and produces the identity to
// pass to SessionManager.LogIn.
type Authenticator struct {
	store  CredentialStore
	hasher *BcryptHasher
	logger *slog.Logger

	dummyOnce sync.Once
	dummyHash string
}

func NewAuthenticator(store CredentialStore, hasher *BcryptHasher, logger *slog.Logger) (*Authenticator, error) {
	if store == nil || hasher == nil {
		return nil, fmt.Errorf("%w: credential store and hasher are required", ErrUserInvalidInput)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{store: store, hasher: hasher, logger: logger.With("component", "authenticator")}, nil
}

// Authenticate returns ErrInvalidCredentials for an unknown login or a wrong
// password, and ErrUserDisabled for a disabled account with a correct one.
func (a *Authenticator) Authenticate(ctx context.Context, login, password string) (UserAuthData, error) {
	login = strings.TrimSpace(login)
	if login == "" || password == "" {
		return UserAuthData{}, ErrInvalidCredentials
	}

	creds, err := a.store.FindCredentials(ctx, login)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			// Spend the same bcrypt work as a real comparison.
			_ = a.hasher.Compare(ctx, []byte(password), a.dummy())
			return UserAuthData{}, ErrInvalidCredentials
		}
		return UserAuthData{}, fmt.Errorf("auth: credential lookup: %w", err)
	}

	if err := a.hasher.Compare(ctx, []byte(password), creds.PasswordHash); err != nil {
		if errors.Is(err, ErrPasswordMismatch) {
			return UserAuthData{}, ErrInvalidCredentials
		}
		a.logger.ErrorContext(ctx, "stored password hash unusable", "user_id", creds.UserID, "error", err)
		return UserAuthData{}, ErrInvalidCredentials
	}
	if !creds.Enabled {
		return UserAuthData{}, ErrUserDisabled
	}

	return UserAuthData{
		UserID:     creds.UserID,
		Roles:      append([]string(nil), creds.Roles...),
		IsVerified: creds.IsVerified,
	}, nil
}

func (a *Authenticator) dummy() string {
	a.dummyOnce.Do(func() {
		h := *a.hasher
		h.validation = PasswordValidationOptions{MinLength: 1}
		a.dummyHash, _ = h.Hash(context.Background(), []byte("no such user"))
	})
	return a.dummyHash
}
