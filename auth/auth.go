// Package auth turns a verified login into a signed session cookie, opens
// that cookie on every request into a Principal, and enriches the principal
// with display fields resolved through the encrypted PII cache.
//
// Personal data never enters the cookie: the token carries the user id, the
// roles and the verified flag only.
package auth

import (
	"context"
	"errors"
)

var (
	// ErrNotAuthenticated is returned when an identity is required but the
	// request is anonymous. Callers check IsLoggedIn first.
	ErrNotAuthenticated = errors.New("auth: not authenticated")
	// ErrCorruptIdentity means an authenticated principal lacks its user id
	// claim.
	ErrCorruptIdentity = errors.New("auth: authenticated identity has no user id")
)

// contextError returns ctx.Err() for a non-nil context.
func contextError(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	return ctx.Err()
}
