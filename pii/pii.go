// Package pii resolves the personally identifiable display fields of a user
// through an encrypted, time-bounded cache in front of the user directory.
package pii

import (
	"context"
	"errors"
)

var (
	ErrInvalidUserID     = errors.New("pii: user id is required")
	ErrResolutionFailed  = errors.New("pii: resolution failed")
	ErrMissingEncryptKey = errors.New("pii: encryption key is required")
	ErrMissingDependency = errors.New("pii: store, directory and encrypter are required")
)

// Bundle holds the PII fields of a user. Any field may be empty.
type Bundle struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
	Phone     string `json:"phone"`
}

// IsEmpty reports whether every field is blank.
func (b Bundle) IsEmpty() bool {
	return b.FirstName == "" && b.LastName == "" && b.Email == "" && b.Phone == ""
}

// Directory is the persistent user store. GetPII returns found=false when the
// user does not exist; err is reserved for the store being unreachable.
type Directory interface {
	GetPII(ctx context.Context, userID string) (bundle Bundle, found bool, err error)
}

// DirectoryFunc adapts a function to Directory.
type DirectoryFunc func(ctx context.Context, userID string) (Bundle, bool, error)

func (f DirectoryFunc) GetPII(ctx context.Context, userID string) (Bundle, bool, error) {
	return f(ctx, userID)
}

// Encrypter is the symmetric cipher used for cached values. The key is
// supplied by the caller on every call.
type Encrypter interface {
	EncryptString(plaintext, key string) (string, error)
	DecryptString(ciphertext, key string) (string, error)
}
