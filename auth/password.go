package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrPasswordTooShort    = errors.New("auth: password too short")
	ErrPasswordTooLong     = errors.New("auth: password too long")
	ErrPasswordNoUppercase = errors.New("auth: password must contain uppercase letter")
	ErrPasswordNoLowercase = errors.New("auth: password must contain lowercase letter")
	ErrPasswordNoDigit     = errors.New("auth: password must contain digit")
	ErrPasswordCommon      = errors.New("auth: password is too common")
	ErrPasswordMismatch    = errors.New("auth: password does not match")
	ErrPasswordInvalidHash = errors.New("auth: invalid password hash")
)

const (
	DefaultBcryptCost = 12
	MinPasswordLength = 8
	// MaxPasswordLength stays under bcrypt's 72 byte input limit once a
	// pepper is appended.
	MaxPasswordLength = 64
)

// PasswordValidationOptions configures password strength requirements.
type PasswordValidationOptions struct {
	MinLength        int
	MaxLength        int
	RequireUppercase bool
	RequireLowercase bool
	RequireDigit     bool
	CheckCommon      bool
}

func DefaultPasswordValidation() PasswordValidationOptions {
	return PasswordValidationOptions{
		MinLength:        MinPasswordLength,
		MaxLength:        MaxPasswordLength,
		RequireUppercase: true,
		RequireLowercase: true,
		RequireDigit:     true,
		CheckCommon:      true,
	}
}

// ValidatePasswordStrength checks password against validation rules.
func ValidatePasswordStrength(password []byte, opts PasswordValidationOptions) error {
	s := string(password)
	length := len([]rune(s))

	minLen := opts.MinLength
	if minLen <= 0 {
		minLen = MinPasswordLength
	}
	maxLen := opts.MaxLength
	if maxLen <= 0 {
		maxLen = MaxPasswordLength
	}
	if length < minLen {
		return ErrPasswordTooShort
	}
	if length > maxLen {
		return ErrPasswordTooLong
	}

	var hasUpper, hasLower, hasDigit bool
	for _, r := range s {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		}
	}
	if opts.RequireUppercase && !hasUpper {
		return ErrPasswordNoUppercase
	}
	if opts.RequireLowercase && !hasLower {
		return ErrPasswordNoLowercase
	}
	if opts.RequireDigit && !hasDigit {
		return ErrPasswordNoDigit
	}
	if opts.CheckCommon && isCommonPassword(s) {
		return ErrPasswordCommon
	}
	return nil
}

// BcryptHasher hashes and verifies staff passwords. Hashes are the standard
// bcrypt string encoding, so they can be stored in a text column.
type BcryptHasher struct {
	cost       int
	pepper     []byte
	validation PasswordValidationOptions
}

type BcryptHasherOption func(*BcryptHasher)

func WithBcryptCost(cost int) BcryptHasherOption {
	return func(h *BcryptHasher) {
		if cost >= bcrypt.MinCost && cost <= bcrypt.MaxCost {
			h.cost = cost
		}
	}
}

// WithBcryptPepper sets a server-side secret that is appended to passwords.
func WithBcryptPepper(pepper []byte) BcryptHasherOption {
	return func(h *BcryptHasher) {
		h.pepper = append([]byte(nil), pepper...)
	}
}

func WithBcryptValidation(opts PasswordValidationOptions) BcryptHasherOption {
	return func(h *BcryptHasher) {
		h.validation = opts
	}
}

func NewBcryptHasher(opts ...BcryptHasherOption) *BcryptHasher {
	h := &BcryptHasher{
		cost:       DefaultBcryptCost,
		validation: DefaultPasswordValidation(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Hash validates plain and returns its bcrypt encoding.
func (h *BcryptHasher) Hash(ctx context.Context, plain []byte) (string, error) {
	if err := contextError(ctx); err != nil {
		return "", err
	}
	if err := ValidatePasswordStrength(plain, h.validation); err != nil {
		return "", err
	}

	combined := h.combineWithPepper(plain)
	defer clearBytes(combined)

	hashed, err := bcrypt.GenerateFromPassword(combined, h.cost)
	if err != nil {
		return "", fmt.Errorf("auth: bcrypt hash failed: %w", err)
	}
	return string(hashed), nil
}

// Compare returns nil when plain matches hash and ErrPasswordMismatch when it
// does not.
func (h *BcryptHasher) Compare(ctx context.Context, plain []byte, hash string) error {
	if err := contextError(ctx); err != nil {
		return err
	}
	if hash == "" {
		return ErrPasswordInvalidHash
	}

	combined := h.combineWithPepper(plain)
	defer clearBytes(combined)

	if err := bcrypt.CompareHashAndPassword([]byte(hash), combined); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return ErrPasswordMismatch
		}
		return fmt.Errorf("%w: %w", ErrPasswordInvalidHash, err)
	}
	return nil
}

// NeedsRehash reports whether hash was produced with a lower cost than the
// hasher's current one.
func (h *BcryptHasher) NeedsRehash(hash string) bool {
	cost, err := bcrypt.Cost([]byte(hash))
	if err != nil {
		return true
	}
	return cost < h.cost
}

func (h *BcryptHasher) combineWithPepper(plain []byte) []byte {
	if len(h.pepper) == 0 {
		return append([]byte(nil), plain...)
	}
	combined := make([]byte, len(plain)+len(h.pepper))
	copy(combined, plain)
	copy(combined[len(plain):], h.pepper)
	return combined
}

func clearBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

var commonPasswords = map[string]struct{}{
	"password":   {},
	"password1":  {},
	"password12": {},
	"qwerty123":  {},
	"qwer1234":   {},
	"abcd1234":   {},
	"1234abcd":   {},
	"letmein1":   {},
	"welcome1":   {},
	"hotel123":   {},
	"reception1": {},
	"12345678":   {},
	"123456789":  {},
}

func isCommonPassword(password string) bool {
	if _, ok := commonPasswords[strings.ToLower(password)]; ok {
		return true
	}
	return isSequentialPattern(password) || isRepeatingPattern(password)
}

// isSequentialPattern matches runs like "12345678" or "hgfedcba".
func isSequentialPattern(s string) bool {
	runes := []rune(s)
	if len(runes) < 4 {
		return false
	}
	ascending, descending := true, true
	for i := 1; i < len(runes); i++ {
		diff := int(runes[i]) - int(runes[i-1])
		if diff != 1 {
			ascending = false
		}
		if diff != -1 {
			descending = false
		}
	}
	return ascending || descending
}

func isRepeatingPattern(s string) bool {
	if len(s) < 4 {
		return false
	}
	for i := 1; i < len(s); i++ {
		if s[i] != s[0] {
			return false
		}
	}
	return true
}
