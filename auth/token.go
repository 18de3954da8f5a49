package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	// ErrInvalidToken is matched by every failure of Unprotect and
	// UnprotectTicket. Callers treat the request as anonymous.
	ErrInvalidToken = errors.New("auth: invalid token")

	ErrTokenMalformed = errors.New("auth: malformed token")
	ErrTokenSignature = errors.New("auth: invalid token signature")
	ErrTokenExpired   = errors.New("auth: token expired")
	ErrTokenIssuer    = errors.New("auth: invalid token issuer")
	ErrTokenAudience  = errors.New("auth: invalid token audience")

	ErrMissingSigningKey = errors.New("auth: missing signing key")
	ErrWeakSigningKey    = errors.New("auth: signing key too short")
	ErrInvalidTicket     = errors.New("auth: invalid ticket")
	ErrMissingIssuer     = errors.New("auth: token issuer is required")
	ErrMissingAudience   = errors.New("auth: token audience is required")
)

// MinSecretLength is the minimum secret length for HMAC-SHA256.
const MinSecretLength = 32

// InvalidTokenError reports why a token was rejected. It matches both
// ErrInvalidToken and its Cause under errors.Is.
type InvalidTokenError struct {
	Cause error
}

func (e *InvalidTokenError) Error() string {
	return ErrInvalidToken.Error() + ": " + strings.TrimPrefix(e.Cause.Error(), "auth: ")
}

func (e *InvalidTokenError) Unwrap() []error { return []error{ErrInvalidToken, e.Cause} }

func invalidToken(cause error) error { return &InvalidTokenError{Cause: cause} }

// TicketProperties carries the session policy stored alongside the claims.
type TicketProperties struct {
	IssuedAt     time.Time
	ExpiresAt    time.Time
	IsPersistent bool
	AllowRefresh bool
}

// Ticket is a full authenticated session: the principal's claims, the scheme
// that authenticated it, and its properties.
type Ticket struct {
	Scheme     string
	Claims     Claims
	Properties TicketProperties
}

// claimPair is the wire form of a single claim.
type claimPair struct {
	Type  string `json:"t"`
	Value string `json:"v"`
}

type tokenClaims struct {
	Claims       []claimPair `json:"claims,omitempty"`
	Scheme       string      `json:"scheme,omitempty"`
	Persistent   bool        `json:"persistent,omitempty"`
	AllowRefresh bool        `json:"refresh,omitempty"`
	jwt.RegisteredClaims
}

// TokenCodecConfig configures a TokenCodec.
type TokenCodecConfig struct {
	Secret   []byte
	Issuer   string
	Audience string
	Now      func() time.Time
}

// TokenCodec signs claim sets into HS256 JWTs and validates them back.
// Validation has no clock-skew tolerance.
type TokenCodec struct {
	secret   []byte
	issuer   string
	audience string
	now      func() time.Time
}

// NewTokenCodec validates the secret, issuer and audience and builds a codec.
// Every token it opens must carry exactly this issuer and audience.
func NewTokenCodec(cfg TokenCodecConfig) (*TokenCodec, error) {
	if len(cfg.Secret) == 0 {
		return nil, ErrMissingSigningKey
	}
	if len(cfg.Secret) < MinSecretLength {
		return nil, fmt.Errorf("%w: need at least %d bytes", ErrWeakSigningKey, MinSecretLength)
	}
	if strings.TrimSpace(cfg.Issuer) == "" {
		return nil, ErrMissingIssuer
	}
	if strings.TrimSpace(cfg.Audience) == "" {
		return nil, ErrMissingAudience
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &TokenCodec{
		secret:   append([]byte(nil), cfg.Secret...),
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		now:      now,
	}, nil
}

// SetNowFunc allows injecting a deterministic clock (useful for tests).
func (c *TokenCodec) SetNowFunc(fn func() time.Time) {
	if fn == nil {
		fn = time.Now
	}
	c.now = fn
}

// Protect signs a bare claim bag that expires ttl from now. A negative ttl
// produces an already expired token. PII claim types are never signed.
func (c *TokenCodec) Protect(claims Claims, ttl time.Duration) (string, error) {
	now := c.now()
	return c.sign(tokenClaims{Claims: pairsFromClaims(claims)}, now, now.Add(ttl))
}

// Unprotect validates raw and returns its claims. Every failure matches
// ErrInvalidToken.
func (c *TokenCodec) Unprotect(raw string) (Claims, error) {
	tc, err := c.open(raw)
	if err != nil {
		return Claims{}, err
	}
	return claimsFromPairs(tc.Claims), nil
}

// ProtectTicket signs a session ticket. ExpiresAt is required; a zero
// IssuedAt is set to now.
func (c *TokenCodec) ProtectTicket(t Ticket) (string, error) {
	if t.Scheme == "" {
		return "", fmt.Errorf("%w: scheme is required", ErrInvalidTicket)
	}
	if t.Properties.ExpiresAt.IsZero() {
		return "", fmt.Errorf("%w: expiry is required", ErrInvalidTicket)
	}
	issued := t.Properties.IssuedAt
	if issued.IsZero() {
		issued = c.now()
	}
	return c.sign(tokenClaims{
		Claims:       pairsFromClaims(t.Claims),
		Scheme:       t.Scheme,
		Persistent:   t.Properties.IsPersistent,
		AllowRefresh: t.Properties.AllowRefresh,
	}, issued, t.Properties.ExpiresAt)
}

// UnprotectTicket validates raw and rebuilds the ticket. Bare claim tokens
// are rejected.
func (c *TokenCodec) UnprotectTicket(raw string) (Ticket, error) {
	tc, err := c.open(raw)
	if err != nil {
		return Ticket{}, err
	}
	if tc.Scheme == "" {
		return Ticket{}, invalidToken(ErrTokenMalformed)
	}
	return Ticket{
		Scheme: tc.Scheme,
		Claims: claimsFromPairs(tc.Claims),
		Properties: TicketProperties{
			IssuedAt:     numericTime(tc.IssuedAt),
			ExpiresAt:    numericTime(tc.ExpiresAt),
			IsPersistent: tc.Persistent,
			AllowRefresh: tc.AllowRefresh,
		},
	}, nil
}

func (c *TokenCodec) sign(tc tokenClaims, issuedAt, expiresAt time.Time) (string, error) {
	tc.RegisteredClaims = jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Issuer:    c.issuer,
		Audience:  jwt.ClaimStrings{c.audience},
		IssuedAt:  jwt.NewNumericDate(issuedAt),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, tc).SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

func (c *TokenCodec) open(raw string) (*tokenClaims, error) {
	if raw == "" {
		return nil, invalidToken(ErrTokenMalformed)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithStrictDecoding(),
		jwt.WithLeeway(0),
		jwt.WithTimeFunc(c.now),
		jwt.WithIssuer(c.issuer),
		jwt.WithAudience(c.audience),
	}

	var tc tokenClaims
	_, err := jwt.ParseWithClaims(raw, &tc, func(*jwt.Token) (any, error) {
		return c.secret, nil
	}, opts...)
	if err != nil {
		return nil, invalidToken(classifyJWTError(err))
	}
	return &tc, nil
}

func classifyJWTError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrSignatureInvalid):
		return ErrTokenSignature
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrTokenExpired
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return ErrTokenIssuer
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return ErrTokenAudience
	default:
		return ErrTokenMalformed
	}
}

// pairsFromClaims is the only path into a signed token; PII claim types are
// dropped here.
func pairsFromClaims(c Claims) []claimPair {
	if c.Len() == 0 {
		return nil
	}
	out := make([]claimPair, 0, c.Len())
	for _, cl := range c.items {
		if isPIIClaimType(cl.Type) {
			continue
		}
		out = append(out, claimPair{Type: cl.Type, Value: cl.Value})
	}
	return out
}

func claimsFromPairs(pairs []claimPair) Claims {
	var c Claims
	for _, p := range pairs {
		c.Add(p.Type, p.Value)
	}
	return c
}

func numericTime(d *jwt.NumericDate) time.Time {
	if d == nil {
		return time.Time{}
	}
	return d.Time.UTC()
}
