package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultScheme          = "Cookies"
	DefaultCookieName      = "hotel_session"
	DefaultSessionLifetime = 60 * 24 * time.Hour
)

// SessionOptions configures a SessionManager.
type SessionOptions struct {
	Scheme       string
	CookieName   string
	CookiePath   string
	CookieDomain string
	Secure       bool
	SameSite     http.SameSite
	// Lifetime is the absolute session lifetime, measured from login.
	Lifetime time.Duration
	Now      func() time.Time
	Logger   *slog.Logger
}

func (o SessionOptions) withDefaults() SessionOptions {
	if o.Scheme == "" {
		o.Scheme = DefaultScheme
	}
	if o.CookieName == "" {
		o.CookieName = DefaultCookieName
	}
	if o.CookiePath == "" {
		o.CookiePath = "/"
	}
	if o.SameSite == 0 {
		o.SameSite = http.SameSiteLaxMode
	}
	if o.Lifetime <= 0 {
		o.Lifetime = DefaultSessionLifetime
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// SessionManager issues and clears the session cookie and reads the current
// identity back out of the request context.
type SessionManager struct {
	codec  *TokenCodec
	opts   SessionOptions
	logger *slog.Logger
}

func NewSessionManager(codec *TokenCodec, opts SessionOptions) (*SessionManager, error) {
	if codec == nil {
		return nil, errors.New("auth: session manager requires a token codec")
	}
	cfg := opts.withDefaults()
	return &SessionManager{
		codec:  codec,
		opts:   cfg,
		logger: cfg.Logger.With("component", "session"),
	}, nil
}

func (m *SessionManager) CookieName() string { return m.opts.CookieName }

func (m *SessionManager) Scheme() string { return m.opts.Scheme }

// LogIn signs a persistent, refreshable session ticket for user and sets it
// as the session cookie. Extra claims replace base claims of the same type.
// PII claim types are never signed.
func (m *SessionManager) LogIn(w http.ResponseWriter, user UserAuthData, extra ...Claim) (Ticket, error) {
	if strings.TrimSpace(user.UserID) == "" {
		return Ticket{}, fmt.Errorf("%w: user id is required", ErrUserInvalidInput)
	}

	claims := identityClaims(user)
	claims.Merge(extra...)
	if hasPII(claims) {
		m.logger.Warn("dropping personal data claims from session ticket", "user_id", user.UserID)
		claims = claims.withoutPII()
	}

	now := m.opts.Now()
	ticket := Ticket{
		Scheme: m.opts.Scheme,
		Claims: claims,
		Properties: TicketProperties{
			IssuedAt:     now,
			ExpiresAt:    now.Add(m.opts.Lifetime),
			IsPersistent: true,
			AllowRefresh: true,
		},
	}
	raw, err := m.codec.ProtectTicket(ticket)
	if err != nil {
		return Ticket{}, err
	}

	http.SetCookie(w, &http.Cookie{
		Name:     m.opts.CookieName,
		Value:    raw,
		Path:     m.opts.CookiePath,
		Domain:   m.opts.CookieDomain,
		Expires:  ticket.Properties.ExpiresAt,
		MaxAge:   int(m.opts.Lifetime / time.Second),
		Secure:   m.opts.Secure,
		HttpOnly: true,
		SameSite: m.opts.SameSite,
	})
	m.logger.Info("session issued", "user_id", user.UserID, "expires_at", ticket.Properties.ExpiresAt)
	return ticket, nil
}

// LogOut clears the session cookie.
func (m *SessionManager) LogOut(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     m.opts.CookieName,
		Value:    "",
		Path:     m.opts.CookiePath,
		Domain:   m.opts.CookieDomain,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
		Secure:   m.opts.Secure,
		HttpOnly: true,
		SameSite: m.opts.SameSite,
	})
}

// Open validates a raw session token into an authenticated principal.
// Tickets issued for another scheme are rejected.
func (m *SessionManager) Open(raw string) (*Principal, error) {
	ticket, err := m.codec.UnprotectTicket(raw)
	if err != nil {
		return nil, err
	}
	if ticket.Scheme != m.opts.Scheme {
		return nil, invalidToken(ErrTokenMalformed)
	}
	return principalFromTicket(ticket), nil
}

// Authenticate opens the session cookie carried by r.
func (m *SessionManager) Authenticate(r *http.Request) (*Principal, error) {
	raw, err := CookieTokenExtractor(m.opts.CookieName)(r)
	if err != nil {
		return nil, err
	}
	return m.Open(raw)
}

// IsLoggedIn reports whether ctx carries an authenticated principal.
func (m *SessionManager) IsLoggedIn(ctx context.Context) bool {
	return PrincipalFromContext(ctx).IsAuthenticated()
}

// CurrentUserID returns the user id of the authenticated principal in ctx.
func (m *SessionManager) CurrentUserID(ctx context.Context) (string, error) {
	p := PrincipalFromContext(ctx)
	if !p.IsAuthenticated() {
		return "", ErrNotAuthenticated
	}
	id, ok := p.FindFirst(ClaimUserID)
	if !ok || id == "" {
		m.logger.ErrorContext(ctx, "authenticated principal is missing its user id claim", "scheme", p.Scheme())
		return "", ErrCorruptIdentity
	}
	return id, nil
}

// CurrentUser builds a snapshot from whatever claims the principal carries.
// Fields whose claims are absent stay empty.
func (m *SessionManager) CurrentUser(ctx context.Context) (UserSnapshot, bool) {
	p := PrincipalFromContext(ctx)
	if !p.IsAuthenticated() {
		return UserSnapshot{}, false
	}
	return snapshotFromClaims(p.Claims()), true
}

func identityClaims(user UserAuthData) Claims {
	var claims Claims
	claims.Add(ClaimIsVerified, strconv.FormatBool(user.IsVerified))
	claims.Add(ClaimUserID, user.UserID)
	seen := make(map[string]struct{}, len(user.Roles))
	for _, role := range user.Roles {
		if role == "" {
			continue
		}
		if _, dup := seen[role]; dup {
			continue
		}
		seen[role] = struct{}{}
		claims.Add(ClaimRole, role)
	}
	return claims
}

func snapshotFromClaims(c Claims) UserSnapshot {
	first := func(t string) string {
		v, _ := c.First(t)
		return v
	}
	verified, _ := strconv.ParseBool(first(ClaimIsVerified))
	return UserSnapshot{
		UserID:     first(ClaimUserID),
		FirstName:  first(ClaimGivenName),
		LastName:   first(ClaimSurname),
		Email:      first(ClaimEmail),
		Phone:      first(ClaimPhone),
		Roles:      c.Values(ClaimRole),
		IsVerified: verified,
	}
}
