package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"
)

// Middleware opens the session token on every request and stores the
// resulting principal in the request context. It never rejects a request:
// a missing or invalid token yields an anonymous principal.
type Middleware struct {
	sessions  *SessionManager
	enricher  *ClaimsEnricher
	extractor TokenExtractor
	skipper   MiddlewareSkipper
	logger    *slog.Logger
}

func NewMiddleware(sessions *SessionManager, opts ...MiddlewareOption) (*Middleware, error) {
	cfg, err := newMiddlewareConfig(sessions, opts...)
	if err != nil {
		return nil, err
	}
	return &Middleware{
		sessions:  cfg.sessions,
		enricher:  cfg.enricher,
		extractor: cfg.extractor,
		skipper:   cfg.skipper,
		logger:    cfg.logger.With("component", "auth_middleware"),
	}, nil
}

func (m *Middleware) Handler(next http.Handler) http.Handler {
	if m == nil {
		panic("auth: middleware is nil")
	}
	if next == nil {
		next = http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Skip(r) {
			next.ServeHTTP(w, r)
			return
		}
		p := m.Resolve(r)
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

// Skip reports whether the configured skipper exempts r.
func (m *Middleware) Skip(r *http.Request) bool { return m.skipper(r) }

// Resolve returns the principal for r, enriched when an enricher is set.
func (m *Middleware) Resolve(r *http.Request) *Principal {
	ctx := r.Context()
	raw, err := m.extractor(r)
	if err != nil {
		if !errors.Is(err, ErrTokenNotFound) {
			m.logger.DebugContext(ctx, "session token unreadable", "error", err)
		}
		return Anonymous()
	}

	p, err := m.sessions.Open(raw)
	if err != nil {
		m.logger.DebugContext(ctx, "session token rejected", "error", err)
		return Anonymous()
	}
	if m.enricher != nil {
		m.enricher.Enrich(ctx, p)
	}
	return p
}

// RequireAuthenticated rejects anonymous requests. GET and HEAD requests are
// redirected to loginPath when it is set; everything else gets a 401.
func RequireAuthenticated(loginPath string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if PrincipalFromContext(r.Context()).IsAuthenticated() {
				next.ServeHTTP(w, r)
				return
			}
			if target := LoginRedirect(loginPath, r); target != "" {
				http.Redirect(w, r, target, http.StatusFound)
				return
			}
			http.Error(w, ErrNotAuthenticated.Error(), http.StatusUnauthorized)
		})
	}
}

// LoginRedirect returns the login URL for an anonymous r, or "" when the
// request should be answered with 401 instead.
func LoginRedirect(loginPath string, r *http.Request) string {
	if loginPath == "" || (r.Method != http.MethodGet && r.Method != http.MethodHead) {
		return ""
	}
	q := url.Values{}
	q.Set("returnUrl", r.URL.RequestURI())
	return loginPath + "?" + q.Encode()
}
