package httpx

import (
	"github.com/adeilh/hotelauth/auth"
)

// SessionMiddleware resolves the request principal once per request and
// stores it on the request context. Handlers read it back with
// auth.PrincipalFromContext.
func SessionMiddleware(mw *auth.Middleware) MiddlewareFunc {
	if mw == nil {
		return func(next HandlerFunc) HandlerFunc {
			return func(c Context) error {
				return HTTPError(StatusInternalError, "session middleware missing")
			}
		}
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(c Context) error {
			r := c.Request()
			if mw.Skip(r) {
				return next(c)
			}
			p := mw.Resolve(r)
			c.SetRequest(r.WithContext(auth.WithPrincipal(r.Context(), p)))
			return next(c)
		}
	}
}

// RequireAuth rejects anonymous requests. Page navigations are redirected to
// loginPath when it is set; everything else gets a 401.
func RequireAuth(loginPath string) MiddlewareFunc {
	return func(next HandlerFunc) HandlerFunc {
		return func(c Context) error {
			r := c.Request()
			if auth.PrincipalFromContext(r.Context()).IsAuthenticated() {
				return next(c)
			}
			if target := auth.LoginRedirect(loginPath, r); target != "" {
				return c.Redirect(StatusFound, target)
			}
			return HTTPError(StatusUnauthorized, auth.ErrNotAuthenticated.Error())
		}
	}
}
