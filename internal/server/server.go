// Package server wires the account endpoints onto an httpx.Server.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/adeilh/hotelauth/auth"
	"github.com/adeilh/hotelauth/httpx"
)

// Check is a named readiness probe run by GET /healthz.
type Check struct {
	Name string
	Fn   func(context.Context) error
}

// PIIInvalidator drops a user's cached PII. *pii.Cache satisfies it.
type PIIInvalidator interface {
	Invalidate(ctx context.Context, userID string) error
}

type Deps struct {
	Sessions      *auth.SessionManager
	Authenticator *auth.Authenticator
	Middleware    *auth.Middleware
	// PII is optional; when set, logging out evicts the user's entry.
	PII       PIIInvalidator
	LoginPath string
	Checks    []Check
	Logger    *slog.Logger
}

type handlers struct {
	deps   Deps
	logger *slog.Logger
}

// New builds the HTTP server. opts are passed through to httpx.NewServer.
func New(deps Deps, opts ...httpx.ServerOption) (*httpx.Server, error) {
	if deps.Sessions == nil || deps.Authenticator == nil || deps.Middleware == nil {
		return nil, errors.New("server: sessions, authenticator and middleware are required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	h := &handlers{deps: deps, logger: deps.Logger}

	srv := httpx.NewServer(append([]httpx.ServerOption{httpx.WithLogger(deps.Logger)}, opts...)...)
	srv.RegisterRoutes(h.register)
	return srv, nil
}

func (h *handlers) register(a *httpx.App) {
	a.GET("/healthz", h.health)

	a.Group("/account", httpx.SessionMiddleware(h.deps.Middleware)).
		POST("/login", h.login).
		POST("/logout", h.logout).
		GET("/me", h.me, httpx.RequireAuth(h.deps.LoginPath))
}

type loginRequest struct {
	Login    string `json:"login" form:"login"`
	Password string `json:"password" form:"password"`
}

type loginResponse struct {
	UserID    string `json:"userId"`
	ReturnURL string `json:"returnUrl,omitempty"`
}

func (h *handlers) login(c httpx.Context) error {
	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return httpx.HTTPError(httpx.StatusBadRequest, "invalid login request")
	}
	ctx := c.Request().Context()

	user, err := h.deps.Authenticator.Authenticate(ctx, req.Login, req.Password)
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		return httpx.HTTPError(httpx.StatusUnauthorized, "invalid login or password")
	case errors.Is(err, auth.ErrUserDisabled):
		return httpx.HTTPError(httpx.StatusForbidden, "account disabled")
	case err != nil:
		return err
	}

	if _, err := h.deps.Sessions.LogIn(c.Response(), user); err != nil {
		return err
	}
	return c.JSON(httpx.StatusOK, loginResponse{
		UserID:    user.UserID,
		ReturnURL: localPath(c.QueryParam("returnUrl")),
	})
}

func (h *handlers) logout(c httpx.Context) error {
	ctx := c.Request().Context()
	if id, err := h.deps.Sessions.CurrentUserID(ctx); err == nil && h.deps.PII != nil {
		if err := h.deps.PII.Invalidate(ctx, id); err != nil {
			h.logger.WarnContext(ctx, "pii cache eviction failed", "user_id", id, "error", err)
		}
	}
	h.deps.Sessions.LogOut(c.Response())
	return c.NoContent(httpx.StatusNoContent)
}

type sessionInfo struct {
	IssuedAt   time.Time `json:"issuedAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
	Persistent bool      `json:"persistent"`
}

type meResponse struct {
	auth.UserSnapshot
	Session sessionInfo `json:"session"`
}

func (h *handlers) me(c httpx.Context) error {
	ctx := c.Request().Context()
	user, ok := h.deps.Sessions.CurrentUser(ctx)
	if !ok {
		return httpx.HTTPError(httpx.StatusUnauthorized, auth.ErrNotAuthenticated.Error())
	}
	if user.UserID == "" {
		return auth.ErrCorruptIdentity
	}
	props := auth.PrincipalFromContext(ctx).Properties()
	return c.JSON(httpx.StatusOK, meResponse{
		UserSnapshot: user,
		Session: sessionInfo{
			IssuedAt:   props.IssuedAt,
			ExpiresAt:  props.ExpiresAt,
			Persistent: props.IsPersistent,
		},
	})
}

func (h *handlers) health(c httpx.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()

	status := map[string]string{}
	code := httpx.StatusOK
	for _, check := range h.deps.Checks {
		if err := check.Fn(ctx); err != nil {
			h.logger.WarnContext(ctx, "health check failed", "check", check.Name, "error", err)
			status[check.Name] = "down"
			code = httpx.StatusServiceUnavailable
			continue
		}
		status[check.Name] = "ok"
	}
	return c.JSON(code, map[string]any{"status": http.StatusText(code), "checks": status})
}

// localPath returns p only when it is a same-origin path.
func localPath(p string) string {
	if !strings.HasPrefix(p, "/") || strings.HasPrefix(p, "//") || strings.HasPrefix(p, "/\\") {
		return ""
	}
	return p
}
