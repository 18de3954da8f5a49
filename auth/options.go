package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
)

var (
	ErrTokenNotFound     = errors.New("auth: token not found")
	ErrTokenInvalidInput = errors.New("auth: invalid token source")
)

type TokenExtractor func(*http.Request) (string, error)

type MiddlewareSkipper func(*http.Request) bool

type MiddlewareOption func(*middlewareConfig)

type middlewareConfig struct {
	sessions  *SessionManager
	enricher  *ClaimsEnricher
	extractor TokenExtractor
	skipper   MiddlewareSkipper
	logger    *slog.Logger
}

func newMiddlewareConfig(sessions *SessionManager, opts ...MiddlewareOption) (middlewareConfig, error) {
	if sessions == nil {
		return middlewareConfig{}, errors.New("auth: middleware requires a session manager")
	}
	cfg := middlewareConfig{
		sessions:  sessions,
		extractor: CookieTokenExtractor(sessions.CookieName()),
		skipper:   defaultSkipper,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.extractor == nil {
		cfg.extractor = CookieTokenExtractor(sessions.CookieName())
	}
	if cfg.skipper == nil {
		cfg.skipper = defaultSkipper
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	return cfg, nil
}

// WithEnricher runs e on every authenticated request.
func WithEnricher(e *ClaimsEnricher) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		cfg.enricher = e
	}
}

func WithTokenExtractor(extractor TokenExtractor) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		if extractor != nil {
			cfg.extractor = extractor
		}
	}
}

func WithSkipper(skipper MiddlewareSkipper) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		if skipper != nil {
			cfg.skipper = skipper
		}
	}
}

func WithLogger(logger *slog.Logger) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

func BearerTokenExtractor() TokenExtractor {
	return func(r *http.Request) (string, error) {
		header := r.Header.Get("Authorization")
		if header == "" {
			return "", ErrTokenNotFound
		}
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			return "", ErrTokenInvalidInput
		}
		token := strings.TrimSpace(parts[1])
		if token == "" {
			return "", ErrTokenInvalidInput
		}
		return token, nil
	}
}

func CookieTokenExtractor(name string) TokenExtractor {
	name = strings.TrimSpace(name)
	return func(r *http.Request) (string, error) {
		if name == "" {
			return "", ErrTokenInvalidInput
		}
		cookie, err := r.Cookie(name)
		if err != nil {
			if errors.Is(err, http.ErrNoCookie) {
				return "", ErrTokenNotFound
			}
			return "", err
		}
		value := strings.TrimSpace(cookie.Value)
		if value == "" {
			return "", ErrTokenInvalidInput
		}
		return value, nil
	}
}

func ChainExtractors(extractors ...TokenExtractor) TokenExtractor {
	copied := append([]TokenExtractor(nil), extractors...)
	return func(r *http.Request) (string, error) {
		var lastErr error = ErrTokenNotFound
		for _, extractor := range copied {
			if extractor == nil {
				continue
			}
			token, err := extractor(r)
			if err == nil {
				return token, nil
			}
			lastErr = err
		}
		return "", lastErr
	}
}

func defaultSkipper(*http.Request) bool { return false }
