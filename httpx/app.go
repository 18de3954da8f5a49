package httpx

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// Context represents the context of the current HTTP request.
type Context = echo.Context

// HandlerFunc defines a function to handle HTTP requests.
type HandlerFunc = echo.HandlerFunc

// MiddlewareFunc defines a function to process middleware.
type MiddlewareFunc = echo.MiddlewareFunc

// App is the route table served by a Server.
type App struct{ e *echo.Echo }

// New creates a new App instance.
func New() *App {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	return &App{e}
}

// Use attaches middleware to the App instance.
func (a *App) Use(mw ...MiddlewareFunc) { a.e.Use(mw...) }

// Handler exposes the App as a plain http.Handler.
func (a *App) Handler() http.Handler { return a.e }

func (a *App) GET(path string, h HandlerFunc, mw ...MiddlewareFunc) {
	a.e.GET(path, h, mw...)
}

func (a *App) POST(path string, h HandlerFunc, mw ...MiddlewareFunc) {
	a.e.POST(path, h, mw...)
}

func (a *App) PUT(path string, h HandlerFunc, mw ...MiddlewareFunc) {
	a.e.PUT(path, h, mw...)
}

func (a *App) DELETE(path string, h HandlerFunc, mw ...MiddlewareFunc) {
	a.e.DELETE(path, h, mw...)
}

// Route represents a single HTTP route definition.
type Route struct {
	Method     string
	Path       string
	Handler    HandlerFunc
	Middleware []MiddlewareFunc
}

// Router registers routes under a shared prefix and middleware stack.
type Router struct{ g *echo.Group }

// Group creates a route group with an optional prefix and middleware stack.
func (a *App) Group(prefix string, mw ...MiddlewareFunc) *Router {
	return &Router{g: a.e.Group(prefix, mw...)}
}

// Add registers routes on the group. Incomplete routes are ignored.
func (r *Router) Add(routes ...Route) *Router {
	for _, rt := range routes {
		if rt.Handler == nil || rt.Path == "" || rt.Method == "" {
			continue
		}
		r.g.Add(strings.ToUpper(rt.Method), rt.Path, rt.Handler, rt.Middleware...)
	}
	return r
}

func (r *Router) GET(path string, h HandlerFunc, mw ...MiddlewareFunc) *Router {
	return r.Add(Route{Method: http.MethodGet, Path: path, Handler: h, Middleware: mw})
}

func (r *Router) POST(path string, h HandlerFunc, mw ...MiddlewareFunc) *Router {
	return r.Add(Route{Method: http.MethodPost, Path: path, Handler: h, Middleware: mw})
}

// RegisterRoutes applies a list of Route definitions at the root of a.
func RegisterRoutes(a *App, routes ...Route) {
	if a == nil || a.e == nil {
		return
	}
	(&Router{g: a.e.Group("")}).Add(routes...)
}

// HTTPError constructs an HTTP error for returning from handlers.
func HTTPError(code int, message any) error { return echo.NewHTTPError(code, message) }

// RecoverMiddleware returns a middleware that recovers from panics.
func RecoverMiddleware() MiddlewareFunc { return middleware.Recover() }

// LoggerMiddleware writes one structured access log line per request.
func LoggerMiddleware(logger *slog.Logger) MiddlewareFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			level := slog.LevelInfo
			if v.Status >= http.StatusInternalServerError {
				level = slog.LevelError
			}
			attrs := []slog.Attr{
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				attrs = append(attrs, slog.String("error", v.Error.Error()))
			}
			logger.LogAttrs(c.Request().Context(), level, "http request", attrs...)
			return nil
		},
	})
}

// CORSMiddleware builds a CORS middleware from the provided config; nil uses defaults.
func CORSMiddleware(cfg *middleware.CORSConfig) MiddlewareFunc {
	if cfg == nil {
		return middleware.CORSWithConfig(middleware.DefaultCORSConfig)
	}
	return middleware.CORSWithConfig(*cfg)
}

// DefaultCORSConfig provides the default CORS configuration.
var DefaultCORSConfig = middleware.DefaultCORSConfig
