package httpx

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// Validator runs before route handlers; return an error to stop the pipeline.
type Validator func(Context) error

type Server struct {
	app      *App
	address  string
	srv      *http.Server
	read     time.Duration
	write    time.Duration
	shutdown time.Duration
	logger   *slog.Logger
}

type RouteRegistrar func(*App)

func NewServer(opts ...ServerOption) *Server {
	cfg := defaultServerOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Middlewares == nil {
		cfg.Middlewares = []MiddlewareFunc{LoggerMiddleware(cfg.Logger), RecoverMiddleware()}
	}
	if cfg.ErrorHandler == nil {
		cfg.ErrorHandler = jsonErrorHandler(cfg.Logger)
	}

	app := New()
	app.e.HTTPErrorHandler = echo.HTTPErrorHandler(cfg.ErrorHandler)
	app.e.Server.ReadTimeout = cfg.ReadTimeout
	app.e.Server.WriteTimeout = cfg.WriteTimeout
	for _, mw := range cfg.Middlewares {
		app.Use(mw)
	}
	if cfg.CORS != nil {
		app.Use(CORSMiddleware(cfg.CORS))
	}
	if len(cfg.Validators) > 0 {
		app.Use(validatorMiddleware(cfg.Validators...))
	}

	return &Server{
		app:      app,
		address:  cfg.Address,
		read:     cfg.ReadTimeout,
		write:    cfg.WriteTimeout,
		shutdown: cfg.ShutdownTimeout,
		logger:   cfg.Logger,
	}
}

func (s *Server) RegisterRoutes(reg RouteRegistrar) {
	if reg != nil {
		reg(s.app)
	}
}

// App returns the route table, mostly for tests that want to add routes.
func (s *Server) App() *App { return s.app }

func (s *Server) Handler() http.Handler {
	return s.app.Handler()
}

// Start serves until ctx is cancelled, then drains in-flight requests for at
// most the configured shutdown timeout.
func (s *Server) Start(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:         s.address,
		Handler:      s.app.Handler(),
		ReadTimeout:  s.read,
		WriteTimeout: s.write,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("http server listening", slog.String("addr", s.address))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdown)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("http server shutdown", slog.String("error", err.Error()))
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func jsonErrorHandler(logger *slog.Logger) HTTPErrorHandler {
	return func(err error, c echo.Context) {
		code := StatusInternalError
		msg := http.StatusText(code)
		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
			switch m := he.Message.(type) {
			case string:
				msg = m
			case error:
				msg = m.Error()
			case nil:
				msg = http.StatusText(code)
			}
		}
		if c.Response().Committed {
			return
		}
		if code >= StatusInternalError {
			logger.ErrorContext(c.Request().Context(), "request failed",
				slog.String("path", c.Request().URL.Path),
				slog.String("error", err.Error()),
			)
		}
		if c.Request().Method == http.MethodHead {
			_ = c.NoContent(code)
			return
		}
		_ = c.JSON(code, map[string]any{"error": msg})
	}
}

func validatorMiddleware(v ...Validator) MiddlewareFunc {
	copied := append([]Validator(nil), v...)
	return func(next HandlerFunc) HandlerFunc {
		return func(c Context) error {
			for _, validator := range copied {
				if validator == nil {
					continue
				}
				if err := validator(c); err != nil {
					return err
				}
			}
			return next(c)
		}
	}
}
