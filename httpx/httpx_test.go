package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"
)

func TestServerAndClientRoundTrip(t *testing.T) {
	server := NewServer()
	server.RegisterRoutes(func(a *App) {
		a.GET("/ping", func(c Context) error {
			return c.JSON(StatusOK, map[string]string{"message": "pong"})
		})
	})

	ts := NewTestServer(server.Handler())
	defer ts.Close()

	client := NewClient(WithBaseURL(ts.BaseURL()))

	var body struct {
		Message string `json:"message"`
	}
	resp, err := client.Get(context.Background(), "/ping", &body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode() != StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode())
	}
	if body.Message != "pong" {
		t.Fatalf("unexpected body: %#v", body)
	}
}

func TestErrorHandlerWrapsEchoHTTPError(t *testing.T) {
	server := NewServer()
	server.RegisterRoutes(func(a *App) {
		a.GET("/fail", func(c Context) error {
			return HTTPError(StatusBadRequest, "bad request")
		})
	})

	ts := NewTestServer(server.Handler())
	defer ts.Close()

	client := NewClient(WithBaseURL(ts.BaseURL()))

	resp, err := client.Get(context.Background(), "/fail", nil)
	if err == nil {
		t.Fatalf("expected error")
	}
	if resp == nil {
		t.Fatalf("expected response for error path")
	}
	if resp.StatusCode() != StatusBadRequest {
		t.Fatalf("unexpected status: %d", resp.StatusCode())
	}
	var se *StatusError
	if !errors.As(err, &se) || se.Code != StatusBadRequest {
		t.Fatalf("Get() error = %v, want *StatusError with 400", err)
	}
	if se.Body != `{"error":"bad request"}` {
		t.Fatalf("StatusError.Body = %q", se.Body)
	}
}

func TestErrorHandlerHidesInternalErrors(t *testing.T) {
	server := NewServer()
	server.RegisterRoutes(func(a *App) {
		a.GET("/boom", func(c Context) error { return errors.New("pq: connection refused") })
		a.GET("/panic", func(c Context) error { panic("night audit failed") })
	})

	ts := NewServerTestServer(server)
	defer ts.Close()

	client := NewClient(WithBaseURL(ts.BaseURL()))
	for _, path := range []string{"/boom", "/panic"} {
		_, err := client.Get(context.Background(), path, nil)
		var se *StatusError
		if !errors.As(err, &se) || se.Code != StatusInternalError {
			t.Fatalf("Get(%s) error = %v, want 500", path, err)
		}
		if se.Body != `{"error":"Internal Server Error"}` {
			t.Fatalf("Get(%s) body = %q", path, se.Body)
		}
	}
}

func TestValidatorMiddleware(t *testing.T) {
	validator := func(c Context) error {
		if c.Request().Header.Get("X-Allow") != "yes" {
			return HTTPError(StatusBadRequest, "blocked")
		}
		return nil
	}
	server := NewServer(WithValidators(validator))
	server.RegisterRoutes(func(a *App) {
		a.GET("/secure", func(c Context) error { return c.NoContent(StatusOK) })
	})

	ts := NewTestServer(server.Handler())
	defer ts.Close()

	client := NewClient(WithBaseURL(ts.BaseURL()))

	// blocked
	if _, err := client.Get(context.Background(), "/secure", nil); err == nil {
		t.Fatalf("expected validation error")
	}

	// allowed
	resp, err := client.Get(context.Background(), "/secure", nil, WithRequestHeaders(map[string]string{"X-Allow": "yes"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode() != StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode())
	}
}

func TestCORSAndLoggerInjection(t *testing.T) {
	corsCfg := DefaultCORSConfig
	corsCfg.AllowOrigins = []string{"http://example.com"}
	server := NewServer(WithCORS(&corsCfg))
	server.RegisterRoutes(func(a *App) {
		a.GET("/ping", func(c Context) error { return c.NoContent(StatusOK) })
	})

	ts := NewTestServer(server.Handler())
	defer ts.Close()

	client := NewClient(WithBaseURL(ts.BaseURL()))
	resp, err := client.Get(context.Background(), "/ping", nil, WithRequestHeaders(map[string]string{
		"Origin":                        "http://example.com",
		"Access-Control-Request-Method": "GET",
	}))
	if err != nil {
		t.Fatalf("options request failed: %v", err)
	}
	if resp.Header().Get("Access-Control-Allow-Origin") != "http://example.com" {
		t.Fatalf("expected CORS allow origin header, got %q", resp.Header().Get("Access-Control-Allow-Origin"))
	}
}

func TestGroupRoutes(t *testing.T) {
	server := NewServer()
	server.RegisterRoutes(func(a *App) {
		a.Group("/account").
			GET("/ping", func(c Context) error { return c.JSON(StatusOK, map[string]string{"message": "pong"}) }).
			POST("/logout", func(c Context) error { return c.NoContent(StatusNoContent) })
	})

	ts := NewServerTestServer(server)
	defer ts.Close()

	client := NewClient(WithBaseURL(ts.BaseURL()))
	var body map[string]string
	resp, err := client.Get(context.Background(), "/account/ping", &body)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if resp.StatusCode() != StatusOK || body["message"] != "pong" {
		t.Fatalf("Get() = %d %v", resp.StatusCode(), body)
	}
	post, err := http.Post(ts.BaseURL()+"/account/logout", "application/json", nil)
	if err != nil {
		t.Fatalf("POST error = %v", err)
	}
	post.Body.Close()
	if post.StatusCode != StatusNoContent {
		t.Fatalf("POST status = %d", post.StatusCode)
	}
}

func TestRegisterRoutesBulkAndPostBody(t *testing.T) {
	server := NewServer()
	server.RegisterRoutes(func(a *App) {
		RegisterRoutes(a,
			Route{Method: "GET", Path: "/r1", Handler: func(c Context) error {
				return c.JSON(StatusOK, map[string]string{"route": "r1"})
			}},
			Route{Method: "POST", Path: "/echo", Handler: func(c Context) error {
				var payload map[string]any
				if err := c.Bind(&payload); err != nil {
					return HTTPError(StatusBadRequest, "invalid body")
				}
				return c.JSON(StatusCreated, payload)
			}},
		)
	})

	ts := NewTestServer(server.Handler())
	defer ts.Close()

	client := NewClient(WithBaseURL(ts.BaseURL()))

	// GET route
	var r1 map[string]string
	resp, err := client.Get(context.Background(), "/r1", &r1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode() != StatusOK || r1["route"] != "r1" {
		t.Fatalf("unexpected response: status=%d body=%v", resp.StatusCode(), r1)
	}

	// POST with JSON body
	post, err := http.Post(ts.BaseURL()+"/echo", "application/json", strings.NewReader(`{"hello":"world"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer post.Body.Close()
	var echoed map[string]string
	if err := json.NewDecoder(post.Body).Decode(&echoed); err != nil {
		t.Fatalf("decode POST body: %v", err)
	}
	if post.StatusCode != StatusCreated || echoed["hello"] != "world" {
		t.Fatalf("unexpected POST response: status=%d body=%v", post.StatusCode, echoed)
	}
}

func TestClientRequestOptions(t *testing.T) {
	server := NewServer()
	server.RegisterRoutes(func(a *App) {
		a.GET("/opts", func(c Context) error {
			authz := c.Request().Header.Get("Authorization")
			custom := c.Request().Header.Get("X-Custom")
			qp := c.QueryParam("q")
			return c.JSON(StatusOK, map[string]string{"auth": authz, "custom": custom, "q": qp})
		})
	})

	ts := NewTestServer(server.Handler())
	defer ts.Close()

	client := NewClient(WithBaseURL(ts.BaseURL()))

	var out map[string]string
	resp, err := client.Get(context.Background(), "/opts", &out,
		WithBearer("token123"),
		WithRequestHeaders(map[string]string{"X-Custom": "yes"}),
		WithQuery(map[string]string{"q": "search"}),
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode() != StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode())
	}
	if out["auth"] != "Bearer token123" || out["custom"] != "yes" || out["q"] != "search" {
		t.Fatalf("unexpected headers/query: %v", out)
	}
}

func TestClientRestyConfigHook(t *testing.T) {
	server := NewServer()
	server.RegisterRoutes(func(a *App) {
		a.GET("/config", func(c Context) error {
			return c.JSON(StatusOK, map[string]string{"cfg": c.Request().Header.Get("X-Config")})
		})
	})

	ts := NewTestServer(server.Handler())
	defer ts.Close()

	client := NewClient(
		WithBaseURL(ts.BaseURL()),
		WithRestyConfig(func(rc RestClient) {
			rc.SetHeader("X-Config", "hooked")
		}),
	)

	var out map[string]string
	resp, err := client.Get(context.Background(), "/config", &out)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode() != StatusOK || out["cfg"] != "hooked" {
		t.Fatalf("unexpected resty config result: status=%d body=%v", resp.StatusCode(), out)
	}
}
