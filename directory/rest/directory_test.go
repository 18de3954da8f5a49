package rest

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/adeilh/hotelauth/auth"
	"github.com/adeilh/hotelauth/pii"
)

func newTestDirectory(t *testing.T, h http.HandlerFunc) *Directory {
	t.Helper()
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	d, err := New(Options{BaseURL: ts.URL, Token: "svc-token"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return d
}

func TestGetPII(t *testing.T) {
	d := newTestDirectory(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/users/42/pii" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer svc-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"first_name":"Ada","last_name":"Lovelace","email":"ada@example.com","phone":""}`))
	})

	got, found, err := d.GetPII(context.Background(), "42")
	if err != nil || !found {
		t.Fatalf("GetPII() = %v, %v", found, err)
	}
	want := pii.Bundle{FirstName: "Ada", LastName: "Lovelace", Email: "ada@example.com"}
	if got != want {
		t.Fatalf("GetPII() = %+v, want %+v", got, want)
	}
}

func TestGetPIINotFound(t *testing.T) {
	d := newTestDirectory(t, http.NotFound)

	_, found, err := d.GetPII(context.Background(), "missing")
	if err != nil || found {
		t.Fatalf("GetPII() = %v, %v, want not found", found, err)
	}
}

func TestGetPIIServerError(t *testing.T) {
	d := newTestDirectory(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "db down", http.StatusServiceUnavailable)
	})

	_, found, err := d.GetPII(context.Background(), "42")
	if err == nil || found {
		t.Fatalf("GetPII() = %v, %v, want an error", found, err)
	}
}

func TestFindCredentials(t *testing.T) {
	d := newTestDirectory(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/credentials" || r.URL.Query().Get("login") != "ada" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"userId":"42","login":"ada","passwordHash":"$2a$04$x","roles":["staff"],"isVerified":true,"enabled":true}`))
	})

	got, err := d.FindCredentials(context.Background(), "ada")
	if err != nil {
		t.Fatalf("FindCredentials() error = %v", err)
	}
	if got.UserID != "42" || got.PasswordHash != "$2a$04$x" || !got.Enabled || len(got.Roles) != 1 {
		t.Fatalf("FindCredentials() = %+v", got)
	}

	if _, err := d.FindCredentials(context.Background(), "mallory"); !errors.Is(err, auth.ErrUserNotFound) {
		t.Fatalf("FindCredentials() error = %v, want ErrUserNotFound", err)
	}
}

func TestNewRequiresBaseURL(t *testing.T) {
	if _, err := New(Options{}); !errors.Is(err, ErrMissingBaseURL) {
		t.Fatalf("New() error = %v, want ErrMissingBaseURL", err)
	}
}
