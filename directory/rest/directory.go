// Package rest reads user PII from a remote user service over HTTP.
package rest

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/adeilh/hotelauth/auth"
	"github.com/adeilh/hotelauth/httpx"
	"github.com/adeilh/hotelauth/pii"
)

var ErrMissingBaseURL = errors.New("rest: base url is required")

type Options struct {
	BaseURL string
	// Token is sent as a bearer token on every request when set.
	Token   string
	Timeout time.Duration
}

// Directory implements pii.Directory against GET {BaseURL}/users/{id}/pii
// and auth.CredentialStore against GET {BaseURL}/credentials?login=...
// A 404 means the user does not exist; any other failure is an error.
type Directory struct {
	client *httpx.Client
	token  string
}

var (
	_ pii.Directory        = (*Directory)(nil)
	_ auth.CredentialStore = (*Directory)(nil)
)

type credentialsResponse struct {
	UserID       string   `json:"userId"`
	Login        string   `json:"login"`
	PasswordHash string   `json:"passwordHash"`
	Roles        []string `json:"roles"`
	IsVerified   bool     `json:"isVerified"`
	Enabled      bool     `json:"enabled"`
}

func New(opts Options) (*Directory, error) {
	if opts.BaseURL == "" {
		return nil, ErrMissingBaseURL
	}
	client := httpx.NewClient(
		httpx.WithBaseURL(opts.BaseURL),
		httpx.WithClientTimeout(opts.Timeout),
		httpx.WithHeaders(map[string]string{"Accept": "application/json"}),
	)
	return &Directory{client: client, token: opts.Token}, nil
}

func (d *Directory) GetPII(ctx context.Context, userID string) (pii.Bundle, bool, error) {
	var b pii.Bundle
	_, err := d.client.Get(ctx, "/users/"+url.PathEscape(userID)+"/pii", &b, httpx.WithBearer(d.token))
	if err != nil {
		if isNotFound(err) {
			return pii.Bundle{}, false, nil
		}
		return pii.Bundle{}, false, fmt.Errorf("rest: get pii: %w", err)
	}
	return b, true, nil
}

func (d *Directory) FindCredentials(ctx context.Context, login string) (auth.Credentials, error) {
	var out credentialsResponse
	_, err := d.client.Get(ctx, "/credentials", &out,
		httpx.WithBearer(d.token),
		httpx.WithQuery(map[string]string{"login": login}),
	)
	if err != nil {
		if isNotFound(err) {
			return auth.Credentials{}, auth.ErrUserNotFound
		}
		return auth.Credentials{}, fmt.Errorf("rest: find credentials: %w", err)
	}
	return auth.Credentials{
		UserID:       out.UserID,
		Login:        out.Login,
		PasswordHash: out.PasswordHash,
		Roles:        out.Roles,
		IsVerified:   out.IsVerified,
		Enabled:      out.Enabled,
	}, nil
}

func isNotFound(err error) bool {
	var se *httpx.StatusError
	return errors.As(err, &se) && se.Code == httpx.StatusNotFound
}
