// Package api is the HTTP helper for the account and login handshake that
// precedes a terminal session.
package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ErrUnauthorized is returned when the server rejects the bearer token.
var ErrUnauthorized = errors.New("unauthorized")

// Response is a decoded API response. Body holds the "response" member of
// an enveloped reply, the whole document otherwise, or the raw text for
// non-JSON statuses. Body is nil for 204.
type Response struct {
	Status int
	Body   json.RawMessage
	Meta   json.RawMessage
}

// Account is the body of GET account.
type Account struct {
	Username    string `json:"username"`
	IdleTimeout int    `json:"idle_timeout"`
}

// Client talks to the hub API.
type Client struct {
	base string
	http *http.Client
}

// Option configures a Client.
type Option func(*Client)

// HTTPClientOption sets the underlying HTTP client.
func HTTPClientOption(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// New returns a client for the API served by server, e.g.
// "https://vd.example.com". Requests go to server + "/api/".
func New(server string, opts ...Option) *Client {
	c := &Client{
		base: strings.TrimRight(server, "/") + "/api/",
		http: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Base returns the URL prefix of every request.
func (c *Client) Base() string {
	return c.base
}

// Request performs GET base+path. The token, when set, is sent as a bearer
// credential. Non-2xx statuses are not errors; callers inspect Status.
func (c *Client) Request(ctx context.Context, path, token string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "request %s", path)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}
	return extract(resp.StatusCode, raw), nil
}

// extract mirrors the hub's reply conventions: 204 has no body, 200-499
// carry JSON, possibly wrapped in {response, meta}, anything else is kept as
// a JSON string of the raw text.
func extract(status int, raw []byte) *Response {
	out := &Response{Status: status}
	switch {
	case status == http.StatusNoContent:
		return out
	case status > 199 && status < 500:
		var envelope map[string]json.RawMessage
		if err := json.Unmarshal(raw, &envelope); err == nil {
			if body, ok := envelope["response"]; ok {
				out.Body = body
				out.Meta = envelope["meta"]
				return out
			}
			out.Body = raw
			return out
		}
		if json.Valid(raw) {
			out.Body = raw
			return out
		}
	}
	text, _ := json.Marshal(string(raw))
	out.Body = text
	return out
}

// Account fetches the account behind token.
func (c *Client) Account(ctx context.Context, token string) (Account, error) {
	resp, err := c.Request(ctx, "account", token)
	if err != nil {
		return Account{}, err
	}
	switch resp.Status {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return Account{}, ErrUnauthorized
	default:
		return Account{}, errors.Errorf("account: unexpected status %d", resp.Status)
	}

	var account Account
	if err := json.Unmarshal(resp.Body, &account); err != nil {
		return Account{}, errors.Wrap(err, "decode account")
	}
	return account, nil
}

// Auth starts a login for email. When the server logs the user in directly
// (guest accounts, non-production servers) the token is returned; when it
// emailed a magic link instead, the token is empty.
func (c *Client) Auth(ctx context.Context, email string) (string, error) {
	email = strings.TrimSpace(email)
	resp, err := c.Request(ctx, "auth?email="+url.QueryEscape(email), "")
	if err != nil {
		return "", err
	}
	if resp.Status != http.StatusOK {
		return "", errors.Errorf("auth: unexpected status %d", resp.Status)
	}

	var body struct {
		Token string `json:"token"`
	}
	if len(resp.Body) > 0 {
		if err := json.Unmarshal(resp.Body, &body); err != nil {
			return "", errors.Wrap(err, "decode auth")
		}
	}

	// Non-guest auto-login hands back a magic link rather than a bare token.
	if token, ok := MagicToken(body.Token); ok {
		return token, nil
	}
	return body.Token, nil
}

// MagicToken extracts the token from a magic link, given either as a full
// URL or as a path of the form /magic/<token>.
func MagicToken(link string) (string, bool) {
	path := link
	if u, err := url.Parse(link); err == nil && u.Path != "" {
		path = u.Path
	}
	const prefix = "/magic/"
	i := strings.Index(path, prefix)
	if i < 0 {
		return "", false
	}
	token := strings.Trim(path[i+len(prefix):], "/")
	if token == "" {
		return "", false
	}
	return token, true
}
