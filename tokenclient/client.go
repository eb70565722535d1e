// Package tokenclient performs the OAuth2 refresh_token grant against an
// identity provider's token endpoint.
package tokenclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-cleanhttp"
)

// maxResponseBytes bounds how much of a token response is read.
const maxResponseBytes = 1 << 20

// MaxLifetime caps the token lifetime taken from expires_in.
const MaxLifetime = 365 * 24 * time.Hour

// ErrClosed is returned by Refresh after Close.
var ErrClosed = errors.New("token client closed")

// Doer sends a single HTTP request. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Credentials identify the client at the token endpoint.
type Credentials struct {
	Domain       string
	ClientID     string
	ClientSecret string
}

// Result is a successful refresh_token grant. RefreshToken is empty when the
// provider did not rotate, IDToken when it did not issue a new one.
type Result struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	ExpiresIn    int64  `json:"expires_in"`
}

// Lifetime returns ExpiresIn as a duration, capped at MaxLifetime.
func (r *Result) Lifetime() time.Duration {
	return Lifetime(r.ExpiresIn)
}

// Lifetime converts an expires_in value in seconds to a duration. Values
// that are not positive give zero; large values are capped at MaxLifetime.
func Lifetime(seconds int64) time.Duration {
	switch {
	case seconds <= 0:
		return 0
	case seconds >= int64(MaxLifetime/time.Second):
		return MaxLifetime
	}
	return time.Duration(seconds) * time.Second
}

// StatusError reports a non-success token endpoint response.
type StatusError struct {
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("token endpoint returned %s", e.Status)
}

// Client calls the token endpoint over a transport it either borrows or owns.
type Client struct {
	transport Doer
	owned     *http.Client
	closed    atomic.Bool
}

// New returns a Client using transport. When transport is nil the client
// creates its own pooled HTTP client and releases it on Close; a supplied
// transport is never closed.
func New(transport Doer) *Client {
	c := &Client{transport: transport}
	if transport == nil {
		c.owned = &http.Client{Transport: cleanhttp.DefaultPooledTransport()}
		c.transport = c.owned
	}
	return c
}

// Close releases the owned transport, if any. It is safe to call more than once.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	if c.owned != nil {
		c.owned.CloseIdleConnections()
	}
	return nil
}

// TokenEndpoint returns the token endpoint URL for domain.
func TokenEndpoint(domain string) string {
	return "https://" + strings.TrimSuffix(domain, "/") + "/oauth/token"
}

// Refresh exchanges refreshToken for a new token set. It makes exactly one
// request; a nil Result is always paired with an error.
func (c *Client) Refresh(ctx context.Context, creds Credentials, refreshToken string) (*Result, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("client_id", creds.ClientID)
	form.Set("client_secret", creds.ClientSecret)
	form.Set("refresh_token", refreshToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, TokenEndpoint(creds.Domain), strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.transport.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call token endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return nil, &StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}

	var result Result
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	switch {
	case result.AccessToken == "":
		return nil, errors.New("token response missing access_token")
	case result.ExpiresIn <= 0:
		return nil, errors.New("token response missing expires_in")
	}
	return &result, nil
}
