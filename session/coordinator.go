// Package session keeps an authenticated cookie session backed by a usable
// access token. A Coordinator runs on every authenticated request, refreshes
// the access token shortly before it expires and fires the missing token
// callbacks when the session cannot be refreshed.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"oidcsession/internal/clock"
	"oidcsession/tokenclient"
)

// refreshLeeway absorbs clock skew and request latency. A token expiring
// within the leeway is treated as expired.
const refreshLeeway = 60 * time.Second

// coalescedRefreshTimeout bounds a shared refresh, which outlives the request
// that started it.
const coalescedRefreshTimeout = 30 * time.Second

// Authenticator lets callbacks end or restart the sign-in of a scheme.
type Authenticator interface {
	SignOut(w http.ResponseWriter, r *http.Request, scheme string) error
	Challenge(w http.ResponseWriter, r *http.Request, scheme string, props *Properties) error
}

// ValidateContext is the per-request input of the validate-principal hook.
type ValidateContext struct {
	Request    *http.Request
	Writer     http.ResponseWriter
	Properties *Properties
	Auth       Authenticator
	// ShouldRenew asks the cookie layer to persist Properties again.
	ShouldRenew bool

	rejected bool
	handled  bool
}

// RejectPrincipal drops the session for this request.
func (vc *ValidateContext) RejectPrincipal() { vc.rejected = true }

// Rejected reports whether RejectPrincipal was called.
func (vc *ValidateContext) Rejected() bool { return vc.rejected }

// HandleResponse signals that a callback wrote the response and the request
// must not continue to the application handler.
func (vc *ValidateContext) HandleResponse() { vc.handled = true }

// Handled reports whether HandleResponse was called.
func (vc *ValidateContext) Handled() bool { return vc.handled }

// Coordinator runs the refresh state machine for a single scheme.
type Coordinator struct {
	scheme   string
	registry *Registry
	clock    clock.Clock
	logger   *slog.Logger
	group    singleflight.Group
}

// CoordinatorOption customizes a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithClock sets the time source used for expiry checks.
func WithClock(c clock.Clock) CoordinatorOption {
	return func(co *Coordinator) { co.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) CoordinatorOption {
	return func(co *Coordinator) { co.logger = l }
}

// NewCoordinator returns the coordinator of scheme, which must be present in
// registry when ValidatePrincipal runs.
func NewCoordinator(scheme string, registry *Registry, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		scheme:   scheme,
		registry: registry,
		clock:    clock.System(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Scheme returns the scheme this coordinator serves.
func (c *Coordinator) Scheme() string { return c.scheme }

// ValidatePrincipal inspects the session tokens and refreshes them when
// needed. Refresh failures degrade the session and are not returned; the
// returned error comes from application callbacks, a missing registration
// or cancellation of ctx.
func (c *Coordinator) ValidatePrincipal(ctx context.Context, vc *ValidateContext) error {
	props := vc.Properties
	if tag := props.Scheme(); tag != "" && tag != c.scheme {
		return nil
	}

	opts, ok := c.registry.Lookup(c.scheme)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownScheme, c.scheme)
	}
	at := opts.AccessToken
	if at == nil {
		return nil
	}

	if props.Token(AccessToken) == "" {
		if opts.ResponseType.IsCodeFlow() {
			return at.Events.OnMissingAccessToken.Invoke(ctx, vc)
		}
		return nil
	}

	if !at.UseRefreshTokens {
		return nil
	}

	refreshToken := props.Token(RefreshToken)
	if strings.TrimSpace(refreshToken) == "" {
		return at.Events.OnMissingRefreshToken.Invoke(ctx, vc)
	}

	if !c.expired(props, c.clock.Now()) {
		return nil
	}

	result, err := c.refresh(ctx, opts, refreshToken)
	if ctxErr := ctx.Err(); ctxErr != nil {
		c.logger.Debug("token refresh abandoned", "scheme", c.scheme, "error", ctxErr)
		return ctxErr
	}
	if err != nil {
		c.logger.Warn("token refresh failed, clearing refresh token", "scheme", c.scheme, "error", err)
		props.RemoveToken(RefreshToken)
		vc.ShouldRenew = true
		return nil
	}

	props.SetToken(AccessToken, result.AccessToken)
	if result.IDToken != "" {
		props.SetToken(IDToken, result.IDToken)
	}
	props.SetTokenExpiry(c.clock.Now().Add(result.Lifetime()))
	if result.RefreshToken != "" {
		props.SetToken(RefreshToken, result.RefreshToken)
	} else {
		props.RemoveToken(RefreshToken)
	}
	vc.ShouldRenew = true
	c.logger.Debug("token refreshed", "scheme", c.scheme, "expires_in", result.ExpiresIn, "rotated", result.RefreshToken != "")
	return nil
}

// expired reports whether the access token must be refreshed. A session
// without a readable expiry cannot prove freshness and counts as expired.
func (c *Coordinator) expired(props *Properties, now time.Time) bool {
	expiresAt, ok := props.TokenExpiry()
	if !ok {
		return true
	}
	return !expiresAt.After(now.Add(refreshLeeway))
}

func (c *Coordinator) refresh(ctx context.Context, opts *Options, refreshToken string) (*tokenclient.Result, error) {
	grant := func(ctx context.Context) (*tokenclient.Result, error) {
		client := tokenclient.New(opts.Backchannel)
		defer client.Close()
		return client.Refresh(ctx, opts.Credentials(), refreshToken)
	}

	if !opts.AccessToken.CoalesceRefresh {
		return grant(ctx)
	}

	ch := c.group.DoChan(refreshToken, func() (any, error) {
		shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), coalescedRefreshTimeout)
		defer cancel()
		return grant(shared)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*tokenclient.Result), nil
	}
}
