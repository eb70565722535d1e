package server

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"oidcsession/claims"
	"oidcsession/events"
	"oidcsession/internal/clock"
	"oidcsession/session"
)

// scheme bundles everything the handlers need for one provider.
type scheme struct {
	name        string
	opts        *session.Options
	provider    *Provider
	events      OIDCEvents
	coordinator *session.Coordinator
}

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config   Config
	Logger   *slog.Logger
	Registry *session.Registry
	Cookies  *CookieManager
	Tickets  TicketStore

	schemes           map[string]*scheme
	defaultScheme     string
	validatePrincipal events.Handler[*session.ValidateContext]
	clock             clock.Clock
}

type appOptions struct {
	httpClient        *http.Client
	clock             clock.Clock
	tickets           TicketStore
	oidcEvents        map[string]OIDCEvents
	accessTokenEvents map[string]session.AccessTokenEvents
	validatePrincipal events.Handler[*session.ValidateContext]
}

// Option customizes NewApp.
type Option func(*appOptions)

// WithHTTPClient sets the backchannel used for discovery, code exchange and
// token refresh.
func WithHTTPClient(c *http.Client) Option {
	return func(o *appOptions) { o.httpClient = c }
}

// WithClock replaces the system clock.
func WithClock(c clock.Clock) Option {
	return func(o *appOptions) { o.clock = c }
}

// WithTicketStore overrides the configured ticket store.
func WithTicketStore(ts TicketStore) Option {
	return func(o *appOptions) { o.tickets = ts }
}

// WithOIDCEvents attaches extension hooks to the handshake of scheme.
func WithOIDCEvents(schemeName string, ev OIDCEvents) Option {
	return func(o *appOptions) { o.oidcEvents[schemeName] = ev }
}

// WithAccessTokenEvents sets the missing token callbacks of scheme.
func WithAccessTokenEvents(schemeName string, ev session.AccessTokenEvents) Option {
	return func(o *appOptions) { o.accessTokenEvents[schemeName] = ev }
}

// WithValidatePrincipal adds an extension to the per-request session check.
// It runs before the token refresh of every scheme.
func WithValidatePrincipal(h events.Handler[*session.ValidateContext]) Option {
	return func(o *appOptions) { o.validatePrincipal = h }
}

// NewApp wires together the application state from configuration.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger, opts ...Option) (*App, error) {
	o := &appOptions{
		oidcEvents:        map[string]OIDCEvents{},
		accessTokenEvents: map[string]session.AccessTokenEvents{},
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.clock == nil {
		o.clock = clock.System()
	}

	tickets := o.tickets
	if tickets == nil {
		var err error
		tickets, err = NewTicketStore(cfg.Session.TicketStore, o.clock)
		if err != nil {
			return nil, err
		}
	}

	key, err := cfg.Session.SecretKey()
	if err != nil {
		return nil, err
	}
	if key == nil {
		logger.Warn("session.secret not set, using an ephemeral key; sessions will not survive a restart")
		key = make([]byte, sessionSecretSize)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generate session key: %w", err)
		}
	}
	cookies, err := NewCookieManager(cfg, key, tickets, o.clock, logger)
	if err != nil {
		return nil, err
	}

	registry := session.NewRegistry()
	validator := claims.NewValidator(o.clock)
	app := &App{
		Config:   cfg,
		Logger:   logger,
		Registry: registry,
		Cookies:  cookies,
		Tickets:  tickets,
		schemes:  make(map[string]*scheme, len(cfg.Schemes)),
		clock:    o.clock,
	}

	var validators []events.Handler[*session.ValidateContext]
	for _, sc := range cfg.Schemes {
		schemeOpts, err := sc.Options()
		if err != nil {
			return nil, fmt.Errorf("scheme %s: %w", sc.Name, err)
		}
		if o.httpClient != nil {
			schemeOpts.Backchannel = o.httpClient
		}
		if ev, ok := o.accessTokenEvents[sc.Name]; ok && schemeOpts.AccessToken != nil {
			schemeOpts.AccessToken.Events = ev
		}
		if err := registry.Register(sc.Name, schemeOpts); err != nil {
			return nil, err
		}
		registered, _ := registry.Lookup(sc.Name)

		redirect := strings.TrimSuffix(cfg.Server.PublicURL, "/") + registered.CallbackPath
		provider, err := NewProvider(ctx, sc.Name, registered, redirect, o.httpClient, o.clock, logger)
		if err != nil {
			return nil, err
		}

		coordinator := session.NewCoordinator(sc.Name, registry,
			session.WithClock(o.clock),
			session.WithLogger(logger.With("component", "session")),
		)
		validators = append(validators, coordinator.ValidatePrincipal)

		app.schemes[sc.Name] = &scheme{
			name:        sc.Name,
			opts:        registered,
			provider:    provider,
			events:      composeOIDCEvents(builtinOIDCEvents(registered, validator, cfg.Server.TrustProxyHeaders), o.oidcEvents[sc.Name]),
			coordinator: coordinator,
		}
		if app.defaultScheme == "" {
			app.defaultScheme = sc.Name
		}
		logger.Info("scheme registered", "scheme", sc.Name, "domain", registered.Domain, "response_type", registered.ResponseType, "refresh_tokens", registered.UseRefreshTokens())
	}

	app.validatePrincipal = events.Compose(events.Chain(validators...), o.validatePrincipal)
	return app, nil
}

func (a *App) lookupScheme(name string) (*scheme, error) {
	if name == "" {
		name = a.defaultScheme
	}
	sch, ok := a.schemes[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", session.ErrUnknownScheme, name)
	}
	return sch, nil
}

// Close releases the ticket store connection, if any.
func (a *App) Close() error {
	if c, ok := a.Tickets.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
