package server

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"oidcsession/claims"
	"oidcsession/events"
	"oidcsession/session"
)

// BaseContext carries what every OIDC event sees.
type BaseContext struct {
	Request    *http.Request
	Writer     http.ResponseWriter
	Scheme     string
	Options    *session.Options
	Properties *session.Properties

	handled bool
}

// HandleResponse stops the built-in processing; the handler owns the response.
func (b *BaseContext) HandleResponse() { b.handled = true }

// Handled reports whether HandleResponse was called.
func (b *BaseContext) Handled() bool { return b.handled }

// RedirectContext is passed to the redirect hooks before the browser is sent
// to the identity provider. Parameters are added to the authorize request.
type RedirectContext struct {
	BaseContext
	Parameters url.Values
}

type MessageReceivedContext struct {
	BaseContext
	Form url.Values
}

type AuthorizationCodeReceivedContext struct {
	BaseContext
	Code string
}

type TokenResponseReceivedContext struct {
	BaseContext
	Token *oauth2.Token
}

// TokenValidatedContext follows signature verification of the ID token.
type TokenValidatedContext struct {
	BaseContext
	RawIDToken string
	IDToken    *oidc.IDToken
	Claims     claims.IdentityClaims
	// Token is nil for implicit response types.
	Token *oauth2.Token

	failure error
}

// Fail aborts the sign-in with err.
func (c *TokenValidatedContext) Fail(err error) { c.failure = err }

// Failure returns the error passed to Fail.
func (c *TokenValidatedContext) Failure() error { return c.failure }

type AuthenticationFailedContext struct {
	BaseContext
	Err error
}

type AccessDeniedContext struct {
	BaseContext
	Description string
}

type RemoteFailureContext struct {
	BaseContext
	Err error
}

// TicketReceivedContext fires right before the session cookie is issued.
type TicketReceivedContext struct {
	BaseContext
	ReturnURI string
}

// OIDCEvents are the hooks of the sign-in handshake.
type OIDCEvents struct {
	OnRedirectToIdentityProvider           events.Handler[*RedirectContext]
	OnRedirectToIdentityProviderForSignOut events.Handler[*RedirectContext]
	OnMessageReceived                      events.Handler[*MessageReceivedContext]
	OnAuthorizationCodeReceived            events.Handler[*AuthorizationCodeReceivedContext]
	OnTokenResponseReceived                events.Handler[*TokenResponseReceivedContext]
	OnTokenValidated                       events.Handler[*TokenValidatedContext]
	OnAuthenticationFailed                 events.Handler[*AuthenticationFailedContext]
	OnAccessDenied                         events.Handler[*AccessDeniedContext]
	OnRemoteFailure                        events.Handler[*RemoteFailureContext]
	OnTicketReceived                       events.Handler[*TicketReceivedContext]
}

func composeOIDCEvents(builtin, user OIDCEvents) OIDCEvents {
	return OIDCEvents{
		OnRedirectToIdentityProvider:           events.Compose(builtin.OnRedirectToIdentityProvider, user.OnRedirectToIdentityProvider),
		OnRedirectToIdentityProviderForSignOut: events.Compose(builtin.OnRedirectToIdentityProviderForSignOut, user.OnRedirectToIdentityProviderForSignOut),
		OnMessageReceived:                      events.Compose(builtin.OnMessageReceived, user.OnMessageReceived),
		OnAuthorizationCodeReceived:            events.Compose(builtin.OnAuthorizationCodeReceived, user.OnAuthorizationCodeReceived),
		OnTokenResponseReceived:                events.Compose(builtin.OnTokenResponseReceived, user.OnTokenResponseReceived),
		OnTokenValidated:                       events.Compose(builtin.OnTokenValidated, user.OnTokenValidated),
		OnAuthenticationFailed:                 events.Compose(builtin.OnAuthenticationFailed, user.OnAuthenticationFailed),
		OnAccessDenied:                         events.Compose(builtin.OnAccessDenied, user.OnAccessDenied),
		OnRemoteFailure:                        events.Compose(builtin.OnRemoteFailure, user.OnRemoteFailure),
		OnTicketReceived:                       events.Compose(builtin.OnTicketReceived, user.OnTicketReceived),
	}
}

func builtinOIDCEvents(opts *session.Options, validator *claims.Validator, trustProxy bool) OIDCEvents {
	return OIDCEvents{
		OnRedirectToIdentityProvider:           redirectToIdentityProvider(opts),
		OnRedirectToIdentityProviderForSignOut: redirectForSignOut(opts, trustProxy),
		OnTokenValidated:                       validateTokenClaims(opts, validator),
	}
}

// authorizeParameters collects the provider specific authorize parameters:
// organization, configured login parameters and "oidc:" properties, in
// increasing precedence.
func authorizeParameters(opts *session.Options, props *session.Properties) map[string]string {
	params := map[string]string{}
	if opts.Organization != "" {
		params["organization"] = opts.Organization
	}
	for k, v := range opts.LoginParameters {
		params[k] = v
	}
	for k, v := range props.Parameters() {
		if k == "scope" {
			switch {
			case v == "":
				v = "openid"
			case !strings.Contains(strings.ToLower(v), "openid"):
				v += " openid"
			}
		}
		params[k] = v
	}
	return params
}

func redirectToIdentityProvider(opts *session.Options) events.Handler[*RedirectContext] {
	return func(ctx context.Context, rc *RedirectContext) error {
		for k, v := range authorizeParameters(opts, rc.Properties) {
			rc.Parameters.Set(k, v)
		}
		if opts.Organization != "" {
			if _, ok := rc.Properties.Get(session.OrganizationParameter); !ok {
				rc.Properties.Set(session.OrganizationParameter, opts.Organization)
			}
		}
		if opts.AccessToken != nil {
			if opts.AccessToken.Audience != "" {
				rc.Parameters.Set("audience", opts.AccessToken.Audience)
			}
			if aud, ok := rc.Properties.Get(session.AudienceParameter); ok {
				rc.Parameters.Set("audience", aud)
			}
		}
		return nil
	}
}

// LogoutURL builds the provider logout URL. returnTo must be absolute or empty.
func LogoutURL(opts *session.Options, returnTo string, props *session.Properties) string {
	var b strings.Builder
	b.WriteString("https://" + strings.TrimSuffix(opts.Domain, "/") + "/v1/logout?client_id=" + url.QueryEscape(opts.ClientID))
	if returnTo != "" {
		b.WriteString("&return_to=" + url.QueryEscape(returnTo))
	}
	if props != nil {
		params := props.Parameters()
		for _, k := range props.ParameterNames() {
			b.WriteString("&" + url.QueryEscape(k))
			if v := params[k]; v != "" {
				b.WriteString("=" + url.QueryEscape(v))
			}
		}
	}
	return b.String()
}

func redirectForSignOut(opts *session.Options, trustProxy bool) events.Handler[*RedirectContext] {
	return func(ctx context.Context, rc *RedirectContext) error {
		returnTo := rc.Properties.RedirectURI()
		if strings.HasPrefix(returnTo, "/") {
			returnTo = requestOrigin(rc.Request, trustProxy) + returnTo
		}
		http.Redirect(rc.Writer, rc.Request, LogoutURL(opts, returnTo, rc.Properties), http.StatusFound)
		rc.HandleResponse()
		return nil
	}
}

func validateTokenClaims(opts *session.Options, validator *claims.Validator) events.Handler[*TokenValidatedContext] {
	return func(ctx context.Context, tv *TokenValidatedContext) error {
		org, _ := tv.Properties.Get(session.OrganizationParameter)
		sc := claims.SignInContext{
			ClientID:     opts.ClientID,
			MaxAge:       opts.MaxAge,
			Organization: strings.TrimSpace(org),
		}
		if err := validator.Validate(sc, tv.Claims); err != nil {
			tv.Fail(err)
		}
		return nil
	}
}

// requestOrigin returns scheme://host of the request as seen by the browser.
func requestOrigin(r *http.Request, trustProxy bool) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	host := r.Host
	if trustProxy {
		if p := r.Header.Get("X-Forwarded-Proto"); p != "" {
			scheme = strings.TrimSpace(strings.Split(p, ",")[0])
		}
		if h := r.Header.Get("X-Forwarded-Host"); h != "" {
			host = strings.TrimSpace(strings.Split(h, ",")[0])
		}
	}
	return scheme + "://" + host
}
