package session

import (
	"strings"
	"time"

	"oidcsession/events"
	"oidcsession/tokenclient"
)

// ResponseType is the OIDC response_type requested at the authorize endpoint.
type ResponseType string

const (
	ResponseTypeCode         ResponseType = "code"
	ResponseTypeCodeIDToken  ResponseType = "code id_token"
	ResponseTypeIDToken      ResponseType = "id_token"
	ResponseTypeIDTokenToken ResponseType = "id_token token"
)

// IsCodeFlow reports whether the response type involves an authorization
// code, in which case an access token is expected after sign-in.
func (r ResponseType) IsCodeFlow() bool {
	return r == ResponseTypeCode || r == ResponseTypeCodeIDToken
}

const (
	DefaultScope        = "openid profile"
	DefaultCallbackPath = "/callback"
)

// Options configures one authentication scheme.
type Options struct {
	Domain       string
	ClientID     string
	ClientSecret string
	// ResponseType defaults to id_token and is forced to code when
	// AccessToken is set.
	ResponseType ResponseType
	Scope        string
	CallbackPath string
	// Organization is sent on every challenge and enforced on the ID token.
	Organization    string
	MaxAge          *time.Duration
	LoginParameters map[string]string
	// Backchannel is the transport for token endpoint calls. Nil means each
	// refresh uses a client-owned transport.
	Backchannel tokenclient.Doer
	// AccessToken enables the access token add-on.
	AccessToken *AccessTokenOptions
}

// AccessTokenOptions configures access token retrieval and refresh.
type AccessTokenOptions struct {
	Audience         string
	Scope            string
	UseRefreshTokens bool
	// CoalesceRefresh shares a single refresh grant between concurrent
	// requests presenting the same refresh token.
	CoalesceRefresh bool
	Events          AccessTokenEvents
}

// AccessTokenEvents are the application callbacks fired by the coordinator.
type AccessTokenEvents struct {
	OnMissingAccessToken  events.Handler[*ValidateContext]
	OnMissingRefreshToken events.Handler[*ValidateContext]
}

func (o *Options) applyDefaults() {
	if o.Scope == "" {
		o.Scope = DefaultScope
	}
	if o.CallbackPath == "" {
		o.CallbackPath = DefaultCallbackPath
	}
	if o.ResponseType == "" {
		o.ResponseType = ResponseTypeIDToken
	}
	if o.AccessToken != nil {
		o.ResponseType = ResponseTypeCode
	}
}

// Scopes returns the scopes requested at the authorize endpoint. openid is
// always present, and offline_access is added when refresh tokens are used.
func (o *Options) Scopes() []string {
	var scopes []string
	add := func(s string) {
		for _, existing := range scopes {
			if existing == s {
				return
			}
		}
		scopes = append(scopes, s)
	}
	for _, s := range strings.Fields(o.Scope) {
		add(s)
	}
	add("openid")
	if o.AccessToken != nil {
		for _, s := range strings.Fields(o.AccessToken.Scope) {
			add(s)
		}
		if o.AccessToken.UseRefreshTokens {
			add("offline_access")
		}
	}
	return scopes
}

// Credentials returns the token endpoint credentials for the scheme.
func (o *Options) Credentials() tokenclient.Credentials {
	return tokenclient.Credentials{Domain: o.Domain, ClientID: o.ClientID, ClientSecret: o.ClientSecret}
}

// UseRefreshTokens reports whether the access token add-on refreshes tokens.
func (o *Options) UseRefreshTokens() bool {
	return o.AccessToken != nil && o.AccessToken.UseRefreshTokens
}
