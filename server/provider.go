package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"oidcsession/claims"
	"oidcsession/internal/clock"
	"oidcsession/session"
)

// Provider wraps the discovered OIDC endpoints of one scheme.
type Provider struct {
	scheme      string
	opts        *session.Options
	oauthConfig *oauth2.Config
	verifier    *oidc.IDTokenVerifier
	httpClient  *http.Client
	logger      *slog.Logger
}

// Issuer returns the issuer URL for an identity provider domain.
func Issuer(domain string) string {
	return "https://" + strings.TrimSuffix(domain, "/") + "/"
}

// NewProvider initializes the provider via discovery. httpClient is used for
// discovery, JWKS and the code exchange; nil uses http.DefaultClient.
func NewProvider(ctx context.Context, scheme string, opts *session.Options, redirect string, httpClient *http.Client, clk clock.Clock, logger *slog.Logger) (*Provider, error) {
	if httpClient != nil {
		ctx = oidc.ClientContext(ctx, httpClient)
	}
	op, err := oidc.NewProvider(ctx, Issuer(opts.Domain))
	if err != nil {
		return nil, fmt.Errorf("discover provider %s: %w", scheme, err)
	}

	endpoint := op.Endpoint()
	endpoint.AuthStyle = oauth2.AuthStyleInParams

	oauthCfg := &oauth2.Config{
		ClientID:     opts.ClientID,
		ClientSecret: opts.ClientSecret,
		RedirectURL:  redirect,
		Endpoint:     endpoint,
		Scopes:       opts.Scopes(),
	}

	verifierCfg := &oidc.Config{ClientID: opts.ClientID}
	if clk != nil {
		verifierCfg.Now = clk.Now
	}

	return &Provider{
		scheme:      scheme,
		opts:        opts,
		oauthConfig: oauthCfg,
		verifier:    op.Verifier(verifierCfg),
		httpClient:  httpClient,
		logger:      logger,
	}, nil
}

// AuthCodeURL constructs the authorization request. verifier is the PKCE
// code verifier and is ignored for implicit response types.
func (p *Provider) AuthCodeURL(state, nonce, verifier string, params url.Values) string {
	opts := []oauth2.AuthCodeOption{oauth2.SetAuthURLParam("nonce", nonce)}
	if p.opts.ResponseType.IsCodeFlow() && verifier != "" {
		opts = append(opts, oauth2.S256ChallengeOption(verifier))
	}
	if p.opts.ResponseType != session.ResponseTypeCode {
		opts = append(opts,
			oauth2.SetAuthURLParam("response_type", string(p.opts.ResponseType)),
			oauth2.SetAuthURLParam("response_mode", "form_post"),
		)
	}
	if p.opts.MaxAge != nil {
		opts = append(opts, oauth2.SetAuthURLParam("max_age", strconv.FormatInt(int64(p.opts.MaxAge.Seconds()), 10)))
	}
	for k, vs := range params {
		if len(vs) > 0 {
			opts = append(opts, oauth2.SetAuthURLParam(k, vs[0]))
		}
	}
	return p.oauthConfig.AuthCodeURL(state, opts...)
}

func (p *Provider) clientContext(ctx context.Context) context.Context {
	if p.httpClient == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
}

// Exchange redeems an authorization code at the token endpoint.
func (p *Provider) Exchange(ctx context.Context, code, verifier string) (*oauth2.Token, error) {
	var opts []oauth2.AuthCodeOption
	if verifier != "" {
		opts = append(opts, oauth2.VerifierOption(verifier))
	}
	tok, err := p.oauthConfig.Exchange(p.clientContext(ctx), code, opts...)
	if err != nil {
		return nil, fmt.Errorf("exchange code: %w", err)
	}
	return tok, nil
}

// VerifyIDToken checks the signature and standard claims of raw and
// compares its nonce. The decoded claims are returned for further checks.
func (p *Provider) VerifyIDToken(ctx context.Context, raw, expectedNonce string) (*oidc.IDToken, claims.IdentityClaims, error) {
	if p.httpClient != nil {
		ctx = oidc.ClientContext(ctx, p.httpClient)
	}
	idToken, err := p.verifier.Verify(ctx, raw)
	if err != nil {
		return nil, nil, fmt.Errorf("verify id_token: %w", err)
	}
	if expectedNonce != "" && idToken.Nonce != expectedNonce {
		return nil, nil, errors.New("nonce mismatch")
	}
	var c claims.IdentityClaims
	if err := idToken.Claims(&c); err != nil {
		return nil, nil, fmt.Errorf("parse claims: %w", err)
	}
	return idToken, c, nil
}
