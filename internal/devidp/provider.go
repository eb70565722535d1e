// Package devidp is a small in-process OpenID Connect provider used to run
// the sign-in, refresh and sign-out flows end to end in tests and local
// development. It auto-approves every authorization request for a single
// configured user.
package devidp

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"

	"oidcsession/internal/clock"
)

const (
	codeTTL          = 5 * time.Minute
	idTokenTTL       = time.Hour
	defaultAccessTTL = time.Hour
)

// Client is a relying party registered at the provider.
type Client struct {
	ID           string
	Secret       string
	RedirectURIs []string
}

// Config controls the tokens the provider issues.
type Config struct {
	Clients []Client
	Subject string
	Name    string
	Email   string
	// Organization, when set, is always emitted as org_id regardless of the
	// organization requested at the authorize endpoint.
	Organization string
	// ExtraAudiences are appended to the ID token aud claim.
	ExtraAudiences []string
	// AuthorizedParty overrides azp. By default azp is the client id when
	// the ID token has several audiences.
	AuthorizedParty string
	AccessTTL       time.Duration
	// RotateRefreshTokens issues a new refresh token on every refresh grant
	// and invalidates the presented one. Otherwise the refresh response
	// carries no refresh token.
	RotateRefreshTokens bool
	Clock               clock.Clock
	Logger              *slog.Logger
}

// Provider serves discovery, JWKS, authorize, token and logout endpoints.
type Provider struct {
	cfg     Config
	keys    *keySet
	store   *store
	clients map[string]Client

	mu     sync.RWMutex
	issuer string

	failRefresh  atomic.Bool
	refreshCalls atomic.Int32
}

// New builds a provider. SetIssuer must be called once the listener URL is
// known.
func New(cfg Config) (*Provider, error) {
	if len(cfg.Clients) == 0 {
		return nil, errors.New("at least one client is required")
	}
	if cfg.Subject == "" {
		cfg.Subject = "dev-user"
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = defaultAccessTTL
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	keys, err := newKeySet()
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	clients := make(map[string]Client, len(cfg.Clients))
	for _, c := range cfg.Clients {
		if c.ID == "" {
			return nil, errors.New("client id required")
		}
		clients[c.ID] = c
	}
	return &Provider{cfg: cfg, keys: keys, store: newStore(), clients: clients}, nil
}

// SetIssuer sets the issuer from the base URL the provider is served at.
func (p *Provider) SetIssuer(baseURL string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.issuer = strings.TrimSuffix(baseURL, "/") + "/"
}

// Issuer returns the issuer identifier, which ends with a slash.
func (p *Provider) Issuer() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.issuer
}

// FailRefresh makes every refresh grant fail with invalid_grant.
func (p *Provider) FailRefresh(fail bool) { p.failRefresh.Store(fail) }

// RefreshCount returns how many refresh grants were requested.
func (p *Provider) RefreshCount() int { return int(p.refreshCalls.Load()) }

// RevokeRefreshTokens invalidates every issued refresh token.
func (p *Provider) RevokeRefreshTokens() { p.store.revokeAll() }

// RotateKeys replaces the signing key. The old key stays in the JWKS.
func (p *Provider) RotateKeys() error { return p.keys.rotate() }

// Handler returns the HTTP handler of the provider.
func (p *Provider) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/.well-known/openid-configuration", p.handleDiscovery)
	r.Get("/.well-known/jwks.json", p.handleJWKS)
	r.Get("/authorize", p.handleAuthorize)
	r.Post("/oauth/token", p.handleToken)
	r.Get("/v1/logout", p.handleLogout)
	return r
}

func (p *Provider) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	issuer := p.Issuer()
	writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                                issuer,
		"authorization_endpoint":                issuer + "authorize",
		"token_endpoint":                        issuer + "oauth/token",
		"jwks_uri":                              issuer + ".well-known/jwks.json",
		"end_session_endpoint":                  issuer + "v1/logout",
		"response_types_supported":              []string{"code"},
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
		"grant_types_supported":                 []string{"authorization_code", "refresh_token"},
		"code_challenge_methods_supported":      []string{"S256"},
		"scopes_supported":                      []string{"openid", "profile", "email", "offline_access"},
		"token_endpoint_auth_methods_supported": []string{"client_secret_post", "client_secret_basic"},
	})
}

func (p *Provider) handleJWKS(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, p.keys.public())
}

func (p *Provider) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	client, ok := p.clients[q.Get("client_id")]
	if !ok {
		http.Error(w, "unknown client", http.StatusBadRequest)
		return
	}
	redirectURI := q.Get("redirect_uri")
	if !client.validRedirect(redirectURI) {
		http.Error(w, "redirect_uri not registered", http.StatusBadRequest)
		return
	}
	state := q.Get("state")
	if q.Get("response_type") != "code" {
		redirectError(w, r, redirectURI, state, "unsupported_response_type", "only code is supported")
		return
	}
	if challenge := q.Get("code_challenge"); challenge != "" && q.Get("code_challenge_method") != "S256" {
		redirectError(w, r, redirectURI, state, "invalid_request", "code_challenge_method must be S256")
		return
	}
	if !strings.Contains(" "+q.Get("scope")+" ", " openid ") {
		redirectError(w, r, redirectURI, state, "invalid_scope", "openid scope is required")
		return
	}

	now := p.cfg.Clock.Now()
	code := authCode{
		Code:          newID(),
		ClientID:      client.ID,
		RedirectURI:   redirectURI,
		Scope:         q.Get("scope"),
		Nonce:         q.Get("nonce"),
		Audience:      q.Get("audience"),
		Organization:  q.Get("organization"),
		CodeChallenge: q.Get("code_challenge"),
		AuthTime:      now,
		ExpiresAt:     now.Add(codeTTL),
	}
	p.store.saveCode(code)
	p.cfg.Logger.Debug("authorization approved", "client_id", client.ID, "scope", code.Scope)

	target, _ := url.Parse(redirectURI)
	values := target.Query()
	values.Set("code", code.Code)
	if state != "" {
		values.Set("state", state)
	}
	target.RawQuery = values.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

func (p *Provider) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_request", "invalid form")
		return
	}
	client, err := p.authenticateClient(r)
	if err != nil {
		oauthError(w, http.StatusUnauthorized, "invalid_client", err.Error())
		return
	}

	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		p.handleTokenAuthorizationCode(w, r, client)
	case "refresh_token":
		p.handleTokenRefresh(w, r, client)
	default:
		oauthError(w, http.StatusBadRequest, "unsupported_grant_type", "")
	}
}

func (p *Provider) handleTokenAuthorizationCode(w http.ResponseWriter, r *http.Request, client Client) {
	code, ok := p.store.takeCode(r.PostForm.Get("code"))
	if !ok || p.cfg.Clock.Now().After(code.ExpiresAt) {
		oauthError(w, http.StatusBadRequest, "invalid_grant", "code invalid or expired")
		return
	}
	if code.ClientID != client.ID {
		oauthError(w, http.StatusBadRequest, "invalid_grant", "client mismatch")
		return
	}
	if code.RedirectURI != r.PostForm.Get("redirect_uri") {
		oauthError(w, http.StatusBadRequest, "invalid_grant", "redirect_uri mismatch")
		return
	}
	if code.CodeChallenge != "" && !verifyPKCE(code.CodeChallenge, r.PostForm.Get("code_verifier")) {
		oauthError(w, http.StatusBadRequest, "invalid_grant", "code_verifier mismatch")
		return
	}

	grant := grant{
		ClientID:     client.ID,
		Scope:        code.Scope,
		Audience:     code.Audience,
		Organization: code.Organization,
		Nonce:        code.Nonce,
		AuthTime:     code.AuthTime,
	}
	resp, err := p.mint(grant, strings.Contains(" "+code.Scope+" ", " offline_access "))
	if err != nil {
		p.cfg.Logger.Error("mint tokens", "error", err)
		oauthError(w, http.StatusInternalServerError, "server_error", "failed to mint tokens")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (p *Provider) handleTokenRefresh(w http.ResponseWriter, r *http.Request, client Client) {
	p.refreshCalls.Add(1)
	if p.failRefresh.Load() {
		oauthError(w, http.StatusBadRequest, "invalid_grant", "refresh disabled")
		return
	}
	rt, ok := p.store.takeRefreshToken(r.PostForm.Get("refresh_token"), p.cfg.RotateRefreshTokens)
	if !ok {
		oauthError(w, http.StatusBadRequest, "invalid_grant", "refresh token invalid")
		return
	}
	if rt.ClientID != client.ID {
		oauthError(w, http.StatusBadRequest, "invalid_grant", "refresh token client mismatch")
		return
	}

	grant := grant{
		ClientID:     client.ID,
		Scope:        rt.Scope,
		Audience:     rt.Audience,
		Organization: rt.Organization,
		AuthTime:     rt.AuthTime,
	}
	resp, err := p.mint(grant, p.cfg.RotateRefreshTokens)
	if err != nil {
		p.cfg.Logger.Error("mint tokens", "error", err)
		oauthError(w, http.StatusInternalServerError, "server_error", "failed to mint tokens")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (p *Provider) handleLogout(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if _, ok := p.clients[q.Get("client_id")]; !ok {
		http.Error(w, "unknown client", http.StatusBadRequest)
		return
	}
	if returnTo := q.Get("return_to"); returnTo != "" {
		http.Redirect(w, r, returnTo, http.StatusFound)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "signed out")
}

func (p *Provider) authenticateClient(r *http.Request) (Client, error) {
	id, secret, ok := r.BasicAuth()
	if ok {
		// client_secret_basic values are form-encoded.
		if v, err := url.QueryUnescape(id); err == nil {
			id = v
		}
		if v, err := url.QueryUnescape(secret); err == nil {
			secret = v
		}
	} else {
		id = r.PostForm.Get("client_id")
		secret = r.PostForm.Get("client_secret")
	}
	client, found := p.clients[id]
	if !found || client.Secret == "" || secret != client.Secret {
		return Client{}, errors.New("client authentication failed")
	}
	return client, nil
}

func (c Client) validRedirect(uri string) bool {
	for _, u := range c.RedirectURIs {
		if u == uri {
			return true
		}
	}
	return false
}

func verifyPKCE(challenge, verifier string) bool {
	if verifier == "" {
		return false
	}
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:]) == challenge
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func oauthError(w http.ResponseWriter, status int, code, desc string) {
	body := map[string]string{"error": code}
	if desc != "" {
		body["error_description"] = desc
	}
	writeJSON(w, status, body)
}

func redirectError(w http.ResponseWriter, r *http.Request, redirectURI, state, code, desc string) {
	target, err := url.Parse(redirectURI)
	if err != nil {
		http.Error(w, desc, http.StatusBadRequest)
		return
	}
	values := target.Query()
	values.Set("error", code)
	values.Set("error_description", desc)
	if state != "" {
		values.Set("state", state)
	}
	target.RawQuery = values.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}
