package server

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/oauth2"

	"oidcsession/session"
	"oidcsession/tokenclient"
)

var (
	errStateMismatch  = errors.New("state mismatch")
	errMissingIDToken = errors.New("id_token missing in response")
)

// randReader is the entropy source for state and nonce values.
var randReader io.Reader = rand.Reader

func randomToken() (string, error) {
	buf := make([]byte, 24)
	if _, err := io.ReadFull(randReader, buf); err != nil {
		return "", fmt.Errorf("generate random value: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func (a *App) baseContext(w http.ResponseWriter, r *http.Request, sch *scheme, props *session.Properties) BaseContext {
	return BaseContext{Request: r, Writer: w, Scheme: sch.name, Options: sch.opts, Properties: props}
}

// Challenge redirects the browser to the identity provider of schemeName.
// props travel through the handshake and seed the session on success.
func (a *App) Challenge(w http.ResponseWriter, r *http.Request, schemeName string, props *session.Properties) error {
	sch, err := a.lookupScheme(schemeName)
	if err != nil {
		return err
	}
	if props == nil {
		props = session.NewProperties()
	}

	state, err := randomToken()
	if err != nil {
		return err
	}
	nonce, err := randomToken()
	if err != nil {
		return err
	}
	var verifier string
	if sch.opts.ResponseType.IsCodeFlow() {
		verifier = oauth2.GenerateVerifier()
	}

	rc := &RedirectContext{BaseContext: a.baseContext(w, r, sch, props), Parameters: url.Values{}}
	if err := sch.events.OnRedirectToIdentityProvider.Invoke(r.Context(), rc); err != nil {
		return err
	}
	if rc.Handled() {
		return nil
	}

	cs := challengeState{State: state, Nonce: nonce, Verifier: verifier, Properties: props}
	if err := a.Cookies.setCorrelation(w, sch.name, cs); err != nil {
		return err
	}
	http.Redirect(w, r, sch.provider.AuthCodeURL(state, nonce, verifier, rc.Parameters), http.StatusFound)
	return nil
}

// SignOut ends the local session. With a scheme name it also redirects the
// browser to the provider logout endpoint; an empty scheme only removes the
// local session.
func (a *App) SignOut(w http.ResponseWriter, r *http.Request, schemeName string) error {
	a.Cookies.Clear(r.Context(), w, r)
	if schemeName == "" {
		return nil
	}
	props := session.NewProperties()
	props.SetRedirectURI("/")
	return a.signOutRemote(w, r, schemeName, props)
}

func (a *App) signOutRemote(w http.ResponseWriter, r *http.Request, schemeName string, props *session.Properties) error {
	sch, err := a.lookupScheme(schemeName)
	if err != nil {
		return err
	}
	rc := &RedirectContext{BaseContext: a.baseContext(w, r, sch, props), Parameters: url.Values{}}
	if err := sch.events.OnRedirectToIdentityProviderForSignOut.Invoke(r.Context(), rc); err != nil {
		return err
	}
	if !rc.Handled() {
		http.Redirect(w, r, safeReturnURL(props.RedirectURI(), a.Config.Server.PublicURL), http.StatusFound)
	}
	return nil
}

func (a *App) callbackHandler(sch *scheme) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := a.handleCallback(w, r, sch); err != nil {
			a.Logger.Error("callback handler error", "scheme", sch.name, "error", err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
	}
}

// handleCallback completes the handshake. Returned errors come from event
// handlers or the cookie layer; protocol failures are answered directly.
func (a *App) handleCallback(w http.ResponseWriter, r *http.Request, sch *scheme) error {
	ctx := r.Context()
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid callback request", http.StatusBadRequest)
		return nil
	}

	cs, corrErr := a.Cookies.takeCorrelation(w, r, sch.name)
	props := cs.Properties
	if props == nil {
		props = session.NewProperties()
	}
	base := a.baseContext(w, r, sch, props)

	mc := &MessageReceivedContext{BaseContext: base, Form: r.Form}
	if err := sch.events.OnMessageReceived.Invoke(ctx, mc); err != nil {
		return err
	}
	if mc.Handled() {
		return nil
	}

	if corrErr != nil {
		return a.remoteFailure(ctx, w, base, http.StatusBadRequest, corrErr)
	}
	if r.Form.Get("state") != cs.State {
		return a.remoteFailure(ctx, w, base, http.StatusBadRequest, errStateMismatch)
	}

	if code := r.Form.Get("error"); code != "" {
		desc := r.Form.Get("error_description")
		if code == "access_denied" {
			ad := &AccessDeniedContext{BaseContext: base, Description: desc}
			if err := sch.events.OnAccessDenied.Invoke(ctx, ad); err != nil {
				return err
			}
			if ad.Handled() {
				return nil
			}
		}
		return a.remoteFailure(ctx, w, base, http.StatusUnauthorized, fmt.Errorf("%s: %s", code, desc))
	}

	rawIDToken := r.Form.Get("id_token")
	var tok *oauth2.Token
	if code := r.Form.Get("code"); code != "" {
		ac := &AuthorizationCodeReceivedContext{BaseContext: base, Code: code}
		if err := sch.events.OnAuthorizationCodeReceived.Invoke(ctx, ac); err != nil {
			return err
		}
		if ac.Handled() {
			return nil
		}

		var err error
		tok, err = sch.provider.Exchange(ctx, code, cs.Verifier)
		if err != nil {
			return a.authenticationFailed(ctx, w, sch, base, err)
		}
		tr := &TokenResponseReceivedContext{BaseContext: base, Token: tok}
		if err := sch.events.OnTokenResponseReceived.Invoke(ctx, tr); err != nil {
			return err
		}
		if tr.Handled() {
			return nil
		}
		if raw, ok := tok.Extra("id_token").(string); ok && raw != "" {
			rawIDToken = raw
		}
	}
	if rawIDToken == "" {
		return a.authenticationFailed(ctx, w, sch, base, errMissingIDToken)
	}

	idToken, idClaims, err := sch.provider.VerifyIDToken(ctx, rawIDToken, cs.Nonce)
	if err != nil {
		return a.authenticationFailed(ctx, w, sch, base, err)
	}
	tv := &TokenValidatedContext{BaseContext: base, RawIDToken: rawIDToken, IDToken: idToken, Claims: idClaims, Token: tok}
	if err := sch.events.OnTokenValidated.Invoke(ctx, tv); err != nil {
		return err
	}
	if tv.Handled() {
		return nil
	}
	if failure := tv.Failure(); failure != nil {
		return a.authenticationFailed(ctx, w, sch, base, failure)
	}

	returnURI := props.RedirectURI()
	props.Remove(session.RedirectURIKey)
	props.SetScheme(sch.name)
	props.SetToken(session.IDToken, rawIDToken)
	if tok != nil {
		props.SetToken(session.AccessToken, tok.AccessToken)
		props.SetToken(session.RefreshToken, tok.RefreshToken)
		if expiresAt, ok := a.tokenExpiry(tok); ok {
			props.SetTokenExpiry(expiresAt)
		}
	} else if at := r.Form.Get("access_token"); at != "" {
		props.SetToken(session.AccessToken, at)
		if secs, err := strconv.ParseInt(r.Form.Get("expires_in"), 10, 64); err == nil && secs > 0 {
			props.SetTokenExpiry(a.clock.Now().Add(tokenclient.Lifetime(secs)))
		}
	}

	ticket := &TicketReceivedContext{BaseContext: base, ReturnURI: safeReturnURL(returnURI, a.Config.Server.PublicURL)}
	if err := sch.events.OnTicketReceived.Invoke(ctx, ticket); err != nil {
		return err
	}
	if ticket.Handled() {
		return nil
	}

	if err := a.Cookies.SignIn(ctx, w, r, props); err != nil {
		return fmt.Errorf("issue session cookie: %w", err)
	}
	a.Logger.Info("user signed in", "scheme", sch.name, "sub", idToken.Subject, "refresh_token", props.Token(session.RefreshToken) != "")
	http.Redirect(w, r, ticket.ReturnURI, http.StatusFound)
	return nil
}

// tokenExpiry derives expires_at from expires_in using the app clock.
func (a *App) tokenExpiry(tok *oauth2.Token) (time.Time, bool) {
	var secs int64
	switch v := tok.Extra("expires_in").(type) {
	case float64:
		secs = int64(min(v, float64(tokenclient.MaxLifetime/time.Second)))
	case json.Number:
		secs, _ = v.Int64()
	case string:
		secs, _ = strconv.ParseInt(v, 10, 64)
	}
	if secs > 0 {
		return a.clock.Now().Add(tokenclient.Lifetime(secs)), true
	}
	if !tok.Expiry.IsZero() {
		return tok.Expiry, true
	}
	return time.Time{}, false
}

func (a *App) authenticationFailed(ctx context.Context, w http.ResponseWriter, sch *scheme, base BaseContext, cause error) error {
	a.Logger.Warn("authentication failed", "scheme", sch.name, "error", cause)
	af := &AuthenticationFailedContext{BaseContext: base, Err: cause}
	if err := sch.events.OnAuthenticationFailed.Invoke(ctx, af); err != nil {
		return err
	}
	if af.Handled() {
		return nil
	}
	return a.remoteFailure(ctx, w, base, http.StatusUnauthorized, cause)
}

func (a *App) remoteFailure(ctx context.Context, w http.ResponseWriter, base BaseContext, status int, cause error) error {
	sch, err := a.lookupScheme(base.Scheme)
	if err != nil {
		return err
	}
	rf := &RemoteFailureContext{BaseContext: base, Err: cause}
	if err := sch.events.OnRemoteFailure.Invoke(ctx, rf); err != nil {
		return err
	}
	if rf.Handled() {
		return nil
	}
	http.Error(w, "authentication failed: "+cause.Error(), status)
	return nil
}
