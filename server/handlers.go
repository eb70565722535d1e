package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"oidcsession/claims"
	"oidcsession/session"
)

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// handleLogin starts a sign-in. Query parameters:
// scheme, returnUrl, organization, audience and invitation.
func (a *App) handleLogin(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	props := session.NewProperties()
	props.SetRedirectURI(safeReturnURL(q.Get("returnUrl"), a.Config.Server.PublicURL))
	if org := q.Get("organization"); org != "" {
		props.Set(session.OrganizationParameter, org)
	}
	if aud := q.Get("audience"); aud != "" {
		props.Set(session.AudienceParameter, aud)
	}
	if inv := q.Get("invitation"); inv != "" {
		props.SetParameter("invitation", inv)
	}

	if err := a.Challenge(w, r, q.Get("scheme"), props); err != nil {
		if errors.Is(err, session.ErrUnknownScheme) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		a.Logger.Error("challenge failed", "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

// handleLogout clears the local session and signs out at the provider that
// issued it.
func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	schemeName := r.FormValue("scheme")
	if schemeName == "" {
		if props := SessionFromContext(r.Context()); props != nil {
			schemeName = props.Scheme()
		}
	}
	props := session.NewProperties()
	props.SetRedirectURI(safeReturnURL(r.FormValue("returnUrl"), a.Config.Server.PublicURL))

	a.Cookies.Clear(r.Context(), w, r)
	if err := a.signOutRemote(w, r, schemeName, props); err != nil {
		if errors.Is(err, session.ErrUnknownScheme) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		a.Logger.Error("sign out failed", "scheme", schemeName, "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

type profileResponse struct {
	Scheme          string     `json:"scheme"`
	Subject         string     `json:"sub,omitempty"`
	Name            string     `json:"name,omitempty"`
	Email           string     `json:"email,omitempty"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	HasAccessToken  bool       `json:"has_access_token"`
	HasRefreshToken bool       `json:"has_refresh_token"`
}

func (a *App) handleProfile(w http.ResponseWriter, r *http.Request) {
	props := SessionFromContext(r.Context())
	resp := profileResponse{
		Scheme:          props.Scheme(),
		HasAccessToken:  props.Token(session.AccessToken) != "",
		HasRefreshToken: props.Token(session.RefreshToken) != "",
	}
	if exp, ok := props.TokenExpiry(); ok {
		resp.ExpiresAt = &exp
	}
	if raw := props.Token(session.IDToken); raw != "" {
		c, err := claims.DecodeUnverified(raw)
		if err != nil {
			a.Logger.Warn("stored id_token unreadable", "error", err)
		} else {
			resp.Subject, _ = c.String("sub")
			resp.Name, _ = c.String("name")
			resp.Email, _ = c.String("email")
		}
	}
	writeJSON(w, resp)
}

func (a *App) handleHome(w http.ResponseWriter, r *http.Request) {
	props := SessionFromContext(r.Context())
	resp := map[string]any{
		"authenticated": props != nil,
		"schemes":       a.Registry.Schemes(),
		"login":         "/login",
	}
	if props != nil {
		resp["scheme"] = props.Scheme()
	}
	writeJSON(w, resp)
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	if p, ok := a.Tickets.(interface{ Ping(context.Context) error }); ok {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			a.Logger.Warn("ticket store unhealthy", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			writeJSON(w, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, map[string]string{"status": "ok"})
}
