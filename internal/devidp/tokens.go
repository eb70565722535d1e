package devidp

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenResponse matches the token endpoint payload.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	IDToken      string `json:"id_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope,omitempty"`
}

type grant struct {
	ClientID     string
	Scope        string
	Audience     string
	Organization string
	Nonce        string
	AuthTime     time.Time
}

func (p *Provider) mint(g grant, withRefresh bool) (tokenResponse, error) {
	now := p.cfg.Clock.Now()
	issuer := p.Issuer()

	accessAud := g.Audience
	if accessAud == "" {
		accessAud = issuer + "userinfo"
	}
	access, err := p.keys.sign(jwt.MapClaims{
		"iss":   issuer,
		"sub":   p.cfg.Subject,
		"aud":   accessAud,
		"azp":   g.ClientID,
		"scope": g.Scope,
		"iat":   now.Unix(),
		"exp":   now.Add(p.cfg.AccessTTL).Unix(),
		"jti":   newID(),
	})
	if err != nil {
		return tokenResponse{}, fmt.Errorf("sign access token: %w", err)
	}

	idToken, err := p.signIDToken(g, now)
	if err != nil {
		return tokenResponse{}, err
	}

	resp := tokenResponse{
		AccessToken: access,
		IDToken:     idToken,
		TokenType:   "Bearer",
		ExpiresIn:   int64(p.cfg.AccessTTL.Seconds()),
		Scope:       g.Scope,
	}
	if withRefresh {
		rt := refreshToken{
			ID:           newID(),
			ClientID:     g.ClientID,
			Scope:        g.Scope,
			Audience:     g.Audience,
			Organization: g.Organization,
			AuthTime:     g.AuthTime,
		}
		p.store.saveRefreshToken(rt)
		resp.RefreshToken = rt.ID
	}
	return resp, nil
}

func (p *Provider) signIDToken(g grant, now time.Time) (string, error) {
	claims := jwt.MapClaims{
		"iss":       p.Issuer(),
		"sub":       p.cfg.Subject,
		"iat":       now.Unix(),
		"exp":       now.Add(idTokenTTL).Unix(),
		"auth_time": g.AuthTime.Unix(),
	}
	aud := append([]string{g.ClientID}, p.cfg.ExtraAudiences...)
	if len(aud) == 1 {
		claims["aud"] = aud[0]
	} else {
		claims["aud"] = aud
		claims["azp"] = g.ClientID
	}
	if p.cfg.AuthorizedParty != "" {
		claims["azp"] = p.cfg.AuthorizedParty
	}
	if g.Nonce != "" {
		claims["nonce"] = g.Nonce
	}
	org := p.cfg.Organization
	if org == "" {
		org = g.Organization
	}
	if org != "" {
		claims["org_id"] = org
	}
	if p.cfg.Name != "" {
		claims["name"] = p.cfg.Name
	}
	if p.cfg.Email != "" {
		claims["email"] = p.cfg.Email
	}
	token, err := p.keys.sign(claims)
	if err != nil {
		return "", fmt.Errorf("sign id token: %w", err)
	}
	return token, nil
}

// MintIDToken signs an ID token for clientID outside of any grant, e.g. to
// simulate a form_post response.
func (p *Provider) MintIDToken(clientID, nonce string) (string, error) {
	now := p.cfg.Clock.Now()
	return p.signIDToken(grant{ClientID: clientID, Nonce: nonce, AuthTime: now}, now)
}
