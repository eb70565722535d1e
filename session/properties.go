package session

import (
	"encoding/json"
	"sort"
	"strings"
	"time"
)

// Token names persisted in the property bag.
const (
	AccessToken  = "access_token"
	RefreshToken = "refresh_token"
	IDToken      = "id_token"
	ExpiresAt    = "expires_at"
)

// Reserved property keys.
const (
	SchemeKey       = ".AuthScheme"
	RedirectURIKey  = ".redirect"
	tokenPrefix     = ".Token."
	tokenNamesKey   = ".TokenNames"
	ParameterPrefix = "oidc:"
)

// Provider parameters carried from the challenge to the authorize request.
const (
	OrganizationParameter = ParameterPrefix + "organization"
	AudienceParameter     = ParameterPrefix + "audience"
	ScopeParameter        = ParameterPrefix + "scope"
)

// Properties is the string property bag attached to an authenticated
// session. Token values are stored under ".Token.<name>" keys and indexed in
// ".TokenNames" so the bag can be persisted and restored without loss.
type Properties struct {
	Items map[string]string
}

// NewProperties returns an empty bag.
func NewProperties() *Properties {
	return &Properties{Items: map[string]string{}}
}

func (p *Properties) ensure() {
	if p.Items == nil {
		p.Items = map[string]string{}
	}
}

// Get returns the raw value stored under key.
func (p *Properties) Get(key string) (string, bool) {
	v, ok := p.Items[key]
	return v, ok
}

// Set stores value under key.
func (p *Properties) Set(key, value string) {
	p.ensure()
	p.Items[key] = value
}

// Remove deletes key.
func (p *Properties) Remove(key string) {
	delete(p.Items, key)
}

// Token returns the stored token value, or "" when absent.
func (p *Properties) Token(name string) string {
	return p.Items[tokenPrefix+name]
}

// SetToken stores a token value. An empty value removes the token.
func (p *Properties) SetToken(name, value string) {
	if value == "" {
		p.RemoveToken(name)
		return
	}
	p.ensure()
	p.Items[tokenPrefix+name] = value
	names := p.TokenNames()
	for _, n := range names {
		if n == name {
			return
		}
	}
	p.Items[tokenNamesKey] = strings.Join(append(names, name), ";")
}

// RemoveToken deletes a token value and its index entry.
func (p *Properties) RemoveToken(name string) {
	delete(p.Items, tokenPrefix+name)
	names := p.TokenNames()
	kept := names[:0]
	for _, n := range names {
		if n != name {
			kept = append(kept, n)
		}
	}
	if len(kept) == 0 {
		delete(p.Items, tokenNamesKey)
		return
	}
	p.Items[tokenNamesKey] = strings.Join(kept, ";")
}

// TokenNames lists the stored token names in insertion order.
func (p *Properties) TokenNames() []string {
	raw := p.Items[tokenNamesKey]
	if raw == "" {
		return nil
	}
	return strings.Split(raw, ";")
}

// TokenExpiry parses the expires_at token. It reports false when the value
// is missing or unparseable.
func (p *Properties) TokenExpiry() (time.Time, bool) {
	raw := p.Token(ExpiresAt)
	if raw == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// SetTokenExpiry stores expires_at in round-trippable form.
func (p *Properties) SetTokenExpiry(t time.Time) {
	p.SetToken(ExpiresAt, t.UTC().Format(time.RFC3339Nano))
}

// Scheme returns the authentication scheme tag.
func (p *Properties) Scheme() string { return p.Items[SchemeKey] }

// SetScheme tags the bag with the scheme that issued it.
func (p *Properties) SetScheme(scheme string) { p.Set(SchemeKey, scheme) }

// RedirectURI returns where the user goes after sign-in or sign-out.
func (p *Properties) RedirectURI() string { return p.Items[RedirectURIKey] }

// SetRedirectURI sets the post-flow redirect target.
func (p *Properties) SetRedirectURI(uri string) { p.Set(RedirectURIKey, uri) }

// SetParameter stores a provider parameter under the "oidc:" prefix.
func (p *Properties) SetParameter(name, value string) {
	p.Set(ParameterPrefix+name, value)
}

// Parameters returns all provider parameters with the prefix stripped.
func (p *Properties) Parameters() map[string]string {
	out := map[string]string{}
	for k, v := range p.Items {
		if name, ok := strings.CutPrefix(k, ParameterPrefix); ok {
			out[name] = v
		}
	}
	return out
}

// ParameterNames returns the provider parameter names in sorted order.
func (p *Properties) ParameterNames() []string {
	params := p.Parameters()
	names := make([]string, 0, len(params))
	for k := range params {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Clone returns a deep copy.
func (p *Properties) Clone() *Properties {
	c := &Properties{Items: make(map[string]string, len(p.Items))}
	for k, v := range p.Items {
		c.Items[k] = v
	}
	return c
}

func (p *Properties) MarshalJSON() ([]byte, error) {
	if p.Items == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(p.Items)
}

func (p *Properties) UnmarshalJSON(b []byte) error {
	items := map[string]string{}
	if err := json.Unmarshal(b, &items); err != nil {
		return err
	}
	p.Items = items
	return nil
}
