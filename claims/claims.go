// Package claims validates the claims of a freshly issued ID token once per
// sign-in. Signature, issuer and lifetime checks happen before this package
// sees the claims; what remains are the rules that depend on the sign-in
// attempt itself (organization, authorized party, max age).
package claims

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claim names consumed by the validator.
const (
	Subject         = "sub"
	IssuedAt        = "iat"
	Audience        = "aud"
	AuthorizedParty = "azp"
	AuthTime        = "auth_time"
	Organization    = "org_id"
)

// IdentityClaims is the decoded claim set of an ID token.
type IdentityClaims map[string]any

// SignInContext carries the per-attempt data the validator compares against.
type SignInContext struct {
	// ClientID is the configured client identifier.
	ClientID string
	// MaxAge enables auth_time validation when non-nil.
	MaxAge *time.Duration
	// Organization is the organization requested at challenge time, if any.
	Organization string
}

// String returns the claim as a string. Non-string values are reported as
// absent.
func (c IdentityClaims) String(name string) (string, bool) {
	v, ok := c[name]
	if !ok || v == nil {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Audiences normalizes the aud claim, which may be a single string or a list.
func (c IdentityClaims) Audiences() []string {
	switch v := c[Audience].(type) {
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// Int64 returns an integral numeric claim.
func (c IdentityClaims) Int64(name string) (int64, bool) {
	switch v := c[name].(type) {
	case int:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		if v != math.Trunc(v) || math.IsInf(v, 0) {
			return 0, false
		}
		return int64(v), true
	case json.Number:
		i, err := v.Int64()
		return i, err == nil
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		return i, err == nil
	default:
		return 0, false
	}
}

// Number returns a numeric claim truncated to whole seconds.
func (c IdentityClaims) Number(name string) (int64, bool) {
	var f float64
	switch v := c[name].(type) {
	case int:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		f = v
	case json.Number:
		parsed, err := v.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return int64(f), true
}

// DecodeUnverified decodes the payload of a JWT whose signature has already
// been verified elsewhere, e.g. an ID token read back from session storage.
func DecodeUnverified(raw string) (IdentityClaims, error) {
	mc := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, mc); err != nil {
		return nil, fmt.Errorf("decode token: %w", err)
	}
	return IdentityClaims(mc), nil
}
