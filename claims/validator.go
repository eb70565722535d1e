package claims

import (
	"strings"

	"oidcsession/internal/clock"
)

// Validator applies the sign-in specific ID token rules.
type Validator struct {
	clock clock.Clock
}

// NewValidator returns a Validator reading the current time from c. A nil
// clock uses the system clock.
func NewValidator(c clock.Clock) *Validator {
	if c == nil {
		c = clock.System()
	}
	return &Validator{clock: c}
}

// Validate checks the claims in order and stops at the first failure. The
// returned error is always a *ValidationError.
func (v *Validator) Validate(sc SignInContext, c IdentityClaims) error {
	if sc.Organization != "" {
		org, _ := c.String(Organization)
		if isBlank(org) {
			return &ValidationError{Kind: MissingOrganizationClaim}
		}
		if org != sc.Organization {
			return &ValidationError{Kind: OrganizationMismatch, Expected: sc.Organization, Found: org}
		}
	}

	if sub, _ := c.String(Subject); isBlank(sub) {
		return &ValidationError{Kind: MissingSubject}
	}

	if _, ok := c.Int64(IssuedAt); !ok {
		return &ValidationError{Kind: MissingIssuedAt}
	}

	if len(c.Audiences()) > 1 {
		azp, _ := c.String(AuthorizedParty)
		if isBlank(azp) {
			return &ValidationError{Kind: MissingAuthorizedParty}
		}
		if azp != sc.ClientID {
			return &ValidationError{Kind: AuthorizedPartyMismatch, Expected: sc.ClientID, Found: azp}
		}
	}

	if sc.MaxAge != nil {
		authTime, ok := c.Number(AuthTime)
		if !ok {
			return &ValidationError{Kind: MissingAuthTime}
		}
		validUntil := authTime + int64(sc.MaxAge.Seconds())
		now := v.clock.Now().Unix()
		if now > validUntil {
			return &ValidationError{Kind: AuthTimeExpired, Now: now, ValidUntil: validUntil}
		}
	}

	return nil
}

func isBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}
