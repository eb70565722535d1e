package claims

import (
	"errors"
	"fmt"
)

// ErrorKind identifies which rule rejected the ID token.
type ErrorKind int

const (
	MissingOrganizationClaim ErrorKind = iota + 1
	OrganizationMismatch
	MissingSubject
	MissingIssuedAt
	MissingAuthorizedParty
	AuthorizedPartyMismatch
	MissingAuthTime
	AuthTimeExpired
)

var (
	ErrMissingOrganizationClaim = errors.New("organization claim missing")
	ErrOrganizationMismatch     = errors.New("organization claim mismatch")
	ErrMissingSubject           = errors.New("subject claim missing")
	ErrMissingIssuedAt          = errors.New("issued at claim missing")
	ErrMissingAuthorizedParty   = errors.New("authorized party claim missing")
	ErrAuthorizedPartyMismatch  = errors.New("authorized party claim mismatch")
	ErrMissingAuthTime          = errors.New("auth time claim missing")
	ErrAuthTimeExpired          = errors.New("auth time expired")
)

var kindErrors = map[ErrorKind]error{
	MissingOrganizationClaim: ErrMissingOrganizationClaim,
	OrganizationMismatch:     ErrOrganizationMismatch,
	MissingSubject:           ErrMissingSubject,
	MissingIssuedAt:          ErrMissingIssuedAt,
	MissingAuthorizedParty:   ErrMissingAuthorizedParty,
	AuthorizedPartyMismatch:  ErrAuthorizedPartyMismatch,
	MissingAuthTime:          ErrMissingAuthTime,
	AuthTimeExpired:          ErrAuthTimeExpired,
}

// ValidationError reports why an ID token was rejected. Sign-in must be
// aborted when one is returned.
type ValidationError struct {
	Kind ErrorKind
	// Expected and Found are set for the mismatch kinds.
	Expected string
	Found    string
	// Now and ValidUntil are epoch seconds, set for AuthTimeExpired.
	Now        int64
	ValidUntil int64
}

func (e *ValidationError) Error() string {
	switch e.Kind {
	case MissingOrganizationClaim:
		return "Organization claim must be a string present in the ID token."
	case OrganizationMismatch:
		return fmt.Sprintf("Organization claim mismatch in the ID token; expected %q, found %q.", e.Expected, e.Found)
	case MissingSubject:
		return "Subject (sub) claim must be a string present in the ID token."
	case MissingIssuedAt:
		return "Issued At (iat) claim must be an integer present in the ID token."
	case MissingAuthorizedParty:
		return "Authorized Party (azp) claim must be a string present in the ID token when Audiences (aud) claim has multiple values."
	case AuthorizedPartyMismatch:
		return fmt.Sprintf("Authorized Party (azp) claim mismatch in the ID token; expected %q, found %q.", e.Expected, e.Found)
	case MissingAuthTime:
		return "Authentication Time (auth_time) claim must be an integer present in the ID token when MaxAge specified."
	case AuthTimeExpired:
		return fmt.Sprintf("Authentication Time (auth_time) claim in the ID token indicates that too much time has passed since the last end-user authentication. Current time (%d) is after last auth at %d.", e.Now, e.ValidUntil)
	default:
		return "invalid ID token claims"
	}
}

// Unwrap exposes the sentinel for the error kind so callers can use errors.Is.
func (e *ValidationError) Unwrap() error {
	return kindErrors[e.Kind]
}
