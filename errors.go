package accountsession

import (
	"errors"
	"fmt"
	"strings"

	"github.com/canopyauth/account-session/providers"
)

// ErrOAuthFailure is re-exported from providers: any transport or protocol
// failure talking to the identity provider, including refresh exhaustion.
// Callers treat a session that produced it as invalid.
var ErrOAuthFailure = providers.ErrOAuthFailure

// Session decode failures. Both are swallowed into "no session" at the HTTP
// boundary; they are surfaced as values so tests and logs can tell them apart.
var (
	// ErrSessionVersionInvalid reports a decoded session payload whose
	// schema version does not match the current one.
	ErrSessionVersionInvalid = errors.New("session payload version does not match the current schema version")

	// ErrSessionTooOld reports a decoded session issued by a provider
	// profile that is no longer the active one.
	ErrSessionTooOld = errors.New("session was issued by a retired identity provider")
)

// ErrFrozenSession reports an outbound identity-provider call attempted after
// Serialise. It is a programming-contract violation, not a user-facing
// condition.
var ErrFrozenSession = errors.New("session is sealed; no further identity-provider calls are permitted")

// CannotSetRemoteAttributeError reports an attribute write that would have to
// be pushed to an identity provider with no write capability.
type CannotSetRemoteAttributeError struct {
	Names []string
}

func (e *CannotSetRemoteAttributeError) Error() string {
	return fmt.Sprintf("the active identity provider does not accept attribute writes: %s", strings.Join(e.Names, ", "))
}

// UnknownAttributeNamesError reports requested attribute names absent from
// the schema.
type UnknownAttributeNamesError struct {
	Names []string
}

func (e *UnknownAttributeNamesError) Error() string {
	return fmt.Sprintf("unknown attributes: %s", strings.Join(e.Names, ", "))
}

// UnwritableAttributesError reports a write against read-only attributes.
type UnwritableAttributesError struct {
	Names []string
}

func (e *UnwritableAttributesError) Error() string {
	return fmt.Sprintf("attributes are not writable: %s", strings.Join(e.Names, ", "))
}

// MFARequiredError reports a permission check that failed because the session
// has not completed multi-factor authentication.
type MFARequiredError struct {
	Names []string
}

func (e *MFARequiredError) Error() string {
	return fmt.Sprintf("multi-factor authentication required for attributes: %s", strings.Join(e.Names, ", "))
}

// LevelTooLowError reports an attribute operation refused because the
// session's authentication level is below the attribute threshold. Needed is
// the minimum level that would have been accepted.
type LevelTooLowError struct {
	Names  []string
	Needed int
}

func (e *LevelTooLowError) Error() string {
	return fmt.Sprintf("authentication level too low for attributes (need %d): %s", e.Needed, strings.Join(e.Names, ", "))
}
