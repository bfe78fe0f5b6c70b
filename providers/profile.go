// Package providers implements the OAuth/OIDC client this library uses to
// talk to the active identity provider. One Client is parameterized by an
// injected Profile value object rather than a type per backend; the two
// supported backends differ only in scopes, capability flags, and the paths
// of their provider-specific endpoints.
package providers

import (
	"github.com/google/uuid"
)

// Profile describes an identity-provider backend: the scopes it is asked
// for, whether it accepts attribute writes, and where its provider-specific
// endpoints live relative to the issuer. The standard endpoints (authorize,
// token, userinfo, end-session) come from OIDC discovery instead.
type Profile struct {
	// Name identifies the profile in logs and metrics.
	Name string

	// Scopes requested during authorization.
	Scopes []string

	// RemoteWrite reports whether the provider accepts attribute writes.
	// Pushing attributes to a provider without this capability is a caller
	// error, not a transport failure.
	RemoteWrite bool

	// DigitalIdentity marks sessions issued by the digital-identity
	// backend. Decoded sessions whose flag disagrees with the active
	// profile are rejected as stale.
	DigitalIdentity bool

	// AttributePath is a printf-style path template with one %s verb for
	// the attribute name, relative to the issuer. Empty when the provider
	// has no per-attribute endpoint.
	AttributePath string

	// BulkSetPath is the attribute bulk-set endpoint path, relative to the
	// issuer. Empty when RemoteWrite is false.
	BulkSetPath string

	// JWTSubmitPath is the signed-JWT submission endpoint path, relative
	// to the issuer.
	JWTSubmitPath string
}

// ClassicProfile is the account-manager backend: full attribute API,
// including writes.
func ClassicProfile() Profile {
	return Profile{
		Name:          "classic",
		Scopes:        []string{"openid", "email", "transition_checker", "account_manager_access"},
		RemoteWrite:   true,
		AttributePath: "/v1/attributes/%s",
		BulkSetPath:   "/v1/attributes",
		JWTSubmitPath: "/v1/jwt",
	}
}

// DigitalIdentityProfile is the digital-identity backend: attributes can be
// read but never written back.
func DigitalIdentityProfile() Profile {
	return Profile{
		Name:            "digital-identity",
		Scopes:          []string{"openid", "email", "phone"},
		RemoteWrite:     false,
		DigitalIdentity: true,
		AttributePath:   "/v1/attributes/%s",
		JWTSubmitPath:   "/v1/jwt",
	}
}

// PendingRequest carries the CSRF state and the nonce for one authorization
// round trip. The state is embedded in the redirect URL and the nonce is
// checked against the ID token returned by the code exchange.
type PendingRequest struct {
	State string
	Nonce string
}

// NewPendingRequest generates a pending request with fresh random values.
func NewPendingRequest() PendingRequest {
	return PendingRequest{
		State: uuid.NewString(),
		Nonce: uuid.NewString(),
	}
}
