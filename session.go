// Package accountsession reconstructs an authenticated user's session from an
// encrypted request header, answers attribute reads and writes against the
// configured permission schema, and re-serializes the session with whatever
// token rotation the identity provider performed along the way.
//
// A Session lives for exactly one request: decode (or construct after a code
// exchange), use, serialise, discard. Serialising seals the session; a sealed
// session refuses all further identity-provider calls.
package accountsession

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/canopyauth/account-session/attributes"
	"github.com/canopyauth/account-session/codec"
	"github.com/canopyauth/account-session/providers"
)

// currentSessionVersion is the schema version written into every serialized
// session. Decoded payloads carrying any other version are rejected.
const currentSessionVersion = 1

type sessionState int

const (
	stateLive sessionState = iota
	stateSealed
)

// tokenPayload is the JSON shape encrypted into a session token. Version is
// a pointer so its absence (a legacy session) is distinguishable from zero.
type tokenPayload struct {
	AccessToken     string `json:"access_token"`
	RefreshToken    string `json:"refresh_token,omitempty"`
	IDToken         string `json:"id_token,omitempty"`
	UserID          string `json:"user_id,omitempty"`
	AuthLevel       int    `json:"auth_level,omitempty"`
	Level1          bool   `json:"level1,omitempty"`
	DigitalIdentity bool   `json:"digital_identity,omitempty"`
	Version         *int   `json:"version,omitempty"`
}

// Session is the in-memory representation of one authenticated user for one
// request. It is not safe for concurrent use; request handling is
// single-threaded per session by design.
type Session struct {
	svc             *Service
	state           sessionState
	tokens          providers.TokenPair
	idToken         string
	userID          string
	authLevel       int
	digitalIdentity bool
}

// NewSession creates a live session from freshly exchanged tokens. Used once
// per successful authorization-code exchange; every later request goes
// through DecodeSession instead.
func (s *Service) NewSession(tokens providers.TokenPair, idToken, userID string, authLevel int) *Session {
	return &Session{
		svc:             s,
		state:           stateLive,
		tokens:          tokens,
		idToken:         idToken,
		userID:          userID,
		authLevel:       authLevel,
		digitalIdentity: s.client.Profile().DigitalIdentity,
	}
}

// DecodeSession reconstructs a session from a raw session token. It returns
// (nil, nil) for anything unreadable: an empty header, a tampered or
// wrong-secret token, or garbage. Version and identity-source violations are
// returned as ErrSessionVersionInvalid and ErrSessionTooOld; callers at the
// HTTP boundary treat those as "no session" too.
func (s *Service) DecodeSession(ctx context.Context, token string) (*Session, error) {
	start := time.Now()

	var payload tokenPayload
	if codec.Decrypt(token, s.secret, &payload) {
		s.recordCodec(ctx, "decode", start)
		return s.sessionFromPayload(payload)
	}

	// Legacy two-segment format: raw token pair, no metadata, no integrity.
	access, refresh, ok := codec.DecodeLegacy(token)
	if !ok {
		return nil, nil
	}
	s.recordCodec(ctx, "decode_legacy", start)
	return s.sessionFromPayload(tokenPayload{
		AccessToken:  access,
		RefreshToken: refresh,
	})
}

func (s *Service) sessionFromPayload(payload tokenPayload) (*Session, error) {
	authLevel := payload.AuthLevel
	if payload.Version == nil {
		// Legacy payload shape: the authentication level is carried as a
		// boolean flag and the identity-source flag does not exist.
		if payload.Level1 {
			authLevel = 1
		} else {
			authLevel = 0
		}
	} else if *payload.Version != currentSessionVersion {
		return nil, ErrSessionVersionInvalid
	}

	// A session minted by a provider profile other than the active one is
	// stale; forcing re-authentication is the only safe option.
	if payload.DigitalIdentity != s.client.Profile().DigitalIdentity {
		return nil, ErrSessionTooOld
	}

	return &Session{
		svc:             s,
		state:           stateLive,
		tokens:          providers.TokenPair{AccessToken: payload.AccessToken, RefreshToken: payload.RefreshToken},
		idToken:         payload.IDToken,
		userID:          payload.UserID,
		authLevel:       authLevel,
		digitalIdentity: payload.DigitalIdentity,
	}, nil
}

// AuthLevel returns the session's authentication level, fixed at construction.
func (se *Session) AuthLevel() int {
	return se.authLevel
}

// MFA reports whether the session completed multi-factor authentication.
func (se *Session) MFA() bool {
	return se.authLevel >= 1
}

// DigitalIdentity reports which identity-provider family issued the session.
func (se *Session) DigitalIdentity() bool {
	return se.digitalIdentity
}

// UserID returns the user identifier, which may be empty for a legacy session
// that has not yet triggered lazy discovery.
func (se *Session) UserID() string {
	return se.userID
}

// Tokens returns the current, possibly rotated, token pair.
func (se *Session) Tokens() providers.TokenPair {
	return se.tokens
}

// IDToken returns the identity token from the original exchange, if any.
func (se *Session) IDToken() string {
	return se.idToken
}

// CheckAttributes validates that the session may learn whether the named
// attributes exist. Unknown names fail with UnknownAttributeNamesError;
// attributes whose check threshold exceeds the session's level fail with
// MFARequiredError.
func (se *Session) CheckAttributes(names []string) error {
	if err := se.requireDefined(names); err != nil {
		return err
	}

	var blocked []string
	for _, name := range names {
		if !se.svc.schema.HasPermission(name, attributes.OpCheck, se.authLevel) {
			blocked = append(blocked, name)
		}
	}
	if len(blocked) > 0 {
		return &MFARequiredError{Names: blocked}
	}
	return nil
}

// GetAttributes fetches the named attributes, partitioned by storage
// location: local values come from the user record, remote values are
// fetched live from the provider, and cached values are read through the
// user record with a write-back of anything fetched remotely. Null and
// absent values are dropped from the result.
func (se *Session) GetAttributes(ctx context.Context, names []string) (map[string]any, error) {
	if err := se.requireDefined(names); err != nil {
		return nil, err
	}
	if err := se.requireLevel(names, attributes.OpGet); err != nil {
		return nil, err
	}

	local, remote, cached := se.partition(names)
	result := make(map[string]any, len(names))

	if len(local) > 0 {
		userID, err := se.resolveUserID(ctx)
		if err != nil {
			return nil, err
		}
		values, err := se.svc.users.GetAttributes(ctx, userID, local)
		if err != nil {
			return nil, fmt.Errorf("failed to read local attributes: %w", err)
		}
		mergeNonNull(result, values)
	}

	for _, name := range remote {
		value, found, err := se.providerGetAttribute(ctx, name)
		if err != nil {
			return nil, err
		}
		if found && value != nil {
			result[name] = value
		}
	}

	if len(cached) > 0 {
		if err := se.getCachedAttributes(ctx, cached, result); err != nil {
			return nil, err
		}
	}

	return result, nil
}

// getCachedAttributes reads cached names from the user record and fetches
// each miss from the provider exactly once, persisting non-null results.
func (se *Session) getCachedAttributes(ctx context.Context, names []string, result map[string]any) error {
	userID, err := se.resolveUserID(ctx)
	if err != nil {
		return err
	}

	stored, err := se.svc.users.GetAttributes(ctx, userID, names)
	if err != nil {
		return fmt.Errorf("failed to read cached attributes: %w", err)
	}

	for _, name := range names {
		if value, ok := stored[name]; ok && value != nil {
			result[name] = value
			continue
		}

		value, found, err := se.providerGetAttribute(ctx, name)
		if err != nil {
			return err
		}
		if !found || value == nil {
			continue
		}
		if err := se.svc.users.SetAttributes(ctx, userID, map[string]any{name: value}); err != nil {
			return fmt.Errorf("failed to persist cached attribute %q: %w", name, err)
		}
		result[name] = value
	}

	return nil
}

// SetAttributes writes the given attribute values. Local and cached values
// are persisted to the user record; remote and cached values are then pushed
// to the provider in one bulk call. Local persistence always completes
// before the push starts, so local state never runs ahead of what was
// actually offered to the provider.
func (se *Session) SetAttributes(ctx context.Context, values map[string]any) error {
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}

	if err := se.requireDefined(names); err != nil {
		return err
	}
	if err := se.requireWritable(names); err != nil {
		return err
	}
	if err := se.requireLevel(names, attributes.OpSet); err != nil {
		return err
	}

	local, remote, cached := se.partition(names)

	push := make(map[string]any, len(remote)+len(cached))
	for _, name := range append(remote, cached...) {
		push[name] = values[name]
	}
	if len(push) > 0 && !se.svc.client.Profile().RemoteWrite {
		return &CannotSetRemoteAttributeError{Names: sortedKeys(push)}
	}

	persist := make(map[string]any, len(local)+len(cached))
	for _, name := range append(local, cached...) {
		persist[name] = values[name]
	}
	if len(persist) > 0 {
		userID, err := se.resolveUserID(ctx)
		if err != nil {
			return err
		}
		if err := se.svc.users.SetAttributes(ctx, userID, persist); err != nil {
			return fmt.Errorf("failed to persist attributes: %w", err)
		}
	}

	if len(push) > 0 {
		if err := se.providerBulkSet(ctx, push); err != nil {
			return err
		}
	}

	return nil
}

// Serialise seals the session and returns the encrypted token for the
// current token pair and metadata. After sealing, any attempt to reach the
// identity provider through this session fails with ErrFrozenSession.
func (se *Session) Serialise(ctx context.Context) (string, error) {
	se.state = stateSealed

	version := currentSessionVersion
	payload := tokenPayload{
		AccessToken:     se.tokens.AccessToken,
		RefreshToken:    se.tokens.RefreshToken,
		IDToken:         se.idToken,
		UserID:          se.userID,
		AuthLevel:       se.authLevel,
		DigitalIdentity: se.digitalIdentity,
		Version:         &version,
	}

	start := time.Now()
	token, err := codec.Encrypt(payload, se.svc.secret)
	if err != nil {
		return "", fmt.Errorf("failed to serialise session: %w", err)
	}
	se.svc.recordCodec(ctx, "encode", start)
	return token, nil
}

// ensureLive guards every outbound identity-provider call. The provider
// wrappers below are the only call sites of the client within a session, so
// no code path can reach the provider once sealed.
func (se *Session) ensureLive() error {
	if se.state == stateSealed {
		return ErrFrozenSession
	}
	return nil
}

// resolveUserID returns the session's user identifier, discovering it via a
// userinfo call the first time for legacy sessions that never carried one.
func (se *Session) resolveUserID(ctx context.Context) (string, error) {
	if se.userID != "" {
		return se.userID, nil
	}
	if err := se.ensureLive(); err != nil {
		return "", err
	}

	info, tokens, err := se.svc.client.UserInfo(ctx, se.tokens)
	se.tokens = tokens
	if err != nil {
		return "", err
	}

	sub, _ := info["sub"].(string)
	if sub == "" {
		return "", fmt.Errorf("userinfo response carries no subject: %w", ErrOAuthFailure)
	}
	se.userID = sub
	return sub, nil
}

func (se *Session) providerGetAttribute(ctx context.Context, name string) (any, bool, error) {
	if err := se.ensureLive(); err != nil {
		return nil, false, err
	}
	value, found, tokens, err := se.svc.client.GetAttribute(ctx, se.tokens, name)
	se.tokens = tokens
	return value, found, err
}

func (se *Session) providerBulkSet(ctx context.Context, values map[string]any) error {
	if err := se.ensureLive(); err != nil {
		return err
	}
	tokens, err := se.svc.client.BulkSetAttributes(ctx, se.tokens, values)
	se.tokens = tokens
	return err
}

// requireDefined fails with UnknownAttributeNamesError when any name is
// absent from the schema.
func (se *Session) requireDefined(names []string) error {
	var unknown []string
	for _, name := range names {
		if !se.svc.schema.IsDefined(name) {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		return &UnknownAttributeNamesError{Names: unknown}
	}
	return nil
}

// requireWritable fails with UnwritableAttributesError when any name is
// read-only in the schema.
func (se *Session) requireWritable(names []string) error {
	var unwritable []string
	for _, name := range names {
		if !se.svc.schema.IsWritable(name) {
			unwritable = append(unwritable, name)
		}
	}
	if len(unwritable) > 0 {
		return &UnwritableAttributesError{Names: unwritable}
	}
	return nil
}

// requireLevel fails with LevelTooLowError when the session's level is below
// any named attribute's threshold for the operation. Needed reports the
// highest threshold among the refused names.
func (se *Session) requireLevel(names []string, op attributes.Operation) error {
	var blocked []string
	needed := se.authLevel
	for _, name := range names {
		if se.svc.schema.HasPermission(name, op, se.authLevel) {
			continue
		}
		blocked = append(blocked, name)
		if threshold, ok := se.svc.schema.Threshold(name, op); ok && threshold > needed {
			needed = threshold
		}
	}
	if len(blocked) > 0 {
		return &LevelTooLowError{Names: blocked, Needed: needed}
	}
	return nil
}

// partition splits names by the schema's storage location.
func (se *Session) partition(names []string) (local, remote, cached []string) {
	for _, name := range names {
		kind, _ := se.svc.schema.Storage(name)
		switch kind {
		case attributes.StorageLocal:
			local = append(local, name)
		case attributes.StorageRemote:
			remote = append(remote, name)
		case attributes.StorageCached:
			cached = append(cached, name)
		}
	}
	return local, remote, cached
}

func (s *Service) recordCodec(ctx context.Context, operation string, start time.Time) {
	if s.metrics == nil {
		return
	}
	s.metrics.RecordCodecOperation(ctx, operation, float64(time.Since(start).Milliseconds()))
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func mergeNonNull(dst map[string]any, src map[string]any) {
	for name, value := range src {
		if value != nil {
			dst[name] = value
		}
	}
}
