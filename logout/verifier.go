// Package logout verifies backchannel logout tokens and manages the shared
// forced-logout signal. A valid logout token is single use: its jti is
// recorded in the shared store and any repeat within the replay window is
// rejected.
package logout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/canopyauth/account-session/instrumentation"
	"github.com/canopyauth/account-session/storage"
)

// BackchannelLogoutEvent is the OIDC backchannel logout event name. The
// events claim must contain exactly this key mapped to an empty object.
const BackchannelLogoutEvent = "http://schemas.openid.net/event/backchannel-logout"

// DefaultReplayTTL is how long a jti replay marker is kept. A few minutes is
// enough: providers deliver logout tokens promptly and expired markers only
// matter for tokens that would fail the issued-at check anyway.
const DefaultReplayTTL = 3 * time.Minute

// replayMarkerPrefix namespaces jti markers in the shared store.
const replayMarkerPrefix = "logout-token-jti:"

// Claim validation failures. The HTTP boundary maps all of them to one
// client-error response, but logs the specific kind.
var (
	ErrInvalidIssuer      = errors.New("logout token issuer does not match the expected issuer")
	ErrInvalidAudience    = errors.New("logout token audience does not include the expected client")
	ErrInvalidIssuedAt    = errors.New("logout token issued-at time is missing or not in the past")
	ErrInvalidIdentifiers = errors.New("logout token carries neither a subject nor a session ID, or no jti")
	ErrInvalidEvent       = errors.New("logout token events claim is not exactly the backchannel-logout event")
	ErrTokenRecentlyUsed  = errors.New("logout token jti has already been used")
	ErrProhibitedClaim    = errors.New("logout token carries a prohibited claim")
)

// DecodeError reports a signature or structural failure, as opposed to a
// claim validation failure.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode logout token: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Claims are the verified claims of a logout token. They exist only for the
// duration of one verification; the jti marker is their only durable trace.
type Claims struct {
	Issuer    string
	Audience  []string
	IssuedAt  time.Time
	JTI       string
	Subject   string
	SessionID string
	Events    map[string]any
}

// IdentityKey returns the key under which a logout notice for this token
// should be recorded: the subject when present, the session ID otherwise.
func (c *Claims) IdentityKey() string {
	if c.Subject != "" {
		return c.Subject
	}
	return c.SessionID
}

// VerifierConfig holds logout token verifier configuration.
type VerifierConfig struct {
	// ExpectedIssuer must equal the token's iss claim exactly (required).
	ExpectedIssuer string

	// ExpectedAudience must equal, or be contained in, the token's aud
	// claim (required). Usually the OAuth client ID.
	ExpectedAudience string

	// Keyfunc resolves the signing key for a token (required). Wire a JWKS
	// keyfunc in production; tests can return a static key.
	Keyfunc jwt.Keyfunc

	// SigningMethods restricts accepted signature algorithms.
	// Defaults to RS256 and ES256.
	SigningMethods []string

	// Store records jti replay markers (required). It must be shared by
	// every process handling backchannel logout.
	Store storage.SharedStore

	// ReplayTTL is how long jti markers are kept. Defaults to DefaultReplayTTL.
	ReplayTTL time.Duration

	// Now overrides the clock, for tests.
	Now func() time.Time

	// Logger for structured logging. Defaults to slog.Default().
	Logger *slog.Logger

	// Instrumentation records verification metrics when set.
	Instrumentation *instrumentation.Instrumentation
}

// Verifier validates backchannel logout tokens.
type Verifier struct {
	issuer    string
	audience  string
	keyfunc   jwt.Keyfunc
	parser    *jwt.Parser
	store     storage.SharedStore
	replayTTL time.Duration
	now       func() time.Time
	logger    *slog.Logger
	metrics   *instrumentation.Metrics
}

// NewVerifier creates a logout token verifier.
func NewVerifier(cfg VerifierConfig) (*Verifier, error) {
	if cfg.ExpectedIssuer == "" {
		return nil, fmt.Errorf("expected issuer is required")
	}
	if cfg.ExpectedAudience == "" {
		return nil, fmt.Errorf("expected audience is required")
	}
	if cfg.Keyfunc == nil {
		return nil, fmt.Errorf("keyfunc is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("shared store is required")
	}

	methods := cfg.SigningMethods
	if len(methods) == 0 {
		methods = []string{jwt.SigningMethodRS256.Alg(), jwt.SigningMethodES256.Alg()}
	}
	replayTTL := cfg.ReplayTTL
	if replayTTL == 0 {
		replayTTL = DefaultReplayTTL
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	v := &Verifier{
		issuer:   cfg.ExpectedIssuer,
		audience: cfg.ExpectedAudience,
		keyfunc:  cfg.Keyfunc,
		// Claim validation is performed here, not by the parser: logout
		// tokens have no exp requirement and the issued-at rule is
		// stricter than the library default.
		parser:    jwt.NewParser(jwt.WithValidMethods(methods), jwt.WithoutClaimsValidation()),
		store:     cfg.Store,
		replayTTL: replayTTL,
		now:       now,
		logger:    logger,
	}
	if cfg.Instrumentation != nil {
		v.metrics = cfg.Instrumentation.Metrics()
	}

	return v, nil
}

// Verify decodes and validates a raw logout token, enforcing single use via
// the shared store. It returns the verified claims, a *DecodeError for
// signature or structure failures, or one of the claim errors.
func (v *Verifier) Verify(ctx context.Context, raw string) (*Claims, error) {
	claims, err := v.verify(ctx, raw)
	if v.metrics != nil {
		result := "valid"
		if err != nil {
			result = resultKind(err)
		}
		v.metrics.RecordLogoutVerification(ctx, result)
	}
	if err != nil {
		v.logger.Info("logout token rejected", "reason", err)
		return nil, err
	}
	return claims, nil
}

func (v *Verifier) verify(ctx context.Context, raw string) (*Claims, error) {
	mapClaims := jwt.MapClaims{}
	if _, err := v.parser.ParseWithClaims(raw, mapClaims, v.keyfunc); err != nil {
		return nil, &DecodeError{Err: err}
	}

	// Input hardening before any claim validation: a logout token must not
	// carry a nonce, which would let it double as an ID token.
	if _, present := mapClaims["nonce"]; present {
		return nil, ErrProhibitedClaim
	}

	issuer, err := mapClaims.GetIssuer()
	if err != nil || issuer != v.issuer {
		return nil, ErrInvalidIssuer
	}

	audience, err := mapClaims.GetAudience()
	if err != nil || !containsAudience(audience, v.audience) {
		return nil, ErrInvalidAudience
	}

	issuedAt, err := mapClaims.GetIssuedAt()
	if err != nil || issuedAt == nil || !issuedAt.Time.Before(v.now()) {
		return nil, ErrInvalidIssuedAt
	}

	subject, _ := mapClaims.GetSubject()
	sessionID, _ := mapClaims["sid"].(string)
	jti, _ := mapClaims["jti"].(string)
	if (subject == "" && sessionID == "") || jti == "" {
		return nil, ErrInvalidIdentifiers
	}

	events, ok := mapClaims["events"].(map[string]any)
	if !ok || len(events) != 1 {
		return nil, ErrInvalidEvent
	}
	event, present := events[BackchannelLogoutEvent]
	if !present {
		return nil, ErrInvalidEvent
	}
	eventObject, ok := event.(map[string]any)
	if !ok || len(eventObject) != 0 {
		return nil, ErrInvalidEvent
	}

	// Single use: record the jti before reporting success, so a concurrent
	// replay cannot slip through between check and write.
	markerKey := replayMarkerPrefix + jti
	if _, seen, err := v.store.Get(ctx, markerKey); err != nil {
		return nil, fmt.Errorf("failed to check replay marker: %w", err)
	} else if seen {
		return nil, ErrTokenRecentlyUsed
	}
	if err := v.store.Set(ctx, markerKey, v.now().UTC().Format(time.RFC3339), v.replayTTL); err != nil {
		return nil, fmt.Errorf("failed to record replay marker: %w", err)
	}

	return &Claims{
		Issuer:    issuer,
		Audience:  audience,
		IssuedAt:  issuedAt.Time,
		JTI:       jti,
		Subject:   subject,
		SessionID: sessionID,
		Events:    events,
	}, nil
}

// containsAudience reports whether the expected audience equals, or appears
// in, the token's audience claim.
func containsAudience(audience jwt.ClaimStrings, expected string) bool {
	for _, aud := range audience {
		if aud == expected {
			return true
		}
	}
	return false
}

// resultKind maps a verification error to a metric label.
func resultKind(err error) string {
	var decodeErr *DecodeError
	switch {
	case errors.As(err, &decodeErr):
		return "decode_failed"
	case errors.Is(err, ErrProhibitedClaim):
		return "prohibited_claim"
	case errors.Is(err, ErrInvalidIssuer):
		return "invalid_issuer"
	case errors.Is(err, ErrInvalidAudience):
		return "invalid_audience"
	case errors.Is(err, ErrInvalidIssuedAt):
		return "invalid_issued_at"
	case errors.Is(err, ErrInvalidIdentifiers):
		return "invalid_identifiers"
	case errors.Is(err, ErrInvalidEvent):
		return "invalid_event"
	case errors.Is(err, ErrTokenRecentlyUsed):
		return "replayed"
	default:
		return "error"
	}
}
