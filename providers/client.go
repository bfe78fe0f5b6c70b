package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/canopyauth/account-session/instrumentation"
	"github.com/canopyauth/account-session/providers/oidc"
)

// ErrOAuthFailure is wrapped into every transport or protocol failure talking
// to the identity provider, including refresh exhaustion. Callers branch with
// errors.Is and treat the session as invalid; it is never a fatal condition.
var ErrOAuthFailure = errors.New("identity provider request failed")

// maxResponseBody caps provider response bodies to keep a misbehaving
// provider from exhausting memory.
const maxResponseBody = 1 << 20

// TokenPair is the access/refresh token pair carried by a session. Provider
// calls return the (possibly rotated) pair so the caller can persist it.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

// Config holds OAuth client configuration.
type Config struct {
	// Profile selects the identity-provider backend (required).
	Profile Profile

	// IssuerURL is the provider issuer (required). Endpoints are discovered
	// from its well-known configuration once per client instance.
	IssuerURL string

	// ClientID and ClientSecret are the OAuth client credentials (required).
	ClientID     string
	ClientSecret string

	// RedirectURL is where the provider redirects after authentication.
	RedirectURL string

	// HTTPClient is an optional custom HTTP client.
	HTTPClient *http.Client

	// RequestTimeout bounds provider API calls (default 30s).
	RequestTimeout time.Duration

	// Logger for structured logging. Defaults to slog.Default().
	Logger *slog.Logger

	// Instrumentation records provider API metrics when set.
	Instrumentation *instrumentation.Instrumentation

	// skipDiscoveryValidation permits plain-http issuers.
	// For tests against httptest servers only.
	skipDiscoveryValidation bool
}

// Client performs the OAuth/OIDC client protocol against one discovered
// endpoint set. All methods are safe for concurrent use.
type Client struct {
	profile        Profile
	oauth          *oauth2.Config
	doc            *oidc.DiscoveryDocument
	issuerURL      string
	verifier       *gooidc.IDTokenVerifier
	httpClient     *http.Client
	requestTimeout time.Duration
	logger         *slog.Logger
	metrics        *instrumentation.Metrics
}

// New creates an OAuth client, performing OIDC discovery against the issuer.
func New(cfg *Config) (*Client, error) {
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client ID is required")
	}
	if cfg.ClientSecret == "" {
		return nil, fmt.Errorf("client secret is required")
	}
	if cfg.IssuerURL == "" {
		return nil, fmt.Errorf("issuer URL is required")
	}
	if len(cfg.Profile.Scopes) == 0 {
		return nil, fmt.Errorf("profile has no scopes")
	}

	requestTimeout := cfg.RequestTimeout
	if requestTimeout == 0 {
		requestTimeout = 30 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: requestTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var discovery *oidc.DiscoveryClient
	if cfg.skipDiscoveryValidation {
		discovery = oidc.NewTestDiscoveryClient(httpClient, time.Hour, logger)
	} else {
		discovery = oidc.NewDiscoveryClient(httpClient, time.Hour, logger)
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	doc, err := discovery.Discover(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("OIDC discovery failed: %w", err)
	}

	c := &Client{
		profile: cfg.Profile,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Profile.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  doc.AuthorizationEndpoint,
				TokenURL: doc.TokenEndpoint,
				// Without a fixed auth style, oauth2 probes a failed
				// refresh a second time with the alternate client
				// authentication, breaking the single-refresh guarantee.
				AuthStyle: oauth2.AuthStyleInHeader,
			},
		},
		doc:            doc,
		issuerURL:      cfg.IssuerURL,
		httpClient:     httpClient,
		requestTimeout: requestTimeout,
		logger:         logger,
	}

	if doc.JWKSUri != "" {
		keyCtx := gooidc.ClientContext(context.Background(), httpClient)
		keySet := gooidc.NewRemoteKeySet(keyCtx, doc.JWKSUri)
		c.verifier = gooidc.NewVerifier(doc.Issuer, keySet, &gooidc.Config{ClientID: cfg.ClientID})
	}

	if cfg.Instrumentation != nil {
		c.metrics = cfg.Instrumentation.Metrics()
	}

	return c, nil
}

// Profile returns the injected provider profile.
func (c *Client) Profile() Profile {
	return c.profile
}

// AuthURI builds the authorization redirect URL for a pending request. The
// request's state value provides CSRF protection and its nonce is checked
// against the ID token on exchange. Extra parameters are passed through to
// the authorization endpoint.
func (c *Client) AuthURI(pr PendingRequest, extra url.Values) string {
	opts := []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("nonce", pr.Nonce),
	}
	for key, values := range extra {
		for _, value := range values {
			opts = append(opts, oauth2.SetAuthURLParam(key, value))
		}
	}
	return c.oauth.AuthCodeURL(pr.State, opts...)
}

// ExchangeCode trades an authorization code for a token set. When the
// response carries an ID token and the pending request supplied a nonce, the
// ID token's signature, audience, and nonce are verified; any mismatch is an
// OAuth failure.
func (c *Client) ExchangeCode(ctx context.Context, pr PendingRequest, code string) (*oauth2.Token, error) {
	ctx, cancel := c.ensureContextTimeout(ctx)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)

	start := time.Now()
	token, err := c.oauth.Exchange(ctx, code)
	c.recordCall(ctx, "exchange_code", 0, start, err)
	if err != nil {
		return nil, oauthFailure("code exchange", err)
	}

	rawIDToken, _ := token.Extra("id_token").(string)
	if rawIDToken != "" && pr.Nonce != "" {
		if c.verifier == nil {
			return nil, oauthFailure("ID token verification", fmt.Errorf("provider published no JWKS"))
		}
		idToken, err := c.verifier.Verify(ctx, rawIDToken)
		if err != nil {
			return nil, oauthFailure("ID token verification", err)
		}
		if idToken.Nonce != pr.Nonce {
			return nil, oauthFailure("ID token verification", fmt.Errorf("nonce mismatch"))
		}
	}

	return token, nil
}

// AuthenticatedRequest issues a provider API call bearing the access token.
// On an auth-rejection it refreshes and retries exactly once when a refresh
// token is available; a second rejection, a failed refresh, or a missing
// refresh token is an OAuth failure. The returned pair reflects any rotation
// so the caller can persist it.
func (c *Client) AuthenticatedRequest(ctx context.Context, tokens TokenPair, method, uri string, body []byte) (TokenPair, []byte, error) {
	status, respBody, err := c.do(ctx, "authenticated_request", method, uri, body, tokens.AccessToken)
	if err != nil {
		return tokens, nil, oauthFailure("provider request", err)
	}

	if status == http.StatusUnauthorized {
		if tokens.RefreshToken == "" {
			return tokens, nil, oauthFailure("provider request", fmt.Errorf("access token rejected and no refresh token available"))
		}

		tokens, err = c.refresh(ctx, tokens)
		if err != nil {
			return tokens, nil, err
		}

		status, respBody, err = c.do(ctx, "authenticated_request_retry", method, uri, body, tokens.AccessToken)
		if err != nil {
			return tokens, nil, oauthFailure("provider request retry", err)
		}
		if status == http.StatusUnauthorized {
			return tokens, nil, oauthFailure("provider request retry", fmt.Errorf("access token rejected after refresh"))
		}
	}

	if status < 200 || status > 299 {
		return tokens, nil, oauthFailure("provider request", fmt.Errorf("unexpected status %d", status))
	}

	return tokens, respBody, nil
}

// UserInfo fetches the userinfo document. A malformed body on this read path
// is treated as an empty document, not an error.
func (c *Client) UserInfo(ctx context.Context, tokens TokenPair) (map[string]any, TokenPair, error) {
	if c.doc.UserInfoEndpoint == "" {
		return nil, tokens, oauthFailure("userinfo", fmt.Errorf("provider has no userinfo endpoint"))
	}

	tokens, body, err := c.AuthenticatedRequest(ctx, tokens, http.MethodGet, c.doc.UserInfoEndpoint, nil)
	if err != nil {
		return nil, tokens, err
	}

	var info map[string]any
	if err := json.Unmarshal(body, &info); err != nil {
		return map[string]any{}, tokens, nil
	}
	return info, tokens, nil
}

// GetAttribute fetches a single attribute value from the provider. An absent
// or malformed body means the attribute has no value.
func (c *Client) GetAttribute(ctx context.Context, tokens TokenPair, name string) (any, bool, TokenPair, error) {
	if c.profile.AttributePath == "" {
		return nil, false, tokens, oauthFailure("get attribute", fmt.Errorf("profile %q has no attribute endpoint", c.profile.Name))
	}

	uri := c.endpointURL(fmt.Sprintf(c.profile.AttributePath, url.PathEscape(name)))
	tokens, body, err := c.AuthenticatedRequest(ctx, tokens, http.MethodGet, uri, nil)
	if err != nil {
		return nil, false, tokens, err
	}

	var payload struct {
		ClaimValue any `json:"claim_value"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.ClaimValue == nil {
		return nil, false, tokens, nil
	}
	return payload.ClaimValue, true, tokens, nil
}

// BulkSetAttributes pushes attribute values to the provider in one call.
func (c *Client) BulkSetAttributes(ctx context.Context, tokens TokenPair, values map[string]any) (TokenPair, error) {
	if c.profile.BulkSetPath == "" {
		return tokens, oauthFailure("bulk set attributes", fmt.Errorf("profile %q has no bulk-set endpoint", c.profile.Name))
	}

	body, err := json.Marshal(map[string]any{"attributes": values})
	if err != nil {
		return tokens, oauthFailure("bulk set attributes", err)
	}

	tokens, _, err = c.AuthenticatedRequest(ctx, tokens, http.MethodPost, c.endpointURL(c.profile.BulkSetPath), body)
	return tokens, err
}

// SubmitJWT posts a signed JWT to the provider's submission endpoint and
// returns the parsed response. Unlike the read paths, an empty or malformed
// response body here is an OAuth failure.
func (c *Client) SubmitJWT(ctx context.Context, tokens TokenPair, signed string) (map[string]any, TokenPair, error) {
	if c.profile.JWTSubmitPath == "" {
		return nil, tokens, oauthFailure("submit JWT", fmt.Errorf("profile %q has no JWT endpoint", c.profile.Name))
	}

	body, err := json.Marshal(map[string]string{"jwt": signed})
	if err != nil {
		return nil, tokens, oauthFailure("submit JWT", err)
	}

	tokens, respBody, err := c.AuthenticatedRequest(ctx, tokens, http.MethodPost, c.endpointURL(c.profile.JWTSubmitPath), body)
	if err != nil {
		return nil, tokens, err
	}
	if len(bytes.TrimSpace(respBody)) == 0 {
		return nil, tokens, oauthFailure("submit JWT", fmt.Errorf("provider returned an empty body"))
	}

	var result map[string]any
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, tokens, oauthFailure("submit JWT", err)
	}
	return result, tokens, nil
}

// endpointURL resolves a profile path, which is relative to the issuer, into
// an absolute URL.
func (c *Client) endpointURL(path string) string {
	return strings.TrimSuffix(c.issuerURL, "/") + path
}

// EndSessionURI builds the provider's end-session redirect URL, or returns
// the empty string when the provider does not support RP-initiated logout.
func (c *Client) EndSessionURI(idTokenHint, postLogoutRedirectURI string) string {
	if c.doc.EndSessionEndpoint == "" {
		return ""
	}

	query := url.Values{}
	if idTokenHint != "" {
		query.Set("id_token_hint", idTokenHint)
	}
	if postLogoutRedirectURI != "" {
		query.Set("post_logout_redirect_uri", postLogoutRedirectURI)
	}
	if len(query) == 0 {
		return c.doc.EndSessionEndpoint
	}

	sep := "?"
	if strings.Contains(c.doc.EndSessionEndpoint, "?") {
		sep = "&"
	}
	return c.doc.EndSessionEndpoint + sep + query.Encode()
}

// refresh trades the refresh token for a fresh pair. Providers that rotate
// refresh tokens return a new one; those that do not leave the old one valid.
func (c *Client) refresh(ctx context.Context, tokens TokenPair) (TokenPair, error) {
	ctx, cancel := c.ensureContextTimeout(ctx)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)

	source := c.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: tokens.RefreshToken})
	newToken, err := source.Token()
	if err != nil {
		return tokens, oauthFailure("token refresh", err)
	}

	rotated := newToken.RefreshToken != "" && newToken.RefreshToken != tokens.RefreshToken
	if c.metrics != nil {
		c.metrics.RecordTokenRefresh(ctx, c.profile.Name, rotated)
	}
	c.logger.Debug("access token refreshed", "profile", c.profile.Name, "rotated", rotated)

	pair := TokenPair{AccessToken: newToken.AccessToken, RefreshToken: tokens.RefreshToken}
	if newToken.RefreshToken != "" {
		pair.RefreshToken = newToken.RefreshToken
	}
	return pair, nil
}

// do issues one HTTP request bearing the access token and reads the body.
func (c *Client) do(ctx context.Context, op, method, uri string, body []byte, accessToken string) (int, []byte, error) {
	ctx, cancel := c.ensureContextTimeout(ctx)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, uri, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.recordCall(ctx, op, 0, start, err)
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	c.recordCall(ctx, op, resp.StatusCode, start, err)
	if err != nil {
		return resp.StatusCode, nil, err
	}

	return resp.StatusCode, respBody, nil
}

// ensureContextTimeout adds the client's request timeout when the context has
// no deadline of its own.
func (c *Client) ensureContextTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.requestTimeout)
}

// recordCall emits provider API metrics when instrumentation is configured.
func (c *Client) recordCall(ctx context.Context, op string, status int, start time.Time, err error) {
	if c.metrics == nil {
		return
	}
	c.metrics.RecordProviderAPICall(ctx, c.profile.Name, op, status, float64(time.Since(start).Milliseconds()), err)
}

// oauthFailure wraps a provider failure so callers can branch on
// ErrOAuthFailure while keeping the cause in the chain.
func oauthFailure(op string, cause error) error {
	if cause == nil {
		return fmt.Errorf("%s: %w", op, ErrOAuthFailure)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrOAuthFailure, cause)
}
