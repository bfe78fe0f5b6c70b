package providers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProvider is an httptest identity provider with a discovery document, a
// token endpoint honouring the refresh_token grant, and an attribute API that
// only accepts the current access token.
type fakeProvider struct {
	srv *httptest.Server

	validAccess   atomic.Value // string
	refreshCalls  atomic.Int64
	resourceCalls atomic.Int64
	refreshStatus int // non-zero forces the token endpoint to fail
}

func newFakeProvider(t *testing.T) *fakeProvider {
	t.Helper()

	p := &fakeProvider{}
	p.validAccess.Store("fresh-access")

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		issuer := p.srv.URL
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":                 issuer,
			"authorization_endpoint": issuer + "/authorize",
			"token_endpoint":         issuer + "/token",
			"userinfo_endpoint":      issuer + "/userinfo",
			"end_session_endpoint":   issuer + "/logout",
			"jwks_uri":               issuer + "/jwks",
		})
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		switch r.Form.Get("grant_type") {
		case "refresh_token":
			p.refreshCalls.Add(1)
			if p.refreshStatus != 0 {
				http.Error(w, `{"error":"invalid_grant"}`, p.refreshStatus)
				return
			}
			if r.Form.Get("refresh_token") != "valid-refresh" {
				http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{
				"access_token":  "fresh-access",
				"token_type":    "Bearer",
				"refresh_token": "rotated-refresh",
				"expires_in":    3600,
			})
		case "authorization_code":
			if r.Form.Get("code") != "good-code" {
				http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{
				"access_token":  "exchanged-access",
				"token_type":    "Bearer",
				"refresh_token": "exchanged-refresh",
				"expires_in":    3600,
			})
		default:
			http.Error(w, `{"error":"unsupported_grant_type"}`, http.StatusBadRequest)
		}
	})
	mux.HandleFunc("/userinfo", p.resource(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"sub": "user-1", "email": "me@example.com"})
	}))
	mux.HandleFunc("/v1/attributes/", p.resource(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/attributes/email":
			_ = json.NewEncoder(w).Encode(map[string]any{"claim_value": "me@example.com"})
		case "/v1/attributes/garbled":
			_, _ = w.Write([]byte("not json"))
		default:
			_ = json.NewEncoder(w).Encode(map[string]any{"claim_value": nil})
		}
	}))
	mux.HandleFunc("/v1/attributes", p.resource(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	mux.HandleFunc("/v1/jwt", p.resource(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req["jwt"] == "give-me-nothing" {
			w.WriteHeader(http.StatusOK)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "submission-1"})
	}))

	p.srv = httptest.NewServer(mux)
	t.Cleanup(p.srv.Close)
	return p
}

// resource wraps a handler with bearer-token auth against the current valid
// access token, counting every call.
func (p *fakeProvider) resource(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p.resourceCalls.Add(1)
		if r.Header.Get("Authorization") != "Bearer "+p.validAccess.Load().(string) {
			http.Error(w, `{"error":"invalid_token"}`, http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func newTestClient(t *testing.T, p *fakeProvider) *Client {
	t.Helper()

	c, err := New(&Config{
		Profile:                 ClassicProfile(),
		IssuerURL:               p.srv.URL,
		ClientID:                "client-id",
		ClientSecret:            "client-secret",
		RedirectURL:             "https://app.example.com/callback",
		HTTPClient:              p.srv.Client(),
		skipDiscoveryValidation: true,
	})
	require.NoError(t, err)
	return c
}

func TestNewRequiresConfig(t *testing.T) {
	_, err := New(&Config{IssuerURL: "https://issuer.example.com", ClientSecret: "s", Profile: ClassicProfile()})
	assert.Error(t, err, "missing client ID")

	_, err = New(&Config{ClientID: "c", ClientSecret: "s", Profile: ClassicProfile()})
	assert.Error(t, err, "missing issuer")

	_, err = New(&Config{ClientID: "c", ClientSecret: "s", IssuerURL: "https://issuer.example.com"})
	assert.Error(t, err, "profile without scopes")
}

func TestAuthURI(t *testing.T) {
	p := newFakeProvider(t)
	c := newTestClient(t, p)

	pr := PendingRequest{State: "state-1", Nonce: "nonce-1"}
	uri := c.AuthURI(pr, url.Values{"_ga": {"tracking"}})

	parsed, err := url.Parse(uri)
	require.NoError(t, err)

	q := parsed.Query()
	assert.Equal(t, "state-1", q.Get("state"))
	assert.Equal(t, "nonce-1", q.Get("nonce"))
	assert.Equal(t, "tracking", q.Get("_ga"))
	assert.Equal(t, "client-id", q.Get("client_id"))
	assert.Contains(t, q.Get("scope"), "openid")
}

func TestExchangeCode(t *testing.T) {
	p := newFakeProvider(t)
	c := newTestClient(t, p)

	// No nonce supplied, so the missing ID token is fine.
	token, err := c.ExchangeCode(context.Background(), PendingRequest{State: "s"}, "good-code")
	require.NoError(t, err)
	assert.Equal(t, "exchanged-access", token.AccessToken)
	assert.Equal(t, "exchanged-refresh", token.RefreshToken)
}

func TestExchangeCodeFailureIsOAuthFailure(t *testing.T) {
	p := newFakeProvider(t)
	c := newTestClient(t, p)

	_, err := c.ExchangeCode(context.Background(), PendingRequest{}, "bad-code")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOAuthFailure)
}

func TestAuthenticatedRequestRefreshAndRetry(t *testing.T) {
	p := newFakeProvider(t)
	c := newTestClient(t, p)

	tokens, body, err := c.AuthenticatedRequest(context.Background(),
		TokenPair{AccessToken: "expired-access", RefreshToken: "valid-refresh"},
		http.MethodGet, p.srv.URL+"/userinfo", nil)
	require.NoError(t, err)

	assert.Equal(t, int64(1), p.refreshCalls.Load(), "exactly one refresh call")
	assert.Equal(t, int64(2), p.resourceCalls.Load(), "initial call plus one retry")
	assert.Equal(t, "fresh-access", tokens.AccessToken)
	assert.Equal(t, "rotated-refresh", tokens.RefreshToken)
	assert.Contains(t, string(body), "user-1")
}

func TestAuthenticatedRequestNoRetryWhenTokenValid(t *testing.T) {
	p := newFakeProvider(t)
	c := newTestClient(t, p)

	tokens, _, err := c.AuthenticatedRequest(context.Background(),
		TokenPair{AccessToken: "fresh-access", RefreshToken: "valid-refresh"},
		http.MethodGet, p.srv.URL+"/userinfo", nil)
	require.NoError(t, err)

	assert.Zero(t, p.refreshCalls.Load())
	assert.Equal(t, int64(1), p.resourceCalls.Load())
	assert.Equal(t, "fresh-access", tokens.AccessToken)
	assert.Equal(t, "valid-refresh", tokens.RefreshToken, "pair unchanged without refresh")
}

func TestAuthenticatedRequestNoRefreshToken(t *testing.T) {
	p := newFakeProvider(t)
	c := newTestClient(t, p)

	_, _, err := c.AuthenticatedRequest(context.Background(),
		TokenPair{AccessToken: "expired-access"},
		http.MethodGet, p.srv.URL+"/userinfo", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOAuthFailure)
	assert.Zero(t, p.refreshCalls.Load())
	assert.Equal(t, int64(1), p.resourceCalls.Load(), "no retry without a refresh token")
}

func TestAuthenticatedRequestRefreshFailure(t *testing.T) {
	p := newFakeProvider(t)
	p.refreshStatus = http.StatusBadRequest
	c := newTestClient(t, p)

	_, _, err := c.AuthenticatedRequest(context.Background(),
		TokenPair{AccessToken: "expired-access", RefreshToken: "valid-refresh"},
		http.MethodGet, p.srv.URL+"/userinfo", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOAuthFailure)
	assert.Equal(t, int64(1), p.refreshCalls.Load())
	assert.Equal(t, int64(1), p.resourceCalls.Load(), "no retry after a failed refresh")
}

func TestAuthenticatedRequestRejectedAfterRefresh(t *testing.T) {
	p := newFakeProvider(t)
	p.validAccess.Store("some-other-access") // even the refreshed token is rejected
	c := newTestClient(t, p)

	_, _, err := c.AuthenticatedRequest(context.Background(),
		TokenPair{AccessToken: "expired-access", RefreshToken: "valid-refresh"},
		http.MethodGet, p.srv.URL+"/userinfo", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOAuthFailure)
	assert.Equal(t, int64(1), p.refreshCalls.Load(), "exactly one refresh")
	assert.Equal(t, int64(2), p.resourceCalls.Load(), "exactly one retry")
}

func TestUserInfo(t *testing.T) {
	p := newFakeProvider(t)
	c := newTestClient(t, p)

	info, _, err := c.UserInfo(context.Background(), TokenPair{AccessToken: "fresh-access"})
	require.NoError(t, err)
	assert.Equal(t, "user-1", info["sub"])
}

func TestGetAttribute(t *testing.T) {
	p := newFakeProvider(t)
	c := newTestClient(t, p)
	pair := TokenPair{AccessToken: "fresh-access"}

	value, found, _, err := c.GetAttribute(context.Background(), pair, "email")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "me@example.com", value)

	// Null claim value reads as absent.
	_, found, _, err = c.GetAttribute(context.Background(), pair, "unset")
	require.NoError(t, err)
	assert.False(t, found)

	// A malformed body on a read path is "no value", not an error.
	_, found, _, err = c.GetAttribute(context.Background(), pair, "garbled")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestBulkSetAttributes(t *testing.T) {
	p := newFakeProvider(t)
	c := newTestClient(t, p)

	_, err := c.BulkSetAttributes(context.Background(),
		TokenPair{AccessToken: "fresh-access"},
		map[string]any{"email": "new@example.com"})
	require.NoError(t, err)
}

func TestSubmitJWT(t *testing.T) {
	p := newFakeProvider(t)
	c := newTestClient(t, p)
	pair := TokenPair{AccessToken: "fresh-access"}

	result, _, err := c.SubmitJWT(context.Background(), pair, "signed.jwt.value")
	require.NoError(t, err)
	assert.Equal(t, "submission-1", result["id"])

	// An empty response body on the submission path is a failure.
	_, _, err = c.SubmitJWT(context.Background(), pair, "give-me-nothing")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOAuthFailure)
}

func TestEndSessionURI(t *testing.T) {
	p := newFakeProvider(t)
	c := newTestClient(t, p)

	uri := c.EndSessionURI("id-token", "https://app.example.com/")
	parsed, err := url.Parse(uri)
	require.NoError(t, err)
	assert.Equal(t, "/logout", parsed.Path)
	assert.Equal(t, "id-token", parsed.Query().Get("id_token_hint"))
	assert.Equal(t, "https://app.example.com/", parsed.Query().Get("post_logout_redirect_uri"))
}

func TestNoWriteCapabilityProfile(t *testing.T) {
	p := newFakeProvider(t)

	c, err := New(&Config{
		Profile:                 DigitalIdentityProfile(),
		IssuerURL:               p.srv.URL,
		ClientID:                "client-id",
		ClientSecret:            "client-secret",
		HTTPClient:              p.srv.Client(),
		skipDiscoveryValidation: true,
	})
	require.NoError(t, err)

	assert.False(t, c.Profile().RemoteWrite)
	_, err = c.BulkSetAttributes(context.Background(), TokenPair{AccessToken: "fresh-access"}, map[string]any{"a": 1})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrOAuthFailure))
}

func TestEndpointURL(t *testing.T) {
	tests := []struct {
		name   string
		issuer string
		path   string
		want   string
	}{
		{"plain issuer", "https://idp.example.com", "/v1/jwt", "https://idp.example.com/v1/jwt"},
		{"trailing slash issuer", "https://idp.example.com/", "/v1/attributes", "https://idp.example.com/v1/attributes"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Client{issuerURL: tt.issuer}
			assert.Equal(t, tt.want, c.endpointURL(tt.path))
		})
	}
}
