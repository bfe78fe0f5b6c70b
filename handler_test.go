package accountsession

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canopyauth/account-session/logout"
	"github.com/canopyauth/account-session/storage/memory"
)

const (
	logoutIssuer   = "https://issuer.example.com"
	logoutAudience = "client-id"
)

var logoutKey = func() *rsa.PrivateKey {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(err)
	}
	return key
}()

func signLogoutToken(t *testing.T, mutate func(jwt.MapClaims)) string {
	t.Helper()

	claims := jwt.MapClaims{
		"iss": logoutIssuer,
		"aud": logoutAudience,
		"iat": time.Now().Add(-time.Minute).Unix(),
		"jti": uuid.NewString(),
		"sub": "user-1",
		"events": map[string]any{
			logout.BackchannelLogoutEvent: map[string]any{},
		},
	}
	if mutate != nil {
		mutate(claims)
	}

	raw, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(logoutKey)
	require.NoError(t, err)
	return raw
}

func newLogoutHandler(t *testing.T, cfg BackchannelLogoutConfig) (*BackchannelLogoutHandler, *logout.Notice) {
	t.Helper()

	store := memory.NewWithInterval(0)
	t.Cleanup(store.Stop)

	verifier, err := logout.NewVerifier(logout.VerifierConfig{
		ExpectedIssuer:   logoutIssuer,
		ExpectedAudience: logoutAudience,
		Keyfunc:          func(*jwt.Token) (any, error) { return &logoutKey.PublicKey, nil },
		Store:            store,
	})
	require.NoError(t, err)

	notice := logout.NewNotice(store)
	cfg.Verifier = verifier
	cfg.Notice = notice

	handler, err := NewBackchannelLogoutHandler(cfg)
	require.NoError(t, err)
	t.Cleanup(handler.Close)
	return handler, notice
}

func postLogoutToken(handler http.Handler, token string) *httptest.ResponseRecorder {
	form := url.Values{}
	if token != "" {
		form.Set("logout_token", token)
	}
	req := httptest.NewRequest(http.MethodPost, "/backchannel-logout", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestBackchannelLogoutSuccess(t *testing.T) {
	handler, notice := newLogoutHandler(t, BackchannelLogoutConfig{})

	rec := postLogoutToken(handler, signLogoutToken(t, nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	_, found, err := notice.Find(context.Background(), "user-1")
	require.NoError(t, err)
	assert.True(t, found, "a verified logout token must record a notice")
}

func TestBackchannelLogoutUsesSessionIDWithoutSubject(t *testing.T) {
	handler, notice := newLogoutHandler(t, BackchannelLogoutConfig{})

	token := signLogoutToken(t, func(c jwt.MapClaims) {
		delete(c, "sub")
		c["sid"] = "session-9"
	})
	rec := postLogoutToken(handler, token)
	assert.Equal(t, http.StatusOK, rec.Code)

	_, found, err := notice.Find(context.Background(), "session-9")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestBackchannelLogoutInvalidToken(t *testing.T) {
	handler, notice := newLogoutHandler(t, BackchannelLogoutConfig{})

	token := signLogoutToken(t, func(c jwt.MapClaims) { c["iss"] = "https://rogue.example.com" })
	rec := postLogoutToken(handler, token)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":"invalid_request"}`, rec.Body.String())

	_, found, err := notice.Find(context.Background(), "user-1")
	require.NoError(t, err)
	assert.False(t, found, "no notice may be recorded for a rejected token")
}

func TestBackchannelLogoutReplayedToken(t *testing.T) {
	handler, _ := newLogoutHandler(t, BackchannelLogoutConfig{})
	token := signLogoutToken(t, nil)

	assert.Equal(t, http.StatusOK, postLogoutToken(handler, token).Code)
	assert.Equal(t, http.StatusBadRequest, postLogoutToken(handler, token).Code)
}

func TestBackchannelLogoutMissingToken(t *testing.T) {
	handler, _ := newLogoutHandler(t, BackchannelLogoutConfig{})
	assert.Equal(t, http.StatusBadRequest, postLogoutToken(handler, "").Code)
}

func TestBackchannelLogoutMethodNotAllowed(t *testing.T) {
	handler, _ := newLogoutHandler(t, BackchannelLogoutConfig{})

	req := httptest.NewRequest(http.MethodGet, "/backchannel-logout", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, http.MethodPost, rec.Header().Get("Allow"))
}

func TestBackchannelLogoutRateLimited(t *testing.T) {
	handler, _ := newLogoutHandler(t, BackchannelLogoutConfig{
		RequestsPerSecond: 0.001,
		Burst:             2,
	})

	assert.Equal(t, http.StatusOK, postLogoutToken(handler, signLogoutToken(t, nil)).Code)
	assert.Equal(t, http.StatusOK, postLogoutToken(handler, signLogoutToken(t, nil)).Code)

	rec := postLogoutToken(handler, signLogoutToken(t, nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.JSONEq(t, `{"error":"rate_limit_exceeded"}`, rec.Body.String())
}

func TestNewBackchannelLogoutHandlerRequiresConfig(t *testing.T) {
	_, err := NewBackchannelLogoutHandler(BackchannelLogoutConfig{})
	assert.Error(t, err)
}
