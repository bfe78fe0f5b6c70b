package accountsession

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/canopyauth/account-session/instrumentation"
	"github.com/canopyauth/account-session/logout"
	"github.com/canopyauth/account-session/security"
)

// BackchannelLogoutConfig holds backchannel logout endpoint configuration.
type BackchannelLogoutConfig struct {
	// Verifier validates incoming logout tokens (required).
	Verifier *logout.Verifier

	// Notice records the forced-logout flag for verified tokens (required).
	Notice *logout.Notice

	// RequestsPerSecond and Burst bound requests per client IP.
	// Defaults: 1 per second, burst of 5.
	RequestsPerSecond float64
	Burst             int

	// TrustProxy enables X-Forwarded-For parsing; TrustedProxies is the
	// number of reverse proxies in front of this service.
	TrustProxy     bool
	TrustedProxies int

	// Logger for structured logging. Defaults to slog.Default().
	Logger *slog.Logger

	// Instrumentation records handler metrics when set.
	Instrumentation *instrumentation.Instrumentation
}

// BackchannelLogoutHandler accepts OIDC backchannel logout requests: a POST
// form with a single signed logout token. A verified token records a logout
// notice for its subject or session ID; every verification failure maps to
// one client-error status, with the specific kind logged but not revealed.
type BackchannelLogoutHandler struct {
	verifier   *logout.Verifier
	notice     *logout.Notice
	limiter    *security.Limiter
	trustProxy bool
	proxies    int
	logger     *slog.Logger
	metrics    *instrumentation.Metrics
}

// NewBackchannelLogoutHandler creates the backchannel logout endpoint.
// Call Close when done to stop the rate limiter.
func NewBackchannelLogoutHandler(cfg BackchannelLogoutConfig) (*BackchannelLogoutHandler, error) {
	if cfg.Verifier == nil {
		return nil, fmt.Errorf("logout token verifier is required")
	}
	if cfg.Notice == nil {
		return nil, fmt.Errorf("logout notice registry is required")
	}

	perSecond := cfg.RequestsPerSecond
	if perSecond <= 0 {
		perSecond = 1
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 5
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	h := &BackchannelLogoutHandler{
		verifier: cfg.Verifier,
		notice:   cfg.Notice,
		limiter: security.NewLimiter(security.LimiterConfig{
			PerSecond: perSecond,
			Burst:     burst,
			Logger:    logger,
		}),
		trustProxy: cfg.TrustProxy,
		proxies:    cfg.TrustedProxies,
		logger:     logger,
	}
	if cfg.Instrumentation != nil {
		h.metrics = cfg.Instrumentation.Metrics()
	}

	return h, nil
}

// Close stops the rate limiter's background sweep.
func (h *BackchannelLogoutHandler) Close() {
	h.limiter.Stop()
}

func (h *BackchannelLogoutHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Logout tokens must never end up in shared caches.
	w.Header().Set("Cache-Control", "no-store")

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, "invalid_request")
		return
	}

	clientIP := security.ClientIP(r, h.trustProxy, h.proxies)
	if !h.limiter.Allow(clientIP) {
		if h.metrics != nil {
			h.metrics.RecordRateLimitExceeded(r.Context(), "backchannel_logout")
		}
		h.logger.Warn("backchannel logout rate limit exceeded", "client_ip", clientIP)
		writeError(w, http.StatusTooManyRequests, "rate_limit_exceeded")
		return
	}

	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	raw := r.PostFormValue("logout_token")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	claims, err := h.verifier.Verify(r.Context(), raw)
	if err != nil {
		// The verifier already logged the specific kind; the response
		// stays uniform so callers learn nothing from probing.
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	if err := h.notice.Persist(r.Context(), claims.IdentityKey()); err != nil {
		h.logger.Error("failed to persist logout notice", "error", err)
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	w.WriteHeader(http.StatusOK)
}

func writeError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code})
}
