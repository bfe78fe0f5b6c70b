package accountsession

import (
	"context"
	"net/http"
)

type contextKey struct{}

var sessionContextKey = contextKey{}

// FromContext returns the session injected by Middleware, or false for an
// anonymous request.
func FromContext(ctx context.Context) (*Session, bool) {
	session, ok := ctx.Value(sessionContextKey).(*Session)
	return session, ok
}

// ContextWithSession injects a session into a context. Exposed for handlers
// constructed outside Middleware, such as the authorization-code callback.
func ContextWithSession(ctx context.Context, session *Session) context.Context {
	return context.WithValue(ctx, sessionContextKey, session)
}

// Middleware reconstructs the session from the configured request header and
// injects it into the request context. A missing, malformed, stale or
// tampered header makes the request anonymous, never an error: downstream
// handlers decide whether anonymous is acceptable. A pending logout notice
// for the session's identity also forces the request anonymous.
func (s *Service) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get(s.headerName)
		if raw == "" {
			next.ServeHTTP(w, r)
			return
		}

		session, err := s.DecodeSession(r.Context(), raw)
		if err != nil {
			s.logger.Info("session header rejected", "reason", err)
			next.ServeHTTP(w, r)
			return
		}
		if session == nil {
			next.ServeHTTP(w, r)
			return
		}

		// Legacy sessions without a user id would need a provider round
		// trip to learn their identity; the notice check is deferred to
		// the first operation that resolves it.
		if session.UserID() != "" {
			_, found, err := s.notice.Find(r.Context(), session.UserID())
			if err != nil {
				s.logger.Error("logout notice lookup failed", "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if found {
				s.logger.Info("session invalidated by logout notice", "user_id", session.UserID())
				next.ServeHTTP(w, r)
				return
			}
		}

		next.ServeHTTP(w, r.WithContext(ContextWithSession(r.Context(), session)))
	})
}
