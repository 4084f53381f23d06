package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/api-client/net-store/internal/apperr"
	"github.com/api-client/net-store/internal/metrics"
	"github.com/api-client/net-store/internal/session"
	"github.com/api-client/net-store/internal/token"
)

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}

// RequireSession validates the bearer token and resolves it to a live
// session, attaching the sid — and, if the session is authenticated, the
// uid — to the request context. It does not by itself require the session
// to be authenticated: POST /sessions/renew runs under a session that may
// still be mid OIDC-flow.
func RequireSession(tokens *token.Manager, sessions *session.Store, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := bearerToken(r)
			if raw == "" {
				writeError(w, logger, apperr.New(apperr.InvalidToken, "missing bearer token"))
				return
			}

			claims, err := tokens.Verify(raw)
			if err != nil {
				writeError(w, logger, apperr.Wrap(apperr.InvalidToken, "invalid or expired token", err))
				return
			}

			sess, ok, err := sessions.Get(claims.Sid)
			if err != nil {
				writeError(w, logger, apperr.Wrap(apperr.Internal, "session lookup failed", err))
				return
			}
			if !ok {
				writeError(w, logger, apperr.New(apperr.InvalidToken, "unknown session"))
				return
			}

			ctx := withSID(r.Context(), claims.Sid)
			if sess.Authenticated {
				ctx = withUser(ctx, sess.Uid)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireUser further requires the resolved session to be bound to a user.
// Must run after RequireSession.
func RequireUser(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := userFromContext(r.Context()); !ok {
				writeError(w, logger, apperr.New(apperr.InvalidToken, "session is not authenticated"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequestLogger logs each request with method, path, status, and latency.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("latency", time.Since(start)),
				zap.String("request_id", chimw.GetReqID(r.Context())),
			)
		})
	}
}

// Metrics records request count and latency, labeled by the matched route
// pattern rather than the raw path so cardinality stays bounded.
func Metrics() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			route := r.URL.Path
			if rc := chi.RouteContext(r.Context()); rc != nil {
				if pattern := rc.RoutePattern(); pattern != "" {
					route = pattern
				}
			}

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(ww.Status())).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}
