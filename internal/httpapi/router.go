package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/api-client/net-store/internal/backendinfo"
	"github.com/api-client/net-store/internal/metrics"
	"github.com/api-client/net-store/internal/session"
	"github.com/api-client/net-store/internal/store"
	"github.com/api-client/net-store/internal/token"
	"github.com/api-client/net-store/internal/wsapi"
)

// RouterConfig holds every dependency NewRouter needs. It is populated in
// main.go after all components are constructed and passed as one struct to
// keep the constructor signature stable as dependencies grow.
type RouterConfig struct {
	Files       *store.Files
	Projects    *store.ProjectContents
	Revisions   *store.Revisions
	Users       *store.Users
	Shared      *store.Shared
	History     *store.History
	Sessions    *session.Store
	Tokens      *token.Manager
	WS          *wsapi.Handler
	BackendInfo backendinfo.Info
	Prefix      string // e.g. "/v1"
	Logger      *zap.Logger
}

// NewRouter builds the fully configured Chi router. Every versioned route
// lives under cfg.Prefix; /metrics sits outside it. The concrete chi.Router
// return type (rather than plain http.Handler) lets main.go mount the OIDC
// login/callback routes on the same router after construction.
func NewRouter(cfg RouterConfig) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(Metrics())
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	r.Get("/metrics", metrics.Handler().ServeHTTP)

	sessionsHandler := NewSessionsHandler(cfg.Sessions, cfg.Tokens, cfg.Users, cfg.BackendInfo.Mode, cfg.Logger)
	usersHandler := NewUsersHandler(cfg.Users, cfg.Logger)
	filesHandler := NewFilesHandler(cfg.Files, cfg.Projects, cfg.Revisions, cfg.Logger)
	sharedHandler := NewSharedHandler(cfg.Shared, cfg.Logger)
	historyHandler := NewHistoryHandler(cfg.History, cfg.Logger)
	backendHandler := NewBackendHandler(cfg.BackendInfo)

	requireSession := RequireSession(cfg.Tokens, cfg.Sessions, cfg.Logger)
	requireUser := RequireUser(cfg.Logger)

	// protect wraps h with the same session+user checks every plain JSON
	// route under the prefix gets. It's applied by hand (rather than via
	// r.Group) to the three routes that double as WS upgrade mounts, since
	// those must NOT run this middleware on an upgrade request — the
	// WebSocket client authenticates itself via a query-string token that
	// wsapi.Handler verifies on its own.
	protect := func(h http.HandlerFunc) http.Handler {
		return requireSession(requireUser(h))
	}

	// wsOrHTTP serves a WebSocket upgrade at ws and a plain authenticated
	// JSON GET at every other request to the same path.
	wsOrHTTP := func(h http.HandlerFunc) http.HandlerFunc {
		protected := protect(h)
		return func(w http.ResponseWriter, r *http.Request) {
			if websocket.IsWebSocketUpgrade(r) {
				cfg.WS.ServeWS(w, r)
				return
			}
			protected.ServeHTTP(w, r)
		}
	}

	r.Route(cfg.Prefix, func(r chi.Router) {
		r.Get("/backend", backendHandler.Get)
		r.Post("/sessions", sessionsHandler.Create)
		r.Get("/auth/login", cfg.WS.ServeWS)

		r.Group(func(r chi.Router) {
			r.Use(requireSession)
			r.Post("/sessions/renew", sessionsHandler.Renew)
			r.Delete("/sessions", sessionsHandler.End)

			r.Group(func(r chi.Router) {
				r.Use(requireUser)

				r.Get("/users/me", usersHandler.Me)

				r.Post("/files", filesHandler.Create)
				r.Patch("/files/{id}", filesHandler.Patch)
				r.Delete("/files/{id}", filesHandler.Delete)
				r.Get("/files/{id}/users", filesHandler.ListAccess)
				r.Patch("/files/{id}/users", filesHandler.PatchAccess)
				r.Get("/files/{id}/revisions", filesHandler.Revisions)

				r.Get("/shared", sharedHandler.List)
			})
		})

		// Dual-purpose: plain GET returns JSON, a WS-upgrade request opens a
		// live subscription. Registered outside the requireSession group
		// deliberately — see wsOrHTTP.
		r.Get("/files", wsOrHTTP(filesHandler.List))
		r.Get("/files/{id}", wsOrHTTP(filesHandler.Get))
		r.Get("/history", wsOrHTTP(historyHandler.List))
	})

	return r
}
