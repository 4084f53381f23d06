package httpapi

import (
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/api-client/net-store/internal/apperr"
	"github.com/api-client/net-store/internal/session"
	"github.com/api-client/net-store/internal/store"
	"github.com/api-client/net-store/internal/token"
)

// Mode names the two ways this process runs, matching the CLI's mode
// argument and BackendInfo's advertised Mode.
const (
	ModeSingleUser = "single-user"
	ModeMultiUser  = "multi-user"
)

type sessionResponse struct {
	Token string `json:"token"`
}

// SessionsHandler implements POST /sessions, POST /sessions/renew, and
// DELETE /sessions.
type SessionsHandler struct {
	sessions *session.Store
	tokens   *token.Manager
	users    *store.Users
	mode     string
	logger   *zap.Logger
}

// NewSessionsHandler builds a SessionsHandler for the given run mode.
func NewSessionsHandler(sessions *session.Store, tokens *token.Manager, users *store.Users, mode string, logger *zap.Logger) *SessionsHandler {
	return &SessionsHandler{sessions: sessions, tokens: tokens, users: users, mode: mode, logger: logger.Named("sessions")}
}

// Create handles POST /sessions. In single-user mode it issues an
// already-authenticated token bound to the default user, provisioning that
// user on first use. In multi-user mode it issues an unauthenticated token
// that the OIDC login flow later upgrades in place.
func (h *SessionsHandler) Create(w http.ResponseWriter, r *http.Request) {
	if h.mode == ModeSingleUser {
		if err := h.users.EnsureDefault(); err != nil {
			writeError(w, h.logger, err)
			return
		}
		sid := uuid.NewString()
		tok, err := h.sessions.GenerateAuthenticated(store.DefaultUser, sid)
		if err != nil {
			writeError(w, h.logger, apperr.Wrap(apperr.Internal, "creating session", err))
			return
		}
		writeJSON(w, http.StatusOK, sessionResponse{Token: tok})
		return
	}

	tok, _, err := h.sessions.GenerateUnauthenticated()
	if err != nil {
		writeError(w, h.logger, apperr.Wrap(apperr.Internal, "creating session", err))
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Token: tok})
}

// Renew handles POST /sessions/renew: re-signs a token for the sid the
// RequireSession middleware already resolved and validated.
func (h *SessionsHandler) Renew(w http.ResponseWriter, r *http.Request) {
	sid, ok := sidFromContext(r.Context())
	if !ok {
		writeError(w, h.logger, apperr.New(apperr.InvalidToken, "no active session"))
		return
	}
	tok, err := h.tokens.Issue(sid)
	if err != nil {
		writeError(w, h.logger, apperr.Wrap(apperr.Internal, "renewing session", err))
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Token: tok})
}

// End handles DELETE /sessions.
func (h *SessionsHandler) End(w http.ResponseWriter, r *http.Request) {
	sid, ok := sidFromContext(r.Context())
	if !ok {
		writeError(w, h.logger, apperr.New(apperr.InvalidToken, "no active session"))
		return
	}
	if err := h.sessions.Delete(sid); err != nil {
		writeError(w, h.logger, apperr.Wrap(apperr.Internal, "ending session", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
