package httpapi

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/api-client/net-store/internal/apperr"
	"github.com/api-client/net-store/internal/store"
)

// UsersHandler implements GET /users/me.
type UsersHandler struct {
	users  *store.Users
	logger *zap.Logger
}

// NewUsersHandler builds a UsersHandler.
func NewUsersHandler(users *store.Users, logger *zap.Logger) *UsersHandler {
	return &UsersHandler{users: users, logger: logger.Named("users")}
}

// Me handles GET /users/me.
func (h *UsersHandler) Me(w http.ResponseWriter, r *http.Request) {
	user, ok := userFromContext(r.Context())
	if !ok {
		writeError(w, h.logger, apperr.New(apperr.InvalidToken, "session is not authenticated"))
		return
	}
	rec, err := h.users.Read(user)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
