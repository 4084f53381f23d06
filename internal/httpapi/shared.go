package httpapi

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/api-client/net-store/internal/store"
)

// SharedHandler implements GET /shared.
type SharedHandler struct {
	shared *store.Shared
	logger *zap.Logger
}

// NewSharedHandler builds a SharedHandler.
func NewSharedHandler(shared *store.Shared, logger *zap.Logger) *SharedHandler {
	return &SharedHandler{shared: shared, logger: logger.Named("shared")}
}

// List handles GET /shared: every file shared with the caller outside their
// own ownership tree.
func (h *SharedHandler) List(w http.ResponseWriter, r *http.Request) {
	user, _ := userFromContext(r.Context())
	entries, err := h.shared.ListForUser(user)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}
