package httpapi

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/api-client/net-store/internal/apperr"
	"github.com/api-client/net-store/internal/store"
)

// HistoryHandler implements GET /history.
type HistoryHandler struct {
	history *store.History
	logger  *zap.Logger
}

// NewHistoryHandler builds a HistoryHandler.
func NewHistoryHandler(history *store.History, logger *zap.Logger) *HistoryHandler {
	return &HistoryHandler{history: history, logger: logger.Named("history")}
}

// List handles GET /history?type=&id=&since=&cursor=&limit=. type defaults
// to "user" with id defaulting to the caller, so "everything I did" needs no
// query parameters.
func (h *HistoryHandler) List(w http.ResponseWriter, r *http.Request) {
	user, _ := userFromContext(r.Context())

	q := r.URL.Query()
	kind := q.Get("type")
	if kind == "" {
		kind = "user"
	}
	id := q.Get("id")
	if kind == "user" && id == "" {
		id = user
	}
	if id == "" {
		writeError(w, h.logger, apperr.New(apperr.InvalidInput, "id is required for type "+kind))
		return
	}

	opts, err := listOptionsFromQuery(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	page, err := h.history.List(kind, id, opts)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}
