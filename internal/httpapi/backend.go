package httpapi

import "net/http"

// BackendHandler implements GET /backend.
type BackendHandler struct {
	info any
}

// NewBackendHandler builds a BackendHandler serving a fixed info value,
// computed once at startup by internal/backendinfo.
func NewBackendHandler(info any) *BackendHandler {
	return &BackendHandler{info: info}
}

// Get handles GET /backend. Unauthenticated by design: a client needs to
// discover capabilities before it has a session.
func (h *BackendHandler) Get(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.info)
}
