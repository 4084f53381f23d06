package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/api-client/net-store/internal/access"
	"github.com/api-client/net-store/internal/apperr"
	"github.com/api-client/net-store/internal/store"
)

const maxBodyBytes = 1 << 20

// FilesHandler implements every /files route: metadata CRUD, the alt=media
// contents variant, sharing, and revisions.
type FilesHandler struct {
	files     *store.Files
	projects  *store.ProjectContents
	revisions *store.Revisions
	logger    *zap.Logger
}

// NewFilesHandler builds a FilesHandler.
func NewFilesHandler(files *store.Files, projects *store.ProjectContents, revisions *store.Revisions, logger *zap.Logger) *FilesHandler {
	return &FilesHandler{files: files, projects: projects, revisions: revisions, logger: logger.Named("files")}
}

func isAltMedia(r *http.Request) bool {
	return r.URL.Query().Get("alt") == "media"
}

func listOptionsFromQuery(r *http.Request) (store.ListOptions, error) {
	q := r.URL.Query()
	opts := store.ListOptions{
		Parent: q.Get("parent"),
		Cursor: q.Get("cursor"),
		Query:  q.Get("query"),
	}
	if since := q.Get("since"); since != "" {
		v, err := strconv.ParseInt(since, 10, 64)
		if err != nil {
			return store.ListOptions{}, apperr.New(apperr.InvalidInput, "invalid since parameter")
		}
		opts.Since = v
	}
	if limit := q.Get("limit"); limit != "" {
		v, err := strconv.Atoi(limit)
		if err != nil {
			return store.ListOptions{}, apperr.New(apperr.InvalidInput, "invalid limit parameter")
		}
		opts.Limit = v
	}
	return opts, nil
}

// List handles GET /files.
func (h *FilesHandler) List(w http.ResponseWriter, r *http.Request) {
	user, _ := userFromContext(r.Context())
	opts, err := listOptionsFromQuery(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	page, err := h.files.List(user, opts)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

type createFileRequest struct {
	Key    string          `json:"key"`
	Kind   string          `json:"kind"`
	Info   json.RawMessage `json:"info,omitempty"`
	Parent string          `json:"parent,omitempty"`
}

// Create handles POST /files. Creating a file of kind HttpProject also
// creates its (initially empty) contents document, since the alt=media
// route depends on one existing the moment the file does.
func (h *FilesHandler) Create(w http.ResponseWriter, r *http.Request) {
	user, _ := userFromContext(r.Context())

	var req createFileRequest
	if !decodeJSON(w, h.logger, r, &req) {
		return
	}
	if req.Key == "" || req.Kind == "" {
		writeError(w, h.logger, apperr.New(apperr.InvalidInput, "key and kind are required"))
		return
	}

	file, err := h.files.Add(req.Key, req.Kind, req.Info, user, store.AddOptions{Parent: req.Parent})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	if req.Kind == "HttpProject" {
		if _, err := h.projects.Add(file.Key, file.Kind, json.RawMessage(`{}`), user); err != nil {
			writeError(w, h.logger, err)
			return
		}
	}

	w.Header().Set("Location", "/files/"+file.Key)
	w.WriteHeader(http.StatusNoContent)
}

// Get handles GET /files/:id, dispatching to the contents document when
// ?alt=media is present.
func (h *FilesHandler) Get(w http.ResponseWriter, r *http.Request) {
	user, _ := userFromContext(r.Context())
	key := chi.URLParam(r, "id")

	if isAltMedia(r) {
		if err := h.files.Authorize(key, user, access.Reader); err != nil {
			writeError(w, h.logger, err)
			return
		}
		doc, err := h.projects.Read(key)
		if err != nil {
			writeError(w, h.logger, err)
			return
		}
		writeJSON(w, http.StatusOK, doc.Data)
		return
	}

	file, err := h.files.Read(key, user)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, file)
}

type patchResponse struct {
	Status string          `json:"status"`
	Revert json.RawMessage `json:"revert"`
}

// Patch handles PATCH /files/:id, dispatching to the contents document when
// ?alt=media is present.
func (h *FilesHandler) Patch(w http.ResponseWriter, r *http.Request) {
	user, _ := userFromContext(r.Context())
	key := chi.URLParam(r, "id")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, h.logger, apperr.Wrap(apperr.InvalidPatch, "reading request body", err))
		return
	}

	if isAltMedia(r) {
		if err := h.files.Authorize(key, user, access.Writer); err != nil {
			writeError(w, h.logger, err)
			return
		}
		_, revert, err := h.projects.ApplyPatch(key, body, user)
		if err != nil {
			writeError(w, h.logger, err)
			return
		}
		writeJSON(w, http.StatusOK, patchResponse{Status: "OK", Revert: json.RawMessage(revert)})
		return
	}

	_, revert, err := h.files.ApplyPatch(key, body, user)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, patchResponse{Status: "OK", Revert: json.RawMessage(revert)})
}

// Delete handles DELETE /files/:id, dispatching to the contents document
// when ?alt=media is present.
func (h *FilesHandler) Delete(w http.ResponseWriter, r *http.Request) {
	user, _ := userFromContext(r.Context())
	key := chi.URLParam(r, "id")

	if isAltMedia(r) {
		if err := h.files.Authorize(key, user, access.Owner); err != nil {
			writeError(w, h.logger, err)
			return
		}
		if err := h.projects.Delete(key, user); err != nil {
			writeError(w, h.logger, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if err := h.files.Delete(key, user); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListAccess handles GET /files/:id/users.
func (h *FilesHandler) ListAccess(w http.ResponseWriter, r *http.Request) {
	user, _ := userFromContext(r.Context())
	key := chi.URLParam(r, "id")

	perms, err := h.files.ListAccess(key, user)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, perms)
}

// PatchAccess handles PATCH /files/:id/users.
func (h *FilesHandler) PatchAccess(w http.ResponseWriter, r *http.Request) {
	user, _ := userFromContext(r.Context())
	key := chi.URLParam(r, "id")

	var ops []store.AccessOp
	if !decodeJSON(w, h.logger, r, &ops) {
		return
	}

	if err := h.files.PatchAccess(key, ops, user); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Revisions handles GET /files/:id/revisions. ?alt=media selects the
// contents-document revision stream instead of the metadata one.
func (h *FilesHandler) Revisions(w http.ResponseWriter, r *http.Request) {
	user, _ := userFromContext(r.Context())
	key := chi.URLParam(r, "id")

	if err := h.files.Authorize(key, user, access.Reader); err != nil {
		writeError(w, h.logger, err)
		return
	}

	file, err := h.files.Read(key, user)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	opts, err := listOptionsFromQuery(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	kind := file.Kind
	if isAltMedia(r) {
		kind = store.MediaRevisionKind(file.Kind)
	}

	page, err := h.revisions.List(kind, key, opts)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}
