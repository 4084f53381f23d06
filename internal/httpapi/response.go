// Package httpapi implements the HTTP REST layer: a Chi router, bearer-token
// auth middleware, and one handler type per route group in the external
// interface. It never touches KVEngine directly — every handler delegates to
// an internal/store sub-store and translates its *apperr.Error into the
// wire error shape.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/api-client/net-store/internal/apperr"
)

// writeJSON writes a JSON-encoded response with the given status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		_ = json.NewEncoder(w).Encode(payload)
	}
}

// errorBody is the wire shape for every error response: a literal `error:
// true` flag, a machine-readable code matching the apperr.Kind (Internal
// is sent as "internal_error"), a human-readable message, and optional
// extra detail.
type errorBody struct {
	Error   bool   `json:"error"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// kindStatus maps an apperr.Kind to its HTTP status, per the error handling
// design's kind/status table.
var kindStatus = map[apperr.Kind]int{
	apperr.InvalidInput:  http.StatusBadRequest,
	apperr.InvalidPatch:  http.StatusBadRequest,
	apperr.InvalidCursor: http.StatusBadRequest,
	apperr.InvalidToken:  http.StatusUnauthorized,
	apperr.NotAuthorized: http.StatusForbidden,
	apperr.NotFound:      http.StatusNotFound,
	apperr.Conflict:      http.StatusConflict,
	apperr.Internal:      http.StatusInternalServerError,
}

// writeError maps err's Kind to a status and writes the error body. Internal
// errors are logged with their cause and never expose it to the client.
func writeError(w http.ResponseWriter, logger *zap.Logger, err error) {
	writeErrorDetail(w, logger, err, "")
}

func writeErrorDetail(w http.ResponseWriter, logger *zap.Logger, err error, detail string) {
	kind := apperr.KindOf(err)
	status, ok := kindStatus[kind]
	if !ok {
		status = http.StatusInternalServerError
	}

	message := errMessage(err)
	code := string(kind)
	if kind == apperr.Internal {
		logger.Error("internal error", zap.Error(err))
		message = "an internal error occurred"
		code = "internal_error"
		detail = ""
	}

	writeJSON(w, status, errorBody{Error: true, Code: code, Message: message, Detail: detail})
}

// errMessage extracts the caller-facing message from err, falling back to a
// generic message for errors that aren't a *apperr.Error.
func errMessage(err error) string {
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return appErr.Msg
	}
	return "an internal error occurred"
}

// decodeJSON decodes the request body into dst, writing an InvalidInput
// error and returning false on failure so callers can early-return.
func decodeJSON(w http.ResponseWriter, logger *zap.Logger, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		writeErrorDetail(w, logger, apperr.New(apperr.InvalidInput, "invalid request body"), err.Error())
		return false
	}
	return true
}
