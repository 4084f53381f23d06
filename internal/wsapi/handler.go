package wsapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/api-client/net-store/internal/events"
	"github.com/api-client/net-store/internal/session"
	"github.com/api-client/net-store/internal/token"
)

// wsError is the error envelope sent on the plain HTTP response when the
// upgrade itself cannot proceed (bad or missing token) — the connection
// never reaches WebSocket framing in that case.
type wsError struct {
	Error bool      `json:"error"`
	Cause string    `json:"cause"`
	Time  time.Time `json:"time"`
	Path  string    `json:"path"`
}

func writeWSError(w http.ResponseWriter, status int, cause, path string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(wsError{Error: true, Cause: cause, Time: time.Now(), Path: path})
}

// Handler serves the WebSocket upgrade endpoint. The path it is mounted on
// (one of /files, /files/:id, /history, /auth/login) becomes part of the
// canonical subscription URL once the route prefix is stripped, so the same
// handler works at every mount point without knowing which one it's on. The
// stores that publish events (Files, ProjectContents) know nothing about
// prefix or sitting behind a versioned route, so the prefix is stripped here
// rather than carried into every event URL.
type Handler struct {
	bus      *events.Bus
	tokens   *token.Manager
	sessions *session.Store
	prefix   string
	logger   *zap.Logger
}

// NewHandler builds a Handler. prefix is the router's versioned route
// prefix (e.g. "/v1"); it is stripped from every upgrade request's path
// before the result is used as a subscription URL.
func NewHandler(bus *events.Bus, tokens *token.Manager, sessions *session.Store, prefix string, logger *zap.Logger) *Handler {
	return &Handler{bus: bus, tokens: tokens, sessions: sessions, prefix: prefix, logger: logger.Named("wsapi")}
}

// ServeWS handles the upgrade. The bearer token travels as a query
// parameter (?token=) since the browser WebSocket API cannot set the
// Authorization header; everything else about the token's validity rules
// matches the HTTP bearer-auth path.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	tok := r.URL.Query().Get("token")
	if tok == "" {
		writeWSError(w, http.StatusUnauthorized, "missing token", r.URL.Path)
		return
	}

	claims, err := h.tokens.Verify(tok)
	if err != nil {
		writeWSError(w, http.StatusUnauthorized, "invalid token", r.URL.Path)
		return
	}

	sess, ok, err := h.sessions.Get(claims.Sid)
	if err != nil {
		writeWSError(w, http.StatusInternalServerError, "session lookup failed", r.URL.Path)
		return
	}
	if !ok {
		writeWSError(w, http.StatusUnauthorized, "unknown session", r.URL.Path)
		return
	}

	user := "default"
	if sess.Authenticated {
		user = sess.Uid
	}

	url := h.canonicalURL(r)

	client, err := NewClient(h.bus, w, r, url, user, claims.Sid, h.logger)
	if err != nil {
		h.logger.Warn("wsapi: upgrade failed", zap.String("user", user), zap.Error(err))
		return
	}

	h.logger.Info("wsapi: client connected", zap.String("user", user), zap.String("url", url))
	client.Run()
	h.logger.Info("wsapi: client disconnected", zap.String("user", user), zap.String("url", url))
}

// canonicalURL strips the route prefix from the upgrade request's path and
// the token query parameter that authenticated it, so the resulting
// subscription URL lands in the same prefix-less, token-less space as the
// event URLs the stores publish to (e.g. "/files/P1?alt=media"). Any other
// query parameter (alt=media being the only one in use) is kept.
func (h *Handler) canonicalURL(r *http.Request) string {
	path := strings.TrimPrefix(r.URL.Path, h.prefix)

	query := r.URL.Query()
	query.Del("token")
	if encoded := query.Encode(); encoded != "" {
		return path + "?" + encoded
	}
	return path
}
