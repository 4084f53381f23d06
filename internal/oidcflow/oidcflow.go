// Package oidcflow implements the multi-user login glue: redirecting to the
// configured identity provider with PKCE, and completing the exchange on
// callback by provisioning or resolving a local user and upgrading the
// caller's session in place. Discovery, state/nonce handling, and the token
// exchange itself are the provider's contract (coreos/go-oidc +
// golang.org/x/oauth2); this package only wires that contract to this
// process's session and user stores.
package oidcflow

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/api-client/net-store/internal/apperr"
	"github.com/api-client/net-store/internal/session"
	"github.com/api-client/net-store/internal/store"
)

const (
	stateBytes        = 16
	codeVerifierBytes = 32
)

// Config is the static OIDC configuration resolved from CLI flags/env at
// startup.
type Config struct {
	IssuerURL    string
	ClientID     string
	ClientSecret string
	RedirectBase string // scheme://host, login/callback paths are appended
}

// Handler implements the login-start and callback legs of the flow.
type Handler struct {
	cfg      Config
	sessions *session.Store
	users    *store.Users
	oauth2   oauth2.Config
	verifier func(ctx context.Context) (*gooidc.IDTokenVerifier, error)
	logger   *zap.Logger
}

// New builds a Handler. Provider discovery happens lazily, on each login and
// callback request, rather than at construction time, so a transient identity-provider outage
// at startup doesn't prevent the rest of the server from coming up.
func New(cfg Config, sessions *session.Store, users *store.Users, logger *zap.Logger) *Handler {
	h := &Handler{
		cfg:      cfg,
		sessions: sessions,
		users:    users,
		logger:   logger.Named("oidcflow"),
	}
	h.oauth2 = oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectBase + "/auth/oidc/callback",
		Scopes:       []string{gooidc.ScopeOpenID, "email", "profile"},
	}
	h.verifier = func(ctx context.Context) (*gooidc.IDTokenVerifier, error) {
		provider, err := gooidc.NewProvider(ctx, cfg.IssuerURL)
		if err != nil {
			return nil, fmt.Errorf("oidcflow: discovering issuer %q: %w", cfg.IssuerURL, err)
		}
		h.oauth2.Endpoint = provider.Endpoint()
		return provider.Verifier(&gooidc.Config{ClientID: cfg.ClientID}), nil
	}
	return h
}

// Login handles GET /auth/oidc/login: mints a fresh unauthenticated session,
// stashes the PKCE verifier and CSRF state on it, and redirects the browser
// to the provider's authorization endpoint.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	_, sid, err := h.sessions.GenerateUnauthenticated()
	if err != nil {
		h.writeErr(w, apperr.Wrap(apperr.Internal, "starting login", err))
		return
	}

	state, err := randomBase64(stateBytes)
	if err != nil {
		h.writeErr(w, apperr.Wrap(apperr.Internal, "generating state", err))
		return
	}
	verifier, err := randomBase64(codeVerifierBytes)
	if err != nil {
		h.writeErr(w, apperr.Wrap(apperr.Internal, "generating code verifier", err))
		return
	}

	if err := h.sessions.Set(sid, session.Session{Authenticated: false, State: state, Nonce: verifier}); err != nil {
		h.writeErr(w, apperr.Wrap(apperr.Internal, "persisting login state", err))
		return
	}
	h.sessions.BindState(state, sid)

	// Discovery fills in h.oauth2.Endpoint, which AuthCodeURL needs.
	if _, err := h.verifier(r.Context()); err != nil {
		h.writeErr(w, apperr.Wrap(apperr.Internal, "initializing oidc provider", err))
		return
	}

	authURL := h.oauth2.AuthCodeURL(state, oauth2.AccessTypeOnline, oauth2.S256ChallengeOption(verifier))
	http.Redirect(w, r, authURL, http.StatusFound)
}

// Callback handles GET /auth/oidc/callback: verifies state, exchanges the
// code for tokens, verifies the ID token, resolves or provisions the local
// user, and upgrades the session tied to this login attempt.
func (h *Handler) Callback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	state := q.Get("state")
	code := q.Get("code")
	if state == "" || code == "" {
		h.writeErr(w, apperr.New(apperr.InvalidInput, "missing state or code"))
		return
	}

	sid, ok := h.sessions.ResolveState(state)
	if !ok {
		h.writeErr(w, apperr.New(apperr.InvalidToken, "unknown or expired login state"))
		return
	}
	sess, ok, err := h.sessions.Get(sid)
	if err != nil {
		h.writeErr(w, apperr.Wrap(apperr.Internal, "resolving login session", err))
		return
	}
	if !ok || sess.State != state {
		h.writeErr(w, apperr.New(apperr.InvalidToken, "login state mismatch"))
		return
	}

	ctx := r.Context()
	verifier, err := h.verifier(ctx)
	if err != nil {
		h.writeErr(w, apperr.Wrap(apperr.Internal, "initializing oidc verifier", err))
		return
	}

	oauth2Token, err := h.oauth2.Exchange(ctx, code, oauth2.VerifierOption(sess.Nonce))
	if err != nil {
		h.writeErr(w, apperr.Wrap(apperr.InvalidInput, "exchanging authorization code", err))
		return
	}
	rawIDToken, ok := oauth2Token.Extra("id_token").(string)
	if !ok {
		h.writeErr(w, apperr.New(apperr.Internal, "provider response missing id_token"))
		return
	}
	idToken, err := verifier.Verify(ctx, rawIDToken)
	if err != nil {
		h.writeErr(w, apperr.Wrap(apperr.InvalidToken, "verifying id token", err))
		return
	}

	var claims struct {
		Sub     string `json:"sub"`
		Email   string `json:"email"`
		Name    string `json:"name"`
		Picture string `json:"picture"`
	}
	if err := idToken.Claims(&claims); err != nil {
		h.writeErr(w, apperr.Wrap(apperr.Internal, "decoding id token claims", err))
		return
	}

	user, err := h.resolveUser(claims.Sub, claims.Email, claims.Name, claims.Picture)
	if err != nil {
		h.writeErr(w, err)
		return
	}

	token, err := h.sessions.GenerateAuthenticated(user.Key, sid)
	if err != nil {
		h.writeErr(w, apperr.Wrap(apperr.Internal, "upgrading session", err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"token": token})
}

// resolveUser looks up the user by provider subject, provisioning a new
// account on first login (JIT provisioning) and refreshing profile fields
// on every subsequent one.
func (h *Handler) resolveUser(sub, email, name, picture string) (store.User, error) {
	existing, found, err := h.users.FindByProviderSub("oidc", sub)
	if err != nil {
		return store.User{}, apperr.Wrap(apperr.Internal, "looking up user", err)
	}

	user := store.User{Key: existing.Key, Name: name, Email: email, Provider: "oidc", Sub: sub, Picture: picture}
	if !found {
		user.Key = sub
	}
	if err := h.users.Add(user); err != nil {
		return store.User{}, apperr.Wrap(apperr.Internal, "persisting user", err)
	}
	return user, nil
}

func (h *Handler) writeErr(w http.ResponseWriter, err error) {
	h.logger.Warn("oidc flow error", zap.Error(err))
	status := http.StatusBadRequest
	if apperr.Is(err, apperr.Internal) {
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": true, "message": err.Error()})
}

func randomBase64(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
