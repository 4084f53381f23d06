// Command api-store runs the persistence and live-update engine backing the
// API-client suite: a single process serving an HTTP + WebSocket API over a
// local ordered key-value store, in either single-user or multi-user (OIDC)
// mode.
package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/api-client/net-store/internal/backendinfo"
	"github.com/api-client/net-store/internal/cursor"
	"github.com/api-client/net-store/internal/events"
	"github.com/api-client/net-store/internal/httpapi"
	"github.com/api-client/net-store/internal/kv"
	"github.com/api-client/net-store/internal/oidcflow"
	"github.com/api-client/net-store/internal/patch"
	"github.com/api-client/net-store/internal/session"
	"github.com/api-client/net-store/internal/store"
	"github.com/api-client/net-store/internal/token"
	"github.com/api-client/net-store/internal/wsapi"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	mode             string
	port             int
	prefix           string
	dataPath         string
	sessionSecret    string
	authType         string
	oidcIssuerURI    string
	oidcClientID     string
	oidcClientSecret string
	oidcRedirectBase string
	logLevel         string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "api-store <mode>",
		Short: "api-store — persistence and live-update engine for the API-client suite",
		Long: `api-store persists user workspaces, files, HTTP projects, request history,
and revisions on a local ordered key-value store, and serves an HTTP +
WebSocket API over them in either single-user (no authentication) or
multi-user (OIDC) mode.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.mode = args[0]
			if cfg.mode != httpapi.ModeSingleUser && cfg.mode != httpapi.ModeMultiUser {
				return fmt.Errorf("mode must be %q or %q, got %q", httpapi.ModeSingleUser, httpapi.ModeMultiUser, cfg.mode)
			}
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().IntVar(&cfg.port, "port", 8080, "HTTP listen port")
	root.PersistentFlags().StringVar(&cfg.prefix, "prefix", "/v1", "versioned API route prefix")
	root.PersistentFlags().StringVar(&cfg.dataPath, "data-path", "./data", "directory for the ordered key-value database")
	root.PersistentFlags().StringVar(&cfg.sessionSecret, "session-secret", envOrDefault("SESSION_SECRET", ""), "signing secret for session tokens and cursor encryption (required in multi-user mode)")
	root.PersistentFlags().StringVar(&cfg.authType, "auth-type", "", "authentication provider for multi-user mode (oidc)")
	root.PersistentFlags().StringVar(&cfg.oidcIssuerURI, "oidc-issuer-uri", "", "OIDC issuer URL")
	root.PersistentFlags().StringVar(&cfg.oidcClientID, "oidc-client-id", "", "OIDC client ID")
	root.PersistentFlags().StringVar(&cfg.oidcClientSecret, "oidc-client-secret", envOrDefault("OIDC_CLIENT_SECRET", ""), "OIDC client secret")
	root.PersistentFlags().StringVar(&cfg.oidcRedirectBase, "oidc-redirect-base", "", "scheme://host this process is reachable at, for OIDC redirect URIs")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("api-store %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.mode == httpapi.ModeMultiUser && cfg.sessionSecret == "" {
		return fmt.Errorf("session secret is required in multi-user mode — set --session-secret or SESSION_SECRET")
	}
	secret := []byte(cfg.sessionSecret)
	if len(secret) == 0 {
		logger.Warn("no session secret configured — generating an ephemeral one; sessions will not survive a restart")
		secret, err = randomSecret(32)
		if err != nil {
			return fmt.Errorf("failed to generate ephemeral session secret: %w", err)
		}
	}

	logger.Info("starting api-store",
		zap.String("version", version),
		zap.String("mode", cfg.mode),
		zap.Int("port", cfg.port),
		zap.String("prefix", cfg.prefix),
		zap.String("data_path", cfg.dataPath),
		zap.String("log_level", cfg.logLevel),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- 1. Key-value engine ---
	kvEngine, err := kv.Open(cfg.dataPath, store.Namespaces, logger)
	if err != nil {
		return fmt.Errorf("failed to open key-value store: %w", err)
	}
	defer kvEngine.Close()

	// --- 2. Cursor codec, tokens, sessions ---
	cursorKey := make([]byte, 32)
	copy(cursorKey, secret)
	cursorCodec, err := cursor.NewCodec(cursorKey)
	if err != nil {
		return fmt.Errorf("failed to build cursor codec: %w", err)
	}

	tokens := token.NewManager(secret, "api-store")
	sessions := session.NewStore(kvEngine, tokens)

	// --- 3. Event bus ---
	bus := events.NewBus()
	go bus.Run(ctx)

	// --- 4. Sub-stores ---
	deps := store.Deps{KV: kvEngine, Cursor: cursorCodec, Bus: bus, Patch: patch.New()}
	users := store.NewUsers(kvEngine)
	bin := store.NewBin(kvEngine)
	shared := store.NewShared(kvEngine)
	app := store.NewApp(kvEngine)
	_ = app // reserved for the proxy sub-server's scratch namespace; not exposed over HTTP
	revisions := store.NewRevisions(kvEngine, cursorCodec)
	history := store.NewHistory(kvEngine, cursorCodec)
	files := store.NewFiles(deps, bin, shared, revisions)
	projects := store.NewProjectContents(deps, bin, revisions)

	if cfg.mode == httpapi.ModeSingleUser {
		if err := users.EnsureDefault(); err != nil {
			return fmt.Errorf("failed to provision default user: %w", err)
		}
	}

	// --- 5. WebSocket handler ---
	ws := wsapi.NewHandler(bus, tokens, sessions, cfg.prefix, logger)

	// --- 6. HTTP router ---
	info := backendinfo.New(cfg.mode, cfg.prefix)
	router := httpapi.NewRouter(httpapi.RouterConfig{
		Files:       files,
		Projects:    projects,
		Revisions:   revisions,
		Users:       users,
		Shared:      shared,
		History:     history,
		Sessions:    sessions,
		Tokens:      tokens,
		WS:          ws,
		BackendInfo: info,
		Prefix:      cfg.prefix,
		Logger:      logger,
	})

	if cfg.mode == httpapi.ModeMultiUser && cfg.authType == "oidc" {
		if cfg.oidcIssuerURI == "" || cfg.oidcClientID == "" || cfg.oidcRedirectBase == "" {
			return fmt.Errorf("oidc auth requires --oidc-issuer-uri, --oidc-client-id, and --oidc-redirect-base")
		}
		oidc := oidcflow.New(oidcflow.Config{
			IssuerURL:    cfg.oidcIssuerURI,
			ClientID:     cfg.oidcClientID,
			ClientSecret: cfg.oidcClientSecret,
			RedirectBase: cfg.oidcRedirectBase,
		}, sessions, users, logger)
		router.Get(cfg.prefix+"/auth/oidc/login", oidc.Login)
		router.Get(cfg.prefix+"/auth/oidc/callback", oidc.Callback)
	}

	httpSrv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("http server listening", zap.Int("port", cfg.port))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down api-store")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server graceful shutdown error", zap.Error(err))
	}

	logger.Info("api-store stopped")
	return nil
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config
	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func randomSecret(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return []byte(base64.RawURLEncoding.EncodeToString(b)), nil
}
