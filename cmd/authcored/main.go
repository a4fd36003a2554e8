// Command authcored runs the authentication service: JSON endpoints for
// email/password sessions, browser endpoints for the OAuth providers, and a
// shared session core backed by a pluggable store.
//
// Configuration comes from the environment; a .env file is loaded when
// present. The interesting variables:
//
//	AUTHCORE_PORT                 listen port (default 8080)
//	AUTHCORE_BASE_URL             external base URL for email links
//	AUTHCORE_STORE                "fs" (default) or "datastore"
//	AUTHCORE_DATA_DIR             fs store directory (default ./data)
//	DATASTORE_PROJECT_ID          GCP project for the datastore store
//	AUTHCORE_ACCESS_TOKEN_SECRET  access token signing secret
//	AUTHCORE_REFRESH_TOKEN_SECRET refresh token signing secret
//	OAUTH2_GOOGLE_CLIENT_ID/SECRET/CALLBACK_URL
//	OAUTH2_GITHUB_CLIENT_ID/SECRET/CALLBACK_URL
//	OAUTH2_APPLE_CLIENT_ID/SECRET/CALLBACK_URL
//
// A provider is enabled when its client ID is set.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/datastore"
	"github.com/alexedwards/scs/v2"
	"github.com/gorilla/mux"
	"github.com/joho/godotenv"

	ac "github.com/inkstream/authcore"
	"github.com/inkstream/authcore/oauth2"
	fsstore "github.com/inkstream/authcore/stores/fs"
	"github.com/inkstream/authcore/stores/gaestore"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file, using process environment")
	}

	if err := run(); err != nil {
		slog.Error("authcored exiting", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := &ac.Config{
		AppName:            os.Getenv("AUTHCORE_APP_NAME"),
		AccessTokenSecret:  os.Getenv("AUTHCORE_ACCESS_TOKEN_SECRET"),
		RefreshTokenSecret: os.Getenv("AUTHCORE_REFRESH_TOKEN_SECRET"),
		Providers: ac.Providers{
			Google: os.Getenv("OAUTH2_GOOGLE_CLIENT_ID") != "",
			GitHub: os.Getenv("OAUTH2_GITHUB_CLIENT_ID") != "",
			Apple:  os.Getenv("OAUTH2_APPLE_CLIENT_ID") != "",
		},
	}
	cfg.EnsureDefaults()

	userStore, tokenStore, err := buildStores()
	if err != nil {
		return err
	}

	sessions := ac.NewSessions(userStore, cfg)
	sessions.TokenStore = tokenStore
	sessions.EmailSender = &ac.ConsoleEmailSender{}
	sessions.BaseURL = envOr("AUTHCORE_BASE_URL", "http://localhost:8080")

	sessionManager := scs.New()
	sessionManager.Lifetime = 7 * 24 * time.Hour
	sessionManager.Cookie.HttpOnly = true

	handler := ac.NewAuthHandler(sessions)
	handler.Session = sessionManager

	root := mux.NewRouter()
	root.PathPrefix("/auth/google/").Handler(providerHandler("/auth/google",
		oauth2.NewGoogleProvider(
			os.Getenv("OAUTH2_GOOGLE_CLIENT_ID"),
			os.Getenv("OAUTH2_GOOGLE_CLIENT_SECRET"),
			os.Getenv("OAUTH2_GOOGLE_CALLBACK_URL"),
			handler.HandleAssertion), cfg.Providers.Google))
	root.PathPrefix("/auth/github/").Handler(providerHandler("/auth/github",
		oauth2.NewGitHubProvider(
			os.Getenv("OAUTH2_GITHUB_CLIENT_ID"),
			os.Getenv("OAUTH2_GITHUB_CLIENT_SECRET"),
			os.Getenv("OAUTH2_GITHUB_CALLBACK_URL"),
			handler.HandleAssertion), cfg.Providers.GitHub))
	root.PathPrefix("/auth/apple/").Handler(providerHandler("/auth/apple",
		oauth2.NewAppleProvider(
			os.Getenv("OAUTH2_APPLE_CLIENT_ID"),
			os.Getenv("OAUTH2_APPLE_CLIENT_SECRET"),
			os.Getenv("OAUTH2_APPLE_CALLBACK_URL"),
			handler.HandleAssertion), cfg.Providers.Apple))
	root.PathPrefix("/auth").Handler(http.StripPrefix("/auth", handler.Router()))
	root.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	addr := ":" + envOr("AUTHCORE_PORT", "8080")
	server := &http.Server{
		Addr:         addr,
		Handler:      sessionManager.LoadAndSave(root),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("authcored listening", "addr", addr, "providers", providerList(cfg))
		errCh <- server.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case sig := <-stop:
		slog.Info("shutting down", "signal", sig.String())
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return server.Shutdown(ctx)
	}
}

func buildStores() (ac.UserStore, ac.TokenStore, error) {
	switch envOr("AUTHCORE_STORE", "fs") {
	case "datastore":
		ctx := context.Background()
		client, err := datastore.NewClient(ctx, os.Getenv("DATASTORE_PROJECT_ID"))
		if err != nil {
			return nil, nil, err
		}
		namespace := os.Getenv("DATASTORE_NAMESPACE")
		return gaestore.NewUserStore(client, namespace).WithContext(ctx),
			gaestore.NewTokenStore(client, namespace).WithContext(ctx), nil
	default:
		dataDir := envOr("AUTHCORE_DATA_DIR", "./data")
		userStore, err := fsstore.NewUserStore(dataDir)
		if err != nil {
			return nil, nil, err
		}
		tokenStore, err := fsstore.NewTokenStore(dataDir)
		if err != nil {
			return nil, nil, err
		}
		return userStore, tokenStore, nil
	}
}

// providerHandler mounts a provider under its prefix, answering 404 when the
// provider is not configured.
func providerHandler(prefix string, provider http.Handler, enabled bool) http.Handler {
	if !enabled {
		return http.NotFoundHandler()
	}
	return http.StripPrefix(prefix, provider)
}

func providerList(cfg *ac.Config) []string {
	var out []string
	for _, p := range ac.KnownProviders() {
		if cfg.Providers.Enabled(p) {
			out = append(out, string(p))
		}
	}
	return out
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
