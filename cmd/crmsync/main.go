package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/multierr"
	_ "golang.org/x/crypto/x509roots/fallback" // Embed CA certs for scratch container
	_ "time/tzdata"                            // Provider time zone names in scratch container

	"github.com/ericfisherdev/crmsync/internal/adapter/driven/google"
	"github.com/ericfisherdev/crmsync/internal/adapter/driven/microsoft"
	"github.com/ericfisherdev/crmsync/internal/adapter/driven/nylas"
	"github.com/ericfisherdev/crmsync/internal/adapter/driven/providerhttp"
	sqliteadapter "github.com/ericfisherdev/crmsync/internal/adapter/driven/sqlite"
	httphandler "github.com/ericfisherdev/crmsync/internal/adapter/driving/http"
	"github.com/ericfisherdev/crmsync/internal/application"
	"github.com/ericfisherdev/crmsync/internal/config"
	"github.com/ericfisherdev/crmsync/internal/domain/model"
	"github.com/ericfisherdev/crmsync/internal/domain/port/driven"
)

const (
	clientCacheSize = 512
	clientCacheTTL  = time.Hour
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run() (err error) {
	// 1. Load configuration (fail fast on missing required env vars).
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	slog.Info("config loaded",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"sync_interval", cfg.SyncInterval,
		"sync_window", cfg.SyncWindow,
		"run_timeout", cfg.RunTimeout,
		"provider_timeout", cfg.ProviderTimeout,
		"sync_concurrency", cfg.SyncConcurrency,
	)

	// 2. Setup signal-based context (SIGINT, SIGTERM).
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Open database (dual reader/writer with WAL mode).
	db, err := sqliteadapter.NewDB(cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			err = multierr.Append(err, fmt.Errorf("close database: %w", closeErr))
		}
	}()
	slog.Info("database opened", "path", cfg.DBPath)

	// 4. Run migrations on writer connection.
	version, err := sqliteadapter.RunMigrations(db.Writer)
	if err != nil {
		return err
	}
	slog.Info("migrations complete", "version", version)

	// 5. Wire stores.
	credentialStore := sqliteadapter.NewCredentialRepo(db, cfg.SecretKey)
	mappingStore := sqliteadapter.NewMappingRepo(db)
	appointmentStore := sqliteadapter.NewAppointmentRepo(db)
	messageStore := sqliteadapter.NewMessageRepo(db)
	runStore := sqliteadapter.NewSyncRunRepo(db)

	// 6. Build provider adapters for every configured OAuth app.
	clients := providerhttp.NewClientCache(clientCacheSize, clientCacheTTL, cfg.ProviderTimeout)
	adapters := providerAdapters(cfg, clients)
	if len(adapters) == 0 {
		slog.Warn("no provider configured; set CRMSYNC_GOOGLE_CLIENT_ID, CRMSYNC_MICROSOFT_CLIENT_ID or CRMSYNC_NYLAS_CLIENT_ID")
	}
	registry := application.NewProviderRegistry(adapters...)
	slog.Info("providers enabled", "providers", registry.Providers())

	// 7. Create application services.
	tokens := application.NewTokenManager(credentialStore, registry, cfg.ProviderTimeout)
	tokens.OnConnect(func(c model.Credential) {
		clients.Evict(c.Provider, c.AccountID)
	})
	reconciler := application.NewReconciler(mappingStore, appointmentStore, messageStore)
	syncSvc := application.NewSyncService(credentialStore, runStore, appointmentStore, messageStore,
		registry, tokens, reconciler, application.SyncOptions{
			Window:       cfg.SyncWindow,
			RunTimeout:   cfg.RunTimeout,
			MessageLimit: cfg.MessageLimit,
		})
	scheduler := application.NewScheduler(credentialStore, syncSvc, cfg.SyncInterval, cfg.SyncConcurrency)
	webhookSvc := application.NewWebhookService(registry, credentialStore, tokens, reconciler, scheduler, cfg.WebhookSecret)
	healthSvc := application.NewAccountHealthService(credentialStore, runStore)
	recordSvc := application.NewRecordService(credentialStore, appointmentStore, messageStore)

	// 8. Start the scheduler.
	schedulerDone := make(chan struct{})
	go func() {
		defer close(schedulerDone)
		scheduler.Start(ctx)
	}()

	// 9. Create HTTP handler and start the server.
	apiHandler := httphandler.NewHandler(tokens, healthSvc, scheduler, syncSvc, recordSvc, webhookSvc, slog.Default())
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           httphandler.NewServeMux(apiHandler, slog.Default()),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      cfg.RunTimeout + 30*time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("http server starting", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	slog.Info("crmsync started", "listen_addr", cfg.ListenAddr, "providers", registry.Providers())

	// 10. Wait for shutdown signal or server failure.
	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-serveErr:
		stop()
		slog.Error("http server error", "error", err)
		<-schedulerDone
		return err
	}

	// 11. Graceful shutdown: drain HTTP, then wait for in-flight passes.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
		err = multierr.Append(err, fmt.Errorf("http server shutdown: %w", shutdownErr))
	}
	select {
	case <-schedulerDone:
	case <-shutdownCtx.Done():
		slog.Warn("scheduler did not stop before shutdown deadline")
	}

	slog.Info("shutdown complete")
	return err
}

// providerAdapters builds an adapter for each enabled provider. Token
// endpoint calls use a plain client: responses must never be cached.
func providerAdapters(cfg *config.Config, clients *providerhttp.ClientCache) []driven.ProviderAdapter {
	tokenHTTP := &http.Client{Timeout: cfg.ProviderTimeout}
	var adapters []driven.ProviderAdapter

	if cfg.Google.Enabled() {
		oauthCfg := google.OAuthConfig(cfg.Google.ClientID, cfg.Google.ClientSecret, cfg.Google.RedirectURL)
		adapters = append(adapters, google.New(
			providerhttp.NewTokenClient(model.ProviderGoogle, oauthCfg, tokenHTTP), clients))
	}
	if cfg.Microsoft.Enabled() {
		oauthCfg := microsoft.OAuthConfig(cfg.Microsoft.ClientID, cfg.Microsoft.ClientSecret, cfg.MicrosoftTenant, cfg.Microsoft.RedirectURL)
		adapters = append(adapters, microsoft.New(
			providerhttp.NewTokenClient(model.ProviderMicrosoft, oauthCfg, tokenHTTP), clients))
	}
	if cfg.Nylas.Enabled() {
		oauthCfg := nylas.OAuthConfig(cfg.Nylas.ClientID, cfg.Nylas.ClientSecret, cfg.NylasAPIURL, cfg.Nylas.RedirectURL)
		adapters = append(adapters, nylas.New(
			providerhttp.NewTokenClient(model.ProviderNylas, oauthCfg, tokenHTTP), clients, cfg.NylasAPIURL))
	}
	return adapters
}
