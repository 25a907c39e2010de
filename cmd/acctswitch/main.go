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

	_ "golang.org/x/crypto/x509roots/fallback" // Embed CA certs for scratch container

	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/ericfisherdev/acctswitch/internal/adapter/driven/cloudapi"
	sqliteadapter "github.com/ericfisherdev/acctswitch/internal/adapter/driven/sqlite"
	httphandler "github.com/ericfisherdev/acctswitch/internal/adapter/driving/http"
	"github.com/ericfisherdev/acctswitch/internal/application"
	"github.com/ericfisherdev/acctswitch/internal/config"
	"github.com/ericfisherdev/acctswitch/internal/domain/model"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load configuration (fail fast on missing required env vars).
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	slog.SetLogLoggerLevel(cfg.SlogLevel())
	slog.Info("config loaded",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"api_base_url", cfg.APIBaseURL,
		"warn_threshold", cfg.WarnThreshold,
		"parent_seed", cfg.HasParentSeed(),
	)

	// 2. Setup signal-based context (SIGINT, SIGTERM).
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Open database (dual reader/writer with WAL mode).
	db, err := sqliteadapter.NewDB(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			slog.Error("error closing database", "error", closeErr)
		}
	}()
	slog.Info("database opened", "path", cfg.DBPath)

	// 4. Run migrations on writer connection.
	version, err := sqliteadapter.RunMigrations(db.Writer)
	if err != nil {
		return err
	}
	slog.Info("migrations complete", "version", version)

	// 5. Wire adapters.
	slots := sqliteadapter.NewCredentialRepo(db, cfg.SecretKey)
	api, err := cloudapi.NewClient(cfg.APIBaseURL, cfg.HTTPTimeout, slog.Default())
	if err != nil {
		return err
	}

	// 6. Load stored credentials. Stored credentials take priority over env vars.
	clk := clock.RealClock{}
	store := application.NewCredentialStore(slots, slog.Default())
	if err := store.Load(ctx); err != nil {
		return err
	}

	broker := application.NewCredentialBroker(api, store, clk, application.BrokerConfig{
		RevokeMaxRetries:      cfg.RevokeMaxRetries,
		RevokeInitialInterval: cfg.RevokeRetryInterval,
	}, slog.Default())

	if store.Active() == nil && cfg.HasParentSeed() {
		if err := seedParent(ctx, cfg, store, broker); err != nil {
			return err
		}
	}
	if store.Active() == nil {
		slog.Info("no parent credential configured, delegation unavailable until one is provided")
	}

	// 7. Create the session controller and pick up a session that survived a restart.
	watcher := application.NewExpiryWatcher(clk, application.WatcherConfig{
		Threshold:     cfg.WarnThreshold,
		SkewTolerance: cfg.ClockSkewTolerance,
		MaxLifetime:   cfg.MaxProxyLifetime,
	}, slog.Default())
	defer func() {
		watcher.Stop()
		watcher.Wait()
	}()

	session := application.NewSessionController(store, broker, watcher, clk, slog.Default())
	if err := session.Restore(ctx); err != nil {
		return err
	}
	state := session.State()
	slog.Info("session restored", "phase", state.Phase, "target_account_id", state.TargetAccountID)

	// 8. Create HTTP handler, cloud API proxy, and register routes.
	mux := http.NewServeMux()
	httphandler.RegisterAPIRoutes(mux, httphandler.NewHandler(session, slog.Default()))

	proxy, err := httphandler.NewCloudProxy(cfg.APIBaseURL, store, clk, nil, slog.Default())
	if err != nil {
		return err
	}
	httphandler.RegisterProxyRoutes(mux, proxy)

	// Apply middleware.
	handler := httphandler.ApplyMiddleware(httphandler.RequireCSRF(mux), slog.Default())

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("http server starting", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// 9. Wait for shutdown signal (or a server failure).
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")

		// 10. Graceful shutdown with 10s timeout.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", "error", err)
		}
		return nil
	})

	slog.Info("acctswitch started", "listen_addr", cfg.ListenAddr)

	if err := g.Wait(); err != nil {
		return err
	}

	// 11. Log shutdown complete.
	slog.Info("shutdown complete")
	return nil
}

// seedParent stores the configured parent token as the active credential.
// The token id is looked up so the credential can be shown and revoked
// like any other; a failed lookup leaves the id empty.
func seedParent(ctx context.Context, cfg *config.Config, store *application.CredentialStore, broker *application.CredentialBroker) error {
	parent := model.Credential{
		Token:          cfg.ParentToken,
		Scope:          model.ScopeParent,
		ExpiresAt:      cfg.ParentTokenExpiry,
		OwnerAccountID: cfg.ParentAccountID,
	}

	lookupCtx, cancel := context.WithTimeout(ctx, cfg.HTTPTimeout)
	defer cancel()
	if listed, err := broker.PendingRevocation(lookupCtx, parent); err != nil {
		slog.Warn("could not look up parent token id", "error", err)
	} else if listed != nil {
		parent.ID = listed.ID
	}

	if err := store.SwapActiveTo(ctx, parent); err != nil {
		return err
	}
	slog.Info("parent credential seeded from environment", "account_id", parent.OwnerAccountID, "credential_id", parent.ID)
	return nil
}
