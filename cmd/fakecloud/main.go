// Command fakecloud serves an in-memory stand-in for the cloud API's token
// endpoints, for local development against acctswitch.
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

	"golang.org/x/sync/errgroup"

	httphandler "github.com/ericfisherdev/acctswitch/internal/adapter/driving/http"
	"github.com/ericfisherdev/acctswitch/internal/config"
	"github.com/ericfisherdev/acctswitch/internal/fakecloud"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadFakeCloud()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fake, err := fakecloud.New(fakecloud.Options{
		SigningKey:    []byte(cfg.SigningKey),
		ProxyLifetime: cfg.ProxyLifetime,
		OmitExpiry:    cfg.OmitExpiry,
		Logger:        slog.Default(),
	})
	if err != nil {
		return err
	}
	fake.AddParent(cfg.ParentToken, cfg.ParentAccountID)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           httphandler.ApplyMiddleware(fake.Handler(cfg.BasePath), slog.Default()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("fake cloud API listening",
			"addr", cfg.ListenAddr,
			"base_path", cfg.BasePath,
			"proxy_lifetime", cfg.ProxyLifetime,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
