package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/atende/internal/api"
	"github.com/nugget/atende/internal/buildinfo"
	"github.com/nugget/atende/internal/conversation"
)

// shutdownTimeout bounds how long in-flight turns get to finish.
const shutdownTimeout = 30 * time.Second

// runServe handles "atende serve". It runs the API server, the tenant
// file watcher and the SIGHUP reload loop until SIGINT or SIGTERM, then
// drains in-flight requests.
func runServe(ctx context.Context, stderr io.Writer, opts options) error {
	a, err := newApp(stderr, opts)
	if err != nil {
		return err
	}
	defer a.close()

	logger := a.logger
	logger.Info("starting atende", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	stopEvents := conversation.LogEvents(logger)
	defer stopEvents()

	if ids, err := a.tenants.IDs(); err != nil {
		logger.Warn("cannot list tenants", "dir", a.cfg.TenantsDir, "error", err)
	} else {
		logger.Info("tenants available", "dir", a.cfg.TenantsDir, "count", len(ids))
	}

	watch := a.providerWatch()
	apiOpts := []api.Option{api.WithProviderStatus(watch.Status)}
	if a.ledger != nil {
		apiOpts = append(apiOpts, api.WithUsage(a.ledger))
	}
	server := api.NewServer(a.cfg.Listen.Address, a.cfg.Listen.Port, a.orch, a.tenants, logger, apiOpts...)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return watch.Run(ctx) })

	g.Go(func() error {
		if err := server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("API server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if a.cfg.WatchTenants {
		g.Go(func() error {
			if err := a.tenants.Watch(ctx); err != nil {
				// Hot reload is a convenience; SIGHUP still works.
				logger.Warn("tenant watcher stopped", "error", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-hup:
				logger.Info("SIGHUP received, reloading tenants")
				if err := a.tenants.Reload(ctx); err != nil {
					logger.Warn("tenant reload incomplete", "error", err)
				}
			}
		}
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("atende stopped")
	return nil
}
