package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/ovaphlow/pitchfork/service-accounts/internal/account"
	"github.com/ovaphlow/pitchfork/service-accounts/internal/metrics"
	"github.com/ovaphlow/pitchfork/service-accounts/internal/notification"
	"github.com/ovaphlow/pitchfork/service-accounts/internal/right"
	rightrepo "github.com/ovaphlow/pitchfork/service-accounts/internal/right/repo"
	"github.com/ovaphlow/pitchfork/service-accounts/internal/router"
	"github.com/ovaphlow/pitchfork/service-accounts/internal/token"
)

const defaultAddr = "0.0.0.0:8431"

func newServeCmd(e *env) *cobra.Command {
	var addr string
	c := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), e, addr)
		},
	}
	c.Flags().StringVar(&addr, "addr", "", "listen address (default $HTTP_ADDR or "+defaultAddr+")")
	return c
}

func serve(parent context.Context, e *env, addr string) error {
	if parent == nil {
		parent = context.Background()
	}
	if addr == "" {
		addr = os.Getenv("HTTP_ADDR")
	}
	if addr == "" {
		addr = defaultAddr
	}

	tokens := token.ConfigFromEnv()
	if tokens.Secret == "" {
		return errors.New("JWT_SECRET is required")
	}

	registry := prometheus.NewRegistry()
	e.metrics = metrics.New(registry)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	mailCfg := notification.ConfigFromEnv()
	dispatcher := notification.NewDispatcher(
		notification.NewMailer(mailCfg.SMTP, e.logger),
		notification.NewRenderer(mailCfg.AppName, mailCfg.Lang),
		mailCfg, e.logger, e.metrics,
	)
	go dispatcher.Run(ctx)

	accountCfg := account.ConfigFromEnv()
	svc := e.accountService(tokens)
	rights := right.NewService(rightrepo.NewRepo(e.db), accountCfg.ItemsPerPage)

	handler := router.RegisterRoutes(router.Deps{
		Logger:   e.logger,
		DB:       e.db,
		Accounts: account.NewHandler(svc, dispatcher, e.logger),
		Auth:     account.Authenticate(svc, e.logger),
		Rights:   right.NewHandler(rights, e.logger),
		Metrics:  e.metrics,
		Registry: registry,
	})
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		e.logger.Infow("http server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		if err != nil {
			return errors.Wrap(err, "http server failed")
		}
		return nil
	case <-ctx.Done():
	}

	e.logger.Info("shutting down")

	// give a short grace period for cleanup
	doneCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := e.db.PingContext(doneCtx); err != nil {
		e.logger.Warnf("db ping on shutdown failed: %v", err)
	}
	if err := srv.Shutdown(doneCtx); err != nil {
		e.logger.Warnf("http server shutdown failed: %v", err)
	}

	e.logger.Info("goodbye")
	return nil
}
