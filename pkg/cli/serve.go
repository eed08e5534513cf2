package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-decks/pkg/export"
	"github.com/ekaya-inc/ekaya-decks/pkg/handlers"
	"github.com/ekaya-inc/ekaya-decks/pkg/mcp"
	"github.com/ekaya-inc/ekaya-decks/pkg/mcp/tools"
	"github.com/ekaya-inc/ekaya-decks/pkg/middleware"
)

const shutdownTimeout = 30 * time.Second

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and MCP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			return a.serve(ctx)
		},
	}
}

// routes builds the HTTP handler tree.
func (a *app) routes() http.Handler {
	mux := http.NewServeMux()

	checks := map[string]handlers.HealthCheck{}
	if a.db != nil {
		checks["database"] = a.db.Health
	}
	if a.redis != nil {
		checks["redis"] = func(ctx context.Context) error { return a.redis.Ping(ctx).Err() }
	}
	handlers.NewHealthHandler(a.cfg, checks, a.logger).RegisterRoutes(mux)

	exporter := export.NewHTMLExporter(a.store, a.logger)
	handlers.NewProjectsHandler(a.store, a.orchestrator, exporter, a.logger).RegisterRoutes(mux)
	handlers.NewGenerationHandler(a.orchestrator, a.logger).RegisterRoutes(mux)
	handlers.NewCredentialsHandler(a.keyStore, a.clients, a.logger).RegisterRoutes(mux)

	if a.cfg.MCPEnabled {
		srv := mcp.NewServer("ekaya-decks", a.cfg.Version, &tools.Deps{
			Store:        a.store,
			Orchestrator: a.orchestrator,
			Credentials:  a.credentials,
			Logger:       a.logger,
		}, a.logger)
		mux.Handle("/mcp", middleware.MCPRequestLogger(a.logger)(srv.NewStreamableHTTPServer()))
	}

	var h http.Handler = mux
	h = middleware.RequestLogger(a.logger)(h)
	h = middleware.Recoverer(a.logger)(h)
	return h
}

// serve listens until ctx is cancelled, then drains in-flight requests.
func (a *app) serve(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              net.JoinHostPort(a.cfg.BindAddr, a.cfg.Port),
		Handler:           a.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("Starting ekaya-decks",
			zap.String("addr", httpServer.Addr),
			zap.String("base_url", a.cfg.BaseURL),
			zap.String("version", a.cfg.Version),
			zap.String("persistence", a.cfg.Persistence),
			zap.String("storage", a.cfg.Storage.Backend),
			zap.Bool("mcp", a.cfg.MCPEnabled),
			zap.Bool("tls", a.cfg.TLSCertPath != ""))

		var err error
		if a.cfg.TLSCertPath != "" {
			err = httpServer.ListenAndServeTLS(a.cfg.TLSCertPath, a.cfg.TLSKeyPath)
		} else {
			err = httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	a.logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down: %w", err)
	}
	return nil
}
