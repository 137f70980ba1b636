package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/heyronith/kurral-sub012/infrastructure/middleware"
	"github.com/heyronith/kurral-sub012/infrastructure/ratelimit"
	"github.com/heyronith/kurral-sub012/internal/api"
	"github.com/heyronith/kurral-sub012/internal/application"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the pipeline over HTTP",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := root.load()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Address = addr
			}
			if cfg.Server.JWTSecret == "" {
				return errors.New("server.jwt_secret is required to serve")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			comps, err := application.Build(ctx, cfg, application.BuildOptions{
				Registerer: prometheus.DefaultRegisterer,
				Logger:     logger,
			})
			if err != nil {
				return err
			}
			defer func() {
				if err := comps.Close(); err != nil {
					logger.Error("closing components", "error", err)
				}
			}()

			verifier, err := middleware.NewJWTVerifier([]byte(cfg.Server.JWTSecret), cfg.Server.JWTIssuer)
			if err != nil {
				return err
			}
			e, err := api.NewServer(api.Config{
				Processor:      comps.Orchestrator,
				Insights:       comps.Store,
				Verifier:       verifier,
				RateLimiter:    comps.RateLimiter,
				Rule:           ratelimit.Rule{MaxRequests: cfg.RateLimit.MaxRequests, Window: cfg.RateLimit.Window},
				DefaultOptions: cfg.Pipeline,
				Gatherer:       prometheus.DefaultGatherer,
				Logger:         logger,
			})
			if err != nil {
				return err
			}

			srv := &http.Server{
				Addr:         cfg.Server.Address,
				Handler:      e,
				ReadTimeout:  cfg.Server.ReadTimeout,
				WriteTimeout: cfg.Server.WriteTimeout,
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				logger.Info("listening", "addr", srv.Addr)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("http server: %w", err)
				}
				return nil
			})
			g.Go(func() error {
				// Local jobs drain until CloseLocalQueue, not until shutdown starts.
				return comps.ConsumeLocal(context.WithoutCancel(gctx))
			})
			g.Go(func() error {
				<-gctx.Done()
				logger.Info("shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
				defer cancel()
				err := srv.Shutdown(shutdownCtx)
				comps.CloseLocalQueue()
				return err
			})
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.address)")
	return cmd
}
