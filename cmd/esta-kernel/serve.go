package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/host"
	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/observability"
)

func newServeCmd(g *globals) *cobra.Command {
	var (
		addr string
		tick time.Duration
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Load manifests from the manifest directory, supervise them and expose metrics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if tick <= 0 {
				return fmt.Errorf("serve: --tick must be positive, got %s", tick)
			}
			cfg, err := g.config()
			if err != nil {
				return err
			}
			if cfg.ManifestDir == "" {
				return errors.New("serve: manifest_dir (ESTA_MANIFEST_DIR) is required")
			}
			logger := g.logger(cfg)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			h, shutdown, err := host.FromConfig(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdown(sctx); err != nil {
					logger.Error("shutdown", "error", err)
				}
			}()

			reg, err := observability.NewRegistry("esta", h.Stats)
			if err != nil {
				return err
			}
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusOK)
				_, _ = w.Write([]byte("OK"))
			})
			srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("metrics server", "error", err)
					stop()
				}
			}()

			watchErr := make(chan error, 1)
			go func() { watchErr <- h.WatchManifests(ctx, cfg.ManifestDir) }()

			logger.Info("kernel host ready", "manifests", cfg.ManifestDir, "addr", addr)
			ticker := time.NewTicker(tick)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					logger.Info("shutting down")
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(sctx)
					return <-watchErr
				case err := <-watchErr:
					_ = srv.Close()
					return err
				case now := <-ticker.C:
					if restarted := h.Tick(ctx, now.UnixMilli()); len(restarted) > 0 {
						logger.Info("modules restarted", "modules", restarted)
					}
				}
			}
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":9464", "Listen address for /metrics and /health")
	cmd.Flags().DurationVar(&tick, "tick", 250*time.Millisecond, "Supervisor and capability expiry interval")
	return cmd
}
