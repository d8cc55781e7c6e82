package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"stockguard/internal/api"
	"stockguard/internal/config"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the checkout HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
				cfg.HTTPAddr = addr
			}
			reclaim, _ := cmd.Flags().GetBool("reclaim-reserved")
			return serve(cfg, reclaim)
		},
	}

	cmd.Flags().String("addr", "", "Listen address (overrides STOCKGUARD_HTTP_ADDR)")
	cmd.Flags().Bool("reclaim-reserved", false, "Return stock held by crashed orders to available before serving (only when no other instance shares the database)")

	return cmd
}

func serve(cfg *config.Config, reclaim bool) error {
	// Cancel context on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if reclaim {
		if _, err := a.svc.Stock().ReclaimReserved(ctx); err != nil {
			return err
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/", api.NewServer(a.svc, a.logger).Handler())
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.monitor.Run(ctx) // exits when ctx is cancelled
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.logger.Info(map[string]interface{}{
			"op":          "serve",
			"addr":        cfg.HTTPAddr,
			"db":          cfg.DBPath,
			"lock":        cfg.LockBackend,
			"idempotency": cfg.IdempotencyBackend,
		})
		// ListenAndServe returns http.ErrServerClosed on graceful shutdown.
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error(map[string]interface{}{"op": "serve", "error": err.Error()})
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info(map[string]interface{}{"op": "serve", "msg": "shutdown signal received"})

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error(map[string]interface{}{"op": "serve", "error": "http shutdown: " + err.Error()})
	}

	wg.Wait()
	a.logger.Info(map[string]interface{}{"op": "serve", "msg": "stopped"})
	return nil
}
