package cli

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/caravelhq/caravel/config"
	"github.com/caravelhq/caravel/models"
	"github.com/caravelhq/caravel/services/proxy"
)

func newProxyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "proxy",
		Short: "Run the reverse proxy for the deployed topology",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if err := cfg.ValidateProxy(); err != nil {
				return err
			}
			return runProxy(cfg)
		},
	}
}

func runProxy(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rules, err := models.LoadRoutes(cfg.RoutesPath)
	if err != nil {
		return err
	}

	// Upstream service names resolve through the shared container network.
	router, err := proxy.NewRouter(rules, cfg.StaticRoot, nil)
	if err != nil {
		return err
	}

	srv := &http.Server{Addr: cfg.ProxyAddr, Handler: router}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("proxy listening", "addr", cfg.ProxyAddr, "static_root", cfg.StaticRoot)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down proxy")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
