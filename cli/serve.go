package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/caravelhq/caravel/config"
	"github.com/caravelhq/caravel/models"
	"github.com/caravelhq/caravel/observability"
	"github.com/caravelhq/caravel/server"
	"github.com/caravelhq/caravel/services/build"
	"github.com/caravelhq/caravel/services/notify"
	"github.com/caravelhq/caravel/services/pipeline"
	"github.com/caravelhq/caravel/services/registry"
	"github.com/caravelhq/caravel/services/remote"
	"github.com/caravelhq/caravel/services/source"
	"github.com/caravelhq/caravel/services/topology"
	"github.com/caravelhq/caravel/store"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the pipeline controller and its HTTP trigger API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if err := cfg.ValidateServe(); err != nil {
				return err
			}
			return serve(cfg)
		},
	}
}

func serve(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	top, err := models.LoadTopology(cfg.TopologyPath)
	if err != nil {
		return err
	}
	if err := topology.Validate(top); err != nil {
		return fmt.Errorf("topology: %w", err)
	}

	runStore, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return err
	}
	defer runStore.Close()

	metrics := observability.NewRegistry()

	deps := pipeline.Deps{
		Source:   source.NewGitSource(cfg.RepoURL, cfg.GitToken),
		Builder:  build.NewDockerBuilder(),
		Registry: registry.NewDockerRegistry(cfg.Registry.Host, cfg.Registry.Username, cfg.Registry.Password),
		Dialer:   remote.NewSSHDialer(cfg.Deploy.User, cfg.Deploy.KeyPath),
		Store:    runStore,
		Metrics:  metrics,
		Log:      slog.Default(),
	}
	if cfg.NotifyEndpoint != "" {
		notifier, err := notify.New(cfg.NotifyEndpoint, "")
		if err != nil {
			return err
		}
		deps.Notifier = notifier
	}

	remoteCmd := cfg.Deploy.RemoteCommand
	if remoteCmd == "" {
		remoteCmd = "caravel reconcile --topology " + cfg.TopologyPath
	}

	ctrl := pipeline.NewController(deps, pipeline.Options{
		Target:        cfg.Deploy.Host,
		Topology:      top,
		WorkDir:       cfg.WorkDir,
		RemoteCommand: remoteCmd,
		StageTimeout:  cfg.StageTimeout(),
	})
	go ctrl.Run(ctx)

	slog.Info("pipeline API listening", "addr", cfg.ListenAddr, "target", cfg.Deploy.Host)
	srv := server.New(cfg.ListenAddr, ctrl, runStore, metrics)
	return srv.ListenAndServe(ctx)
}
