package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/caravelhq/caravel/models"
	"github.com/caravelhq/caravel/services/docker"
	"github.com/caravelhq/caravel/services/reconcile"
)

func newReconcileCmd() *cobra.Command {
	var (
		topologyPath string
		pruneVolumes bool
		supervise    bool
	)

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Converge the local container runtime to a topology",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReconcile(topologyPath, pruneVolumes, supervise)
		},
	}
	cmd.Flags().StringVar(&topologyPath, "topology", "topology.yaml", "path to the topology document")
	cmd.Flags().BoolVar(&pruneVolumes, "prune-volumes", false, "destroy the topology's named volumes after reconciling")
	cmd.Flags().BoolVar(&supervise, "supervise", false, "keep running and apply restart policies to exiting containers")
	return cmd
}

func runReconcile(topologyPath string, pruneVolumes, supervise bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	top, err := models.LoadTopology(topologyPath)
	if err != nil {
		return err
	}

	rt, err := docker.NewRuntime()
	if err != nil {
		return err
	}

	engine := reconcile.NewEngine(rt, slog.Default(), nil)
	result, err := engine.Reconcile(ctx, top)
	if err != nil {
		return err
	}

	for _, o := range result.Outcomes {
		if o.Err != "" {
			fmt.Printf("%-20s %-10s %s\n", o.Service, o.Action, o.Err)
		} else {
			fmt.Printf("%-20s %s\n", o.Service, o.Action)
		}
	}
	if err := result.Err(); err != nil {
		return err
	}

	if pruneVolumes {
		if err := engine.PruneVolumes(ctx, top); err != nil {
			return err
		}
		slog.Info("pruned volumes", "count", len(top.Volumes))
	}

	if supervise {
		slog.Info("supervising containers")
		events := make(chan reconcile.ExitEvent, 16)
		go func() {
			for ev := range events {
				slog.Warn("container left stopped", "service", ev.Service, "exit_code", ev.ExitCode)
			}
		}()
		engine.Supervise(ctx, events)
	}
	return nil
}
