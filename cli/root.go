// Package cli wires the caravel commands.
package cli

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "caravel",
		Short:         "Deployment orchestration and reconciliation pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			initLogger()
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	root.AddCommand(
		newServeCmd(),
		newProxyCmd(),
		newReconcileCmd(),
		newValidateCmd(),
		newRunsCmd(),
	)
	return root
}

func initLogger() {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	slog.SetDefault(slog.New(handler))
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	if err := newRootCmd().Execute(); err != nil {
		slog.Error("command failed", "error", err)
		return 1
	}
	return 0
}
