package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/caravelhq/caravel/config"
	"github.com/caravelhq/caravel/store"
)

func newRunsCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List pipeline run history",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			runStore, err := store.NewSQLiteStore(cfg.DBPath)
			if err != nil {
				return err
			}
			defer runStore.Close()

			runs, err := runStore.ListRuns(limit)
			if err != nil {
				return err
			}
			for _, run := range runs {
				fmt.Printf("%s  %-10s  %-12s  %s\n",
					run.ID, run.Status, run.TriggerRef, run.CreatedAt.Format("2006-01-02 15:04:05"))
				for _, stage := range run.Stages {
					line := fmt.Sprintf("    %-8s %s", stage.Name, stage.Status)
					if stage.Error != "" {
						line += "  " + stage.Error
					}
					fmt.Println(line)
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum runs to list")
	return cmd
}
