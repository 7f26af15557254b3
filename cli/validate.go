package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/caravelhq/caravel/models"
	"github.com/caravelhq/caravel/services/topology"
)

func newValidateCmd() *cobra.Command {
	var topologyPath string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a topology document and print its reconcile order",
		RunE: func(cmd *cobra.Command, args []string) error {
			top, err := models.LoadTopology(topologyPath)
			if err != nil {
				return err
			}
			order, err := topology.DependencyOrder(top)
			if err != nil {
				return err
			}
			for i, svc := range order {
				fmt.Printf("%2d. %s (%s)\n", i+1, svc.Name, svc.Image)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&topologyPath, "topology", "topology.yaml", "path to the topology document")
	return cmd
}
