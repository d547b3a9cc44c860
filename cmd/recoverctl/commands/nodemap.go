package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func nodeMapCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "nodemap",
		Short: "Show the cluster's current node map",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			nm, err := httpClient.getNodeMap(context.Background())
			if err != nil {
				return fmt.Errorf("get node map: %w", err)
			}

			out, err := formatNodeMap(nm, outputFormat)
			if err != nil {
				return fmt.Errorf("format node map: %w", err)
			}

			fmt.Print(out)
			return nil
		},
	}
}
