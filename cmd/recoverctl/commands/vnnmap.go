package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func vnnMapCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "vnnmap",
		Short: "Show the cluster's current routing map (vnnmap)",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			vnn, err := httpClient.getVNNMap(context.Background())
			if err != nil {
				return fmt.Errorf("get routing map: %w", err)
			}

			out, err := formatVNNMap(vnn, outputFormat)
			if err != nil {
				return fmt.Errorf("format routing map: %w", err)
			}

			fmt.Print(out)
			return nil
		},
	}
}
