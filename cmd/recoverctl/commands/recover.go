package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func recoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Force an out-of-band recovery pass",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if err := httpClient.forceRecover(context.Background()); err != nil {
				return fmt.Errorf("force recovery: %w", err)
			}

			fmt.Println("Recovery requested.")
			return nil
		},
	}
}
