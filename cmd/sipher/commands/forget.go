package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func forgetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "forget",
		Short: "Clear the cached password",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := wire.Passkey.Clear(); err != nil {
				return err
			}
			fmt.Println("cached password cleared")
			return nil
		},
	}
}
