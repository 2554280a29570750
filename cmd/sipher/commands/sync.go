package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// sync: run one key check over all peers and report what changed.
func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Check all peers for rotated keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			mismatches, err := wire.KeySync.CheckAll(cmd.Context(), wire.Owner())
			if err != nil {
				return err
			}
			if len(mismatches) == 0 {
				fmt.Println("all sessions up to date")
				return nil
			}
			for _, m := range mismatches {
				fmt.Printf("%s rotated keys (v%d -> v%d), session dropped\n", m.Peer, m.OldVersion, m.NewVersion)
			}
			return nil
		},
	}
}
