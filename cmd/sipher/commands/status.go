package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"sipher/internal/services/account"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Compare local keys against the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			pass, err := resolvePassword()
			if err != nil {
				return err
			}
			status, err := wire.Accounts.Check(cmd.Context(), wire.Owner(), pass)
			if err != nil {
				return err
			}
			switch status {
			case account.StatusSynced:
				fmt.Println("synced: local and server keys match")
			case account.StatusNotSetup:
				fmt.Println("not set up: run 'sipher init'")
			case account.StatusMismatched:
				fmt.Println("mismatched: server holds different keys, run 'sipher rotate'")
			}
			return nil
		},
	}
}
