package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func initCmd() *cobra.Command {
	var remember bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the local account and publish keys to the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				return fmt.Errorf("password required (-p)")
			}
			ctx := cmd.Context()

			if _, err := wire.Accounts.Create(ctx, wire.Owner(), password); err != nil {
				return err
			}
			version, err := wire.Accounts.Publish(ctx, wire.Owner(), password, false)
			if err != nil {
				return err
			}
			if remember {
				if err := wire.Passkey.StorePassword(password); err != nil {
					return err
				}
			}

			fp, err := wire.Accounts.Fingerprint(ctx, wire.Owner(), password)
			if err != nil {
				return err
			}
			fmt.Printf("Account created (key version %d).\nFingerprint: %s\n", version, fp)
			return nil
		},
	}
	cmd.Flags().BoolVar(&remember, "remember", false, "cache the password for later commands")
	return cmd
}
