package commands

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func rotateCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "rotate",
		Short: "Replace all keys and drop every session",
		Long: `Rotate generates a fresh identity and one-time key pool, force
publishes it, and deletes every local session. Peers will re-establish
sessions against the new keys on the next exchange.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			pass, err := resolvePassword()
			if err != nil {
				return err
			}
			if !yes && !confirm("This drops every session and replaces your keys. Continue? [y/N] ") {
				fmt.Println("aborted")
				return nil
			}

			version, err := wire.Accounts.Rotate(cmd.Context(), wire.Owner(), pass)
			if err != nil {
				return err
			}
			wire.Sessions.Reset(wire.Owner())

			fp, err := wire.Accounts.Fingerprint(cmd.Context(), wire.Owner(), pass)
			if err != nil {
				return err
			}
			fmt.Printf("Keys rotated (key version %d).\nNew fingerprint: %s\n", version, fp)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip confirmation")
	return cmd
}

func confirm(prompt string) bool {
	fmt.Print(prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(line), "y")
}
