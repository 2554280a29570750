package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"sipher/internal/domain"
	"sipher/internal/transport"
)

// send <peer> <message>: encrypt and send one message to <peer>.
func sendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <peer> <message>",
		Short: "Encrypt and send a message to a peer",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pass, err := resolvePassword()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			peer := domain.UserID(args[0])

			ws, err := transport.DialWS(ctx, server, wire.Owner(), wire.Client.HandleEnvelope, wire.Log)
			if err != nil {
				return err
			}
			wire.Client.SetTransport(ws)
			defer wire.Client.Close()

			if err := wire.Client.Unlock(ctx, pass); err != nil {
				return err
			}
			if err := wire.Client.Send(ctx, peer, []byte(args[1])); err != nil {
				return err
			}
			fmt.Println("sent")
			return nil
		},
	}
}
