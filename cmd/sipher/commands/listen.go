package commands

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"sipher/internal/transport"
)

// listen: stay connected and decrypt incoming messages until
// interrupted. Messages that arrive before the account is unlocked are
// queued and processed in order afterwards.
func listenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "listen",
		Short: "Connect and decrypt incoming messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			pass, err := resolvePassword()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			ws, err := transport.DialWS(ctx, server, wire.Owner(), wire.Client.HandleEnvelope, wire.Log)
			if err != nil {
				return err
			}
			wire.Client.SetTransport(ws)
			defer wire.Client.Close()

			if err := wire.Client.Unlock(ctx, pass); err != nil {
				return err
			}
			if syncEvr > 0 {
				wire.Client.StartKeySync(ctx, syncEvr)
			}

			fmt.Printf("listening as %s, press Ctrl-C to stop\n", wire.Owner())
			<-ctx.Done()
			return nil
		},
	}
}
