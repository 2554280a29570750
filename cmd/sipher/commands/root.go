package commands

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"sipher/internal/app"
	"sipher/internal/domain"
)

var (
	home     string
	password string
	server   string
	user     string
	verbose  bool
	syncEvr  time.Duration

	wire *app.Wire
)

func Execute() error {
	root := &cobra.Command{
		Use:           "sipher",
		Short:         "End-to-end encrypted messaging client",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if home == "" {
				dir, err := os.UserHomeDir()
				if err != nil {
					return err
				}
				home = filepath.Join(dir, ".sipher")
			}
			if user == "" {
				return fmt.Errorf("--user required")
			}
			var err error
			wire, err = app.NewWire(app.Config{
				Home:         home,
				ServerURL:    server,
				UserID:       user,
				SyncInterval: syncEvr,
				Verbose:      verbose,
			}, nil)
			return err
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if wire == nil {
				return nil
			}
			return wire.Close()
		},
	}

	root.PersistentFlags().StringVar(&home, "home", "", "config dir (default ~/.sipher)")
	root.PersistentFlags().StringVarP(&password, "password", "p", "", "account password (omit to use the cached one)")
	root.PersistentFlags().StringVar(&server, "server", "http://127.0.0.1:8080", "key server base URL")
	root.PersistentFlags().StringVarP(&user, "user", "u", "", "your user id")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	root.PersistentFlags().DurationVar(&syncEvr, "sync-interval", time.Minute, "periodic key check interval (0 disables)")

	root.AddCommand(
		initCmd(),
		rotateCmd(),
		fingerprintCmd(),
		statusCmd(),
		sendCmd(),
		listenCmd(),
		syncCmd(),
		forgetCmd(),
	)
	return root.Execute()
}

// resolvePassword returns --password, falling back to the password
// cached by init --remember.
func resolvePassword() (string, error) {
	if password != "" {
		return password, nil
	}
	cached, err := wire.Passkey.LoadPassword()
	if errors.Is(err, domain.ErrNotFound) {
		return "", fmt.Errorf("password required (-p), none cached")
	}
	if err != nil {
		return "", err
	}
	return cached, nil
}
