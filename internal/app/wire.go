package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"sipher/internal/client"
	"sipher/internal/domain"
	"sipher/internal/keyserver"
	"sipher/internal/passkey"
	"sipher/internal/services/account"
	"sipher/internal/services/keysync"
	"sipher/internal/services/session"
	"sipher/internal/store"
)

// Wire bundles all stores, services, and clients for the CLI.
type Wire struct {
	Log      *logrus.Logger
	DB       *store.DB
	Passkey  *passkey.Manager
	Server   domain.KeyServerClient
	Accounts *account.Service
	Sessions *session.Service
	KeySync  *keysync.Service
	Client   *client.Client

	owner domain.UserID
}

// NewWire constructs the dependency graph from cfg. The sink receives
// decrypted messages; nil defaults to plain lines on stdout.
func NewWire(cfg Config, sink domain.MessageSink) (*Wire, error) {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if cfg.Verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	if err := os.MkdirAll(cfg.Home, 0o700); err != nil {
		return nil, fmt.Errorf("create home dir: %w", err)
	}
	db, err := store.Open(filepath.Join(cfg.Home, "sipher.db"))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	server := keyserver.NewHTTP(cfg.ServerURL)
	accounts := account.New(db, db, server, log)
	sessions := session.New(db, db, server, log)
	ks := keysync.New(db, server, sessions, log)

	if sink == nil {
		sink = &writerSink{w: os.Stdout}
	}
	owner := domain.UserID(cfg.UserID)

	return &Wire{
		Log:      log,
		DB:       db,
		Passkey:  passkey.New(cfg.Home),
		Server:   server,
		Accounts: accounts,
		Sessions: sessions,
		KeySync:  ks,
		Client:   client.New(owner, accounts, sessions, ks, sink, log),
		owner:    owner,
	}, nil
}

// Owner returns the configured local user id.
func (w *Wire) Owner() domain.UserID { return w.owner }

// Close releases held resources.
func (w *Wire) Close() error {
	return w.DB.Close()
}

// writerSink prints decrypted messages as plain lines.
type writerSink struct {
	w io.Writer
}

func (s *writerSink) Store(_ context.Context, msg domain.DecryptedMessage) error {
	_, err := fmt.Fprintf(s.w, "[%s] %s: %s\n", msg.ReceivedAt.Format("15:04:05"), msg.From, msg.Plaintext)
	return err
}
