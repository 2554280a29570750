package account

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"sipher/internal/crypto"
	"sipher/internal/domain"
	"sipher/internal/protocol/e2ee"
)

// Status describes how local key material relates to the server's.
type Status string

const (
	// StatusSynced means local and server key versions agree.
	StatusSynced Status = "synced"
	// StatusNotSetup means no account exists locally, on the server, or
	// either side.
	StatusNotSetup Status = "not_setup"
	// StatusMismatched means both sides have keys but they disagree, so
	// the account must be rotated or re-published.
	StatusMismatched Status = "mismatched"
)

// Service owns the local account lifecycle.
type Service struct {
	accounts domain.AccountStore
	sessions domain.SessionStore
	server   domain.KeyServerClient
	log      *logrus.Logger
}

// New constructs an account service.
func New(accounts domain.AccountStore, sessions domain.SessionStore, server domain.KeyServerClient, log *logrus.Logger) *Service {
	if log == nil {
		log = logrus.New()
	}
	return &Service{accounts: accounts, sessions: sessions, server: server, log: log}
}

// Create generates a fresh account with a full one-time key pool and
// persists it encrypted under password. It fails with ErrAccountExists
// if owner already has a local account; use Rotate to replace keys.
func (s *Service) Create(ctx context.Context, owner domain.UserID, password string) (*e2ee.Account, error) {
	if _, err := s.accounts.LoadAccount(ctx, owner); err == nil {
		return nil, domain.ErrAccountExists
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	acct, err := newAccountWithKeys()
	if err != nil {
		return nil, err
	}
	if err := s.save(ctx, owner, password, acct, 0, time.Time{}); err != nil {
		return nil, err
	}
	s.log.WithField("owner", owner).Info("account created")
	return acct, nil
}

// Publish uploads the account's identity and unpublished one-time keys.
// On success the pooled keys are marked published, the record adopts
// the server-assigned key version, and the re-pickled account is saved.
func (s *Service) Publish(ctx context.Context, owner domain.UserID, password string, force bool) (domain.KeyVersion, error) {
	acct, rec, err := s.Load(ctx, owner, password)
	if err != nil {
		return 0, err
	}
	return s.publish(ctx, owner, password, acct, rec.CreatedAt, force)
}

// Rotate discards the current account, generates a new one, force
// publishes it, and deletes every local session. Peers detect the
// rotation through key synchronization.
func (s *Service) Rotate(ctx context.Context, owner domain.UserID, password string) (domain.KeyVersion, error) {
	// The old password must open the old record before we destroy it.
	if _, _, err := s.Load(ctx, owner, password); err != nil {
		return 0, err
	}

	acct, err := newAccountWithKeys()
	if err != nil {
		return 0, err
	}
	version, err := s.publish(ctx, owner, password, acct, time.Now().UTC(), true)
	if err != nil {
		return 0, err
	}
	if err := s.sessions.DeleteSessions(ctx, owner); err != nil {
		return 0, fmt.Errorf("drop sessions after rotation: %w", err)
	}
	s.log.WithFields(logrus.Fields{"owner": owner, "version": version}).Info("account rotated")
	return version, nil
}

// Load unpickles the stored account. A wrong password reports
// ErrWrongPassword and a damaged blob ErrStoreCorrupt.
func (s *Service) Load(ctx context.Context, owner domain.UserID, password string) (*e2ee.Account, domain.AccountRecord, error) {
	rec, err := s.accounts.LoadAccount(ctx, owner)
	if err != nil {
		return nil, domain.AccountRecord{}, err
	}
	acct, err := e2ee.UnpickleAccount(rec.Pickle, password)
	if err != nil {
		return nil, domain.AccountRecord{}, mapPickleErr(err)
	}
	return acct, rec, nil
}

// Save re-pickles the account and persists it, keeping version and
// creation time from rec. Call after any mutation of the key pool.
func (s *Service) Save(ctx context.Context, owner domain.UserID, password string, acct *e2ee.Account, rec domain.AccountRecord) error {
	return s.save(ctx, owner, password, acct, rec.KeyVersion, rec.CreatedAt)
}

// Check compares local key material against the server's.
func (s *Service) Check(ctx context.Context, owner domain.UserID, password string) (Status, error) {
	acct, rec, err := s.Load(ctx, owner, password)
	if errors.Is(err, domain.ErrNotFound) {
		return StatusNotSetup, nil
	}
	if err != nil {
		return "", err
	}

	info, err := s.server.GetKeyVersion(ctx, owner)
	if errors.Is(err, domain.ErrNotFound) {
		return StatusNotSetup, nil
	}
	if err != nil {
		return "", err
	}

	curve, _ := acct.IdentityKeys()
	if info.KeyVersion == rec.KeyVersion && info.IdentityKey.Curve25519 == curve {
		return StatusSynced, nil
	}
	return StatusMismatched, nil
}

// Fingerprint returns the short identifier of the account's identity
// key, shown to users for out-of-band verification.
func (s *Service) Fingerprint(ctx context.Context, owner domain.UserID, password string) (domain.Fingerprint, error) {
	acct, _, err := s.Load(ctx, owner, password)
	if err != nil {
		return "", err
	}
	curve, _ := acct.IdentityKeys()
	raw, err := crypto.FromB64(curve)
	if err != nil {
		return "", err
	}
	return domain.Fingerprint(crypto.Fingerprint(raw)), nil
}

func (s *Service) publish(ctx context.Context, owner domain.UserID, password string, acct *e2ee.Account, createdAt time.Time, force bool) (domain.KeyVersion, error) {
	curve, ed := acct.IdentityKeys()
	identity := domain.IdentityKeys{Curve25519: curve, Ed25519: ed}

	otks := make([]domain.OneTimeKey, 0, e2ee.DefaultOneTimeKeyCount)
	for _, k := range acct.OneTimeKeys() {
		otks = append(otks, domain.OneTimeKey{ID: domain.KeyID(k.ID), PublicKey: k.PublicKey})
	}

	version, err := s.server.PublishKeys(ctx, owner, identity, otks, force)
	if err != nil {
		return 0, err
	}
	acct.MarkKeysAsPublished()
	if err := s.save(ctx, owner, password, acct, version, createdAt); err != nil {
		return 0, err
	}
	s.log.WithFields(logrus.Fields{"owner": owner, "version": version, "otks": len(otks)}).Info("keys published")
	return version, nil
}

func (s *Service) save(ctx context.Context, owner domain.UserID, password string, acct *e2ee.Account, version domain.KeyVersion, createdAt time.Time) error {
	pickle, err := acct.Pickle(password)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if createdAt.IsZero() {
		createdAt = now
	}
	return s.accounts.SaveAccount(ctx, domain.AccountRecord{
		OwnerID:    owner,
		Pickle:     pickle,
		KeyVersion: version,
		CreatedAt:  createdAt,
		UpdatedAt:  now,
	})
}

func newAccountWithKeys() (*e2ee.Account, error) {
	acct, err := e2ee.NewAccount()
	if err != nil {
		return nil, err
	}
	if err := acct.GenerateOneTimeKeys(e2ee.DefaultOneTimeKeyCount); err != nil {
		return nil, err
	}
	return acct, nil
}

// mapPickleErr translates primitive-library pickle failures into the
// domain vocabulary callers branch on.
func mapPickleErr(err error) error {
	switch {
	case errors.Is(err, e2ee.ErrWrongPickleKey):
		return domain.ErrWrongPassword
	case errors.Is(err, e2ee.ErrPickleCorrupt):
		return fmt.Errorf("%w: %v", domain.ErrStoreCorrupt, err)
	default:
		return err
	}
}
