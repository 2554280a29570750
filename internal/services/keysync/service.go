package keysync

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"sipher/internal/domain"
	"sipher/internal/services/session"
)

// Mismatch reports one peer whose server-side keys no longer match the
// session we hold with them.
type Mismatch struct {
	Peer       domain.UserID
	OldVersion domain.KeyVersion
	NewVersion domain.KeyVersion
}

// Service compares stored session metadata against the key server.
type Service struct {
	store    domain.SessionStore
	server   domain.KeyServerClient
	sessions *session.Service
	log      *logrus.Logger
}

// New constructs a key synchronization service.
func New(store domain.SessionStore, server domain.KeyServerClient, sessions *session.Service, log *logrus.Logger) *Service {
	if log == nil {
		log = logrus.New()
	}
	return &Service{store: store, server: server, sessions: sessions, log: log}
}

// CheckPeer verifies one peer's keys and invalidates the session on
// mismatch. It returns the mismatch, or nil when the session is still
// good. A peer that has disappeared from the server entirely cannot be
// verified and is left alone.
func (s *Service) CheckPeer(ctx context.Context, owner, peer domain.UserID) (*Mismatch, error) {
	rec, err := s.store.LoadSession(ctx, owner, peer)
	if err != nil {
		return nil, err
	}
	info, err := s.server.GetKeyVersion(ctx, peer)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	changed := info.IdentityKey.Curve25519 != rec.PeerIdentityKey
	// Version 0 means the version was unknown at establishment, so only
	// the identity key comparison is meaningful.
	if rec.PeerKeyVersion != 0 && info.KeyVersion != rec.PeerKeyVersion {
		changed = true
	}
	if !changed {
		return nil, nil
	}

	s.log.WithFields(logrus.Fields{
		"owner":       owner,
		"peer":        peer,
		"old_version": rec.PeerKeyVersion,
		"new_version": info.KeyVersion,
	}).Warn("peer keys rotated, invalidating session")

	if err := s.sessions.Invalidate(ctx, owner, peer); err != nil {
		return nil, err
	}
	return &Mismatch{Peer: peer, OldVersion: rec.PeerKeyVersion, NewVersion: info.KeyVersion}, nil
}

// CheckAll runs CheckPeer for every peer owner holds a session with.
// Peers are checked in parallel and one peer's failure never blocks the
// others; failures are logged and skipped.
func (s *Service) CheckAll(ctx context.Context, owner domain.UserID) ([]Mismatch, error) {
	peers, err := s.store.ListPeers(ctx, owner)
	if err != nil {
		return nil, err
	}

	var (
		mu         sync.Mutex
		mismatches []Mismatch
		wg         sync.WaitGroup
	)
	for _, peer := range peers {
		wg.Add(1)
		go func(peer domain.UserID) {
			defer wg.Done()
			m, err := s.CheckPeer(ctx, owner, peer)
			if err != nil {
				s.log.WithError(err).WithField("peer", peer).Warn("key check failed")
				return
			}
			if m != nil {
				mu.Lock()
				mismatches = append(mismatches, *m)
				mu.Unlock()
			}
		}(peer)
	}
	wg.Wait()
	return mismatches, nil
}

// Run checks all peers every interval until ctx is cancelled. Each
// detected mismatch is passed to onMismatch, which may be nil.
func (s *Service) Run(ctx context.Context, owner domain.UserID, interval time.Duration, onMismatch func(Mismatch)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mismatches, err := s.CheckAll(ctx, owner)
			if err != nil {
				s.log.WithError(err).Warn("key sync pass failed")
				continue
			}
			if onMismatch != nil {
				for _, m := range mismatches {
					onMismatch(m)
				}
			}
		}
	}
}
